// Package chatkit is the Go client for the AgroLink realtime messaging
// layer: one persistent connection to the chat gateway, topic-based
// publish/subscribe, automatic reconnection with credential renewal, and
// client-side reconciliation of the eventually-consistent conversation
// timeline (sends, edits, deletions, reactions, typing, presence).
//
// Example:
//
//	auth := chatkit.NewRESTAuthProvider(baseURL, token, nil)
//	client := chatkit.NewClient("farmer-42", auth, chatkit.WithBaseURL(baseURL))
//	client.OnMessage("app", func(m chatkit.Message) { render(m) })
//	client.Connect()
//	defer client.Close()
//
//	client.SetActiveConversation("buyer-7")
//	client.LoadHistory(ctx, "buyer-7")
//	client.SendMessage(ctx, "the oats shipped this morning", nil)
package chatkit

import (
	"context"
	"net/http"
	"strings"
	"time"

	"gitlab.com/elixxir/ekv"
)

const (
	// DefaultBaseURL is the production API root.
	DefaultBaseURL = "https://api.agrolink.io"

	// realtimePath is appended to the base URL to reach the chat gateway.
	realtimePath = "/realtime"
)

// Internal observer registration ids. User registrations use their own ids
// and cannot collide with these unless deliberately.
const (
	obsStore    = "chatkit/store"
	obsPresence = "chatkit/presence"
	obsCleanup  = "chatkit/cleanup"
)

type options struct {
	baseURL    string
	transport  Transport
	kv         ekv.KeyValue
	history    HistoryService
	httpClient *http.Client
	conn       ConnConfig
}

// Option configures a Client.
type Option func(*options)

// WithBaseURL overrides the API root.
func WithBaseURL(u string) Option {
	return func(o *options) { o.baseURL = strings.TrimRight(u, "/") }
}

// WithTransport substitutes the realtime transport; tests inject fakes
// here.
func WithTransport(t Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithKV enables cross-restart conversation caching in the given
// key-value store (for example ekv.NewFilestore or ekv.MakeMemstore).
func WithKV(kv ekv.KeyValue) Option {
	return func(o *options) { o.kv = kv }
}

// WithHistoryService substitutes the conversation history collaborator.
func WithHistoryService(h HistoryService) Option {
	return func(o *options) { o.history = h }
}

// WithHTTPClient sets the HTTP client used by the default REST
// collaborators and the polling transport.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithConnConfig tunes reconnection behavior.
func WithConnConfig(cfg ConnConfig) Option {
	return func(o *options) { o.conn = cfg }
}

// Client is the process-scoped realtime messaging service: one logical
// connection, one message store, one presence tracker. Construct it once,
// share it, and tear it down with Close.
type Client struct {
	localUser string
	auth      AuthProvider

	conn     *connManager
	router   *Router
	presence *PresenceTracker
	store    *MessageStore
	sender   *Sender
}

// NewClient wires the messaging core for localUserID. The auth provider is
// the only mandatory collaborator; everything else has a default that can
// be overridden with options.
func NewClient(localUserID string, auth AuthProvider, opts ...Option) *Client {
	o := &options{
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.transport == nil {
		o.transport = FallbackTransport{
			Primary:   WebSocketTransport{},
			Secondary: SSETransport{HTTPClient: o.httpClient},
		}
	}
	if o.history == nil {
		o.history = NewRESTHistoryService(o.baseURL, auth, o.httpClient)
	}

	router := newRouter()
	store := newMessageStore(localUserID, o.kv, o.history)
	presence := newPresenceTracker(localUserID)
	conn := newConnManager(o.baseURL+realtimePath, o.transport, auth, o.conn)

	conn.onFrame = router.dispatch
	conn.onConnected = router.subscribeAll
	router.setPublisher(conn)

	// The store and trackers are themselves channel handlers, registered
	// before any user handler so they observe every frame first.
	router.OnPresence(obsPresence, presence.Replace)
	router.OnTyping(obsPresence, presence.ApplyTyping)
	router.OnMessage(obsStore, store.ApplyIncomingMessage)
	router.OnEdit(obsStore, store.ApplyEdit)
	router.OnDeletion(obsStore, store.ApplyDeletion)
	router.OnReaction(obsStore, store.ApplyReaction)

	// Presence is meaningless without a connection.
	conn.OnStateChange(obsPresence, func(s State) {
		if s == StateDisconnected {
			presence.Reset()
		}
	})

	// Terminal failure is treated exactly like an explicit logout: wipe
	// credentials and the conversation cache before user observers run.
	conn.OnLogout(obsCleanup, func(string) {
		auth.Clear()
		store.Clear()
		presence.Reset()
	})

	store.LoadCached()

	return &Client{
		localUser: localUserID,
		auth:      auth,
		conn:      conn,
		router:    router,
		presence:  presence,
		store:     store,
		sender:    newSender(router, localUserID),
	}
}

// LocalUser returns the authenticated identity the client was built for.
func (c *Client) LocalUser() string { return c.localUser }

// Connect activates the connection lifecycle. It returns immediately; the
// state machine connects, retries, and renews credentials in the
// background. ErrNoCredential short-circuits to the logout path.
func (c *Client) Connect() error { return c.conn.Connect() }

// Disconnect tears the connection down without clearing local state.
func (c *Client) Disconnect() { c.conn.Disconnect() }

// Close is the teardown half of the init/teardown lifecycle. Currently a
// disconnect; cached conversations survive for the next session.
func (c *Client) Close() { c.conn.Disconnect() }

// State returns the current connection state.
func (c *Client) State() State { return c.conn.State() }

// Store exposes the message store for reads and observation.
func (c *Client) Store() *MessageStore { return c.store }

// Presence exposes the presence and typing tracker.
func (c *Client) Presence() *PresenceTracker { return c.presence }

// Router exposes per-channel handler registration.
func (c *Client) Router() *Router { return c.router }

// ── Observation shortcuts ────────────────────────────────────────────────

// OnMessage registers a handler for new messages (after the store applied
// them).
func (c *Client) OnMessage(id string, fn func(Message)) { c.router.OnMessage(id, fn) }

// OnStateChange registers a connection-state observer.
func (c *Client) OnStateChange(id string, fn func(State)) { c.conn.OnStateChange(id, fn) }

// OnLogout registers an observer for the terminal failure path, fired for
// session expiry and credential loss alike so the UI can redirect to
// sign-in.
func (c *Client) OnLogout(id string, fn func(reason string)) { c.conn.OnLogout(id, fn) }

// ── Conversation lifecycle ───────────────────────────────────────────────

// SetActiveConversation switches the active chat to counterpartID.
// Switching away from a conversation invalidates its in-flight history
// fetches but keeps its cached messages.
func (c *Client) SetActiveConversation(counterpartID string) {
	previous := c.sender.ActiveConversation()
	if previous != "" && previous != counterpartID {
		c.store.AbandonLoads(NewConversationKey(c.localUser, previous))
	}
	c.sender.SetActiveConversation(counterpartID)
}

// ActiveConversation returns the active counterpart id, or "".
func (c *Client) ActiveConversation() string { return c.sender.ActiveConversation() }

// LoadHistory fetches and merges the transcript with counterpartID,
// honoring ctx for timeout and cancellation.
func (c *Client) LoadHistory(ctx context.Context, counterpartID string) error {
	return c.store.LoadHistory(ctx, counterpartID)
}

// MarkRead flags the identified messages as read.
func (c *Client) MarkRead(messageIDs []string) { c.store.MarkRead(messageIDs) }

// ── Outbound intents ─────────────────────────────────────────────────────

// SendMessage publishes a message to the active conversation, returning
// the correlation id for pending-state tracking.
func (c *Client) SendMessage(ctx context.Context, content string, opts *SendOptions) (string, error) {
	return c.sender.SendMessage(ctx, content, opts)
}

// EditMessage publishes a content rewrite.
func (c *Client) EditMessage(ctx context.Context, messageID, content string) error {
	return c.sender.EditMessage(ctx, messageID, content)
}

// DeleteMessage publishes a deletion.
func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	return c.sender.DeleteMessage(ctx, messageID)
}

// ReactToMessage publishes a single-emoji reaction.
func (c *Client) ReactToMessage(ctx context.Context, messageID, emoji string) error {
	return c.sender.ReactToMessage(ctx, messageID, emoji)
}

// SetTyping notifies the active counterpart of typing state. Safe to call
// on every keystroke; throttling is the caller's concern.
func (c *Client) SetTyping(ctx context.Context, typing bool) error {
	return c.sender.SetTyping(ctx, typing)
}
