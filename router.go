package chatkit

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// Broadcast channels subscribed on every successful connect.
const (
	TopicOnlineUsers      = "/topic/online-users"
	TopicMessages         = "/topic/messages"
	TopicMessageEdits     = "/topic/message-edits"
	TopicMessageDeletions = "/topic/message-deletions"
	TopicMessageReactions = "/topic/message-reactions"
	TopicTyping           = "/topic/typing"
)

// Outbound command destinations.
const (
	DestSendMessage        = "/app/send-message"
	DestEditMessage        = "/app/edit-message"
	DestDeleteMessage      = "/app/delete-message"
	DestReactToMessage     = "/app/react-to-message"
	DestTypingNotification = "/app/typing-notification"
)

var subscribedTopics = []string{
	TopicOnlineUsers,
	TopicMessages,
	TopicMessageEdits,
	TopicMessageDeletions,
	TopicMessageReactions,
	TopicTyping,
}

// framePublisher is the slice of the connection manager the router needs:
// frame writes and the current state.
type framePublisher interface {
	sendFrame(ctx context.Context, f *Frame) error
	State() State
}

// Router subscribes to the fixed broadcast channels after connect and
// dispatches decoded frames to per-topic handler sets. Each channel has
// exactly one decode step; a frame that fails to decode is logged and
// dropped without affecting the connection or other channels.
type Router struct {
	pub framePublisher

	mu   sync.Mutex
	subs map[string]string // topic → subscription id

	onPresence *observers[[]string]
	onMessage  *observers[Message]
	onEdit     *observers[Message]
	onDeletion *observers[string]
	onReaction *observers[ReactionEvent]
	onTyping   *observers[TypingEvent]
}

func newRouter() *Router {
	return &Router{
		subs:       make(map[string]string),
		onPresence: newObservers[[]string](),
		onMessage:  newObservers[Message](),
		onEdit:     newObservers[Message](),
		onDeletion: newObservers[string](),
		onReaction: newObservers[ReactionEvent](),
		onTyping:   newObservers[TypingEvent](),
	}
}

func (r *Router) setPublisher(pub framePublisher) { r.pub = pub }

// subscribeAll issues one SUBSCRIBE per broadcast channel. Called by the
// connection manager on entering the connected state.
func (r *Router) subscribeAll(ctx context.Context) error {
	r.mu.Lock()
	r.subs = make(map[string]string, len(subscribedTopics))
	for _, topic := range subscribedTopics {
		r.subs[topic] = uuid.NewString()
	}
	subs := make(map[string]string, len(r.subs))
	for k, v := range r.subs {
		subs[k] = v
	}
	r.mu.Unlock()

	for _, topic := range subscribedTopics {
		f := NewFrame(FrameSubscribe,
			HdrDestination, topic,
			HdrSubscription, subs[topic])
		if err := r.pub.sendFrame(ctx, f); err != nil {
			return errors.Wrapf(err, "subscribe %s", topic)
		}
	}
	jww.INFO.Printf("subscribed to %d topics", len(subscribedTopics))
	return nil
}

// dispatch decodes one MESSAGE frame and fans it out to the channel's
// handlers. Decode failures never propagate.
func (r *Router) dispatch(f *Frame) {
	topic := f.Destination()
	switch topic {
	case TopicOnlineUsers:
		var p PresenceList
		if err := json.Unmarshal(f.Body, &p); err != nil {
			jww.WARN.Printf("drop undecodable %s frame: %v", topic, err)
			return
		}
		r.onPresence.Notify(p.Users)

	case TopicMessages:
		var m Message
		if err := json.Unmarshal(f.Body, &m); err != nil {
			jww.WARN.Printf("drop undecodable %s frame: %v", topic, err)
			return
		}
		r.onMessage.Notify(m)

	case TopicMessageEdits:
		var m Message
		if err := json.Unmarshal(f.Body, &m); err != nil {
			jww.WARN.Printf("drop undecodable %s frame: %v", topic, err)
			return
		}
		r.onEdit.Notify(m)

	case TopicMessageDeletions:
		// The payload is a bare identifier, either as a JSON string or
		// wrapped in a deletion event.
		var id string
		if err := json.Unmarshal(f.Body, &id); err != nil {
			var ev DeletionEvent
			if err := json.Unmarshal(f.Body, &ev); err != nil || ev.MessageID == "" {
				jww.WARN.Printf("drop undecodable %s frame: %v", topic, err)
				return
			}
			id = ev.MessageID
		}
		r.onDeletion.Notify(id)

	case TopicMessageReactions:
		var ev ReactionEvent
		if err := json.Unmarshal(f.Body, &ev); err != nil {
			jww.WARN.Printf("drop undecodable %s frame: %v", topic, err)
			return
		}
		r.onReaction.Notify(ev)

	case TopicTyping:
		var ev TypingEvent
		if err := json.Unmarshal(f.Body, &ev); err != nil {
			jww.WARN.Printf("drop undecodable %s frame: %v", topic, err)
			return
		}
		r.onTyping.Notify(ev)

	default:
		jww.DEBUG.Printf("frame for unknown destination %q dropped", topic)
	}
}

// Publish sends payload to a destination. It is a strict no-op when the
// connection is not in the connected state: nothing is queued or retried,
// the caller gets ErrNotConnected and is responsible for surfacing that
// the action did not take effect.
func (r *Router) Publish(ctx context.Context, destination string, payload any) error {
	if r.pub == nil || r.pub.State() != StateConnected {
		return ErrNotConnected
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrapf(err, "marshal payload for %s", destination)
	}
	f := NewFrame(FrameSend,
		HdrDestination, destination,
		HdrContentType, "application/json")
	f.Body = body
	return r.pub.sendFrame(ctx, f)
}

// ── Handler registration ─────────────────────────────────────────────────
//
// Registration is idempotent per id and removal is by id; see observers.

// OnPresence registers a handler for online-users frames.
func (r *Router) OnPresence(id string, fn func([]string)) { r.onPresence.Register(id, fn) }

// OnMessage registers a handler for new-message frames.
func (r *Router) OnMessage(id string, fn func(Message)) { r.onMessage.Register(id, fn) }

// OnEdit registers a handler for message-edit frames.
func (r *Router) OnEdit(id string, fn func(Message)) { r.onEdit.Register(id, fn) }

// OnDeletion registers a handler for message-deletion frames.
func (r *Router) OnDeletion(id string, fn func(string)) { r.onDeletion.Register(id, fn) }

// OnReaction registers a handler for message-reaction frames.
func (r *Router) OnReaction(id string, fn func(ReactionEvent)) { r.onReaction.Register(id, fn) }

// OnTyping registers a handler for typing frames.
func (r *Router) OnTyping(id string, fn func(TypingEvent)) { r.onTyping.Register(id, fn) }

// Off removes the handler registered under id from every channel.
func (r *Router) Off(id string) {
	r.onPresence.Unregister(id)
	r.onMessage.Unregister(id)
	r.onEdit.Unregister(id)
	r.onDeletion.Unregister(id)
	r.onReaction.Unregister(id)
	r.onTyping.Unregister(id)
}
