package chatkit

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
)

// ============================================================================
// Fake transport
// ============================================================================

// fakeTransport scripts dial outcomes: the first failDials dials fail with
// dialErr, the next rejectHandshakes connections answer CONNECT with an
// auth-rejection ERROR frame, and everything after that succeeds.
type fakeTransport struct {
	mu               sync.Mutex
	dials            int
	failDials        int
	dialErr          error
	rejectHandshakes int
	credentials      []string

	dialed chan *fakeConn
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		dialErr: errors.New("connection refused"),
		dialed:  make(chan *fakeConn, 16),
	}
}

func (t *fakeTransport) Name() string { return "fake" }

func (t *fakeTransport) Dial(ctx context.Context, baseURL, credential string) (TransportConn, error) {
	t.mu.Lock()
	t.dials++
	t.credentials = append(t.credentials, credential)
	if t.dials <= t.failDials {
		t.mu.Unlock()
		return nil, t.dialErr
	}
	reject := t.dials <= t.failDials+t.rejectHandshakes
	t.mu.Unlock()

	c := newFakeConn(reject)
	t.dialed <- c
	return c, nil
}

func (t *fakeTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

func (t *fakeTransport) credentialAt(i int) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i >= len(t.credentials) {
		return ""
	}
	return t.credentials[i]
}

// waitConn returns the next established connection.
func (t *fakeTransport) waitConn(tb testing.TB) *fakeConn {
	tb.Helper()
	select {
	case c := <-t.dialed:
		return c
	case <-time.After(2 * time.Second):
		tb.Fatal("timed out waiting for dial")
		return nil
	}
}

// fakeConn answers the CONNECT handshake itself and records every written
// frame.
type fakeConn struct {
	rejectAuth bool
	inbound    chan []byte

	mu      sync.Mutex
	writes  []*Frame
	closed  bool
	closeCh chan struct{}
}

func newFakeConn(rejectAuth bool) *fakeConn {
	return &fakeConn{
		rejectAuth: rejectAuth,
		inbound:    make(chan []byte, 64),
		closeCh:    make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closeCh:
		return nil, errors.New("connection dropped")
	}
}

func (c *fakeConn) Write(ctx context.Context, data []byte) error {
	f, err := UnmarshalFrame(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.writes = append(c.writes, f)
	c.mu.Unlock()

	if f.Command == FrameConnect {
		if c.rejectAuth {
			reply := NewFrame(FrameError, HdrCode, "unauthorized",
				HdrMessage, "invalid token")
			c.inject(reply)
		} else {
			c.inject(NewFrame(FrameConnected, HdrVersion, "1.2"))
		}
	}
	return nil
}

func (c *fakeConn) Close(string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.closeCh)
	}
	return nil
}

// drop simulates a server-side connection loss.
func (c *fakeConn) drop() { _ = c.Close("dropped") }

// inject delivers one frame to the client.
func (c *fakeConn) inject(f *Frame) { c.inbound <- f.Marshal() }

// injectJSON delivers one MESSAGE frame carrying payload on topic.
func (c *fakeConn) injectJSON(tb testing.TB, topic string, payload any) {
	tb.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		tb.Fatalf("marshal payload: %v", err)
	}
	f := NewFrame(FrameMessage, HdrDestination, topic)
	f.Body = body
	c.inject(f)
}

// frames returns a snapshot of everything written so far.
func (c *fakeConn) frames() []*Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Frame(nil), c.writes...)
}

// framesTo returns the frames written to one destination.
func (c *fakeConn) framesTo(destination string) []*Frame {
	var out []*Frame
	for _, f := range c.frames() {
		if f.Destination() == destination {
			out = append(out, f)
		}
	}
	return out
}

// ============================================================================
// Fake collaborators
// ============================================================================

type fakeAuth struct {
	mu         sync.Mutex
	token      string
	nextToken  string
	refreshErr error
	refreshes  int
	cleared    bool
}

func (a *fakeAuth) Credential() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.token
}

func (a *fakeAuth) Refresh(context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.refreshes++
	if a.refreshErr != nil {
		return "", a.refreshErr
	}
	a.token = a.nextToken
	return a.token, nil
}

func (a *fakeAuth) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.token = ""
	a.cleared = true
}

func (a *fakeAuth) refreshCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.refreshes
}

func (a *fakeAuth) wasCleared() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cleared
}

type fakeHistory struct {
	mu    sync.Mutex
	msgs  []Message
	err   error
	gate  chan struct{} // when set, GetConversation blocks until closed
	calls int
}

func (h *fakeHistory) GetConversation(ctx context.Context, userA, userB string) ([]Message, error) {
	h.mu.Lock()
	h.calls++
	gate := h.gate
	msgs := append([]Message(nil), h.msgs...)
	err := h.err
	h.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return msgs, err
}

// ============================================================================
// Helpers
// ============================================================================

func fastConnConfig() ConnConfig {
	return ConnConfig{
		BackoffBase:      5 * time.Millisecond,
		BackoffMax:       50 * time.Millisecond,
		MaxAttempts:      3,
		HandshakeTimeout: time.Second,
	}
}

func waitFor(tb testing.TB, timeout time.Duration, cond func() bool) {
	tb.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	tb.Fatal("condition not met before timeout")
}

func testMessage(id, sender, receiver, content string) Message {
	return Message{
		ID:         id,
		SenderID:   sender,
		ReceiverID: receiver,
		Content:    content,
		Kind:       KindText,
		CreatedAt:  time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
	}
}
