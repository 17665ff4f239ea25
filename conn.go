package chatkit

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// State is the connection lifecycle state, owned exclusively by the
// connection manager. Everything else only observes it.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateBackingOff   State = "backing-off"
)

var (
	// ErrNotConnected is returned by publish paths while the connection is
	// not in the connected state.
	ErrNotConnected = errors.New("not connected")

	// ErrNoCredential is returned by Connect when the auth provider has no
	// credential; no connection attempt is made.
	ErrNoCredential = errors.New("no authentication credential available")

	// ErrCredentialRejected marks failures classified as authentication
	// rejections rather than transient transport faults.
	ErrCredentialRejected = errors.New("credential rejected by server")
)

// ConnConfig tunes the connection manager.
type ConnConfig struct {
	// BackoffBase is the delay after the first transient failure; the
	// delay grows linearly with the consecutive-failure count.
	BackoffBase time.Duration
	// BackoffMax caps the backoff delay.
	BackoffMax time.Duration
	// MaxAttempts is the consecutive-failure ceiling. Reaching it triggers
	// the terminal logout path.
	MaxAttempts int
	// HandshakeTimeout bounds dial plus protocol handshake.
	HandshakeTimeout time.Duration
	// HeartbeatInterval is the liveness probe period on transports that
	// support pings. Half-open connections fail the probe and take the
	// transient-failure path.
	HeartbeatInterval time.Duration
}

func (c *ConnConfig) defaults() {
	if c.BackoffBase == 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.BackoffMax == 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
}

// pinger is implemented by transport connections that can probe liveness.
type pinger interface {
	Ping(ctx context.Context) error
}

// connManager runs the connection lifecycle: connect, authenticate,
// classify failures, back off, retry, and deactivate on terminal failure.
// State transitions are serialized: at most one attempt goroutine exists
// at a time, and every asynchronous continuation (backoff timer, refresh,
// read loop) carries the epoch it was scheduled under and is discarded if
// a Disconnect bumped the epoch in the meantime.
type connManager struct {
	cfg       ConnConfig
	baseURL   string
	transport Transport
	auth      AuthProvider

	onFrame     func(*Frame)
	onConnected func(context.Context) error

	onState  *observers[State]
	onLogout *observers[string]

	mu       sync.Mutex
	state    State
	epoch    uint64
	conn     TransportConn
	ctx      context.Context
	cancel   context.CancelFunc
	failures int
}

func newConnManager(baseURL string, transport Transport, auth AuthProvider, cfg ConnConfig) *connManager {
	cfg.defaults()
	return &connManager{
		cfg:       cfg,
		baseURL:   baseURL,
		transport: transport,
		auth:      auth,
		state:     StateDisconnected,
		onState:   newObservers[State](),
		onLogout:  newObservers[string](),
	}
}

// State returns the current connection state.
func (m *connManager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect starts the lifecycle. Absence of a credential short-circuits to
// the terminal failure path without a connection attempt.
func (m *connManager) Connect() error {
	m.mu.Lock()
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return nil
	}
	if m.auth.Credential() == "" {
		m.mu.Unlock()
		jww.ERROR.Print("connect refused: no credential")
		m.onLogout.Notify("no credential")
		return ErrNoCredential
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.ctx, m.cancel = ctx, cancel
	m.failures = 0
	m.state = StateConnecting
	epoch := m.epoch
	m.mu.Unlock()

	m.onState.Notify(StateConnecting)
	go m.attempt(ctx, epoch)
	return nil
}

// Disconnect tears the connection down and cancels any pending backoff
// timer or in-flight credential refresh so neither can resurrect the
// connection afterwards.
func (m *connManager) Disconnect() {
	m.mu.Lock()
	if m.state == StateDisconnected {
		m.mu.Unlock()
		return
	}
	m.epoch++
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.conn != nil {
		_ = m.conn.Close("client disconnect")
		m.conn = nil
	}
	m.state = StateDisconnected
	m.failures = 0
	m.mu.Unlock()

	jww.INFO.Print("disconnected")
	m.onState.Notify(StateDisconnected)
}

// OnStateChange registers a state observer.
func (m *connManager) OnStateChange(id string, fn func(State)) {
	m.onState.Register(id, fn)
}

// OnLogout registers an observer for the terminal failure path. It fires
// for session expiry and explicit credential loss alike; the application
// treats both as a logout.
func (m *connManager) OnLogout(id string, fn func(reason string)) {
	m.onLogout.Register(id, fn)
}

// sendFrame writes one frame if connected; ErrNotConnected otherwise.
func (m *connManager) sendFrame(ctx context.Context, f *Frame) error {
	m.mu.Lock()
	conn := m.conn
	if m.state != StateConnected || conn == nil {
		m.mu.Unlock()
		return ErrNotConnected
	}
	m.mu.Unlock()
	return conn.Write(ctx, f.Marshal())
}

// attempt runs one connection attempt: dial, protocol handshake, then the
// read loop. The credential is read fresh here, not captured earlier, since
// a refresh may have replaced it between attempts.
func (m *connManager) attempt(ctx context.Context, epoch uint64) {
	cred := m.auth.Credential()
	if cred == "" {
		m.mu.Lock()
		if epoch != m.epoch {
			m.mu.Unlock()
			return
		}
		m.terminalLocked("credential vanished between attempts")
		return
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
	defer cancel()

	conn, err := m.transport.Dial(dialCtx, m.baseURL, cred)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.handleFailure(epoch, nil, err)
		return
	}

	if err := m.handshake(dialCtx, conn); err != nil {
		_ = conn.Close("handshake failed")
		if ctx.Err() != nil {
			return
		}
		m.handleFailure(epoch, nil, err)
		return
	}

	m.mu.Lock()
	if epoch != m.epoch || ctx.Err() != nil {
		m.mu.Unlock()
		_ = conn.Close("superseded")
		return
	}
	m.conn = conn
	m.state = StateConnected
	m.failures = 0
	m.mu.Unlock()

	jww.INFO.Printf("connected via %s", m.transport.Name())
	m.onState.Notify(StateConnected)

	if m.onConnected != nil {
		if err := m.onConnected(ctx); err != nil {
			m.handleFailure(epoch, conn, err)
			return
		}
	}
	go m.readLoop(ctx, epoch, conn)
	if p, ok := conn.(pinger); ok {
		go m.heartbeatLoop(ctx, epoch, conn, p)
	}
}

// heartbeatLoop probes the connection periodically. A failed probe marks a
// half-open connection; the read loop would otherwise block on it forever.
func (m *connManager) heartbeatLoop(ctx context.Context, epoch uint64, conn TransportConn, p pinger) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pingCtx, cancel := context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
		err := p.Ping(pingCtx)
		cancel()
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		jww.WARN.Printf("heartbeat failed: %v", err)
		m.handleFailure(epoch, conn, errors.Wrap(err, "heartbeat"))
		return
	}
}

// handshake performs the sub-protocol connect exchange.
func (m *connManager) handshake(ctx context.Context, conn TransportConn) error {
	connect := NewFrame(FrameConnect, HdrAcceptVersion, "1.2")
	if err := conn.Write(ctx, connect.Marshal()); err != nil {
		return errors.Wrap(err, "write CONNECT")
	}

	data, err := conn.Read(ctx)
	if err != nil {
		return errors.Wrap(err, "read handshake reply")
	}
	f, err := UnmarshalFrame(data)
	if err != nil {
		return errors.Wrap(err, "decode handshake reply")
	}
	switch f.Command {
	case FrameConnected:
		return nil
	case FrameError:
		return errorFromFrame(f)
	default:
		return errors.Errorf("expected CONNECTED, got %s", f.Command)
	}
}

// readLoop delivers inbound frames in transport order, one channel at a
// time (FIFO per channel follows from single-threaded dispatch here).
func (m *connManager) readLoop(ctx context.Context, epoch uint64, conn TransportConn) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.handleFailure(epoch, conn, err)
			return
		}

		f, err := UnmarshalFrame(data)
		if err != nil {
			// One bad frame is isolated; it never tears the connection
			// down or reaches other channels.
			jww.WARN.Printf("drop malformed frame: %v", err)
			continue
		}

		switch f.Command {
		case FrameMessage:
			m.onFrame(f)
		case FrameError:
			m.handleFailure(epoch, conn, errorFromFrame(f))
			return
		default:
			jww.TRACE.Printf("ignoring %s frame", f.Command)
		}
	}
}

// handleFailure classifies a connection-level failure and routes it to the
// auth or transient path. Stale epochs are discarded. conn is the
// connection the failure was observed on, nil when it failed before
// install; a report for a connection that is no longer current is dropped,
// so one dead connection counts as exactly one failure even when both the
// read loop and the heartbeat observe it.
func (m *connManager) handleFailure(epoch uint64, conn TransportConn, cause error) {
	m.mu.Lock()
	if epoch != m.epoch || m.state == StateDisconnected {
		m.mu.Unlock()
		return
	}
	if conn != nil && m.conn != conn {
		m.mu.Unlock()
		return
	}
	if m.conn != nil {
		_ = m.conn.Close("connection failure")
		m.conn = nil
	}
	m.mu.Unlock()

	if isAuthError(cause) {
		m.handleAuthFailure(epoch, cause)
		return
	}
	m.handleTransientFailure(epoch, cause)
}

// handleAuthFailure attempts a one-shot credential refresh. Success
// re-activates the connection with a reset failure counter; refresh
// failure is terminal.
func (m *connManager) handleAuthFailure(epoch uint64, cause error) {
	jww.WARN.Printf("authentication failure, attempting credential refresh: %v", cause)

	m.mu.Lock()
	if epoch != m.epoch {
		m.mu.Unlock()
		return
	}
	ctx := m.ctx
	m.mu.Unlock()

	cred, err := m.auth.Refresh(ctx)

	m.mu.Lock()
	if epoch != m.epoch {
		// A disconnect happened while the refresh was in flight; the new
		// credential must not resurrect the torn-down connection.
		m.mu.Unlock()
		return
	}
	if err != nil || cred == "" {
		jww.ERROR.Printf("credential refresh failed: %v", err)
		m.terminalLocked("credential refresh failed")
		return
	}
	m.failures = 0
	m.state = StateConnecting
	m.mu.Unlock()

	jww.INFO.Print("credential refreshed, reconnecting")
	m.onState.Notify(StateConnecting)
	go m.attempt(ctx, epoch)
}

// handleTransientFailure counts the failure, terminates at the ceiling,
// and otherwise schedules a delayed reconnect.
func (m *connManager) handleTransientFailure(epoch uint64, cause error) {
	m.mu.Lock()
	if epoch != m.epoch {
		m.mu.Unlock()
		return
	}
	m.failures++
	if m.failures >= m.cfg.MaxAttempts {
		jww.ERROR.Printf("connection failed %d consecutive times, giving up: %v",
			m.failures, cause)
		m.terminalLocked("retry ceiling reached")
		return
	}
	delay := m.backoffDelay(m.failures)
	m.state = StateBackingOff
	ctx := m.ctx
	m.mu.Unlock()

	jww.WARN.Printf("transient connection failure (%d/%d), retrying in %s: %v",
		m.failures, m.cfg.MaxAttempts, delay, cause)
	m.onState.Notify(StateBackingOff)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	m.mu.Lock()
	if epoch != m.epoch || m.state != StateBackingOff {
		m.mu.Unlock()
		return
	}
	m.state = StateConnecting
	m.mu.Unlock()

	m.onState.Notify(StateConnecting)
	m.attempt(ctx, epoch)
}

// backoffDelay grows linearly with the consecutive-failure count, capped
// at BackoffMax.
func (m *connManager) backoffDelay(failures int) time.Duration {
	d := m.cfg.BackoffBase * time.Duration(failures)
	if d > m.cfg.BackoffMax {
		d = m.cfg.BackoffMax
	}
	return d
}

// terminalLocked runs the terminal failure path: deactivate and notify
// logout observers. Callers hold m.mu; it is released here.
func (m *connManager) terminalLocked(reason string) {
	m.epoch++
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.conn != nil {
		_ = m.conn.Close(reason)
		m.conn = nil
	}
	m.state = StateDisconnected
	m.failures = 0
	m.mu.Unlock()

	jww.ERROR.Printf("connection terminated: %s", reason)
	m.onState.Notify(StateDisconnected)
	m.onLogout.Notify(reason)
}

// errorFromFrame turns a protocol ERROR frame into a classified error.
func errorFromFrame(f *Frame) error {
	msg := f.Headers[HdrMessage]
	if msg == "" {
		msg = string(f.Body)
	}
	switch f.Headers[HdrCode] {
	case "401", "403", "unauthorized":
		return errors.Wrap(ErrCredentialRejected, msg)
	}
	if hasAuthHint(msg) {
		return errors.Wrap(ErrCredentialRejected, msg)
	}
	return errors.Errorf("server error: %s", msg)
}

func isAuthError(err error) bool {
	if errors.Is(err, ErrCredentialRejected) {
		return true
	}
	return hasAuthHint(err.Error())
}

func hasAuthHint(msg string) bool {
	msg = strings.ToLower(msg)
	for _, hint := range []string{"401", "unauthorized", "invalid token", "token expired", "credential"} {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}
