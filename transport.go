package chatkit

import (
	"bufio"
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"nhooyr.io/websocket"
)

// Transport dials the realtime endpoint. The credential is carried as a
// query parameter at connect time; every dial reads it fresh from the
// connection manager, never from a captured copy.
type Transport interface {
	// Name identifies the transport in logs.
	Name() string

	// Dial establishes one connection to the realtime endpoint rooted at
	// baseURL, authenticating with credential.
	Dial(ctx context.Context, baseURL, credential string) (TransportConn, error)
}

// TransportConn is one established connection carrying raw frames.
type TransportConn interface {
	// Read blocks until the next frame's bytes arrive or the connection
	// fails.
	Read(ctx context.Context) ([]byte, error)

	// Write sends one frame's bytes.
	Write(ctx context.Context, data []byte) error

	// Close tears the connection down.
	Close(reason string) error
}

// endpoint builds baseURL + extra path segments with the credential as an
// access_token query parameter.
func endpoint(baseURL, credential string, segments ...string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", errors.Wrapf(err, "parse realtime URL %q", baseURL)
	}
	u.Path = strings.TrimRight(u.Path, "/")
	for _, s := range segments {
		u.Path += "/" + s
	}
	q := u.Query()
	if credential != "" {
		q.Set("access_token", credential)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ============================================================================
// WebSocket transport
// ============================================================================

// WebSocketTransport is the primary transport: a native full-duplex socket.
type WebSocketTransport struct{}

func (WebSocketTransport) Name() string { return "websocket" }

func (WebSocketTransport) Dial(ctx context.Context, baseURL, credential string) (TransportConn, error) {
	wsURL, err := endpoint(baseURL, credential, "ws")
	if err != nil {
		return nil, err
	}
	wsURL = strings.Replace(wsURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "websocket dial")
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "websocket read")
	}
	return data, nil
}

func (c *wsConn) Write(ctx context.Context, data []byte) error {
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return errors.Wrap(err, "websocket write")
	}
	return nil
}

// Ping probes connection liveness with a protocol-level ping.
func (c *wsConn) Ping(ctx context.Context) error {
	return errors.Wrap(c.conn.Ping(ctx), "websocket ping")
}

func (c *wsConn) Close(reason string) error {
	return c.conn.Close(websocket.StatusNormalClosure, reason)
}

// ============================================================================
// SSE + POST fallback transport
// ============================================================================

// SSETransport is the polling fallback used where WebSockets cannot be
// established: frames flow server→client over an event stream, one frame
// per data line, and client→server via HTTP POST.
type SSETransport struct {
	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client
}

func (SSETransport) Name() string { return "sse" }

func (t SSETransport) Dial(ctx context.Context, baseURL, credential string) (TransportConn, error) {
	client := t.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	streamURL, err := endpoint(baseURL, credential, "sse")
	if err != nil {
		return nil, err
	}
	publishURL, err := endpoint(baseURL, credential, "send")
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "create stream request")
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := client.Do(req) //nolint:bodyclose // closed by sseConn.Close
	if err != nil {
		return nil, errors.Wrap(err, "sse connect")
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, errors.Errorf("sse connect: HTTP %d", resp.StatusCode)
	}

	c := &sseConn{
		client:     client,
		publishURL: publishURL,
		resp:       resp,
		frames:     make(chan []byte, 32),
		errs:       make(chan error, 1),
		closeCh:    make(chan struct{}),
	}
	go c.consume()
	return c, nil
}

type sseConn struct {
	client     *http.Client
	publishURL string
	resp       *http.Response

	frames chan []byte
	errs   chan error

	mu      sync.Mutex
	closed  bool
	closeCh chan struct{}
}

// consume scans the event stream and hands frame payloads to Read. It runs
// for the lifetime of the connection; Close unblocks it by closing the
// response body.
func (c *sseConn) consume() {
	scanner := bufio.NewScanner(c.resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		// Anything but a data line is a stream keepalive or comment.
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		select {
		case c.frames <- []byte(strings.TrimPrefix(line, "data: ")):
		case <-c.closeCh:
			return
		}
	}

	err := scanner.Err()
	if err != nil {
		err = errors.Wrap(err, "sse read")
	} else {
		err = errors.New("sse stream ended")
	}
	select {
	case c.errs <- err:
	case <-c.closeCh:
	}
}

// Read returns the next frame. The context bounds the wait even while the
// underlying stream is silent, which keeps the handshake timeout honest on
// a server that accepts the stream but never replies.
func (c *sseConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.frames:
		return data, nil
	case err := <-c.errs:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closeCh:
		return nil, errors.New("connection closed")
	}
}

func (c *sseConn) Write(ctx context.Context, data []byte) error {
	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.publishURL, strings.NewReader(string(data)))
	if err != nil {
		return errors.Wrap(err, "create publish request")
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "sse publish")
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return errors.Errorf("sse publish: HTTP %d", resp.StatusCode)
	}
	return nil
}

func (c *sseConn) Close(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.closeCh)
	return c.resp.Body.Close()
}

// ============================================================================
// Fallback dialer
// ============================================================================

// FallbackTransport tries the primary transport first and falls back to the
// secondary when the primary cannot establish a connection.
type FallbackTransport struct {
	Primary   Transport
	Secondary Transport
}

// DefaultTransport is WebSocket with an SSE fallback.
func DefaultTransport() Transport {
	return FallbackTransport{Primary: WebSocketTransport{}, Secondary: SSETransport{}}
}

func (t FallbackTransport) Name() string {
	return t.Primary.Name() + "+" + t.Secondary.Name()
}

func (t FallbackTransport) Dial(ctx context.Context, baseURL, credential string) (TransportConn, error) {
	conn, err := t.Primary.Dial(ctx, baseURL, credential)
	if err == nil {
		return conn, nil
	}
	jww.WARN.Printf("%s dial failed, falling back to %s: %v",
		t.Primary.Name(), t.Secondary.Name(), err)

	// Leave a little headroom for the fallback when the caller's deadline
	// has nearly elapsed.
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < time.Second {
		return nil, err
	}
	conn, err2 := t.Secondary.Dial(ctx, baseURL, credential)
	if err2 != nil {
		return nil, errors.Wrapf(err2, "both transports failed (primary: %v)", err)
	}
	return conn, nil
}
