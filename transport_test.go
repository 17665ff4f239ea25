package chatkit

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndpointBuildsURL(t *testing.T) {
	u, err := endpoint("https://api.agrolink.io/realtime", "tok-1", "ws")
	require.NoError(t, err)
	assert.Equal(t, "https://api.agrolink.io/realtime/ws?access_token=tok-1", u)
}

func TestEndpointWithoutCredential(t *testing.T) {
	u, err := endpoint("https://api.agrolink.io/realtime/", "", "sse")
	require.NoError(t, err)
	assert.Equal(t, "https://api.agrolink.io/realtime/sse", u)
}

func TestEndpointEscapesCredential(t *testing.T) {
	u, err := endpoint("https://api.agrolink.io/realtime", "a b&c", "ws")
	require.NoError(t, err)
	assert.Contains(t, u, "access_token=a+b%26c")
}

// failingTransport always fails its dial.
type failingTransport struct{ err error }

func (f failingTransport) Name() string { return "failing" }
func (f failingTransport) Dial(context.Context, string, string) (TransportConn, error) {
	return nil, f.err
}

func TestFallbackTransportUsesPrimaryFirst(t *testing.T) {
	primary := newFakeTransport()
	secondary := newFakeTransport()
	ft := FallbackTransport{Primary: primary, Secondary: secondary}

	conn, err := ft.Dial(context.Background(), "https://gateway.test", "tok")
	require.NoError(t, err)
	require.NotNil(t, conn)
	assert.Equal(t, 1, primary.dialCount())
	assert.Equal(t, 0, secondary.dialCount())
}

func TestFallbackTransportFallsBack(t *testing.T) {
	secondary := newFakeTransport()
	ft := FallbackTransport{
		Primary:   failingTransport{err: errors.New("no websocket upgrade")},
		Secondary: secondary,
	}

	conn, err := ft.Dial(context.Background(), "https://gateway.test", "tok")
	require.NoError(t, err)
	require.NotNil(t, conn)
	assert.Equal(t, 1, secondary.dialCount())
}

func TestFallbackTransportBothFail(t *testing.T) {
	ft := FallbackTransport{
		Primary:   failingTransport{err: errors.New("primary down")},
		Secondary: failingTransport{err: errors.New("secondary down")},
	}

	_, err := ft.Dial(context.Background(), "https://gateway.test", "tok")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "secondary down")
	assert.Contains(t, err.Error(), "primary down")
}

func TestFallbackTransportName(t *testing.T) {
	assert.Equal(t, "websocket+sse", DefaultTransport().Name())
}

// sseTestServer streams the lines sent on the returned channel, one per
// write, and accepts POSTs on /send.
func sseTestServer(t *testing.T) (*httptest.Server, chan string, *[]string) {
	t.Helper()
	lines := make(chan string, 16)
	var posts []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/sse"):
			w.Header().Set("Content-Type", "text/event-stream")
			w.WriteHeader(http.StatusOK)
			fl := w.(http.Flusher)
			fl.Flush()
			for {
				select {
				case line, ok := <-lines:
					if !ok {
						return
					}
					fmt.Fprintln(w, line)
					fl.Flush()
				case <-r.Context().Done():
					return
				}
			}
		case strings.HasSuffix(r.URL.Path, "/send"):
			body, _ := io.ReadAll(r.Body)
			posts = append(posts, string(body))
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(func() {
		close(lines)
		srv.Close()
	})
	return srv, lines, &posts
}

func TestSSETransportReadSkipsKeepalives(t *testing.T) {
	srv, lines, _ := sseTestServer(t)

	conn, err := SSETransport{}.Dial(context.Background(), srv.URL, "tok")
	require.NoError(t, err)
	defer conn.Close("done")

	lines <- ": keepalive"
	lines <- "data: first"
	lines <- "data: second"

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	data, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "first", string(data))

	data, err = conn.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))
}

func TestSSETransportReadHonorsContext(t *testing.T) {
	// A server that accepts the stream but stays silent must not hold Read
	// past the caller's deadline; the handshake timeout depends on it.
	srv, _, _ := sseTestServer(t)

	conn, err := SSETransport{}.Dial(context.Background(), srv.URL, "tok")
	require.NoError(t, err)
	defer conn.Close("done")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = conn.Read(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), time.Second)
}

func TestSSETransportWritePosts(t *testing.T) {
	srv, _, posts := sseTestServer(t)

	conn, err := SSETransport{}.Dial(context.Background(), srv.URL, "tok")
	require.NoError(t, err)
	defer conn.Close("done")

	frame := NewFrame(FrameSend, HdrDestination, DestSendMessage)
	frame.Body = []byte(`{"content":"hi"}`)
	require.NoError(t, conn.Write(context.Background(), frame.Marshal()))

	require.Len(t, *posts, 1)
	decoded, err := UnmarshalFrame([]byte((*posts)[0]))
	require.NoError(t, err)
	assert.Equal(t, DestSendMessage, decoded.Destination())
}

func TestSSETransportReadAfterClose(t *testing.T) {
	srv, _, _ := sseTestServer(t)

	conn, err := SSETransport{}.Dial(context.Background(), srv.URL, "tok")
	require.NoError(t, err)
	require.NoError(t, conn.Close("done"))

	_, err = conn.Read(context.Background())
	require.Error(t, err)
}
