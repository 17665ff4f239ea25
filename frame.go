package chatkit

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// The realtime server multiplexes named topics over a single connection
// using a minimal STOMP-style text framing: a command line, header lines of
// the form "name:value", a blank line, an optional body, and a terminating
// NUL byte.

// FrameCommand is the first line of a frame.
type FrameCommand string

const (
	FrameConnect     FrameCommand = "CONNECT"
	FrameConnected   FrameCommand = "CONNECTED"
	FrameSubscribe   FrameCommand = "SUBSCRIBE"
	FrameUnsubscribe FrameCommand = "UNSUBSCRIBE"
	FrameSend        FrameCommand = "SEND"
	FrameMessage     FrameCommand = "MESSAGE"
	FrameError       FrameCommand = "ERROR"
	FrameDisconnect  FrameCommand = "DISCONNECT"
)

// Well-known header names.
const (
	HdrDestination   = "destination"
	HdrSubscription  = "id"
	HdrContentLength = "content-length"
	HdrContentType   = "content-type"
	HdrMessage       = "message"
	HdrCode          = "code"
	HdrAcceptVersion = "accept-version"
	HdrVersion       = "version"
)

// ErrMalformedFrame is returned by UnmarshalFrame for input that does not
// parse as a frame.
var ErrMalformedFrame = errors.New("malformed frame")

// Frame is one decoded unit of the sub-protocol.
type Frame struct {
	Command FrameCommand
	Headers map[string]string
	Body    []byte
}

// NewFrame builds a frame with the given command and header pairs.
func NewFrame(cmd FrameCommand, headers ...string) *Frame {
	f := &Frame{Command: cmd, Headers: make(map[string]string, len(headers)/2)}
	for i := 0; i+1 < len(headers); i += 2 {
		f.Headers[headers[i]] = headers[i+1]
	}
	return f
}

// Destination returns the destination header, or "".
func (f *Frame) Destination() string {
	return f.Headers[HdrDestination]
}

// Marshal encodes the frame for the wire. Header order is fixed for the
// well-known headers so encoded frames are stable across runs.
func (f *Frame) Marshal() []byte {
	var b bytes.Buffer
	b.WriteString(string(f.Command))
	b.WriteByte('\n')

	writeHeader := func(k, v string) {
		b.WriteString(k)
		b.WriteByte(':')
		b.WriteString(v)
		b.WriteByte('\n')
	}
	for _, k := range []string{HdrDestination, HdrSubscription, HdrContentType} {
		if v, ok := f.Headers[k]; ok {
			writeHeader(k, v)
		}
	}
	for k, v := range f.Headers {
		switch k {
		case HdrDestination, HdrSubscription, HdrContentType, HdrContentLength:
			continue
		}
		writeHeader(k, v)
	}
	if len(f.Body) > 0 {
		writeHeader(HdrContentLength, strconv.Itoa(len(f.Body)))
	}
	b.WriteByte('\n')
	b.Write(f.Body)
	b.WriteByte(0)
	return b.Bytes()
}

// UnmarshalFrame decodes a single frame. The trailing NUL is optional so
// that transports which strip it (the polling fallback delivers frames one
// per event line) still parse.
func UnmarshalFrame(data []byte) (*Frame, error) {
	data = bytes.TrimSuffix(data, []byte{0})
	head, body, found := bytes.Cut(data, []byte("\n\n"))
	if !found {
		return nil, errors.Wrap(ErrMalformedFrame, "missing header terminator")
	}

	lines := strings.Split(string(head), "\n")
	cmd := strings.TrimSuffix(lines[0], "\r")
	if cmd == "" {
		return nil, errors.Wrap(ErrMalformedFrame, "empty command")
	}

	f := &Frame{
		Command: FrameCommand(cmd),
		Headers: make(map[string]string, len(lines)-1),
	}
	for _, line := range lines[1:] {
		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, errors.Wrapf(ErrMalformedFrame, "header %q", line)
		}
		// First occurrence wins, matching STOMP semantics.
		if _, exists := f.Headers[name]; !exists {
			f.Headers[name] = value
		}
	}

	if n, ok := f.Headers[HdrContentLength]; ok {
		length, err := strconv.Atoi(n)
		if err != nil || length < 0 || length > len(body) {
			return nil, errors.Wrapf(ErrMalformedFrame, "content-length %q", n)
		}
		body = body[:length]
	}
	if len(body) > 0 {
		f.Body = append([]byte(nil), body...)
	}
	return f, nil
}
