// Package rowtest provides test helpers for row connections.
package rowtest

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/psychogen-labs/row/message"
)

// DebugLog is a LogFunc provider that logs to the test.
type DebugLog struct {
	T *testing.T
}

// Printf logs using t.Logf.
func (d *DebugLog) Printf(f string, args ...interface{}) {
	d.T.Logf(f, args...)
}

// ErrTransportClosed is returned when writing to a closed Transport.
var ErrTransportClosed = errors.New("rowtest: transport closed")

// Transport is an in-memory transport that records written frames.
type Transport struct {
	// WriteErr, if set, is returned by every call to WriteFrame.
	WriteErr error

	// Delay is the time each WriteFrame call takes.
	Delay time.Duration

	mu     sync.Mutex
	frames [][]byte
	closed bool
	ch     chan []byte
}

// NewTransport returns a Transport that can buffer up to 1024 frames
// for Next.
func NewTransport() *Transport {
	return &Transport{ch: make(chan []byte, 1024)}
}

// WriteFrame records p.
func (t *Transport) WriteFrame(p []byte) error {
	if t.Delay > 0 {
		time.Sleep(t.Delay)
	}
	if t.WriteErr != nil {
		return t.WriteErr
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}
	b := append([]byte(nil), p...)
	t.frames = append(t.frames, b)
	select {
	case t.ch <- b:
	default:
	}
	return nil
}

// Close marks the transport as closed.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

// RemoteAddr returns a loopback address.
func (t *Transport) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1}
}

// Closed returns true if Close was called.
func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Frames returns the frames written so far.
func (t *Transport) Frames() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][]byte(nil), t.frames...)
}

// Next waits up to timeout for the next frame and decodes it with c.
// It returns nil if no frame is written in time.
func (t *Transport) Next(tt *testing.T, c message.Codec, timeout time.Duration) *message.Response {
	select {
	case b := <-t.ch:
		res, err := c.DecodeResponse(b)
		if err != nil {
			tt.Fatalf("DecodeResponse: %v", err)
		}
		return res
	case <-time.After(timeout):
		return nil
	}
}
