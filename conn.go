package row

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pborman/uuid"
	"github.com/psychogen-labs/row/internal/wswriter"
	"github.com/psychogen-labs/row/message"
)

// ConnState represents the possible states of a connection.
type ConnState int32

// The list of possible connection states.
const (
	Connecting ConnState = iota
	Open
	Closed
)

func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("ConnState(%d)", int32(s))
}

// Transport is the physical channel of a connection. WriteFrame writes
// a single encoded frame, and may be called concurrently.
type Transport interface {
	WriteFrame(p []byte) error
	Close() error
	RemoteAddr() net.Addr
}

// Conn is a row connection. Each connection is identified by a UUID,
// is bound to a single identity and has an underlying Transport. It
// is safe to call methods on a Conn concurrently, but the fields
// should be treated as read-only.
type Conn struct {
	// UUID is the unique identifier of the connection.
	UUID uuid.UUID

	// CloseErr is the error, if any, that caused the connection
	// to close. Must only be accessed after the close notification
	// has been received (i.e. after a <-conn.CloseNotify()).
	CloseErr error

	id       string
	identity string
	codec    message.Codec
	t        Transport
	srv      *Server

	// allowed operations from the client (empty means any)
	allowedOps []message.Op

	state    int32 // ConnState
	lastSeen int64 // unix nanoseconds

	// ensure the kill channel can only be closed once
	closeOnce sync.Once
	kill      chan struct{}
}

func newConn(t Transport, identity string, codec message.Codec, srv *Server, allowedOps ...message.Op) *Conn {
	id := uuid.NewRandom()
	return &Conn{
		UUID:       id,
		id:         id.String(),
		identity:   identity,
		codec:      codec,
		t:          t,
		srv:        srv,
		allowedOps: allowedOps,
		lastSeen:   time.Now().UnixNano(),
		kill:       make(chan struct{}),
	}
}

// ID returns the string form of the connection's UUID.
func (c *Conn) ID() string { return c.id }

// Identity returns the authenticated identity of the connection.
func (c *Conn) Identity() string { return c.identity }

// Codec returns the codec negotiated for the connection.
func (c *Conn) Codec() message.Codec { return c.codec }

// Transport returns the underlying transport. Care should be taken
// when using it directly, as it may interfere with the normal row
// connection behaviour.
func (c *Conn) Transport() Transport { return c.t }

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() net.Addr { return c.t.RemoteAddr() }

// State returns the current state of the connection.
func (c *Conn) State() ConnState {
	return ConnState(atomic.LoadInt32(&c.state))
}

// Closed returns true if the connection is closed.
func (c *Conn) Closed() bool {
	return c.State() == Closed
}

// LastSeen returns the time of the last activity on the connection.
func (c *Conn) LastSeen() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.lastSeen))
}

// Touch records activity on the connection. It is a no-op if the
// server does not track heartbeats.
func (c *Conn) Touch() {
	if c.srv != nil && c.srv.conf.NoHeartbeats {
		return
	}
	atomic.StoreInt64(&c.lastSeen, time.Now().UnixNano())
}

// Topics returns the topics the connection is subscribed to.
func (c *Conn) Topics() []string {
	return c.srv.subs.Topics(c.id)
}

// CloseNotify returns a signal channel that is closed when the
// Conn is closed.
func (c *Conn) CloseNotify() <-chan struct{} {
	return c.kill
}

// Close closes the connection, setting err as CloseErr to identify
// the reason of the close. When Close returns, the connection is
// removed from the session and subscription registries, the server's
// Listener has been notified and the transport is closed. Requests
// already being processed are not cancelled.
//
// As with all Conn methods, it is safe to call concurrently, but
// only the first call will set the CloseErr field to err.
func (c *Conn) Close(err error) {
	c.closeOnce.Do(func() {
		c.CloseErr = err
		prev := ConnState(atomic.SwapInt32(&c.state, int32(Closed)))
		if srv := c.srv; srv != nil {
			srv.release(c, err, prev == Open)
		}
		c.t.Close()
		close(c.kill)
	})
}

// Send encodes res with the connection's codec and writes it to the
// transport. It returns ErrConnClosed if the connection is closed. If
// the transport fails, the connection is closed and the error is
// returned. Encoding errors wrap ErrEncode and leave the connection
// open.
func (c *Conn) Send(res *message.Response) error {
	if c.Closed() {
		return ErrConnClosed
	}
	p, err := c.codec.EncodeResponse(res)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEncode, err)
	}
	if err := c.t.WriteFrame(p); err != nil {
		if c.Closed() {
			return ErrConnClosed
		}
		c.Close(err)
		return err
	}
	return nil
}

// wsTransport is the websocket Transport. Writes are exclusive and
// subject to the server's timeouts and write limit.
type wsTransport struct {
	conn    *websocket.Conn
	msgType int
	lock    wswriter.Lock
	opts    wswriter.Options
}

func newWSTransport(conn *websocket.Conn, msgType int, conf *Config) *wsTransport {
	return &wsTransport{
		conn:    conn,
		msgType: msgType,
		lock:    wswriter.NewLock(),
		opts: wswriter.Options{
			AcquireTimeout: conf.AcquireWriteLockTimeout,
			WriteTimeout:   conf.WriteTimeout,
			Limit:          conf.WriteLimit,
		},
	}
}

func (t *wsTransport) WriteFrame(p []byte) error {
	return wswriter.WriteMessage(t.conn, t.lock, t.msgType, p, t.opts)
}

// Close sends a close message, without waiting for the lock, and
// closes the websocket connection.
func (t *wsTransport) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return t.conn.Close()
}

func (t *wsTransport) RemoteAddr() net.Addr {
	return t.conn.RemoteAddr()
}
