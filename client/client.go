// Package client implements a row client. Once a Client is returned
// via a call to Dial or New, it can be used to invoke endpoints and to
// subscribe to and unsubscribe from topics.
//
// Requests are correlated with their response by ID: Do and the
// helpers built on it block until the response is received, the
// context is done or the client is closed. Pushed events, and
// responses that arrive after their request was abandoned, are sent to
// the Handler, each in a separate goroutine.
package client

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pborman/uuid"
	"github.com/psychogen-labs/row/internal/wswriter"
	"github.com/psychogen-labs/row/message"
)

// Subprotocols is the list of subprotocols the client negotiates by
// default, in order of preference.
var Subprotocols = []string{"row.json", "row.cbor"}

// ErrClosed is returned when using a closed client.
var ErrClosed = errors.New("row: closed connection")

// Client is a row client based on a websocket connection. It is
// used to send requests to and receive responses and events from a
// row server.
type Client struct {
	conn  *websocket.Conn
	codec message.Codec

	// options
	requestTimeout time.Duration
	handler        Handler
	wopts          wswriter.Options

	// stop signal, closed when the read loop exits
	stop chan struct{}

	wmu     wswriter.Lock // exclusive write lock
	mu      sync.Mutex    // lock access to pending map and err field
	pending map[string]chan *message.Response
	err     error
}

// New creates a row client using the provided websocket connection.
// The codec is selected from the negotiated subprotocol, JSON is used
// if none was negotiated. Pushed events are sent to the handler set by
// the SetHandler option.
func New(conn *websocket.Conn, opts ...Option) *Client {
	codec := message.JSON
	if cd := message.CodecFor(strings.TrimPrefix(conn.Subprotocol(), "row.")); cd != nil {
		codec = cd
	}

	c := &Client{
		conn:    conn,
		codec:   codec,
		stop:    make(chan struct{}),
		wmu:     wswriter.NewLock(),
		pending: make(map[string]chan *message.Response),
		handler: HandlerFunc(func(context.Context, *message.Response) {}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.handleMessages()
	return c
}

func (c *Client) handleMessages() {
	defer close(c.stop)

	for {
		_, p, err := c.conn.ReadMessage()
		if err != nil {
			c.setErr(err)
			return
		}

		res, err := c.codec.DecodeResponse(p)
		if err != nil {
			continue
		}

		if res.ID != "" && !res.IsPush() {
			if ch, ok := c.deletePending(res.ID); ok {
				ch <- res
				continue
			}
		}
		go c.handler.Handle(context.Background(), res)
	}
}

// Dial is a helper function to create a Client connected to urlStr using
// the provided *websocket.Dialer and request headers. If the connection
// succeeds, it returns the initialized client, otherwise it returns an
// error. If the Dialer has no Subprotocols set, Subprotocols is used.
//
// To limit the client to a restricted subset of operations, set the
// Row-Allowed-Ops header on reqHeader (see the documentation of
// row.Upgrade for details).
func Dial(d *websocket.Dialer, urlStr string, reqHeader http.Header, opts ...Option) (*Client, error) {
	if len(d.Subprotocols) == 0 {
		dd := *d
		dd.Subprotocols = Subprotocols
		d = &dd
	}
	conn, _, err := d.Dial(urlStr, reqHeader)
	if err != nil {
		return nil, err
	}
	return New(conn, opts...), nil
}

func (c *Client) setErr(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
}

func (c *Client) getErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close closes the connection. No more messages will be received.
func (c *Client) Close() error {
	err := c.getErr()

	// closing the websocket connection causes the ReadMessage
	// call in handleMessages to fail, closing c.stop.
	err2 := c.conn.Close()
	<-c.stop

	if err == nil {
		// if c.err is nil, store the close error
		err = err2
		c.mu.Lock()
		if err2 != nil {
			c.err = err2
		} else {
			c.err = ErrClosed
		}
		c.mu.Unlock()
	}
	return err
}

// CloseNotify returns a channel that is closed when the client is
// closed.
func (c *Client) CloseNotify() <-chan struct{} {
	return c.stop
}

// UnderlyingConn returns the underlying websocket connection used by the
// client. Care should be taken when using the websocket connection
// directly, as it may interfere with the normal behaviour of the client.
func (c *Client) UnderlyingConn() *websocket.Conn {
	return c.conn
}

// Codec returns the codec used by the client.
func (c *Client) Codec() message.Codec {
	return c.codec
}

// Do sends req to the server and waits for its response. If req has no
// ID, a random one is assigned. If ctx has no deadline and a request
// timeout is set on the client, that timeout applies.
func (c *Client) Do(ctx context.Context, req *message.Request) (*message.Response, error) {
	if err := c.getErr(); err != nil {
		return nil, err
	}
	if req.ID == "" {
		req.ID = uuid.NewRandom().String()
	}
	if _, ok := ctx.Deadline(); !ok && c.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	ch := c.addPending(req.ID)
	if err := c.doWrite(req); err != nil {
		c.deletePending(req.ID)
		return nil, err
	}

	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		c.deletePending(req.ID)
		return nil, ctx.Err()
	case <-c.stop:
		c.deletePending(req.ID)
		if err := c.getErr(); err != nil {
			return nil, err
		}
		return nil, ErrClosed
	}
}

// Invoke invokes the endpoint at path with v as body. The v value is
// encoded with the client's codec, unless it is already a
// message.Body.
func (c *Client) Invoke(ctx context.Context, path string, v interface{}) (*message.Response, error) {
	body, err := message.ToBody(c.codec, v)
	if err != nil {
		return nil, err
	}
	return c.Do(ctx, &message.Request{Path: path, Op: message.Invoke, Body: body})
}

// Subscribe subscribes to topic. If event is not empty, only the
// events with that name are pushed for this subscription. The
// subscription ID is in the X-Subscription-Id header of a successful
// response.
func (c *Client) Subscribe(ctx context.Context, topic, event string) (*message.Response, error) {
	req := &message.Request{Path: topic, Op: message.Subscribe}
	if event != "" {
		req.Headers = map[string]string{message.SubscriptionEventHeader: event}
	}
	return c.Do(ctx, req)
}

// Unsubscribe removes the subscription to topic.
func (c *Client) Unsubscribe(ctx context.Context, topic string) (*message.Response, error) {
	return c.Do(ctx, &message.Request{Path: topic, Op: message.Unsubscribe})
}

// add a pending request.
func (c *Client) addPending(key string) chan *message.Response {
	ch := make(chan *message.Response, 1)
	c.mu.Lock()
	c.pending[key] = ch
	c.mu.Unlock()
	return ch
}

// delete the pending request, returning its channel if it was still
// pending.
func (c *Client) deletePending(key string) (chan *message.Response, bool) {
	c.mu.Lock()
	ch, ok := c.pending[key]
	delete(c.pending, key)
	c.mu.Unlock()
	return ch, ok
}

// doWrite calls writeMsg and handles errors so that the connection is
// marked as failed if the error is fatal.
func (c *Client) doWrite(req *message.Request) error {
	err := c.writeMsg(req)
	switch err {
	case wswriter.ErrWriteLimitExceeded,
		wswriter.ErrWriteLockTimeout:
		c.setErr(err)
	}
	return err
}

func (c *Client) writeMsg(req *message.Request) error {
	p, err := c.codec.EncodeRequest(req)
	if err != nil {
		return err
	}

	return wswriter.WriteMessage(c.conn, c.wmu, c.codec.FrameType(), p, c.wopts)
}

// Handler defines the method required to handle a pushed event
// received from the server.
type Handler interface {
	Handle(context.Context, *message.Response)
}

// HandlerFunc is a function that implements the Handler interface.
type HandlerFunc func(context.Context, *message.Response)

// Handle implements Handler for a HandlerFunc. It calls fn
// with the parameters.
func (fn HandlerFunc) Handle(ctx context.Context, res *message.Response) {
	fn(ctx, res)
}

// Option sets an option on the Client.
type Option func(*Client)

// SetRequestTimeout sets the time to wait for the response of a
// request when the context has no deadline. The zero value waits
// until the context is done.
func SetRequestTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.requestTimeout = timeout
	}
}

// SetHandler sets the handler that is called with each pushed event
// received from the server. Each invocation runs in its own
// goroutine, so proper synchronization must be used when accessing
// shared data.
func SetHandler(h Handler) Option {
	return func(c *Client) {
		c.handler = h
	}
}

// SetWriteTimeout sets the deadline for writing a request frame.
func SetWriteTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.wopts.WriteTimeout = timeout
	}
}

// SetAcquireWriteLockTimeout bounds the wait for the write lock when
// requests are sent concurrently. Failing to get it marks the client
// as failed.
func SetAcquireWriteLockTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.wopts.AcquireTimeout = timeout
	}
}

// SetReadLimit sets the maximum size of a frame received from the
// server. A larger frame ends the read loop.
func SetReadLimit(limit int64) Option {
	return func(c *Client) {
		c.conn.SetReadLimit(limit)
	}
}

// SetWriteLimit sets the maximum size of an encoded request. Sending
// a larger one marks the client as failed.
func SetWriteLimit(limit int64) Option {
	return func(c *Client) {
		c.wopts.Limit = limit
	}
}
