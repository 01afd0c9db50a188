package row

import (
	"context"
	"errors"
	"expvar"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/psychogen-labs/row/auth"
	"github.com/psychogen-labs/row/dispatch"
	"github.com/psychogen-labs/row/endpoint"
	"github.com/psychogen-labs/row/message"
	"github.com/psychogen-labs/row/session"
	"github.com/psychogen-labs/row/subscription"
)

// SubprotocolPrefix is the prefix of the websocket subprotocols
// supported by the server, followed by the codec name.
const SubprotocolPrefix = "row."

// AllowedOpsHeader is the handshake header that restricts the
// operations allowed on a connection. See Upgrade.
const AllowedOpsHeader = "Row-Allowed-Ops"

// LogFunc is the function signature used to log messages.
type LogFunc func(string, ...interface{})

// Config is the configuration of a Server. The zero value is a valid
// configuration: every connection is accepted with a new anonymous
// identity, an identity can have many connections and there are no
// endpoints.
type Config struct {
	// Endpoints is the registry of endpoints and topics. A new empty
	// registry is used if nil.
	Endpoints *endpoint.Registry

	// Subscriptions is the subscription registry. If nil, a new
	// registry that accepts the topics of Endpoints is used.
	Subscriptions *subscription.Registry

	// Sessions is the session registry. If nil, a registry is created
	// according to SingleSession.
	Sessions session.Registry

	// SingleSession keeps at most one connection per identity. When a
	// new connection of an identity opens, the previous one is closed
	// with session.ErrReplaced.
	SingleSession bool

	// NoHeartbeats disables tracking of the last activity of
	// connections. CloseIdle does nothing if set.
	NoHeartbeats bool

	// Filters are run before the filters of Chain.
	Filters []Filter

	// Chain is the request processing chain. DefaultChain is used if
	// nil.
	Chain *Chain

	// TokenExtractor extracts the token from the upgrade request.
	// Defaults to auth.NoToken.
	TokenExtractor auth.TokenExtractor

	// Authenticator resolves the identity of connections. Defaults to
	// auth.AcceptAll.
	Authenticator auth.Authenticator

	// Codecs lists the supported codecs, in order of preference. The
	// websocket subprotocol of each is SubprotocolPrefix followed by
	// its name. Defaults to message.Codecs.
	Codecs []message.Codec

	// AllowEmptySubprotocol serves connections that did not negotiate
	// a subprotocol with the first codec. They are dropped otherwise.
	AllowEmptySubprotocol bool

	// Listener is notified of connection events and delivery errors.
	Listener Listener

	// Dispatch configures the pool that delivers published events.
	// dispatch.DefaultConfig is used if CoreWorkers is 0.
	Dispatch dispatch.Config

	// DispatchOptions are passed to dispatch.New, e.g. to collect
	// metrics.
	DispatchOptions []dispatch.Option

	// ShutdownTimeout is the maximum time to wait for pending
	// deliveries on Shutdown if the context has no deadline.
	ShutdownTimeout time.Duration

	// ReadLimit defines the maximum size, in bytes, of incoming
	// messages. If a client sends a message that exceeds this limit,
	// the connection is closed. The default of 0 means no limit.
	ReadLimit int64

	// ReadTimeout is the timeout to read an incoming message. It is
	// set on the websocket connection with SetReadDeadline before
	// reading each message. The default of 0 means no timeout.
	ReadTimeout time.Duration

	// WriteLimit defines the maximum size, in bytes, of outgoing
	// messages. If a message exceeds this limit, the connection is
	// closed. The default of 0 means no limit.
	WriteLimit int64

	// WriteTimeout is the timeout to write an outgoing message. The
	// default of 0 means no timeout.
	WriteTimeout time.Duration

	// AcquireWriteLockTimeout is the time to wait for the exclusive
	// write lock for a connection. If the lock cannot be acquired
	// before the timeout, the connection is dropped. The default of
	// 0 means no timeout.
	AcquireWriteLockTimeout time.Duration

	// SlowRequestThreshold is the duration after which a request is
	// counted and logged as slow. The default of 0 disables it.
	SlowRequestThreshold time.Duration

	// LogFunc is the function called to log events. By default,
	// it logs using log.Printf. Logging can be disabled by setting
	// LogFunc to DiscardLog.
	LogFunc LogFunc

	// Vars can be set to an *expvar.Map to collect metrics about the
	// server.
	Vars *expvar.Map
}

// DiscardLog is a LogFunc that discards its messages.
func DiscardLog(string, ...interface{}) {}

// Server is a row server. It owns the registries of a process and
// processes the requests of its connections. Connections are opened
// with Open, or with ServeConn for websocket connections.
type Server struct {
	conf      Config
	endpoints *endpoint.Registry
	subs      *subscription.Registry
	sessions  session.Registry
	chain     *Chain
	listener  Listener
	codecs    []message.Codec
	pool      *dispatch.Pool
	pub       *Publisher

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	conns  map[string]*Conn
	closed bool
}

// NewServer creates a server and starts its delivery pool. Defaults
// are resolved once, here.
func NewServer(conf Config) (*Server, error) {
	if conf.Endpoints == nil {
		conf.Endpoints = endpoint.NewRegistry()
	}
	if conf.Subscriptions == nil {
		conf.Subscriptions = subscription.New(conf.Endpoints, 0)
	}
	if conf.Sessions == nil {
		conf.Sessions = session.New(!conf.SingleSession)
	}
	if conf.Chain == nil {
		conf.Chain = DefaultChain(conf.Endpoints, conf.Subscriptions)
	}
	if len(conf.Filters) > 0 {
		conf.Chain = conf.Chain.With(conf.Filters...)
	}
	if conf.TokenExtractor == nil {
		conf.TokenExtractor = auth.NoToken
	}
	if conf.Authenticator == nil {
		conf.Authenticator = auth.AcceptAll
	}
	if len(conf.Codecs) == 0 {
		conf.Codecs = message.Codecs
	}
	if conf.Listener == nil {
		conf.Listener = NopListener{}
	}
	if conf.Dispatch.CoreWorkers == 0 {
		conf.Dispatch = dispatch.DefaultConfig()
	}
	if conf.ShutdownTimeout <= 0 {
		conf.ShutdownTimeout = 30 * time.Second
	}
	if conf.LogFunc == nil {
		conf.LogFunc = log.Printf
	}

	srv := &Server{
		conf:      conf,
		endpoints: conf.Endpoints,
		subs:      conf.Subscriptions,
		sessions:  conf.Sessions,
		chain:     conf.Chain,
		listener:  conf.Listener,
		codecs:    conf.Codecs,
		conns:     make(map[string]*Conn),
	}

	opts := append([]dispatch.Option{dispatch.WithErrorFunc(srv.poolError)}, conf.DispatchOptions...)
	pool, err := dispatch.New(conf.Dispatch, opts...)
	if err != nil {
		return nil, err
	}
	srv.ctx, srv.cancel = context.WithCancel(context.Background())
	if err := pool.Start(srv.ctx); err != nil {
		srv.cancel()
		return nil, err
	}
	srv.pool = pool
	srv.pub = &Publisher{srv: srv}
	return srv, nil
}

func (srv *Server) logf(f string, args ...interface{}) {
	srv.conf.LogFunc(f, args...)
}

func (srv *Server) addVar(name string, n int64) {
	if srv.conf.Vars != nil {
		srv.conf.Vars.Add(name, n)
	}
}

func (srv *Server) poolError(err error) {
	srv.addVar("DispatchErrors", 1)
}

// Publisher returns the publisher that delivers events to the
// connections of the server.
func (srv *Server) Publisher() *Publisher { return srv.pub }

// Endpoints returns the endpoint registry.
func (srv *Server) Endpoints() *endpoint.Registry { return srv.endpoints }

// Subscriptions returns the subscription registry.
func (srv *Server) Subscriptions() *subscription.Registry { return srv.subs }

// Sessions returns the session registry.
func (srv *Server) Sessions() session.Registry { return srv.sessions }

// Subprotocols returns the websocket subprotocols supported by the
// server, in order of preference.
func (srv *Server) Subprotocols() []string {
	protos := make([]string, len(srv.codecs))
	for i, c := range srv.codecs {
		protos[i] = SubprotocolPrefix + c.Name()
	}
	return protos
}

// codecFor returns the codec of the negotiated subprotocol.
func (srv *Server) codecFor(proto string) (message.Codec, bool) {
	if proto == "" {
		if srv.conf.AllowEmptySubprotocol {
			return srv.codecs[0], true
		}
		return nil, false
	}
	for _, c := range srv.codecs {
		if SubprotocolPrefix+c.Name() == proto {
			return c, true
		}
	}
	return nil, false
}

// Authenticate resolves the identity of the connection requested by r.
// The returned error wraps auth.ErrUnauthorized if the handshake must
// be rejected.
func (srv *Server) Authenticate(ctx context.Context, r *http.Request) (string, error) {
	tok, ok := srv.conf.TokenExtractor.Extract(r)
	hc := &auth.HandshakeContext{Request: r, Token: tok, HasToken: ok}
	id, err := srv.conf.Authenticator.Authenticate(ctx, hc)
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", auth.ErrUnauthorized
	}
	return id, nil
}

// Open opens a connection for identity over the transport t, using
// codec to encode and decode frames. It registers the connection in
// the session registry and notifies the Listener. If allowedOps is not
// empty, only those operations are allowed on that connection.
//
// Frames received on the transport must be passed to HandleFrame, and
// the connection must be closed with Conn.Close when the transport
// fails.
func (srv *Server) Open(t Transport, identity string, codec message.Codec, allowedOps ...message.Op) (*Conn, error) {
	c := newConn(t, identity, codec, srv, allowedOps...)

	srv.mu.Lock()
	if srv.closed {
		srv.mu.Unlock()
		return nil, ErrServerClosed
	}
	srv.conns[c.id] = c
	srv.mu.Unlock()

	srv.sessions.Register(identity, c)
	if !atomic.CompareAndSwapInt32(&c.state, int32(Connecting), int32(Open)) {
		// closed by Shutdown while registering
		srv.sessions.Unregister(identity, c)
		return nil, ErrServerClosed
	}
	srv.addVar("ActiveConns", 1)
	srv.addVar("TotalConns", 1)
	srv.listener.OnOpen(c)
	return c, nil
}

// release removes c from the registries, called once when c closes.
// The session is removed first so that publishers stop resolving the
// connection before its subscriptions are dropped. The Listener is
// only notified if c was open.
func (srv *Server) release(c *Conn, err error, wasOpen bool) {
	srv.sessions.Unregister(c.identity, c)
	srv.subs.RemoveAll(c.id)

	srv.mu.Lock()
	delete(srv.conns, c.id)
	srv.mu.Unlock()

	if wasOpen {
		srv.addVar("ActiveConns", -1)
		srv.listener.OnClose(c, err)
	}
}

// CloseConn closes c with err. See Conn.Close.
func (srv *Server) CloseConn(c *Conn, err error) {
	c.Close(err)
}

// HandleFrame processes a frame received on c: it decodes the request,
// runs the filter chain and sends the response. Malformed frames get a
// BadRequest response and leave the connection open. Frames received
// after c is closed are ignored.
func (srv *Server) HandleFrame(c *Conn, p []byte) {
	if c.Closed() {
		return
	}
	c.Touch()
	srv.addVar("Requests", 1)

	start := time.Now()
	res := srv.process(c, p)
	srv.addVar("Responses"+res.Status.String(), 1)
	if err := c.Send(res); err != nil {
		if errors.Is(err, ErrEncode) {
			fallback := &message.Response{ID: res.ID, Status: StatusOf(err)}
			fallback.SetHeader(message.ErrorHeader, err.Error())
			err = c.Send(fallback)
		}
		if err != nil && !errors.Is(err, ErrConnClosed) {
			srv.addVar("FailedResponses", 1)
			srv.logf("%v: failed to send response to %s: %v", c.UUID, res.ID, err)
			srv.listener.OnError(c, err)
		}
	}

	if to := srv.conf.SlowRequestThreshold; to > 0 {
		if dur := time.Since(start); dur > to {
			srv.addVar("SlowRequests", 1)
			srv.logf("%v: slow request %s: %v", c.UUID, res.ID, dur)
		}
	}
}

func (srv *Server) process(c *Conn, p []byte) *message.Response {
	req, err := message.Decode(c.codec, p, c.allowedOps...)
	if err != nil {
		srv.addVar("DecodeErrors", 1)
		res := message.NewResponse(req)
		res.Status = StatusOf(err)
		res.SetHeader(message.ErrorHeader, err.Error())
		return res
	}

	srv.addVar("Requests"+req.Op.String(), 1)
	res := message.NewResponse(req)
	ok, err := srv.chain.Run(NewContext(srv.ctx, c), req, res, c)
	if !ok && res.Status != message.OK {
		srv.addVar("FailedRequests", 1)
	}
	if res.Status == message.InternalError && err != nil {
		srv.logf("%v: request %s to %s failed: %v", c.UUID, req.ID, req.Path, err)
		srv.listener.OnError(c, err)
	}
	return res
}

// ServeConn serves the websocket connection as a row connection of
// identity. It blocks until the connection is closed. The codec is
// selected from the negotiated subprotocol, the connection is dropped
// if there is no matching codec. If allowedOps is not empty, only
// those operations are allowed on that connection.
func (srv *Server) ServeConn(conn *websocket.Conn, identity string, allowedOps ...message.Op) {
	codec, ok := srv.codecFor(conn.Subprotocol())
	if !ok {
		srv.logf("row: unsupported subprotocol %q; dropping connection", conn.Subprotocol())
		conn.Close()
		return
	}

	conn.SetReadLimit(srv.conf.ReadLimit)
	c, err := srv.Open(newWSTransport(conn, codec.FrameType(), &srv.conf), identity, codec, allowedOps...)
	if err != nil {
		srv.logf("row: failed to open connection: %v", err)
		conn.Close()
		return
	}

	conn.SetPongHandler(func(string) error {
		c.Touch()
		return nil
	})
	conn.SetPingHandler(func(data string) error {
		c.Touch()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})

	c.receive(conn)
}

// receive is the read loop of a websocket connection.
func (c *Conn) receive(conn *websocket.Conn) {
	srv := c.srv
	srv.addVar("ActiveReaders", 1)
	defer srv.addVar("ActiveReaders", -1)

	for {
		if to := srv.conf.ReadTimeout; to > 0 {
			conn.SetReadDeadline(time.Now().Add(to))
		}

		// ReadMessage returns with an error once a connection is closed,
		// so this loop doesn't need to check the c.kill channel.
		_, p, err := conn.ReadMessage()
		if err != nil {
			c.Close(err)
			return
		}
		srv.HandleFrame(c, p)
	}
}

// Upgrade returns an http.Handler that authenticates the request and
// upgrades it to the websocket protocol using upgrader. A request that
// fails authentication gets a 401 response and is never upgraded. The
// websocket connection must negotiate one of srv.Subprotocols,
// otherwise it is dropped. If upgrader has no subprotocols set, those
// of srv are used.
//
// Once connected, the websocket connection is served via srv.ServeConn.
//
// If the Row-Allowed-Ops header is set on the request, the connection
// is restricted to that set of operations. The value is a
// comma-separated list of operations:
//
//	Any of "invoke, subscribe, unsubscribe"
//	"*" can be used for any operation (same as if the header wasn't there)
func Upgrade(upgrader *websocket.Upgrader, srv *Server) http.Handler {
	if len(upgrader.Subprotocols) == 0 {
		u := *upgrader
		u.Subprotocols = srv.Subprotocols()
		upgrader = &u
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := srv.Authenticate(r.Context(), r)
		if err != nil {
			srv.addVar("RejectedHandshakes", 1)
			if errors.Is(err, auth.ErrUnauthorized) {
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}
			srv.logf("row: authentication failed: %v", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}

		var ops []message.Op
		if allowed := strings.TrimSpace(r.Header.Get(AllowedOpsHeader)); allowed != "" && allowed != "*" {
			for _, s := range strings.Split(allowed, ",") {
				if op, err := message.ParseOp(strings.TrimSpace(s)); err == nil {
					ops = append(ops, op)
				}
			}
		}

		// upgrade the HTTP connection to the websocket protocol
		wsConn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer wsConn.Close()

		// this call blocks until the row connection is closed
		srv.ServeConn(wsConn, identity, ops...)
	})
}

// Conns returns the open connections.
func (srv *Server) Conns() []*Conn {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	conns := make([]*Conn, 0, len(srv.conns))
	for _, c := range srv.conns {
		conns = append(conns, c)
	}
	return conns
}

// CloseIdle closes the connections with no activity for longer than
// maxIdle, with ErrIdleTimeout. It returns the number of connections
// closed. It does nothing if heartbeats are not tracked.
func (srv *Server) CloseIdle(maxIdle time.Duration) int {
	if srv.conf.NoHeartbeats {
		return 0
	}
	var n int
	for _, c := range srv.Conns() {
		if time.Since(c.LastSeen()) > maxIdle {
			c.Close(ErrIdleTimeout)
			n++
		}
	}
	if n > 0 {
		srv.addVar("IdleClosed", int64(n))
	}
	return n
}

// Shutdown closes every connection with ErrServerClosed and stops the
// delivery pool, waiting for pending deliveries until ctx is done or,
// if ctx has no deadline, for the configured ShutdownTimeout. Open
// fails once Shutdown is called.
func (srv *Server) Shutdown(ctx context.Context) error {
	srv.mu.Lock()
	if srv.closed {
		srv.mu.Unlock()
		return nil
	}
	srv.closed = true
	srv.mu.Unlock()

	for _, c := range srv.Conns() {
		c.Close(ErrServerClosed)
	}

	timeout := srv.conf.ShutdownTimeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	err := srv.pool.Stop(timeout)
	srv.cancel()
	return err
}
