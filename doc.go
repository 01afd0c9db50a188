// Package row implements a REST-over-WebSocket message routing layer.
//
// Clients send requests, each with an operation (INVOKE, SUBSCRIBE or
// UNSUBSCRIBE), a path and optional headers and body, and get back a
// response with the same ID and a status. Requests go through a chain
// of filters; the default chain subscribes connections to topics and
// invokes the endpoint registered for the path. Server-side code
// publishes events to topics, and the Publisher pushes them to the
// subscribed connections without blocking the caller.
//
// # Server
//
// The Server struct defines a row server. The zero Config is valid:
//
//	srv, err := row.NewServer(row.Config{Endpoints: endpoints})
//
// The Upgrade function creates an http.Handler that authenticates the
// request, upgrades the connection to a websocket connection and
// serves it using the provided Server:
//
//	http.Handle("/ws", row.Upgrade(&websocket.Upgrader{}, srv))
//
// Connections over other transports can be served with Server.Open
// and Server.HandleFrame.
//
// # Identity
//
// Each connection is bound at handshake time to the identity returned
// by the configured auth.Authenticator. Pushes are routed by identity:
// a subscription records the identity of its connection, and each
// publication resolves identities to their live connections through
// the session registry. With Config.SingleSession, a new connection
// of an identity replaces the previous one.
package row
