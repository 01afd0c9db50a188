// Package endpoint implements the registry of server-side endpoints.
// An endpoint is identified by a path pattern made of slash-separated
// segments, where a segment of the form {name} matches any single
// segment and a final * matches any remaining segments:
//
//	/orders
//	/orders/{id}
//	/files/*
//
// An endpoint may have a Handler that is invoked for INVOKE requests,
// and may be declared as a topic that clients can subscribe to.
package endpoint

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/psychogen-labs/row/message"
)

// Handler defines the method required to produce a response for a
// request to an endpoint.
type Handler interface {
	Invoke(ctx context.Context, req *message.Request, params Params) (*message.Response, error)
}

// HandlerFunc is a function signature that implements the Handler
// interface.
type HandlerFunc func(ctx context.Context, req *message.Request, params Params) (*message.Response, error)

// Invoke implements Handler for the HandlerFunc by calling the
// function itself.
func (fn HandlerFunc) Invoke(ctx context.Context, req *message.Request, params Params) (*message.Response, error) {
	return fn(ctx, req, params)
}

// Params holds the values of the {name} segments of a matched path.
// The remainder matched by a * segment is stored under the "*" key.
type Params map[string]string

// SubscribeMode indicates if and when subscriptions to an endpoint
// are processed.
type SubscribeMode int

// The list of subscription modes.
const (
	// NoSubscribe means the endpoint is not a topic.
	NoSubscribe SubscribeMode = iota

	// SubscribePre processes subscriptions before the endpoint's
	// handler, if any, is invoked.
	SubscribePre

	// SubscribePost processes subscriptions after the endpoint's
	// handler is invoked, and only if it succeeded.
	SubscribePost
)

// Route is a registered endpoint.
type Route struct {
	Pattern string
	Handler Handler
	Mode    SubscribeMode

	segs []string
}

// match returns the params and the number of static segments that
// matched, or ok=false if path does not match the route.
func (rt *Route) match(segs []string) (params Params, score int, ok bool) {
	for i, seg := range rt.segs {
		if seg == "*" && i == len(rt.segs)-1 {
			if params == nil {
				params = make(Params)
			}
			params["*"] = strings.Join(segs[i:], "/")
			return params, score, true
		}
		if i >= len(segs) {
			return nil, 0, false
		}
		if name, isParam := paramName(seg); isParam {
			if segs[i] == "" {
				return nil, 0, false
			}
			if params == nil {
				params = make(Params)
			}
			params[name] = segs[i]
			continue
		}
		if seg != segs[i] {
			return nil, 0, false
		}
		score++
	}
	if len(segs) != len(rt.segs) {
		return nil, 0, false
	}
	return params, score, true
}

func paramName(seg string) (string, bool) {
	if len(seg) > 2 && seg[0] == '{' && seg[len(seg)-1] == '}' {
		return seg[1 : len(seg)-1], true
	}
	return "", false
}

func splitPath(p string) []string {
	return strings.Split(strings.Trim(p, "/"), "/")
}

// Option sets an option on a Route being registered.
type Option func(*Route)

// Subscribable makes the route a topic that clients can subscribe to,
// processed according to mode.
func Subscribable(mode SubscribeMode) Option {
	return func(rt *Route) {
		rt.Mode = mode
	}
}

// Registry maps path patterns to routes. It is safe for concurrent
// use.
type Registry struct {
	mu     sync.RWMutex
	routes []*Route
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Handle registers h for the path pattern. The handler may be nil if
// the route is only a topic (see Subscribable).
func (r *Registry) Handle(pattern string, h Handler, opts ...Option) error {
	if !strings.HasPrefix(pattern, "/") {
		return fmt.Errorf("endpoint: pattern %q must start with /", pattern)
	}
	rt := &Route{Pattern: pattern, Handler: h, segs: splitPath(pattern)}
	for _, opt := range opts {
		opt(rt)
	}
	if rt.Handler == nil && rt.Mode == NoSubscribe {
		return fmt.Errorf("endpoint: pattern %q has no handler and is not subscribable", pattern)
	}
	for i, seg := range rt.segs {
		if seg == "*" && i != len(rt.segs)-1 {
			return fmt.Errorf("endpoint: pattern %q: * must be the last segment", pattern)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.routes {
		if existing.Pattern == pattern {
			return fmt.Errorf("endpoint: pattern %q already registered", pattern)
		}
	}
	r.routes = append(r.routes, rt)
	return nil
}

// HandleFunc registers fn for the path pattern.
func (r *Registry) HandleFunc(pattern string, fn HandlerFunc, opts ...Option) error {
	return r.Handle(pattern, fn, opts...)
}

// Topic registers a subscribable route with no handler, using the
// SubscribePre mode.
func (r *Registry) Topic(pattern string) error {
	return r.Handle(pattern, nil, Subscribable(SubscribePre))
}

// Resolve returns the route that best matches path, along with the
// matched params. Routes with more static segments win over routes
// with parameters. The error wraps message.ErrInvalidPath if no
// route matches.
func (r *Registry) Resolve(path string) (*Route, Params, error) {
	segs := splitPath(path)

	r.mu.RLock()
	defer r.mu.RUnlock()

	var (
		best       *Route
		bestParams Params
		bestScore  = -1
	)
	for _, rt := range r.routes {
		params, score, ok := rt.match(segs)
		if ok && score > bestScore {
			best, bestParams, bestScore = rt, params, score
		}
	}
	if best == nil {
		return nil, nil, fmt.Errorf("%w: %s", message.ErrInvalidPath, path)
	}
	return best, bestParams, nil
}

// ValidTopic returns true if path resolves to a subscribable route.
func (r *Registry) ValidTopic(path string) bool {
	rt, _, err := r.Resolve(path)
	return err == nil && rt.Mode != NoSubscribe
}

// Routes returns the registered routes, in registration order.
func (r *Registry) Routes() []*Route {
	r.mu.RLock()
	defer r.mu.RUnlock()

	routes := make([]*Route, len(r.routes))
	copy(routes, r.routes)
	return routes
}
