package row

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/psychogen-labs/row/endpoint"
	"github.com/psychogen-labs/row/message"
	"github.com/psychogen-labs/row/subscription"
)

// Filter is a step of the request processing chain. It can inspect
// and modify the request and the response. It returns false to stop
// the chain, the response as it is at that point is then sent to the
// client. A non-nil error also stops the chain, and sets the status
// of the response to StatusOf(err).
type Filter interface {
	Filter(ctx context.Context, req *message.Request, res *message.Response, c *Conn) (bool, error)
}

// FilterFunc is a function signature that implements the Filter
// interface.
type FilterFunc func(context.Context, *message.Request, *message.Response, *Conn) (bool, error)

// Filter implements Filter for a FilterFunc. It calls fn.
func (fn FilterFunc) Filter(ctx context.Context, req *message.Request, res *message.Response, c *Conn) (bool, error) {
	return fn(ctx, req, res, c)
}

// PanicError is the error of a filter that panicked.
type PanicError struct {
	Value interface{}
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("row: filter panicked: %v", e.Value)
}

// Chain is an ordered list of filters. It is immutable once created
// and safe for concurrent use.
type Chain struct {
	filters []Filter
}

// NewChain returns a chain that runs filters in order.
func NewChain(filters ...Filter) *Chain {
	fs := make([]Filter, len(filters))
	copy(fs, filters)
	return &Chain{filters: fs}
}

// DefaultChain returns the standard chain: subscriptions of
// pre-registered topics, endpoint invocation and subscriptions that
// depend on the invocation, in that order.
func DefaultChain(endpoints *endpoint.Registry, subs *subscription.Registry) *Chain {
	return NewChain(
		SubscribeFilter(endpoints, subs, endpoint.SubscribePre),
		InvokerFilter(endpoints),
		SubscribeFilter(endpoints, subs, endpoint.SubscribePost),
	)
}

// Len returns the number of filters in the chain.
func (ch *Chain) Len() int { return len(ch.filters) }

// With returns a new chain made of filters followed by the filters
// of ch.
func (ch *Chain) With(filters ...Filter) *Chain {
	return NewChain(append(append([]Filter(nil), filters...), ch.filters...)...)
}

// internalErrorText is the error header of InternalError responses,
// the actual error is not sent to the client.
const internalErrorText = "internal error"

// Run runs the filters in order until one stops the chain. It returns
// true if every filter allowed the request to continue. A filter that
// panics or fails stops the chain and sets the status and error header
// of res accordingly, and its error is returned.
func (ch *Chain) Run(ctx context.Context, req *message.Request, res *message.Response, c *Conn) (bool, error) {
	for _, f := range ch.filters {
		ok, err := runFilter(ctx, f, req, res, c)
		if err != nil {
			res.Status = StatusOf(err)
			if res.Status == message.InternalError {
				res.SetHeader(message.ErrorHeader, internalErrorText)
			} else {
				res.SetHeader(message.ErrorHeader, err.Error())
			}
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func runFilter(ctx context.Context, f Filter, req *message.Request, res *message.Response, c *Conn) (ok bool, err error) {
	defer func() {
		if e := recover(); e != nil {
			ok, err = false, &PanicError{Value: e, Stack: debug.Stack()}
		}
	}()
	return f.Filter(ctx, req, res, c)
}

// SubscribeFilter returns the filter that applies SUBSCRIBE and
// UNSUBSCRIBE requests to subs for the routes of endpoints with the
// given subscribe mode. Requests with other operations, or that target
// routes with another mode, pass through untouched.
//
// The SubscribePre filter also rejects subscription requests for
// paths that are not topics, with a status of NotFound. The
// SubscribePost filter only subscribes if the response is still OK
// after the invocation.
func SubscribeFilter(endpoints *endpoint.Registry, subs *subscription.Registry, mode endpoint.SubscribeMode) Filter {
	pre := mode == endpoint.SubscribePre
	return FilterFunc(func(ctx context.Context, req *message.Request, res *message.Response, c *Conn) (bool, error) {
		if !req.Op.IsSubscription() {
			return true, nil
		}

		rt, _, err := endpoints.Resolve(req.Path)
		if err != nil {
			if pre {
				return false, err
			}
			return true, nil
		}
		if rt.Mode == endpoint.NoSubscribe {
			if pre {
				return false, fmt.Errorf("%w: %s is not a topic", ErrInvalidPath, req.Path)
			}
			return true, nil
		}
		if rt.Mode != mode {
			return true, nil
		}
		if !pre && res.Status != message.OK {
			return true, nil
		}

		res.SetHeader(message.TopicHeader, req.Path)
		if req.Op == message.Unsubscribe {
			var sub *subscription.Subscription
			if id := req.Header(message.SubscriptionIDHeader); id != "" {
				sub = subs.UnsubscribeID(req.Path, c.ID(), id)
			} else {
				sub = subs.Unsubscribe(req.Path, c.ID())
			}
			if sub != nil {
				res.SetHeader(message.SubscriptionIDHeader, sub.ID)
			}
			return true, nil
		}

		sub, err := subs.Subscribe(req.Path, req.Header(message.SubscriptionEventHeader), c)
		if err != nil {
			return false, err
		}
		res.SetHeader(message.SubscriptionIDHeader, sub.ID)
		if sub.Event != "" {
			res.SetHeader(message.SubscriptionEventHeader, sub.Event)
		}
		return true, nil
	})
}

// InvokerFilter returns the filter that calls the endpoint handler of
// the request's path. An INVOKE request for a path that has no handler
// fails with a status of NotFound. SUBSCRIBE and UNSUBSCRIBE requests
// call the handler only if the route has one.
//
// The handler's response, if any, is merged into the response: its
// status, if set, replaces the response status, its headers are added
// and its body replaces the response body.
func InvokerFilter(endpoints *endpoint.Registry) Filter {
	return FilterFunc(func(ctx context.Context, req *message.Request, res *message.Response, c *Conn) (bool, error) {
		rt, params, err := endpoints.Resolve(req.Path)
		if err != nil {
			if req.Op == message.Invoke {
				return false, err
			}
			return true, nil
		}
		if rt.Handler == nil {
			if req.Op == message.Invoke {
				return false, fmt.Errorf("%w: %s has no handler", ErrInvalidPath, req.Path)
			}
			return true, nil
		}

		out, err := rt.Handler.Invoke(ctx, req, params)
		if err != nil {
			return false, &HandlerError{Path: req.Path, Err: err}
		}
		if out != nil {
			if out.Status != 0 {
				res.Status = out.Status
			}
			for k, v := range out.Headers {
				res.SetHeader(k, v)
			}
			if out.Body != nil {
				res.Body = out.Body
			}
		}
		return true, nil
	})
}

type ctxKey int

const connKey ctxKey = iota

// NewContext returns a copy of ctx that carries c.
func NewContext(ctx context.Context, c *Conn) context.Context {
	return context.WithValue(ctx, connKey, c)
}

// ConnFromContext returns the connection stored in ctx, if any. The
// context passed to filters and endpoint handlers always carries the
// connection that sent the request.
func ConnFromContext(ctx context.Context) (*Conn, bool) {
	c, ok := ctx.Value(connKey).(*Conn)
	return c, ok
}
