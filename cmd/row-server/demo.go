package main

import (
	"context"
	"encoding/json"
	"io/ioutil"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/psychogen-labs/row"
	"github.com/psychogen-labs/row/endpoint"
	"github.com/psychogen-labs/row/message"
)

// EventHeader is the request header that sets the event name of a
// publication made through the demo endpoints.
const EventHeader = "X-Event"

type published struct {
	Deliveries int `json:"deliveries"`
}

// registerDemo registers the demo endpoints and topics:
//
//	/echo                   returns the request body
//	/whoami                 returns the identity of the connection
//	/orders/{id}            topic
//	/orders/{id}/publish    publishes the request body to /orders/{id}
//	/rooms/{room}           topic joined after a check, "locked" is refused
//	/send/{identity}        pushes the request body to identity
//
// The close and panic paths, if set, close the connection and panic,
// respectively.
func registerDemo(eps *endpoint.Registry, pub func() *row.Publisher, conf *Server) error {
	handlers := []demoRoute{
		{"/echo", func(ctx context.Context, req *message.Request, _ endpoint.Params) (*message.Response, error) {
			return &message.Response{Body: req.Body}, nil
		}, nil},

		{"/whoami", func(ctx context.Context, req *message.Request, _ endpoint.Params) (*message.Response, error) {
			c, ok := row.ConnFromContext(ctx)
			if !ok {
				return nil, row.Errorf(message.InternalError, "no connection")
			}
			return bodyResponse(ctx, map[string]string{"identity": c.Identity(), "conn": c.ID()})
		}, nil},

		{"/orders/{id}", nil, []endpoint.Option{endpoint.Subscribable(endpoint.SubscribePre)}},

		{"/orders/{id}/publish", func(ctx context.Context, req *message.Request, params endpoint.Params) (*message.Response, error) {
			n := pub().Publish("/orders/"+params["id"], req.Header(EventHeader), requestBody(ctx, req))
			return bodyResponse(ctx, published{Deliveries: n})
		}, nil},

		{"/rooms/{room}", func(ctx context.Context, req *message.Request, params endpoint.Params) (*message.Response, error) {
			if params["room"] == "locked" {
				return nil, row.Errorf(message.Unauthorized, "room %s is locked", params["room"])
			}
			return nil, nil
		}, []endpoint.Option{endpoint.Subscribable(endpoint.SubscribePost)}},

		{"/send/{identity}", func(ctx context.Context, req *message.Request, params endpoint.Params) (*message.Response, error) {
			n := pub().SendRaw(params["identity"], requestBody(ctx, req))
			return bodyResponse(ctx, published{Deliveries: n})
		}, nil},
	}

	if conf.ClosePath != "" {
		handlers = append(handlers, demoRoute{conf.ClosePath, func(ctx context.Context, req *message.Request, _ endpoint.Params) (*message.Response, error) {
			if c, ok := row.ConnFromContext(ctx); ok {
				c.Close(nil)
			}
			return nil, nil
		}, nil})
	}
	if conf.PanicPath != "" {
		handlers = append(handlers, demoRoute{conf.PanicPath, func(context.Context, *message.Request, endpoint.Params) (*message.Response, error) {
			panic("called panic path")
		}, nil})
	}

	for _, h := range handlers {
		var hh endpoint.Handler
		if h.fn != nil {
			hh = h.fn
		}
		if err := eps.Handle(h.pattern, hh, h.opts...); err != nil {
			return err
		}
	}
	return nil
}

type demoRoute struct {
	pattern string
	fn      endpoint.HandlerFunc
	opts    []endpoint.Option
}

// connCodec returns the codec of the connection serving ctx.
func connCodec(ctx context.Context) message.Codec {
	if c, ok := row.ConnFromContext(ctx); ok {
		return c.Codec()
	}
	return message.JSON
}

// requestBody returns the body of req as a payload that subscribers
// on other codecs can receive.
func requestBody(ctx context.Context, req *message.Request) interface{} {
	if len(req.Body) == 0 {
		return nil
	}
	return message.Encoded{Codec: connCodec(ctx), Body: req.Body}
}

func bodyResponse(ctx context.Context, v interface{}) (*message.Response, error) {
	b, err := connCodec(ctx).MarshalBody(v)
	if err != nil {
		return nil, err
	}
	return &message.Response{Body: b}, nil
}

// publishHandler returns the HTTP handler that publishes the request
// body to the topic in the URL path, e.g. POST /publish/orders/42
// publishes to /orders/42. The body must be JSON.
func publishHandler(pub *row.Publisher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		topic := "/" + strings.TrimPrefix(chi.URLParam(r, "*"), "/")
		b, err := ioutil.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if len(b) > 0 && !json.Valid(b) {
			http.Error(w, "body must be valid JSON", http.StatusBadRequest)
			return
		}

		var payload interface{}
		if len(b) > 0 {
			payload = json.RawMessage(b)
		}
		n := pub.Publish(topic, r.Header.Get(EventHeader), payload)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(published{Deliveries: n})
	}
}
