package row

import (
	"context"
	"errors"
	"sync"

	"github.com/psychogen-labs/row/message"
	"github.com/psychogen-labs/row/subscription"
)

// Publisher delivers events to the connections subscribed to a topic.
// Publishing never blocks on delivery: each push is a task of the
// server's dispatch pool, and failures are reported to the server's
// Listener as *DeliveryError, never to the publisher. When the pool is
// saturated, the publishing goroutine runs the delivery itself.
//
// A subscription with an event name only receives publications of that
// event. A subscription without one receives every publication of its
// topic.
type Publisher struct {
	srv *Server
}

// Publish sends payload to every connection subscribed to topic. It
// returns the number of scheduled deliveries.
func (p *Publisher) Publish(topic, event string, payload interface{}) int {
	return p.publish(topic, event, payload, nil)
}

// PublishTo is like Publish but only delivers to the subscribers of
// topic that are authenticated as one of identities.
func (p *Publisher) PublishTo(topic, event string, payload interface{}, identities ...string) int {
	if len(identities) == 0 {
		return 0
	}
	only := make(map[string]bool, len(identities))
	for _, id := range identities {
		only[id] = true
	}
	return p.publish(topic, event, payload, only)
}

func (p *Publisher) publish(topic, event string, payload interface{}, only map[string]bool) int {
	srv := p.srv
	srv.addVar("Publications", 1)

	// group the subscriptions by identity, and resolve each identity
	// once to its live connections.
	byIdentity := make(map[string][]*subscription.Subscription)
	for _, sub := range srv.subs.SubscribersOf(topic) {
		if only != nil && !only[sub.Identity] {
			continue
		}
		if sub.Event != "" && sub.Event != event {
			continue
		}
		byIdentity[sub.Identity] = append(byIdentity[sub.Identity], sub)
	}

	bodies := newBodyCache(payload)
	var n int
	for identity, subs := range byIdentity {
		for _, sc := range srv.sessions.ConnectionsOf(identity) {
			c, ok := sc.(*Conn)
			if !ok {
				continue
			}
			for _, sub := range subs {
				if sub.ConnID != c.id {
					continue
				}
				sub := sub
				p.submit(c, topic, func() (*message.Response, error) {
					body, err := bodies.get(c.codec)
					if err != nil {
						return nil, err
					}
					res := message.NewPush(topic, body)
					res.SetHeader(message.SubscriptionIDHeader, sub.ID)
					if event != "" {
						res.SetHeader(message.SubscriptionEventHeader, event)
					}
					return res, nil
				})
				n++
			}
		}
	}
	return n
}

// SendRaw pushes payload to every live connection of identity,
// regardless of subscriptions. The push has no topic. It returns the
// number of scheduled deliveries.
func (p *Publisher) SendRaw(identity string, payload interface{}) int {
	srv := p.srv
	bodies := newBodyCache(payload)

	var n int
	for _, sc := range srv.sessions.ConnectionsOf(identity) {
		c, ok := sc.(*Conn)
		if !ok {
			continue
		}
		p.submit(c, "", func() (*message.Response, error) {
			body, err := bodies.get(c.codec)
			if err != nil {
				return nil, err
			}
			res := &message.Response{Status: message.OK, Body: body}
			res.SetHeader(message.PushHeader, "true")
			return res, nil
		})
		n++
	}
	return n
}

func (p *Publisher) submit(c *Conn, topic string, build func() (*message.Response, error)) {
	srv := p.srv
	err := srv.pool.Submit(func(context.Context) error {
		res, err := build()
		if err == nil {
			err = c.Send(res)
		}
		switch {
		case err == nil:
			srv.addVar("Pushes", 1)
			return nil
		case errors.Is(err, ErrConnClosed):
			// closed since it was resolved, drop silently
			srv.addVar("DroppedPushes", 1)
			return nil
		}
		return p.fail(c, topic, err)
	})
	if err != nil {
		p.fail(c, topic, err)
	}
}

func (p *Publisher) fail(c *Conn, topic string, err error) error {
	derr := &DeliveryError{ConnID: c.id, Identity: c.identity, Topic: topic, Err: err}
	p.srv.addVar("PushFailures", 1)
	p.srv.logf("%v", derr)
	p.srv.listener.OnError(c, derr)
	return derr
}

// bodyCache encodes a payload at most once per codec.
type bodyCache struct {
	payload interface{}

	mu     sync.Mutex
	bodies map[string]message.Body
	errs   map[string]error
}

func newBodyCache(payload interface{}) *bodyCache {
	return &bodyCache{
		payload: payload,
		bodies:  make(map[string]message.Body, 1),
		errs:    make(map[string]error, 1),
	}
}

func (bc *bodyCache) get(c message.Codec) (message.Body, error) {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	name := c.Name()
	if err, ok := bc.errs[name]; ok {
		return nil, err
	}
	if b, ok := bc.bodies[name]; ok {
		return b, nil
	}
	b, err := message.ToBody(c, bc.payload)
	if err != nil {
		bc.errs[name] = err
		return nil, err
	}
	bc.bodies[name] = b
	return b, nil
}
