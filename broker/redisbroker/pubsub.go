package redisbroker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/gomodule/redigo/redis"
)

// Relay subscribes to the event channels and publishes the events it
// receives to pub until ctx is done, in which case it returns nil. It
// returns the error that broke the subscription otherwise. Events are
// relayed in the order they are received.
func (b *Broker) Relay(ctx context.Context, pub Publisher) error {
	if b.Dial == nil {
		return errors.New("redisbroker: Dial must be set to relay events")
	}
	rc, err := b.Dial()
	if err != nil {
		return err
	}

	psc := redis.PubSubConn{Conn: rc}
	pattern := b.prefix() + "*"
	if err := psc.PSubscribe(pattern); err != nil {
		psc.Close()
		return err
	}

	// closing the connection unblocks Receive.
	var once sync.Once
	closeConn := func() { once.Do(func() { psc.Close() }) }
	defer closeConn()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			closeConn()
		case <-done:
		}
	}()

	logf(b.LogFunc, "redisbroker: relaying events of %s", pattern)
	for {
		switch v := psc.Receive().(type) {
		case redis.Message:
			b.relay(pub, v)

		case error:
			// possibly because the pub-sub connection was closed, but
			// in any case, the pub-sub is now broken, terminate the
			// loop.
			if ctx.Err() != nil {
				return nil
			}
			return v
		}
	}
}

// relay publishes the event of a message received on the pattern
// subscription, so m.Pattern is set.
func (b *Broker) relay(pub Publisher, m redis.Message) {
	topic := strings.TrimPrefix(m.Channel, b.prefix())

	var ev Event
	if err := json.Unmarshal(m.Data, &ev); err != nil {
		b.addVar("FailedEventUnmarshals", 1)
		logf(b.LogFunc, "redisbroker: failed to unmarshal event of %s (%s): %v", m.Channel, m.Pattern, err)
		return
	}

	var payload interface{}
	if len(ev.Payload) > 0 {
		payload = ev.Payload
	}

	var n int
	if len(ev.Identities) > 0 {
		n = pub.PublishTo(topic, ev.Event, payload, ev.Identities...)
	} else {
		n = pub.Publish(topic, ev.Event, payload)
	}
	b.addVar("RelayedEvents", 1)
	b.addVar("RelayedDeliveries", int64(n))
}
