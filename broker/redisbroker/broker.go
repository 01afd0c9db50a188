// Package redisbroker relays events published on redis pub-sub
// channels to a row Publisher, so that processes that do not hold the
// websocket connections can publish to their subscribers.
//
// An event for topic T is published on the channel Prefix+T, with an
// Event encoded as JSON as message. Every relaying server receives it
// through a pattern subscription to Prefix+"*" and publishes it to its
// own subscribers of T. Subscriptions are never shared between
// processes, each server only delivers to its own connections.
//
// Redis pub-sub messages are broadcast to all nodes of a cluster, so
// a redisc.Cluster can be used as Pool, with its Dial method as Dial.
package redisbroker

import (
	"encoding/json"
	"errors"
	"expvar"
	"log"

	"github.com/gomodule/redigo/redis"
)

// DefaultPrefix is the channel prefix used if Broker.Prefix is empty.
const DefaultPrefix = "row:events:"

// DiscardLog is a no-op logging function that can be used as Broker.LogFunc
// to disable logging.
var DiscardLog = func(_ string, _ ...interface{}) {}

// Pool defines the methods required for a redis pool that provides
// a method to get a connection and to release the pool's resources.
type Pool interface {
	// Get returns a redis connection.
	Get() redis.Conn

	// Close releases the resources used by the pool.
	Close() error
}

// Publisher is the local publisher that receives the relayed events.
// It is implemented by *row.Publisher.
type Publisher interface {
	Publish(topic, event string, payload interface{}) int
	PublishTo(topic, event string, payload interface{}, identities ...string) int
}

// Event is the message published on a redis channel.
type Event struct {
	// Event is the event name, matched against the event of the
	// subscriptions.
	Event string `json:"event,omitempty"`

	// Identities, if set, restricts delivery to the subscribers
	// authenticated as one of those identities.
	Identities []string `json:"identities,omitempty"`

	// Payload is JSON, re-encoded for subscribers of other codecs.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Broker publishes and relays events using redis.
type Broker struct {
	// prevent unkeyed literals
	_ struct{}

	// Pool is the redis pool or redisc cluster to use to get
	// short-lived connections.
	Pool Pool

	// Dial is the function to call to get a non-pooled, long-lived
	// redis connection for the pub-sub subscription. Typically, it
	// can be set to redis.Pool.Dial or redisc.Cluster.Dial.
	Dial func() (redis.Conn, error)

	// Prefix is the prefix of the channels. Defaults to DefaultPrefix.
	Prefix string

	// LogFunc is the logging function to use. If nil, log.Printf
	// is used. It can be set to DiscardLog to disable logging.
	LogFunc func(string, ...interface{})

	// Vars can be set to an *expvar.Map to collect metrics about the
	// broker.
	Vars *expvar.Map
}

func (b *Broker) prefix() string {
	if b.Prefix == "" {
		return DefaultPrefix
	}
	return b.Prefix
}

func (b *Broker) addVar(name string, n int64) {
	if b.Vars != nil {
		b.Vars.Add(name, n)
	}
}

// Publish publishes ev to the subscribers of topic of every relaying
// server. It returns the number of servers that received it.
func (b *Broker) Publish(topic string, ev *Event) (int, error) {
	if topic == "" {
		return 0, errors.New("redisbroker: topic must not be empty")
	}
	p, err := json.Marshal(ev)
	if err != nil {
		return 0, err
	}

	rc := b.Pool.Get()
	defer rc.Close()

	// force selection of a random node (otherwise it would use
	// the node of the hash of the channel - which may hit the
	// same node over and over again if there are few channels).
	if bc, ok := rc.(binder); ok {
		// ignore the error, if it fails, use the connection as-is.
		// Bind without a key selects a random node.
		bc.Bind()
	}
	n, err := redis.Int(rc.Do("PUBLISH", b.prefix()+topic, p))
	if err == nil {
		b.addVar("PublishedEvents", 1)
	}
	return n, err
}

type binder interface {
	Bind(...string) error
}

func logf(fn func(string, ...interface{}), f string, args ...interface{}) {
	if fn != nil {
		fn(f, args...)
	} else {
		log.Printf(f, args...)
	}
}
