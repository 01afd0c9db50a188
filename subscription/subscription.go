// Package subscription implements the registry of topic subscriptions.
//
// Subscriptions are keyed by topic and by connection. Both indexes are
// sharded so that mutations on different topics do not contend on a
// single lock. Lookups return point-in-time snapshots that are safe to
// iterate while subscriptions change concurrently.
package subscription

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/pborman/uuid"
	"github.com/psychogen-labs/row/message"
)

// DefaultShards is the number of shards used when New is called with
// shards <= 0.
const DefaultShards = 32

// ErrSubscriberClosed is returned by Subscribe when the subscriber was
// closed while the subscription was being registered.
var ErrSubscriberClosed = errors.New("row: subscriber closed")

// Subscriber defines the methods required for a connection to
// subscribe to topics.
type Subscriber interface {
	ID() string
	Identity() string
	Closed() bool
}

// Validator validates topics before subscription.
type Validator interface {
	ValidTopic(topic string) bool
}

// ValidatorFunc is a function that implements Validator.
type ValidatorFunc func(string) bool

// ValidTopic implements Validator by calling fn.
func (fn ValidatorFunc) ValidTopic(topic string) bool {
	return fn(topic)
}

// AnyTopic is a Validator that accepts any non-empty topic.
var AnyTopic Validator = ValidatorFunc(func(topic string) bool { return topic != "" })

// Subscription is the relation between a topic and a connection. It
// is immutable once created.
type Subscription struct {
	ID       string
	Topic    string
	Event    string
	Identity string
	ConnID   string
	Created  time.Time
}

type shard struct {
	mu sync.Mutex
	m  map[string]map[string]*Subscription
}

// add stores sub as the k1/k2 entry unless there is one already, in
// which case the existing entry is returned. If closed is not nil and
// returns true, nothing is stored and nil is returned.
func (s *shard) add(k1, k2 string, sub *Subscription, closed func() bool) *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	if closed != nil && closed() {
		return nil
	}
	inner := s.m[k1]
	if inner == nil {
		inner = make(map[string]*Subscription)
		s.m[k1] = inner
	}
	if cur := inner[k2]; cur != nil {
		return cur
	}
	inner[k2] = sub
	return sub
}

// remove deletes the k1/k2 entry if it is sub (or any entry if sub is
// nil) and returns the removed subscription.
func (s *shard) remove(k1, k2 string, sub *Subscription) *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	inner := s.m[k1]
	cur := inner[k2]
	if cur == nil || (sub != nil && cur != sub) {
		return nil
	}
	delete(inner, k2)
	if len(inner) == 0 {
		delete(s.m, k1)
	}
	return cur
}

func (s *shard) snapshot(k1 string) []*Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	inner := s.m[k1]
	subs := make([]*Subscription, 0, len(inner))
	for _, sub := range inner {
		subs = append(subs, sub)
	}
	return subs
}

func (s *shard) take(k1 string) map[string]*Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	inner := s.m[k1]
	delete(s.m, k1)
	return inner
}

type shards []*shard

func newShards(n int) shards {
	ss := make(shards, n)
	for i := range ss {
		ss[i] = &shard{m: make(map[string]map[string]*Subscription)}
	}
	return ss
}

func (ss shards) of(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return ss[h.Sum32()%uint32(len(ss))]
}

// Registry is the subscription registry. It is safe for concurrent
// use.
type Registry struct {
	validator Validator
	byTopic   shards // topic -> conn ID -> subscription
	byConn    shards // conn ID -> topic -> subscription

	now func() time.Time
}

// New creates a registry that validates topics with v and uses the
// specified number of shards per index. If v is nil, AnyTopic is used.
func New(v Validator, shards int) *Registry {
	if v == nil {
		v = AnyTopic
	}
	if shards <= 0 {
		shards = DefaultShards
	}
	return &Registry{
		validator: v,
		byTopic:   newShards(shards),
		byConn:    newShards(shards),
		now:       time.Now,
	}
}

// Subscribe subscribes s to topic. The error wraps message.ErrInvalidPath
// if the topic is rejected by the registry's Validator. If s is already
// subscribed to topic, the existing subscription is returned.
func (r *Registry) Subscribe(topic, event string, s Subscriber) (*Subscription, error) {
	if !r.validator.ValidTopic(topic) {
		return nil, fmt.Errorf("%w: %s", message.ErrInvalidPath, topic)
	}

	connID := s.ID()
	sub := &Subscription{
		ID:       uuid.NewRandom().String(),
		Topic:    topic,
		Event:    event,
		Identity: s.Identity(),
		ConnID:   connID,
		Created:  r.now(),
	}
	// The connection index is updated first, and the closed state is
	// checked under the topic lock. A close sets the closed state
	// before purging the connection index, so either the purge sees
	// the subscription and removes it from the topic, or the check
	// sees the closed state and the topic never lists it.
	sub = r.byConn.of(connID).add(connID, topic, sub, nil)
	if r.byTopic.of(topic).add(topic, connID, sub, s.Closed) == nil {
		r.byConn.of(connID).remove(connID, topic, sub)
		return nil, ErrSubscriberClosed
	}
	return sub, nil
}

// Unsubscribe removes the subscription of the connection connID to
// topic. It returns the removed subscription, or nil if there was
// none, which is not an error.
func (r *Registry) Unsubscribe(topic, connID string) *Subscription {
	return r.remove(topic, connID, nil)
}

// UnsubscribeID removes the subscription identified by subID, if it
// is the subscription of the connection connID to topic. It returns
// the removed subscription, or nil if there was none.
func (r *Registry) UnsubscribeID(topic, connID, subID string) *Subscription {
	for _, sub := range r.byConn.of(connID).snapshot(connID) {
		if sub.ID == subID && sub.Topic == topic {
			return r.remove(topic, connID, sub)
		}
	}
	return nil
}

func (r *Registry) remove(topic, connID string, sub *Subscription) *Subscription {
	removed := r.byTopic.of(topic).remove(topic, connID, sub)
	if removed != nil {
		r.byConn.of(connID).remove(connID, topic, removed)
	}
	return removed
}

// RemoveAll removes all subscriptions of the connection connID, and
// returns the number of subscriptions removed.
func (r *Registry) RemoveAll(connID string) int {
	var n int
	for topic, sub := range r.byConn.of(connID).take(connID) {
		if r.byTopic.of(topic).remove(topic, connID, sub) != nil {
			n++
		}
	}
	return n
}

// SubscribersOf returns a snapshot of the subscriptions to topic, in
// no specific order.
func (r *Registry) SubscribersOf(topic string) []*Subscription {
	return r.byTopic.of(topic).snapshot(topic)
}

// Identities returns the distinct identities subscribed to topic,
// sorted.
func (r *Registry) Identities(topic string) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, sub := range r.SubscribersOf(topic) {
		if !seen[sub.Identity] {
			seen[sub.Identity] = true
			ids = append(ids, sub.Identity)
		}
	}
	sort.Strings(ids)
	return ids
}

// Topics returns the topics the connection connID is subscribed to,
// sorted.
func (r *Registry) Topics(connID string) []string {
	subs := r.byConn.of(connID).snapshot(connID)
	topics := make([]string, 0, len(subs))
	for _, sub := range subs {
		topics = append(topics, sub.Topic)
	}
	sort.Strings(topics)
	return topics
}

// Len returns the total number of subscriptions.
func (r *Registry) Len() int {
	var n int
	for _, s := range r.byTopic {
		s.mu.Lock()
		for _, inner := range s.m {
			n += len(inner)
		}
		s.mu.Unlock()
	}
	return n
}
