// Package session implements the registry of live connections per
// authenticated identity. Two policies are provided: Single keeps at
// most one connection per identity, closing the previous one when a
// new connection registers, and Multi keeps every connection.
//
// A connection is never returned by a lookup once it reports being
// closed, even if it has not been unregistered yet.
package session

import (
	"errors"
	"sort"
	"sync"
)

// ErrReplaced is the close error of a connection that was replaced
// by a newer connection of the same identity under the Single policy.
var ErrReplaced = errors.New("row: session replaced by a new connection")

// Conn defines the methods required for a connection to be tracked by
// a Registry.
type Conn interface {
	ID() string
	Identity() string
	Closed() bool
	Close(error)
}

// Registry maps identities to live connections. Implementations are
// safe for concurrent use.
type Registry interface {
	// Register associates c with identity.
	Register(identity string, c Conn)

	// Unregister removes c from identity. It is a no-op if c is not
	// registered.
	Unregister(identity string, c Conn)

	// ConnectionsOf returns the live connections of identity, or an
	// empty slice if there are none.
	ConnectionsOf(identity string) []Conn

	// Identities returns the identities with at least one registered
	// connection.
	Identities() []string

	// Len returns the number of registered connections.
	Len() int
}

// New returns a Multi registry if multi is true, a Single registry
// otherwise.
func New(multi bool) Registry {
	if multi {
		return NewMulti()
	}
	return NewSingle()
}

var (
	_ Registry = (*Single)(nil)
	_ Registry = (*Multi)(nil)
)

// Single is a registry that keeps a single connection per identity.
type Single struct {
	mu    sync.RWMutex
	conns map[string]Conn
}

// NewSingle creates a single-session registry.
func NewSingle() *Single {
	return &Single{conns: make(map[string]Conn)}
}

// Register associates c with identity. If another connection was
// registered for identity, it is replaced and then closed with
// ErrReplaced. The swap happens before the close so that there is no
// window where identity has no connection.
func (s *Single) Register(identity string, c Conn) {
	s.mu.Lock()
	prev := s.conns[identity]
	s.conns[identity] = c
	s.mu.Unlock()

	if prev != nil && prev != c {
		prev.Close(ErrReplaced)
	}
}

// Unregister removes c if it is the current connection of identity.
func (s *Single) Unregister(identity string, c Conn) {
	s.mu.Lock()
	if cur, ok := s.conns[identity]; ok && cur == c {
		delete(s.conns, identity)
	}
	s.mu.Unlock()
}

// ConnectionsOf returns the connection of identity, if it is live.
func (s *Single) ConnectionsOf(identity string) []Conn {
	s.mu.RLock()
	c := s.conns[identity]
	s.mu.RUnlock()

	if c == nil || c.Closed() {
		return []Conn{}
	}
	return []Conn{c}
}

// Identities returns the registered identities, sorted.
func (s *Single) Identities() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Len returns the number of registered connections.
func (s *Single) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Multi is a registry that keeps any number of connections per
// identity.
type Multi struct {
	mu    sync.RWMutex
	conns map[string]map[string]Conn // identity -> conn ID -> conn
	n     int
}

// NewMulti creates a multi-session registry.
func NewMulti() *Multi {
	return &Multi{conns: make(map[string]map[string]Conn)}
}

// Register adds c to the connections of identity.
func (m *Multi) Register(identity string, c Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set := m.conns[identity]
	if set == nil {
		set = make(map[string]Conn)
		m.conns[identity] = set
	}
	if _, ok := set[c.ID()]; !ok {
		m.n++
	}
	set[c.ID()] = c
}

// Unregister removes c from the connections of identity.
func (m *Multi) Unregister(identity string, c Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set := m.conns[identity]
	if cur, ok := set[c.ID()]; ok && cur == c {
		delete(set, c.ID())
		m.n--
		if len(set) == 0 {
			delete(m.conns, identity)
		}
	}
}

// ConnectionsOf returns the live connections of identity, in no
// specific order.
func (m *Multi) ConnectionsOf(identity string) []Conn {
	m.mu.RLock()
	set := m.conns[identity]
	conns := make([]Conn, 0, len(set))
	for _, c := range set {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	live := conns[:0]
	for _, c := range conns {
		if !c.Closed() {
			live = append(live, c)
		}
	}
	return live
}

// Identities returns the registered identities, sorted.
func (m *Multi) Identities() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Len returns the number of registered connections.
func (m *Multi) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.n
}
