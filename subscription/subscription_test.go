package subscription

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"testing/quick"

	"github.com/psychogen-labs/row/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSub struct {
	id, identity string
	closed       int32
}

func (f *fakeSub) ID() string       { return f.id }
func (f *fakeSub) Identity() string { return f.identity }
func (f *fakeSub) Closed() bool     { return atomic.LoadInt32(&f.closed) == 1 }

func TestSubscribeUnsubscribe(t *testing.T) {
	t.Parallel()

	reg := New(nil, 4)
	a, b := &fakeSub{id: "c1", identity: "alice"}, &fakeSub{id: "c2", identity: "bob"}

	sa, err := reg.Subscribe("/orders/42", "created", a)
	require.NoError(t, err, "Subscribe a")
	assert.NotEmpty(t, sa.ID)
	assert.Equal(t, "alice", sa.Identity)
	assert.Equal(t, "created", sa.Event)

	again, err := reg.Subscribe("/orders/42", "", a)
	require.NoError(t, err, "Subscribe a again")
	assert.Equal(t, sa, again, "existing subscription returned")

	_, err = reg.Subscribe("/orders/42", "", b)
	require.NoError(t, err, "Subscribe b")

	assert.Equal(t, []string{"alice", "bob"}, reg.Identities("/orders/42"))
	assert.Len(t, reg.SubscribersOf("/orders/42"), 2)
	assert.Equal(t, 2, reg.Len())

	assert.Equal(t, sa, reg.Unsubscribe("/orders/42", "c1"))
	assert.Equal(t, []string{"bob"}, reg.Identities("/orders/42"))
	assert.Empty(t, reg.Topics("c1"))

	// idempotent
	assert.Nil(t, reg.Unsubscribe("/orders/42", "c1"))
	assert.Nil(t, reg.Unsubscribe("/never", "c9"))
	assert.Equal(t, 1, reg.Len())
}

func TestUnsubscribeID(t *testing.T) {
	t.Parallel()

	reg := New(nil, 0)
	a, b := &fakeSub{id: "c1", identity: "alice"}, &fakeSub{id: "c2", identity: "bob"}
	sa, err := reg.Subscribe("/t", "", a)
	require.NoError(t, err)

	assert.Nil(t, reg.UnsubscribeID("/t", "c2", sa.ID), "belongs to another connection")
	assert.Nil(t, reg.UnsubscribeID("/u", "c1", sa.ID), "belongs to another topic")
	assert.Len(t, reg.SubscribersOf("/t"), 1)

	_, err = reg.Subscribe("/t", "", b)
	require.NoError(t, err)
	assert.Equal(t, sa, reg.UnsubscribeID("/t", "c1", sa.ID))
	assert.Nil(t, reg.UnsubscribeID("/t", "c1", sa.ID))
	assert.Equal(t, []string{"bob"}, reg.Identities("/t"))
}

func TestInvalidTopic(t *testing.T) {
	t.Parallel()

	reg := New(ValidatorFunc(func(s string) bool { return strings.HasPrefix(s, "/orders/") }), 0)
	_, err := reg.Subscribe("/unknown", "", &fakeSub{id: "c1"})
	if assert.Error(t, err) {
		assert.True(t, errors.Is(err, message.ErrInvalidPath))
	}
	assert.Equal(t, 0, reg.Len())
}

func TestRemoveAll(t *testing.T) {
	t.Parallel()

	reg := New(nil, 4)
	a, b := &fakeSub{id: "c1", identity: "alice"}, &fakeSub{id: "c2", identity: "bob"}
	for i := 0; i < 10; i++ {
		topic := fmt.Sprintf("/t/%d", i)
		_, err := reg.Subscribe(topic, "", a)
		require.NoError(t, err)
		_, err = reg.Subscribe(topic, "", b)
		require.NoError(t, err)
	}
	assert.Len(t, reg.Topics("c1"), 10)

	assert.Equal(t, 10, reg.RemoveAll("c1"))
	assert.Equal(t, 0, reg.RemoveAll("c1"))
	for i := 0; i < 10; i++ {
		assert.Equal(t, []string{"bob"}, reg.Identities(fmt.Sprintf("/t/%d", i)))
	}
	assert.Equal(t, 10, reg.Len())
}

func TestSubscribeClosed(t *testing.T) {
	t.Parallel()

	reg := New(nil, 0)
	s := &fakeSub{id: "c1", identity: "alice", closed: 1}
	_, err := reg.Subscribe("/t", "", s)
	assert.Equal(t, ErrSubscriberClosed, err)
	assert.Empty(t, reg.SubscribersOf("/t"))
	assert.Empty(t, reg.Topics("c1"))
}

func TestSubscribeRacesRemoveAll(t *testing.T) {
	t.Parallel()

	reg := New(nil, 8)
	for i := 0; i < 50; i++ {
		s := &fakeSub{id: fmt.Sprintf("c%d", i), identity: "u"}

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				reg.Subscribe(fmt.Sprintf("/t/%d", j), "", s)
			}
		}()
		go func() {
			defer wg.Done()
			atomic.StoreInt32(&s.closed, 1)
			reg.RemoveAll(s.id)
		}()
		wg.Wait()

		assert.Empty(t, reg.Topics(s.id), "conn %s", s.id)
	}
	assert.Equal(t, 0, reg.Len())
}

func TestNotSubscribedAfterRemoveAll(t *testing.T) {
	t.Parallel()

	reg := New(nil, 4)
	for i := 0; i < 50; i++ {
		s := &fakeSub{id: fmt.Sprintf("c%d", i), identity: "u"}

		var wg sync.WaitGroup
		var leaked []string
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				reg.Subscribe(fmt.Sprintf("/t/%d", j), "", s)
			}
		}()
		go func() {
			defer wg.Done()
			atomic.StoreInt32(&s.closed, 1)
			reg.RemoveAll(s.id)

			// checked right after the purge, the subscriber may still
			// be subscribing
			for j := 0; j < 20; j++ {
				topic := fmt.Sprintf("/t/%d", j)
				for _, sub := range reg.SubscribersOf(topic) {
					if sub.ConnID == s.id {
						leaked = append(leaked, topic)
					}
				}
			}
		}()
		wg.Wait()

		assert.Empty(t, leaked, "conn %s", s.id)
	}
	assert.Equal(t, 0, reg.Len())
}

func TestSubscribedUntilUnsubscribed(t *testing.T) {
	t.Parallel()

	reg := New(nil, 0)
	checker := func(topic, identity string) bool {
		topic = "/" + topic
		s := &fakeSub{id: "conn-" + identity, identity: identity}
		if _, err := reg.Subscribe(topic, "", s); err != nil {
			return false
		}
		if !containsStr(reg.Identities(topic), identity) {
			return false
		}
		reg.Unsubscribe(topic, s.id)
		for _, sub := range reg.SubscribersOf(topic) {
			if sub.ConnID == s.id {
				return false
			}
		}
		return true
	}
	assert.NoError(t, quick.Check(checker, nil))
}

func containsStr(list []string, v string) bool {
	for _, vv := range list {
		if vv == v {
			return true
		}
	}
	return false
}
