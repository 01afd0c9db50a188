package row_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/psychogen-labs/row"
	"github.com/psychogen-labs/row/dispatch"
	"github.com/psychogen-labs/row/endpoint"
	"github.com/psychogen-labs/row/internal/rowtest"
	"github.com/psychogen-labs/row/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func topics(t *testing.T, patterns ...string) *endpoint.Registry {
	eps := endpoint.NewRegistry()
	for _, p := range patterns {
		require.NoError(t, eps.Topic(p), "Topic %s", p)
	}
	return eps
}

func subscribe(t *testing.T, srv *row.Server, c *row.Conn, tr *rowtest.Transport, topic, event string) string {
	req := &message.Request{ID: "sub-" + topic, Path: topic, Op: message.Subscribe}
	if event != "" {
		req.Headers = map[string]string{message.SubscriptionEventHeader: event}
	}
	res := do(t, srv, c, tr, req)
	require.Equal(t, message.OK, res.Status, "subscribe %s", topic)
	return res.Header(message.SubscriptionIDHeader)
}

func TestPublishRouting(t *testing.T) {
	srv := newServer(t, row.Config{Endpoints: topics(t, "/orders/{id}")})
	a, atr := open(t, srv, "a")
	b, btr := open(t, srv, "b")

	subID := subscribe(t, srv, a, atr, "/orders/42", "")
	subscribe(t, srv, b, btr, "/orders/43", "")

	n := srv.Publisher().Publish("/orders/42", "", map[string]int{"qty": 3})
	assert.Equal(t, 1, n, "scheduled deliveries")

	res := atr.Next(t, message.JSON, time.Second)
	require.NotNil(t, res, "push to a")
	assert.True(t, res.IsPush(), "is push")
	assert.Empty(t, res.ID, "no id")
	assert.Equal(t, "/orders/42", res.Header(message.TopicHeader), "topic")
	assert.Equal(t, subID, res.Header(message.SubscriptionIDHeader), "subscription id")
	assert.JSONEq(t, `{"qty":3}`, string(res.Body), "body")

	assert.Nil(t, btr.Next(t, message.JSON, 50*time.Millisecond), "no push to b")

	// no subscriber, no delivery
	assert.Equal(t, 0, srv.Publisher().Publish("/orders/44", "", nil), "no subscriber")
}

func TestPublishEvents(t *testing.T) {
	srv := newServer(t, row.Config{Endpoints: topics(t, "/t")})
	all, alltr := open(t, srv, "all")
	created, ctr := open(t, srv, "created")

	subscribe(t, srv, all, alltr, "/t", "")
	subscribe(t, srv, created, ctr, "/t", "created")

	assert.Equal(t, 1, srv.Publisher().Publish("/t", "deleted", "x"), "deleted")
	res := alltr.Next(t, message.JSON, time.Second)
	require.NotNil(t, res, "deleted to all")
	assert.Equal(t, "deleted", res.Header(message.SubscriptionEventHeader), "event header")

	assert.Equal(t, 2, srv.Publisher().Publish("/t", "created", "y"), "created")
	require.NotNil(t, alltr.Next(t, message.JSON, time.Second), "created to all")
	res = ctr.Next(t, message.JSON, time.Second)
	require.NotNil(t, res, "created to created")
	assert.Equal(t, `"y"`, string(res.Body), "body")
	assert.Nil(t, ctr.Next(t, message.JSON, 50*time.Millisecond), "nothing else")
}

func TestPublishTo(t *testing.T) {
	srv := newServer(t, row.Config{Endpoints: topics(t, "/t")})
	a, atr := open(t, srv, "a")
	b, btr := open(t, srv, "b")
	subscribe(t, srv, a, atr, "/t", "")
	subscribe(t, srv, b, btr, "/t", "")

	assert.Equal(t, 1, srv.Publisher().PublishTo("/t", "", 1, "b", "c"), "scheduled")
	require.NotNil(t, btr.Next(t, message.JSON, time.Second), "push to b")
	assert.Nil(t, atr.Next(t, message.JSON, 50*time.Millisecond), "no push to a")

	assert.Equal(t, 0, srv.Publisher().PublishTo("/t", "", 1), "no identity")
}

func TestSendRaw(t *testing.T) {
	srv := newServer(t, row.Config{})
	_, tr1 := open(t, srv, "a")
	_, tr2 := open(t, srv, "a")
	_, tr3 := open(t, srv, "b")

	assert.Equal(t, 2, srv.Publisher().SendRaw("a", "hello"), "scheduled")
	for i, tr := range []*rowtest.Transport{tr1, tr2} {
		res := tr.Next(t, message.JSON, time.Second)
		require.NotNil(t, res, "%d: push", i)
		assert.True(t, res.IsPush(), "%d: is push", i)
		assert.Empty(t, res.Header(message.TopicHeader), "%d: no topic", i)
		assert.Equal(t, `"hello"`, string(res.Body), "%d: body", i)
	}
	assert.Nil(t, tr3.Next(t, message.JSON, 50*time.Millisecond), "no push to b")
}

func TestPublishCodecs(t *testing.T) {
	srv := newServer(t, row.Config{Endpoints: topics(t, "/t")})
	jc, jtr := open(t, srv, "json")
	subscribe(t, srv, jc, jtr, "/t", "")

	ctr := subscribeCBOR(t, srv, "/t")

	payload := map[string]interface{}{"name": "x"}
	assert.Equal(t, 2, srv.Publisher().Publish("/t", "", payload), "scheduled")

	var got map[string]interface{}
	res := jtr.Next(t, message.JSON, time.Second)
	require.NotNil(t, res, "json push")
	require.NoError(t, message.JSON.UnmarshalBody(res.Body, &got), "json body")
	assert.Equal(t, payload, got, "json payload")

	got = nil
	res = ctr.Next(t, message.CBOR, time.Second)
	require.NotNil(t, res, "cbor push")
	require.NoError(t, message.CBOR.UnmarshalBody(res.Body, &got), "cbor body")
	assert.Equal(t, payload, got, "cbor payload")
}

func subscribeCBOR(t *testing.T, srv *row.Server, topic string) *rowtest.Transport {
	tr := rowtest.NewTransport()
	c, err := srv.Open(tr, "cbor", message.CBOR)
	require.NoError(t, err, "Open cbor")
	p, err := message.CBOR.EncodeRequest(&message.Request{ID: "1", Path: topic, Op: message.Subscribe})
	require.NoError(t, err, "EncodeRequest")
	srv.HandleFrame(c, p)
	res := tr.Next(t, message.CBOR, time.Second)
	require.NotNil(t, res, "subscribe response")
	require.Equal(t, message.OK, res.Status, "subscribe status")
	return tr
}

func TestPublishBytesAndRawJSON(t *testing.T) {
	var mu sync.Mutex
	var errs []error
	srv := newServer(t, row.Config{
		Endpoints: topics(t, "/orders/{id}"),
		Listener: row.ListenerFuncs{Error: func(c *row.Conn, err error) {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}},
	})
	jc, jtr := open(t, srv, "json")
	subscribe(t, srv, jc, jtr, "/orders/42", "")
	ctr := subscribeCBOR(t, srv, "/orders/42")

	assert.Equal(t, 2, srv.Publisher().Publish("/orders/42", "", []byte("created")), "scheduled bytes")

	var b []byte
	res := jtr.Next(t, message.JSON, time.Second)
	require.NotNil(t, res, "json push")
	require.NoError(t, message.JSON.UnmarshalBody(res.Body, &b), "json body")
	assert.Equal(t, "created", string(b), "json bytes")

	b = nil
	res = ctr.Next(t, message.CBOR, time.Second)
	require.NotNil(t, res, "cbor push")
	require.NoError(t, message.CBOR.UnmarshalBody(res.Body, &b), "cbor body")
	assert.Equal(t, "created", string(b), "cbor bytes")

	assert.Equal(t, 2, srv.Publisher().Publish("/orders/42", "", json.RawMessage(`{"qty":3}`)), "scheduled raw JSON")

	res = jtr.Next(t, message.JSON, time.Second)
	require.NotNil(t, res, "json push")
	assert.JSONEq(t, `{"qty":3}`, string(res.Body), "json raw body")

	var v map[string]interface{}
	res = ctr.Next(t, message.CBOR, time.Second)
	require.NotNil(t, res, "cbor push")
	require.NoError(t, message.CBOR.UnmarshalBody(res.Body, &v), "cbor body")
	assert.EqualValues(t, 3, v["qty"], "cbor raw body")

	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, errs, "no delivery failure")
}

func TestPublishFaultIsolation(t *testing.T) {
	var (
		mu     sync.Mutex
		errs   []*row.DeliveryError
		failed = errors.New("broken pipe")
	)
	srv := newServer(t, row.Config{
		Endpoints: topics(t, "/t"),
		Dispatch:  dispatch.Config{CoreWorkers: 2, MaxWorkers: 4, QueueSize: 4, KeepAlive: time.Second},
		Listener: row.ListenerFuncs{Error: func(c *row.Conn, err error) {
			var derr *row.DeliveryError
			if errors.As(err, &derr) {
				mu.Lock()
				errs = append(errs, derr)
				mu.Unlock()
			}
		}},
	})

	n := 10
	conns := make([]*row.Conn, n)
	trs := make([]*rowtest.Transport, n)
	for i := 0; i < n; i++ {
		conns[i], trs[i] = open(t, srv, fmt.Sprintf("id%d", i))
		subscribe(t, srv, conns[i], trs[i], "/t", "")
	}
	trs[0].WriteErr = failed
	trs[1].Delay = 100 * time.Millisecond

	assert.Equal(t, n, srv.Publisher().Publish("/t", "", "x"), "scheduled")
	for i := 1; i < n; i++ {
		res := trs[i].Next(t, message.JSON, time.Second)
		if assert.NotNil(t, res, "%d: push", i) {
			assert.Equal(t, `"x"`, string(res.Body), "%d: body", i)
		}
	}

	require.Eventually(t, conns[0].Closed, time.Second, 5*time.Millisecond, "failed connection closed")
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, errs, 1, "delivery errors")
	assert.Equal(t, conns[0].ID(), errs[0].ConnID, "failed connection")
	assert.Equal(t, "/t", errs[0].Topic, "topic")
	assert.True(t, errors.Is(errs[0], failed), "wraps transport error")
}

func TestPublishClosedNotDelivered(t *testing.T) {
	var reported int
	var mu sync.Mutex
	srv := newServer(t, row.Config{
		Endpoints: topics(t, "/t"),
		Listener: row.ListenerFuncs{Error: func(*row.Conn, error) {
			mu.Lock()
			reported++
			mu.Unlock()
		}},
	})
	a, atr := open(t, srv, "a")
	subscribe(t, srv, a, atr, "/t", "")
	a.Close(nil)

	assert.Equal(t, 0, srv.Publisher().Publish("/t", "", "x"), "no delivery")
	assert.Empty(t, srv.Subscriptions().SubscribersOf("/t"), "subscriptions purged")
	mu.Lock()
	assert.Equal(t, 0, reported, "no error reported")
	mu.Unlock()
}

func TestPublishSaturated(t *testing.T) {
	srv := newServer(t, row.Config{
		Endpoints: topics(t, "/t"),
		Dispatch:  dispatch.Config{CoreWorkers: 1, MaxWorkers: 1, QueueSize: 1, KeepAlive: time.Second},
	})
	c, tr := open(t, srv, "a")
	subscribe(t, srv, c, tr, "/t", "")
	tr.Delay = 5 * time.Millisecond

	// the publishing goroutine runs deliveries itself once the queue
	// is full, none is lost.
	n := 20
	for i := 0; i < n; i++ {
		srv.Publisher().Publish("/t", "", i)
	}
	for i := 0; i < n; i++ {
		require.NotNil(t, tr.Next(t, message.JSON, time.Second), "push %d", i)
	}
}
