package row

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/psychogen-labs/row/endpoint"
	"github.com/psychogen-labs/row/internal/rowtest"
	"github.com/psychogen-labs/row/internal/wstest"
	"github.com/psychogen-labs/row/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, conf Config) *Server {
	if conf.LogFunc == nil {
		conf.LogFunc = (&rowtest.DebugLog{T: t}).Printf
	}
	srv, err := NewServer(conf)
	require.NoError(t, err, "NewServer")
	t.Cleanup(func() { srv.Shutdown(context.Background()) })
	return srv
}

func TestConnClose(t *testing.T) {
	eps := endpoint.NewRegistry()
	require.NoError(t, eps.Topic("/t"), "Topic")

	var closes int
	var mu sync.Mutex
	srv := newTestServer(t, Config{
		Endpoints: eps,
		Listener: ListenerFuncs{Close: func(*Conn, error) {
			mu.Lock()
			closes++
			mu.Unlock()
		}},
	})

	tr := rowtest.NewTransport()
	conn, err := srv.Open(tr, "a", message.JSON)
	require.NoError(t, err, "Open")
	assert.Equal(t, Open, conn.State(), "state after open")
	_, err = srv.subs.Subscribe("/t", "", conn)
	require.NoError(t, err, "Subscribe")

	kill := conn.CloseNotify()
	select {
	case <-kill:
		assert.Fail(t, "close channel should block until call to Close")
	default:
	}

	conn.Close(errors.New("a"))
	select {
	case <-kill:
	default:
		assert.Fail(t, "close channel should be unblocked after call to Close")
	}

	conn.Close(errors.New("b"))
	select {
	case <-kill:
	default:
		assert.Fail(t, "close channel should still be unblocked after subsequent call to Close")
	}

	assert.Equal(t, errors.New("a"), conn.CloseErr, "got expected close error")
	assert.Equal(t, Closed, conn.State(), "state after close")
	assert.True(t, tr.Closed(), "transport closed")
	assert.Empty(t, srv.sessions.ConnectionsOf("a"), "session removed")
	assert.Empty(t, srv.subs.SubscribersOf("/t"), "subscriptions removed")
	assert.Empty(t, conn.Topics(), "no topics")
	assert.Empty(t, srv.Conns(), "no conns")

	mu.Lock()
	assert.Equal(t, 1, closes, "listener notified once")
	mu.Unlock()
}

func TestConnSend(t *testing.T) {
	srv := newTestServer(t, Config{})

	tr := rowtest.NewTransport()
	conn, err := srv.Open(tr, "a", message.JSON)
	require.NoError(t, err, "Open")

	require.NoError(t, conn.Send(&message.Response{ID: "1", Status: message.OK}), "Send")
	res := tr.Next(t, message.JSON, time.Second)
	require.NotNil(t, res, "frame written")
	assert.Equal(t, "1", res.ID, "response id")

	// invalid body fails to encode, connection stays open
	err = conn.Send(&message.Response{ID: "2", Body: message.Body("{")})
	assert.True(t, errors.Is(err, ErrEncode), "encode error: %v", err)
	assert.False(t, conn.Closed(), "open after encode error")

	// transport failure closes the connection
	tr.WriteErr = errors.New("broken pipe")
	err = conn.Send(&message.Response{ID: "3"})
	assert.Equal(t, tr.WriteErr, err, "transport error")
	assert.True(t, conn.Closed(), "closed after transport error")
	assert.Equal(t, tr.WriteErr, conn.CloseErr, "close error")

	assert.Equal(t, ErrConnClosed, conn.Send(&message.Response{ID: "4"}), "send after close")
}

func TestConnTouch(t *testing.T) {
	srv := newTestServer(t, Config{})
	conn, err := srv.Open(rowtest.NewTransport(), "a", message.JSON)
	require.NoError(t, err, "Open")

	before := conn.LastSeen()
	time.Sleep(time.Millisecond)
	conn.Touch()
	assert.True(t, conn.LastSeen().After(before), "last seen updated")

	srv = newTestServer(t, Config{NoHeartbeats: true})
	conn, err = srv.Open(rowtest.NewTransport(), "a", message.JSON)
	require.NoError(t, err, "Open")

	before = conn.LastSeen()
	time.Sleep(time.Millisecond)
	conn.Touch()
	assert.Equal(t, before, conn.LastSeen(), "last seen not tracked")
}

func TestWSTransportExclusive(t *testing.T) {
	var buf bytes.Buffer
	done := make(chan bool, 1)
	srv := wstest.StartRecordingServer(t, done, &buf)
	defer srv.Close()

	wsc := wstest.Dial(t, srv.URL)
	defer wsc.Close()

	tr := newWSTransport(wsc, message.JSON.FrameType(), &Config{AcquireWriteLockTimeout: time.Second})

	n := 20
	wg := sync.WaitGroup{}
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, tr.WriteFrame([]byte(fmt.Sprintf("<%02d>", i))), "WriteFrame %d", i)
		}(i)
	}
	wg.Wait()
	require.NoError(t, tr.Close(), "Close")
	<-done

	// frames are never interleaved
	out := buf.String()
	require.Len(t, out, n*4, "all frames written")
	for i := 0; i < len(out); i += 4 {
		assert.Equal(t, byte('<'), out[i], "frame start at %d", i)
		assert.Equal(t, byte('>'), out[i+3], "frame end at %d", i)
	}
}

func TestWSTransportWriteLimit(t *testing.T) {
	done := make(chan bool, 1)
	srv := wstest.StartRecordingServer(t, done, &bytes.Buffer{})
	defer srv.Close()

	wsc := wstest.Dial(t, srv.URL)
	defer wsc.Close()

	tr := newWSTransport(wsc, message.JSON.FrameType(), &Config{WriteLimit: 4})
	assert.NoError(t, tr.WriteFrame([]byte("abcd")), "within limit")
	assert.Error(t, tr.WriteFrame([]byte("abcde")), "exceeds limit")
}
