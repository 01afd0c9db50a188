package wswriter

import (
	"io"
	"testing"
	"testing/quick"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimitedWriter(t *testing.T) {
	t.Parallel()

	// use uint8 to keep size reasonable
	checker := func(limit, n uint8) bool {
		// create a limited writer with the specified limit
		w := Limit(io.Discard, int64(limit))
		// create the payload for each write, never empty so that
		// the loop terminates
		p := make([]byte, int(n)+1)

		var cnt, tot int
		var err error
		for {
			cnt, err = w.Write(p)
			tot += cnt
			if err != nil {
				break
			}
		}

		// property 1: the total number of bytes written cannot be > limit.
		if tot > int(limit) {
			return false
		}
		// property 2: by writing repeatedly, it necessarily terminates with
		// an ErrWriteLimitExceeded
		return err == ErrWriteLimitExceeded
	}
	assert.NoError(t, quick.Check(checker, nil))
}

func TestLock(t *testing.T) {
	t.Parallel()

	l := NewLock()
	require.True(t, l.Acquire(0))
	assert.False(t, l.Acquire(10*time.Millisecond), "lock is held")

	done := make(chan bool)
	go func() { done <- l.Acquire(time.Second) }()
	l.Release()
	assert.True(t, <-done, "acquired after release")
	l.Release()
}

func TestWriterLockTimeout(t *testing.T) {
	t.Parallel()

	l := NewLock()
	require.True(t, l.Acquire(0))
	defer l.Release()

	w := Exclusive(nil, l, websocket.TextMessage, Options{AcquireTimeout: 10 * time.Millisecond})
	_, err := w.Write([]byte("a"))
	assert.Equal(t, ErrWriteLockTimeout, err)
	assert.NoError(t, w.Close(), "close without lock is a no-op")
}
