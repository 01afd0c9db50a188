// Package wswriter implements an exclusive writer for a websocket connection.
// It allows a single access to the writer end of the websocket connection
// at any given time.
package wswriter

import (
	"errors"
	"io"
	"time"

	"github.com/gorilla/websocket"
)

// ErrWriteLockTimeout is returned when a call to Write fails
// because the write lock of the connection cannot be acquired before
// the timeout.
var ErrWriteLockTimeout = errors.New("row: timed out waiting for write lock")

// Lock is the write lock of a websocket connection. It is a channel
// holding a single token so that acquiring it can be select'ed upon.
type Lock chan struct{}

// NewLock returns an available Lock.
func NewLock() Lock {
	l := make(Lock, 1)
	l <- struct{}{}
	return l
}

// Acquire waits for the lock, or until timeout if timeout > 0. It
// returns false if the lock was not acquired.
func (l Lock) Acquire(timeout time.Duration) bool {
	var wait <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		wait = t.C
	}

	select {
	case <-wait:
		return false
	case <-l:
		return true
	}
}

// Release releases the lock. It must only be called by the holder of
// the lock.
func (l Lock) Release() {
	l <- struct{}{}
}

// Options configures the writes on a connection.
type Options struct {
	// AcquireTimeout is the maximum time to wait for the write lock.
	// The default of 0 means no timeout.
	AcquireTimeout time.Duration

	// WriteTimeout is the write deadline set on the connection for
	// the duration of a message. The default of 0 means no timeout.
	WriteTimeout time.Duration

	// Limit is the maximum size of a message, if > 0.
	Limit int64
}

// Writer implements an io.WriteCloser that acquires the connection's write
// lock prior to writing.
type Writer struct {
	w       io.WriteCloser
	locked  bool
	msgType int
	lock    Lock
	opts    Options
	wsConn  *websocket.Conn
}

// Exclusive creates an exclusive websocket writer of messages of type
// msgType (websocket.TextMessage or websocket.BinaryMessage) on conn.
// It uses lock to serialize writers, and fails with an
// ErrWriteLockTimeout if it can't acquire it before
// opts.AcquireTimeout. The opts.Limit is not enforced by the Writer,
// see Limit and WriteMessage.
func Exclusive(conn *websocket.Conn, lock Lock, msgType int, opts Options) *Writer {
	return &Writer{
		msgType: msgType,
		lock:    lock,
		opts:    opts,
		wsConn:  conn,
	}
}

// Write writes a message to the websocket connection. The first call
// tries to acquire the exclusive writer lock, returning
// ErrWriteLockTimeout if it fails doing so before the timeout.
func (w *Writer) Write(p []byte) (int, error) {
	if !w.locked {
		if !w.lock.Acquire(w.opts.AcquireTimeout) {
			return 0, ErrWriteLockTimeout
		}

		// lock acquired, get next writer from the websocket connection
		w.locked = true
		if to := w.opts.WriteTimeout; to > 0 {
			w.wsConn.SetWriteDeadline(time.Now().Add(to))
		}
		wc, err := w.wsConn.NextWriter(w.msgType)
		if err != nil {
			return 0, err
		}
		w.w = wc
	}

	if w.w == nil {
		return 0, io.ErrClosedPipe
	}
	return w.w.Write(p)
}

// Close finishes writing the message to the websocket connection,
// and releases the exclusive write lock.
func (w *Writer) Close() error {
	if !w.locked {
		// no write, Close is a no-op
		return nil
	}

	var err error
	if w.w != nil {
		err = w.w.Close()
		w.wsConn.SetWriteDeadline(time.Time{})
	}

	w.locked = false
	w.w = nil
	w.lock.Release()
	return err
}

// WriteMessage writes p as a single message on conn while holding
// lock, enforcing the options. The error of the write, if any, is
// returned in priority over the error of closing the message.
func WriteMessage(conn *websocket.Conn, lock Lock, msgType int, p []byte, opts Options) error {
	w := Exclusive(conn, lock, msgType, opts)
	var lw io.Writer = w
	if opts.Limit > 0 {
		lw = Limit(w, opts.Limit)
	}
	_, err := lw.Write(p)
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	return err
}
