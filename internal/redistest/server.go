// Package redistest provides test helpers to run a redis server.
package redistest

import (
	"io"
	"net"
	"os/exec"
	"testing"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/stretchr/testify/require"
)

// StartServer starts a redis-server instance on a free port and
// registers its termination with t.Cleanup. It returns the address
// of the server. If the redis-server command is not found in the
// PATH, the test is skipped. If w is not nil, both stdout and stderr
// of the server are written to it.
func StartServer(t *testing.T, w io.Writer) string {
	if _, err := exec.LookPath("redis-server"); err != nil {
		t.Skip("redis-server not found in $PATH")
	}

	port := getFreePort(t)
	c := exec.Command("redis-server", "--port", port, "--save", "", "--appendonly", "no")
	if w != nil {
		c.Stderr = w
		c.Stdout = w
	}
	require.NoError(t, c.Start(), "start redis-server")
	t.Cleanup(func() {
		c.Process.Kill()
		c.Wait()
	})

	// wait for the server to start accepting connections
	addr := net.JoinHostPort("127.0.0.1", port)
	var ok bool
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, time.Second)
		if err == nil {
			ok = true
			conn.Close()
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.True(t, ok, "wait for redis-server to start")

	t.Logf("redis-server started on %s", addr)
	return addr
}

func getFreePort(t *testing.T) string {
	l, err := net.Listen("tcp", ":0")
	require.NoError(t, err, "listen on port 0")
	defer l.Close()
	_, p, err := net.SplitHostPort(l.Addr().String())
	require.NoError(t, err, "parse host and port")
	return p
}

// NewPool creates a redis pool to return connections on the specified
// addr. The pool is closed when the test ends.
func NewPool(t *testing.T, addr string) *redis.Pool {
	p := &redis.Pool{
		MaxIdle:     2,
		MaxActive:   10,
		IdleTimeout: time.Minute,
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", addr)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			_, err := c.Do("PING")
			return err
		},
	}
	t.Cleanup(func() { p.Close() })
	return p
}
