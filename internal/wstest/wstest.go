// Package wstest provides websocket servers and dialers for tests.
package wstest

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// StartServer starts a websocket server that calls fn with each
// upgraded connection. The done channel receives true when fn
// returns. The URL field of the returned server uses the ws scheme.
func StartServer(t *testing.T, done chan<- bool, fn func(*websocket.Conn)) *httptest.Server {
	upg := &websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upg.Upgrade(w, r, nil)
		require.NoError(t, err, "Upgrade")
		defer conn.Close()

		fn(conn)
		done <- true
	}))
	srv.URL = strings.Replace(srv.URL, "http:", "ws:", 1)
	return srv
}

// StartRecordingServer starts a websocket server that writes every
// message it receives to w, until the connection is closed.
func StartRecordingServer(t *testing.T, done chan<- bool, w io.Writer) *httptest.Server {
	return StartServer(t, done, func(conn *websocket.Conn) {
		for {
			_, r, err := conn.NextReader()
			if err != nil {
				return
			}
			if _, err := io.Copy(w, r); err != nil {
				return
			}
		}
	})
}

// Dial connects to the websocket server at url.
func Dial(t *testing.T, url string) *websocket.Conn {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err, "Dial")
	return conn
}
