package endpoint

import (
	"context"
	"errors"
	"testing"

	"github.com/psychogen-labs/row/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var okHandler = HandlerFunc(func(ctx context.Context, req *message.Request, params Params) (*message.Response, error) {
	return message.NewResponse(req), nil
})

func TestResolve(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	require.NoError(t, r.Handle("/orders", okHandler))
	require.NoError(t, r.Handle("/orders/{id}", okHandler, Subscribable(SubscribePost)))
	require.NoError(t, r.Handle("/orders/latest", okHandler))
	require.NoError(t, r.Topic("/files/*"))

	cases := []struct {
		path    string
		pattern string
		params  Params
	}{
		{"/orders", "/orders", nil},
		{"orders/", "/orders", nil},
		{"/orders/42", "/orders/{id}", Params{"id": "42"}},
		{"/orders/latest", "/orders/latest", nil},
		{"/files/a/b/c", "/files/*", Params{"*": "a/b/c"}},
		{"/unknown", "", nil},
		{"/orders/42/items", "", nil},
	}
	for _, c := range cases {
		rt, params, err := r.Resolve(c.path)
		if c.pattern == "" {
			if assert.Error(t, err, c.path) {
				assert.True(t, errors.Is(err, message.ErrInvalidPath), c.path)
			}
			continue
		}
		if assert.NoError(t, err, c.path) {
			assert.Equal(t, c.pattern, rt.Pattern, c.path)
			assert.Equal(t, c.params, params, c.path)
		}
	}
}

func TestValidTopic(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	require.NoError(t, r.Handle("/echo", okHandler))
	require.NoError(t, r.Topic("/orders/{id}"))

	assert.True(t, r.ValidTopic("/orders/42"))
	assert.False(t, r.ValidTopic("/echo"), "not subscribable")
	assert.False(t, r.ValidTopic("/unknown"))
}

func TestHandleErrors(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	assert.Error(t, r.Handle("orders", okHandler), "no leading slash")
	assert.Error(t, r.Handle("/orders", nil), "no handler, not a topic")
	assert.Error(t, r.Handle("/a/*/b", okHandler), "* not last")
	require.NoError(t, r.Handle("/orders", okHandler))
	assert.Error(t, r.Handle("/orders", okHandler), "duplicate")
	assert.Len(t, r.Routes(), 1)
}
