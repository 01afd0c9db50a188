package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpText(t *testing.T) {
	t.Parallel()

	for _, op := range AllOps {
		b, err := op.MarshalText()
		require.NoError(t, err, "MarshalText %s", op)

		var got Op
		require.NoError(t, got.UnmarshalText(b), "UnmarshalText %s", op)
		assert.Equal(t, op, got, "round trip %s", op)
	}

	op, err := ParseOp(" subscribe ")
	require.NoError(t, err, "ParseOp")
	assert.Equal(t, Subscribe, op)

	_, err = ParseOp("publish")
	assert.Error(t, err, "unknown op")

	_, err = Op(0).MarshalText()
	assert.Error(t, err, "zero op")
	assert.Equal(t, fmt.Sprintf("<unknown: %d>", 42), Op(42).String())
}

func TestStatusString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "OK", OK.String())
	assert.Equal(t, "NOT_FOUND", NotFound.String())
	assert.Equal(t, "STATUS_418", Status(418).String())
}

func TestDecode(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		allowed []Op
		wantErr bool
	}{
		{`{"id":"1","path":"/a","op":"INVOKE","body":{"x":1}}`, nil, false},
		{`{"path":"/a","op":"subscribe"}`, nil, false},
		{`{"path":"/a","op":"UNSUBSCRIBE","headers":{"X-Subscription-Id":"s"}}`, nil, false},
		{`{"path":"/a","op":"INVOKE"}`, []Op{Subscribe}, true},
		{`{"path":"/a","op":"SUBSCRIBE"}`, []Op{Subscribe, Unsubscribe}, false},
		{`{"path":"","op":"INVOKE"}`, nil, true},
		{`{"path":"/a"}`, nil, true},
		{`{"path":"/a","op":"PUBLISH"}`, nil, true},
		{`{"path":"/a","op":1}`, nil, true},
		{`not json`, nil, true},
	}
	for i, c := range cases {
		_, err := Decode(JSON, []byte(c.in), c.allowed...)
		if !assert.Equal(t, c.wantErr, err != nil, "%d", i) {
			t.Logf("%d: want error? %t, got %v", i, c.wantErr, err)
		}
		if err != nil {
			assert.True(t, errors.Is(err, ErrDecode), "%d: error wraps ErrDecode", i)
		}
	}
}

func TestCodecs(t *testing.T) {
	t.Parallel()

	for _, c := range Codecs {
		body, err := c.MarshalBody(map[string]interface{}{"event": "created"})
		require.NoError(t, err, "%s: MarshalBody", c.Name())

		req := &Request{
			ID:      "r1",
			Path:    "/orders/42",
			Op:      Subscribe,
			Headers: map[string]string{SubscriptionEventHeader: "created"},
			Body:    body,
		}
		b, err := c.EncodeRequest(req)
		require.NoError(t, err, "%s: EncodeRequest", c.Name())
		got, err := Decode(c, b)
		require.NoError(t, err, "%s: Decode", c.Name())
		assert.Equal(t, req.ID, got.ID, "%s: ID", c.Name())
		assert.Equal(t, req.Op, got.Op, "%s: Op", c.Name())
		assert.Equal(t, req.Path, got.Path, "%s: Path", c.Name())
		assert.Equal(t, "created", got.Header(SubscriptionEventHeader), "%s: header", c.Name())

		var v map[string]interface{}
		require.NoError(t, c.UnmarshalBody(got.Body, &v), "%s: UnmarshalBody", c.Name())
		assert.Equal(t, "created", v["event"], "%s: body", c.Name())

		res := NewPush("/orders/42", body)
		res.SetHeader(SubscriptionIDHeader, "s1")
		b, err = c.EncodeResponse(res)
		require.NoError(t, err, "%s: EncodeResponse", c.Name())
		gotRes, err := c.DecodeResponse(b)
		require.NoError(t, err, "%s: DecodeResponse", c.Name())
		assert.True(t, gotRes.IsPush(), "%s: IsPush", c.Name())
		assert.Equal(t, OK, gotRes.Status, "%s: Status", c.Name())
		assert.Equal(t, "s1", gotRes.Header(SubscriptionIDHeader), "%s: sub id", c.Name())
		assert.Equal(t, "/orders/42", gotRes.Header(TopicHeader), "%s: topic", c.Name())
	}

	assert.Equal(t, JSON, CodecFor("json"))
	assert.Equal(t, CBOR, CodecFor("cbor"))
	assert.Nil(t, CodecFor("xml"))
}

func TestJSONBodyIsRaw(t *testing.T) {
	t.Parallel()

	res := NewResponse(&Request{ID: "x"})
	res.Body = Body(`{"event":"created"}`)
	b, err := JSON.EncodeResponse(res)
	require.NoError(t, err, "EncodeResponse")
	assert.Contains(t, string(b), `"body":{"event":"created"}`)

	res.Body = Body("not json")
	_, err = JSON.EncodeResponse(res)
	assert.Error(t, err, "invalid raw JSON body")
}

func TestToBody(t *testing.T) {
	t.Parallel()

	b, err := ToBody(JSON, nil)
	require.NoError(t, err)
	assert.Nil(t, b)

	b, err = ToBody(JSON, json.RawMessage(`[1]`))
	require.NoError(t, err)
	assert.Equal(t, Body(`[1]`), b)

	b, err = ToBody(JSON, struct {
		Event string `json:"event"`
	}{"created"})
	require.NoError(t, err)
	assert.Equal(t, Body(`{"event":"created"}`), b)

	_, err = ToBody(JSON, make(chan int))
	assert.Error(t, err, "unsupported type")

	_, err = ToBody(JSON, json.RawMessage(`{`))
	assert.Error(t, err, "invalid raw JSON")
}

func TestToBodyBytes(t *testing.T) {
	t.Parallel()

	for _, c := range Codecs {
		b, err := ToBody(c, []byte("created"))
		require.NoError(t, err, "%s: ToBody", c.Name())

		res := &Response{Status: OK, Body: b}
		p, err := c.EncodeResponse(res)
		require.NoError(t, err, "%s: EncodeResponse", c.Name())
		got, err := c.DecodeResponse(p)
		require.NoError(t, err, "%s: DecodeResponse", c.Name())

		var v []byte
		require.NoError(t, c.UnmarshalBody(got.Body, &v), "%s: UnmarshalBody", c.Name())
		assert.Equal(t, "created", string(v), "%s: bytes", c.Name())
	}
}

func TestToBodyAcrossCodecs(t *testing.T) {
	t.Parallel()

	want := map[string]interface{}{"event": "created"}
	for _, from := range Codecs {
		src, err := from.MarshalBody(want)
		require.NoError(t, err, "%s: MarshalBody", from.Name())

		for _, to := range Codecs {
			b, err := ToBody(to, Encoded{Codec: from, Body: src})
			require.NoError(t, err, "%s to %s: ToBody", from.Name(), to.Name())

			var got map[string]interface{}
			require.NoError(t, to.UnmarshalBody(b, &got), "%s to %s: UnmarshalBody", from.Name(), to.Name())
			assert.Equal(t, want, got, "%s to %s", from.Name(), to.Name())
		}
	}

	b, err := ToBody(CBOR, json.RawMessage(`{"event":"created"}`))
	require.NoError(t, err, "raw JSON to CBOR")
	var got map[string]interface{}
	require.NoError(t, CBOR.UnmarshalBody(b, &got), "UnmarshalBody")
	assert.Equal(t, want, got, "raw JSON to CBOR")

	_, err = ToBody(JSON, Encoded{Codec: CBOR, Body: Body{0xff}})
	assert.Error(t, err, "malformed source")
}
