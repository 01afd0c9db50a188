package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"
)

// Sentinel errors that map to response statuses.
var (
	// ErrDecode is returned (wrapped) when a frame cannot be decoded
	// into a valid Request.
	ErrDecode = errors.New("row: malformed request")

	// ErrInvalidPath is returned (wrapped) when a request targets a
	// path that has no registered endpoint or topic.
	ErrInvalidPath = errors.New("row: invalid path")
)

// Codec decodes requests from and encodes responses to wire frames.
type Codec interface {
	// Name is the codec name, used as suffix of the websocket
	// subprotocol (e.g. "json" for "row.json").
	Name() string

	// FrameType is the websocket message type used for frames of
	// this codec (websocket.TextMessage or websocket.BinaryMessage).
	FrameType() int

	// DecodeRequest decodes a Request. The returned error wraps
	// ErrDecode if the frame is malformed.
	DecodeRequest(p []byte) (*Request, error)

	// EncodeResponse encodes a Response.
	EncodeResponse(r *Response) ([]byte, error)

	// DecodeResponse and EncodeRequest are used by clients.
	DecodeResponse(p []byte) (*Response, error)
	EncodeRequest(r *Request) ([]byte, error)

	// MarshalBody encodes an arbitrary value as a Body.
	MarshalBody(v interface{}) (Body, error)

	// UnmarshalBody decodes a Body into v.
	UnmarshalBody(b Body, v interface{}) error
}

// Decode decodes the frame p using c and validates it. If allowed is
// not empty, the request's operation must be one of those.
func Decode(c Codec, p []byte, allowed ...Op) (*Request, error) {
	req, err := c.DecodeRequest(p)
	if err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return req, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if len(allowed) > 0 && !isInOp(allowed, req.Op) {
		return req, fmt.Errorf("%w: operation %s not allowed", ErrDecode, req.Op)
	}
	return req, nil
}

func isInOp(list []Op, v Op) bool {
	for _, vv := range list {
		if vv == v {
			return true
		}
	}
	return false
}

// Encoded is a payload already encoded with Codec, such as the body
// of a request. ToBody converts it if the target codec differs.
type Encoded struct {
	Codec Codec
	Body  Body
}

// ToBody returns v as a Body of codec c. A Body is returned as-is and
// must already be encoded with c. An Encoded value or a
// json.RawMessage is re-encoded when it is not in c's encoding. Any
// other value, including a []byte, is encoded with c.
func ToBody(c Codec, v interface{}) (Body, error) {
	switch v := v.(type) {
	case nil:
		return nil, nil
	case Body:
		return v, nil
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, errors.New("message: invalid JSON payload")
		}
		return ToBody(c, Encoded{Codec: JSON, Body: Body(v)})
	case Encoded:
		if len(v.Body) == 0 {
			return nil, nil
		}
		if v.Codec == nil || v.Codec.Name() == c.Name() {
			return v.Body, nil
		}
		var x interface{}
		if err := v.Codec.UnmarshalBody(v.Body, &x); err != nil {
			return nil, fmt.Errorf("message: decode %s payload: %w", v.Codec.Name(), err)
		}
		return c.MarshalBody(x)
	}
	return c.MarshalBody(v)
}

// JSON is the JSON codec, negotiated with the "row.json" subprotocol.
var JSON Codec = jsonCodec{}

type jsonCodec struct{}

func (jsonCodec) Name() string   { return "json" }
func (jsonCodec) FrameType() int { return websocket.TextMessage }

func (jsonCodec) DecodeRequest(p []byte) (*Request, error) {
	var r Request
	if err := json.Unmarshal(p, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return &r, nil
}

func (jsonCodec) DecodeResponse(p []byte) (*Response, error) {
	var r Response
	if err := json.Unmarshal(p, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return &r, nil
}

func (jsonCodec) EncodeResponse(r *Response) ([]byte, error) {
	return encodeJSON(r)
}

func (jsonCodec) EncodeRequest(r *Request) ([]byte, error) {
	return encodeJSON(r)
}

func encodeJSON(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (jsonCodec) MarshalBody(v interface{}) (Body, error) {
	return json.Marshal(v)
}

func (jsonCodec) UnmarshalBody(b Body, v interface{}) error {
	return json.Unmarshal(b, v)
}

// CBOR is the binary codec, negotiated with the "row.cbor"
// subprotocol. It uses Core Deterministic Encoding.
var CBOR Codec = cborCodec{}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error

	encOpts := cbor.CoreDetEncOptions()
	encOpts.TextMarshaler = cbor.TextMarshalerTextString
	if cborEnc, err = encOpts.EncMode(); err != nil {
		panic("message: CBOR encoder initialization failed: " + err.Error())
	}

	cborDec, err = cbor.DecOptions{
		DefaultMapType:  reflect.TypeOf(map[string]interface{}(nil)),
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("message: CBOR decoder initialization failed: " + err.Error())
	}
}

type cborCodec struct{}

func (cborCodec) Name() string   { return "cbor" }
func (cborCodec) FrameType() int { return websocket.BinaryMessage }

func (cborCodec) DecodeRequest(p []byte) (*Request, error) {
	var r Request
	if err := cborDec.Unmarshal(p, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return &r, nil
}

func (cborCodec) DecodeResponse(p []byte) (*Response, error) {
	var r Response
	if err := cborDec.Unmarshal(p, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return &r, nil
}

func (cborCodec) EncodeResponse(r *Response) ([]byte, error) {
	return cborEnc.Marshal(r)
}

func (cborCodec) EncodeRequest(r *Request) ([]byte, error) {
	return cborEnc.Marshal(r)
}

func (cborCodec) MarshalBody(v interface{}) (Body, error) {
	return cborEnc.Marshal(v)
}

func (cborCodec) UnmarshalBody(b Body, v interface{}) error {
	return cborDec.Unmarshal(b, v)
}

// Codecs is the list of built-in codecs, in order of preference.
var Codecs = []Codec{JSON, CBOR}

// CodecFor returns the codec for the name, or nil if there is none.
func CodecFor(name string) Codec {
	for _, c := range Codecs {
		if c.Name() == name {
			return c
		}
	}
	return nil
}
