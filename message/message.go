// Package message defines the envelopes exchanged over a row connection
// and the codecs used to put them on the wire.
//
// A client sends a Request, which either invokes the endpoint registered
// for its Path, or subscribes to (or unsubscribes from) the topic named
// by its Path. The server replies with a Response carrying the same ID.
// Events published to a topic are pushed to subscribers as Responses with
// an empty ID and the PushHeader set.
package message

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
)

// Header names used by the protocol.
const (
	SubscriptionIDHeader    = "X-Subscription-Id"
	SubscriptionEventHeader = "X-Subscription-Event"
	TopicHeader             = "X-Topic"
	PushHeader              = "X-Row-Push"
	ErrorHeader             = "X-Error"
)

// Op is the operation requested by a Request.
type Op int

// The list of supported operations.
const (
	Invoke Op = iota + 1
	Subscribe
	Unsubscribe
)

var opNames = [...]string{
	Invoke:      "INVOKE",
	Subscribe:   "SUBSCRIBE",
	Unsubscribe: "UNSUBSCRIBE",
}

// AllOps is the list of all valid operations.
var AllOps = []Op{Invoke, Subscribe, Unsubscribe}

// String returns the wire name of the operation.
func (o Op) String() string {
	if o.Valid() {
		return opNames[o]
	}
	return fmt.Sprintf("<unknown: %d>", int(o))
}

// Valid returns true if o is one of the supported operations.
func (o Op) Valid() bool {
	return o >= Invoke && o <= Unsubscribe
}

// IsSubscription returns true for the subscription-control operations.
func (o Op) IsSubscription() bool {
	return o == Subscribe || o == Unsubscribe
}

// MarshalText implements encoding.TextMarshaler.
func (o Op) MarshalText() ([]byte, error) {
	if !o.Valid() {
		return nil, fmt.Errorf("invalid operation %d", int(o))
	}
	return []byte(opNames[o]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Operation names
// are case-insensitive.
func (o *Op) UnmarshalText(b []byte) error {
	s := strings.ToUpper(strings.TrimSpace(string(b)))
	for i, nm := range opNames {
		if i > 0 && nm == s {
			*o = Op(i)
			return nil
		}
	}
	return fmt.Errorf("unknown operation %q", s)
}

// ParseOp parses an operation name, e.g. "invoke" or "SUBSCRIBE".
func ParseOp(s string) (Op, error) {
	var o Op
	err := o.UnmarshalText([]byte(s))
	return o, err
}

// Status is the status code of a Response.
type Status int

// The list of status codes.
const (
	OK            Status = 200
	BadRequest    Status = 400
	Unauthorized  Status = 401
	NotFound      Status = 404
	InternalError Status = 500
)

// String returns a human-readable form of the status.
func (s Status) String() string {
	switch s {
	case OK:
		return "OK"
	case BadRequest:
		return "BAD_REQUEST"
	case Unauthorized:
		return "UNAUTHORIZED"
	case NotFound:
		return "NOT_FOUND"
	case InternalError:
		return "INTERNAL_ERROR"
	default:
		return fmt.Sprintf("STATUS_%d", int(s))
	}
}

// Body is an opaque payload. With the JSON codec it is embedded as raw
// JSON (so it must hold a valid JSON value), with the CBOR codec it is
// a byte string.
type Body []byte

var null = []byte("null")

// MarshalJSON implements json.Marshaler.
func (b Body) MarshalJSON() ([]byte, error) {
	if len(b) == 0 {
		return null, nil
	}
	return b, nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (b *Body) UnmarshalJSON(p []byte) error {
	if b == nil {
		return errors.New("message: UnmarshalJSON on nil *Body")
	}
	if bytes.Equal(p, null) {
		*b = nil
		return nil
	}
	*b = append((*b)[0:0], p...)
	return nil
}

// Request is a client-sent envelope.
type Request struct {
	// ID is chosen by the client and echoed back in the Response.
	ID      string            `json:"id,omitempty" cbor:"id,omitempty"`
	Path    string            `json:"path" cbor:"path"`
	Op      Op                `json:"op" cbor:"op"`
	Headers map[string]string `json:"headers,omitempty" cbor:"headers,omitempty"`
	Body    Body              `json:"body,omitempty" cbor:"body,omitempty"`
}

// Header returns the value of the header key, or "" if it is not set.
func (r *Request) Header(key string) string {
	return r.Headers[key]
}

// Validate returns an error if the request is not well-formed.
func (r *Request) Validate() error {
	if !r.Op.Valid() {
		return fmt.Errorf("invalid operation %d", int(r.Op))
	}
	if r.Path == "" {
		return errors.New("missing path")
	}
	return nil
}

// Response is a server-sent envelope, either a reply to a Request or
// a pushed event.
type Response struct {
	ID      string            `json:"id,omitempty" cbor:"id,omitempty"`
	Status  Status            `json:"status" cbor:"status"`
	Headers map[string]string `json:"headers,omitempty" cbor:"headers,omitempty"`
	Body    Body              `json:"body,omitempty" cbor:"body,omitempty"`
}

// NewResponse returns an OK response for the request r. If r is nil,
// the response has no ID.
func NewResponse(r *Request) *Response {
	res := &Response{Status: OK}
	if r != nil {
		res.ID = r.ID
	}
	return res
}

// NewPush returns a pushed event response for the topic, carrying
// body as payload.
func NewPush(topic string, body Body) *Response {
	res := &Response{Status: OK, Body: body}
	res.SetHeader(PushHeader, "true")
	res.SetHeader(TopicHeader, topic)
	return res
}

// SetHeader sets the header key to value, allocating the headers
// map if needed.
func (r *Response) SetHeader(key, value string) {
	if r.Headers == nil {
		r.Headers = make(map[string]string)
	}
	r.Headers[key] = value
}

// Header returns the value of the header key, or "" if it is not set.
func (r *Response) Header(key string) string {
	return r.Headers[key]
}

// IsPush returns true if the response is a pushed event.
func (r *Response) IsPush() bool {
	return r.Headers[PushHeader] == "true"
}
