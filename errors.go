package row

import (
	"errors"
	"fmt"

	"github.com/psychogen-labs/row/auth"
	"github.com/psychogen-labs/row/message"
)

// Errors that map to response statuses, see StatusOf.
var (
	ErrInvalidPath  = message.ErrInvalidPath
	ErrDecode       = message.ErrDecode
	ErrUnauthorized = auth.ErrUnauthorized
)

var (
	// ErrConnClosed is returned when sending on a closed connection.
	ErrConnClosed = errors.New("row: connection closed")

	// ErrEncode is returned (wrapped) when a response cannot be encoded.
	ErrEncode = errors.New("row: failed to encode response")

	// ErrServerClosed is the close error of connections closed by
	// Server.Shutdown, and the error returned by Server.Open once the
	// server is shut down.
	ErrServerClosed = errors.New("row: server closed")

	// ErrIdleTimeout is the close error of connections closed by
	// Server.CloseIdle.
	ErrIdleTimeout = errors.New("row: connection idle for too long")
)

// StatusError is an error that carries the response status to use.
// Endpoint handlers can return it to control the status of a failed
// request.
type StatusError struct {
	Status message.Status
	Err    error
}

// Errorf returns a StatusError with the given status and formatted
// message.
func Errorf(status message.Status, format string, args ...interface{}) *StatusError {
	return &StatusError{Status: status, Err: fmt.Errorf(format, args...)}
}

func (e *StatusError) Error() string { return e.Err.Error() }

// Unwrap returns the underlying error.
func (e *StatusError) Unwrap() error { return e.Err }

// HandlerError is the error of a failed endpoint handler.
type HandlerError struct {
	Path string
	Err  error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("row: handler for %s failed: %v", e.Path, e.Err)
}

// Unwrap returns the underlying error.
func (e *HandlerError) Unwrap() error { return e.Err }

// DeliveryError is the error of a failed push to a connection. It is
// reported to the server's Listener, never to the publisher.
type DeliveryError struct {
	ConnID   string
	Identity string
	Topic    string
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("row: delivery of %s to %s (%s) failed: %v", e.Topic, e.ConnID, e.Identity, e.Err)
}

// Unwrap returns the underlying error.
func (e *DeliveryError) Unwrap() error { return e.Err }

// StatusOf returns the response status that corresponds to err.
func StatusOf(err error) message.Status {
	var se *StatusError
	switch {
	case err == nil:
		return message.OK
	case errors.As(err, &se):
		return se.Status
	case errors.Is(err, ErrInvalidPath):
		return message.NotFound
	case errors.Is(err, ErrDecode), errors.Is(err, ErrEncode):
		return message.BadRequest
	case errors.Is(err, ErrUnauthorized):
		return message.Unauthorized
	default:
		return message.InternalError
	}
}
