package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Transport is the raw byte stream of an interactive shell. Reads block
// until the device produces output; the stream never reaches EOF while
// the shell is alive.
type Transport interface {
	io.ReadWriteCloser
}

// Dialer opens a new shell transport to a device.
type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context) (Transport, error)

func (f DialerFunc) Dial(ctx context.Context) (Transport, error) { return f(ctx) }

var (
	// ErrTimeout means the device did not present a prompt in time.
	ErrTimeout = errors.New("timeout waiting for prompt")
	// ErrTransport means the shell stream failed or closed.
	ErrTransport = errors.New("shell transport failed")
	// ErrDeviceError means the device printed an error before its prompt.
	ErrDeviceError = errors.New("device reported an error")
	// ErrClosed means the terminal was closed locally.
	ErrClosed = errors.New("terminal closed")
)

// ConnectionFailure is returned by every exchange that did not produce a
// clean response. Err classifies it; Message carries either a short
// description or, for ErrDeviceError, the device's own output.
type ConnectionFailure struct {
	Message string
	Err     error
}

func (e *ConnectionFailure) Error() string {
	if e.Message == "" {
		return e.Err.Error()
	}
	return e.Message
}

func (e *ConnectionFailure) Unwrap() error { return e.Err }

func failure(err error, format string, args ...any) *ConnectionFailure {
	return &ConnectionFailure{Message: fmt.Sprintf(format, args...), Err: err}
}

// IsFatal reports whether err leaves the shell in an unknown state, in
// which case the session owning it must be torn down.
func IsFatal(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrTransport) || errors.Is(err, ErrClosed)
}
