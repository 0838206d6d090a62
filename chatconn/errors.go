package chatconn

import (
	"errors"
	"fmt"
	"net"
)

var (
	// ErrClosed is returned by operations on a Conn after Close.
	ErrClosed = errors.New("connection closed")
	// ErrHookAlreadySet is returned by a second SetCloseHook call.
	ErrHookAlreadySet = errors.New("close hook already set")
	// ErrLineTooLong is returned when an inbound line exceeds the limit.
	ErrLineTooLong = errors.New("line exceeds maximum length")
	// ErrInvalidLine is returned when an outbound line contains a line break.
	ErrInvalidLine = errors.New("line contains a line break")
)

// TransportError is an I/O failure on the underlying stream.
type TransportError struct {
	Op   string // "read", "write", "close"
	Addr string // remote address
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Timeout reports whether the failure was a deadline expiring.
func (e *TransportError) Timeout() bool {
	var ne net.Error
	return errors.As(e.Err, &ne) && ne.Timeout()
}

// IsTimeout reports whether err is a TransportError caused by a deadline.
func IsTimeout(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Timeout()
}
