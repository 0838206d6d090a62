package protocol

import (
	"errors"
	"fmt"
)

// ErrProtocolViolation matches every *ViolationError via errors.Is.
var ErrProtocolViolation = errors.New("protocol violation")

// ViolationError describes a frame that breaks the protocol: an unknown or
// out-of-order header, a malformed payload, or a frame cut short by the end
// of the stream.
type ViolationError struct {
	Header string // header line of the offending frame
	Reason string
	Err    error // underlying cause, if any
}

func (e *ViolationError) Error() string {
	msg := fmt.Sprintf("protocol violation in %q frame: %s", e.Header, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ViolationError) Unwrap() error { return e.Err }

// Is reports true for ErrProtocolViolation.
func (e *ViolationError) Is(target error) bool { return target == ErrProtocolViolation }

func violation(header, reason string, err error) error {
	return &ViolationError{Header: header, Reason: reason, Err: err}
}
