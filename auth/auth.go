// Package auth defines the hook through which the relay consults an external
// authenticator, plus adapters for the stores such an authenticator uses.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/cyberinferno/chatrelay/protocol"
	"github.com/cyberinferno/chatrelay/registry"
)

// ErrUnauthorized matches every *RejectedError via errors.Is.
var ErrUnauthorized = errors.New("unauthorized")

// RejectedError is a definitive refusal of a credential.
type RejectedError struct {
	Reason protocol.FailReason
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("credential rejected: %s", e.Reason)
}

// Is reports true for ErrUnauthorized.
func (e *RejectedError) Is(target error) bool { return target == ErrUnauthorized }

// Reject builds the standard UNAUTHORIZED refusal.
func Reject() error {
	return &RejectedError{Reason: protocol.Unauthorized}
}

// ReasonOf returns the wire reason for an authentication error. Anything
// other than a RejectedError maps to UNAUTHORIZED.
func ReasonOf(err error) protocol.FailReason {
	var rejected *RejectedError
	if errors.As(err, &rejected) && rejected.Reason != "" {
		return rejected.Reason
	}

	return protocol.Unauthorized
}

// Authenticator resolves a CONNECT credential to an identity.
type Authenticator interface {
	// Authenticate validates credential.
	//
	// Parameters:
	//   - ctx: Bounds the lookup; cancelled on server shutdown
	//   - credential: The line sent after CONNECT
	//
	// Returns:
	//   - The identity, a *RejectedError for a refused credential, or any
	//     other error when the backing store could not be consulted
	Authenticate(ctx context.Context, credential string) (registry.Identity, error)
}

// Func adapts a plain function to Authenticator.
type Func func(ctx context.Context, credential string) (registry.Identity, error)

func (f Func) Authenticate(ctx context.Context, credential string) (registry.Identity, error) {
	return f(ctx, credential)
}

// Digest returns the hex SHA-256 of a credential. Stores and caches key on
// the digest so raw credentials are never kept.
func Digest(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:])
}
