package auth

import (
	"context"
	"errors"
)

// Identity describes an authenticated principal
type Identity struct {
	// Subject is the stable identifier of the principal (e.g. a user id claim)
	Subject string

	// Name is a human-readable label for the credential, when known
	Name string
}

var (
	// ErrMissingCredential is returned when no credential was supplied
	ErrMissingCredential = errors.New("missing credential")

	// ErrInvalidCredential is returned when a supplied credential fails verification
	ErrInvalidCredential = errors.New("invalid credential")
)

// Verifier validates a raw credential and resolves it to an identity.
// Implementations must be safe for concurrent use: the server runs
// verification per connection attempt, off the connection event loops.
type Verifier interface {
	Verify(ctx context.Context, credential string) (Identity, error)
}
