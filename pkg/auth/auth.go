// Package auth resolves terminal bearer credentials into tenant identity.
package auth

import (
	"context"
	"errors"
)

// ErrInvalidToken indicates the bearer credential failed validation.
var ErrInvalidToken = errors.New("invalid bearer token")

// Identity is the authentication context resolved at handshake time.
// It is immutable for the life of a session.
type Identity struct {
	TenantID    string
	UserID      string
	DisplayName string
}

// Validator validates a bearer credential and yields the caller identity.
type Validator interface {
	Validate(ctx context.Context, token string) (*Identity, error)
}
