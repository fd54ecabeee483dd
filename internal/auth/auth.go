// Package auth identifies the protocol layers that call the GuardService.
package auth

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/grpc/metadata"
)

// KeyPrefix starts every caller API key.
const KeyPrefix = "gwk_"

// Caller modes.
const (
	ModeEnforce = "enforce"
	ModeShadow  = "shadow" // decisions are recorded but the caller is always allowed
)

// Authenticator validates incoming requests and returns the calling gateway.
type Authenticator interface {
	Authenticate(ctx context.Context) (*Caller, error)
}

// Caller is an authenticated protocol layer.
type Caller struct {
	CallerID string
	Mode     string
}

// Shadow reports whether the caller only observes decisions.
func (c *Caller) Shadow() bool { return c.Mode == ModeShadow }

// ErrUnauthenticated is returned when no valid credentials are found.
var ErrUnauthenticated = errors.New("unauthenticated")

// ExtractBearerToken extracts a gwk_ API key from gRPC metadata.
func ExtractBearerToken(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", ErrUnauthenticated
	}
	values := md.Get("authorization")
	if len(values) == 0 {
		return "", ErrUnauthenticated
	}
	token := values[0]
	token = strings.TrimPrefix(token, "Bearer ")
	token = strings.TrimPrefix(token, "bearer ")
	if !strings.HasPrefix(token, KeyPrefix) || len(token) < 12 {
		return "", ErrUnauthenticated
	}
	return token, nil
}
