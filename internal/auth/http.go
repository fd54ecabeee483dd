package auth

import (
	"context"
	"net/http"

	"google.golang.org/grpc/metadata"
)

// IncomingContext returns the request context with its Authorization header
// attached as incoming gRPC metadata, so one Authenticator serves both the
// gRPC and the HTTP API.
func IncomingContext(r *http.Request) context.Context {
	h := r.Header.Get("Authorization")
	if h == "" {
		return r.Context()
	}
	return metadata.NewIncomingContext(r.Context(), metadata.Pairs("authorization", h))
}
