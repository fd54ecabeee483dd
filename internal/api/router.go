// Package api serves the guard pipeline and its decision history over HTTP.
package api

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/agentgateway/agentgateway-sub001/internal/auth"
	"github.com/agentgateway/agentgateway-sub001/internal/pipeline"
	"github.com/agentgateway/agentgateway-sub001/internal/storage"
)

// EventReader queries recorded decision events.
type EventReader interface {
	ListEvents(ctx context.Context, f storage.EventFilter) ([]storage.DecisionEvent, int, error)
	GetEvent(ctx context.Context, evaluationID string) (*storage.DecisionEvent, error)
	GetAnalytics(ctx context.Context, days int) (*storage.Analytics, error)
}

// Dependencies holds shared state injected into all HTTP handlers.
type Dependencies struct {
	Orch   *pipeline.Orchestrator
	Auth   auth.Authenticator
	Reader EventReader // nil if ClickHouse unavailable
	Logger *zap.Logger
}

// NewRouter builds the HTTP mux with all routes wired up.
func NewRouter(deps *Dependencies) http.Handler {
	mux := http.NewServeMux()

	// Pipeline (auth required via Bearer gwk_ key)
	mux.HandleFunc("POST /v1/evaluate", deps.authMiddleware(deps.handleEvaluate))
	mux.HandleFunc("GET /v1/guards", deps.authMiddleware(deps.handleListGuards))

	// Decision history
	mux.HandleFunc("GET /v1/events", deps.authMiddleware(deps.handleListEvents))
	mux.HandleFunc("GET /v1/events/{evaluation_id}", deps.authMiddleware(deps.handleGetEvent))
	mux.HandleFunc("GET /v1/analytics", deps.authMiddleware(deps.handleGetAnalytics))

	// Health check
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return corsMiddleware(requestLogging(mux, deps.Logger))
}
