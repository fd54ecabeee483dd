package api

import (
	"net/http"

	"github.com/agentgateway/agentgateway-sub001/internal/guard"
	"github.com/agentgateway/agentgateway-sub001/internal/pipeline"
	"github.com/agentgateway/agentgateway-sub001/internal/server"
)

// SourceHTTP marks evaluations that arrived through the HTTP API.
const SourceHTTP = "http"

// handleEvaluate implements POST /v1/evaluate. The body is a guard request
// document and the response matches GuardService.Evaluate.
func (d *Dependencies) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req guard.WireRequest
	if err := readJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	hook, err := guard.ParseHook(string(req.Operation))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: err.Error()})
		return
	}

	caller := callerFromContext(r.Context())
	if caller == nil {
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "missing caller context"})
		return
	}

	res := d.Orch.Run(r.Context(), hook, req.Payload(), req.Context, pipeline.Origin{
		CallerID: caller.CallerID,
		Shadow:   caller.Shadow(),
		Source:   SourceHTTP,
	})
	server.LogShadowDeny(d.Logger, caller, res)
	writeJSON(w, http.StatusOK, server.NewEvaluateResponse(res, caller.Shadow()))
}

// handleListGuards implements GET /v1/guards.
func (d *Dependencies) handleListGuards(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"guards": server.GuardInfos(d.Orch.Registry())})
}
