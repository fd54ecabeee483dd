// Package server exposes the guard pipeline over gRPC to protocol layers
// running out of process.
package server

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/agentgateway/agentgateway-sub001/internal/auth"
	"github.com/agentgateway/agentgateway-sub001/internal/guard"
	"github.com/agentgateway/agentgateway-sub001/internal/guard/wasm"
	"github.com/agentgateway/agentgateway-sub001/internal/pipeline"
	"github.com/agentgateway/agentgateway-sub001/internal/registry"
)

// SourceGRPC marks evaluations that arrived through GuardService.
const SourceGRPC = "grpc"

// GuardServer implements GuardService on top of an Orchestrator.
type GuardServer struct {
	orch   *pipeline.Orchestrator
	auth   auth.Authenticator
	logger *zap.Logger
}

// NewGuardServer creates a new GuardServer with the given dependencies.
func NewGuardServer(orch *pipeline.Orchestrator, authenticator auth.Authenticator, logger *zap.Logger) *GuardServer {
	return &GuardServer{orch: orch, auth: authenticator, logger: logger}
}

// StepResult is one guard step in an Evaluate response.
type StepResult struct {
	GuardID   string  `json:"guard_id"`
	Tier      string  `json:"tier"`
	Outcome   string  `json:"outcome"`
	LatencyMs float64 `json:"latency_ms"`
}

// EvaluateResponse is the enforced decision document plus evaluation details.
// In shadow mode the enforced decision is always allow and Observed carries
// what the pipeline actually decided.
type EvaluateResponse struct {
	guard.WireDecision
	EvaluationID string              `json:"evaluation_id"`
	Shadow       bool                `json:"shadow,omitempty"`
	Observed     *guard.WireDecision `json:"observed,omitempty"`
	Steps        []StepResult        `json:"steps"`
	LatencyMs    float64             `json:"latency_ms"`
}

// NewEvaluateResponse renders a pipeline result for a caller.
func NewEvaluateResponse(res pipeline.Result, shadow bool) EvaluateResponse {
	resp := EvaluateResponse{
		WireDecision: guard.NewWireDecision(res.Decision),
		EvaluationID: res.EvaluationID,
		Steps:        make([]StepResult, len(res.Steps)),
		LatencyMs:    float64(res.Latency.Microseconds()) / 1000,
	}
	for i, st := range res.Steps {
		resp.Steps[i] = StepResult{
			GuardID:   st.GuardID,
			Tier:      st.Tier.String(),
			Outcome:   st.Outcome(),
			LatencyMs: float64(st.Latency.Microseconds()) / 1000,
		}
	}
	if shadow {
		observed := resp.WireDecision
		resp.Observed = &observed
		resp.Shadow = true
		resp.WireDecision = guard.NewWireDecision(guard.Allow())
	}
	return resp
}

// Evaluate implements GuardService.Evaluate. The request is a guard wire
// request document; operation selects the hook.
func (s *GuardServer) Evaluate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	caller, err := s.auth.Authenticate(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Unauthenticated, "authentication failed: %v", err)
	}

	wr, err := decodeRequest(req)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	hook, err := guard.ParseHook(string(wr.Operation))
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid operation: %v", err)
	}

	res := s.orch.Run(ctx, hook, wr.Payload(), wr.Context, pipeline.Origin{
		CallerID: caller.CallerID,
		Shadow:   caller.Shadow(),
		Source:   SourceGRPC,
	})
	LogShadowDeny(s.logger, caller, res)
	return encodeStruct(NewEvaluateResponse(res, caller.Shadow()))
}

// LogShadowDeny records a deny that shadow mode did not enforce.
func LogShadowDeny(logger *zap.Logger, caller *auth.Caller, res pipeline.Result) {
	if !caller.Shadow() || !res.Decision.IsDeny() {
		return
	}
	logger.Info("shadow mode: deny not enforced",
		zap.String("caller_id", caller.CallerID),
		zap.String("evaluation_id", res.EvaluationID),
		zap.String("deny_code", res.Decision.Reason.Code),
	)
}

// GuardInfo describes one loaded guard in a ListGuards response.
type GuardInfo struct {
	ID          string   `json:"id"`
	Description string   `json:"description,omitempty"`
	Tier        string   `json:"tier"`
	Priority    int      `json:"priority"`
	FailureMode string   `json:"failure_mode"`
	TimeoutMs   int64    `json:"timeout_ms"`
	RunsOn      []string `json:"runs_on"`
	Location    string   `json:"location"`
	State       string   `json:"state,omitempty"`
	Digest      string   `json:"digest,omitempty"`
}

// GuardInfos describes the guards of reg in execution order.
func GuardInfos(reg *registry.Registry) []GuardInfo {
	entries := reg.Entries()
	guards := make([]GuardInfo, 0, len(entries))
	for _, e := range entries {
		info := GuardInfo{
			ID:          e.Spec.ID,
			Description: e.Spec.Description,
			Tier:        e.Spec.Tier.String(),
			Priority:    e.Spec.Priority,
			FailureMode: e.Spec.FailureMode.String(),
			TimeoutMs:   e.Spec.Timeout.Milliseconds(),
			Location:    e.Spec.Location,
		}
		for _, h := range e.Spec.Hooks.Hooks() {
			info.RunsOn = append(info.RunsOn, string(h))
		}
		if h, ok := e.Adapter.(*wasm.Handle); ok {
			info.State = h.State().String()
			info.Digest = h.Digest()
		}
		guards = append(guards, info)
	}
	return guards
}

// ListGuards implements GuardService.ListGuards.
func (s *GuardServer) ListGuards(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if _, err := s.auth.Authenticate(ctx); err != nil {
		return nil, status.Errorf(codes.Unauthenticated, "authentication failed: %v", err)
	}
	return encodeStruct(map[string]any{"guards": GuardInfos(s.orch.Registry())})
}

func decodeRequest(req *structpb.Struct) (guard.WireRequest, error) {
	var wr guard.WireRequest
	b, err := protojson.Marshal(req)
	if err != nil {
		return wr, err
	}
	if err := json.Unmarshal(b, &wr); err != nil {
		return wr, err
	}
	return wr, nil
}

func encodeStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(b, out); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

// NewEvaluateRequest builds a GuardService request for callers written in Go.
func NewEvaluateRequest(hook guard.Hook, p guard.Payload, gctx guard.GuardContext) (*structpb.Struct, error) {
	b, err := json.Marshal(guard.NewWireRequest(hook, p, gctx, nil))
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(b, out); err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return out, nil
}
