// Package mcpgw enforces the guard pipeline on MCP servers built with the
// go-sdk: tools/list results and both legs of tools/call pass through the
// orchestrator before they reach the client or the tool handler.
package mcpgw

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/agentgateway/agentgateway-sub001/internal/guard"
	"github.com/agentgateway/agentgateway-sub001/internal/pipeline"
)

// SourceMCP marks evaluations triggered by MCP traffic.
const SourceMCP = "mcp"

// Options configures a Gateway.
type Options struct {
	// ServerName is reported to guards as GuardContext.ServerName.
	ServerName string
	// Identity returns the authenticated caller for a request, or "" when
	// the caller is anonymous. Nil treats every caller as anonymous.
	Identity func(ctx context.Context, req mcpsdk.Request) string
	// Shadow evaluates every message but never enforces the decision.
	Shadow bool
	Logger *zap.Logger
}

// Gateway is receiving middleware for one MCP server.
type Gateway struct {
	orch   *pipeline.Orchestrator
	opts   Options
	logger *zap.Logger

	mu    sync.RWMutex
	tools map[string]guard.Tool // definitions from the latest listing
}

// maxKnownTools caps the definitions kept across the pages of one listing.
const maxKnownTools = 10000

// New creates a Gateway evaluating traffic with orch.
func New(orch *pipeline.Orchestrator, opts Options) *Gateway {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		orch:   orch,
		opts:   opts,
		logger: logger.With(zap.String("server_name", opts.ServerName)),
		tools:  make(map[string]guard.Tool),
	}
}

// Attach installs the gateway on s.
func (g *Gateway) Attach(s *mcpsdk.Server) {
	s.AddReceivingMiddleware(g.Middleware())
}

// Middleware returns the go-sdk middleware. Methods other than tools/list
// and tools/call pass through untouched.
func (g *Gateway) Middleware() mcpsdk.Middleware {
	return func(next mcpsdk.MethodHandler) mcpsdk.MethodHandler {
		return func(ctx context.Context, method string, req mcpsdk.Request) (mcpsdk.Result, error) {
			switch r := req.(type) {
			case *mcpsdk.ListToolsRequest:
				res, err := next(ctx, method, req)
				if err != nil {
					return res, err
				}
				list, ok := res.(*mcpsdk.ListToolsResult)
				if !ok || list == nil {
					return res, nil
				}
				return g.guardList(ctx, r, list)
			case *mcpsdk.CallToolRequest:
				return g.guardCall(ctx, method, r, next)
			default:
				return next(ctx, method, req)
			}
		}
	}
}

func (g *Gateway) guardList(ctx context.Context, req *mcpsdk.ListToolsRequest, list *mcpsdk.ListToolsResult) (mcpsdk.Result, error) {
	snapshot := make([]guard.Tool, 0, len(list.Tools))
	for _, t := range list.Tools {
		snapshot = append(snapshot, toolSnapshot(t))
	}

	d := g.evaluate(ctx, req, guard.HookToolsList, guard.Payload{Tools: snapshot})
	switch d.Kind {
	case guard.KindDeny:
		return nil, fmt.Errorf("tools/list denied (%s): %s", d.Reason.Code, d.Reason.Message)
	case guard.KindModify:
		out := &mcpsdk.ListToolsResult{NextCursor: list.NextCursor, Tools: rebuildTools(list.Tools, d.Payload.Tools)}
		g.remember(listCursor(req), d.Payload.Tools)
		return out, nil
	default:
		g.remember(listCursor(req), snapshot)
		return list, nil
	}
}

func (g *Gateway) guardCall(ctx context.Context, method string, req *mcpsdk.CallToolRequest, next mcpsdk.MethodHandler) (mcpsdk.Result, error) {
	if req.Params == nil {
		return next(ctx, method, req)
	}
	args, err := decodeArguments(req.Params.Arguments)
	if err != nil {
		return nil, fmt.Errorf("tools/call %q: %w", req.Params.Name, err)
	}

	in := guard.Payload{
		Tools:     g.known(req.Params.Name),
		ToolName:  req.Params.Name,
		Arguments: args,
	}
	d := g.evaluate(ctx, req, guard.HookToolInvokeRequest, in)
	switch d.Kind {
	case guard.KindDeny:
		return denyResult(d.Reason), nil
	case guard.KindModify:
		raw, err := json.Marshal(d.Payload.Arguments)
		if err != nil {
			return nil, fmt.Errorf("encode modified arguments: %w", err)
		}
		params := *req.Params
		params.Name = d.Payload.ToolName
		params.Arguments = raw
		req.Params = &params
		in = *d.Payload
	}

	res, err := next(ctx, method, req)
	if err != nil {
		return res, err
	}
	call, ok := res.(*mcpsdk.CallToolResult)
	if !ok || call == nil {
		return res, nil
	}

	result, err := resultMap(call)
	if err != nil {
		return nil, err
	}
	out := guard.Payload{ToolName: in.ToolName, Arguments: in.Arguments, Result: result}
	d = g.evaluate(ctx, req, guard.HookToolInvokeResponse, out)
	switch d.Kind {
	case guard.KindDeny:
		return denyResult(d.Reason), nil
	case guard.KindModify:
		return callResult(d.Payload.Result)
	default:
		return call, nil
	}
}

// evaluate runs the pipeline and applies shadow mode to its decision.
func (g *Gateway) evaluate(ctx context.Context, req mcpsdk.Request, hook guard.Hook, p guard.Payload) guard.Decision {
	gctx := guard.GuardContext{ServerName: g.opts.ServerName, Metadata: guard.Metadata{}}
	if g.opts.Identity != nil {
		gctx.Identity = g.opts.Identity(ctx, req)
	}
	res := g.orch.Run(ctx, hook, p, gctx, pipeline.Origin{
		CallerID: gctx.Identity,
		Shadow:   g.opts.Shadow,
		Source:   SourceMCP,
	})
	if !g.opts.Shadow {
		return res.Decision
	}
	if res.Decision.IsDeny() {
		g.logger.Info("shadow mode: deny not enforced",
			zap.String("hook", hook.String()),
			zap.String("evaluation_id", res.EvaluationID),
			zap.String("deny_code", res.Decision.Reason.Code),
		)
	}
	return guard.Allow()
}

// remember records the tools of one listing page. The first page of a
// listing replaces every earlier definition; later pages add to it.
func (g *Gateway) remember(cursor string, tools []guard.Tool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cursor == "" {
		g.tools = make(map[string]guard.Tool, len(tools))
	}
	for _, t := range tools {
		if _, ok := g.tools[t.Name]; !ok && len(g.tools) >= maxKnownTools {
			g.logger.Warn("tool definition cache full", zap.String("tool", t.Name))
			continue
		}
		g.tools[t.Name] = t
	}
}

func listCursor(req *mcpsdk.ListToolsRequest) string {
	if req == nil || req.Params == nil {
		return ""
	}
	return req.Params.Cursor
}

// known returns the listed definition of name, if the client has seen one.
func (g *Gateway) known(name string) []guard.Tool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if t, ok := g.tools[name]; ok {
		return []guard.Tool{t}
	}
	return nil
}

func toolSnapshot(t *mcpsdk.Tool) guard.Tool {
	out := guard.Tool{Name: t.Name, Description: t.Description}
	switch s := t.InputSchema.(type) {
	case nil:
	case map[string]any:
		out.InputSchema = s
	default:
		raw, err := json.Marshal(s)
		if err == nil {
			var m map[string]any
			if json.Unmarshal(raw, &m) == nil {
				out.InputSchema = m
			}
		}
	}
	return out
}

// rebuildTools applies a modified tool list to the original definitions.
// Fields guards cannot see are kept from the original tool of the same name.
func rebuildTools(orig []*mcpsdk.Tool, modified []guard.Tool) []*mcpsdk.Tool {
	byName := make(map[string]*mcpsdk.Tool, len(orig))
	for _, t := range orig {
		byName[t.Name] = t
	}
	out := make([]*mcpsdk.Tool, 0, len(modified))
	for _, m := range modified {
		t := &mcpsdk.Tool{Name: m.Name}
		if o, ok := byName[m.Name]; ok {
			cp := *o
			t = &cp
		}
		t.Description = m.Description
		if m.InputSchema != nil {
			t.InputSchema = m.InputSchema
		}
		out = append(out, t)
	}
	return out
}

func decodeArguments(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("arguments must be a JSON object: %w", err)
	}
	return args, nil
}

func resultMap(res *mcpsdk.CallToolResult) (map[string]any, error) {
	raw, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("encode tool result: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode tool result: %w", err)
	}
	return m, nil
}

func callResult(m map[string]any) (*mcpsdk.CallToolResult, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode modified result: %w", err)
	}
	out := new(mcpsdk.CallToolResult)
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("modified result is not a tool result: %w", err)
	}
	return out, nil
}

// denyResult reports a denied call as a tool error so the model sees why.
func denyResult(reason *guard.DenyReason) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{
		IsError: true,
		Content: []mcpsdk.Content{
			&mcpsdk.TextContent{Text: fmt.Sprintf("denied by guard (%s): %s", reason.Code, reason.Message)},
		},
	}
}
