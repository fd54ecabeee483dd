package mcpgw

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/agentgateway/agentgateway-sub001/internal/guard"
	"github.com/agentgateway/agentgateway-sub001/internal/pipeline"
)

const proxyVersion = "0.1.0"

// ProxyConfig describes the upstream MCP server a Proxy fronts.
type ProxyConfig struct {
	// Name is the upstream server name reported to guards.
	Name string
	// Endpoint is the upstream streamable HTTP URL.
	Endpoint   string
	HTTPClient *http.Client
	Shadow     bool
}

// Proxy re-exposes the tools of an upstream MCP server behind the guard
// pipeline.
type Proxy struct {
	server   *mcpsdk.Server
	upstream *mcpsdk.ClientSession
	gateway  *Gateway
	logger   *zap.Logger
}

// NewProxy connects to the upstream server and mirrors its tool list.
func NewProxy(ctx context.Context, cfg ProxyConfig, orch *pipeline.Orchestrator, logger *zap.Logger) (*Proxy, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("upstream endpoint is required")
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Endpoint
	}

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "mcp-guard-proxy", Version: proxyVersion}, nil)
	session, err := client.Connect(ctx, &mcpsdk.StreamableClientTransport{
		Endpoint:   cfg.Endpoint,
		HTTPClient: cfg.HTTPClient,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("connect upstream %s: %w", cfg.Endpoint, err)
	}

	p := &Proxy{
		server:   mcpsdk.NewServer(&mcpsdk.Implementation{Name: cfg.Name, Version: proxyVersion}, nil),
		upstream: session,
		gateway:  New(orch, Options{ServerName: cfg.Name, Shadow: cfg.Shadow, Logger: logger}),
		logger:   logger,
	}
	// TODO: resync on upstream notifications/tools/list_changed.
	if err := p.mirrorTools(ctx); err != nil {
		_ = session.Close()
		return nil, err
	}
	p.gateway.Attach(p.server)
	return p, nil
}

// mirrorTools registers a forwarding handler for every upstream tool.
func (p *Proxy) mirrorTools(ctx context.Context) error {
	params := &mcpsdk.ListToolsParams{}
	count := 0
	for {
		res, err := p.upstream.ListTools(ctx, params)
		if err != nil {
			return fmt.Errorf("list upstream tools: %w", err)
		}
		snapshot := make([]guard.Tool, 0, len(res.Tools))
		for _, t := range res.Tools {
			if t.InputSchema == nil {
				t.InputSchema = map[string]any{"type": "object"}
			}
			p.server.AddTool(t, p.forward)
			snapshot = append(snapshot, toolSnapshot(t))
			count++
		}
		p.gateway.remember(params.Cursor, snapshot)
		if res.NextCursor == "" {
			break
		}
		params = &mcpsdk.ListToolsParams{Cursor: res.NextCursor}
	}
	p.logger.Info("mirrored upstream tools", zap.Int("count", count))
	return nil
}

func (p *Proxy) forward(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	params := &mcpsdk.CallToolParams{Name: req.Params.Name}
	if len(req.Params.Arguments) > 0 {
		params.Arguments = json.RawMessage(req.Params.Arguments)
	}
	return p.upstream.CallTool(ctx, params)
}

// Server returns the guarded MCP server.
func (p *Proxy) Server() *mcpsdk.Server { return p.server }

// Handler serves the guarded server over streamable HTTP.
func (p *Proxy) Handler() http.Handler {
	return mcpsdk.NewStreamableHTTPHandler(func(*http.Request) *mcpsdk.Server { return p.server }, nil)
}

// Close ends the upstream session.
func (p *Proxy) Close() error {
	return p.upstream.Close()
}
