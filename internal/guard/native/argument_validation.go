package native

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentgateway/agentgateway-sub001/internal/baseline"
	"github.com/agentgateway/agentgateway-sub001/internal/guard"
)

type argumentValidationConfig struct {
	ValidateSchema bool `json:"validate_schema"`
	ScanInjection  bool `json:"scan_injection"`
	ScanPII        bool `json:"scan_pii"`
}

// argumentValidation checks invocation arguments against the invoked tool's
// input schema and scans them for injection payloads.
type argumentValidation struct {
	Base
	cfg     argumentValidationConfig
	schemas sync.Map // tool fingerprint → *jsonschema.Schema
}

func newArgumentValidation(spec *guard.Spec, _ Deps) (Guard, error) {
	cfg := argumentValidationConfig{ValidateSchema: true, ScanInjection: true}
	if err := decodeConfig(spec, &cfg); err != nil {
		return nil, err
	}
	return &argumentValidation{cfg: cfg}, nil
}

func (g *argumentValidation) EvaluateToolInvoke(ctx context.Context, p guard.Payload, _ guard.GuardContext) (guard.Decision, error) {
	args := p.Arguments
	if args == nil {
		args = map[string]any{}
	}

	// 1. JSON Schema validation, when the invoked tool's definition is known
	if g.cfg.ValidateSchema {
		if tool, ok := findTool(p.Tools, p.ToolName); ok && len(tool.InputSchema) > 0 {
			sch, err := g.compile(tool)
			if err != nil {
				return guard.Decision{}, err
			}
			if err := sch.Validate(toJSONValue(args)); err != nil {
				return deny("invalid_tool_arguments",
					fmt.Sprintf("Arguments for tool %q do not match its input schema", p.ToolName),
					map[string]any{"tool": p.ToolName, "error": err.Error()},
				), nil
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return guard.Decision{}, err
	}
	if !g.cfg.ScanInjection && !g.cfg.ScanPII {
		return guard.Allow(), nil
	}

	raw, err := json.Marshal(args)
	if err != nil {
		return guard.Decision{}, fmt.Errorf("encode arguments: %w", err)
	}

	// 2. Injection scanning
	if g.cfg.ScanInjection {
		if matches := matchDetails(injectionPatterns, string(raw)); len(matches) > 0 {
			return deny("argument_injection_detected",
				fmt.Sprintf("Injection pattern in arguments for tool %q", p.ToolName),
				map[string]any{"tool": p.ToolName, "matches": matches},
			), nil
		}
	}

	// 3. PII scanning
	if g.cfg.ScanPII {
		if matches := matchDetails(piiPatterns, string(raw)); len(matches) > 0 {
			return deny("argument_pii_detected",
				fmt.Sprintf("PII detected in arguments for tool %q", p.ToolName),
				map[string]any{"tool": p.ToolName, "matches": matches},
			), nil
		}
	}
	return guard.Allow(), nil
}

// compile returns the compiled input schema of t, caching it by fingerprint
// so a changed definition is recompiled.
func (g *argumentValidation) compile(t guard.Tool) (*jsonschema.Schema, error) {
	key := baseline.Fingerprint(t)
	if v, ok := g.schemas.Load(key); ok {
		return v.(*jsonschema.Schema), nil
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", toJSONValue(t.InputSchema)); err != nil {
		return nil, fmt.Errorf("input schema of %q: %w", t.Name, err)
	}
	sch, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("input schema of %q: %w", t.Name, err)
	}
	g.schemas.Store(key, sch)
	return sch, nil
}

func findTool(tools []guard.Tool, name string) (guard.Tool, bool) {
	for _, t := range tools {
		if t.Name == name {
			return t, true
		}
	}
	return guard.Tool{}, false
}

// toJSONValue normalises a Go value into the shapes encoding/json produces,
// which is what the schema validator understands.
func toJSONValue(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	out, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return v
	}
	return out
}
