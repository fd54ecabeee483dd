package native

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"go.uber.org/zap"

	"github.com/agentgateway/agentgateway-sub001/internal/guard"
)

// poisoningPatterns are instruction-injection phrasings seen in tool
// metadata served by malicious MCP servers.
var poisoningPatterns = []string{
	// Instruction override.
	`(?i)ignore\s+(all\s+)?previous\s+(instructions?|commands?|prompts?)`,
	`(?i)disregard\s+(all\s+)?(previous|prior|earlier)\s+(instructions?|commands?)`,
	`(?i)forget\s+(all\s+)?(previous|prior|earlier)\s+(instructions?|commands?)`,

	// Privileged role prefixes.
	`(?i)SYSTEM:\s*(override|execute|run|bypass)`,
	`(?i)ADMIN:\s*(override|execute|run|bypass)`,
	`(?i)ROOT:\s*(execute|run)`,
	`(?i)execute\s+as\s+(root|admin|system)`,

	// Safety bypass.
	`(?i)disregard\s+(all\s+)?(safety|security|restrictions?)`,
	`(?i)bypass\s+(all\s+)?(safety|security|restrictions?)`,
	`(?i)ignore\s+(all\s+)?(safety|security|restrictions?)`,
	`(?i)disable\s+(all\s+)?(safety|security|guardrails?)`,

	// Role manipulation.
	`(?i)you\s+are\s+now\s+(a\s+)?(admin|root|system|jailbroken)`,
	`(?i)act\s+as\s+(if\s+you\s+are\s+)?(admin|root|system)`,
	`(?i)pretend\s+(you\s+are|to\s+be)\s+(admin|root|system)`,

	// Hidden markers.
	`(?i)\[HIDDEN\]`,
	`(?i)\[SECRET\]`,
	`(?i)<!--\s*INJECT`,

	// Prompt extraction.
	`(?i)print\s+(your|the)\s+(system\s+)?prompt`,
	`(?i)show\s+(me\s+)?(your|the)\s+(system\s+)?prompt`,
	`(?i)reveal\s+(your|the)\s+(system\s+)?prompt`,

	// Escaped payloads.
	`(?i)\\u[0-9a-f]{4}.*execute`,
	`(?i)\\x[0-9a-f]{2}.*execute`,
}

const (
	scanName        = "name"
	scanDescription = "description"
	scanInputSchema = "input_schema"
)

type toolPoisoningConfig struct {
	// StrictMode denies on detection. When false, detections are only logged.
	StrictMode     bool     `json:"strict_mode"`
	CustomPatterns []string `json:"custom_patterns"`
	ScanFields     []string `json:"scan_fields"`
	AlertThreshold int      `json:"alert_threshold"`
}

// toolPoisoning denies tool lists whose metadata carries prompt-injection text.
type toolPoisoning struct {
	Base
	strict    bool
	threshold int
	fields    map[string]bool
	patterns  []*regexp.Regexp
	logger    *zap.Logger
}

func newToolPoisoning(spec *guard.Spec, deps Deps) (Guard, error) {
	cfg := toolPoisoningConfig{
		StrictMode:     true,
		ScanFields:     []string{scanName, scanDescription, scanInputSchema},
		AlertThreshold: 1,
	}
	if err := decodeConfig(spec, &cfg); err != nil {
		return nil, err
	}
	if cfg.AlertThreshold < 1 {
		return nil, guard.ConfigErrorf(spec.ID, "alert_threshold must be at least 1, got %d", cfg.AlertThreshold)
	}

	g := &toolPoisoning{
		strict:    cfg.StrictMode,
		threshold: cfg.AlertThreshold,
		fields:    make(map[string]bool, len(cfg.ScanFields)),
		logger:    deps.Logger,
	}
	for _, f := range cfg.ScanFields {
		switch f {
		case scanName, scanDescription, scanInputSchema:
			g.fields[f] = true
		default:
			return nil, guard.ConfigErrorf(spec.ID, "unknown scan field %q", f)
		}
	}
	all := append(append([]string{}, poisoningPatterns...), cfg.CustomPatterns...)
	for _, p := range all {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, guard.ConfigErrorf(spec.ID, "invalid regex pattern %q: %v", p, err)
		}
		g.patterns = append(g.patterns, re)
	}
	return g, nil
}

func (g *toolPoisoning) EvaluateToolsList(ctx context.Context, tools []guard.Tool, gctx guard.GuardContext) (guard.Decision, error) {
	var violations []any
	for _, t := range tools {
		if err := ctx.Err(); err != nil {
			return guard.Decision{}, err
		}
		if g.fields[scanName] {
			violations = g.scan(violations, t.Name, "tool.name", t.Name)
		}
		if g.fields[scanDescription] && t.Description != "" {
			violations = g.scan(violations, t.Name, "tool.description", t.Description)
		}
		if g.fields[scanInputSchema] && t.InputSchema != nil {
			schema, err := json.Marshal(t.InputSchema)
			if err == nil {
				violations = g.scan(violations, t.Name, "tool.input_schema", string(schema))
			}
		}
	}

	if len(violations) < g.threshold {
		return guard.Allow(), nil
	}
	if !g.strict {
		g.logger.Warn("tool poisoning patterns detected (report only)",
			zap.String("server_name", gctx.ServerName),
			zap.Int("violations", len(violations)),
		)
		return guard.Allow(), nil
	}
	return deny("tool_poisoning_detected",
		fmt.Sprintf("Detected %d potential tool poisoning pattern(s) in MCP server response", len(violations)),
		map[string]any{
			"violations": violations,
			"threshold":  g.threshold,
		},
	), nil
}

// scan appends at most one violation per field: the first matching pattern.
func (g *toolPoisoning) scan(violations []any, tool, field, text string) []any {
	for _, re := range g.patterns {
		if m := re.FindString(text); m != "" {
			return append(violations, map[string]any{
				"tool":         tool,
				"field":        field,
				"pattern":      re.String(),
				"matched_text": m,
			})
		}
	}
	return violations
}
