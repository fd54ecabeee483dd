package native

import (
	"context"
	"fmt"

	"github.com/agentgateway/agentgateway-sub001/internal/guard"
)

var defaultProtectedNames = []string{
	"initialize",
	"tools/list",
	"tools/call",
	"prompts/list",
	"prompts/get",
	"resources/list",
	"resources/read",
}

type toolShadowingConfig struct {
	BlockDuplicates bool     `json:"block_duplicates"`
	ProtectedNames  []string `json:"protected_names"`
}

// toolShadowing denies tool lists that reuse protocol method names or
// declare the same tool twice.
type toolShadowing struct {
	Base
	blockDuplicates bool
	protected       map[string]struct{}
}

func newToolShadowing(spec *guard.Spec, _ Deps) (Guard, error) {
	cfg := toolShadowingConfig{BlockDuplicates: true, ProtectedNames: defaultProtectedNames}
	if err := decodeConfig(spec, &cfg); err != nil {
		return nil, err
	}
	g := &toolShadowing{
		blockDuplicates: cfg.BlockDuplicates,
		protected:       make(map[string]struct{}, len(cfg.ProtectedNames)),
	}
	for _, n := range cfg.ProtectedNames {
		g.protected[n] = struct{}{}
	}
	return g, nil
}

func (g *toolShadowing) EvaluateToolsList(_ context.Context, tools []guard.Tool, _ guard.GuardContext) (guard.Decision, error) {
	var violations []any
	seen := make(map[string]bool, len(tools))
	for _, t := range tools {
		if _, ok := g.protected[t.Name]; ok {
			violations = append(violations, map[string]any{"tool": t.Name, "reason": "protected_name"})
		}
		if seen[t.Name] && g.blockDuplicates {
			violations = append(violations, map[string]any{"tool": t.Name, "reason": "duplicate"})
		}
		seen[t.Name] = true
	}
	if len(violations) == 0 {
		return guard.Allow(), nil
	}
	return deny("tool_shadowing_detected",
		fmt.Sprintf("Detected %d shadowed tool name(s) in MCP server response", len(violations)),
		map[string]any{"violations": violations},
	), nil
}
