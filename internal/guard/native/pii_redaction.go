package native

import (
	"context"
	"regexp"

	"github.com/agentgateway/agentgateway-sub001/internal/guard"
)

type piiRedactionConfig struct {
	Mask           string   `json:"mask"`
	CustomPatterns []string `json:"custom_patterns"`
}

// piiRedaction masks personal data in string leaves of invocation arguments
// (tool_invoke_request) and results (tool_invoke_response).
type piiRedaction struct {
	Base
	mask     string
	patterns []*regexp.Regexp
}

func newPIIRedaction(spec *guard.Spec, _ Deps) (Guard, error) {
	cfg := piiRedactionConfig{Mask: "[REDACTED]"}
	if err := decodeConfig(spec, &cfg); err != nil {
		return nil, err
	}
	g := &piiRedaction{mask: cfg.Mask}
	for _, p := range piiPatterns {
		g.patterns = append(g.patterns, p.re)
	}
	for _, p := range cfg.CustomPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, guard.ConfigErrorf(spec.ID, "invalid regex pattern %q: %v", p, err)
		}
		g.patterns = append(g.patterns, re)
	}
	return g, nil
}

func (g *piiRedaction) EvaluateToolInvoke(_ context.Context, p guard.Payload, _ guard.GuardContext) (guard.Decision, error) {
	args, changed := g.redactMap(p.Arguments)
	if !changed {
		return guard.Allow(), nil
	}
	out := p.Clone()
	out.Arguments = args
	return guard.Modify(out), nil
}

func (g *piiRedaction) EvaluateToolResponse(_ context.Context, p guard.Payload, _ guard.GuardContext) (guard.Decision, error) {
	result, changed := g.redactMap(p.Result)
	if !changed {
		return guard.Allow(), nil
	}
	out := p.Clone()
	out.Result = result
	return guard.Modify(out), nil
}

// redactMap returns a redacted copy of m. The input is never modified.
func (g *piiRedaction) redactMap(m map[string]any) (map[string]any, bool) {
	if m == nil {
		return nil, false
	}
	out := make(map[string]any, len(m))
	changed := false
	for k, v := range m {
		nv, c := g.redactValue(v)
		out[k] = nv
		changed = changed || c
	}
	return out, changed
}

func (g *piiRedaction) redactValue(v any) (any, bool) {
	switch val := v.(type) {
	case string:
		s := val
		for _, re := range g.patterns {
			s = re.ReplaceAllLiteralString(s, g.mask)
		}
		return s, s != val
	case map[string]any:
		return g.redactMap(val)
	case []any:
		out := make([]any, len(val))
		changed := false
		for i, child := range val {
			nv, c := g.redactValue(child)
			out[i] = nv
			changed = changed || c
		}
		return out, changed
	default:
		return v, false
	}
}
