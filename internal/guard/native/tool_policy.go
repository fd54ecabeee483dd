package native

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/agentgateway/agentgateway-sub001/internal/guard"
)

// Metadata keys read by tool_policy.
const (
	MetaSessionID     = "session_id"
	MetaWorkflowType  = "workflow_type"
	MetaUserConfirmed = "user_confirmed"
)

// minTaintLen is the minimum length of a tainted value matched in arguments.
const minTaintLen = 4

type rateLimit struct {
	MaxCalls      int `json:"max_calls"`
	WindowSeconds int `json:"window_seconds"`
}

type toolRule struct {
	RiskTier            string     `json:"risk_tier"`
	RequiresConfirm     bool       `json:"requires_confirm"`
	Preconditions       []string   `json:"preconditions"`
	AllowedWorkflows    []string   `json:"allowed_workflows"`
	BlockedWorkflows    []string   `json:"blocked_workflows"`
	RateLimit           *rateLimit `json:"rate_limit"`
	OutputLabels        []string   `json:"output_labels"`
	BlockedSourceLabels []string   `json:"blocked_source_labels"`
}

type toolPolicyConfig struct {
	Tools             map[string]toolRule `json:"tools"`
	DenyUnregistered  bool                `json:"deny_unregistered"`
	SessionTTLSeconds int                 `json:"session_ttl_seconds"`
	MaxSessionCalls   int                 `json:"max_session_calls"`
}

// toolPolicy enforces per-tool rules that depend on the calling session:
// confirmation of destructive tools, workflow restrictions, rate limits,
// required predecessor calls and taint flow from labelled tool outputs.
type toolPolicy struct {
	Base
	rules            map[string]toolRule
	denyUnregistered bool
	sessions         *sessionTracker
	now              func() time.Time
}

func newToolPolicy(spec *guard.Spec, _ Deps) (Guard, error) {
	cfg := toolPolicyConfig{SessionTTLSeconds: 3600, MaxSessionCalls: 1000}
	if err := decodeConfig(spec, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Tools) == 0 && !cfg.DenyUnregistered {
		return nil, guard.ConfigErrorf(spec.ID, "tool_policy needs at least one tool rule or deny_unregistered")
	}
	if cfg.SessionTTLSeconds < 1 {
		return nil, guard.ConfigErrorf(spec.ID, "session_ttl_seconds must be positive, got %d", cfg.SessionTTLSeconds)
	}
	for name, r := range cfg.Tools {
		if r.RateLimit != nil && (r.RateLimit.MaxCalls < 1 || r.RateLimit.WindowSeconds < 1) {
			return nil, guard.ConfigErrorf(spec.ID, "tool %q: rate_limit needs positive max_calls and window_seconds", name)
		}
		switch r.RiskTier {
		case "", "read", "write", "destructive":
		default:
			return nil, guard.ConfigErrorf(spec.ID, "tool %q: unknown risk_tier %q", name, r.RiskTier)
		}
	}
	return &toolPolicy{
		rules:            cfg.Tools,
		denyUnregistered: cfg.DenyUnregistered,
		sessions: newSessionTracker(
			time.Duration(cfg.SessionTTLSeconds)*time.Second, cfg.MaxSessionCalls, cfg.MaxSessionCalls),
		now: time.Now,
	}, nil
}

// sessionKey identifies the calling session: an explicit session_id when
// the protocol layer supplies one, otherwise the identity on this server.
func sessionKey(gctx guard.GuardContext) string {
	if id, ok := gctx.Metadata.Get(MetaSessionID); ok && id != "" {
		return "s:" + id
	}
	return "i:" + gctx.ServerName + "/" + gctx.Identity
}

func (g *toolPolicy) EvaluateToolInvoke(_ context.Context, p guard.Payload, gctx guard.GuardContext) (guard.Decision, error) {
	rule, ok := g.rules[p.ToolName]
	if !ok {
		if g.denyUnregistered {
			return deny("tool_not_registered",
				fmt.Sprintf("Tool %q has no policy on this gateway", p.ToolName),
				map[string]any{"tool": p.ToolName}), nil
		}
		return guard.Allow(), nil
	}

	if d, denied := checkConfirmation(p.ToolName, rule, gctx); denied {
		return d, nil
	}
	if d, denied := checkWorkflow(p.ToolName, rule, gctx); denied {
		return d, nil
	}

	now := g.now()
	var decision guard.Decision
	g.sessions.view(sessionKey(gctx), now, func(s *session) {
		if d, denied := checkPreconditions(p.ToolName, rule, s); denied {
			decision = d
			return
		}
		if d, denied := checkRateLimit(p.ToolName, rule, s, now); denied {
			decision = d
			return
		}
		if d, denied := checkInformationFlow(p.ToolName, rule, p.Arguments, s); denied {
			decision = d
			return
		}
		s.calls = append(s.calls, callRecord{tool: p.ToolName, at: now})
		decision = guard.Allow()
	})
	return decision, nil
}

// EvaluateToolResponse records the string values returned by tools that
// carry output labels so later calls can be checked for taint flow.
func (g *toolPolicy) EvaluateToolResponse(_ context.Context, p guard.Payload, gctx guard.GuardContext) (guard.Decision, error) {
	rule, ok := g.rules[p.ToolName]
	if !ok || len(rule.OutputLabels) == 0 || p.Result == nil {
		return guard.Allow(), nil
	}
	var values []string
	collectStrings(p.Result, &values)
	g.sessions.view(sessionKey(gctx), g.now(), func(s *session) {
		for _, v := range values {
			if len(v) >= minTaintLen {
				s.taints = append(s.taints, taint{value: v, labels: rule.OutputLabels})
			}
		}
	})
	return guard.Allow(), nil
}

func checkConfirmation(tool string, rule toolRule, gctx guard.GuardContext) (guard.Decision, bool) {
	if rule.RiskTier != "destructive" || !rule.RequiresConfirm {
		return guard.Decision{}, false
	}
	v, _ := gctx.Metadata.Get(MetaUserConfirmed)
	if confirmed, _ := strconv.ParseBool(v); confirmed {
		return guard.Decision{}, false
	}
	return deny("tool_confirmation_required",
		fmt.Sprintf("Destructive tool %q requires user confirmation", tool),
		map[string]any{"tool": tool, "risk_tier": rule.RiskTier}), true
}

func checkWorkflow(tool string, rule toolRule, gctx guard.GuardContext) (guard.Decision, bool) {
	workflow, _ := gctx.Metadata.Get(MetaWorkflowType)
	if workflow == "" {
		return guard.Decision{}, false
	}
	for _, blocked := range rule.BlockedWorkflows {
		if workflow == blocked {
			return deny("tool_workflow_blocked",
				fmt.Sprintf("Tool %q is blocked in workflow %q", tool, workflow),
				map[string]any{"tool": tool, "workflow": workflow}), true
		}
	}
	if len(rule.AllowedWorkflows) == 0 {
		return guard.Decision{}, false
	}
	for _, allowed := range rule.AllowedWorkflows {
		if workflow == allowed {
			return guard.Decision{}, false
		}
	}
	return deny("tool_workflow_blocked",
		fmt.Sprintf("Tool %q is not allowed in workflow %q", tool, workflow),
		map[string]any{"tool": tool, "workflow": workflow, "allowed_workflows": toAnySlice(rule.AllowedWorkflows)}), true
}

func checkPreconditions(tool string, rule toolRule, s *session) (guard.Decision, bool) {
	var missing []string
	for _, pre := range rule.Preconditions {
		if !s.called(pre) {
			missing = append(missing, pre)
		}
	}
	if len(missing) == 0 {
		return guard.Decision{}, false
	}
	return deny("tool_precondition_missing",
		fmt.Sprintf("Tool %q requires prior calls to: %s", tool, strings.Join(missing, ", ")),
		map[string]any{"tool": tool, "missing": toAnySlice(missing)}), true
}

func checkRateLimit(tool string, rule toolRule, s *session, now time.Time) (guard.Decision, bool) {
	rl := rule.RateLimit
	if rl == nil {
		return guard.Decision{}, false
	}
	window := time.Duration(rl.WindowSeconds) * time.Second
	count := s.countSince(tool, now.Add(-window))
	if count < rl.MaxCalls {
		return guard.Decision{}, false
	}
	return deny("tool_rate_limited",
		fmt.Sprintf("Rate limit exceeded for %q: %d/%d calls in %ds window", tool, count, rl.MaxCalls, rl.WindowSeconds),
		map[string]any{"tool": tool, "count": count, "max_calls": rl.MaxCalls, "window_seconds": rl.WindowSeconds}), true
}

func checkInformationFlow(tool string, rule toolRule, args map[string]any, s *session) (guard.Decision, bool) {
	if len(rule.BlockedSourceLabels) == 0 || len(s.taints) == 0 || len(args) == 0 {
		return guard.Decision{}, false
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return guard.Decision{}, false
	}
	encoded := string(raw)

	labels := make(map[string]struct{})
	found := 0
	for _, t := range s.taints {
		if !anyLabel(t.labels, rule.BlockedSourceLabels) {
			continue
		}
		if strings.Contains(encoded, t.value) {
			found++
			for _, l := range t.labels {
				labels[l] = struct{}{}
			}
		}
	}
	if found == 0 {
		return guard.Decision{}, false
	}
	matched := make([]any, 0, len(labels))
	for _, l := range rule.BlockedSourceLabels {
		if _, ok := labels[l]; ok {
			matched = append(matched, l)
		}
	}
	return deny("tool_information_flow_blocked",
		fmt.Sprintf("Arguments to %q carry %d value(s) from blocked sources", tool, found),
		map[string]any{"tool": tool, "labels": matched, "values": found}), true
}

func anyLabel(have, blocked []string) bool {
	for _, h := range have {
		for _, b := range blocked {
			if h == b {
				return true
			}
		}
	}
	return false
}

func collectStrings(v any, out *[]string) {
	switch val := v.(type) {
	case string:
		*out = append(*out, val)
	case map[string]any:
		for _, child := range val {
			collectStrings(child, out)
		}
	case []any:
		for _, child := range val {
			collectStrings(child, out)
		}
	}
}
