package native

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agentgateway/agentgateway-sub001/internal/guard"
)

func policyGuard(t *testing.T, config map[string]any) (*Adapter, *toolPolicy, *time.Time) {
	t.Helper()
	a := mustNew(t, "tool_policy", config)
	g := a.guard.(*toolPolicy)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }
	return a, g, &now
}

func invoke(t *testing.T, a *Adapter, tool string, args map[string]any, gctx guard.GuardContext) guard.Decision {
	t.Helper()
	d, err := a.Evaluate(context.Background(), guard.HookToolInvokeRequest, guard.Payload{ToolName: tool, Arguments: args}, gctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return d
}

func respond(t *testing.T, a *Adapter, tool string, result map[string]any, gctx guard.GuardContext) {
	t.Helper()
	d, err := a.Evaluate(context.Background(), guard.HookToolInvokeResponse, guard.Payload{ToolName: tool, Result: result}, gctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Kind != guard.KindAllow {
		t.Fatalf("response hook should always allow, got %v", d)
	}
}

func expectCode(t *testing.T, d guard.Decision, code string) {
	t.Helper()
	if code == "" {
		if d.Kind != guard.KindAllow {
			t.Fatalf("expected allow, got %v", d)
		}
		return
	}
	if !d.IsDeny() || d.Reason.Code != code {
		t.Fatalf("expected %s, got %v", code, d)
	}
}

func sessionCtx(id string, meta ...string) guard.GuardContext {
	md := guard.Metadata{}.With(MetaSessionID, id)
	for i := 0; i+1 < len(meta); i += 2 {
		md = md.With(meta[i], meta[i+1])
	}
	return guard.GuardContext{ServerName: "github", Metadata: md}
}

func TestToolPolicy_Confirmation(t *testing.T) {
	a, _, _ := policyGuard(t, map[string]any{"tools": map[string]any{
		"delete_repo": map[string]any{"risk_tier": "destructive", "requires_confirm": true},
	}})

	expectCode(t, invoke(t, a, "delete_repo", nil, sessionCtx("s1")), "tool_confirmation_required")
	expectCode(t, invoke(t, a, "delete_repo", nil, sessionCtx("s1", MetaUserConfirmed, "false")), "tool_confirmation_required")
	expectCode(t, invoke(t, a, "delete_repo", nil, sessionCtx("s1", MetaUserConfirmed, "true")), "")
}

func TestToolPolicy_Workflows(t *testing.T) {
	a, _, _ := policyGuard(t, map[string]any{"tools": map[string]any{
		"send_email": map[string]any{"blocked_workflows": []any{"readonly"}},
		"deploy":     map[string]any{"allowed_workflows": []any{"release", "hotfix"}},
	}})

	tests := []struct {
		tool     string
		workflow string
		want     string
	}{
		{"send_email", "readonly", "tool_workflow_blocked"},
		{"send_email", "support", ""},
		{"send_email", "", ""},
		{"deploy", "release", ""},
		{"deploy", "experiment", "tool_workflow_blocked"},
		{"deploy", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.tool+"/"+tt.workflow, func(t *testing.T) {
			gctx := sessionCtx("wf")
			if tt.workflow != "" {
				gctx = sessionCtx("wf", MetaWorkflowType, tt.workflow)
			}
			expectCode(t, invoke(t, a, tt.tool, nil, gctx), tt.want)
		})
	}
}

func TestToolPolicy_Preconditions(t *testing.T) {
	a, _, _ := policyGuard(t, map[string]any{"tools": map[string]any{
		"list_repos":  map[string]any{},
		"delete_repo": map[string]any{"preconditions": []any{"list_repos"}},
	}})

	d := invoke(t, a, "delete_repo", nil, sessionCtx("s1"))
	expectCode(t, d, "tool_precondition_missing")
	missing := d.Reason.Details["missing"].([]any)
	if len(missing) != 1 || missing[0] != "list_repos" {
		t.Fatalf("unexpected missing %v", missing)
	}

	expectCode(t, invoke(t, a, "list_repos", nil, sessionCtx("s1")), "")
	expectCode(t, invoke(t, a, "delete_repo", nil, sessionCtx("s1")), "")

	// Another session has its own history.
	expectCode(t, invoke(t, a, "delete_repo", nil, sessionCtx("s2")), "tool_precondition_missing")
}

func TestToolPolicy_PreconditionDenyNotRecorded(t *testing.T) {
	a, _, _ := policyGuard(t, map[string]any{"tools": map[string]any{
		"a": map[string]any{"preconditions": []any{"b"}},
		"b": map[string]any{"preconditions": []any{"a"}},
	}})
	expectCode(t, invoke(t, a, "a", nil, sessionCtx("s")), "tool_precondition_missing")
	expectCode(t, invoke(t, a, "b", nil, sessionCtx("s")), "tool_precondition_missing")
}

func TestToolPolicy_RateLimitSlidingWindow(t *testing.T) {
	a, _, now := policyGuard(t, map[string]any{"tools": map[string]any{
		"search": map[string]any{"rate_limit": map[string]any{"max_calls": 2, "window_seconds": 60}},
	}})

	gctx := sessionCtx("rl")
	expectCode(t, invoke(t, a, "search", nil, gctx), "")
	*now = now.Add(10 * time.Second)
	expectCode(t, invoke(t, a, "search", nil, gctx), "")
	d := invoke(t, a, "search", nil, gctx)
	expectCode(t, d, "tool_rate_limited")
	if d.Reason.Details["count"] != 2 {
		t.Fatalf("unexpected count %v", d.Reason.Details["count"])
	}

	// The first call leaves the window.
	*now = now.Add(55 * time.Second)
	expectCode(t, invoke(t, a, "search", nil, gctx), "")
}

func TestToolPolicy_InformationFlow(t *testing.T) {
	a, _, _ := policyGuard(t, map[string]any{"tools": map[string]any{
		"read_secrets": map[string]any{"output_labels": []any{"secret"}},
		"http_post":    map[string]any{"blocked_source_labels": []any{"secret"}},
		"save_note":    map[string]any{},
	}})

	gctx := sessionCtx("flow")
	expectCode(t, invoke(t, a, "read_secrets", nil, gctx), "")
	respond(t, a, "read_secrets", map[string]any{
		"items": []any{map[string]any{"key": "AKIA1234567890"}, "ok"},
	}, gctx)

	d := invoke(t, a, "http_post", map[string]any{"url": "https://x.test", "body": "token=AKIA1234567890"}, gctx)
	expectCode(t, d, "tool_information_flow_blocked")
	labels := d.Reason.Details["labels"].([]any)
	if len(labels) != 1 || labels[0] != "secret" {
		t.Fatalf("unexpected labels %v", labels)
	}

	// Short values are ignored and tools without blocked labels are unaffected.
	expectCode(t, invoke(t, a, "http_post", map[string]any{"body": "ok"}, gctx), "")
	expectCode(t, invoke(t, a, "save_note", map[string]any{"text": "AKIA1234567890"}, gctx), "")

	// Taint is scoped to the session.
	expectCode(t, invoke(t, a, "http_post", map[string]any{"body": "AKIA1234567890"}, sessionCtx("other")), "")
}

func TestToolPolicy_Unregistered(t *testing.T) {
	a, _, _ := policyGuard(t, map[string]any{"tools": map[string]any{"search": map[string]any{}}})
	expectCode(t, invoke(t, a, "anything", nil, testCtx), "")

	a, _, _ = policyGuard(t, map[string]any{"deny_unregistered": true})
	expectCode(t, invoke(t, a, "anything", nil, testCtx), "tool_not_registered")
}

func TestToolPolicy_SessionKeyFallsBackToIdentity(t *testing.T) {
	a, _, _ := policyGuard(t, map[string]any{"tools": map[string]any{
		"login":  map[string]any{},
		"export": map[string]any{"preconditions": []any{"login"}},
	}})

	alice := guard.GuardContext{ServerName: "github", Identity: "alice"}
	bob := guard.GuardContext{ServerName: "github", Identity: "bob"}
	expectCode(t, invoke(t, a, "login", nil, alice), "")
	expectCode(t, invoke(t, a, "export", nil, alice), "")
	expectCode(t, invoke(t, a, "export", nil, bob), "tool_precondition_missing")
}

func TestToolPolicy_SessionsExpire(t *testing.T) {
	a, g, now := policyGuard(t, map[string]any{
		"session_ttl_seconds": 60,
		"tools": map[string]any{
			"login":  map[string]any{},
			"export": map[string]any{"preconditions": []any{"login"}},
		},
	})

	expectCode(t, invoke(t, a, "login", nil, sessionCtx("old")), "")
	*now = now.Add(2 * time.Minute)
	expectCode(t, invoke(t, a, "export", nil, sessionCtx("old")), "tool_precondition_missing")

	*now = now.Add(2 * time.Minute)
	expectCode(t, invoke(t, a, "login", nil, sessionCtx("new")), "")
	if n := g.sessions.size(); n != 1 {
		t.Fatalf("expected expired sessions swept, have %d", n)
	}
}

func TestToolPolicy_SessionHistoryBounded(t *testing.T) {
	a, g, _ := policyGuard(t, map[string]any{
		"max_session_calls": 3,
		"tools":             map[string]any{"ping": map[string]any{}},
	})
	for i := 0; i < 10; i++ {
		expectCode(t, invoke(t, a, "ping", nil, sessionCtx("s")), "")
	}
	g.sessions.view(sessionKey(sessionCtx("s")), g.now(), func(s *session) {
		if len(s.calls) != 3 {
			t.Fatalf("expected 3 retained calls, got %d", len(s.calls))
		}
	})
}

func TestToolPolicy_ConfigErrors(t *testing.T) {
	tests := map[string]map[string]any{
		"empty":      nil,
		"bad tier":   {"tools": map[string]any{"x": map[string]any{"risk_tier": "extreme"}}},
		"bad limit":  {"tools": map[string]any{"x": map[string]any{"rate_limit": map[string]any{"max_calls": 0, "window_seconds": 10}}}},
		"bad ttl":    {"deny_unregistered": true, "session_ttl_seconds": 0},
		"rule field": {"tools": map[string]any{"x": map[string]any{"nope": 1}}},
	}
	for name, cfg := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := New(testSpec("tool_policy", cfg), testDeps())
			if !errors.Is(err, guard.ErrConfig) {
				t.Fatalf("expected config error, got %v", err)
			}
		})
	}
}
