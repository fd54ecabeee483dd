package guard

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestMetadata_MarshalPreservesOrder(t *testing.T) {
	m := Metadata{{Key: "zeta", Value: "1"}, {Key: "alpha", Value: "2"}, {Key: "mid", Value: "3"}}
	b, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"zeta":"1","alpha":"2","mid":"3"}`
	if string(b) != want {
		t.Fatalf("got %s, want %s", b, want)
	}

	var back Metadata
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatal(err)
	}
	if len(back) != 3 || back[0].Key != "zeta" || back[2].Key != "mid" {
		t.Fatalf("order lost: %+v", back)
	}
}

func TestMetadata_EmptyMarshalsAsObject(t *testing.T) {
	b, err := json.Marshal(GuardContext{ServerName: "s", Metadata: Metadata{}})
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"server_name":"s","metadata":{}}` {
		t.Fatalf("unexpected encoding %s", b)
	}
}

func TestMetadata_WithDoesNotMutate(t *testing.T) {
	m := Metadata{{Key: "a", Value: "1"}}
	n := m.With("a", "2").With("b", "3")
	if v, _ := m.Get("a"); v != "1" {
		t.Fatalf("original mutated: %q", v)
	}
	if v, _ := n.Get("a"); v != "2" {
		t.Fatalf("expected overwrite, got %q", v)
	}
	if _, ok := n.Get("b"); !ok {
		t.Fatal("expected appended key")
	}
}

func TestPayload_CloneIsDeep(t *testing.T) {
	p := Payload{
		Tools:     []Tool{{Name: "t", InputSchema: map[string]any{"type": "object"}}},
		Arguments: map[string]any{"nested": map[string]any{"k": "v"}, "list": []any{"x"}},
	}
	c := p.Clone()
	c.Tools[0].Name = "changed"
	c.Tools[0].InputSchema["type"] = "string"
	c.Arguments["nested"].(map[string]any)["k"] = "changed"
	c.Arguments["list"].([]any)[0] = "changed"

	if p.Tools[0].Name != "t" || p.Tools[0].InputSchema["type"] != "object" {
		t.Fatal("tools aliased")
	}
	if p.Arguments["nested"].(map[string]any)["k"] != "v" || p.Arguments["list"].([]any)[0] != "x" {
		t.Fatal("arguments aliased")
	}
}

func TestHookSet(t *testing.T) {
	s := NewHookSet(HookToolInvokeResponse, HookToolsList)
	if !s.Has(HookToolsList) || s.Has(HookToolInvokeRequest) {
		t.Fatalf("membership wrong: %v", s.Hooks())
	}
	hooks := s.Hooks()
	if len(hooks) != 2 || hooks[0] != HookToolsList || hooks[1] != HookToolInvokeResponse {
		t.Fatalf("expected lifecycle order, got %v", hooks)
	}
	if s.Has(Hook("bogus")) {
		t.Fatal("unknown hook must never be a member")
	}
}

func TestParseEnums(t *testing.T) {
	if _, err := ParseHook("tools/list"); err == nil {
		t.Fatal("expected error for unknown hook")
	}
	if tier, err := ParseTier("wasm"); err != nil || tier != TierWasm {
		t.Fatalf("ParseTier: %v %v", tier, err)
	}
	if m, err := ParseFailureMode(""); err != nil || m != FailClosed {
		t.Fatalf("default failure mode must be fail_closed, got %v %v", m, err)
	}
	if _, err := ParseFailureMode("fail_sometimes"); err == nil {
		t.Fatal("expected error")
	}
}

func TestSpecValidate(t *testing.T) {
	base := Spec{
		ID:       "g",
		Tier:     TierHTTP,
		Timeout:  50 * time.Millisecond,
		Hooks:    NewHookSet(HookToolsList),
		Location: "http://guard.local/check",
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("valid spec rejected: %v", err)
	}

	cases := map[string]func(s *Spec){
		"missing id":       func(s *Spec) { s.ID = "" },
		"zero timeout":     func(s *Spec) { s.Timeout = 0 },
		"no hooks":         func(s *Spec) { s.Hooks = 0 },
		"relative url":     func(s *Spec) { s.Location = "/check" },
		"non-http scheme":  func(s *Spec) { s.Location = "ftp://guard.local" },
		"missing location": func(s *Spec) { s.Location = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			s := base
			mutate(&s)
			err := s.Validate()
			if !errors.Is(err, ErrConfig) {
				t.Fatalf("expected ErrConfig, got %v", err)
			}
		})
	}
}

func TestFault_Classification(t *testing.T) {
	err := Faultf(ErrTransport, "hook", "status %d", 503)
	if !errors.Is(err, ErrTransport) {
		t.Fatal("expected ErrTransport")
	}
	if errors.Is(err, ErrDecision) {
		t.Fatal("unexpected ErrDecision")
	}
	var f *Fault
	if !errors.As(err, &f) || f.GuardID != "hook" {
		t.Fatalf("errors.As failed: %v", err)
	}
	if FaultKind(errors.New("plain")) != ErrExecutionFault {
		t.Fatal("unclassified errors count as execution faults")
	}
}

func TestParseWireDecision(t *testing.T) {
	current := Payload{
		Tools:     []Tool{{Name: "read_file"}},
		ToolName:  "read_file",
		Arguments: map[string]any{"path": "/etc/passwd"},
	}

	t.Run("allow", func(t *testing.T) {
		d, err := ParseWireDecision("g", []byte(`{"decision":"allow"}`), current)
		if err != nil || d.Kind != KindAllow {
			t.Fatalf("got %v %v", d, err)
		}
	})

	t.Run("deny", func(t *testing.T) {
		d, err := ParseWireDecision("g", []byte(`{"decision":"deny","reason":{"code":"blocked","message":"no","details":{"n":1}}}`), current)
		if err != nil {
			t.Fatal(err)
		}
		if !d.IsDeny() || d.Reason.Code != "blocked" || d.Reason.Details["n"] != float64(1) {
			t.Fatalf("unexpected decision %+v", d)
		}
	})

	t.Run("modify replaces named fields", func(t *testing.T) {
		d, err := ParseWireDecision("g", []byte(`{"decision":"modify","arguments":{"path":"/tmp/x"}}`), current)
		if err != nil {
			t.Fatal(err)
		}
		if d.Kind != KindModify {
			t.Fatalf("expected modify, got %v", d)
		}
		if d.Payload.Arguments["path"] != "/tmp/x" {
			t.Fatalf("arguments not replaced: %v", d.Payload.Arguments)
		}
		if d.Payload.ToolName != "read_file" || len(d.Payload.Tools) != 1 {
			t.Fatalf("unnamed fields must be kept: %+v", d.Payload)
		}
		if current.Arguments["path"] != "/etc/passwd" {
			t.Fatal("input payload mutated")
		}
	})

	t.Run("modify empty tool list", func(t *testing.T) {
		d, err := ParseWireDecision("g", []byte(`{"decision":"modify","tools":[]}`), current)
		if err != nil {
			t.Fatal(err)
		}
		if d.Payload.Tools == nil || len(d.Payload.Tools) != 0 {
			t.Fatalf("expected empty tool list, got %v", d.Payload.Tools)
		}
	})

	bad := map[string]struct {
		body string
		kind error
	}{
		"garbage":         {`not json`, ErrDecision},
		"unknown":         {`{"decision":"maybe"}`, ErrDecision},
		"deny no reason":  {`{"decision":"deny"}`, ErrDecision},
		"deny empty code": {`{"decision":"deny","reason":{"code":"","message":"x"}}`, ErrDecision},
		"modify no field": {`{"decision":"modify"}`, ErrDecision},
		"guest error":     {`{"error":"boom"}`, ErrExecutionFault},
	}
	for name, tc := range bad {
		t.Run(name, func(t *testing.T) {
			_, err := ParseWireDecision("g", []byte(tc.body), current)
			if !errors.Is(err, tc.kind) {
				t.Fatalf("expected %v, got %v", tc.kind, err)
			}
		})
	}
}

func TestNewWireRequest_NormalisesNil(t *testing.T) {
	req := NewWireRequest(HookToolsList, Payload{}, GuardContext{ServerName: "s"}, nil)
	b, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"operation":"tools_list","tools":[],"context":{"server_name":"s","metadata":{}}}`
	if string(b) != want {
		t.Fatalf("got %s, want %s", b, want)
	}
}

func TestDecisionValidate(t *testing.T) {
	valid := []Decision{Allow(), Deny(DenyReason{Code: "x"}), Modify(Payload{})}
	for _, d := range valid {
		if err := d.Validate(); err != nil {
			t.Fatalf("%v: unexpected error %v", d, err)
		}
	}
	invalid := []Decision{{}, {Kind: KindDeny}, Deny(DenyReason{Message: "no code"}), {Kind: KindModify}}
	for _, d := range invalid {
		if err := d.Validate(); err == nil {
			t.Fatalf("%+v: expected error", d)
		}
	}
}
