package guard

import (
	"encoding/json"
	"fmt"
)

// WireRequest is the JSON document handed to out-of-process guards: the
// wasm guest input and the HTTP hook request body share it.
type WireRequest struct {
	Operation Hook           `json:"operation"`
	Tools     []Tool         `json:"tools"`
	ToolName  string         `json:"tool_name,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Result    map[string]any `json:"result,omitempty"`
	Context   GuardContext   `json:"context"`
	Config    map[string]any `json:"config,omitempty"`
}

// NewWireRequest builds the request document for one invocation.
func NewWireRequest(hook Hook, p Payload, gctx GuardContext, config map[string]any) WireRequest {
	tools := p.Tools
	if tools == nil {
		tools = []Tool{}
	}
	meta := gctx.Metadata
	if meta == nil {
		meta = Metadata{}
	}
	gctx.Metadata = meta
	return WireRequest{
		Operation: hook,
		Tools:     tools,
		ToolName:  p.ToolName,
		Arguments: p.Arguments,
		Result:    p.Result,
		Context:   gctx,
		Config:    config,
	}
}

// Payload extracts the payload carried by the request.
func (r WireRequest) Payload() Payload {
	return Payload{Tools: r.Tools, ToolName: r.ToolName, Arguments: r.Arguments, Result: r.Result}
}

// WireDecision is the JSON document returned by out-of-process guards.
// Error is only used by wasm guests to report a guest-side failure.
type WireDecision struct {
	Decision  string          `json:"decision,omitempty"`
	Reason    *DenyReason     `json:"reason,omitempty"`
	Tools     json.RawMessage `json:"tools,omitempty"`
	ToolName  *string         `json:"tool_name,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// NewWireDecision encodes d. A modify decision carries every payload field.
func NewWireDecision(d Decision) WireDecision {
	w := WireDecision{Decision: d.Kind.String()}
	switch d.Kind {
	case KindDeny:
		w.Reason = d.Reason
	case KindModify:
		p := d.Payload
		if p == nil {
			p = &Payload{}
		}
		w.Tools, _ = json.Marshal(p.Tools)
		if p.ToolName != "" {
			name := p.ToolName
			w.ToolName = &name
		}
		if p.Arguments != nil {
			w.Arguments, _ = json.Marshal(p.Arguments)
		}
		if p.Result != nil {
			w.Result, _ = json.Marshal(p.Result)
		}
	case KindAllow:
	}
	return w
}

// ParseWireDecision decodes a guard response document against the payload
// the guard was given.
//
// A modify response replaces each payload field it names; fields it leaves
// out keep their current value. Malformed documents, unknown decisions, a
// deny without a reason code and a modify without any payload field are
// reported as ErrDecision.
func ParseWireDecision(guardID string, body []byte, current Payload) (Decision, error) {
	var w WireDecision
	if err := json.Unmarshal(body, &w); err != nil {
		return Decision{}, Faultf(ErrDecision, guardID, "unparsable decision document: %v", err)
	}
	if w.Error != "" {
		return Decision{}, Faultf(ErrExecutionFault, guardID, "guard returned error: %s", w.Error)
	}
	kind, err := ParseDecisionKind(w.Decision)
	if err != nil {
		return Decision{}, NewFault(ErrDecision, guardID, err)
	}
	switch kind {
	case KindAllow:
		return Allow(), nil
	case KindDeny:
		if w.Reason == nil || w.Reason.Code == "" {
			return Decision{}, Faultf(ErrDecision, guardID, "deny without reason code")
		}
		return Deny(*w.Reason), nil
	case KindModify:
		p, err := w.apply(current)
		if err != nil {
			return Decision{}, NewFault(ErrDecision, guardID, err)
		}
		return Modify(p), nil
	}
	return Decision{}, Faultf(ErrDecision, guardID, "unhandled decision %q", w.Decision)
}

func (w WireDecision) apply(current Payload) (Payload, error) {
	if len(w.Tools) == 0 && w.ToolName == nil && len(w.Arguments) == 0 && len(w.Result) == 0 {
		return Payload{}, fmt.Errorf("modify without payload fields")
	}
	out := current.Clone()
	if len(w.Tools) > 0 {
		var tools []Tool
		if err := json.Unmarshal(w.Tools, &tools); err != nil {
			return Payload{}, fmt.Errorf("modify tools: %w", err)
		}
		if tools == nil {
			tools = []Tool{}
		}
		out.Tools = tools
	}
	if w.ToolName != nil {
		out.ToolName = *w.ToolName
	}
	if len(w.Arguments) > 0 {
		var args map[string]any
		if err := json.Unmarshal(w.Arguments, &args); err != nil {
			return Payload{}, fmt.Errorf("modify arguments: %w", err)
		}
		out.Arguments = args
	}
	if len(w.Result) > 0 {
		var result map[string]any
		if err := json.Unmarshal(w.Result, &result); err != nil {
			return Payload{}, fmt.Errorf("modify result: %w", err)
		}
		out.Result = result
	}
	return out, nil
}
