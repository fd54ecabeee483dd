package guard

import "fmt"

// Well-known deny codes synthesized by the pipeline itself.
const (
	CodeGuardExecutionError = "guard_execution_error"
	CodeRequestCancelled    = "request_cancelled"
)

// DecisionKind enumerates the three possible guard outcomes.
type DecisionKind int

const (
	KindAllow DecisionKind = iota + 1
	KindDeny
	KindModify
)

// String returns the lowercase wire name of the kind.
func (k DecisionKind) String() string {
	switch k {
	case KindAllow:
		return "allow"
	case KindDeny:
		return "deny"
	case KindModify:
		return "modify"
	default:
		return "unspecified"
	}
}

// ParseDecisionKind converts a wire name into a DecisionKind.
func ParseDecisionKind(s string) (DecisionKind, error) {
	switch s {
	case "allow":
		return KindAllow, nil
	case "deny":
		return KindDeny, nil
	case "modify":
		return KindModify, nil
	default:
		return 0, fmt.Errorf("unknown decision %q", s)
	}
}

// DenyReason explains a Deny decision to the client.
type DenyReason struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Decision is the tagged result of a guard evaluation: Allow, Deny(Reason)
// or Modify(Payload). Build values with Allow, Deny and Modify.
type Decision struct {
	Kind    DecisionKind
	Reason  *DenyReason // set for KindDeny
	Payload *Payload    // set for KindModify
}

// Allow lets the operation proceed unchanged.
func Allow() Decision { return Decision{Kind: KindAllow} }

// Deny vetoes the operation.
func Deny(reason DenyReason) Decision {
	return Decision{Kind: KindDeny, Reason: &reason}
}

// Modify replaces the payload seen by later guards and the protocol layer.
func Modify(p Payload) Decision {
	return Decision{Kind: KindModify, Payload: &p}
}

// Validate checks that the variant carries the data it requires.
func (d Decision) Validate() error {
	switch d.Kind {
	case KindAllow:
		return nil
	case KindDeny:
		if d.Reason == nil || d.Reason.Code == "" {
			return fmt.Errorf("deny without reason code")
		}
		return nil
	case KindModify:
		if d.Payload == nil {
			return fmt.Errorf("modify without payload")
		}
		return nil
	default:
		return fmt.Errorf("unknown decision kind %d", d.Kind)
	}
}

// IsDeny reports whether the decision vetoes the operation.
func (d Decision) IsDeny() bool { return d.Kind == KindDeny }

func (d Decision) String() string {
	switch d.Kind {
	case KindDeny:
		if d.Reason != nil {
			return "deny(" + d.Reason.Code + ")"
		}
		return "deny"
	case KindModify:
		return "modify"
	default:
		return d.Kind.String()
	}
}
