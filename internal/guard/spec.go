package guard

import (
	"fmt"
	"net/url"
	"time"
)

// Defaults applied to guard definitions that omit a field.
const (
	DefaultPriority = 100
	DefaultTimeout  = 100 * time.Millisecond
)

// Tier selects the execution substrate of a guard.
type Tier int

const (
	TierNative Tier = iota + 1
	TierWasm
	TierHTTP
)

func (t Tier) String() string {
	switch t {
	case TierNative:
		return "native"
	case TierWasm:
		return "wasm"
	case TierHTTP:
		return "http"
	default:
		return "unknown"
	}
}

// ParseTier converts a configuration string into a Tier.
func ParseTier(s string) (Tier, error) {
	switch s {
	case "native":
		return TierNative, nil
	case "wasm":
		return TierWasm, nil
	case "http":
		return TierHTTP, nil
	default:
		return 0, fmt.Errorf("unknown guard type %q", s)
	}
}

// FailureMode decides the synthetic outcome when a guard cannot produce a decision.
type FailureMode int

const (
	FailClosed FailureMode = iota
	FailOpen
)

func (m FailureMode) String() string {
	if m == FailOpen {
		return "fail_open"
	}
	return "fail_closed"
}

// ParseFailureMode converts a configuration string into a FailureMode.
// The empty string selects FailClosed.
func ParseFailureMode(s string) (FailureMode, error) {
	switch s {
	case "", "fail_closed":
		return FailClosed, nil
	case "fail_open":
		return FailOpen, nil
	default:
		return 0, fmt.Errorf("unknown failure_mode %q", s)
	}
}

// HookSet is a set of hooks.
type HookSet uint8

func hookBit(h Hook) HookSet {
	switch h {
	case HookToolsList:
		return 1
	case HookToolInvokeRequest:
		return 2
	case HookToolInvokeResponse:
		return 4
	default:
		return 0
	}
}

// NewHookSet builds a set from the given hooks.
func NewHookSet(hooks ...Hook) HookSet {
	var s HookSet
	for _, h := range hooks {
		s |= hookBit(h)
	}
	return s
}

// Has reports whether h is in the set.
func (s HookSet) Has(h Hook) bool {
	b := hookBit(h)
	return b != 0 && s&b != 0
}

// Hooks lists the members in lifecycle order.
func (s HookSet) Hooks() []Hook {
	var out []Hook
	for _, h := range AllHooks {
		if s.Has(h) {
			out = append(out, h)
		}
	}
	return out
}

// Spec is the immutable declaration of one guard.
type Spec struct {
	ID          string
	Description string
	Tier        Tier
	Priority    int
	FailureMode FailureMode
	Timeout     time.Duration
	Hooks       HookSet
	// Location is the native symbol, wasm module path or http endpoint.
	Location string
	Config   map[string]any
}

// RunsOn reports whether the guard is declared for hook h.
func (s *Spec) RunsOn(h Hook) bool { return s.Hooks.Has(h) }

// Validate checks the structural invariants of a spec. Tier-specific
// validation of Location and Config happens when the handle is built.
func (s *Spec) Validate() error {
	if s.ID == "" {
		return ConfigErrorf("", "guard id is required")
	}
	switch s.Tier {
	case TierNative, TierWasm, TierHTTP:
	default:
		return ConfigErrorf(s.ID, "unknown tier %d", s.Tier)
	}
	if s.Timeout <= 0 {
		return ConfigErrorf(s.ID, "timeout must be positive, got %s", s.Timeout)
	}
	if s.Hooks == 0 {
		return ConfigErrorf(s.ID, "runs_on must name at least one hook")
	}
	if s.Location == "" {
		switch s.Tier {
		case TierNative:
			return ConfigErrorf(s.ID, "native guard requires a native symbol")
		case TierWasm:
			return ConfigErrorf(s.ID, "wasm guard requires module_path")
		case TierHTTP:
			return ConfigErrorf(s.ID, "http guard requires endpoint")
		}
	}
	if s.Tier == TierHTTP {
		u, err := url.Parse(s.Location)
		if err != nil {
			return ConfigErrorf(s.ID, "invalid endpoint %q: %v", s.Location, err)
		}
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return ConfigErrorf(s.ID, "endpoint %q must be an absolute http(s) URL", s.Location)
		}
	}
	return nil
}
