// Package native runs compiled-in guards in process.
package native

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sort"

	"go.uber.org/zap"

	"github.com/agentgateway/agentgateway-sub001/internal/baseline"
	"github.com/agentgateway/agentgateway-sub001/internal/guard"
)

// Guard is a compiled-in guard. Implementations must be safe for concurrent
// use and should return quickly; the adapter does not bound their runtime
// beyond the orchestrator's deadline. Embed Base to allow by default on the
// hooks a guard does not inspect.
type Guard interface {
	EvaluateToolsList(ctx context.Context, tools []guard.Tool, gctx guard.GuardContext) (guard.Decision, error)
	EvaluateToolInvoke(ctx context.Context, p guard.Payload, gctx guard.GuardContext) (guard.Decision, error)
	EvaluateToolResponse(ctx context.Context, p guard.Payload, gctx guard.GuardContext) (guard.Decision, error)
}

// Base allows every hook.
type Base struct{}

func (Base) EvaluateToolsList(context.Context, []guard.Tool, guard.GuardContext) (guard.Decision, error) {
	return guard.Allow(), nil
}

func (Base) EvaluateToolInvoke(context.Context, guard.Payload, guard.GuardContext) (guard.Decision, error) {
	return guard.Allow(), nil
}

func (Base) EvaluateToolResponse(context.Context, guard.Payload, guard.GuardContext) (guard.Decision, error) {
	return guard.Allow(), nil
}

// Deps are the process-wide collaborators handed to guard constructors.
type Deps struct {
	Baselines baseline.Store
	Logger    *zap.Logger
}

// Constructor builds a guard from its spec. Config problems must be
// returned as guard.ErrConfig faults.
type Constructor func(spec *guard.Spec, deps Deps) (Guard, error)

var constructors = map[string]Constructor{
	"tool_poisoning":      newToolPoisoning,
	"rug_pull":            newRugPull,
	"tool_shadowing":      newToolShadowing,
	"server_whitelist":    newServerWhitelist,
	"argument_validation": newArgumentValidation,
	"pii_redaction":       newPIIRedaction,
	"tool_policy":         newToolPolicy,
}

// Symbols lists the native guard names accepted in configuration.
func Symbols() []string {
	out := make([]string, 0, len(constructors))
	for name := range constructors {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Adapter dispatches hook invocations to a native Guard.
type Adapter struct {
	id    string
	guard Guard
}

// New resolves spec.Location to a compiled-in guard and constructs it.
func New(spec *guard.Spec, deps Deps) (*Adapter, error) {
	ctor, ok := constructors[spec.Location]
	if !ok {
		return nil, guard.ConfigErrorf(spec.ID, "unknown native guard %q (available: %v)", spec.Location, Symbols())
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	deps.Logger = deps.Logger.With(zap.String("guard_id", spec.ID))
	g, err := ctor(spec, deps)
	if err != nil {
		if errors.Is(err, guard.ErrConfig) {
			return nil, err
		}
		return nil, guard.NewFault(guard.ErrConfig, spec.ID, err)
	}
	return NewAdapter(spec.ID, g), nil
}

// NewAdapter wraps an already constructed guard.
func NewAdapter(id string, g Guard) *Adapter {
	return &Adapter{id: id, guard: g}
}

// Evaluate runs the guard for hook. Panics and returned errors become
// execution faults; malformed decisions become decision errors.
func (a *Adapter) Evaluate(ctx context.Context, hook guard.Hook, p guard.Payload, gctx guard.GuardContext) (d guard.Decision, err error) {
	defer func() {
		if r := recover(); r != nil {
			d, err = guard.Decision{}, guard.Faultf(guard.ErrExecutionFault, a.id, "native guard panicked: %v", r)
		}
	}()

	switch hook {
	case guard.HookToolsList:
		d, err = a.guard.EvaluateToolsList(ctx, p.Tools, gctx)
	case guard.HookToolInvokeRequest:
		d, err = a.guard.EvaluateToolInvoke(ctx, p, gctx)
	case guard.HookToolInvokeResponse:
		d, err = a.guard.EvaluateToolResponse(ctx, p, gctx)
	default:
		return guard.Decision{}, guard.Faultf(guard.ErrExecutionFault, a.id, "unsupported hook %q", hook)
	}
	if err != nil {
		var f *guard.Fault
		if errors.As(err, &f) {
			return guard.Decision{}, err
		}
		return guard.Decision{}, guard.NewFault(guard.ErrExecutionFault, a.id, err)
	}
	if verr := d.Validate(); verr != nil {
		return guard.Decision{}, guard.NewFault(guard.ErrDecision, a.id, verr)
	}
	return d, nil
}

// Close releases the guard if it holds resources.
func (a *Adapter) Close() error {
	if c, ok := a.guard.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

// decodeConfig strictly decodes a guard's config map into out. out should be
// pre-populated with defaults; absent keys keep them.
func decodeConfig(spec *guard.Spec, out any) error {
	if len(spec.Config) == 0 {
		return nil
	}
	raw, err := json.Marshal(spec.Config)
	if err != nil {
		return guard.ConfigErrorf(spec.ID, "encode config: %v", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return guard.ConfigErrorf(spec.ID, "invalid %s config: %v", spec.Location, err)
	}
	return nil
}

func deny(code, message string, details map[string]any) guard.Decision {
	return guard.Deny(guard.DenyReason{Code: code, Message: message, Details: details})
}
