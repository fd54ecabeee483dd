// Package pipeline runs the guards configured for a hook and composes their
// decisions into the one decision the protocol layer enforces.
package pipeline

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentgateway/agentgateway-sub001/internal/guard"
	"github.com/agentgateway/agentgateway-sub001/internal/registry"
	"github.com/agentgateway/agentgateway-sub001/internal/storage"
)

// Outcome of a single guard step as recorded in events.
const (
	OutcomeAllow  = "allow"
	OutcomeDeny   = "deny"
	OutcomeModify = "modify"
	OutcomeFault  = "fault"
)

// SourceInProcess marks evaluations made through Evaluate.
const SourceInProcess = "in_process"

// Step records one guard invocation within an evaluation.
type Step struct {
	GuardID string
	Tier    guard.Tier
	// Decision is the effective decision of the step; for a fault it is the
	// one synthesized from the guard's failure mode.
	Decision guard.Decision
	Err      error
	Latency  time.Duration
}

// Outcome names the step result for events and logs.
func (s Step) Outcome() string {
	if s.Err != nil {
		return OutcomeFault
	}
	return s.Decision.Kind.String()
}

// Result is the composed decision plus the trace that produced it.
type Result struct {
	EvaluationID string
	Decision     guard.Decision
	Steps        []Step
	Latency      time.Duration
}

// Origin describes who asked for an evaluation. It only affects the
// recorded event, never the decision.
type Origin struct {
	CallerID string
	Shadow   bool
	Source   string
}

// Orchestrator is the hot-path entry point. It is safe for concurrent use.
type Orchestrator struct {
	reg    atomic.Pointer[registry.Registry]
	events storage.EventWriter
	logger *zap.Logger
}

// New creates an orchestrator over reg. A nil events writer discards events.
func New(reg *registry.Registry, events storage.EventWriter, logger *zap.Logger) *Orchestrator {
	if reg == nil {
		reg = registry.Empty()
	}
	if events == nil {
		events = storage.Discard{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{events: events, logger: logger}
	o.reg.Store(reg)
	return o
}

// Registry returns the registry currently serving evaluations.
func (o *Orchestrator) Registry() *registry.Registry { return o.reg.Load() }

// Swap installs next and closes the previous registry once every evaluation
// that acquired it has finished. It blocks until the old registry is closed.
func (o *Orchestrator) Swap(next *registry.Registry) error {
	old := o.reg.Swap(next)
	if old == nil || old == next {
		return nil
	}
	return old.Close()
}

// Close shuts the current registry down. Later evaluations fail closed.
func (o *Orchestrator) Close() error {
	return o.reg.Load().Close()
}

// acquire pins the current registry, following swaps that race with it.
func (o *Orchestrator) acquire() (*registry.Registry, func(), bool) {
	for {
		r := o.reg.Load()
		if release, ok := r.Acquire(); ok {
			return r, release, true
		}
		if o.reg.Load() == r {
			return nil, nil, false
		}
	}
}

// Evaluate runs the guards bound to hook against payload and returns the
// composed decision. It never returns an error: faults are resolved through
// each guard's failure mode.
func (o *Orchestrator) Evaluate(ctx context.Context, hook guard.Hook, payload guard.Payload, gctx guard.GuardContext) guard.Decision {
	return o.Run(ctx, hook, payload, gctx, Origin{Source: SourceInProcess}).Decision
}

// Run is Evaluate with the full trace. Exactly one event is written per call.
func (o *Orchestrator) Run(ctx context.Context, hook guard.Hook, payload guard.Payload, gctx guard.GuardContext, origin Origin) Result {
	start := time.Now()
	res := Result{EvaluationID: uuid.NewString()}

	reg, release, ok := o.acquire()
	if !ok {
		res.Decision = guard.Deny(guard.DenyReason{
			Code:    guard.CodeGuardExecutionError,
			Message: "guard pipeline is shut down",
		})
		res.Latency = time.Since(start)
		o.emit(hook, payload, gctx, origin, &res)
		return res
	}
	defer release()

	current := payload
	modified := false
	for _, e := range reg.For(hook) {
		if err := ctx.Err(); err != nil {
			res.Decision = cancelled()
			break
		}

		step := o.step(ctx, e, hook, current, gctx)
		res.Steps = append(res.Steps, step)

		if step.Err != nil && ctx.Err() != nil {
			// The enclosing request went away while the guard ran.
			res.Decision = cancelled()
			break
		}

		d := step.Decision
		if d.IsDeny() {
			res.Decision = d
			break
		}
		if d.Kind == guard.KindModify {
			current = *d.Payload
			modified = true
		}
	}

	if res.Decision.Kind == 0 {
		if modified {
			res.Decision = guard.Modify(current)
		} else {
			res.Decision = guard.Allow()
		}
	}
	res.Latency = time.Since(start)
	o.emit(hook, payload, gctx, origin, &res)
	return res
}

func cancelled() guard.Decision {
	return guard.Deny(guard.DenyReason{
		Code:    guard.CodeRequestCancelled,
		Message: "request was cancelled before the guard pipeline completed",
	})
}

// step runs one guard under its timeout and resolves faults through the
// guard's failure mode.
func (o *Orchestrator) step(ctx context.Context, e registry.Entry, hook guard.Hook, p guard.Payload, gctx guard.GuardContext) Step {
	start := time.Now()
	d, err := invoke(ctx, e, hook, p, gctx)
	if err == nil {
		if verr := d.Validate(); verr != nil {
			err = guard.NewFault(guard.ErrDecision, e.Spec.ID, verr)
		}
	}
	s := Step{GuardID: e.Spec.ID, Tier: e.Spec.Tier, Decision: d, Err: err, Latency: time.Since(start)}
	if err == nil {
		return s
	}

	s.Decision = resolve(e.Spec)
	if ctx.Err() == nil {
		o.logger.Warn("guard failed, applying failure mode",
			zap.String("guard_id", e.Spec.ID),
			zap.Stringer("tier", e.Spec.Tier),
			zap.String("hook", string(hook)),
			zap.Stringer("failure_mode", e.Spec.FailureMode),
			zap.Duration("latency", s.Latency),
			zap.Error(err),
		)
	}
	return s
}

// resolve synthesizes the decision for a guard that could not decide.
func resolve(spec *guard.Spec) guard.Decision {
	if spec.FailureMode == guard.FailOpen {
		return guard.Allow()
	}
	return guard.Deny(guard.DenyReason{
		Code:    guard.CodeGuardExecutionError,
		Message: fmt.Sprintf("guard %q could not reach a decision", spec.ID),
	})
}

type outcome struct {
	decision guard.Decision
	err      error
}

// invoke calls the adapter in its own goroutine so a guard that ignores its
// context still cannot hold the pipeline past the timeout. The buffered
// channel lets an abandoned call finish without blocking.
func invoke(ctx context.Context, e registry.Entry, hook guard.Hook, p guard.Payload, gctx guard.GuardContext) (guard.Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, e.Spec.Timeout)
	defer cancel()

	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: guard.Faultf(guard.ErrExecutionFault, e.Spec.ID, "guard panicked: %v", r)}
			}
		}()
		d, err := e.Adapter.Evaluate(ctx, hook, p, gctx)
		ch <- outcome{decision: d, err: err}
	}()

	select {
	case out := <-ch:
		return out.decision, out.err
	case <-ctx.Done():
		kind := guard.ErrExecutionFault
		if e.Spec.Tier == guard.TierHTTP {
			kind = guard.ErrTransport
		}
		return guard.Decision{}, guard.NewFault(kind, e.Spec.ID,
			fmt.Errorf("no decision within %s: %w", e.Spec.Timeout, context.Cause(ctx)))
	}
}

func (o *Orchestrator) emit(hook guard.Hook, p guard.Payload, gctx guard.GuardContext, origin Origin, res *Result) {
	ev := &storage.DecisionEvent{
		EvaluationID:     res.EvaluationID,
		CallerID:         origin.CallerID,
		Timestamp:        time.Now().UTC(),
		Hook:             string(hook),
		ServerName:       gctx.ServerName,
		Identity:         gctx.Identity,
		ToolName:         p.ToolName,
		ToolCount:        int32(len(p.Tools)),
		Decision:         res.Decision.Kind.String(),
		GuardIDs:         make([]string, len(res.Steps)),
		GuardOutcomes:    make([]string, len(res.Steps)),
		GuardLatenciesMs: make([]float32, len(res.Steps)),
		GuardErrors:      make([]string, len(res.Steps)),
		Metadata:         make(map[string]string, len(gctx.Metadata)),
		LatencyMs:        float32(res.Latency.Microseconds()) / 1000,
		Shadow:           origin.Shadow,
		Source:           origin.Source,
	}
	if r := res.Decision.Reason; r != nil {
		ev.DenyCode = r.Code
		ev.DenyMessage = r.Message
	}
	for i, s := range res.Steps {
		ev.GuardIDs[i] = s.GuardID
		ev.GuardOutcomes[i] = s.Outcome()
		ev.GuardLatenciesMs[i] = float32(s.Latency.Microseconds()) / 1000
		if s.Err != nil {
			ev.GuardErrors[i] = s.Err.Error()
		}
	}
	if n := len(res.Steps); n > 0 && res.Decision.Kind == guard.KindDeny && res.Decision.Reason.Code != guard.CodeRequestCancelled {
		ev.DecidingGuard = res.Steps[n-1].GuardID
	}
	for _, m := range gctx.Metadata {
		ev.Metadata[m.Key] = m.Value
	}
	o.events.Write(ev)
}
