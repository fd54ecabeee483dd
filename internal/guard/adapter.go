package guard

import "context"

// Adapter is the capability shared by every tier. An adapter wraps one
// guard handle and turns a hook invocation into a Decision.
//
// The deadline for a single call is carried by ctx. Errors returned by
// Evaluate are Faults classified by the taxonomy in errors.go; the
// orchestrator maps them through the guard's FailureMode.
type Adapter interface {
	Evaluate(ctx context.Context, hook Hook, payload Payload, gctx GuardContext) (Decision, error)
	Close() error
}
