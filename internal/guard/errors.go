package guard

import (
	"errors"
	"fmt"
)

// Error taxonomy. Only ErrConfig may surface to an operator; every other
// kind is converted into a synthetic decision through the guard's failure mode.
var (
	ErrConfig         = errors.New("config error")
	ErrModuleLoad     = errors.New("module load error")
	ErrExecutionFault = errors.New("execution fault")
	ErrTransport      = errors.New("transport error")
	ErrDecision       = errors.New("decision error")
)

// Fault is an error attributed to one guard. Kind is one of the taxonomy
// sentinels, so callers match with errors.Is(err, guard.ErrTransport).
type Fault struct {
	Kind    error
	GuardID string
	Err     error
}

func (f *Fault) Error() string {
	if f.GuardID == "" {
		return fmt.Sprintf("%v: %v", f.Kind, f.Err)
	}
	return fmt.Sprintf("guard %s: %v: %v", f.GuardID, f.Kind, f.Err)
}

func (f *Fault) Unwrap() []error { return []error{f.Kind, f.Err} }

// NewFault wraps err as a fault of the given kind.
func NewFault(kind error, guardID string, err error) *Fault {
	return &Fault{Kind: kind, GuardID: guardID, Err: err}
}

// Faultf builds a fault with a formatted cause.
func Faultf(kind error, guardID, format string, args ...any) *Fault {
	return &Fault{Kind: kind, GuardID: guardID, Err: fmt.Errorf(format, args...)}
}

// ConfigErrorf reports a malformed guard definition.
func ConfigErrorf(guardID, format string, args ...any) error {
	return Faultf(ErrConfig, guardID, format, args...)
}

// FaultKind returns the taxonomy sentinel carried by err, or ErrExecutionFault
// when err is not classified.
func FaultKind(err error) error {
	for _, kind := range []error{ErrConfig, ErrModuleLoad, ErrExecutionFault, ErrTransport, ErrDecision} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return ErrExecutionFault
}
