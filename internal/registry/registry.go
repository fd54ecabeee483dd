// Package registry holds the immutable, ordered set of guards built from
// configuration together with the runtime handles that execute them.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/agentgateway/agentgateway-sub001/internal/guard"
	"github.com/agentgateway/agentgateway-sub001/internal/guard/httphook"
	"github.com/agentgateway/agentgateway-sub001/internal/guard/native"
	"github.com/agentgateway/agentgateway-sub001/internal/guard/wasm"
)

// Entry pairs a guard spec with the adapter that executes it.
type Entry struct {
	Spec    *guard.Spec
	Adapter guard.Adapter
}

// Deps are the process-wide collaborators handed to tier constructors.
type Deps struct {
	Native native.Deps
	Wasm   wasm.Options
	Logger *zap.Logger
}

// Registry is an immutable snapshot of the configured guards. Reload builds
// a new Registry and swaps it in; the old one is closed once every
// evaluation that acquired it has released it.
type Registry struct {
	entries []Entry
	byHook  map[guard.Hook][]Entry

	mu     sync.RWMutex // read-held by in-flight evaluations
	closed bool
}

// Build validates specs, orders them and constructs one handle per guard.
// Ordering is ascending priority with ties kept in declaration order.
// Native guards are constructed eagerly so their config errors surface
// here; wasm modules load lazily on first use.
func Build(specs []*guard.Spec, deps Deps) (*Registry, error) {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Native.Logger == nil {
		deps.Native.Logger = deps.Logger
	}
	if deps.Wasm.Logger == nil {
		deps.Wasm.Logger = deps.Logger
	}

	if err := validateSpecs(specs); err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(specs))
	for _, s := range specs {
		a, err := newAdapter(s, deps)
		if err != nil {
			closeEntries(entries)
			return nil, err
		}
		entries = append(entries, Entry{Spec: s, Adapter: a})
	}
	return New(entries)
}

// New orders already constructed entries and indexes them by hook. The
// registry takes ownership of the adapters.
func New(entries []Entry) (*Registry, error) {
	specs := make([]*guard.Spec, len(entries))
	for i, e := range entries {
		specs[i] = e.Spec
	}
	if err := validateSpecs(specs); err != nil {
		return nil, err
	}

	ordered := make([]Entry, len(entries))
	copy(ordered, entries)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Spec.Priority < ordered[j].Spec.Priority
	})

	r := &Registry{entries: ordered, byHook: make(map[guard.Hook][]Entry, len(guard.AllHooks))}
	for _, e := range ordered {
		for _, h := range e.Spec.Hooks.Hooks() {
			r.byHook[h] = append(r.byHook[h], e)
		}
	}
	return r, nil
}

func validateSpecs(specs []*guard.Spec) error {
	seen := make(map[string]struct{}, len(specs))
	for _, s := range specs {
		if err := s.Validate(); err != nil {
			return err
		}
		if _, dup := seen[s.ID]; dup {
			return guard.ConfigErrorf(s.ID, "duplicate guard id")
		}
		seen[s.ID] = struct{}{}
	}
	return nil
}

// Empty returns a registry with no guards; every hook allows.
func Empty() *Registry {
	return &Registry{byHook: map[guard.Hook][]Entry{}}
}

func newAdapter(s *guard.Spec, deps Deps) (guard.Adapter, error) {
	switch s.Tier {
	case guard.TierNative:
		return native.New(s, deps.Native)
	case guard.TierWasm:
		return wasm.New(s, deps.Wasm)
	case guard.TierHTTP:
		return httphook.New(s, deps.Logger)
	default:
		return nil, guard.ConfigErrorf(s.ID, "unknown tier %s", s.Tier)
	}
}

// For returns the guards declared on hook in evaluation order.
func (r *Registry) For(h guard.Hook) []Entry { return r.byHook[h] }

// Entries returns every guard in evaluation order.
func (r *Registry) Entries() []Entry { return r.entries }

// Len is the number of configured guards.
func (r *Registry) Len() int { return len(r.entries) }

// Acquire pins the registry for one evaluation. It fails once Close has
// started; the caller should then pick up the replacement registry.
func (r *Registry) Acquire() (release func(), ok bool) {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return nil, false
	}
	return r.mu.RUnlock, true
}

// Resolve loads every wasm module now instead of on first use. It returns
// the load errors of all faulted modules.
func (r *Registry) Resolve() error {
	var errs []error
	for _, e := range r.entries {
		if h, ok := e.Adapter.(*wasm.Handle); ok {
			if err := h.Load(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Close waits for in-flight evaluations to release the registry, then tears
// down every handle. It is safe to call more than once.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return closeEntries(r.entries)
}

func closeEntries(entries []Entry) error {
	var errs []error
	for _, e := range entries {
		if err := e.Adapter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close guard %s: %w", e.Spec.ID, err))
		}
	}
	return errors.Join(errs...)
}
