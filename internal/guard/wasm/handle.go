// Package wasm hosts sandboxed guards compiled to WebAssembly.
package wasm

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"github.com/agentgateway/agentgateway-sub001/internal/guard"
)

const (
	// DefaultMaxMemoryBytes caps guest linear memory when the guard does not set max_memory_bytes.
	DefaultMaxMemoryBytes = 10 << 20
	// MaxOutputBytes bounds the decision document a guest may return.
	MaxOutputBytes = 4 << 20
	// DefaultLoadTimeout bounds reading, compiling and trial-instantiating a module.
	DefaultLoadTimeout = 5 * time.Second

	pageSize = 64 << 10
)

// Config keys consumed by the host; they are not visible to the guest.
const configMaxMemory = "max_memory_bytes"

// State is the lifecycle state of a wasm guard handle.
type State int32

const (
	StateUnloaded State = iota
	StateLoading
	StateReady
	StateExecuting
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateExecuting:
		return "executing"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// Options carries process-wide collaborators shared by wasm handles.
type Options struct {
	// Cache shares compiled code between handles that load the same module.
	Cache  wazero.CompilationCache
	Logger *zap.Logger
	// ReadFile defaults to os.ReadFile.
	ReadFile func(name string) ([]byte, error)
	// LoadTimeout defaults to DefaultLoadTimeout.
	LoadTimeout time.Duration
}

// Handle owns one wasm guard: its runtime, compiled module and host bindings.
// The module is loaded lazily on first use and at most once, in the
// background and within Options.LoadTimeout. A failed load faults the handle
// permanently. Each invocation runs in a fresh instance.
type Handle struct {
	spec     *guard.Spec
	opts     Options
	logger   *zap.Logger
	memPages uint32
	env      *hostEnv

	start    sync.Once
	loaded   chan struct{} // closed once loading has finished
	state    atomic.Int32
	inflight atomic.Int32

	// Written before loaded is closed; read-only afterwards.
	loadErr  error
	compiled wazero.CompiledModule
	digest   string

	mu         sync.Mutex
	closed     bool
	cancelLoad context.CancelFunc
	rt         wazero.Runtime
}

// New validates the host-side config of a wasm guard and returns an
// unloaded handle. Config problems are guard.ErrConfig faults.
func New(spec *guard.Spec, opts Options) (*Handle, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ReadFile == nil {
		opts.ReadFile = os.ReadFile
	}
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = DefaultLoadTimeout
	}

	maxMem := int64(DefaultMaxMemoryBytes)
	guestConfig := make(map[string]any, len(spec.Config))
	for k, v := range spec.Config {
		if k == configMaxMemory {
			n, ok := toInt64(v)
			if !ok || n < pageSize || n > math.MaxUint32 {
				return nil, guard.ConfigErrorf(spec.ID, "%s must be an integer between %d and %d", configMaxMemory, pageSize, int64(math.MaxUint32))
			}
			maxMem = n
			continue
		}
		guestConfig[k] = v
	}

	logger := opts.Logger.With(zap.String("guard_id", spec.ID), zap.String("module_path", spec.Location))
	return &Handle{
		spec:     spec,
		opts:     opts,
		logger:   logger,
		memPages: uint32((maxMem + pageSize - 1) / pageSize),
		env:      &hostEnv{logger: logger.Named("guest"), config: guestConfig, now: time.Now},
		loaded:   make(chan struct{}),
	}, nil
}

// State reports the current lifecycle state.
func (h *Handle) State() State {
	s := State(h.state.Load())
	if s == StateReady && h.inflight.Load() > 0 {
		return StateExecuting
	}
	return s
}

// Digest is the hex BLAKE3 digest of the loaded module, or "" before load.
func (h *Handle) Digest() string {
	if h.State() == StateUnloaded || h.State() == StateLoading {
		return ""
	}
	return h.digest
}

// Load starts loading if needed and waits for the outcome. Every call
// returns the result of the first load.
func (h *Handle) Load() error {
	h.begin()
	<-h.loaded
	return h.loadErr
}

// begin starts the background load once. A closed handle never loads.
func (h *Handle) begin() {
	h.start.Do(func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.closed {
			h.finish(nil, nil, errHandleClosed)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), h.opts.LoadTimeout)
		h.cancelLoad = cancel
		h.state.Store(int32(StateLoading))
		go h.run(ctx, cancel)
	})
}

var errHandleClosed = errors.New("handle closed")

func (h *Handle) run(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()
	rt, compiled, err := h.load(ctx)
	if err != nil && ctx.Err() != nil {
		err = fmt.Errorf("%w (%v)", err, ctx.Err())
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		if rt != nil {
			rt.Close(context.Background())
		}
		rt, compiled, err = nil, nil, errHandleClosed
	}
	h.finish(rt, compiled, err)
}

// finish records the load outcome. Callers hold h.mu.
func (h *Handle) finish(rt wazero.Runtime, compiled wazero.CompiledModule, err error) {
	if err != nil {
		h.loadErr = guard.NewFault(guard.ErrModuleLoad, h.spec.ID, err)
		h.state.Store(int32(StateFaulted))
		if !errors.Is(err, errHandleClosed) {
			h.logger.Error("wasm guard failed to load", zap.Error(err))
		}
	} else {
		h.rt, h.compiled = rt, compiled
		h.state.Store(int32(StateReady))
	}
	close(h.loaded)
}

func (h *Handle) load(ctx context.Context) (wazero.Runtime, wazero.CompiledModule, error) {
	code, err := h.opts.ReadFile(h.spec.Location)
	if err != nil {
		return nil, nil, fmt.Errorf("read module: %w", err)
	}
	sum := blake3.Sum256(code)
	h.digest = hex.EncodeToString(sum[:])

	// The start section runs during instantiation, outside any invocation.
	if err := rejectStartSection(code); err != nil {
		return nil, nil, fmt.Errorf("guest ABI: %w", err)
	}

	cfg := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithMemoryLimitPages(h.memPages)
	if h.opts.Cache != nil {
		cfg = cfg.WithCompilationCache(h.opts.Cache)
	}
	rt := wazero.NewRuntimeWithConfig(ctx, cfg)

	fail := func(format string, err error) (wazero.Runtime, wazero.CompiledModule, error) {
		rt.Close(context.Background())
		return nil, nil, fmt.Errorf(format, err)
	}
	if err := h.env.instantiateHost(ctx, rt); err != nil {
		return fail("instantiate host module: %w", err)
	}
	compiled, err := rt.CompileModule(ctx, code)
	if err != nil {
		return fail("compile module: %w", err)
	}
	if err := validateABI(compiled, h.spec.Hooks.Hooks()); err != nil {
		return fail("guest ABI: %w", err)
	}
	// Instantiate once so link failures and oversized memory surface as load
	// errors rather than on every call.
	trial, err := rt.InstantiateModule(ctx, compiled, h.moduleConfig())
	if err != nil {
		return fail("instantiate module: %w", err)
	}
	trial.Close(context.Background())

	h.logger.Info("wasm guard loaded",
		zap.String("digest", h.digest),
		zap.Int("size_bytes", len(code)),
		zap.Uint32("memory_limit_pages", h.memPages),
	)
	return rt, compiled, nil
}

func (h *Handle) moduleConfig() wazero.ModuleConfig {
	// Anonymous instances may coexist in one runtime.
	return wazero.NewModuleConfig().WithName("").WithStartFunctions()
}

// Evaluate runs the guard's entry point for hook in a fresh instance.
// Traps, deadline expiry and memory exhaustion fault this call only, as
// does a deadline that expires while the module is still loading.
func (h *Handle) Evaluate(ctx context.Context, hook guard.Hook, p guard.Payload, gctx guard.GuardContext) (guard.Decision, error) {
	h.begin()
	select {
	case <-h.loaded:
	case <-ctx.Done():
		return guard.Decision{}, guard.Faultf(guard.ErrExecutionFault, h.spec.ID, "module still loading: %v", ctx.Err())
	}
	if h.loadErr != nil {
		return guard.Decision{}, h.loadErr
	}
	if !h.spec.RunsOn(hook) {
		return guard.Decision{}, guard.Faultf(guard.ErrExecutionFault, h.spec.ID, "guard is not declared for hook %q", hook)
	}

	h.inflight.Add(1)
	defer h.inflight.Add(-1)

	out, err := h.invoke(ctx, hook.EntryPoint(), guard.NewWireRequest(hook, p, gctx, nil))
	if err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("%w (%v)", err, ctx.Err())
		}
		return guard.Decision{}, guard.NewFault(guard.ErrExecutionFault, h.spec.ID, err)
	}
	return guard.ParseWireDecision(h.spec.ID, out, p)
}

func (h *Handle) invoke(ctx context.Context, entry string, req guard.WireRequest) ([]byte, error) {
	input, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	h.mu.Lock()
	rt := h.rt
	h.mu.Unlock()
	mod, err := rt.InstantiateModule(ctx, h.compiled, h.moduleConfig())
	if err != nil {
		return nil, fmt.Errorf("instantiate: %w", err)
	}
	defer mod.Close(context.Background())

	mem := mod.ExportedMemory(MemoryExport)
	res, err := mod.ExportedFunction(AllocExport).Call(ctx, uint64(len(input)))
	if err != nil {
		return nil, fmt.Errorf("alloc: %w", err)
	}
	ptr := uint32(res[0])
	if !mem.Write(ptr, input) {
		return nil, fmt.Errorf("alloc returned out-of-bounds region %d+%d", ptr, len(input))
	}

	res, err = mod.ExportedFunction(entry).Call(ctx, uint64(ptr), uint64(len(input)))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", entry, err)
	}
	optr, olen := unpack(res[0])
	if olen > MaxOutputBytes {
		return nil, fmt.Errorf("%s returned %d bytes, limit is %d", entry, olen, MaxOutputBytes)
	}
	view, ok := mem.Read(optr, olen)
	if !ok {
		return nil, fmt.Errorf("%s returned out-of-bounds region %d+%d", entry, optr, olen)
	}
	// The view aliases guest memory, which is released on Close.
	return append([]byte(nil), view...), nil
}

// Close releases the runtime and every compiled module it holds. It does
// not wait for a load in progress: the load is cancelled and its runtime
// released when it returns. A handle closed before its first use never loads.
func (h *Handle) Close() error {
	h.mu.Lock()
	h.closed = true
	if h.cancelLoad != nil {
		h.cancelLoad()
	}
	rt := h.rt
	h.mu.Unlock()

	h.begin()
	if rt == nil {
		return nil
	}
	return rt.Close(context.Background())
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case uint64:
		return int64(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int64(n), true
	default:
		return 0, false
	}
}
