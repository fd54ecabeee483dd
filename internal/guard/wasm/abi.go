package wasm

import (
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/agentgateway/agentgateway-sub001/internal/guard"
)

// Guest ABI.
//
// The guest exports its linear memory as "memory", a bump allocator
// "alloc(len i32) -> ptr i32" and one "evaluate_<hook>(ptr i32, len i32) -> i64"
// per declared hook. The host writes the JSON request through alloc and the
// entry point returns the JSON decision packed as ptr<<32 | len.
//
// The only importable module is "guard_host". Modules may not declare a
// start function.
const (
	HostModule   = "guard_host"
	MemoryExport = "memory"
	AllocExport  = "alloc"
)

type signature struct {
	params  []api.ValueType
	results []api.ValueType
}

func (s signature) matches(def api.FunctionDefinition) bool {
	return slices.Equal(s.params, def.ParamTypes()) && slices.Equal(s.results, def.ResultTypes())
}

func (s signature) String() string {
	return fmt.Sprintf("%s -> %s", typeNames(s.params), typeNames(s.results))
}

func typeNames(ts []api.ValueType) string {
	names := make([]string, len(ts))
	for i, t := range ts {
		names[i] = api.ValueTypeName(t)
	}
	return fmt.Sprintf("%v", names)
}

var (
	i32 = api.ValueTypeI32
	i64 = api.ValueTypeI64

	allocSig    = signature{params: []api.ValueType{i32}, results: []api.ValueType{i32}}
	evaluateSig = signature{params: []api.ValueType{i32, i32}, results: []api.ValueType{i64}}

	// hostImports is the import allowlist with exact signatures.
	hostImports = map[string]signature{
		"log":        {params: []api.ValueType{i32, i32, i32}},
		"get_time":   {results: []api.ValueType{i64}},
		"get_config": {params: []api.ValueType{i32, i32}, results: []api.ValueType{i64}},
	}
)

// validateABI checks a compiled module against the guest ABI for the hooks
// the guard is declared on.
func validateABI(m wazero.CompiledModule, hooks []guard.Hook) error {
	if _, ok := m.ExportedMemories()[MemoryExport]; !ok {
		return fmt.Errorf("missing exported memory %q", MemoryExport)
	}
	if len(m.ImportedMemories()) > 0 {
		return fmt.Errorf("memory imports are not allowed")
	}

	exports := m.ExportedFunctions()
	required := []struct {
		name string
		sig  signature
	}{{AllocExport, allocSig}}
	for _, h := range hooks {
		required = append(required, struct {
			name string
			sig  signature
		}{h.EntryPoint(), evaluateSig})
	}
	for _, r := range required {
		def, ok := exports[r.name]
		if !ok {
			return fmt.Errorf("missing export %q", r.name)
		}
		if !r.sig.matches(def) {
			return fmt.Errorf("export %q has signature %s, want %s", r.name, signature{def.ParamTypes(), def.ResultTypes()}, r.sig)
		}
	}

	for _, def := range m.ImportedFunctions() {
		module, name, _ := def.Import()
		if module != HostModule {
			return fmt.Errorf("import %s.%s: only %q imports are allowed", module, name, HostModule)
		}
		want, ok := hostImports[name]
		if !ok {
			return fmt.Errorf("import %s.%s is not provided by the host", module, name)
		}
		if !want.matches(def) {
			return fmt.Errorf("import %s.%s has signature %s, want %s", module, name, signature{def.ParamTypes(), def.ResultTypes()}, want)
		}
	}
	return nil
}

const startSectionID = 8

// rejectStartSection fails when the binary declares a start function.
// Malformed binaries pass through and are reported by the compiler.
func rejectStartSection(code []byte) error {
	if len(code) < 8 {
		return nil
	}
	rest := code[8:]
	for len(rest) > 0 {
		id := rest[0]
		size, n := binary.Uvarint(rest[1:])
		if n <= 0 || size > uint64(len(rest)-1-n) {
			return nil
		}
		if id == startSectionID {
			return fmt.Errorf("start function is not supported")
		}
		rest = rest[1+n+int(size):]
	}
	return nil
}

func pack(ptr, length uint32) uint64 {
	return uint64(ptr)<<32 | uint64(length)
}

func unpack(v uint64) (ptr, length uint32) {
	return uint32(v >> 32), uint32(v)
}
