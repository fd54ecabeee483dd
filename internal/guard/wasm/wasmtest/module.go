// Package wasmtest assembles small guest modules for tests. Each module
// exports one page of memory, a bump allocator over a mutable global and a
// set of entry points with the (i32, i32) -> i64 signature.
package wasmtest

import (
	"encoding/json"

	"github.com/agentgateway/agentgateway-sub001/internal/guard"
)

// Value types.
const (
	I32 = 0x7f
	I64 = 0x7e
)

// DataBase is where data segments are conventionally placed; the allocator
// hands out memory from heapStart upwards.
const (
	DataBase  = 1024
	heapStart = 4096
)

// Import is a function imported by the guest.
type Import struct {
	Module, Name    string
	Params, Results []byte
}

// Entry is an exported (i32, i32) -> i64 function.
type Entry struct {
	Name string
	Body []byte // instructions without the trailing end
}

// Segment is an active data segment.
type Segment struct {
	Offset int32
	Bytes  []byte
}

// Module describes a guest module.
type Module struct {
	Imports []Import
	Entries []Entry
	Data    []Segment
	// Start is the body of a () -> () start function; nil omits the start section.
	Start []byte
	// MinPages is the initial memory size; zero means one page.
	MinPages uint32
}

var (
	ImportLog       = Import{Module: "guard_host", Name: "log", Params: []byte{I32, I32, I32}}
	ImportGetConfig = Import{Module: "guard_host", Name: "get_config", Params: []byte{I32, I32}, Results: []byte{I64}}
)

func uleb(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func sleb(v int64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func name(s string) []byte {
	return append(uleb(uint64(len(s))), s...)
}

func vec(items ...[]byte) []byte {
	out := uleb(uint64(len(items)))
	for _, it := range items {
		out = append(out, it...)
	}
	return out
}

func section(id byte, contents []byte) []byte {
	out := []byte{id}
	out = append(out, uleb(uint64(len(contents)))...)
	return append(out, contents...)
}

func funcType(params, results []byte) []byte {
	out := []byte{0x60}
	out = append(out, uleb(uint64(len(params)))...)
	out = append(out, params...)
	out = append(out, uleb(uint64(len(results)))...)
	return append(out, results...)
}

// code wraps instructions into a function body with no locals.
func code(instrs []byte) []byte {
	body := []byte{0x00}
	body = append(body, instrs...)
	body = append(body, 0x0b)
	return append(uleb(uint64(len(body))), body...)
}

// Encode returns the binary module.
func (g Module) Encode() []byte {
	nImports := uint32(len(g.Imports))

	var types, imports, funcs, exports, codes [][]byte
	for i, imp := range g.Imports {
		types = append(types, funcType(imp.Params, imp.Results))
		entry := append(name(imp.Module), name(imp.Name)...)
		entry = append(entry, 0x00)
		imports = append(imports, append(entry, uleb(uint64(i))...))
	}

	// alloc(size) returns the heap pointer and bumps it by size.
	allocType := uint32(len(types))
	types = append(types, funcType([]byte{I32}, []byte{I32}))
	funcs = append(funcs, uleb(uint64(allocType)))
	codes = append(codes, code([]byte{0x23, 0x00, 0x23, 0x00, 0x20, 0x00, 0x6a, 0x24, 0x00}))

	exports = append(exports, append(name("memory"), 0x02, 0x00))
	exports = append(exports, append(name("alloc"), append([]byte{0x00}, uleb(uint64(nImports))...)...))

	for i, e := range g.Entries {
		typeIdx := uint32(len(types))
		types = append(types, funcType([]byte{I32, I32}, []byte{I64}))
		funcs = append(funcs, uleb(uint64(typeIdx)))
		codes = append(codes, code(e.Body))
		fnIdx := nImports + 1 + uint32(i)
		exports = append(exports, append(name(e.Name), append([]byte{0x00}, uleb(uint64(fnIdx))...)...))
	}

	startIdx := nImports + 1 + uint32(len(g.Entries))
	if g.Start != nil {
		typeIdx := uint32(len(types))
		types = append(types, funcType(nil, nil))
		funcs = append(funcs, uleb(uint64(typeIdx)))
		codes = append(codes, code(g.Start))
	}

	var segments [][]byte
	for _, d := range g.Data {
		seg := []byte{0x00, 0x41}
		seg = append(seg, sleb(int64(d.Offset))...)
		seg = append(seg, 0x0b)
		seg = append(seg, uleb(uint64(len(d.Bytes)))...)
		segments = append(segments, append(seg, d.Bytes...))
	}

	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	out = append(out, section(1, vec(types...))...)
	if len(imports) > 0 {
		out = append(out, section(2, vec(imports...))...)
	}
	out = append(out, section(3, vec(funcs...))...)
	minPages := g.MinPages
	if minPages == 0 {
		minPages = 1
	}
	out = append(out, section(5, vec(append([]byte{0x00}, uleb(uint64(minPages))...)))...)
	global := append([]byte{I32, 0x01, 0x41}, sleb(heapStart)...)
	out = append(out, section(6, vec(append(global, 0x0b)))...)
	out = append(out, section(7, vec(exports...))...)
	if g.Start != nil {
		out = append(out, section(8, uleb(uint64(startIdx)))...)
	}
	out = append(out, section(10, vec(codes...))...)
	if len(segments) > 0 {
		out = append(out, section(11, vec(segments...))...)
	}
	return out
}

// Instruction sequences.

// ReturnRegion returns the packed ptr<<32|len of a memory region.
func ReturnRegion(offset, length int) []byte {
	return append([]byte{0x42}, sleb(int64(uint64(offset)<<32|uint64(length)))...)
}

// CallImport calls the import at idx with i32 constant arguments.
func CallImport(idx uint32, args ...int32) []byte {
	var out []byte
	for _, a := range args {
		out = append(out, 0x41)
		out = append(out, sleb(int64(a))...)
	}
	out = append(out, 0x10)
	return append(out, uleb(uint64(idx))...)
}

var (
	// InfiniteLoop never returns; the trailing unreachable satisfies the i64 result type.
	InfiniteLoop = []byte{0x03, 0x40, 0x0c, 0x00, 0x0b, 0x00}
	Trap         = []byte{0x00}
	// Spin is InfiniteLoop for functions without results.
	Spin = []byte{0x03, 0x40, 0x0c, 0x00, 0x0b}
)

// GrowOrTrap grows memory by pages and traps when the grow is refused.
func GrowOrTrap(pages int32) []byte {
	out := []byte{0x41}
	out = append(out, sleb(int64(pages))...)
	out = append(out, 0x40, 0x00)             // memory.grow
	out = append(out, 0x41, 0x7f, 0x46)       // i32.const -1; i32.eq
	out = append(out, 0x04, 0x40, 0x00, 0x0b) // if; unreachable; end
	return out
}

// Const returns a module whose entry points for hooks all return doc.
func Const(doc string, hooks ...guard.Hook) []byte {
	g := Module{Data: []Segment{{Offset: DataBase, Bytes: []byte(doc)}}}
	for _, h := range hooks {
		g.Entries = append(g.Entries, Entry{Name: h.EntryPoint(), Body: ReturnRegion(DataBase, len(doc))})
	}
	return g.Encode()
}

// Looping returns a module whose entry points for hooks never return.
func Looping(hooks ...guard.Hook) []byte {
	var g Module
	for _, h := range hooks {
		g.Entries = append(g.Entries, Entry{Name: h.EntryPoint(), Body: InfiniteLoop})
	}
	return g.Encode()
}

// WithStart returns a module answering Allow on hooks whose start function runs body.
func WithStart(body []byte, hooks ...guard.Hook) []byte {
	g := Module{Data: []Segment{{Offset: DataBase, Bytes: []byte(Allow)}}, Start: body}
	for _, h := range hooks {
		g.Entries = append(g.Entries, Entry{Name: h.EntryPoint(), Body: ReturnRegion(DataBase, len(Allow))})
	}
	return g.Encode()
}

// Doc encodes v as a decision document.
func Doc(v map[string]any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}

// Allow and Deny are ready-made decision documents.
var (
	Allow = Doc(map[string]any{"decision": "allow"})
	Deny  = func(code, message string) string {
		return Doc(map[string]any{"decision": "deny", "reason": map[string]any{"code": code, "message": message}})
	}
)
