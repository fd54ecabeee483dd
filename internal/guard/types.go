package guard

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Hook identifies a stage of the MCP lifecycle at which guards run.
type Hook string

const (
	HookToolsList          Hook = "tools_list"
	HookToolInvokeRequest  Hook = "tool_invoke_request"
	HookToolInvokeResponse Hook = "tool_invoke_response"
)

// AllHooks lists every hook point in lifecycle order.
var AllHooks = []Hook{HookToolsList, HookToolInvokeRequest, HookToolInvokeResponse}

// ParseHook converts a configuration string into a Hook.
func ParseHook(s string) (Hook, error) {
	switch Hook(s) {
	case HookToolsList, HookToolInvokeRequest, HookToolInvokeResponse:
		return Hook(s), nil
	default:
		return "", fmt.Errorf("unknown hook %q", s)
	}
}

func (h Hook) String() string { return string(h) }

// EntryPoint returns the wasm export name invoked for this hook.
func (h Hook) EntryPoint() string { return "evaluate_" + string(h) }

// Tool is an immutable snapshot of one MCP tool definition.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// MetadataEntry is a single key/value pair in GuardContext metadata.
type MetadataEntry struct {
	Key   string
	Value string
}

// Metadata is an ordered string→string mapping. It marshals as a JSON object
// with keys in insertion order.
type Metadata []MetadataEntry

// Get returns the first value stored under key.
func (m Metadata) Get(key string) (string, bool) {
	for _, e := range m {
		if e.Key == key {
			return e.Value, true
		}
	}
	return "", false
}

// With returns a copy of m with key set to value. An existing key keeps its position.
func (m Metadata) With(key, value string) Metadata {
	out := make(Metadata, len(m), len(m)+1)
	copy(out, m)
	for i := range out {
		if out[i].Key == key {
			out[i].Value = value
			return out
		}
	}
	return append(out, MetadataEntry{Key: key, Value: value})
}

// MarshalJSON encodes the metadata as an object preserving entry order.
func (m Metadata) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range m {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(e.Key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(e.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes an object into ordered entries, keeping document order.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*m = nil
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("metadata: expected object, got %v", tok)
	}
	out := Metadata{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, _ := keyTok.(string)
		var value string
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("metadata %q: %w", key, err)
		}
		out = append(out, MetadataEntry{Key: key, Value: value})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*m = out
	return nil
}

// GuardContext is per-request metadata supplied by the protocol layer.
// Guards treat it as read-only.
type GuardContext struct {
	ServerName string   `json:"server_name"`
	Identity   string   `json:"identity,omitempty"` // empty when the caller is anonymous
	Metadata   Metadata `json:"metadata"`
}

// Payload is the value a guard inspects at a hook point.
//
// tools_list fills Tools. tool_invoke_request fills ToolName and Arguments
// (and Tools with the invoked tool's definition when the gateway knows it).
// tool_invoke_response additionally fills Result.
type Payload struct {
	Tools     []Tool         `json:"tools"`
	ToolName  string         `json:"tool_name,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Result    map[string]any `json:"result,omitempty"`
}

// Clone returns a deep copy of the payload so a guard can build a modified
// version without touching the snapshot it was given.
func (p Payload) Clone() Payload {
	out := Payload{ToolName: p.ToolName}
	if p.Tools != nil {
		out.Tools = make([]Tool, len(p.Tools))
		for i, t := range p.Tools {
			out.Tools[i] = Tool{
				Name:        t.Name,
				Description: t.Description,
				InputSchema: cloneMap(t.InputSchema),
			}
		}
	}
	out.Arguments = cloneMap(p.Arguments)
	out.Result = cloneMap(p.Result)
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = cloneValue(child)
		}
		return out
	default:
		return val
	}
}
