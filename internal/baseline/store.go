package baseline

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/agentgateway/agentgateway-sub001/internal/guard"
)

// Baseline is the last accepted tool surface of one upstream server:
// tool name → fingerprint.
type Baseline struct {
	ServerName string
	Tools      map[string]string
	RecordedAt time.Time
}

// Store persists baselines keyed by server name.
type Store interface {
	// Load returns the baseline for a server, or nil when none was recorded.
	Load(ctx context.Context, serverName string) (*Baseline, error)
	// Save records b, replacing any previous baseline for the same server.
	Save(ctx context.Context, b *Baseline) error
}

// Fingerprint returns the hex BLAKE3 digest of a tool's name, description
// and input schema. encoding/json sorts map keys, so equal schemas hash equally.
func Fingerprint(t guard.Tool) string {
	schema, _ := json.Marshal(t.InputSchema)
	h := blake3.New()
	h.Write([]byte(t.Name))
	h.Write([]byte{0})
	h.Write([]byte(t.Description))
	h.Write([]byte{0})
	h.Write(schema)
	return hex.EncodeToString(h.Sum(nil))
}

// FromTools builds a baseline snapshot for the given tool list.
func FromTools(serverName string, tools []guard.Tool, now time.Time) *Baseline {
	b := &Baseline{ServerName: serverName, Tools: make(map[string]string, len(tools)), RecordedAt: now}
	for _, t := range tools {
		b.Tools[t.Name] = Fingerprint(t)
	}
	return b
}

// Changes describes how a tool list differs from its baseline. Each list is sorted.
type Changes struct {
	Added    []string
	Removed  []string
	Modified []string
}

// Empty reports whether the tool surface is unchanged.
func (c Changes) Empty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0 && len(c.Modified) == 0
}

// Diff compares the current baseline with a newer snapshot.
func (b *Baseline) Diff(next *Baseline) Changes {
	var c Changes
	for name, fp := range next.Tools {
		old, ok := b.Tools[name]
		switch {
		case !ok:
			c.Added = append(c.Added, name)
		case old != fp:
			c.Modified = append(c.Modified, name)
		}
	}
	for name := range b.Tools {
		if _, ok := next.Tools[name]; !ok {
			c.Removed = append(c.Removed, name)
		}
	}
	sort.Strings(c.Added)
	sort.Strings(c.Removed)
	sort.Strings(c.Modified)
	return c
}

// MemoryStore keeps baselines in process memory. Baselines are lost on restart.
type MemoryStore struct {
	mu        sync.RWMutex
	baselines map[string]*Baseline
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{baselines: make(map[string]*Baseline)}
}

func (s *MemoryStore) Load(_ context.Context, serverName string) (*Baseline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.baselines[serverName], nil
}

func (s *MemoryStore) Save(_ context.Context, b *Baseline) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baselines[b.ServerName] = b
	return nil
}
