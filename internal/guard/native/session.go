package native

import (
	"sync"
	"time"
)

// callRecord is one tool invocation admitted by a tool_policy guard.
type callRecord struct {
	tool string
	at   time.Time
}

// taint is a string value a labelled tool returned.
type taint struct {
	value  string
	labels []string
}

type session struct {
	calls    []callRecord
	taints   []taint
	lastSeen time.Time
}

// sessionTracker keeps per-session call history and tainted values in
// memory. Sessions idle longer than ttl are dropped.
type sessionTracker struct {
	mu        sync.Mutex
	sessions  map[string]*session
	ttl       time.Duration
	maxCalls  int
	maxTaints int
	lastSweep time.Time
}

func newSessionTracker(ttl time.Duration, maxCalls, maxTaints int) *sessionTracker {
	return &sessionTracker{
		sessions:  make(map[string]*session),
		ttl:       ttl,
		maxCalls:  maxCalls,
		maxTaints: maxTaints,
	}
}

// view calls fn with the session for key under the tracker lock.
func (t *sessionTracker) view(key string, now time.Time, fn func(s *session)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sweep(now)
	s, ok := t.sessions[key]
	if !ok || now.Sub(s.lastSeen) > t.ttl {
		s = &session{}
		t.sessions[key] = s
	}
	s.lastSeen = now
	fn(s)
	if over := len(s.calls) - t.maxCalls; over > 0 {
		s.calls = append(s.calls[:0], s.calls[over:]...)
	}
	if over := len(s.taints) - t.maxTaints; over > 0 {
		s.taints = append(s.taints[:0], s.taints[over:]...)
	}
}

func (t *sessionTracker) sweep(now time.Time) {
	if now.Sub(t.lastSweep) < t.ttl {
		return
	}
	t.lastSweep = now
	for k, s := range t.sessions {
		if now.Sub(s.lastSeen) > t.ttl {
			delete(t.sessions, k)
		}
	}
}

func (t *sessionTracker) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

func (s *session) called(tool string) bool {
	for _, c := range s.calls {
		if c.tool == tool {
			return true
		}
	}
	return false
}

func (s *session) countSince(tool string, since time.Time) int {
	n := 0
	for _, c := range s.calls {
		if c.tool == tool && !c.at.Before(since) {
			n++
		}
	}
	return n
}
