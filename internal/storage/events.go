package storage

import "time"

// EventWriter persists guard decision events.
// Write must never block the caller.
type EventWriter interface {
	Write(event *DecisionEvent)
	Close()
}

// DecisionEvent records one pipeline evaluation and every guard step it ran.
// The Guard* slices are parallel, one element per executed guard.
type DecisionEvent struct {
	EvaluationID     string
	CallerID         string // GuardService caller; empty for in-process evaluations
	Timestamp        time.Time
	Hook             string
	ServerName       string
	Identity         string
	ToolName         string
	ToolCount        int32
	Decision         string // "allow", "deny", "modify"
	DenyCode         string
	DenyMessage      string
	DecidingGuard    string
	GuardIDs         []string
	GuardOutcomes    []string // decision kind, or "fault" when failure_mode decided
	GuardLatenciesMs []float32
	GuardErrors      []string
	Metadata         map[string]string
	LatencyMs        float32
	Shadow           bool
	Source           string
}

// Discard drops every event.
type Discard struct{}

func (Discard) Write(*DecisionEvent) {}
func (Discard) Close()               {}
