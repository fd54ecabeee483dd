package storage

import (
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogWriter_Write(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	var w EventWriter = NewLogWriter(zap.New(core))
	defer w.Close()

	w.Write(&DecisionEvent{
		EvaluationID:  "ev-1",
		Timestamp:     time.Now(),
		Hook:          "tools_list",
		ServerName:    "github",
		Decision:      "deny",
		DenyCode:      "tool_poisoning_detected",
		DecidingGuard: "poison",
		GuardIDs:      []string{"whitelist", "poison"},
		GuardOutcomes: []string{"allow", "deny"},
	})

	entries := logs.FilterMessage("guard_decision_event").All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["decision"] != "deny" || fields["deciding_guard"] != "poison" {
		t.Fatalf("unexpected fields %v", fields)
	}
}

func TestDiscard(t *testing.T) {
	var w EventWriter = Discard{}
	w.Write(&DecisionEvent{})
	w.Close()
}

func TestEventRow_MatchesColumns(t *testing.T) {
	row := eventRow(&DecisionEvent{EvaluationID: "ev-1", Shadow: true, Source: "grpc"})
	columns := strings.Split(eventColumns, ",")
	if len(row) != len(columns) {
		t.Fatalf("row has %d values for %d columns", len(row), len(columns))
	}
	if row[0] != "ev-1" || row[len(row)-1] != "grpc" {
		t.Fatalf("unexpected row ends %v, %v", row[0], row[len(row)-1])
	}
	if shadow := row[len(row)-2]; shadow != uint8(1) {
		t.Fatalf("shadow = %#v, want uint8(1)", shadow)
	}
}

func TestWriterOptions_Defaults(t *testing.T) {
	o := WriterOptions{BatchSize: 50}.withDefaults()
	if o.BatchSize != 50 || o.BufferSize != 10_000 || o.FlushInterval != 100*time.Millisecond || o.DrainTimeout != 2*time.Second {
		t.Fatalf("unexpected options %+v", o)
	}
}

func TestLogWriter_OmitsEmptyDenyFields(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	w := NewLogWriter(zap.New(core))
	w.Write(&DecisionEvent{EvaluationID: "ev-2", Decision: "allow"})

	fields := logs.All()[0].ContextMap()
	if _, ok := fields["deny_code"]; ok {
		t.Fatalf("deny_code logged for allow: %v", fields)
	}
	if _, ok := fields["shadow"]; ok {
		t.Fatalf("shadow logged for enforce: %v", fields)
	}
}
