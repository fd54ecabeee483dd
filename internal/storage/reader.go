package storage

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

// Reader provides read access to the ClickHouse guard_decision_events table.
type Reader struct {
	conn   driver.Conn
	logger *zap.Logger
}

// NewReader opens a ClickHouse connection for read queries.
func NewReader(dsn string, logger *zap.Logger) (*Reader, error) {
	conn, err := openConn(dsn)
	if err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}
	return &Reader{conn: conn, logger: logger}, nil
}

// Close closes the ClickHouse connection.
func (r *Reader) Close() error {
	return r.conn.Close()
}

// EventFilter holds filters and pagination for event listing. Nil and
// empty fields do not filter.
type EventFilter struct {
	CallerID   string
	Hook       string
	Decision   string
	ServerName string
	DenyCode   string
	GuardID    string // any executed guard
	Shadow     *bool
	StartTime  *time.Time
	EndTime    *time.Time
	Page       int
	PageSize   int
}

// where builds the WHERE clause and its named arguments.
func (f EventFilter) where() (string, []any) {
	conditions := []string{"1 = 1"}
	var args []any

	eq := func(column, value string) {
		if value == "" {
			return
		}
		conditions = append(conditions, column+" = @"+column)
		args = append(args, clickhouse.Named(column, value))
	}
	eq("caller_id", f.CallerID)
	eq("hook", f.Hook)
	eq("decision", f.Decision)
	eq("server_name", f.ServerName)
	eq("deny_code", f.DenyCode)

	if f.GuardID != "" {
		conditions = append(conditions, "has(guard_ids, @guard_id)")
		args = append(args, clickhouse.Named("guard_id", f.GuardID))
	}
	if f.Shadow != nil {
		var v uint8
		if *f.Shadow {
			v = 1
		}
		conditions = append(conditions, "shadow = @shadow")
		args = append(args, clickhouse.Named("shadow", v))
	}
	if f.StartTime != nil {
		conditions = append(conditions, "timestamp >= @start_time")
		args = append(args, clickhouse.Named("start_time", *f.StartTime))
	}
	if f.EndTime != nil {
		conditions = append(conditions, "timestamp <= @end_time")
		args = append(args, clickhouse.Named("end_time", *f.EndTime))
	}
	return strings.Join(conditions, " AND "), args
}

const eventColumns = "evaluation_id, caller_id, timestamp, hook, " +
	"server_name, identity, tool_name, tool_count, " +
	"decision, deny_code, deny_message, deciding_guard, " +
	"guard_ids, guard_outcomes, guard_latencies_ms, guard_errors, " +
	"metadata, latency_ms, shadow, source"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (DecisionEvent, error) {
	var (
		e      DecisionEvent
		shadow uint8
	)
	err := row.Scan(
		&e.EvaluationID, &e.CallerID, &e.Timestamp, &e.Hook,
		&e.ServerName, &e.Identity, &e.ToolName, &e.ToolCount,
		&e.Decision, &e.DenyCode, &e.DenyMessage, &e.DecidingGuard,
		&e.GuardIDs, &e.GuardOutcomes, &e.GuardLatenciesMs, &e.GuardErrors,
		&e.Metadata, &e.LatencyMs, &shadow, &e.Source,
	)
	e.Shadow = shadow == 1
	return e, err
}

// ListEvents returns paginated, filtered decision events and the total count.
func (r *Reader) ListEvents(ctx context.Context, f EventFilter) ([]DecisionEvent, int, error) {
	where, args := f.where()
	offset := (f.Page - 1) * f.PageSize

	// Count query
	var total uint64
	countQuery := fmt.Sprintf("SELECT count() FROM guard_decision_events WHERE %s", where)
	if err := r.conn.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("ListEvents count: %w", err)
	}

	// Data query
	dataQuery := fmt.Sprintf(
		"SELECT %s FROM guard_decision_events WHERE %s "+
			"ORDER BY timestamp DESC "+
			"LIMIT @limit OFFSET @offset",
		eventColumns, where,
	)
	args = append(args,
		clickhouse.Named("limit", uint32(f.PageSize)),
		clickhouse.Named("offset", uint32(offset)),
	)

	rows, err := r.conn.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("ListEvents query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []DecisionEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("ListEvents scan: %w", err)
		}
		events = append(events, e)
	}

	return events, int(total), rows.Err()
}

// GetEvent returns a single event by evaluation ID, or nil if not found.
func (r *Reader) GetEvent(ctx context.Context, evaluationID string) (*DecisionEvent, error) {
	row := r.conn.QueryRow(ctx,
		"SELECT "+eventColumns+" FROM guard_decision_events WHERE evaluation_id = @evaluation_id",
		clickhouse.Named("evaluation_id", evaluationID),
	)
	e, err := scanEvent(row)
	if err != nil {
		// ClickHouse doesn't return sql.ErrNoRows, so check for empty result
		return nil, fmt.Errorf("GetEvent: %w", err)
	}
	if e.EvaluationID == "" {
		return nil, nil
	}
	return &e, nil
}

// SummaryStats holds decision counts.
type SummaryStats struct {
	Total    int `json:"total"`
	Allows   int `json:"allows"`
	Denies   int `json:"denies"`
	Modifies int `json:"modifies"`
}

// TimeSeriesBucket holds an hourly count.
type TimeSeriesBucket struct {
	Hour  string `json:"hour"`
	Count int    `json:"count"`
}

// KeyCount pairs a grouping key with its count.
type KeyCount struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// ShadowReportStats holds shadow mode analysis.
type ShadowReportStats struct {
	Total     int `json:"total"`
	WouldDeny int `json:"would_deny"`
}

// LatencyStats holds latency percentiles.
type LatencyStats struct {
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

// Analytics holds all decision aggregations.
type Analytics struct {
	Summary            SummaryStats       `json:"summary"`
	DeniesOverTime     []TimeSeriesBucket `json:"denies_over_time"`
	TopDenyCodes       []KeyCount         `json:"top_deny_codes"`
	TopDecidingGuards  []KeyCount         `json:"top_deciding_guards"`
	GuardFaults        []KeyCount         `json:"guard_faults"`
	ShadowReport       ShadowReportStats  `json:"shadow_report"`
	LatencyPercentiles LatencyStats       `json:"latency_percentiles"`
}

// GetAnalytics returns aggregated decision analytics over the given number of days.
func (r *Reader) GetAnalytics(ctx context.Context, days int) (*Analytics, error) {
	now := time.Now().UTC()
	rangeStart := now.Add(-time.Duration(days) * 24 * time.Hour)
	dayStart := now.Add(-24 * time.Hour)
	rangeArg := clickhouse.Named("range_start", rangeStart)

	result := &Analytics{}

	// Summary counts
	var total, allows, denies, modifies uint64
	err := r.conn.QueryRow(ctx,
		"SELECT count(), "+
			"countIf(decision = 'allow'), "+
			"countIf(decision = 'deny'), "+
			"countIf(decision = 'modify') "+
			"FROM guard_decision_events WHERE timestamp >= @range_start",
		rangeArg,
	).Scan(&total, &allows, &denies, &modifies)
	if err != nil {
		return nil, fmt.Errorf("GetAnalytics summary: %w", err)
	}
	result.Summary = SummaryStats{
		Total:    int(total),
		Allows:   int(allows),
		Denies:   int(denies),
		Modifies: int(modifies),
	}

	// Denies over time (hourly)
	botRows, err := r.conn.Query(ctx,
		"SELECT toStartOfHour(timestamp) AS hour, count() AS count "+
			"FROM guard_decision_events "+
			"WHERE decision = 'deny' AND timestamp >= @range_start "+
			"GROUP BY hour ORDER BY hour",
		rangeArg,
	)
	if err != nil {
		return nil, fmt.Errorf("GetAnalytics denies_over_time: %w", err)
	}
	defer func() { _ = botRows.Close() }()
	for botRows.Next() {
		var hour time.Time
		var count uint64
		if err := botRows.Scan(&hour, &count); err != nil {
			return nil, fmt.Errorf("GetAnalytics denies_over_time scan: %w", err)
		}
		result.DeniesOverTime = append(result.DeniesOverTime, TimeSeriesBucket{
			Hour:  hour.Format(time.RFC3339),
			Count: int(count),
		})
	}

	if result.TopDenyCodes, err = r.keyCounts(ctx, "top_deny_codes",
		"SELECT deny_code AS key, count() AS count FROM guard_decision_events "+
			"WHERE decision = 'deny' AND timestamp >= @range_start "+
			"GROUP BY key ORDER BY count DESC LIMIT 10",
		rangeArg); err != nil {
		return nil, err
	}
	if result.TopDecidingGuards, err = r.keyCounts(ctx, "top_deciding_guards",
		"SELECT deciding_guard AS key, count() AS count FROM guard_decision_events "+
			"WHERE decision = 'deny' AND deciding_guard != '' AND timestamp >= @range_start "+
			"GROUP BY key ORDER BY count DESC LIMIT 10",
		rangeArg); err != nil {
		return nil, err
	}
	if result.GuardFaults, err = r.keyCounts(ctx, "guard_faults",
		"SELECT guard_id AS key, count() AS count FROM guard_decision_events "+
			"ARRAY JOIN guard_ids AS guard_id, guard_outcomes AS outcome "+
			"WHERE outcome = 'fault' AND timestamp >= @range_start "+
			"GROUP BY key ORDER BY count DESC LIMIT 10",
		rangeArg); err != nil {
		return nil, err
	}

	// Shadow report
	var shadowTotal, wouldDeny uint64
	err = r.conn.QueryRow(ctx,
		"SELECT count(), countIf(decision = 'deny') "+
			"FROM guard_decision_events "+
			"WHERE shadow = 1 AND timestamp >= @range_start",
		rangeArg,
	).Scan(&shadowTotal, &wouldDeny)
	if err != nil {
		return nil, fmt.Errorf("GetAnalytics shadow_report: %w", err)
	}
	result.ShadowReport = ShadowReportStats{Total: int(shadowTotal), WouldDeny: int(wouldDeny)}

	// Latency percentiles (last 24h)
	var p50, p95, p99 float64
	err = r.conn.QueryRow(ctx,
		"SELECT quantile(0.5)(latency_ms), quantile(0.95)(latency_ms), quantile(0.99)(latency_ms) "+
			"FROM guard_decision_events WHERE timestamp >= @day_start",
		clickhouse.Named("day_start", dayStart),
	).Scan(&p50, &p95, &p99)
	if err != nil {
		return nil, fmt.Errorf("GetAnalytics latency: %w", err)
	}
	result.LatencyPercentiles = LatencyStats{
		P50: safeFloat(p50), P95: safeFloat(p95), P99: safeFloat(p99),
	}

	// Ensure slices are non-nil for JSON serialization
	if result.DeniesOverTime == nil {
		result.DeniesOverTime = []TimeSeriesBucket{}
	}
	return result, nil
}

func (r *Reader) keyCounts(ctx context.Context, name, query string, args ...any) ([]KeyCount, error) {
	rows, err := r.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("GetAnalytics %s: %w", name, err)
	}
	defer func() { _ = rows.Close() }()

	out := []KeyCount{}
	for rows.Next() {
		var key string
		var count uint64
		if err := rows.Scan(&key, &count); err != nil {
			return nil, fmt.Errorf("GetAnalytics %s scan: %w", name, err)
		}
		out = append(out, KeyCount{Key: key, Count: int(count)})
	}
	return out, rows.Err()
}

// safeFloat replaces NaN/Inf with 0.0.
// ClickHouse returns NaN for quantile() on empty result sets.
func safeFloat(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0.0
	}
	return f
}
