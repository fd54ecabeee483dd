package storage

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

const insertEvents = "INSERT INTO guard_decision_events (" + eventColumns + ")"

// WriterOptions tunes the ClickHouse writer. Zero fields take defaults.
type WriterOptions struct {
	BufferSize    int           // queued events before Write starts dropping (10000)
	BatchSize     int           // events per INSERT (1000)
	FlushInterval time.Duration // max age of a partial batch (100ms)
	DrainTimeout  time.Duration // time Close spends draining the queue (2s)
}

func (o WriterOptions) withDefaults() WriterOptions {
	if o.BufferSize <= 0 {
		o.BufferSize = 10_000
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 1000
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 100 * time.Millisecond
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = 2 * time.Second
	}
	return o
}

// openConn parses dsn, connects and pings.
func openConn(dsn string) (driver.Conn, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if opts.TLS == nil {
		opts.TLS = &tls.Config{}
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return conn, nil
}

// ClickHouseWriter batches decision events into guard_decision_events.
// Write never blocks; a background goroutine owns the connection.
type ClickHouseWriter struct {
	conn    driver.Conn
	opts    WriterOptions
	queue   chan *DecisionEvent
	done    chan struct{}
	stopped chan struct{}
	dropped atomic.Int64
	logger  *zap.Logger
}

// NewClickHouseWriter connects with default options.
func NewClickHouseWriter(dsn string, logger *zap.Logger) (*ClickHouseWriter, error) {
	return NewClickHouseWriterWithOptions(dsn, WriterOptions{}, logger)
}

// NewClickHouseWriterWithOptions connects and starts the flush loop.
func NewClickHouseWriterWithOptions(dsn string, opts WriterOptions, logger *zap.Logger) (*ClickHouseWriter, error) {
	conn, err := openConn(dsn)
	if err != nil {
		return nil, fmt.Errorf("NewClickHouseWriter: %w", err)
	}
	opts = opts.withDefaults()
	w := &ClickHouseWriter{
		conn:    conn,
		opts:    opts,
		queue:   make(chan *DecisionEvent, opts.BufferSize),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		logger:  logger,
	}
	go w.run()
	return w, nil
}

// Write queues an event. When the queue is full the event is dropped; the
// first drop and every thousandth after it are logged.
func (w *ClickHouseWriter) Write(event *DecisionEvent) {
	select {
	case w.queue <- event:
	default:
		if n := w.dropped.Add(1); n == 1 || n%1000 == 0 {
			w.logger.Warn("clickhouse queue full, dropping decision events",
				zap.String("evaluation_id", event.EvaluationID),
				zap.Int64("dropped_total", n),
			)
		}
	}
}

// Dropped reports how many events were discarded because the queue was full.
func (w *ClickHouseWriter) Dropped() int64 { return w.dropped.Load() }

// Close flushes what it can within the drain timeout and closes the connection.
func (w *ClickHouseWriter) Close() {
	close(w.done)
	<-w.stopped
	if err := w.conn.Close(); err != nil {
		w.logger.Warn("clickhouse close failed", zap.Error(err))
	}
}

func (w *ClickHouseWriter) run() {
	defer close(w.stopped)

	ticker := time.NewTicker(w.opts.FlushInterval)
	defer ticker.Stop()

	batch := make([]*DecisionEvent, 0, w.opts.BatchSize)
	for {
		select {
		case event := <-w.queue:
			batch = append(batch, event)
			if len(batch) >= w.opts.BatchSize {
				w.send(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				w.send(batch)
				batch = batch[:0]
			}
		case <-w.done:
			w.drain(batch)
			return
		}
	}
}

// drain empties the queue into batches until it is empty or the drain
// timeout passes.
func (w *ClickHouseWriter) drain(batch []*DecisionEvent) {
	deadline := time.After(w.opts.DrainTimeout)
drainLoop:
	for {
		select {
		case event := <-w.queue:
			batch = append(batch, event)
			if len(batch) >= w.opts.BatchSize {
				w.send(batch)
				batch = batch[:0]
			}
		case <-deadline:
			break drainLoop
		default:
			break drainLoop
		}
	}
	if len(batch) > 0 {
		w.send(batch)
	}
}

func (w *ClickHouseWriter) send(events []*DecisionEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	batch, err := w.conn.PrepareBatch(ctx, insertEvents)
	if err != nil {
		w.logger.Error("clickhouse prepare batch failed", zap.Error(err))
		return
	}
	for _, e := range events {
		if err := batch.Append(eventRow(e)...); err != nil {
			w.logger.Error("clickhouse append event failed",
				zap.String("evaluation_id", e.EvaluationID),
				zap.Error(err),
			)
		}
	}
	if err := batch.Send(); err != nil {
		w.logger.Error("clickhouse batch send failed",
			zap.Int("batch_size", len(events)),
			zap.Error(err),
		)
	}
}

// eventRow lists e's values in eventColumns order. shadow is stored as UInt8.
func eventRow(e *DecisionEvent) []any {
	var shadow uint8
	if e.Shadow {
		shadow = 1
	}
	return []any{
		e.EvaluationID, e.CallerID, e.Timestamp, e.Hook,
		e.ServerName, e.Identity, e.ToolName, e.ToolCount,
		e.Decision, e.DenyCode, e.DenyMessage, e.DecidingGuard,
		e.GuardIDs, e.GuardOutcomes, e.GuardLatenciesMs, e.GuardErrors,
		e.Metadata, e.LatencyMs, shadow, e.Source,
	}
}

// LogWriter writes each event as one structured log line. Used when no
// ClickHouse DSN is configured.
type LogWriter struct {
	logger *zap.Logger
}

// NewLogWriter creates a LogWriter that outputs events to the given logger.
func NewLogWriter(logger *zap.Logger) *LogWriter {
	return &LogWriter{logger: logger}
}

func (w *LogWriter) Write(event *DecisionEvent) {
	fields := []zap.Field{
		zap.String("evaluation_id", event.EvaluationID),
		zap.String("hook", event.Hook),
		zap.String("server_name", event.ServerName),
		zap.String("decision", event.Decision),
		zap.Strings("guard_ids", event.GuardIDs),
		zap.Strings("guard_outcomes", event.GuardOutcomes),
		zap.Float32("latency_ms", event.LatencyMs),
		zap.String("source", event.Source),
	}
	if event.CallerID != "" {
		fields = append(fields, zap.String("caller_id", event.CallerID))
	}
	if event.ToolName != "" {
		fields = append(fields, zap.String("tool_name", event.ToolName))
	}
	if event.DenyCode != "" {
		fields = append(fields,
			zap.String("deny_code", event.DenyCode),
			zap.String("deciding_guard", event.DecidingGuard),
		)
	}
	if event.Shadow {
		fields = append(fields, zap.Bool("shadow", true))
	}
	w.logger.Info("guard_decision_event", fields...)
}

func (w *LogWriter) Close() {}
