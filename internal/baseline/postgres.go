package baseline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// rowStore abstracts DB queries for testability.
type rowStore interface {
	LookupBaseline(ctx context.Context, serverName string) (*baselineRow, error)
	UpsertBaseline(ctx context.Context, row *baselineRow) error
}

type baselineRow struct {
	ServerName string
	Tools      string // JSONB object tool name → fingerprint
	RecordedAt time.Time
}

// sqlRowStore is the real implementation using *sql.DB.
type sqlRowStore struct {
	db *sql.DB
}

func (s *sqlRowStore) LookupBaseline(ctx context.Context, serverName string) (*baselineRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT server_name, tools, recorded_at
		FROM tool_baselines
		WHERE server_name = $1
	`, serverName)

	var r baselineRow
	if err := row.Scan(&r.ServerName, &r.Tools, &r.RecordedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *sqlRowStore) UpsertBaseline(ctx context.Context, r *baselineRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_baselines (server_name, tools, recorded_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (server_name)
		DO UPDATE SET tools = EXCLUDED.tools, recorded_at = EXCLUDED.recorded_at
	`, r.ServerName, r.Tools, r.RecordedAt)
	return err
}

// PostgresStore persists baselines in the tool_baselines table, fronted by a Cache.
type PostgresStore struct {
	rows   rowStore
	cache  *Cache
	logger *zap.Logger
}

// PostgresStoreConfig configures the PostgresStore.
type PostgresStoreConfig struct {
	DB       *sql.DB
	CacheTTL time.Duration
	Logger   *zap.Logger
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(cfg PostgresStoreConfig) *PostgresStore {
	return newPostgresStoreWithRows(&sqlRowStore{db: cfg.DB}, cfg.CacheTTL, cfg.Logger)
}

// newPostgresStoreWithRows creates a store over a custom row store (for testing).
func newPostgresStoreWithRows(rows rowStore, cacheTTL time.Duration, logger *zap.Logger) *PostgresStore {
	if cacheTTL == 0 {
		cacheTTL = 60 * time.Second
	}
	return &PostgresStore{rows: rows, cache: NewCache(cacheTTL), logger: logger}
}

func (s *PostgresStore) Load(ctx context.Context, serverName string) (*Baseline, error) {
	cached := s.cache.Get(serverName)
	if cached.Hit {
		if cached.NeedsRefresh {
			go s.refreshInBackground(serverName)
		}
		return cached.Baseline, nil
	}

	b, err := s.fetch(ctx, serverName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.cache.Set(serverName, nil)
			return nil, nil
		}
		return nil, fmt.Errorf("load baseline: %w", err)
	}
	s.cache.Set(serverName, b)
	return b, nil
}

func (s *PostgresStore) Save(ctx context.Context, b *Baseline) error {
	tools, err := json.Marshal(b.Tools)
	if err != nil {
		return fmt.Errorf("save baseline: encode tools: %w", err)
	}
	if err := s.rows.UpsertBaseline(ctx, &baselineRow{
		ServerName: b.ServerName,
		Tools:      string(tools),
		RecordedAt: b.RecordedAt,
	}); err != nil {
		// The cached copy may now be ahead of or behind the table.
		s.cache.Delete(b.ServerName)
		return fmt.Errorf("save baseline: %w", err)
	}
	s.cache.Set(b.ServerName, b)
	return nil
}

func (s *PostgresStore) fetch(ctx context.Context, serverName string) (*Baseline, error) {
	row, err := s.rows.LookupBaseline(ctx, serverName)
	if err != nil {
		return nil, err
	}
	return parseBaselineRow(row)
}

func (s *PostgresStore) refreshInBackground(serverName string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b, err := s.fetch(ctx, serverName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.cache.Set(serverName, nil)
			return
		}
		s.logger.Warn("background baseline refresh failed",
			zap.String("server_name", serverName),
			zap.Error(err),
		)
		return
	}
	s.cache.Set(serverName, b)
}

func parseBaselineRow(row *baselineRow) (*Baseline, error) {
	b := &Baseline{ServerName: row.ServerName, Tools: map[string]string{}, RecordedAt: row.RecordedAt}
	if row.Tools != "" && row.Tools != "{}" {
		if err := json.Unmarshal([]byte(row.Tools), &b.Tools); err != nil {
			return nil, fmt.Errorf("parseBaselineRow: tools: %w", err)
		}
	}
	return b, nil
}
