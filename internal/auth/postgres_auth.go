package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// CallerStore abstracts DB queries for testability.
type CallerStore interface {
	LookupByPrefix(ctx context.Context, prefix string) (*callerRow, error)
}

type callerRow struct {
	CallerID   string
	APIKeyHash string
	Mode       string
	Disabled   bool
}

type sqlCallerStore struct {
	db *sql.DB
}

func (s *sqlCallerStore) LookupByPrefix(ctx context.Context, prefix string) (*callerRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, api_key_hash, mode, disabled
		FROM gateway_callers
		WHERE api_key_prefix = $1
	`, prefix)

	var r callerRow
	if err := row.Scan(&r.CallerID, &r.APIKeyHash, &r.Mode, &r.Disabled); err != nil {
		return nil, err
	}
	return &r, nil
}

// PostgresAuthenticator validates API keys against the gateway_callers table.
type PostgresAuthenticator struct {
	store    CallerStore
	cache    *CallerCache
	logger   *zap.Logger
	failOpen bool
}

// PostgresAuthConfig configures the PostgresAuthenticator. FailOpen admits
// callers in enforce mode when the database cannot be reached; a wrong key
// is always rejected.
type PostgresAuthConfig struct {
	DB       *sql.DB
	CacheTTL time.Duration
	FailOpen bool
	Logger   *zap.Logger
}

// NewPostgresAuthenticator creates a new PostgresAuthenticator.
func NewPostgresAuthenticator(cfg PostgresAuthConfig) *PostgresAuthenticator {
	return NewPostgresAuthenticatorWithStore(&sqlCallerStore{db: cfg.DB}, cfg.CacheTTL, cfg.FailOpen, cfg.Logger)
}

// NewPostgresAuthenticatorWithStore creates an authenticator with a custom store.
func NewPostgresAuthenticatorWithStore(store CallerStore, cacheTTL time.Duration, failOpen bool, logger *zap.Logger) *PostgresAuthenticator {
	if cacheTTL == 0 {
		cacheTTL = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresAuthenticator{
		store:    store,
		cache:    NewCallerCache(cacheTTL),
		logger:   logger,
		failOpen: failOpen,
	}
}

func (a *PostgresAuthenticator) Authenticate(ctx context.Context) (*Caller, error) {
	token, err := ExtractBearerToken(ctx)
	if err != nil {
		return nil, err
	}

	res := a.cache.Get(token)
	if res.Hit {
		if res.NeedsRefresh {
			go a.refreshInBackground(token)
		}
		return res.Caller, nil
	}

	caller, err := a.authenticateFromDB(ctx, token)
	if err != nil {
		if a.failOpen && !errors.Is(err, ErrUnauthenticated) {
			a.logger.Warn("caller lookup failed, degrading to fail-open", zap.Error(err))
			return &Caller{CallerID: "unknown", Mode: ModeEnforce}, nil
		}
		return nil, fmt.Errorf("Authenticate: %w", err)
	}

	a.cache.Set(token, caller)
	return caller, nil
}

func (a *PostgresAuthenticator) authenticateFromDB(ctx context.Context, token string) (*Caller, error) {
	prefix := token[:12]

	row, err := a.store.LookupByPrefix(ctx, prefix)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUnauthenticated
	}
	if err != nil {
		return nil, fmt.Errorf("authenticateFromDB: %w", err)
	}
	if row.Disabled {
		return nil, ErrUnauthenticated
	}
	if err := bcrypt.CompareHashAndPassword([]byte(row.APIKeyHash), []byte(token)); err != nil {
		return nil, ErrUnauthenticated
	}

	mode := row.Mode
	if mode != ModeShadow {
		mode = ModeEnforce
	}
	return &Caller{CallerID: row.CallerID, Mode: mode}, nil
}

func (a *PostgresAuthenticator) refreshInBackground(token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	caller, err := a.authenticateFromDB(ctx, token)
	if errors.Is(err, ErrUnauthenticated) {
		a.cache.Delete(token)
		return
	}
	if err != nil {
		a.logger.Warn("background auth refresh failed", zap.Error(err))
		return
	}
	a.cache.Set(token, caller)
}
