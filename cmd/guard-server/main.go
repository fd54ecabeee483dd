package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/tetratelabs/wazero"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"

	"github.com/agentgateway/agentgateway-sub001/internal/api"
	"github.com/agentgateway/agentgateway-sub001/internal/auth"
	"github.com/agentgateway/agentgateway-sub001/internal/baseline"
	"github.com/agentgateway/agentgateway-sub001/internal/config"
	"github.com/agentgateway/agentgateway-sub001/internal/guard"
	"github.com/agentgateway/agentgateway-sub001/internal/guard/native"
	"github.com/agentgateway/agentgateway-sub001/internal/guard/wasm"
	"github.com/agentgateway/agentgateway-sub001/internal/mcpgw"
	"github.com/agentgateway/agentgateway-sub001/internal/pipeline"
	"github.com/agentgateway/agentgateway-sub001/internal/registry"
	"github.com/agentgateway/agentgateway-sub001/internal/server"
	"github.com/agentgateway/agentgateway-sub001/internal/storage"
)

func main() {
	// Logger
	logger := mustBuildLogger(envOrDefault("GUARD_LOG_LEVEL", "info"))
	defer logger.Sync() //nolint:errcheck // best-effort flush

	// Config from env
	port := envOrDefault("GUARD_SERVER_PORT", "50054")
	configPath := os.Getenv("GUARD_CONFIG_PATH")
	reload := envOrDefaultBool("GUARD_RELOAD", true)
	clickhouseDSN := os.Getenv("CLICKHOUSE_DSN")
	postgresDSN := os.Getenv("POSTGRES_DSN")
	authCacheTTL := envOrDefaultInt("GUARD_AUTH_CACHE_TTL_S", 30)
	baselineCacheTTL := envOrDefaultInt("GUARD_BASELINE_CACHE_TTL_S", 60)
	mcpAddr := envOrDefault("GUARD_MCP_ADDR", ":8090")
	mcpUpstream := os.Getenv("GUARD_MCP_UPSTREAM")
	mcpServerName := envOrDefault("GUARD_MCP_SERVER_NAME", mcpUpstream)
	httpAddr := os.Getenv("GUARD_HTTP_ADDR")

	logger.Info("starting guard server",
		zap.String("port", port),
		zap.String("config_path", configPath),
		zap.Bool("reload", reload),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Decision events: ClickHouse, or the log writer when unavailable
	var writer storage.EventWriter
	if clickhouseDSN != "" {
		chWriter, err := storage.NewClickHouseWriter(clickhouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse connection failed, falling back to log writer",
				zap.Error(err),
			)
			writer = storage.NewLogWriter(logger)
		} else {
			writer = chWriter
			logger.Info("clickhouse writer connected")
		}
	} else {
		writer = storage.NewLogWriter(logger)
		logger.Info("no CLICKHOUSE_DSN set, using log writer")
	}
	defer writer.Close()

	// Auth and baselines: Postgres if DSN provided, otherwise static and in-memory
	var (
		authenticator auth.Authenticator
		baselines     baseline.Store
	)
	if postgresDSN != "" {
		db, err := sql.Open("pgx", postgresDSN)
		if err != nil {
			logger.Fatal("failed to open postgres", zap.Error(err))
		}
		defer func() { _ = db.Close() }()
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			logger.Fatal("failed to ping postgres", zap.Error(err))
		}
		authenticator = auth.NewPostgresAuthenticator(auth.PostgresAuthConfig{
			DB:       db,
			CacheTTL: time.Duration(authCacheTTL) * time.Second,
			FailOpen: true,
			Logger:   logger,
		})
		baselines = baseline.NewPostgresStore(baseline.PostgresStoreConfig{
			DB:       db,
			CacheTTL: time.Duration(baselineCacheTTL) * time.Second,
			Logger:   logger,
		})
		logger.Info("postgres authenticator and baseline store connected")
	} else {
		authenticator = auth.NewStaticAuthenticator(envOrDefault("GUARD_STATIC_AUTH_MODE", auth.ModeEnforce))
		baselines = baseline.NewMemoryStore()
		logger.Info("using static authenticator and in-memory baselines (no POSTGRES_DSN)")
	}

	// Guard registry
	cache := wazero.NewCompilationCache()
	defer cache.Close(context.Background()) //nolint:errcheck
	deps := registry.Deps{
		Native: native.Deps{Baselines: baselines, Logger: logger},
		Wasm:   wasm.Options{Cache: cache, Logger: logger},
		Logger: logger,
	}

	var specs []*guard.Spec
	if configPath != "" {
		var err error
		specs, err = config.Load(configPath)
		if err != nil {
			logger.Fatal("failed to load guard config", zap.String("path", configPath), zap.Error(err))
		}
	} else {
		logger.Warn("no GUARD_CONFIG_PATH set, every operation will be allowed")
	}
	reg, err := registry.Build(specs, deps)
	if err != nil {
		logger.Fatal("failed to build guard registry", zap.Error(err))
	}
	orch := pipeline.New(reg, writer, logger)
	defer orch.Close() //nolint:errcheck
	logger.Info("guard registry built", zap.Int("guards", len(reg.Entries())))

	if configPath != "" && reload {
		reloader, err := config.NewReloader(configPath, func(specs []*guard.Spec) error {
			next, err := registry.Build(specs, deps)
			if err != nil {
				return err
			}
			return orch.Swap(next)
		}, logger)
		if err != nil {
			logger.Fatal("failed to watch guard config", zap.Error(err))
		}
		go func() {
			if err := reloader.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("guard config watcher stopped", zap.Error(err))
			}
		}()
	}

	// gRPC server
	grpcServer := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle:     5 * time.Minute,
			MaxConnectionAge:      30 * time.Minute,
			MaxConnectionAgeGrace: 10 * time.Second,
			Time:                  30 * time.Second,
			Timeout:               5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.MaxRecvMsgSize(4*1024*1024),
		grpc.MaxSendMsgSize(4*1024*1024),
	)

	// Register guard service
	server.RegisterGuardServiceServer(grpcServer, server.NewGuardServer(orch, authenticator, logger))

	// Register health service for container health checks
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(server.ServiceName, healthpb.HealthCheckResponse_SERVING)

	// Enable reflection for debugging with grpcurl
	reflection.Register(grpcServer)

	// Guarded MCP proxy
	var mcpServer *http.Server
	if mcpUpstream != "" {
		proxy, err := mcpgw.NewProxy(ctx, mcpgw.ProxyConfig{Name: mcpServerName, Endpoint: mcpUpstream}, orch, logger)
		if err != nil {
			logger.Fatal("failed to start mcp proxy", zap.String("upstream", mcpUpstream), zap.Error(err))
		}
		defer proxy.Close() //nolint:errcheck
		mcpServer = &http.Server{Addr: mcpAddr, Handler: proxy.Handler(), ReadHeaderTimeout: 10 * time.Second}
		go func() {
			logger.Info("mcp proxy listening", zap.String("addr", mcpAddr), zap.String("upstream", mcpUpstream))
			if err := mcpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Fatal("mcp proxy failed", zap.Error(err))
			}
		}()
	}

	// HTTP API
	var httpServer *http.Server
	if httpAddr != "" {
		apiDeps := &api.Dependencies{Orch: orch, Auth: authenticator, Logger: logger}
		if clickhouseDSN != "" {
			reader, err := storage.NewReader(clickhouseDSN, logger)
			if err != nil {
				logger.Warn("clickhouse reader unavailable, event history disabled", zap.Error(err))
			} else {
				defer func() { _ = reader.Close() }()
				apiDeps.Reader = reader
			}
		}
		httpServer = &http.Server{Addr: httpAddr, Handler: api.NewRouter(apiDeps), ReadHeaderTimeout: 10 * time.Second}
		go func() {
			logger.Info("http api listening", zap.String("addr", httpAddr))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Fatal("http api failed", zap.Error(err))
			}
		}()
	}

	// Listen
	lis, err := net.Listen("tcp", ":"+port)
	if err != nil {
		logger.Fatal("failed to listen", zap.String("port", port), zap.Error(err))
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
		healthServer.SetServingStatus(server.ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		for _, srv := range []*http.Server{mcpServer, httpServer} {
			if srv != nil {
				_ = srv.Shutdown(shutdownCtx)
			}
		}
		grpcServer.GracefulStop()
	}()

	logger.Info("guard server listening", zap.String("addr", lis.Addr().String()))
	if err := grpcServer.Serve(lis); err != nil {
		logger.Fatal("grpc server failed", zap.Error(err))
	}
}

func mustBuildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envOrDefaultBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}
