package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx as database/sql driver
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/seth-schultz/orchestr8-sub004/internal/api"
	"github.com/seth-schultz/orchestr8-sub004/internal/audit"
	"github.com/seth-schultz/orchestr8-sub004/internal/catalog"
	"github.com/seth-schultz/orchestr8-sub004/internal/gateway"
	"github.com/seth-schultz/orchestr8-sub004/internal/guard"
	"github.com/seth-schultz/orchestr8-sub004/internal/ratelimit"
	"github.com/seth-schultz/orchestr8-sub004/internal/store"
)

func main() {
	// Logger
	logger := mustBuildLogger(envOrDefault("GATEWAY_LOG_LEVEL", "info"))
	defer logger.Sync() //nolint:errcheck // best-effort flush

	// Config from env
	httpPort := envOrDefault("GATEWAY_HTTP_PORT", "8080")
	catalogRoot := envOrDefault("GATEWAY_CATALOG_ROOT", "catalog")
	workspaceRoot := envOrDefault("GATEWAY_WORKSPACE_ROOT", ".")
	cacheSize := envOrDefaultInt("GATEWAY_DEFINITION_CACHE_SIZE", catalog.DefaultDefinitionCacheSize)
	queryTTL := envOrDefaultInt("GATEWAY_QUERY_CACHE_TTL_S", 30)
	concurrency := envOrDefaultInt("GATEWAY_RATE_CONCURRENCY", 8)
	perMinute := envOrDefaultInt("GATEWAY_RATE_PER_MINUTE", 60)
	perHour := envOrDefaultInt("GATEWAY_RATE_PER_HOUR", 1000)
	auditDir := envOrDefault("GATEWAY_AUDIT_DIR", "audit")
	rotateBytes := envOrDefaultInt("GATEWAY_AUDIT_ROTATE_BYTES", audit.DefaultRotateBytes)
	minSeverity := audit.ParseSeverity(envOrDefault("GATEWAY_AUDIT_MIN_SEVERITY", "info"))
	apiKeyHash := os.Getenv("GATEWAY_API_KEY_HASH")
	authCacheTTL := envOrDefaultInt("GATEWAY_AUTH_CACHE_TTL_S", 30)
	httpRPS := envOrDefaultFloat("GATEWAY_HTTP_RPS", 0)
	httpBurst := envOrDefaultInt("GATEWAY_HTTP_BURST", 10)
	clickhouseDSN := os.Getenv("CLICKHOUSE_DSN")
	postgresDSN := os.Getenv("POSTGRES_DSN")

	logger.Info("starting gateway server",
		zap.String("http_port", httpPort),
		zap.String("catalog_root", catalogRoot),
		zap.Int("definition_cache_size", cacheSize),
		zap.Int("rate_concurrency", concurrency),
		zap.Int("rate_per_minute", perMinute),
		zap.Int("rate_per_hour", perHour),
	)

	// Catalog — scanned once here; POST /v1/reload rebuilds on demand
	indexer := catalog.NewIndexer(catalogRoot, logger)
	entries, err := indexer.Load(context.Background())
	if err != nil {
		logger.Fatal("catalog scan failed", zap.Error(err))
	}
	catalogStore := catalog.NewStore(entries)
	definitions := catalog.NewDefinitionCache(catalogRoot, catalogStore, cacheSize, logger)
	queries := catalog.NewQueryCache(time.Duration(queryTTL) * time.Second)
	logger.Info("catalog indexed", zap.Int("capabilities", len(entries)))

	// Policy resolver — embedded tiers, optionally overridden from Postgres
	resolver := guard.NewResolver()
	var assignmentStore api.AssignmentStore
	if postgresDSN != "" {
		db, err := sql.Open("pgx", postgresDSN)
		if err != nil {
			logger.Fatal("failed to open postgres", zap.Error(err))
		}
		defer func() { _ = db.Close() }()
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(context.Background()); err != nil {
			logger.Fatal("failed to ping postgres", zap.Error(err))
		}

		st := store.NewStore(db)
		assignments, err := st.ListAssignments(context.Background())
		if err != nil {
			logger.Fatal("failed to load tier assignments", zap.Error(err))
		}
		for _, a := range assignments {
			resolver.Assign(a.Identity, guard.ParseTier(a.Tier))
		}
		assignmentStore = st
		logger.Info("postgres tier assignments loaded", zap.Int("count", len(assignments)))
	} else {
		logger.Info("no POSTGRES_DSN set, using embedded tier assignments only")
	}

	// Audit — JSONL segment, optionally mirrored to ClickHouse
	var mirror audit.Sink
	if clickhouseDSN != "" {
		chMirror, err := audit.NewClickHouseMirror(clickhouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse connection failed, audit mirror disabled", zap.Error(err))
		} else {
			mirror = chMirror
			logger.Info("clickhouse audit mirror connected")
		}
	}
	auditor, err := audit.NewLogger(audit.Config{
		Dir:         auditDir,
		RotateBytes: int64(rotateBytes),
		MinSeverity: minSeverity,
	}, mirror, logger)
	if err != nil {
		logger.Fatal("audit log open failed", zap.Error(err))
	}
	defer auditor.Close()

	// Rate limiter for command admission
	limiter := ratelimit.NewLimiter(ratelimit.Config{
		Concurrency: concurrency,
		PerMinute:   perMinute,
		PerHour:     perHour,
	}, logger)
	defer limiter.Close()

	gw := gateway.New(gateway.Config{Root: workspaceRoot}, resolver, limiter, auditor, logger)

	if apiKeyHash == "" {
		logger.Warn("GATEWAY_API_KEY_HASH not set, command and audit endpoints are unauthenticated")
	}

	deps := &api.Dependencies{
		Catalog:     catalogStore,
		Cache:       definitions,
		Queries:     queries,
		Indexer:     indexer,
		Gateway:     gw,
		Audit:       auditor,
		Analyzer:    audit.NewAnalyzer(audit.AnalyzerConfig{}),
		Limiter:     limiter,
		Resolver:    resolver,
		Assignments: assignmentStore,
		Logger:      logger,

		APIKeyHash: apiKeyHash,
		CacheTTL:   time.Duration(authCacheTTL) * time.Second,
		RPS:        float64(httpRPS),
		Burst:      httpBurst,
	}
	httpServer := &http.Server{
		Addr:         ":" + httpPort,
		Handler:      api.NewRouter(deps),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	// Block until shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", zap.String("signal", sig.String()))

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}

	logger.Info("gateway server stopped")
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

func envOrDefaultFloat(key string, defaultVal float32) float32 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 32); err == nil {
			return float32(f)
		}
	}
	return defaultVal
}
