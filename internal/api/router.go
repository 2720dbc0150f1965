package api

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/seth-schultz/orchestr8-sub004/internal/audit"
	"github.com/seth-schultz/orchestr8-sub004/internal/catalog"
	"github.com/seth-schultz/orchestr8-sub004/internal/gateway"
	"github.com/seth-schultz/orchestr8-sub004/internal/guard"
	"github.com/seth-schultz/orchestr8-sub004/internal/ratelimit"
)

// Dependencies holds shared state injected into all HTTP handlers.
type Dependencies struct {
	Catalog  *catalog.Store
	Cache    *catalog.DefinitionCache
	Queries  *catalog.QueryCache
	Indexer  *catalog.Indexer
	Gateway  *gateway.Gateway
	Audit    *audit.Logger
	Analyzer *audit.Analyzer
	Limiter  *ratelimit.Limiter
	Resolver *guard.Resolver
	// Assignments persists tier overrides. Nil when no database is
	// configured; resolver changes are then process-local.
	Assignments AssignmentStore
	Logger      *zap.Logger

	// APIKeyHash is the bcrypt hash Bearer keys are checked against.
	// Empty disables auth.
	APIKeyHash string
	// CacheTTL bounds how long an auth verdict is served without
	// re-running bcrypt.
	CacheTTL time.Duration
	// RPS/Burst configure per-client request rate limiting. RPS <= 0
	// disables it.
	RPS   float64
	Burst int
}

// NewRouter builds the HTTP mux with all routes wired up.
func NewRouter(deps *Dependencies) http.Handler {
	mux := http.NewServeMux()

	// Discovery and definitions (no auth — read-only catalog surface)
	mux.HandleFunc("POST /v1/discover", deps.handleDiscover)
	mux.HandleFunc("GET /v1/capabilities", deps.handleListCapabilities)
	mux.HandleFunc("GET /v1/capabilities/{name}", deps.handleGetCapability)
	mux.HandleFunc("GET /v1/capabilities/{name}/definition", deps.handleGetDefinition)

	// Command checks and audit access (auth required via Bearer gwk_ key)
	mux.HandleFunc("POST /v1/commands/check", deps.authMiddleware(deps.handleCheckCommand))
	mux.HandleFunc("GET /v1/audit/events", deps.authMiddleware(deps.handleListEvents))
	mux.HandleFunc("GET /v1/audit/suspicious", deps.authMiddleware(deps.handleSuspicious))
	mux.HandleFunc("POST /v1/reload", deps.authMiddleware(deps.handleReload))

	// Tier assignment administration (auth required)
	mux.HandleFunc("GET /v1/assignments", deps.authMiddleware(deps.handleListAssignments))
	mux.HandleFunc("PUT /v1/assignments/{identity}", deps.authMiddleware(deps.handlePutAssignment))
	mux.HandleFunc("DELETE /v1/assignments/{identity}", deps.authMiddleware(deps.handleDeleteAssignment))

	// Operational surface
	mux.HandleFunc("GET /v1/stats", deps.handleStats)
	start := time.Now()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":       "ok",
			"uptime_s":     int64(time.Since(start).Seconds()),
			"capabilities": deps.Catalog.Snapshot().Len(),
		})
	})

	handler := requestLogging(mux, deps.Logger)
	handler = clientRateLimit(handler, deps.RPS, deps.Burst, deps.Logger)
	return corsMiddleware(handler)
}
