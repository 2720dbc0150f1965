package api

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"
)

// --- Auth cache (stale-while-revalidate) ---

type cacheEntry struct {
	valid      bool
	expiresAt  time.Time
	refreshing atomic.Bool
}

type authCache struct {
	store sync.Map // map[string]*cacheEntry (keyed by full API key)
	ttl   time.Duration
}

func newAuthCache(ttl time.Duration) *authCache {
	return &authCache{ttl: ttl}
}

func (c *authCache) get(key string) (valid bool, hit bool, needsRefresh bool) {
	v, ok := c.store.Load(key)
	if !ok {
		return false, false, false
	}
	entry := v.(*cacheEntry)
	if time.Now().Before(entry.expiresAt) {
		return entry.valid, true, false // fresh
	}
	// Stale — serve the cached verdict, let one goroutine re-verify.
	needsRefresh = entry.refreshing.CompareAndSwap(false, true)
	return entry.valid, true, needsRefresh
}

func (c *authCache) set(key string, valid bool) {
	c.store.Store(key, &cacheEntry{
		valid:     valid,
		expiresAt: time.Now().Add(c.ttl),
	})
}

// --- Auth middleware ---

// authMiddleware validates Bearer gwk_ tokens against the configured bcrypt
// hash. The comparison is expensive, so verdicts are cached with a TTL.
// When no hash is configured, auth is disabled.
func (d *Dependencies) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	if d.APIKeyHash == "" {
		return next
	}
	cache := newAuthCache(d.CacheTTL)

	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := extractBearerToken(r)
		if !ok {
			writeJSON(w, http.StatusUnauthorized, ErrorResp{Detail: "Missing or invalid Authorization header"})
			return
		}
		if len(token) < 8 || !strings.HasPrefix(token, "gwk_") {
			writeJSON(w, http.StatusUnauthorized, ErrorResp{Detail: "Invalid API key format"})
			return
		}

		valid, hit, needsRefresh := cache.get(token)
		if hit && needsRefresh {
			go d.refreshAuth(cache, token)
		}
		if !hit {
			valid = d.verifyKey(token)
			cache.set(token, valid)
		}
		if !valid {
			writeJSON(w, http.StatusUnauthorized, ErrorResp{Detail: "Invalid API key"})
			return
		}
		next(w, r)
	}
}

// verifyKey compares a presented key against the configured bcrypt hash.
func (d *Dependencies) verifyKey(token string) bool {
	if err := bcrypt.CompareHashAndPassword([]byte(d.APIKeyHash), []byte(token)); err != nil {
		d.Logger.Warn("auth failed", zap.Error(err))
		return false
	}
	return true
}

// refreshAuth re-verifies a stale cache entry in the background.
func (d *Dependencies) refreshAuth(cache *authCache, token string) {
	cache.set(token, d.verifyKey(token))
}

// extractBearerToken extracts the token from "Authorization: Bearer <token>".
func extractBearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", false
	}
	return strings.TrimSpace(auth[len(prefix):]), true
}

// --- Per-client request rate limiting ---

type clientLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
	mu         sync.Mutex
}

type clientLimiterStore struct {
	limiters sync.Map // map[string]*clientLimiterEntry (client address -> limiter)
	rps      float64
	burst    int
}

func (s *clientLimiterStore) getLimiter(addr string) *rate.Limiter {
	if val, ok := s.limiters.Load(addr); ok {
		entry := val.(*clientLimiterEntry)
		entry.mu.Lock()
		entry.lastAccess = time.Now()
		entry.mu.Unlock()
		return entry.limiter
	}
	limiter := rate.NewLimiter(rate.Limit(s.rps), s.burst)
	s.limiters.Store(addr, &clientLimiterEntry{
		limiter:    limiter,
		lastAccess: time.Now(),
	})
	return limiter
}

// cleanupStale drops limiters idle for over an hour so address churn cannot
// grow memory without bound.
func (s *clientLimiterStore) cleanupStale(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		threshold := time.Now().Add(-1 * time.Hour)
		s.limiters.Range(func(key, value any) bool {
			entry := value.(*clientLimiterEntry)
			entry.mu.Lock()
			stale := entry.lastAccess.Before(threshold)
			entry.mu.Unlock()
			if stale {
				s.limiters.Delete(key)
			}
			return true
		})
	}
}

// clientRateLimit enforces a per-client token bucket across the whole mux.
// rps <= 0 disables it.
func clientRateLimit(next http.Handler, rps float64, burst int, logger *zap.Logger) http.Handler {
	if rps <= 0 {
		return next
	}
	store := &clientLimiterStore{rps: rps, burst: burst}
	go store.cleanupStale(5 * time.Minute)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addr := clientAddr(r)
		if !store.getLimiter(addr).Allow() {
			logger.Debug("request rate limit exceeded", zap.String("client", addr))
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, ErrorResp{Detail: "Too many requests"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientAddr returns the first X-Forwarded-For hop when present, else the
// connection's host part.
func clientAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// --- JSON helpers ---

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// readJSON decodes a JSON request body into the given pointer.
func readJSON(r *http.Request, v interface{}) error {
	defer func() { _ = r.Body.Close() }()
	return json.NewDecoder(r.Body).Decode(v)
}

// --- Request logging ---

func requestLogging(next http.Handler, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// --- CORS ---

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
