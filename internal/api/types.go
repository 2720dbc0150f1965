package api

import (
	"time"

	"github.com/seth-schultz/orchestr8-sub004/internal/audit"
	"github.com/seth-schultz/orchestr8-sub004/internal/catalog"
	"github.com/seth-schultz/orchestr8-sub004/internal/ratelimit"
)

// --- POST /v1/discover ---

// DiscoverRequest is the JSON body for POST /v1/discover. All fields are
// optional; an empty request lists the whole catalog.
type DiscoverRequest struct {
	Query string `json:"query,omitempty"`
	Tag   string `json:"tag,omitempty"`
	Role  string `json:"role,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

// DiscoverResponse carries ranked metadata and the match strategy applied.
type DiscoverResponse struct {
	Results  []*catalog.Metadata `json:"results"`
	Strategy string              `json:"strategy"`
	Total    int                 `json:"total"`
}

// --- GET /v1/capabilities ---

// ListResponse is the full (optionally plugin-filtered) catalog listing.
type ListResponse struct {
	Capabilities []*catalog.Metadata `json:"capabilities"`
	Total        int                 `json:"total"`
}

// --- POST /v1/commands/check ---

// CommandCheckRequest is the JSON body for POST /v1/commands/check.
type CommandCheckRequest struct {
	Identity string `json:"identity"`
	Command  string `json:"command"`
}

// --- /v1/assignments ---

// AssignmentRequest is the JSON body for PUT /v1/assignments/{identity}.
type AssignmentRequest struct {
	Tier string `json:"tier"`
}

// AssignmentView is one identity-to-tier override.
type AssignmentView struct {
	Identity string `json:"identity"`
	Tier     string `json:"tier"`
}

// AssignmentListResponse lists the live overrides, sorted by identity.
type AssignmentListResponse struct {
	Assignments []AssignmentView `json:"assignments"`
	Total       int              `json:"total"`
}

// --- GET /v1/audit/events ---

// EventListResponse wraps filtered audit events, oldest first.
type EventListResponse struct {
	Events []*audit.Event `json:"events"`
	Total  int            `json:"total"`
}

// SuspiciousResponse is the analyzer report.
type SuspiciousResponse struct {
	Findings    []audit.Finding `json:"findings"`
	GeneratedAt time.Time       `json:"generated_at"`
}

// --- POST /v1/reload ---

// ReloadResponse reports the size of the freshly built index.
type ReloadResponse struct {
	Capabilities int `json:"capabilities"`
}

// --- GET /v1/stats ---

// DefinitionCacheStats reports definition-cache occupancy and total storage
// reads since start.
type DefinitionCacheStats struct {
	Entries int    `json:"entries"`
	Loads   uint64 `json:"loads"`
}

// StatsResponse aggregates runtime counters for operators.
type StatsResponse struct {
	Capabilities int                     `json:"capabilities"`
	QueryCache   catalog.QueryCacheStats `json:"query_cache"`
	Definitions  DefinitionCacheStats    `json:"definitions"`
	RateLimiter  ratelimit.Stats         `json:"rate_limiter"`
}

// ErrorResp is a standard error response body.
type ErrorResp struct {
	Detail string `json:"detail"`
}
