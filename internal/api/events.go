package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/seth-schultz/orchestr8-sub004/internal/audit"
)

// handleListEvents implements GET /v1/audit/events. Filters: identity, kind,
// success (true/false), min_severity, limit (newest N).
func (d *Dependencies) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := audit.Filter{
		Identity: q.Get("identity"),
		Kind:     q.Get("kind"),
	}
	if s := q.Get("success"); s != "" {
		v, err := strconv.ParseBool(s)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "success must be true or false"})
			return
		}
		filter.Success = &v
	}
	if s := q.Get("min_severity"); s != "" {
		filter.MinSeverity = audit.ParseSeverity(s)
	}

	events := d.Audit.Query(filter)

	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "limit must be a non-negative integer"})
			return
		}
		if n < len(events) {
			events = events[len(events)-n:]
		}
	}

	writeJSON(w, http.StatusOK, EventListResponse{Events: events, Total: len(events)})
}

// handleSuspicious implements GET /v1/audit/suspicious: runs the analyzer
// over the recent window.
func (d *Dependencies) handleSuspicious(w http.ResponseWriter, _ *http.Request) {
	now := time.Now().UTC()
	findings := d.Analyzer.Analyze(d.Audit.Recent(), now)
	if findings == nil {
		findings = []audit.Finding{}
	}
	writeJSON(w, http.StatusOK, SuspiciousResponse{Findings: findings, GeneratedAt: now})
}
