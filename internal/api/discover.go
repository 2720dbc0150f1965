package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/seth-schultz/orchestr8-sub004/internal/audit"
	"github.com/seth-schultz/orchestr8-sub004/internal/catalog"
)

// handleDiscover implements POST /v1/discover: a ranked multi-criteria
// lookup against the metadata index, memoized in the query cache.
func (d *Dependencies) handleDiscover(w http.ResponseWriter, r *http.Request) {
	var req DiscoverRequest
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if req.Limit < 0 {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "limit must not be negative"})
		return
	}

	crit := catalog.Criteria{
		Query: req.Query,
		Tag:   req.Tag,
		Role:  req.Role,
		Limit: req.Limit,
	}

	key := d.Queries.Key(crit)
	results, strategy, ok := d.Queries.Get(key)
	if !ok {
		results, strategy = d.Catalog.Snapshot().Discover(crit)
		d.Queries.Set(key, results, strategy)
	}

	d.Audit.Log(&audit.Event{
		Kind:     audit.KindDiscovery,
		Success:  true,
		Severity: audit.SeverityInfo,
		Metadata: map[string]string{
			"query":    req.Query,
			"tag":      req.Tag,
			"role":     req.Role,
			"strategy": strategy,
			"results":  strconv.Itoa(len(results)),
		},
	})

	writeJSON(w, http.StatusOK, DiscoverResponse{
		Results:  results,
		Strategy: strategy,
		Total:    len(results),
	})
}

// handleListCapabilities implements GET /v1/capabilities with an optional
// ?plugin= filter.
func (d *Dependencies) handleListCapabilities(w http.ResponseWriter, r *http.Request) {
	idx := d.Catalog.Snapshot()

	entries := idx.All()
	if plugin := r.URL.Query().Get("plugin"); plugin != "" {
		entries = idx.ByPlugin(plugin)
	}
	if entries == nil {
		entries = []*catalog.Metadata{}
	}
	writeJSON(w, http.StatusOK, ListResponse{Capabilities: entries, Total: len(entries)})
}

// handleGetCapability implements GET /v1/capabilities/{name}.
func (d *Dependencies) handleGetCapability(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	meta := d.Catalog.Snapshot().Get(name)
	if meta == nil {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "unknown capability: " + name})
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

// handleGetDefinition implements GET /v1/capabilities/{name}/definition.
// The body is loaded on first reference and served from the LRU cache after.
func (d *Dependencies) handleGetDefinition(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	def, err := d.Cache.Get(name)
	if err != nil {
		event := &audit.Event{
			Kind:     audit.KindCapabilityLoad,
			Success:  false,
			Reason:   err.Error(),
			Severity: audit.SeverityWarning,
			Metadata: map[string]string{"capability": name},
		}
		d.Audit.Log(event)

		switch {
		case errors.Is(err, catalog.ErrUnknownCapability):
			writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "unknown capability: " + name})
		case errors.Is(err, catalog.ErrStorageRead):
			writeJSON(w, http.StatusBadGateway, ErrorResp{Detail: "definition read failed"})
		default:
			writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "definition load failed"})
		}
		return
	}

	d.Audit.Log(&audit.Event{
		Kind:     audit.KindCapabilityLoad,
		Success:  true,
		Severity: audit.SeverityInfo,
		Metadata: map[string]string{"capability": name},
	})
	writeJSON(w, http.StatusOK, def)
}

// handleReload implements POST /v1/reload: rescan the catalog and swap the
// index wholesale so concurrent readers never see a partial rebuild.
func (d *Dependencies) handleReload(w http.ResponseWriter, r *http.Request) {
	entries, err := d.Indexer.Load(r.Context())
	if err != nil {
		d.Audit.Log(&audit.Event{
			Kind:     audit.KindCatalogReload,
			Success:  false,
			Reason:   err.Error(),
			Severity: audit.SeverityCritical,
		})
		if errors.Is(err, catalog.ErrCatalogNotFound) {
			writeJSON(w, http.StatusNotFound, ErrorResp{Detail: err.Error()})
			return
		}
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "catalog reload failed"})
		return
	}

	d.Catalog.Swap(entries)
	d.Queries.Clear()

	d.Audit.Log(&audit.Event{
		Kind:     audit.KindCatalogReload,
		Success:  true,
		Severity: audit.SeverityInfo,
		Metadata: map[string]string{"capabilities": strconv.Itoa(len(entries))},
	})
	writeJSON(w, http.StatusOK, ReloadResponse{Capabilities: len(entries)})
}

// handleStats implements GET /v1/stats.
func (d *Dependencies) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, StatsResponse{
		Capabilities: d.Catalog.Snapshot().Len(),
		QueryCache:   d.Queries.Stats(),
		Definitions: DefinitionCacheStats{
			Entries: d.Cache.Len(),
			Loads:   d.Cache.Loads(),
		},
		RateLimiter: d.Limiter.Stats(),
	})
}
