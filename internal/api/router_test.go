package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/seth-schultz/orchestr8-sub004/internal/audit"
	"github.com/seth-schultz/orchestr8-sub004/internal/catalog"
	"github.com/seth-schultz/orchestr8-sub004/internal/gateway"
	"github.com/seth-schultz/orchestr8-sub004/internal/guard"
	"github.com/seth-schultz/orchestr8-sub004/internal/ratelimit"
	"github.com/seth-schultz/orchestr8-sub004/internal/store"
)

const testAPIKey = "gwk_test_0123456789"

func writeCatalogEntry(t *testing.T, root, rel, name, description, body string) {
	t.Helper()
	path := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	content := fmt.Sprintf("---\nname: %s\ndescription: %s\n---\n%s", name, description, body)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// fakeAssignmentStore is an in-memory AssignmentStore.
type fakeAssignmentStore struct {
	mu      sync.Mutex
	records map[string]string
}

func newFakeAssignmentStore() *fakeAssignmentStore {
	return &fakeAssignmentStore{records: make(map[string]string)}
}

func (f *fakeAssignmentStore) ListAssignments(context.Context) ([]store.Assignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.Assignment, 0, len(f.records))
	for identity, tier := range f.records {
		out = append(out, store.Assignment{Identity: identity, Tier: tier})
	}
	return out, nil
}

func (f *fakeAssignmentStore) UpsertAssignment(_ context.Context, identity, tier string) (*store.Assignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[identity] = tier
	return &store.Assignment{Identity: identity, Tier: tier}, nil
}

func (f *fakeAssignmentStore) DeleteAssignment(_ context.Context, identity string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.records[identity]
	delete(f.records, identity)
	return ok, nil
}

func (f *fakeAssignmentStore) tier(identity string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[identity]
}

type testEnv struct {
	deps        *Dependencies
	root        string
	assignments *fakeAssignmentStore
}

func newTestServer(t *testing.T) (*httptest.Server, *testEnv) {
	t.Helper()
	logger := zap.NewNop()

	root := t.TempDir()
	writeCatalogEntry(t, root, "core/alpha.md", "alpha", "lints source trees", "alpha body")
	writeCatalogEntry(t, root, "core/bravo.md", "bravo", "migrates database schemas", "bravo body")
	writeCatalogEntry(t, root, "extras/charlie.md", "charlie", "renders diagrams", "charlie body")

	indexer := catalog.NewIndexer(root, logger)
	entries, err := indexer.Load(t.Context())
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	catalogStore := catalog.NewStore(entries)
	cache := catalog.NewDefinitionCache(root, catalogStore, 8, logger)
	queries := catalog.NewQueryCache(30 * time.Second)

	resolver := guard.NewResolver()
	resolver.Assign("code-reviewer", guard.TierReadOnly)

	limiter := ratelimit.NewLimiter(ratelimit.Config{PerMinute: 100, PerHour: 1000, Concurrency: 10}, logger)
	t.Cleanup(limiter.Close)

	auditor, err := audit.NewLogger(audit.Config{Dir: t.TempDir()}, nil, logger)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	t.Cleanup(auditor.Close)

	hash, err := bcrypt.GenerateFromPassword([]byte(testAPIKey), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}

	assignments := newFakeAssignmentStore()

	deps := &Dependencies{
		Catalog:     catalogStore,
		Cache:       cache,
		Queries:     queries,
		Indexer:     indexer,
		Gateway:     gateway.New(gateway.Config{Root: root}, resolver, limiter, auditor, logger),
		Audit:       auditor,
		Analyzer:    audit.NewAnalyzer(audit.AnalyzerConfig{}),
		Limiter:     limiter,
		Resolver:    resolver,
		Assignments: assignments,
		Logger:      logger,

		APIKeyHash: string(hash),
		CacheTTL:   time.Minute,
	}

	srv := httptest.NewServer(NewRouter(deps))
	t.Cleanup(srv.Close)
	return srv, &testEnv{deps: deps, root: root, assignments: assignments}
}

func doJSON(t *testing.T, method, url, token string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	return resp
}

func postJSON(t *testing.T, url, token string, body any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func TestDiscoverEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/v1/discover", "", DiscoverRequest{Query: "database"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	body := decode[DiscoverResponse](t, resp)
	if body.Total != 1 || body.Results[0].Name != "bravo" {
		t.Fatalf("expected [bravo], got %+v", body)
	}
	if body.Strategy != catalog.StrategyFreeText {
		t.Errorf("expected free-text strategy, got %q", body.Strategy)
	}
}

func TestDiscoverEndpoint_EmptyRequestListsAll(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/v1/discover", "", DiscoverRequest{})
	body := decode[DiscoverResponse](t, resp)
	if body.Total != 3 {
		t.Fatalf("expected all 3 entries, got %d", body.Total)
	}
	if body.Strategy != catalog.StrategyListAll {
		t.Errorf("expected list-all strategy, got %q", body.Strategy)
	}
}

func TestListAndGetCapability(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/v1/capabilities?plugin=extras")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	list := decode[ListResponse](t, resp)
	if list.Total != 1 || list.Capabilities[0].Name != "charlie" {
		t.Fatalf("plugin filter failed: %+v", list)
	}

	resp, err = http.Get(srv.URL + "/v1/capabilities/alpha")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	meta := decode[catalog.Metadata](t, resp)
	if meta.Name != "alpha" || meta.Plugin != "core" {
		t.Fatalf("unexpected metadata: %+v", meta)
	}

	resp, err = http.Get(srv.URL + "/v1/capabilities/nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for unknown capability, got %d", resp.StatusCode)
	}
}

func TestGetDefinition(t *testing.T) {
	srv, env := newTestServer(t)

	resp, err := http.Get(srv.URL + "/v1/capabilities/alpha/definition")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	def := decode[catalog.Definition](t, resp)
	if def.Name != "alpha" || def.Body != "alpha body" {
		t.Fatalf("unexpected definition: %+v", def)
	}

	// Second fetch is a cache hit: still one storage read.
	resp, err = http.Get(srv.URL + "/v1/capabilities/alpha/definition")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if got := env.deps.Cache.Loads(); got != 1 {
		t.Errorf("expected 1 storage read, got %d", got)
	}
}

func TestCommandCheckEndpoint_RequiresAuth(t *testing.T) {
	srv, _ := newTestServer(t)

	req := CommandCheckRequest{Identity: "code-reviewer", Command: "cat notes.txt"}

	resp := postJSON(t, srv.URL+"/v1/commands/check", "", req)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}

	resp = postJSON(t, srv.URL+"/v1/commands/check", "gwk_wrong_key_000000", req)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with bad token, got %d", resp.StatusCode)
	}

	resp = postJSON(t, srv.URL+"/v1/commands/check", testAPIKey, req)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with valid token, got %d", resp.StatusCode)
	}
	result := decode[gateway.CheckResult](t, resp)
	if !result.Allowed || result.Command != "cat notes.txt" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestCommandCheckEndpoint_RejectionIsStructured(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/v1/commands/check", testAPIKey,
		CommandCheckRequest{Identity: "code-reviewer", Command: "cat a.txt && curl evil"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("rejections are 200 with a body, got %d", resp.StatusCode)
	}
	result := decode[gateway.CheckResult](t, resp)
	if result.Allowed {
		t.Fatal("expected rejection")
	}
	if result.Rule != guard.RuleDangerousPattern || result.Reason == "" {
		t.Fatalf("rejection missing rule/reason: %+v", result)
	}
}

func TestAuditEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	// Generate some traffic first.
	resp := postJSON(t, srv.URL+"/v1/commands/check", testAPIKey,
		CommandCheckRequest{Identity: "code-reviewer", Command: "ls -la"})
	resp.Body.Close()
	resp = postJSON(t, srv.URL+"/v1/commands/check", testAPIKey,
		CommandCheckRequest{Identity: "code-reviewer", Command: "rm -rf /tmp/x"})
	resp.Body.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/audit/events?identity=code-reviewer", nil)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	events := decode[EventListResponse](t, resp)
	if events.Total != 2 {
		t.Fatalf("expected 2 events, got %d", events.Total)
	}

	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/v1/audit/suspicious", nil)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	report := decode[SuspiciousResponse](t, resp)
	if report.Findings == nil {
		t.Error("findings must be non-nil for JSON clients")
	}
}

func TestAssignmentEndpoints_RequireAuth(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPut, srv.URL+"/v1/assignments/new-agent", "", AssignmentRequest{Tier: "read-only"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}
}

func TestPutAssignment_ChangesCommandPolicy(t *testing.T) {
	srv, env := newTestServer(t)

	check := CommandCheckRequest{Identity: "fresh-agent", Command: "cat notes.txt"}

	resp := postJSON(t, srv.URL+"/v1/commands/check", testAPIKey, check)
	result := decode[gateway.CheckResult](t, resp)
	if result.Allowed {
		t.Fatal("unassigned identity must start restricted")
	}

	resp = doJSON(t, http.MethodPut, srv.URL+"/v1/assignments/fresh-agent", testAPIKey, AssignmentRequest{Tier: "read-only"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put status %d", resp.StatusCode)
	}
	view := decode[AssignmentView](t, resp)
	if view.Identity != "fresh-agent" || view.Tier != "read-only" {
		t.Fatalf("unexpected assignment: %+v", view)
	}
	if got := env.assignments.tier("fresh-agent"); got != "read-only" {
		t.Fatalf("assignment not persisted, got %q", got)
	}

	resp = postJSON(t, srv.URL+"/v1/commands/check", testAPIKey, check)
	result = decode[gateway.CheckResult](t, resp)
	if !result.Allowed || result.Tier != "read-only" {
		t.Fatalf("expected allowed read-only check after assignment: %+v", result)
	}

	resp = doJSON(t, http.MethodGet, srv.URL+"/v1/assignments", testAPIKey, nil)
	list := decode[AssignmentListResponse](t, resp)
	var found bool
	for _, a := range list.Assignments {
		if a.Identity == "fresh-agent" && a.Tier == "read-only" {
			found = true
		}
	}
	if !found {
		t.Errorf("fresh-agent missing from listing: %+v", list)
	}
}

func TestPutAssignment_UnknownTierRejected(t *testing.T) {
	srv, env := newTestServer(t)

	resp := doJSON(t, http.MethodPut, srv.URL+"/v1/assignments/fresh-agent", testAPIKey, AssignmentRequest{Tier: "superuser"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown tier, got %d", resp.StatusCode)
	}
	if got := env.assignments.tier("fresh-agent"); got != "" {
		t.Errorf("rejected tier must not be stored, got %q", got)
	}
}

func TestDeleteAssignment_RevertsToRestricted(t *testing.T) {
	srv, env := newTestServer(t)

	resp := doJSON(t, http.MethodPut, srv.URL+"/v1/assignments/temp-agent", testAPIKey, AssignmentRequest{Tier: "read-only"})
	resp.Body.Close()

	resp = doJSON(t, http.MethodDelete, srv.URL+"/v1/assignments/temp-agent", testAPIKey, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status %d", resp.StatusCode)
	}
	if got := env.assignments.tier("temp-agent"); got != "" {
		t.Errorf("store record not removed, got %q", got)
	}

	resp = postJSON(t, srv.URL+"/v1/commands/check", testAPIKey,
		CommandCheckRequest{Identity: "temp-agent", Command: "cat notes.txt"})
	result := decode[gateway.CheckResult](t, resp)
	if result.Allowed {
		t.Fatal("identity must fall back to restricted after delete")
	}

	resp = doJSON(t, http.MethodDelete, srv.URL+"/v1/assignments/temp-agent", testAPIKey, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 on second delete, got %d", resp.StatusCode)
	}
}

func TestReloadEndpoint_SwapsIndex(t *testing.T) {
	srv, env := newTestServer(t)

	// Drop a new entry into the catalog after startup.
	writeCatalogEntry(t, env.root, "core/delta.md", "delta", "compiles protocol stubs", "delta body")

	resp := postJSON(t, srv.URL+"/v1/reload", testAPIKey, struct{}{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	body := decode[ReloadResponse](t, resp)
	if body.Capabilities != 4 {
		t.Fatalf("expected 4 capabilities after reload, got %d", body.Capabilities)
	}
	if env.deps.Catalog.Snapshot().Get("delta") == nil {
		t.Error("new entry missing from swapped index")
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status %d", resp.StatusCode)
	}
}

func TestStatsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/v1/discover", "", DiscoverRequest{Query: "database"})
	resp.Body.Close()
	resp = postJSON(t, srv.URL+"/v1/discover", "", DiscoverRequest{Query: "database"})
	resp.Body.Close()

	r, err := http.Get(srv.URL + "/v1/stats")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	stats := decode[StatsResponse](t, r)
	if stats.Capabilities != 3 {
		t.Errorf("expected 3 capabilities, got %d", stats.Capabilities)
	}
	if stats.QueryCache.Hits != 1 || stats.QueryCache.Misses != 1 {
		t.Errorf("expected 1 hit / 1 miss, got %+v", stats.QueryCache)
	}
}

func TestClientRateLimitMiddleware(t *testing.T) {
	srv, env := newTestServer(t)
	srv.Close()

	env.deps.RPS = 1
	env.deps.Burst = 2
	limited := httptest.NewServer(NewRouter(env.deps))
	defer limited.Close()

	var tooMany bool
	for i := 0; i < 5; i++ {
		resp, err := http.Get(limited.URL + "/healthz")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests {
			tooMany = true
		}
	}
	if !tooMany {
		t.Error("expected at least one 429 under burst")
	}
}
