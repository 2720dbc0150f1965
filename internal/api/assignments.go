package api

import (
	"context"
	"net/http"
	"sort"

	"go.uber.org/zap"

	"github.com/seth-schultz/orchestr8-sub004/internal/audit"
	"github.com/seth-schultz/orchestr8-sub004/internal/guard"
	"github.com/seth-schultz/orchestr8-sub004/internal/store"
)

// AssignmentStore persists identity-to-tier overrides across restarts.
// Satisfied by store.Store; nil when no database is configured, in which
// case changes live only in the resolver.
type AssignmentStore interface {
	ListAssignments(ctx context.Context) ([]store.Assignment, error)
	UpsertAssignment(ctx context.Context, identity, tier string) (*store.Assignment, error)
	DeleteAssignment(ctx context.Context, identity string) (bool, error)
}

// handleListAssignments implements GET /v1/assignments: the live resolver
// overrides, sorted by identity.
func (d *Dependencies) handleListAssignments(w http.ResponseWriter, _ *http.Request) {
	assignments := d.Resolver.Assignments()
	out := make([]AssignmentView, 0, len(assignments))
	for identity, tier := range assignments {
		out = append(out, AssignmentView{Identity: identity, Tier: tier.String()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	writeJSON(w, http.StatusOK, AssignmentListResponse{Assignments: out, Total: len(out)})
}

// handlePutAssignment implements PUT /v1/assignments/{identity}: assign an
// identity to a tier, persisting the override when a store is configured.
// The resolver is updated only after the store accepts the write, so a
// database failure never leaves the two disagreeing.
func (d *Dependencies) handlePutAssignment(w http.ResponseWriter, r *http.Request) {
	identity := r.PathValue("identity")

	var req AssignmentRequest
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	tier, ok := guard.LookupTier(req.Tier)
	if !ok {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "unknown tier: " + req.Tier})
		return
	}

	if d.Assignments != nil {
		if _, err := d.Assignments.UpsertAssignment(r.Context(), identity, tier.String()); err != nil {
			d.Logger.Error("assignment upsert failed",
				zap.String("identity", identity),
				zap.Error(err),
			)
			writeJSON(w, http.StatusBadGateway, ErrorResp{Detail: "assignment store write failed"})
			return
		}
	}
	d.Resolver.Assign(identity, tier)

	d.Audit.Log(&audit.Event{
		Identity: identity,
		Kind:     audit.KindPolicyChange,
		Success:  true,
		Severity: audit.SeverityWarning,
		Metadata: map[string]string{"action": "assign", "tier": tier.String()},
	})
	writeJSON(w, http.StatusOK, AssignmentView{Identity: identity, Tier: tier.String()})
}

// handleDeleteAssignment implements DELETE /v1/assignments/{identity}: drop
// an identity's override so it falls back to the restricted default.
func (d *Dependencies) handleDeleteAssignment(w http.ResponseWriter, r *http.Request) {
	identity := r.PathValue("identity")

	if _, ok := d.Resolver.Assignments()[identity]; !ok {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "no assignment for identity: " + identity})
		return
	}

	if d.Assignments != nil {
		if _, err := d.Assignments.DeleteAssignment(r.Context(), identity); err != nil {
			d.Logger.Error("assignment delete failed",
				zap.String("identity", identity),
				zap.Error(err),
			)
			writeJSON(w, http.StatusBadGateway, ErrorResp{Detail: "assignment store write failed"})
			return
		}
	}
	d.Resolver.Unassign(identity)

	d.Audit.Log(&audit.Event{
		Identity: identity,
		Kind:     audit.KindPolicyChange,
		Success:  true,
		Severity: audit.SeverityWarning,
		Metadata: map[string]string{"action": "unassign"},
	})
	w.WriteHeader(http.StatusNoContent)
}
