package store

import (
	"context"
	"fmt"
	"time"
)

// Assignment maps a capability identity to a policy tier label.
type Assignment struct {
	Identity  string
	Tier      string
	UpdatedAt time.Time
}

// ListAssignments returns every identity-to-tier override, ordered by
// identity. Called once at startup to seed the resolver.
func (s *Store) ListAssignments(ctx context.Context) ([]Assignment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT identity, tier, updated_at
		FROM tier_assignments
		ORDER BY identity`)
	if err != nil {
		return nil, fmt.Errorf("ListAssignments: %w", err)
	}
	defer rows.Close()

	var assignments []Assignment
	for rows.Next() {
		var a Assignment
		if err := rows.Scan(&a.Identity, &a.Tier, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("ListAssignments scan: %w", err)
		}
		assignments = append(assignments, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListAssignments rows: %w", err)
	}
	return assignments, nil
}

// UpsertAssignment creates or updates an identity's tier override.
func (s *Store) UpsertAssignment(ctx context.Context, identity, tier string) (*Assignment, error) {
	var a Assignment
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO tier_assignments (identity, tier, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (identity) DO UPDATE SET
			tier       = EXCLUDED.tier,
			updated_at = now()
		RETURNING identity, tier, updated_at`,
		identity, tier,
	).Scan(&a.Identity, &a.Tier, &a.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("UpsertAssignment: %w", err)
	}
	return &a, nil
}

// DeleteAssignment removes an identity's override. Returns false when the
// identity had none.
func (s *Store) DeleteAssignment(ctx context.Context, identity string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM tier_assignments WHERE identity = $1`, identity)
	if err != nil {
		return false, fmt.Errorf("DeleteAssignment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("DeleteAssignment rows: %w", err)
	}
	return n > 0, nil
}
