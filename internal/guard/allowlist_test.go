package guard

import "testing"

func TestResolver_ExplicitAssignmentWins(t *testing.T) {
	r := NewResolver()
	r.Assign("code-reviewer", TierReadOnly)
	r.Assign("backend-builder", TierStandardDev)
	r.Assign("cluster-operator", TierInfrastructure)

	tests := []struct {
		identity string
		tier     Tier
	}{
		{"code-reviewer", TierReadOnly},
		{"backend-builder", TierStandardDev},
		{"cluster-operator", TierInfrastructure},
		{"never-assigned", TierRestricted},
		{"", TierRestricted},
	}
	for _, tt := range tests {
		if got := r.Resolve(tt.identity).Tier; got != tt.tier {
			t.Errorf("Resolve(%q): expected %s, got %s", tt.identity, tt.tier, got)
		}
	}
}

func TestRestrictedDefaultAllowsNothing(t *testing.T) {
	policy := NewResolver().Resolve("unknown")

	for _, verb := range []string{"ls", "cat", "git", "kubectl", "rm"} {
		if policy.Allows(verb) {
			t.Errorf("restricted tier should not allow %q", verb)
		}
	}
}

func TestReadOnlyTierDeniesMutation(t *testing.T) {
	policy := NewResolver().TierPolicy(TierReadOnly)
	root := t.TempDir()

	if _, err := ValidateCommand("ls -la subdir", policy, root); err != nil {
		t.Errorf("inspection command rejected: %v", err)
	}

	_, err := ValidateCommand("grep rm README.md", policy, root)
	if err == nil {
		t.Fatal("expected denied pattern to fire on rm mention")
	}
}

func TestInfrastructureTierRequiresApproval(t *testing.T) {
	policy := NewResolver().TierPolicy(TierInfrastructure)

	if !policy.RequireApproval {
		t.Error("infrastructure tier must require approval")
	}
	if policy.ApprovalMessage == "" {
		t.Error("infrastructure tier must carry an approval message")
	}

	root := t.TempDir()
	if _, err := ValidateCommand("kubectl get pods", policy, root); err != nil {
		t.Errorf("expected accept, got %v", err)
	}
	_, err := ValidateCommand("kubectl delete pod x", policy, root)
	if rule := rejectionRule(t, err); rule != RuleDeniedPattern {
		t.Errorf("expected rule %s, got %s", RuleDeniedPattern, rule)
	}
}

func TestResolver_UnassignRevertsToRestricted(t *testing.T) {
	r := NewResolver()
	r.Assign("temp-agent", TierStandardDev)

	if !r.Unassign("temp-agent") {
		t.Fatal("expected existing assignment to be reported")
	}
	if got := r.Resolve("temp-agent").Tier; got != TierRestricted {
		t.Errorf("expected restricted after unassign, got %s", got)
	}
	if r.Unassign("temp-agent") {
		t.Error("second unassign must report absence")
	}
}

func TestLookupTier(t *testing.T) {
	for _, tier := range []Tier{TierRestricted, TierReadOnly, TierStandardDev, TierInfrastructure} {
		got, ok := LookupTier(tier.String())
		if !ok || got != tier {
			t.Errorf("LookupTier(%q) = %s, %v", tier.String(), got, ok)
		}
	}
	if _, ok := LookupTier("superuser"); ok {
		t.Error("unknown label must not be accepted")
	}
}

func TestParseTierRoundTrip(t *testing.T) {
	for _, tier := range []Tier{TierRestricted, TierReadOnly, TierStandardDev, TierInfrastructure} {
		if got := ParseTier(tier.String()); got != tier {
			t.Errorf("ParseTier(%q) = %s", tier.String(), got)
		}
	}
	if ParseTier("made-up") != TierRestricted {
		t.Error("unknown label must map to restricted")
	}
}
