package guard

import (
	"regexp"
	"sync"
)

// Tier is the closed set of allow-list policy tiers. Every identity maps to
// exactly one tier; anything unassigned falls through to TierRestricted, so
// an unmapped identity is a checked default branch rather than a map miss.
type Tier int

const (
	// TierRestricted is the default fallback: no commands permitted.
	TierRestricted Tier = iota
	// TierReadOnly permits inspection commands only.
	TierReadOnly
	// TierStandardDev permits a fixed development toolchain with per-tool
	// sub-verb allow-lists.
	TierStandardDev
	// TierInfrastructure permits cloud and cluster tools, every invocation
	// requiring external approval.
	TierInfrastructure
)

func (t Tier) String() string {
	switch t {
	case TierReadOnly:
		return "read-only"
	case TierStandardDev:
		return "standard-dev"
	case TierInfrastructure:
		return "infrastructure"
	default:
		return "restricted"
	}
}

// ParseTier maps a tier label to its Tier. Unknown labels map to
// TierRestricted.
func ParseTier(s string) Tier {
	t, _ := LookupTier(s)
	return t
}

// LookupTier maps a tier label to its Tier and reports whether the label
// names a known tier. Callers validating untrusted input use this instead
// of ParseTier's silent restricted fallback.
func LookupTier(s string) (Tier, bool) {
	switch s {
	case "restricted":
		return TierRestricted, true
	case "read-only":
		return TierReadOnly, true
	case "standard-dev":
		return TierStandardDev, true
	case "infrastructure":
		return TierInfrastructure, true
	default:
		return TierRestricted, false
	}
}

// Policy is the static allow-list record for a tier. Policies are built once
// and read-only at runtime.
type Policy struct {
	Tier            Tier
	AllowedCommands map[string]bool
	// Subcommands maps a verb to its permitted sub-verbs. A verb with no
	// entry accepts any sub-verb.
	Subcommands map[string][]string
	// DeniedPatterns run against the raw command before verb checks.
	DeniedPatterns []*regexp.Regexp
	// RequirePathValidation enables per-argument path containment checks.
	RequirePathValidation bool
	// RequireApproval marks every invocation under this policy as needing
	// external human approval before execution proceeds.
	RequireApproval bool
	// ApprovalMessage is the pre-composed risk warning surfaced to the
	// approver.
	ApprovalMessage string
}

// Allows reports whether the verb is in the policy's allow-list.
func (p *Policy) Allows(verb string) bool {
	return p.AllowedCommands[verb]
}

// Resolver maps a capability identity to its allow-list policy. Explicit
// name assignment wins; everything else resolves to the restricted default.
// Resolution is pure lookup with no side effects.
type Resolver struct {
	mu          sync.RWMutex
	assignments map[string]Tier
	policies    map[Tier]*Policy
}

// NewResolver builds a resolver with the built-in tier policies and no
// identity assignments.
func NewResolver() *Resolver {
	return &Resolver{
		assignments: make(map[string]Tier),
		policies: map[Tier]*Policy{
			TierRestricted:     restrictedPolicy,
			TierReadOnly:       readOnlyPolicy,
			TierStandardDev:    standardDevPolicy,
			TierInfrastructure: infrastructurePolicy,
		},
	}
}

// Assign maps an identity to a tier. Called during startup configuration
// load, before the resolver is shared; later calls are still safe.
func (r *Resolver) Assign(identity string, tier Tier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assignments[identity] = tier
}

// Unassign removes an identity's explicit assignment, returning it to the
// restricted default. Reports whether an assignment existed.
func (r *Resolver) Unassign(identity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.assignments[identity]
	delete(r.assignments, identity)
	return ok
}

// Assignments returns a copy of the explicit identity-to-tier assignments.
func (r *Resolver) Assignments() map[string]Tier {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Tier, len(r.assignments))
	for identity, tier := range r.assignments {
		out[identity] = tier
	}
	return out
}

// Resolve returns the policy for an identity. Total: unknown identities get
// the restricted default.
func (r *Resolver) Resolve(identity string) *Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if tier, ok := r.assignments[identity]; ok {
		return r.policies[tier]
	}
	return r.policies[TierRestricted]
}

// TierPolicy returns the static policy for a tier.
func (r *Resolver) TierPolicy(tier Tier) *Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.policies[tier]
}

var restrictedPolicy = &Policy{
	Tier:            TierRestricted,
	AllowedCommands: map[string]bool{},
}

var readOnlyPolicy = &Policy{
	Tier: TierReadOnly,
	AllowedCommands: map[string]bool{
		"cat": true, "ls": true, "grep": true, "head": true, "tail": true,
		"find": true, "wc": true, "stat": true, "file": true, "pwd": true,
		"diff": true, "du": true,
	},
	DeniedPatterns: []*regexp.Regexp{
		regexp.MustCompile(`(?i)\brm\b`),
		regexp.MustCompile(`(?i)\bchmod\b`),
		regexp.MustCompile(`(?i)\bchown\b`),
		regexp.MustCompile(`--?exec\b`),
	},
	RequirePathValidation: true,
}

var standardDevPolicy = &Policy{
	Tier: TierStandardDev,
	AllowedCommands: map[string]bool{
		"cat": true, "ls": true, "grep": true, "head": true, "tail": true,
		"find": true, "wc": true, "stat": true, "file": true, "pwd": true,
		"diff": true, "du": true,
		"git": true, "go": true, "npm": true, "make": true, "cargo": true,
		"python3": true, "pytest": true, "node": true,
	},
	Subcommands: map[string][]string{
		"git":   {"status", "diff", "log", "show", "add", "commit", "branch", "checkout", "stash", "rev-parse"},
		"go":    {"build", "test", "vet", "fmt", "run", "mod", "generate"},
		"npm":   {"install", "ci", "run", "test", "audit"},
		"cargo": {"build", "test", "check", "fmt", "clippy"},
	},
	DeniedPatterns: []*regexp.Regexp{
		regexp.MustCompile(`(?i)\brm\s+-rf\b`),
		regexp.MustCompile(`(?i)\bgit\s+push\s+.*--force\b`),
		regexp.MustCompile(`(?i)--hard\b`),
		regexp.MustCompile(`(?i)\bsudo\b`),
	},
	RequirePathValidation: true,
}

var infrastructurePolicy = &Policy{
	Tier: TierInfrastructure,
	AllowedCommands: map[string]bool{
		"kubectl": true, "helm": true, "terraform": true,
		"aws": true, "gcloud": true, "az": true,
	},
	Subcommands: map[string][]string{
		"kubectl":   {"get", "describe", "logs", "apply", "rollout", "diff"},
		"helm":      {"list", "status", "install", "upgrade", "diff"},
		"terraform": {"plan", "apply", "validate", "output"},
	},
	DeniedPatterns: []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bdelete\b`),
		regexp.MustCompile(`(?i)\bdestroy\b`),
		regexp.MustCompile(`(?i)--all(-namespaces)?\b`),
	},
	RequireApproval: true,
	ApprovalMessage: "This capability is requesting an infrastructure command. " +
		"It can modify cloud or cluster state. Review the exact command and " +
		"its target environment before approving.",
}
