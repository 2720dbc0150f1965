package guard

import "fmt"

// Rule names carried on every rejection so callers can see exactly which
// check fired. These are routine outcomes, not exceptional conditions, and
// must never be silently converted into an allow.
const (
	RuleDangerousPattern     = "dangerous_pattern"
	RuleLengthExceeded       = "length_exceeded"
	RulePathTraversal        = "path_traversal"
	RuleSymlinkEscape        = "symlink_escape"
	RuleInvalidURL           = "invalid_url"
	RuleSchemeNotAllowed     = "scheme_not_allowed"
	RuleCredentialsInURL     = "credentials_in_url"
	RuleCommandNotAllowed    = "command_not_allowed"
	RuleSubcommandNotAllowed = "subcommand_not_allowed"
	RuleDeniedPattern        = "denied_pattern"
	RuleInvalidPathInCommand = "invalid_path_in_command"
)

// Rejection is a typed validation or policy refusal: the rule that triggered
// and a human-readable reason.
type Rejection struct {
	Rule   string
	Reason string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s: %s", r.Rule, r.Reason)
}

func reject(rule, format string, args ...any) *Rejection {
	return &Rejection{Rule: rule, Reason: fmt.Sprintf(format, args...)}
}
