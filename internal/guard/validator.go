package guard

import (
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Default length ceilings for untrusted input.
const (
	MaxCommandLength = 2048
	MaxPathLength    = 4096
)

// dangerousPattern pairs a compiled pattern with the reason reported on
// rejection. These run against the RAW string before any shell-style
// tokenization: tokenizing first is itself exploitable.
type dangerousPattern struct {
	re     *regexp.Regexp
	reason string
}

var dangerousPatterns = []dangerousPattern{
	{regexp.MustCompile("`"), "backtick command substitution"},
	{regexp.MustCompile(`\$\(`), "$() command substitution"},
	{regexp.MustCompile(`;`), "chained command separator ';'"},
	{regexp.MustCompile(`&&`), "chained command operator '&&'"},
	{regexp.MustCompile(`\|\|`), "chained command operator '||'"},
	{regexp.MustCompile(`\|`), "pipe operator"},
	{regexp.MustCompile(`>\s*&\d`), "output redirection to file descriptor"},
	{regexp.MustCompile(`\d?>>?`), "output redirection"},
	{regexp.MustCompile(`<\(`), "process substitution"},
	{regexp.MustCompile(`(?i)\bbase64\s+(-d|--decode)\b`), "encoded payload decoding"},
	{regexp.MustCompile(`(?i)\b(LD_PRELOAD|LD_LIBRARY_PATH|DYLD_INSERT_LIBRARIES|PATH|IFS)=`), "privileged environment variable assignment"},
	{regexp.MustCompile(`\$\{`), "parameter expansion"},
	{regexp.MustCompile(`\n|\r`), "embedded newline"},
}

// ValidateString rejects raw input containing dangerous shell constructs or
// exceeding maxLength. Returns the input unchanged on success.
func ValidateString(input string, maxLength int) (string, error) {
	if strings.ContainsRune(input, 0) {
		return "", reject(RuleDangerousPattern, "null byte injection")
	}
	if maxLength > 0 && len(input) > maxLength {
		return "", reject(RuleLengthExceeded, "input length %d exceeds limit %d", len(input), maxLength)
	}
	for _, p := range dangerousPatterns {
		if p.re.MatchString(input) {
			return "", reject(RuleDangerousPattern, "%s", p.reason)
		}
	}
	return input, nil
}

// ValidatePath resolves path to an absolute path and verifies containment in
// root. Two checks apply: the lexically-resolved absolute path must be
// prefixed by root, and, if the path exists, its real path after following
// symlinks must also be inside root. A symlink whose name is inside root but
// whose target escapes it is rejected. This is the single most important
// anti-evasion rule in the gateway.
func ValidatePath(path, root string) (string, error) {
	if len(path) > MaxPathLength {
		return "", reject(RuleLengthExceeded, "path length %d exceeds limit %d", len(path), MaxPathLength)
	}
	if strings.ContainsRune(path, 0) {
		return "", reject(RulePathTraversal, "null byte in path")
	}

	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", reject(RulePathTraversal, "cannot resolve root: %v", err)
	}

	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(rootAbs, abs)
	}
	abs = filepath.Clean(abs)

	if !contained(abs, rootAbs) {
		return "", reject(RulePathTraversal, "%s resolves outside permitted root", path)
	}

	// Follow symlinks only for paths that already exist; a dangling target
	// cannot escape until it exists, and creation is the caller's problem.
	if _, statErr := os.Lstat(abs); statErr == nil {
		real, evalErr := filepath.EvalSymlinks(abs)
		if evalErr != nil {
			return "", reject(RuleSymlinkEscape, "cannot resolve symlinks for %s: %v", path, evalErr)
		}
		realRoot, evalErr := filepath.EvalSymlinks(rootAbs)
		if evalErr != nil {
			realRoot = rootAbs
		}
		if !contained(real, realRoot) {
			return "", reject(RuleSymlinkEscape, "%s is a link to a target outside permitted root", path)
		}
	}

	return abs, nil
}

// contained reports whether abs equals root or sits below it.
func contained(abs, root string) bool {
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// ValidateURL parses a URL, requires one of allowedSchemes, and rejects
// embedded credentials.
func ValidateURL(raw string, allowedSchemes []string) (string, error) {
	if _, err := ValidateString(raw, MaxPathLength); err != nil {
		return "", err
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", reject(RuleInvalidURL, "not a parsable absolute URL")
	}
	if !containsFold(allowedSchemes, u.Scheme) {
		return "", reject(RuleSchemeNotAllowed, "scheme %q is not permitted", u.Scheme)
	}
	if u.User != nil {
		return "", reject(RuleCredentialsInURL, "URL embeds userinfo credentials")
	}
	return raw, nil
}

// ValidateCommand checks a raw command string against an allow-list policy.
// Order matters: dangerous-pattern screening runs on the raw string first,
// then the policy's denied patterns, then verb and sub-verb checks, then
// per-argument path containment when the policy requires it. On success the
// whitespace-normalized command is returned.
func ValidateCommand(command string, policy *Policy, root string) (string, error) {
	raw, err := ValidateString(command, MaxCommandLength)
	if err != nil {
		return "", err
	}

	for _, denied := range policy.DeniedPatterns {
		if denied.MatchString(raw) {
			return "", reject(RuleDeniedPattern, "matches denied pattern %q", denied.String())
		}
	}

	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return "", reject(RuleCommandNotAllowed, "empty command")
	}

	verb := fields[0]
	if !policy.Allows(verb) {
		return "", reject(RuleCommandNotAllowed, "command %q is not in the %s allow-list", verb, policy.Tier)
	}

	if allowed := policy.Subcommands[verb]; len(allowed) > 0 {
		sub := firstSubcommand(fields[1:])
		if sub == "" || !containsFold(allowed, sub) {
			return "", reject(RuleSubcommandNotAllowed, "subcommand %q of %q is not permitted", sub, verb)
		}
	}

	if policy.RequirePathValidation {
		for _, arg := range fields[1:] {
			if !looksLikePath(arg) {
				continue
			}
			if _, err := ValidatePath(arg, root); err != nil {
				var rej *Rejection
				if asRejection(err, &rej) {
					return "", reject(RuleInvalidPathInCommand, "argument %q: %s", arg, rej.Reason)
				}
				return "", reject(RuleInvalidPathInCommand, "argument %q: %v", arg, err)
			}
		}
	}

	return strings.Join(fields, " "), nil
}

// firstSubcommand returns the first non-flag argument.
func firstSubcommand(args []string) string {
	for _, a := range args {
		if !strings.HasPrefix(a, "-") {
			return a
		}
	}
	return ""
}

// looksLikePath heuristically identifies filesystem-path arguments.
func looksLikePath(arg string) bool {
	if strings.HasPrefix(arg, "-") {
		return false
	}
	return strings.ContainsRune(arg, '/') || strings.HasPrefix(arg, "~") || strings.HasPrefix(arg, ".")
}

func containsFold(list []string, want string) bool {
	for _, v := range list {
		if strings.EqualFold(v, want) {
			return true
		}
	}
	return false
}

func asRejection(err error, target **Rejection) bool {
	r, ok := err.(*Rejection)
	if ok {
		*target = r
	}
	return ok
}
