package gateway

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/seth-schultz/orchestr8-sub004/internal/audit"
	"github.com/seth-schultz/orchestr8-sub004/internal/guard"
	"github.com/seth-schultz/orchestr8-sub004/internal/ratelimit"
)

// Rule names for outcomes produced by the pipeline itself rather than the
// validator.
const (
	RuleRateLimited = "rate_limited"
	RuleTimeout     = "timeout"
)

// Config controls the command-check pipeline.
type Config struct {
	// Root is the workspace directory path arguments must stay inside.
	Root string
	// AdmitTimeout bounds how long a check waits for rate-limit admission.
	AdmitTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.AdmitTimeout <= 0 {
		c.AdmitTimeout = 5 * time.Second
	}
	return c
}

// CheckResult is the outcome of one command check.
type CheckResult struct {
	Allowed          bool   `json:"allowed"`
	Command          string `json:"command,omitempty"`
	Tier             string `json:"tier"`
	RequiresApproval bool   `json:"requires_approval,omitempty"`
	ApprovalMessage  string `json:"approval_message,omitempty"`
	Rule             string `json:"rule,omitempty"`
	Reason           string `json:"reason,omitempty"`
}

// Gateway runs every command through the fixed pipeline: resolve the
// identity's policy, validate the raw string against it, take a rate-limit
// permit, and audit the outcome. The audit step runs regardless of outcome.
type Gateway struct {
	cfg      Config
	resolver *guard.Resolver
	limiter  *ratelimit.Limiter
	auditor  *audit.Logger
	logger   *zap.Logger
}

// New wires the pipeline stages together.
func New(cfg Config, resolver *guard.Resolver, limiter *ratelimit.Limiter, auditor *audit.Logger, logger *zap.Logger) *Gateway {
	return &Gateway{
		cfg:      cfg.withDefaults(),
		resolver: resolver,
		limiter:  limiter,
		auditor:  auditor,
		logger:   logger,
	}
}

// CheckCommand validates a raw command string on behalf of an identity.
// Rejections come back inside the result, not as an error; the error return
// is reserved for context cancellation.
func (g *Gateway) CheckCommand(ctx context.Context, identity, command string) (*CheckResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	policy := g.resolver.Resolve(identity)
	result := &CheckResult{Tier: policy.Tier.String()}

	normalized, err := guard.ValidateCommand(command, policy, g.cfg.Root)
	if err != nil {
		var rej *guard.Rejection
		if errors.As(err, &rej) {
			result.Rule = rej.Rule
			result.Reason = rej.Reason
		} else {
			result.Rule = guard.RuleDangerousPattern
			result.Reason = err.Error()
		}
		g.record(identity, command, result)
		return result, nil
	}

	permit, err := g.limiter.Acquire(ctx, 0, g.cfg.AdmitTimeout)
	if err != nil {
		switch {
		case errors.Is(err, ratelimit.ErrTimeout):
			result.Rule = RuleTimeout
		default:
			result.Rule = RuleRateLimited
		}
		result.Reason = err.Error()
		g.record(identity, command, result)
		return result, nil
	}
	// Admission consumed a token; the command itself runs outside this
	// process, so the concurrency slot is returned immediately.
	permit.Release(nil)

	result.Allowed = true
	result.Command = normalized
	result.RequiresApproval = policy.RequireApproval
	result.ApprovalMessage = policy.ApprovalMessage
	g.record(identity, command, result)
	return result, nil
}

func (g *Gateway) record(identity, command string, result *CheckResult) {
	event := &audit.Event{
		Identity: identity,
		Success:  result.Allowed,
		Metadata: map[string]string{
			"command": command,
			"tier":    result.Tier,
		},
	}
	switch {
	case result.Allowed:
		event.Kind = audit.KindCommandCheck
		event.Severity = audit.SeverityInfo
		if result.RequiresApproval {
			event.Severity = audit.SeverityWarning
			event.Reason = "approval required"
		}
	case result.Rule == RuleRateLimited || result.Rule == RuleTimeout:
		event.Kind = audit.KindRateLimit
		event.Severity = audit.SeverityWarning
		event.Reason = result.Reason
		event.Metadata["rule"] = result.Rule
	default:
		event.Kind = audit.KindValidationFailure
		event.Severity = rejectionSeverity(result.Rule)
		event.Reason = result.Reason
		event.Metadata["rule"] = result.Rule
	}
	g.auditor.Log(event)
}

// rejectionSeverity grades validator rules: injection and escape attempts
// are critical, plain policy misses are warnings.
func rejectionSeverity(rule string) audit.Severity {
	switch rule {
	case guard.RuleDangerousPattern, guard.RulePathTraversal, guard.RuleSymlinkEscape, guard.RuleCredentialsInURL:
		return audit.SeverityCritical
	default:
		return audit.SeverityWarning
	}
}
