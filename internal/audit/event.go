package audit

import "time"

// Severity classifies an audit event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// ParseSeverity maps a label to a Severity. Unknown labels map to info.
func ParseSeverity(s string) Severity {
	switch Severity(s) {
	case SeverityWarning:
		return SeverityWarning
	case SeverityCritical:
		return SeverityCritical
	default:
		return SeverityInfo
	}
}

func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether s is at or above min.
func (s Severity) AtLeast(min Severity) bool {
	return s.rank() >= min.rank()
}

// Operation kinds recorded by the gateway.
const (
	KindCommandCheck      = "command_check"
	KindValidationFailure = "validation_failure"
	KindCapabilityLoad    = "capability_load"
	KindDiscovery         = "discovery"
	KindFileAccess        = "file_access"
	KindNetworkAccess     = "network_access"
	KindCatalogReload     = "catalog_reload"
	KindRateLimit         = "rate_limit"
	KindPolicyChange      = "policy_change"
)

// Event is a single audit record. Once logged it is never mutated;
// the persisted form is one JSON object per line.
type Event struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Identity  string            `json:"identity"`
	Kind      string            `json:"kind"`
	Success   bool              `json:"success"`
	Reason    string            `json:"reason,omitempty"`
	Severity  Severity          `json:"severity"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}
