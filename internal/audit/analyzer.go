package audit

import (
	"sort"
	"time"
)

// Suspicious-activity patterns.
const (
	PatternHighFailureRate = "high_failure_rate"
	PatternRapidFire       = "rapid_fire"
)

// Finding describes one flagged identity.
type Finding struct {
	Identity string    `json:"identity"`
	Pattern  string    `json:"pattern"`
	Failures int       `json:"failures"`
	First    time.Time `json:"first"`
	Last     time.Time `json:"last"`
}

// AnalyzerConfig tunes the detection thresholds.
type AnalyzerConfig struct {
	// FailureThreshold flags an identity whose failures within Window
	// reach this count.
	FailureThreshold int
	// Window is the lookback span for the failure count.
	Window time.Duration
	// BurstThreshold flags an identity with this many failures inside
	// any BurstSpan-sized sliding interval.
	BurstThreshold int
	BurstSpan      time.Duration
}

func (c AnalyzerConfig) withDefaults() AnalyzerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 50
	}
	if c.Window <= 0 {
		c.Window = 10 * time.Minute
	}
	if c.BurstThreshold <= 0 {
		c.BurstThreshold = 10
	}
	if c.BurstSpan <= 0 {
		c.BurstSpan = 10 * time.Second
	}
	return c
}

// Analyzer flags identities with anomalous failure behavior in the recent
// event window.
type Analyzer struct {
	cfg AnalyzerConfig
}

// NewAnalyzer builds an analyzer, filling in default thresholds.
func NewAnalyzer(cfg AnalyzerConfig) *Analyzer {
	return &Analyzer{cfg: cfg.withDefaults()}
}

// Analyze scans events and returns at most one finding per identity and
// pattern, ordered by identity then pattern. Events older than the lookback
// window relative to now are ignored.
func (a *Analyzer) Analyze(events []*Event, now time.Time) []Finding {
	cutoff := now.Add(-a.cfg.Window)

	failures := make(map[string][]time.Time)
	for _, e := range events {
		if e.Success || e.Identity == "" {
			continue
		}
		if e.Timestamp.Before(cutoff) {
			continue
		}
		failures[e.Identity] = append(failures[e.Identity], e.Timestamp)
	}

	var findings []Finding
	for identity, stamps := range failures {
		sort.Slice(stamps, func(i, j int) bool { return stamps[i].Before(stamps[j]) })

		if len(stamps) >= a.cfg.FailureThreshold {
			findings = append(findings, Finding{
				Identity: identity,
				Pattern:  PatternHighFailureRate,
				Failures: len(stamps),
				First:    stamps[0],
				Last:     stamps[len(stamps)-1],
			})
		}

		if burst, first, last, ok := a.burst(stamps); ok {
			findings = append(findings, Finding{
				Identity: identity,
				Pattern:  PatternRapidFire,
				Failures: burst,
				First:    first,
				Last:     last,
			})
		}
	}

	sort.Slice(findings, func(i, j int) bool {
		if findings[i].Identity != findings[j].Identity {
			return findings[i].Identity < findings[j].Identity
		}
		return findings[i].Pattern < findings[j].Pattern
	})
	return findings
}

// burst finds the densest BurstSpan-sized interval via a sliding window over
// sorted timestamps and reports it when it meets the threshold.
func (a *Analyzer) burst(stamps []time.Time) (count int, first, last time.Time, ok bool) {
	best, bestStart, bestEnd := 0, 0, 0
	lo := 0
	for hi := range stamps {
		for stamps[hi].Sub(stamps[lo]) > a.cfg.BurstSpan {
			lo++
		}
		if n := hi - lo + 1; n > best {
			best, bestStart, bestEnd = n, lo, hi
		}
	}
	if best < a.cfg.BurstThreshold {
		return 0, time.Time{}, time.Time{}, false
	}
	return best, stamps[bestStart], stamps[bestEnd], true
}
