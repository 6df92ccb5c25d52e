// Package integrity runs proactive validation over the entity store:
// schema checks, link-graph consistency, derived-data freshness, cache
// agreement, and raw storage verification. A monitor schedules the
// checks, derives an overall health state, and delegates repair of
// critical findings behind a circuit breaker.
package integrity

import (
	"time"
)

// Severity grades a single finding.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Issue categories, one per validator.
const (
	CategoryStructural  = "structural"
	CategoryLinkGraph   = "link-graph"
	CategoryDerivedData = "derived-data"
	CategoryCache       = "cache-consistency"
	CategoryStorage     = "storage"
)

// Issue is one integrity finding. Source names the validator that
// produced it; cross-validation escalates entities flagged by more
// than one source.
type Issue struct {
	Severity    Severity
	Category    string
	Source      string
	Description string
	AffectedIDs []string
	DetectedAt  time.Time
}

// Health is the monitor's overall state, derived from the most recent
// report: critical beats warning beats healthy.
type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthWarning  Health = "warning"
	HealthCritical Health = "critical"
)

// CheckType distinguishes the cheap frequent check from the full sweep.
type CheckType string

const (
	CheckQuick         CheckType = "quick"
	CheckComprehensive CheckType = "comprehensive"
)

// Report is the outcome of one integrity check.
type Report struct {
	Type      CheckType
	StartedAt time.Time
	Duration  time.Duration
	Issues    []Issue
	Health    Health
}

// CriticalCount returns the number of critical issues in the report.
func (r *Report) CriticalCount() int {
	n := 0
	for _, is := range r.Issues {
		if is.Severity == SeverityCritical {
			n++
		}
	}
	return n
}

func deriveHealth(issues []Issue) Health {
	health := HealthHealthy
	for _, is := range issues {
		switch is.Severity {
		case SeverityCritical:
			return HealthCritical
		case SeverityWarning:
			health = HealthWarning
		}
	}
	return health
}
