// Package conflict detects collisions between near-simultaneous
// changes and resolves them with a closed set of strategies. Every
// change in a resolved batch is either accepted or explicitly
// rejected; when no strategy can decide, the whole batch is marked as
// requiring manual intervention rather than guessed.
package conflict

import (
	"time"

	"notekeeper-core/internal/domain/change"
)

// Type classifies a detected conflict.
type Type string

const (
	TypeSimultaneousEdit   Type = "simultaneous-edit"
	TypeIntegrityViolation Type = "integrity-violation"
	TypeUserVsDerived      Type = "user-vs-derived"
	TypeVersionMismatch    Type = "version-mismatch"
)

// Severity grades a conflict for reporting.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Conflict is a detected collision between two or more changes. It is
// consumed and discarded once resolved.
type Conflict struct {
	ID             string
	Type           Type
	Severity       Severity
	AutoResolvable bool
	Changes        []change.Record
	AffectedIDs    []string
	DetectedAt     time.Time
	Description    string
}

// Strategy is the closed set of resolution strategies. Dispatch is a
// single exhaustive switch so adding a strategy forces every call site
// to be revisited.
type Strategy string

const (
	// StrategyUserPriority accepts all user-initiated changes and
	// rejects the rest. Highest confidence; used whenever a
	// user-vs-derived conflict is present.
	StrategyUserPriority Strategy = "user-priority"
	// StrategyTimestamp accepts only the most recently timestamped
	// change (last-write-wins).
	StrategyTimestamp Strategy = "timestamp"
	// StrategyContentMerge merges exactly two changes of mergeable
	// kinds touching disjoint fields; otherwise falls back to
	// user-priority.
	StrategyContentMerge Strategy = "content-merge"
	// StrategyConfidence ranks changes by confidence score and
	// accepts the top-ranked one.
	StrategyConfidence Strategy = "confidence"
	// StrategySemanticMerge accepts changes after a semantic pass,
	// synthesizing cleanup changes where needed. Last resort.
	StrategySemanticMerge Strategy = "semantic-merge"
)

// Resolution is the recorded outcome of resolving one batch of
// conflicts. Resolutions form an append-only, capped history.
type Resolution struct {
	ID             string
	ConflictIDs    []string
	Accepted       []change.Record
	Rejected       []change.Record
	Strategy       Strategy
	Success        bool
	ManualRequired bool
	ResolvedAt     time.Time
	Details        string
}
