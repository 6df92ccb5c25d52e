package conflict

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"notekeeper-core/internal/domain/change"
)

// Resolve settles a batch of detected conflicts and records the
// resolution. Every change involved ends up in exactly one of the
// accepted or rejected sets. When no strategy can decide, the batch is
// rejected wholesale and marked for manual intervention; nothing is
// guessed.
func (e *Engine) Resolve(ctx context.Context, conflicts []*Conflict) (*Resolution, error) {
	if len(conflicts) == 0 {
		return nil, nil
	}

	changes := collectChanges(conflicts)
	strategy := chooseStrategy(conflicts, changes)

	var (
		accepted []change.Record
		rejected []change.Record
		details  string
		ok       bool
		err      error
	)

	switch strategy {
	case StrategyUserPriority:
		accepted, rejected, details, ok = resolveUserPriority(changes)
	case StrategyTimestamp:
		accepted, rejected, details, ok = resolveTimestamp(changes)
	case StrategyContentMerge:
		accepted, rejected, details, ok = resolveContentMerge(changes)
		if !ok {
			// Disjoint-field merge did not hold; user edits win.
			strategy = StrategyUserPriority
			accepted, rejected, details, ok = resolveUserPriority(changes)
		}
	case StrategyConfidence:
		accepted, rejected, details, ok = resolveConfidence(changes)
	case StrategySemanticMerge:
		accepted, rejected, details, ok, err = e.resolveSemanticMerge(ctx, conflicts, changes)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown resolution strategy %q", strategy)
	}

	res := &Resolution{
		ID:          uuid.NewString(),
		ConflictIDs: conflictIDs(conflicts),
		Strategy:    strategy,
		ResolvedAt:  time.Now().UTC(),
		Details:     details,
	}
	if ok {
		res.Accepted = accepted
		res.Rejected = rejected
		res.Success = true
	} else {
		res.Rejected = changes
		res.ManualRequired = true
	}

	e.recordResolution(res)
	outcome := "resolved"
	if res.ManualRequired {
		outcome = "manual"
	}
	if e.metrics != nil {
		e.metrics.ConflictsResolved.WithLabelValues(string(strategy), outcome).Inc()
	}
	e.logger.Info("conflicts resolved",
		zap.String("resolution_id", res.ID),
		zap.String("strategy", string(strategy)),
		zap.String("outcome", outcome),
		zap.Int("accepted", len(res.Accepted)),
		zap.Int("rejected", len(res.Rejected)),
	)
	return res, nil
}

// chooseStrategy picks the strongest applicable strategy for the batch.
// User-priority beats everything when origins disagree; integrity
// violations need the semantic pass; version mismatches fall back to
// confidence ranking; plain simultaneous edits try content-merge and
// otherwise take last-write-wins.
func chooseStrategy(conflicts []*Conflict, changes []change.Record) Strategy {
	for _, c := range conflicts {
		if c.Type == TypeUserVsDerived {
			return StrategyUserPriority
		}
	}
	for _, c := range conflicts {
		if c.Type == TypeIntegrityViolation {
			return StrategySemanticMerge
		}
	}
	for _, c := range conflicts {
		if c.Type == TypeVersionMismatch {
			return StrategyConfidence
		}
	}
	if contentMergeApplies(changes) {
		return StrategyContentMerge
	}
	return StrategyTimestamp
}

func resolveUserPriority(changes []change.Record) (accepted, rejected []change.Record, details string, ok bool) {
	for _, c := range changes {
		if c.Origin() == change.OriginUser {
			accepted = append(accepted, c)
		} else {
			rejected = append(rejected, c)
		}
	}
	if len(accepted) == 0 {
		// No user change to prefer; last-write-wins instead.
		return resolveTimestamp(changes)
	}
	return accepted, rejected, "user-initiated changes kept, derived changes discarded", true
}

func resolveTimestamp(changes []change.Record) (accepted, rejected []change.Record, details string, ok bool) {
	latest := changes[0]
	for _, c := range changes[1:] {
		if !c.Timestamp().Before(latest.Timestamp()) {
			latest = c
		}
	}
	for _, c := range changes {
		if c.ID() == latest.ID() {
			accepted = append(accepted, c)
		} else {
			rejected = append(rejected, c)
		}
	}
	return accepted, rejected, "most recent change kept", true
}

// contentMergeApplies holds for exactly two mergeable changes of
// different kinds on the same entity, meaning they touch disjoint
// fields and can both survive.
func contentMergeApplies(changes []change.Record) bool {
	if len(changes) != 2 {
		return false
	}
	a, b := changes[0], changes[1]
	if !change.Mergeable(a) || !change.Mergeable(b) {
		return false
	}
	if a.Kind() == b.Kind() {
		return false
	}
	return change.Overlaps(a, b)
}

func resolveContentMerge(changes []change.Record) (accepted, rejected []change.Record, details string, ok bool) {
	if !contentMergeApplies(changes) {
		return nil, nil, "", false
	}
	// Disjoint fields: both changes are kept and applied together as
	// one atomic merged version.
	return changes, nil, "disjoint field edits merged into one version", true
}

func resolveConfidence(changes []change.Record) (accepted, rejected []change.Record, details string, ok bool) {
	ranked := make([]change.Record, len(changes))
	copy(ranked, changes)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Confidence() != ranked[j].Confidence() {
			return ranked[i].Confidence() > ranked[j].Confidence()
		}
		return ranked[i].Timestamp().After(ranked[j].Timestamp())
	})
	accepted = ranked[:1]
	rejected = ranked[1:]
	return accepted, rejected, fmt.Sprintf("highest-confidence change kept (%.2f)", ranked[0].Confidence()), true
}

// resolveSemanticMerge accepts the batch after repairing what the
// changes would break. For a delete that leaves dangling links, it
// synthesizes link-removed cleanup changes so no orphaned relationship
// survives. Conflicts marked non-auto-resolvable (link cycles) defer
// to manual intervention.
func (e *Engine) resolveSemanticMerge(ctx context.Context, conflicts []*Conflict, changes []change.Record) (accepted, rejected []change.Record, details string, ok bool, err error) {
	for _, c := range conflicts {
		if !c.AutoResolvable {
			return nil, nil, "non-auto-resolvable integrity violation: " + c.Description, false, nil
		}
	}

	accepted = append(accepted, changes...)
	synthesized := 0
	for _, rec := range changes {
		del, isDelete := rec.(*change.EntityDeleted)
		if !isDelete {
			continue
		}
		linkers, lerr := e.inboundLinkers(ctx, del.EntityID)
		if lerr != nil {
			return nil, nil, "", false, lerr
		}
		for _, linker := range linkers {
			accepted = append(accepted, change.NewLinkRemoved(change.OriginDerived, linker, del.EntityID))
			synthesized++
		}
	}
	return accepted, nil, fmt.Sprintf("accepted with %d synthesized link cleanups", synthesized), true, nil
}

// collectChanges flattens the batch to unique changes, preserving
// first-seen order.
func collectChanges(conflicts []*Conflict) []change.Record {
	seen := make(map[string]struct{})
	var out []change.Record
	for _, c := range conflicts {
		for _, rec := range c.Changes {
			if _, dup := seen[rec.ID()]; dup {
				continue
			}
			seen[rec.ID()] = struct{}{}
			out = append(out, rec)
		}
	}
	return out
}

func conflictIDs(conflicts []*Conflict) []string {
	ids := make([]string, len(conflicts))
	for i, c := range conflicts {
		ids[i] = c.ID
	}
	return ids
}
