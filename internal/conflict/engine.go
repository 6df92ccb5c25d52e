package conflict

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"notekeeper-core/internal/domain/change"
	"notekeeper-core/internal/errors"
	"notekeeper-core/internal/observability"
	"notekeeper-core/internal/store"
)

// Engine tracks recently accepted changes and detects conflicts for
// each incoming change against that window plus the current store
// state. It also resolves detected conflicts and keeps a capped,
// append-only history of resolutions.
type Engine struct {
	store   store.Store
	logger  *zap.Logger
	metrics *observability.Collector

	window         time.Duration
	maxResolutions int

	mu          sync.Mutex
	recent      []change.Record
	resolutions []*Resolution
}

// NewEngine creates a conflict engine. window bounds how long a change
// is considered "simultaneous" with later ones; maxResolutions caps
// the retained resolution history.
func NewEngine(s store.Store, window time.Duration, maxResolutions int, logger *zap.Logger, metrics *observability.Collector) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if window <= 0 {
		window = 5 * time.Second
	}
	if maxResolutions <= 0 {
		maxResolutions = 500
	}
	return &Engine{
		store:          s,
		logger:         logger.With(zap.String("component", "conflict_engine")),
		metrics:        metrics,
		window:         window,
		maxResolutions: maxResolutions,
	}
}

// Track records an accepted change so later submissions can be checked
// against it. Entries older than the window are pruned on every call.
func (e *Engine) Track(rec change.Record) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pruneLocked(time.Now().UTC())
	e.recent = append(e.recent, rec)
}

func (e *Engine) pruneLocked(now time.Time) {
	cutoff := now.Add(-e.window)
	kept := e.recent[:0]
	for _, r := range e.recent {
		if r.Timestamp().After(cutoff) {
			kept = append(kept, r)
		}
	}
	e.recent = kept
}

// DetectConflicts checks an incoming change against the recent-change
// window and the current store state. An empty result means the change
// can be applied as-is.
func (e *Engine) DetectConflicts(ctx context.Context, rec change.Record) ([]*Conflict, error) {
	e.mu.Lock()
	e.pruneLocked(time.Now().UTC())
	var sameOrigin, crossOrigin []change.Record
	for _, r := range e.recent {
		if r.ID() == rec.ID() || !change.Overlaps(r, rec) {
			continue
		}
		if r.Origin() == rec.Origin() {
			sameOrigin = append(sameOrigin, r)
		} else {
			crossOrigin = append(crossOrigin, r)
		}
	}
	e.mu.Unlock()

	var conflicts []*Conflict

	// Each conflict owns a fresh member slice. Appending rec to
	// sameOrigin in place would share its backing array with the next
	// append below and corrupt an already-published Changes list.
	if len(sameOrigin) > 0 {
		members := append(append([]change.Record{}, sameOrigin...), rec)
		conflicts = append(conflicts, &Conflict{
			ID:             uuid.NewString(),
			Type:           TypeSimultaneousEdit,
			Severity:       editSeverity(members),
			AutoResolvable: true,
			Changes:        members,
			AffectedIDs:    unionAffected(members),
			DetectedAt:     time.Now().UTC(),
			Description:    fmt.Sprintf("%d changes touched the same entities within %s", len(sameOrigin)+1, e.window),
		})
	}

	if len(crossOrigin) > 0 {
		members := append(append([]change.Record{}, crossOrigin...), rec)
		conflicts = append(conflicts, &Conflict{
			ID:             uuid.NewString(),
			Type:           TypeUserVsDerived,
			Severity:       SeverityHigh,
			AutoResolvable: true,
			Changes:        members,
			AffectedIDs:    unionAffected(members),
			DetectedAt:     time.Now().UTC(),
			Description:    "user edit and derived update collided on the same entities",
		})
	}

	overlapping := append(append([]change.Record{}, sameOrigin...), crossOrigin...)
	integrity, err := e.detectIntegrityViolations(ctx, rec, overlapping)
	if err != nil {
		return nil, err
	}
	conflicts = append(conflicts, integrity...)

	mismatch, err := e.detectVersionMismatch(ctx, rec)
	if err != nil {
		return nil, err
	}
	if mismatch != nil {
		conflicts = append(conflicts, mismatch)
	}

	for _, c := range conflicts {
		if e.metrics != nil {
			e.metrics.ConflictsDetected.WithLabelValues(string(c.Type)).Inc()
		}
		e.logger.Debug("conflict detected",
			zap.String("conflict_id", c.ID),
			zap.String("type", string(c.Type)),
			zap.String("severity", string(c.Severity)),
			zap.Strings("affected_ids", c.AffectedIDs),
		)
	}
	return conflicts, nil
}

// detectIntegrityViolations checks whether the change would leave the
// link graph inconsistent: deleting an entity that still participates
// in links, or adding a link that closes a cycle.
func (e *Engine) detectIntegrityViolations(ctx context.Context, rec change.Record, overlapping []change.Record) ([]*Conflict, error) {
	switch c := rec.(type) {
	case *change.EntityDeleted:
		linkers, err := e.inboundLinkers(ctx, c.EntityID)
		if err != nil {
			return nil, err
		}
		outbound, err := e.outboundTargets(ctx, c.EntityID)
		if err != nil {
			return nil, err
		}
		if len(linkers) == 0 && len(outbound) == 0 {
			return nil, nil
		}
		affected := append([]string{c.EntityID}, linkers...)
		affected = append(affected, outbound...)
		return []*Conflict{{
			ID:             uuid.NewString(),
			Type:           TypeIntegrityViolation,
			Severity:       SeverityHigh,
			AutoResolvable: true,
			Changes:        append([]change.Record{rec}, overlapping...),
			AffectedIDs:    dedupe(affected),
			DetectedAt:     time.Now().UTC(),
			Description:    fmt.Sprintf("deleting entity %s would leave %d dangling links", c.EntityID, len(linkers)+len(outbound)),
		}}, nil

	case *change.LinkAdded:
		cyclic, err := e.wouldCycle(ctx, c.SourceID, c.Link.TargetID)
		if err != nil {
			return nil, err
		}
		if !cyclic {
			return nil, nil
		}
		return []*Conflict{{
			ID:             uuid.NewString(),
			Type:           TypeIntegrityViolation,
			Severity:       SeverityHigh,
			AutoResolvable: false,
			Changes:        append([]change.Record{rec}, overlapping...),
			AffectedIDs:    rec.AffectedIDs(),
			DetectedAt:     time.Now().UTC(),
			Description:    fmt.Sprintf("link %s -> %s would close a cycle", c.SourceID, c.Link.TargetID),
		}}, nil
	}
	return nil, nil
}

// detectVersionMismatch compares a modification's expected revision
// against the stored one. A negative expected revision opts out.
func (e *Engine) detectVersionMismatch(ctx context.Context, rec change.Record) (*Conflict, error) {
	mod, ok := rec.(*change.EntityModified)
	if !ok || mod.ExpectedRevision < 0 {
		return nil, nil
	}
	current, err := e.store.Get(ctx, mod.EntityID)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	if current.Revision == mod.ExpectedRevision {
		return nil, nil
	}
	return &Conflict{
		ID:             uuid.NewString(),
		Type:           TypeVersionMismatch,
		Severity:       SeverityMedium,
		AutoResolvable: true,
		Changes:        []change.Record{rec},
		AffectedIDs:    rec.AffectedIDs(),
		DetectedAt:     time.Now().UTC(),
		Description: fmt.Sprintf("entity %s is at revision %d, change expected %d",
			mod.EntityID, current.Revision, mod.ExpectedRevision),
	}, nil
}

// inboundLinkers returns the ids of entities holding a link to target.
func (e *Engine) inboundLinkers(ctx context.Context, target string) ([]string, error) {
	all, err := e.store.List(ctx)
	if err != nil {
		return nil, err
	}
	var linkers []string
	for _, ent := range all {
		if ent.ID != target && ent.HasLinkTo(target) {
			linkers = append(linkers, ent.ID)
		}
	}
	return linkers, nil
}

// outboundTargets returns the targets of links held by the entity.
func (e *Engine) outboundTargets(ctx context.Context, id string) ([]string, error) {
	ent, err := e.store.Get(ctx, id)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	targets := make([]string, 0, len(ent.Links))
	for _, l := range ent.Links {
		targets = append(targets, l.TargetID)
	}
	return targets, nil
}

// wouldCycle reports whether adding source -> target makes target able
// to reach source through the existing link graph.
func (e *Engine) wouldCycle(ctx context.Context, source, target string) (bool, error) {
	if source == target {
		return true, nil
	}
	all, err := e.store.List(ctx)
	if err != nil {
		return false, err
	}
	adj := make(map[string][]string, len(all))
	for _, ent := range all {
		for _, l := range ent.Links {
			adj[ent.ID] = append(adj[ent.ID], l.TargetID)
		}
	}

	visited := map[string]bool{}
	stack := []string{target}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == source {
			return true, nil
		}
		if visited[cur] {
			continue
		}
		visited[cur] = true
		stack = append(stack, adj[cur]...)
	}
	return false, nil
}

// Resolutions returns up to limit of the most recent resolutions,
// oldest first. limit <= 0 returns all retained entries.
func (e *Engine) Resolutions(limit int) []*Resolution {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.resolutions)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*Resolution, n)
	copy(out, e.resolutions[len(e.resolutions)-n:])
	return out
}

func (e *Engine) recordResolution(r *Resolution) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resolutions = append(e.resolutions, r)
	if len(e.resolutions) > e.maxResolutions {
		e.resolutions = e.resolutions[len(e.resolutions)-e.maxResolutions:]
	}
}

func editSeverity(changes []change.Record) Severity {
	for _, c := range changes {
		if c.Kind() == change.KindEntityDeleted {
			return SeverityHigh
		}
	}
	return SeverityMedium
}

func unionAffected(changes []change.Record) []string {
	var all []string
	for _, c := range changes {
		all = append(all, c.AffectedIDs()...)
	}
	return dedupe(all)
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
