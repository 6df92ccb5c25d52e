package integrity

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"notekeeper-core/internal/domain/entity"
	"notekeeper-core/internal/errors"
	"notekeeper-core/internal/store"
)

// Validator is one integrity check over a snapshot of the entity set.
// Critical validators also run in quick checks; the rest only in
// comprehensive sweeps.
type Validator interface {
	Name() string
	Critical() bool
	Validate(ctx context.Context, snapshot []*entity.Entity) ([]Issue, error)
}

func defaultValidators(s store.Store) []Validator {
	return []Validator{
		newStructuralValidator(),
		&linkGraphValidator{},
		&derivedDataValidator{},
		&cacheValidator{store: s},
		&storageValidator{store: s},
	}
}

func issue(source, category string, sev Severity, desc string, ids ...string) Issue {
	return Issue{
		Severity:    sev,
		Category:    category,
		Source:      source,
		Description: desc,
		AffectedIDs: ids,
		DetectedAt:  time.Now().UTC(),
	}
}

// structuralValidator runs schema validation over every entity using
// the same tag-driven validator the config loader uses.
type structuralValidator struct {
	validate *validator.Validate
}

func newStructuralValidator() *structuralValidator {
	return &structuralValidator{validate: validator.New()}
}

func (v *structuralValidator) Name() string   { return "structural" }
func (v *structuralValidator) Critical() bool { return true }

func (v *structuralValidator) Validate(_ context.Context, snapshot []*entity.Entity) ([]Issue, error) {
	var issues []Issue
	for _, e := range snapshot {
		if err := v.validate.Struct(e); err != nil {
			issues = append(issues, issue(v.Name(), CategoryStructural, SeverityCritical,
				fmt.Sprintf("entity %s fails schema validation: %v", e.ID, err), e.ID))
			continue
		}
		if e.Revision < 0 {
			issues = append(issues, issue(v.Name(), CategoryStructural, SeverityCritical,
				fmt.Sprintf("entity %s has negative revision %d", e.ID, e.Revision), e.ID))
		}
		if !e.ModifiedAt.IsZero() && e.ModifiedAt.Before(e.CreatedAt) {
			issues = append(issues, issue(v.Name(), CategoryStructural, SeverityWarning,
				fmt.Sprintf("entity %s modified before it was created", e.ID), e.ID))
		}
	}
	return issues, nil
}

// linkGraphValidator checks referential integrity of the link graph:
// dangling targets, self-links, duplicate links, and cycles.
type linkGraphValidator struct{}

func (v *linkGraphValidator) Name() string   { return "link-graph" }
func (v *linkGraphValidator) Critical() bool { return true }

func (v *linkGraphValidator) Validate(_ context.Context, snapshot []*entity.Entity) ([]Issue, error) {
	known := make(map[string]struct{}, len(snapshot))
	for _, e := range snapshot {
		known[e.ID] = struct{}{}
	}

	var issues []Issue
	adj := make(map[string][]string)
	for _, e := range snapshot {
		seen := make(map[string]struct{})
		for _, l := range e.Links {
			adj[e.ID] = append(adj[e.ID], l.TargetID)
			if l.TargetID == e.ID {
				issues = append(issues, issue(v.Name(), CategoryLinkGraph, SeverityWarning,
					fmt.Sprintf("entity %s links to itself", e.ID), e.ID))
				continue
			}
			if _, ok := known[l.TargetID]; !ok {
				issues = append(issues, issue(v.Name(), CategoryLinkGraph, SeverityCritical,
					fmt.Sprintf("entity %s links to missing entity %s", e.ID, l.TargetID), e.ID, l.TargetID))
			}
			key := l.TargetID + "/" + string(l.Kind)
			if _, dup := seen[key]; dup {
				issues = append(issues, issue(v.Name(), CategoryLinkGraph, SeverityWarning,
					fmt.Sprintf("entity %s carries duplicate %s links to %s", e.ID, l.Kind, l.TargetID), e.ID, l.TargetID))
			}
			seen[key] = struct{}{}
		}
	}

	if cycle := findCycle(adj); len(cycle) > 0 {
		issues = append(issues, issue(v.Name(), CategoryLinkGraph, SeverityCritical,
			fmt.Sprintf("link graph contains a cycle through %d entities", len(cycle)), cycle...))
	}
	return issues, nil
}

// findCycle returns the ids on one cycle in the directed link graph,
// or nil. Iterative three-color DFS.
func findCycle(adj map[string][]string) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(adj))

	var (
		onCycle    []string
		cycleStart string
		closed     bool
	)
	var visit func(string) bool
	visit = func(node string) bool {
		color[node] = gray
		for _, next := range adj[node] {
			switch color[next] {
			case gray:
				cycleStart = next
				onCycle = append(onCycle, node)
				closed = node == next
				return true
			case white:
				if visit(next) {
					if !closed {
						onCycle = append(onCycle, node)
						closed = node == cycleStart
					}
					return true
				}
			}
		}
		color[node] = black
		return false
	}

	for node := range adj {
		if color[node] == white && visit(node) {
			return dedupeIDs(onCycle)
		}
	}
	return nil
}

func dedupeIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// derivedDataValidator flags stale analysis blobs: entities modified
// after their last analysis run need re-analysis.
type derivedDataValidator struct{}

func (v *derivedDataValidator) Name() string   { return "derived-data" }
func (v *derivedDataValidator) Critical() bool { return false }

func (v *derivedDataValidator) Validate(_ context.Context, snapshot []*entity.Entity) ([]Issue, error) {
	var issues []Issue
	for _, e := range snapshot {
		if e.Analysis == "" {
			continue
		}
		if e.AnalyzedAt.IsZero() {
			issues = append(issues, issue(v.Name(), CategoryDerivedData, SeverityInfo,
				fmt.Sprintf("entity %s has analysis without an analysis timestamp", e.ID), e.ID))
			continue
		}
		if e.AnalyzedAt.Before(e.ModifiedAt) {
			issues = append(issues, issue(v.Name(), CategoryDerivedData, SeverityWarning,
				fmt.Sprintf("entity %s was modified after its last analysis", e.ID), e.ID))
		}
	}
	return issues, nil
}

// cacheValidator compares the store's reported checksum against one
// recomputed from the listed entities. Divergence means a cached
// digest has gone stale relative to the actual data.
type cacheValidator struct {
	store store.Store
}

func (v *cacheValidator) Name() string   { return "cache" }
func (v *cacheValidator) Critical() bool { return false }

func (v *cacheValidator) Validate(ctx context.Context, snapshot []*entity.Entity) ([]Issue, error) {
	reported, err := v.store.Checksum(ctx)
	if err != nil {
		return nil, err
	}
	actual, err := store.ComputeChecksum(snapshot)
	if err != nil {
		return nil, err
	}
	if reported == actual {
		return nil, nil
	}
	return []Issue{issue(v.Name(), CategoryCache, SeverityWarning,
		fmt.Sprintf("store checksum %.8s diverges from recomputed %.8s", reported, actual))}, nil
}

// storageValidator re-reads every entity by id and compares its
// canonical form against the snapshot. A missing or diverging read
// means the storage layer itself is corrupt.
type storageValidator struct {
	store store.Store
}

func (v *storageValidator) Name() string   { return "storage" }
func (v *storageValidator) Critical() bool { return true }

func (v *storageValidator) Validate(ctx context.Context, snapshot []*entity.Entity) ([]Issue, error) {
	var issues []Issue
	for _, want := range snapshot {
		got, err := v.store.Get(ctx, want.ID)
		if err != nil {
			if errors.IsNotFound(err) {
				issues = append(issues, issue(v.Name(), CategoryStorage, SeverityCritical,
					fmt.Sprintf("entity %s listed but unreadable by id", want.ID), want.ID))
				continue
			}
			return nil, err
		}
		wantJSON, err := json.Marshal(want)
		if err != nil {
			return nil, err
		}
		gotJSON, err := json.Marshal(got)
		if err != nil {
			return nil, err
		}
		if string(wantJSON) != string(gotJSON) {
			issues = append(issues, issue(v.Name(), CategoryStorage, SeverityCritical,
				fmt.Sprintf("entity %s reads back differently than listed", want.ID), want.ID))
		}
	}
	return issues, nil
}
