package consistency

import (
	"context"
	"fmt"
	"time"

	"notekeeper-core/internal/domain/change"
	"notekeeper-core/internal/domain/entity"
	"notekeeper-core/internal/errors"
	"notekeeper-core/internal/store"
	"notekeeper-core/internal/transaction"
	"notekeeper-core/internal/version"
)

// plan translates accepted change records into the transactional store
// operations that apply them and the matching reversible delta ops for
// the version history. Reads happen at plan time; the owner goroutine
// guarantees nothing mutates the store between planning and commit.
//
// ignoreRevision drops optimistic revision checks: set when a
// version-mismatch conflict was already resolved in the change's
// favor, so the commit must not re-fail on the stale revision.
func plan(ctx context.Context, s store.Store, recs []change.Record, ignoreRevision bool) ([]transaction.Operation, []version.DeltaOp, error) {
	var txOps []transaction.Operation
	var deltaOps []version.DeltaOp

	for _, rec := range recs {
		switch c := rec.(type) {
		case *change.EntityCreated:
			e := c.Entity.Clone()
			txOps = append(txOps, &transaction.Insert{Entity: e})
			deltaOps = append(deltaOps, &version.Create{Entity: e.Clone()})

		case *change.EntityDeleted:
			prior, err := s.Get(ctx, c.EntityID)
			if err != nil {
				return nil, nil, err
			}
			txOps = append(txOps, &transaction.Delete{EntityID: c.EntityID})
			deltaOps = append(deltaOps, &version.Delete{Before: prior})

		case *change.EntityModified:
			prior, err := s.Get(ctx, c.EntityID)
			if err != nil {
				return nil, nil, err
			}
			after := prior.Clone()
			after.Name = c.NewName
			after.Content = c.NewContent
			after.ModifiedAt = time.Now().UTC()
			expected := c.ExpectedRevision
			if ignoreRevision {
				expected = -1
			}
			txOps = append(txOps, &transaction.Update{Entity: after, ExpectedRevision: expected})
			deltaOps = append(deltaOps, updateDelta(prior, after))

		case *change.LinkAdded:
			prior, err := s.Get(ctx, c.SourceID)
			if err != nil {
				return nil, nil, err
			}
			after := prior.Clone()
			link := c.Link
			if link.CreatedAt.IsZero() {
				link.CreatedAt = time.Now().UTC()
			}
			after.Links = append(after.Links, link)
			after.ModifiedAt = time.Now().UTC()
			txOps = append(txOps, &transaction.Update{Entity: after, ExpectedRevision: -1})
			deltaOps = append(deltaOps, updateDelta(prior, after))

		case *change.LinkRemoved:
			prior, err := s.Get(ctx, c.SourceID)
			if err != nil {
				return nil, nil, err
			}
			after := prior.WithoutLinkTo(c.TargetID)
			after.ModifiedAt = time.Now().UTC()
			txOps = append(txOps, &transaction.Update{Entity: after, ExpectedRevision: -1})
			deltaOps = append(deltaOps, updateDelta(prior, after))

		case *change.AnnotationChanged:
			prior, err := s.Get(ctx, c.EntityID)
			if err != nil {
				return nil, nil, err
			}
			after := prior.Clone()
			after.Annotation = c.Annotation
			after.ModifiedAt = time.Now().UTC()
			txOps = append(txOps, &transaction.Update{Entity: after, ExpectedRevision: -1})
			deltaOps = append(deltaOps, updateDelta(prior, after))

		case *change.AnalysisUpdated:
			prior, err := s.Get(ctx, c.EntityID)
			if err != nil {
				return nil, nil, err
			}
			after := prior.Clone()
			after.Analysis = c.Analysis
			after.AnalyzedAt = time.Now().UTC()
			txOps = append(txOps, &transaction.Update{Entity: after, ExpectedRevision: -1})
			deltaOps = append(deltaOps, updateDelta(prior, after))

		case *change.BulkImport:
			sub := make([]transaction.Operation, 0, len(c.Entities))
			for _, e := range c.Entities {
				cloned := e.Clone()
				sub = append(sub, &transaction.Insert{Entity: cloned})
				deltaOps = append(deltaOps, &version.Create{Entity: cloned.Clone()})
			}
			txOps = append(txOps, &transaction.Batch{Name: "bulk import", Ops: sub})

		default:
			return nil, nil, errors.Internal(errors.CodeInvalidChange, "unsupported change kind").
				WithDetails(fmt.Sprintf("kind=%s", rec.Kind())).
				Build()
		}
	}
	return txOps, deltaOps, nil
}

// updateDelta builds the delta op mirroring a transaction.Update,
// including the revision bump the operation performs at apply time.
func updateDelta(prior, after *entity.Entity) version.DeltaOp {
	bumped := after.Clone()
	bumped.Revision = prior.Revision + 1
	return &version.Update{Before: prior.Clone(), After: bumped}
}

// orderForApply puts link cleanups ahead of everything else so a
// deletion's synthesized unlink changes run before the entity
// disappears. The order is stable otherwise.
func orderForApply(recs []change.Record) []change.Record {
	ordered := make([]change.Record, 0, len(recs))
	for _, r := range recs {
		if r.Kind() == change.KindLinkRemoved {
			ordered = append(ordered, r)
		}
	}
	for _, r := range recs {
		if r.Kind() != change.KindLinkRemoved {
			ordered = append(ordered, r)
		}
	}
	return ordered
}
