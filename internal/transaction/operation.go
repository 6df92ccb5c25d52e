// Package transaction groups primitive store operations into atomic
// units with commit/rollback. Operations execute only at commit time,
// strictly in append order, and each captures the inverse it needs to
// reverse itself, so a failure mid-commit unwinds in strict reverse
// order before anything is persisted.
package transaction

import (
	"context"
	"fmt"

	"notekeeper-core/internal/domain/entity"
	"notekeeper-core/internal/errors"
	"notekeeper-core/internal/store"
)

// Operation is the closed set of primitive mutations a transaction can
// carry: insert, update, delete, batch, and custom. Each variant
// carries strongly typed fields; an update without its new value is
// unrepresentable.
type Operation interface {
	// Describe names the operation for logs and error messages.
	Describe() string
	// Apply executes the operation and captures whatever state is
	// needed to reverse it.
	Apply(ctx context.Context, s store.Store) error
	// Revert undoes a previously applied operation.
	Revert(ctx context.Context, s store.Store) error
}

// Insert adds a new entity. Reversal deletes it.
type Insert struct {
	Entity *entity.Entity
}

func (op *Insert) Describe() string { return "insert " + op.Entity.ID }

func (op *Insert) Apply(ctx context.Context, s store.Store) error {
	if _, err := s.Get(ctx, op.Entity.ID); err == nil {
		return errors.Structural(errors.CodeEntityExists, "insert target already exists").
			WithDetails("entity_id=" + op.Entity.ID).
			Build()
	} else if !errors.IsNotFound(err) {
		return err
	}
	return s.Put(ctx, op.Entity)
}

func (op *Insert) Revert(ctx context.Context, s store.Store) error {
	return s.Delete(ctx, op.Entity.ID)
}

// Update replaces an entity. The prior state is captured at apply time
// as the inverse. ExpectedRevision below zero skips the optimistic
// version check.
type Update struct {
	Entity           *entity.Entity
	ExpectedRevision int64

	prior *entity.Entity
}

func (op *Update) Describe() string { return "update " + op.Entity.ID }

func (op *Update) Apply(ctx context.Context, s store.Store) error {
	prior, err := s.Get(ctx, op.Entity.ID)
	if err != nil {
		return err
	}
	if op.ExpectedRevision >= 0 && prior.Revision != op.ExpectedRevision {
		return errors.Structural(errors.CodeRevisionMismatch, "entity revision changed since read").
			WithDetails(fmt.Sprintf("entity_id=%s, expected=%d, actual=%d",
				op.Entity.ID, op.ExpectedRevision, prior.Revision)).
			Build()
	}
	op.prior = prior

	next := op.Entity.Clone()
	next.Revision = prior.Revision + 1
	return s.Put(ctx, next)
}

func (op *Update) Revert(ctx context.Context, s store.Store) error {
	if op.prior == nil {
		return nil // never applied
	}
	return s.Put(ctx, op.prior)
}

// Delete removes an entity, capturing it first so the removal is
// reversible.
type Delete struct {
	EntityID string

	prior *entity.Entity
}

func (op *Delete) Describe() string { return "delete " + op.EntityID }

func (op *Delete) Apply(ctx context.Context, s store.Store) error {
	prior, err := s.Get(ctx, op.EntityID)
	if err != nil {
		return err
	}
	op.prior = prior
	return s.Delete(ctx, op.EntityID)
}

func (op *Delete) Revert(ctx context.Context, s store.Store) error {
	if op.prior == nil {
		return nil
	}
	return s.Put(ctx, op.prior)
}

// Batch groups sub-operations that apply in order and revert in
// reverse order. A failure mid-batch unwinds the batch's own applied
// prefix before returning, so the enclosing transaction only ever sees
// fully-applied or fully-reverted batches.
type Batch struct {
	Name string
	Ops  []Operation

	applied int
}

func (op *Batch) Describe() string {
	if op.Name != "" {
		return "batch " + op.Name
	}
	return fmt.Sprintf("batch of %d", len(op.Ops))
}

func (op *Batch) Apply(ctx context.Context, s store.Store) error {
	for i, sub := range op.Ops {
		if err := ctx.Err(); err != nil {
			op.unwind(ctx, s, i-1)
			return err
		}
		if err := sub.Apply(ctx, s); err != nil {
			if unwindErr := op.unwind(ctx, s, i-1); unwindErr != nil {
				return errors.Fatal(errors.CodeRollbackFailed, "batch failed and unwind failed").
					WithDetails(fmt.Sprintf("op=%s", sub.Describe())).
					WithCause(fmt.Errorf("original error: %w, unwind error: %v", err, unwindErr)).
					Build()
			}
			return fmt.Errorf("batch operation '%s' failed: %w", sub.Describe(), err)
		}
		op.applied = i + 1
	}
	return nil
}

func (op *Batch) unwind(ctx context.Context, s store.Store, from int) error {
	var errs []error
	for i := from; i >= 0; i-- {
		if err := op.Ops[i].Revert(ctx, s); err != nil {
			errs = append(errs, fmt.Errorf("revert failed for '%s': %w", op.Ops[i].Describe(), err))
		}
	}
	op.applied = 0
	if len(errs) > 0 {
		return fmt.Errorf("batch unwind errors: %v", errs)
	}
	return nil
}

func (op *Batch) Revert(ctx context.Context, s store.Store) error {
	return op.unwind(ctx, s, op.applied-1)
}

// Custom wraps arbitrary apply/revert functions for operations the
// closed variants cannot express.
type Custom struct {
	Name     string
	ApplyFn  func(ctx context.Context, s store.Store) error
	RevertFn func(ctx context.Context, s store.Store) error
}

func (op *Custom) Describe() string { return "custom " + op.Name }

func (op *Custom) Apply(ctx context.Context, s store.Store) error {
	if op.ApplyFn == nil {
		return nil
	}
	return op.ApplyFn(ctx, s)
}

func (op *Custom) Revert(ctx context.Context, s store.Store) error {
	if op.RevertFn == nil {
		return nil
	}
	return op.RevertFn(ctx, s)
}
