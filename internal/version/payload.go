// Package version maintains the ordered, navigable log of accepted
// changes as reversible deltas or full snapshots, with undo/redo/jump
// applied through fresh transactions.
package version

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"notekeeper-core/internal/domain/entity"
	"notekeeper-core/internal/errors"
	"notekeeper-core/internal/store"
)

// DeltaOp is the closed set of primitive reversible operations a delta
// payload can carry: create, update, delete, move, merge. Each carries
// the old and new values it needs to run in either direction.
type DeltaOp interface {
	Describe() string
	Forward(ctx context.Context, s store.Store) error
	Backward(ctx context.Context, s store.Store) error
	SizeBytes() int64
}

func entitySize(es ...*entity.Entity) int64 {
	var total int64
	for _, e := range es {
		if e == nil {
			continue
		}
		if b, err := json.Marshal(e); err == nil {
			total += int64(len(b))
		}
	}
	return total
}

// Create introduces an entity; backward removes it.
type Create struct {
	Entity *entity.Entity `json:"entity"`
}

func (op *Create) Describe() string { return "create " + op.Entity.ID }

func (op *Create) Forward(ctx context.Context, s store.Store) error {
	return s.Put(ctx, op.Entity)
}

func (op *Create) Backward(ctx context.Context, s store.Store) error {
	return s.Delete(ctx, op.Entity.ID)
}

func (op *Create) SizeBytes() int64 { return entitySize(op.Entity) }

// Update replaces an entity; both directions carry the full value.
type Update struct {
	Before *entity.Entity `json:"before"`
	After  *entity.Entity `json:"after"`
}

func (op *Update) Describe() string { return "update " + op.After.ID }

func (op *Update) Forward(ctx context.Context, s store.Store) error {
	return s.Put(ctx, op.After)
}

func (op *Update) Backward(ctx context.Context, s store.Store) error {
	return s.Put(ctx, op.Before)
}

func (op *Update) SizeBytes() int64 { return entitySize(op.Before, op.After) }

// Delete removes an entity; the captured value makes it reversible.
type Delete struct {
	Before *entity.Entity `json:"before"`
}

func (op *Delete) Describe() string { return "delete " + op.Before.ID }

func (op *Delete) Forward(ctx context.Context, s store.Store) error {
	return s.Delete(ctx, op.Before.ID)
}

func (op *Delete) Backward(ctx context.Context, s store.Store) error {
	return s.Put(ctx, op.Before)
}

func (op *Delete) SizeBytes() int64 { return entitySize(op.Before) }

// Move retargets a link on an entity from one target to another.
type Move struct {
	EntityID    string          `json:"entityId"`
	OldTargetID string          `json:"oldTargetId"`
	NewTargetID string          `json:"newTargetId"`
	Kind        entity.LinkKind `json:"kind"`
}

func (op *Move) Describe() string {
	return fmt.Sprintf("move link on %s: %s -> %s", op.EntityID, op.OldTargetID, op.NewTargetID)
}

func (op *Move) retarget(ctx context.Context, s store.Store, from, to string) error {
	e, err := s.Get(ctx, op.EntityID)
	if err != nil {
		return err
	}
	moved := false
	for i, l := range e.Links {
		if l.TargetID == from && l.Kind == op.Kind {
			e.Links[i].TargetID = to
			moved = true
			break
		}
	}
	if !moved {
		return errors.Structural(errors.CodeApplyFailed, "move source link not present").
			WithDetails(fmt.Sprintf("entity_id=%s, target=%s", op.EntityID, from)).
			Build()
	}
	e.ModifiedAt = time.Now().UTC()
	return s.Put(ctx, e)
}

func (op *Move) Forward(ctx context.Context, s store.Store) error {
	return op.retarget(ctx, s, op.OldTargetID, op.NewTargetID)
}

func (op *Move) Backward(ctx context.Context, s store.Store) error {
	return op.retarget(ctx, s, op.NewTargetID, op.OldTargetID)
}

func (op *Move) SizeBytes() int64 {
	return int64(len(op.EntityID) + len(op.OldTargetID) + len(op.NewTargetID) + len(op.Kind))
}

// Merge absorbs one entity into another: the target takes its merged
// form and the absorbed entity disappears. Backward restores both.
type Merge struct {
	TargetBefore   *entity.Entity `json:"targetBefore"`
	TargetAfter    *entity.Entity `json:"targetAfter"`
	AbsorbedBefore *entity.Entity `json:"absorbedBefore"`
}

func (op *Merge) Describe() string {
	return fmt.Sprintf("merge %s into %s", op.AbsorbedBefore.ID, op.TargetAfter.ID)
}

func (op *Merge) Forward(ctx context.Context, s store.Store) error {
	if err := s.Put(ctx, op.TargetAfter); err != nil {
		return err
	}
	return s.Delete(ctx, op.AbsorbedBefore.ID)
}

func (op *Merge) Backward(ctx context.Context, s store.Store) error {
	if err := s.Put(ctx, op.TargetBefore); err != nil {
		return err
	}
	return s.Put(ctx, op.AbsorbedBefore)
}

func (op *Merge) SizeBytes() int64 {
	return entitySize(op.TargetBefore, op.TargetAfter, op.AbsorbedBefore)
}

// Payload is either a delta or a snapshot.
type Payload interface {
	IsSnapshot() bool
	SizeBytes() int64
}

// Delta is an ordered list of reversible operations.
type Delta struct {
	Ops []DeltaOp
}

func (d *Delta) IsSnapshot() bool { return false }

func (d *Delta) SizeBytes() int64 {
	var total int64
	for _, op := range d.Ops {
		total += op.SizeBytes()
	}
	return total
}

// Apply replays every operation in order.
func (d *Delta) Apply(ctx context.Context, s store.Store) error {
	for _, op := range d.Ops {
		if err := op.Forward(ctx, s); err != nil {
			return fmt.Errorf("delta op '%s' failed: %w", op.Describe(), err)
		}
	}
	return nil
}

// Reverse undoes every operation in strict reverse order.
func (d *Delta) Reverse(ctx context.Context, s store.Store) error {
	for i := len(d.Ops) - 1; i >= 0; i-- {
		if err := d.Ops[i].Backward(ctx, s); err != nil {
			return fmt.Errorf("delta op '%s' reverse failed: %w", d.Ops[i].Describe(), err)
		}
	}
	return nil
}

// Snapshot is the complete entity state at a point in time. Every
// snapshot is self-sufficient: applying it needs no prior deltas.
type Snapshot struct {
	Entities []*entity.Entity
}

func (s *Snapshot) IsSnapshot() bool { return true }

func (s *Snapshot) SizeBytes() int64 { return entitySize(s.Entities...) }
