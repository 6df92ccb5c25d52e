// Package change defines the immutable Change Record: the description
// of one semantic edit submitted to the consistency core. The kind set
// is closed and every kind is a distinct struct with strongly typed
// fields, so an update without its new value is unrepresentable.
package change

import (
	"time"

	"github.com/google/uuid"

	"notekeeper-core/internal/domain/entity"
)

// Kind identifies the semantic of a change record.
type Kind string

const (
	KindEntityCreated     Kind = "entity-created"
	KindEntityDeleted     Kind = "entity-deleted"
	KindEntityModified    Kind = "entity-modified"
	KindLinkAdded         Kind = "link-added"
	KindLinkRemoved       Kind = "link-removed"
	KindAnnotationChanged Kind = "annotation-changed"
	KindAnalysisUpdated   Kind = "derived-analysis-updated"
	KindBulkImport        Kind = "bulk-import"
)

// Origin identifies who produced a change.
type Origin string

const (
	// OriginUser marks direct human edits. They win every
	// user-vs-derived conflict.
	OriginUser Origin = "user"
	// OriginDerived marks changes produced by background analyzers.
	OriginDerived Origin = "derived"
)

// Confidence scores per origin. User edits always outrank derived ones
// in confidence-based resolution.
const (
	userConfidence    = 1.0
	derivedConfidence = 0.5
)

// Record is the closed interface implemented by every change kind.
// Records are immutable once created.
type Record interface {
	ID() string
	Kind() Kind
	Timestamp() time.Time
	Origin() Origin
	Confidence() float64
	AffectedIDs() []string
	Description() string
}

// Meta carries the identity shared by all change kinds.
type Meta struct {
	ChangeID   string
	OccurredAt time.Time
	Source     Origin
}

func newMeta(source Origin) Meta {
	return Meta{
		ChangeID:   uuid.NewString(),
		OccurredAt: time.Now().UTC(),
		Source:     source,
	}
}

// ID returns the unique change id.
func (m Meta) ID() string { return m.ChangeID }

// Timestamp returns when the change was created.
func (m Meta) Timestamp() time.Time { return m.OccurredAt }

// Origin returns who produced the change.
func (m Meta) Origin() Origin { return m.Source }

// Confidence ranks the change for confidence-based resolution.
func (m Meta) Confidence() float64 {
	if m.Source == OriginUser {
		return userConfidence
	}
	return derivedConfidence
}

// EntityCreated introduces a new entity.
type EntityCreated struct {
	Meta
	Entity *entity.Entity
}

// NewEntityCreated builds an entity-created record.
func NewEntityCreated(source Origin, e *entity.Entity) *EntityCreated {
	return &EntityCreated{Meta: newMeta(source), Entity: e.Clone()}
}

func (c *EntityCreated) Kind() Kind            { return KindEntityCreated }
func (c *EntityCreated) AffectedIDs() []string { return []string{c.Entity.ID} }
func (c *EntityCreated) Description() string   { return "create entity " + c.Entity.ID }

// EntityDeleted removes an entity.
type EntityDeleted struct {
	Meta
	EntityID string
}

// NewEntityDeleted builds an entity-deleted record.
func NewEntityDeleted(source Origin, entityID string) *EntityDeleted {
	return &EntityDeleted{Meta: newMeta(source), EntityID: entityID}
}

func (c *EntityDeleted) Kind() Kind            { return KindEntityDeleted }
func (c *EntityDeleted) AffectedIDs() []string { return []string{c.EntityID} }
func (c *EntityDeleted) Description() string   { return "delete entity " + c.EntityID }

// EntityModified replaces an entity's name and content. The expected
// revision enables optimistic version checking; a mismatch surfaces a
// version-mismatch conflict instead of silently clobbering.
type EntityModified struct {
	Meta
	EntityID         string
	NewName          string
	NewContent       string
	ExpectedRevision int64
}

// NewEntityModified builds an entity-modified record.
func NewEntityModified(source Origin, entityID, newName, newContent string, expectedRevision int64) *EntityModified {
	return &EntityModified{
		Meta:             newMeta(source),
		EntityID:         entityID,
		NewName:          newName,
		NewContent:       newContent,
		ExpectedRevision: expectedRevision,
	}
}

func (c *EntityModified) Kind() Kind            { return KindEntityModified }
func (c *EntityModified) AffectedIDs() []string { return []string{c.EntityID} }
func (c *EntityModified) Description() string   { return "modify entity " + c.EntityID }

// LinkAdded adds a typed link between two entities.
type LinkAdded struct {
	Meta
	SourceID string
	Link     entity.Link
}

// NewLinkAdded builds a link-added record.
func NewLinkAdded(source Origin, sourceID string, link entity.Link) *LinkAdded {
	return &LinkAdded{Meta: newMeta(source), SourceID: sourceID, Link: link}
}

func (c *LinkAdded) Kind() Kind            { return KindLinkAdded }
func (c *LinkAdded) AffectedIDs() []string { return []string{c.SourceID, c.Link.TargetID} }
func (c *LinkAdded) Description() string {
	return "link " + c.SourceID + " -> " + c.Link.TargetID
}

// LinkRemoved removes a link between two entities.
type LinkRemoved struct {
	Meta
	SourceID string
	TargetID string
}

// NewLinkRemoved builds a link-removed record.
func NewLinkRemoved(source Origin, sourceID, targetID string) *LinkRemoved {
	return &LinkRemoved{Meta: newMeta(source), SourceID: sourceID, TargetID: targetID}
}

func (c *LinkRemoved) Kind() Kind            { return KindLinkRemoved }
func (c *LinkRemoved) AffectedIDs() []string { return []string{c.SourceID, c.TargetID} }
func (c *LinkRemoved) Description() string {
	return "unlink " + c.SourceID + " -> " + c.TargetID
}

// AnnotationChanged replaces an entity's annotation.
type AnnotationChanged struct {
	Meta
	EntityID   string
	Annotation string
}

// NewAnnotationChanged builds an annotation-changed record.
func NewAnnotationChanged(source Origin, entityID, annotation string) *AnnotationChanged {
	return &AnnotationChanged{Meta: newMeta(source), EntityID: entityID, Annotation: annotation}
}

func (c *AnnotationChanged) Kind() Kind            { return KindAnnotationChanged }
func (c *AnnotationChanged) AffectedIDs() []string { return []string{c.EntityID} }
func (c *AnnotationChanged) Description() string   { return "annotate entity " + c.EntityID }

// AnalysisUpdated replaces an entity's derived-analysis blob. Always
// produced by background analyzers, so a user origin is rejected at
// construction by convention (callers pass OriginDerived).
type AnalysisUpdated struct {
	Meta
	EntityID string
	Analysis string
}

// NewAnalysisUpdated builds a derived-analysis-updated record.
func NewAnalysisUpdated(source Origin, entityID, analysis string) *AnalysisUpdated {
	return &AnalysisUpdated{Meta: newMeta(source), EntityID: entityID, Analysis: analysis}
}

func (c *AnalysisUpdated) Kind() Kind            { return KindAnalysisUpdated }
func (c *AnalysisUpdated) AffectedIDs() []string { return []string{c.EntityID} }
func (c *AnalysisUpdated) Description() string   { return "update analysis for entity " + c.EntityID }

// BulkImport introduces a batch of entities at once.
type BulkImport struct {
	Meta
	Entities []*entity.Entity
}

// NewBulkImport builds a bulk-import record. The entity list is cloned
// so the record stays immutable.
func NewBulkImport(source Origin, entities []*entity.Entity) *BulkImport {
	cloned := make([]*entity.Entity, len(entities))
	for i, e := range entities {
		cloned[i] = e.Clone()
	}
	return &BulkImport{Meta: newMeta(source), Entities: cloned}
}

func (c *BulkImport) Kind() Kind { return KindBulkImport }

func (c *BulkImport) AffectedIDs() []string {
	ids := make([]string, len(c.Entities))
	for i, e := range c.Entities {
		ids[i] = e.ID
	}
	return ids
}

func (c *BulkImport) Description() string { return "bulk import" }

// Overlaps reports whether two records touch at least one common entity.
func Overlaps(a, b Record) bool {
	seen := make(map[string]struct{})
	for _, id := range a.AffectedIDs() {
		seen[id] = struct{}{}
	}
	for _, id := range b.AffectedIDs() {
		if _, ok := seen[id]; ok {
			return true
		}
	}
	return false
}

// Mergeable reports whether a record's kind participates in
// content-merge resolution.
func Mergeable(r Record) bool {
	switch r.Kind() {
	case KindAnnotationChanged, KindAnalysisUpdated:
		return true
	default:
		return false
	}
}
