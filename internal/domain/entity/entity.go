// Package entity defines the persisted record model the consistency
// core operates on: notes with typed links to other notes, a free-form
// annotation, and a derived-analysis blob produced by background
// analyzers.
package entity

import (
	"time"
)

// LinkKind identifies the semantic of a link between two entities.
type LinkKind string

const (
	LinkReference  LinkKind = "reference"
	LinkParent     LinkKind = "parent"
	LinkAttachment LinkKind = "attachment"
)

// Link is a directed, typed relationship from one entity to another.
type Link struct {
	TargetID  string    `json:"targetId" validate:"required"`
	Kind      LinkKind  `json:"kind" validate:"required"`
	CreatedAt time.Time `json:"createdAt"`
}

// Entity is a single persisted record. Validation tags drive both
// config-time checks and the integrity monitor's schema validator.
type Entity struct {
	ID         string    `json:"id" validate:"required"`
	Name       string    `json:"name" validate:"required,max=512"`
	Content    string    `json:"content"`
	Annotation string    `json:"annotation,omitempty"`
	Analysis   string    `json:"analysis,omitempty"`
	AnalyzedAt time.Time `json:"analyzedAt,omitempty"`
	Links      []Link    `json:"links,omitempty"`
	Revision   int64     `json:"revision"`
	CreatedAt  time.Time `json:"createdAt" validate:"required"`
	ModifiedAt time.Time `json:"modifiedAt"`
}

// Clone returns a deep copy. Operations capture clones as inverses so a
// later mutation of the live entity cannot corrupt a rollback.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	c := *e
	if len(e.Links) > 0 {
		c.Links = make([]Link, len(e.Links))
		copy(c.Links, e.Links)
	}
	return &c
}

// HasLinkTo reports whether the entity carries a link to the target.
func (e *Entity) HasLinkTo(targetID string) bool {
	for _, l := range e.Links {
		if l.TargetID == targetID {
			return true
		}
	}
	return false
}

// WithoutLinkTo returns a copy with every link to the target removed.
func (e *Entity) WithoutLinkTo(targetID string) *Entity {
	c := e.Clone()
	filtered := c.Links[:0]
	for _, l := range c.Links {
		if l.TargetID != targetID {
			filtered = append(filtered, l)
		}
	}
	c.Links = filtered
	return c
}
