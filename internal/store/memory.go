package store

import (
	"context"
	"sort"
	"sync"

	"notekeeper-core/internal/domain/entity"
	"notekeeper-core/internal/errors"
)

// MemoryStore is the in-memory reference implementation of Store. It
// is the default wiring target and the backing store for tests. Saves
// are counted so tests can assert the commit-batches-one-save rule.
type MemoryStore struct {
	mu       sync.RWMutex
	entities map[string]*entity.Entity
	saves    int

	// FailNextSave forces the next Save to fail, for exercising the
	// reverse-before-persist path in transaction tests.
	FailNextSave bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entities: make(map[string]*entity.Entity)}
}

// Get returns a copy of the entity, or a not-found error.
func (s *MemoryStore) Get(_ context.Context, id string) (*entity.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entities[id]
	if !ok {
		return nil, errors.NotFound(errors.CodeEntityNotFound, "entity not found").
			WithDetails("entity_id=" + id).
			Build()
	}
	return e.Clone(), nil
}

// Put upserts an entity. The stored value is a clone so callers cannot
// mutate store state through retained pointers.
func (s *MemoryStore) Put(_ context.Context, e *entity.Entity) error {
	if e == nil || e.ID == "" {
		return errors.Validation(errors.CodeInvalidChange, "entity requires an id").Build()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities[e.ID] = e.Clone()
	return nil
}

// Delete removes an entity, failing if it does not exist.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entities[id]; !ok {
		return errors.NotFound(errors.CodeEntityNotFound, "entity not found").
			WithDetails("entity_id=" + id).
			Build()
	}
	delete(s.entities, id)
	return nil
}

// List returns copies of all entities ordered by id.
func (s *MemoryStore) List(_ context.Context) ([]*entity.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*entity.Entity, 0, len(s.entities))
	for _, e := range s.entities {
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ReplaceAll swaps the full entity set. Used by snapshot application
// and restore, always inside a transaction or a verified restore path.
func (s *MemoryStore) ReplaceAll(_ context.Context, entities []*entity.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]*entity.Entity, len(entities))
	for _, e := range entities {
		if e == nil || e.ID == "" {
			return errors.Validation(errors.CodeInvalidChange, "entity requires an id").Build()
		}
		next[e.ID] = e.Clone()
	}
	s.entities = next
	return nil
}

// Save flushes staged state durably. The in-memory implementation only
// counts calls; a file- or DB-backed store would write here.
func (s *MemoryStore) Save(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailNextSave {
		s.FailNextSave = false
		return errors.Transient(errors.CodeStoreFailure, "simulated save failure").Build()
	}
	s.saves++
	return nil
}

// SaveCount reports how many successful saves have happened.
func (s *MemoryStore) SaveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}

// Checksum computes the canonical digest of the current entity set.
func (s *MemoryStore) Checksum(ctx context.Context) (string, error) {
	entities, err := s.List(ctx)
	if err != nil {
		return "", err
	}
	return ComputeChecksum(entities)
}
