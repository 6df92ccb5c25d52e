// Package store abstracts the generic persistent object store the
// consistency core sits above. The core adds transactionality,
// versioning, and integrity semantics; the store itself only holds
// entities and flushes them durably on Save.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"notekeeper-core/internal/domain/entity"
)

// Store is the persistence boundary. Mutations stage in memory;
// durability happens exactly once per transaction via Save, so a
// failed commit can be fully reversed before anything is persisted.
type Store interface {
	Get(ctx context.Context, id string) (*entity.Entity, error)
	Put(ctx context.Context, e *entity.Entity) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*entity.Entity, error)
	ReplaceAll(ctx context.Context, entities []*entity.Entity) error
	Save(ctx context.Context) error
	Checksum(ctx context.Context) (string, error)
}

// ComputeChecksum produces a stable sha256 hex digest over the
// canonical JSON form of the entity set, ordered by id. The same
// digest algorithm is used by versions and backups so the three can be
// compared directly.
func ComputeChecksum(entities []*entity.Entity) (string, error) {
	sorted := make([]*entity.Entity, len(entities))
	copy(sorted, entities)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	h := sha256.New()
	enc := json.NewEncoder(h)
	for _, e := range sorted {
		if err := enc.Encode(e); err != nil {
			return "", fmt.Errorf("checksum encoding failed for entity %s: %w", e.ID, err)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
