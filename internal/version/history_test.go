package version

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"notekeeper-core/internal/domain/change"
	"notekeeper-core/internal/domain/entity"
	"notekeeper-core/internal/errors"
	"notekeeper-core/internal/store"
	"notekeeper-core/internal/transaction"
)

func noteEntity(id, content string) *entity.Entity {
	now := time.Now().UTC()
	return &entity.Entity{
		ID:         id,
		Name:       "Note " + id,
		Content:    content,
		CreatedAt:  now,
		ModifiedAt: now,
	}
}

func newTestHistory(t *testing.T, s *store.MemoryStore, maxCount int, maxBytes int64, logPath string) *History {
	t.Helper()
	txm := transaction.NewManager(s, 10, zap.NewNop(), nil)
	h, err := NewHistory(context.Background(), s, txm, maxCount, maxBytes, logPath, zap.NewNop(), nil)
	require.NoError(t, err)
	return h
}

// recordDelta applies ops to the store and appends the matching
// version, the way the consistency manager does.
func recordDelta(t *testing.T, ctx context.Context, s *store.MemoryStore, h *History, desc string, ops ...DeltaOp) *Version {
	t.Helper()
	delta := &Delta{Ops: ops}
	require.NoError(t, delta.Apply(ctx, s))
	sum, err := s.Checksum(ctx)
	require.NoError(t, err)
	v := NewDeltaVersion(change.KindEntityModified, nil, sum, desc, ops)
	require.NoError(t, h.AddVersion(ctx, v))
	return v
}

func TestHistory_UndoRedoRoundTrip(t *testing.T) {
	// Arrange: five versions, remembering the checksum after each.
	ctx := context.Background()
	s := store.NewMemoryStore()
	h := newTestHistory(t, s, 100, 10*1024*1024, "")

	base, err := s.Checksum(ctx)
	require.NoError(t, err)

	checksums := []string{base}
	for i := 0; i < 5; i++ {
		v := recordDelta(t, ctx, s, h, fmt.Sprintf("create %d", i),
			&Create{Entity: noteEntity(fmt.Sprintf("n%d", i), "body")})
		checksums = append(checksums, v.Checksum)
	}

	// Act + Assert: undo all the way down, verifying state at each step.
	for i := 5; i > 0; i-- {
		require.NoError(t, h.Undo(ctx))
		got, err := s.Checksum(ctx)
		require.NoError(t, err)
		assert.Equal(t, checksums[i-1], got, "undo %d", i)
	}
	assert.False(t, h.Undoable())
	err = h.Undo(ctx)
	assert.True(t, errors.HasCode(err, errors.CodeHistoryExhausted))

	// Redo all the way back up.
	for i := 1; i <= 5; i++ {
		require.NoError(t, h.Redo(ctx))
		got, err := s.Checksum(ctx)
		require.NoError(t, err)
		assert.Equal(t, checksums[i], got, "redo %d", i)
	}
	assert.False(t, h.Redoable())
	err = h.Redo(ctx)
	assert.True(t, errors.HasCode(err, errors.CodeHistoryExhausted))
}

func TestHistory_NewVersionDiscardsRedoBranch(t *testing.T) {
	// Arrange
	ctx := context.Background()
	s := store.NewMemoryStore()
	h := newTestHistory(t, s, 100, 10*1024*1024, "")

	recordDelta(t, ctx, s, h, "v1", &Create{Entity: noteEntity("a", "one")})
	recordDelta(t, ctx, s, h, "v2", &Create{Entity: noteEntity("b", "two")})
	recordDelta(t, ctx, s, h, "v3", &Create{Entity: noteEntity("c", "three")})

	require.NoError(t, h.Undo(ctx))
	require.NoError(t, h.Undo(ctx))

	// Act: a new edit while two versions sit on the redo branch.
	recordDelta(t, ctx, s, h, "branch", &Create{Entity: noteEntity("d", "four")})

	// Assert
	assert.Equal(t, 2, h.Len(), "v2 and v3 are gone")
	assert.False(t, h.Redoable())
	err := h.Redo(ctx)
	assert.True(t, errors.HasCode(err, errors.CodeHistoryExhausted))
	_, err = s.Get(ctx, "b")
	assert.True(t, errors.IsNotFound(err))
	_, err = s.Get(ctx, "d")
	assert.NoError(t, err)
}

func TestHistory_SnapshotUndoRestoresPriorState(t *testing.T) {
	// Arrange
	ctx := context.Background()
	s := store.NewMemoryStore()
	h := newTestHistory(t, s, 100, 10*1024*1024, "")

	v1 := recordDelta(t, ctx, s, h, "v1", &Create{Entity: noteEntity("a", "one")})

	// A snapshot version: full replacement state.
	require.NoError(t, s.Put(ctx, noteEntity("b", "two")))
	entities, err := s.List(ctx)
	require.NoError(t, err)
	sum, err := s.Checksum(ctx)
	require.NoError(t, err)
	snap := NewSnapshotVersion(change.KindBulkImport, []string{"a", "b"}, sum, "snapshot", entities)
	require.NoError(t, h.AddVersion(ctx, snap))

	// Act: undoing a snapshot reconstructs the state before it.
	require.NoError(t, h.Undo(ctx))

	// Assert
	got, err := s.Checksum(ctx)
	require.NoError(t, err)
	assert.Equal(t, v1.Checksum, got)
	_, err = s.Get(ctx, "b")
	assert.True(t, errors.IsNotFound(err))

	// And redoing it applies the full replacement again.
	require.NoError(t, h.Redo(ctx))
	got, err = s.Checksum(ctx)
	require.NoError(t, err)
	assert.Equal(t, snap.Checksum, got)
}

func TestHistory_CountCeilingEvictsIntoBase(t *testing.T) {
	// Arrange
	ctx := context.Background()
	s := store.NewMemoryStore()
	h := newTestHistory(t, s, 3, 10*1024*1024, "")

	var checksums []string
	for i := 0; i < 5; i++ {
		v := recordDelta(t, ctx, s, h, fmt.Sprintf("v%d", i),
			&Create{Entity: noteEntity(fmt.Sprintf("n%d", i), "body")})
		checksums = append(checksums, v.Checksum)
	}

	// Assert: only the newest three versions survive.
	require.Equal(t, 3, h.Len())

	// Act: undo everything that remains. The base has absorbed the two
	// evicted versions, so the floor is the state after v1.
	require.NoError(t, h.Undo(ctx))
	require.NoError(t, h.Undo(ctx))
	require.NoError(t, h.Undo(ctx))

	got, err := s.Checksum(ctx)
	require.NoError(t, err)
	assert.Equal(t, checksums[1], got, "undo floor is the evicted-into-base state")
	assert.True(t, errors.HasCode(h.Undo(ctx), errors.CodeHistoryExhausted))
}

func TestHistory_ByteCeilingCompactsPrefix(t *testing.T) {
	// Arrange: large payloads against a small byte ceiling.
	ctx := context.Background()
	s := store.NewMemoryStore()
	h := newTestHistory(t, s, 100, 2048, "")

	big := strings.Repeat("x", 512)
	for i := 0; i < 6; i++ {
		recordDelta(t, ctx, s, h, fmt.Sprintf("v%d", i),
			&Create{Entity: noteEntity(fmt.Sprintf("n%d", i), big)})
	}

	// Assert: a prefix was squashed into one compacted delta.
	metas := h.GetHistory(0)
	require.Less(t, len(metas), 6)
	assert.Contains(t, metas[0].Description, "compacted")

	// The compacted history still replays: undo to the floor and check
	// the store empties out (base state was empty).
	for h.Undoable() {
		require.NoError(t, h.Undo(ctx))
	}
	all, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)

	// And forward again to the full state.
	for h.Redoable() {
		require.NoError(t, h.Redo(ctx))
	}
	all, err = s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 6)
}

func TestHistory_JumpToVersion(t *testing.T) {
	// Arrange
	ctx := context.Background()
	s := store.NewMemoryStore()
	h := newTestHistory(t, s, 100, 10*1024*1024, "")

	var versions []*Version
	for i := 0; i < 4; i++ {
		versions = append(versions, recordDelta(t, ctx, s, h, fmt.Sprintf("v%d", i),
			&Create{Entity: noteEntity(fmt.Sprintf("n%d", i), "body")}))
	}

	// Act
	require.NoError(t, h.JumpToVersion(ctx, versions[1].ID))

	// Assert
	got, err := s.Checksum(ctx)
	require.NoError(t, err)
	assert.Equal(t, versions[1].Checksum, got)
	assert.Equal(t, 4, h.Len(), "jumping moves the cursor, it does not truncate")

	err = h.JumpToVersion(ctx, "no-such-id")
	assert.True(t, errors.HasCode(err, errors.CodeVersionNotFound))
}

func TestHistory_FailedUndoLeavesCursorUnchanged(t *testing.T) {
	// Arrange: a delta whose reverse cannot apply (the entity it wants
	// to delete was removed behind the history's back).
	ctx := context.Background()
	s := store.NewMemoryStore()
	h := newTestHistory(t, s, 100, 10*1024*1024, "")
	recordDelta(t, ctx, s, h, "v1", &Create{Entity: noteEntity("a", "one")})
	require.NoError(t, s.Delete(ctx, "a"))

	// Act
	err := h.Undo(ctx)

	// Assert
	require.Error(t, err)
	assert.True(t, h.Undoable(), "cursor must not move on failure")
}

func TestHistory_MetadataRehydratesButIsNotReplayable(t *testing.T) {
	// Arrange: one session writes versions with a metadata log.
	ctx := context.Background()
	logPath := filepath.Join(t.TempDir(), "versions.json")

	s1 := store.NewMemoryStore()
	h1 := newTestHistory(t, s1, 100, 10*1024*1024, logPath)
	recordDelta(t, ctx, s1, h1, "first edit", &Create{Entity: noteEntity("a", "one")})
	recordDelta(t, ctx, s1, h1, "second edit", &Create{Entity: noteEntity("b", "two")})

	// Act: a new session over the same log.
	s2 := store.NewMemoryStore()
	require.NoError(t, s2.ReplaceAll(ctx, mustList(t, s1)))
	h2 := newTestHistory(t, s2, 100, 10*1024*1024, logPath)

	// Assert: metadata survives for display, payloads do not.
	rehydrated := h2.Rehydrated()
	require.Len(t, rehydrated, 2)
	assert.Equal(t, "first edit", rehydrated[0].Description)
	assert.Equal(t, "second edit", rehydrated[1].Description)

	assert.False(t, h2.Undoable())
	err := h2.Undo(ctx)
	assert.True(t, errors.HasCode(err, errors.CodeHistoryExhausted))
}

func mustList(t *testing.T, s *store.MemoryStore) []*entity.Entity {
	t.Helper()
	all, err := s.List(context.Background())
	require.NoError(t, err)
	return all
}
