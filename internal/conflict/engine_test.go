package conflict

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"notekeeper-core/internal/domain/change"
	"notekeeper-core/internal/domain/entity"
	"notekeeper-core/internal/store"
)

func newTestEngine(t *testing.T, s store.Store) *Engine {
	t.Helper()
	return NewEngine(s, 5*time.Second, 500, zap.NewNop(), nil)
}

func storedEntity(t *testing.T, s store.Store, id string, links ...entity.Link) *entity.Entity {
	t.Helper()
	now := time.Now().UTC()
	e := &entity.Entity{
		ID:         id,
		Name:       "Note " + id,
		CreatedAt:  now,
		ModifiedAt: now,
		Links:      links,
	}
	require.NoError(t, s.Put(context.Background(), e))
	return e
}

func TestDetectConflicts_NoOverlapMeansNoConflict(t *testing.T) {
	// Arrange
	ctx := context.Background()
	s := store.NewMemoryStore()
	storedEntity(t, s, "a")
	storedEntity(t, s, "b")
	eng := newTestEngine(t, s)
	eng.Track(change.NewAnnotationChanged(change.OriginUser, "a", "note"))

	// Act
	conflicts, err := eng.DetectConflicts(ctx, change.NewAnnotationChanged(change.OriginUser, "b", "other"))

	// Assert
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

func TestDetectConflicts_WindowPrunesOldChanges(t *testing.T) {
	// Arrange
	ctx := context.Background()
	s := store.NewMemoryStore()
	storedEntity(t, s, "a")
	eng := NewEngine(s, 50*time.Millisecond, 500, zap.NewNop(), nil)
	eng.Track(change.NewAnnotationChanged(change.OriginUser, "a", "first"))
	time.Sleep(80 * time.Millisecond)

	// Act
	conflicts, err := eng.DetectConflicts(ctx, change.NewAnnotationChanged(change.OriginUser, "a", "second"))

	// Assert
	require.NoError(t, err)
	assert.Empty(t, conflicts, "changes outside the window are not simultaneous")
}

func TestResolve_UserEditAlwaysBeatsDerivedChange(t *testing.T) {
	// Arrange: a user edit lands, then an analyzer result for the same
	// entity arrives within the window.
	ctx := context.Background()
	s := store.NewMemoryStore()
	storedEntity(t, s, "a")
	eng := newTestEngine(t, s)

	userEdit := change.NewEntityModified(change.OriginUser, "a", "New name", "new content", -1)
	eng.Track(userEdit)
	derived := change.NewAnalysisUpdated(change.OriginDerived, "a", `{"topics":["x"]}`)

	// Act
	conflicts, err := eng.DetectConflicts(ctx, derived)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	res, err := eng.Resolve(ctx, conflicts)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, TypeUserVsDerived, conflicts[0].Type)
	assert.Equal(t, StrategyUserPriority, res.Strategy)
	assert.True(t, res.Success)
	require.Len(t, res.Accepted, 1)
	assert.Equal(t, userEdit.ID(), res.Accepted[0].ID())
	require.Len(t, res.Rejected, 1)
	assert.Equal(t, derived.ID(), res.Rejected[0].ID())
}

func TestResolve_SimultaneousUserEditsTakeLastWrite(t *testing.T) {
	// Arrange
	ctx := context.Background()
	s := store.NewMemoryStore()
	storedEntity(t, s, "a")
	eng := newTestEngine(t, s)

	first := change.NewEntityModified(change.OriginUser, "a", "First", "one", -1)
	eng.Track(first)
	second := change.NewEntityModified(change.OriginUser, "a", "Second", "two", -1)

	// Act
	conflicts, err := eng.DetectConflicts(ctx, second)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	res, err := eng.Resolve(ctx, conflicts)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, TypeSimultaneousEdit, conflicts[0].Type)
	assert.Equal(t, StrategyTimestamp, res.Strategy)
	require.Len(t, res.Accepted, 1)
	assert.Equal(t, second.ID(), res.Accepted[0].ID())
}

func TestResolve_DisjointFieldEditsMerge(t *testing.T) {
	// Arrange: annotation and analysis touch disjoint fields of the
	// same entity, so both survive.
	ctx := context.Background()
	s := store.NewMemoryStore()
	storedEntity(t, s, "a")
	eng := newTestEngine(t, s)

	annotation := change.NewAnnotationChanged(change.OriginUser, "a", "remember this")
	eng.Track(annotation)
	analysis := change.NewAnalysisUpdated(change.OriginUser, "a", `{"summary":"short"}`)

	// Act
	conflicts, err := eng.DetectConflicts(ctx, analysis)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	res, err := eng.Resolve(ctx, conflicts)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, StrategyContentMerge, res.Strategy)
	assert.True(t, res.Success)
	assert.Len(t, res.Accepted, 2)
	assert.Empty(t, res.Rejected)
}

func TestResolve_DeleteWithLiveLinksCleansUpDanglingLink(t *testing.T) {
	// Arrange: B links to A; deleting A must also remove B's link
	// rather than leave it orphaned.
	ctx := context.Background()
	s := store.NewMemoryStore()
	storedEntity(t, s, "a")
	storedEntity(t, s, "b", entity.Link{TargetID: "a", Kind: entity.LinkReference, CreatedAt: time.Now().UTC()})
	eng := newTestEngine(t, s)

	del := change.NewEntityDeleted(change.OriginUser, "a")

	// Act
	conflicts, err := eng.DetectConflicts(ctx, del)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	res, err := eng.Resolve(ctx, conflicts)

	// Assert
	require.NoError(t, err)
	c := conflicts[0]
	assert.Equal(t, TypeIntegrityViolation, c.Type)
	assert.Equal(t, SeverityHigh, c.Severity)
	assert.Contains(t, c.AffectedIDs, "a")
	assert.Contains(t, c.AffectedIDs, "b")

	assert.Equal(t, StrategySemanticMerge, res.Strategy)
	require.True(t, res.Success)
	require.Len(t, res.Accepted, 2, "delete plus one synthesized link cleanup")

	var cleanup *change.LinkRemoved
	for _, rec := range res.Accepted {
		if lr, ok := rec.(*change.LinkRemoved); ok {
			cleanup = lr
		}
	}
	require.NotNil(t, cleanup)
	assert.Equal(t, "b", cleanup.SourceID)
	assert.Equal(t, "a", cleanup.TargetID)
}

func TestResolve_LinkCycleRequiresManualIntervention(t *testing.T) {
	// Arrange: A already links to B; linking B back to A closes a cycle.
	ctx := context.Background()
	s := store.NewMemoryStore()
	storedEntity(t, s, "b")
	storedEntity(t, s, "a", entity.Link{TargetID: "b", Kind: entity.LinkParent, CreatedAt: time.Now().UTC()})
	eng := newTestEngine(t, s)

	linkBack := change.NewLinkAdded(change.OriginUser, "b", entity.Link{TargetID: "a", Kind: entity.LinkParent})

	// Act
	conflicts, err := eng.DetectConflicts(ctx, linkBack)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	res, err := eng.Resolve(ctx, conflicts)

	// Assert
	require.NoError(t, err)
	assert.False(t, conflicts[0].AutoResolvable)
	assert.True(t, res.ManualRequired)
	assert.False(t, res.Success)
	assert.Len(t, res.Rejected, 1, "nothing is guessed; the whole batch is rejected")
	assert.Empty(t, res.Accepted)
}

func TestDetectConflicts_RevisionMismatch(t *testing.T) {
	// Arrange
	ctx := context.Background()
	s := store.NewMemoryStore()
	e := storedEntity(t, s, "a")
	e.Revision = 5
	require.NoError(t, s.Put(ctx, e))
	eng := newTestEngine(t, s)

	stale := change.NewEntityModified(change.OriginUser, "a", "Name", "content", 3)

	// Act
	conflicts, err := eng.DetectConflicts(ctx, stale)

	// Assert
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, TypeVersionMismatch, conflicts[0].Type)
	assert.Equal(t, SeverityMedium, conflicts[0].Severity)

	// A matching revision raises nothing.
	fresh := change.NewEntityModified(change.OriginUser, "a", "Name", "content", 5)
	conflicts, err = eng.DetectConflicts(ctx, fresh)
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

func TestDetectConflicts_MixedOriginsKeepDistinctMemberLists(t *testing.T) {
	// Arrange: three tracked user edits plus one derived update, all
	// overlapping the incoming user change. The simultaneous-edit
	// conflict must keep the incoming change in its member list even
	// though a cross-origin conflict is built right after it.
	ctx := context.Background()
	s := store.NewMemoryStore()
	storedEntity(t, s, "a")
	eng := newTestEngine(t, s)

	for i := 0; i < 3; i++ {
		eng.Track(change.NewEntityModified(change.OriginUser, "a", "Tracked", "old", -1))
	}
	derived := change.NewAnalysisUpdated(change.OriginDerived, "a", `{"topics":["x"]}`)
	eng.Track(derived)
	incoming := change.NewEntityModified(change.OriginUser, "a", "Incoming", "new", -1)

	// Act
	conflicts, err := eng.DetectConflicts(ctx, incoming)

	// Assert
	require.NoError(t, err)
	require.Len(t, conflicts, 2)

	var simultaneous, crossOrigin *Conflict
	for _, c := range conflicts {
		switch c.Type {
		case TypeSimultaneousEdit:
			simultaneous = c
		case TypeUserVsDerived:
			crossOrigin = c
		}
	}
	require.NotNil(t, simultaneous)
	require.NotNil(t, crossOrigin)

	require.Len(t, simultaneous.Changes, 4)
	assert.Equal(t, incoming.ID(), simultaneous.Changes[3].ID(),
		"the submitted change stays in the member list")
	for _, rec := range simultaneous.Changes {
		assert.NotEqual(t, derived.ID(), rec.ID(),
			"same-origin conflict must not absorb the derived change")
	}

	require.Len(t, crossOrigin.Changes, 2)
	assert.Equal(t, derived.ID(), crossOrigin.Changes[0].ID())
	assert.Equal(t, incoming.ID(), crossOrigin.Changes[1].ID())
}

func TestResolutions_HistoryIsCapped(t *testing.T) {
	// Arrange
	ctx := context.Background()
	s := store.NewMemoryStore()
	storedEntity(t, s, "a")
	eng := NewEngine(s, 5*time.Second, 2, zap.NewNop(), nil)

	// Act: resolve three separate batches.
	for i := 0; i < 3; i++ {
		tracked := change.NewEntityModified(change.OriginUser, "a", "Old", "old", -1)
		eng.Track(tracked)
		incoming := change.NewEntityModified(change.OriginUser, "a", "New", "new", -1)
		conflicts, err := eng.DetectConflicts(ctx, incoming)
		require.NoError(t, err)
		require.NotEmpty(t, conflicts)
		_, err = eng.Resolve(ctx, conflicts)
		require.NoError(t, err)
	}

	// Assert
	assert.Len(t, eng.Resolutions(0), 2)
	assert.Len(t, eng.Resolutions(1), 1)
}
