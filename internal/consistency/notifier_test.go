package consistency

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"notekeeper-core/internal/domain/change"
	"notekeeper-core/internal/domain/entity"
)

func drainEvents(ch <-chan Event) []Event {
	var out []Event
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestPublishChange_RoutesByCategory(t *testing.T) {
	// Arrange
	n := NewNotifier(8, zap.NewNop(), nil)
	t.Cleanup(n.Close)
	search := n.Subscribe("indexer", CategorySearch)
	graph := n.Subscribe("graph-view", CategoryLinkGraph)
	media := n.Subscribe("thumbnailer", CategoryMedia)

	// Act: an annotation edit concerns search only.
	n.PublishChange("v1", change.NewAnnotationChanged(change.OriginUser, "a", "note to self"))

	// Assert
	got := drainEvents(search)
	require.Len(t, got, 1)
	assert.Equal(t, CategorySearch, got[0].Category)
	assert.Equal(t, change.KindAnnotationChanged, got[0].ChangeKind)
	assert.Equal(t, "v1", got[0].VersionID)
	assert.Empty(t, drainEvents(graph))
	assert.Empty(t, drainEvents(media))
}

func TestPublishChange_DeleteFansOutToAllCategories(t *testing.T) {
	// Arrange: one subscriber listening on every category.
	n := NewNotifier(8, zap.NewNop(), nil)
	t.Cleanup(n.Close)
	all := n.Subscribe("everything",
		CategoryMedia, CategoryLinkGraph, CategorySearch, CategoryAnalysis)

	// Act
	n.PublishChange("v1", change.NewEntityDeleted(change.OriginUser, "a"))

	// Assert: one event per category, not one total.
	got := drainEvents(all)
	require.Len(t, got, 4)
	seen := make(map[Category]bool)
	for _, ev := range got {
		seen[ev.Category] = true
	}
	assert.Len(t, seen, 4)
}

func TestPublish_FullBufferDropsInsteadOfBlocking(t *testing.T) {
	// Arrange: buffer of one, subscriber never reads.
	n := NewNotifier(1, zap.NewNop(), nil)
	t.Cleanup(n.Close)
	slow := n.Subscribe("slow", CategorySearch)

	// Act: the second publish must return immediately.
	n.PublishChange("v1", change.NewAnnotationChanged(change.OriginUser, "a", "first"))
	n.PublishChange("v2", change.NewAnnotationChanged(change.OriginUser, "a", "second"))

	// Assert: only the first event survived.
	got := drainEvents(slow)
	require.Len(t, got, 1)
	assert.Equal(t, "v1", got[0].VersionID)
}

func TestSubscribe_SameIDReplacesPreviousSubscription(t *testing.T) {
	// Arrange
	n := NewNotifier(8, zap.NewNop(), nil)
	t.Cleanup(n.Close)
	old := n.Subscribe("indexer", CategorySearch)
	replacement := n.Subscribe("indexer", CategorySearch)

	// Assert: the old channel is closed, the new one receives.
	_, stillOpen := <-old
	assert.False(t, stillOpen)

	n.PublishChange("v1", change.NewAnnotationChanged(change.OriginUser, "a", "x"))
	assert.Len(t, drainEvents(replacement), 1)
}

func TestUnsubscribe_StopsDelivery(t *testing.T) {
	// Arrange
	n := NewNotifier(8, zap.NewNop(), nil)
	t.Cleanup(n.Close)
	ch := n.Subscribe("indexer", CategorySearch)

	// Act
	n.Unsubscribe("indexer")
	n.PublishChange("v1", change.NewAnnotationChanged(change.OriginUser, "a", "x"))

	// Assert
	_, stillOpen := <-ch
	assert.False(t, stillOpen)
}

func TestClose_ClosesChannelsAndSilencesPublish(t *testing.T) {
	// Arrange
	n := NewNotifier(8, zap.NewNop(), nil)
	ch := n.Subscribe("indexer", CategorySearch)

	// Act
	n.Close()
	n.Close() // idempotent
	n.PublishChange("v1", change.NewEntityCreated(change.OriginUser, &entity.Entity{ID: "a", Name: "n", Content: "c"}))

	// Assert
	_, stillOpen := <-ch
	assert.False(t, stillOpen)
}
