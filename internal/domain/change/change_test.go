package change

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notekeeper-core/internal/domain/entity"
)

func noteEntity(id string) *entity.Entity {
	now := time.Now().UTC()
	return &entity.Entity{
		ID:         id,
		Name:       "Note " + id,
		Content:    "content",
		CreatedAt:  now,
		ModifiedAt: now,
	}
}

func TestNewRecord_AssignsIdentity(t *testing.T) {
	// Act
	a := NewEntityModified(OriginUser, "a", "n", "c", -1)
	b := NewEntityModified(OriginUser, "a", "n", "c", -1)

	// Assert
	assert.NotEmpty(t, a.ID())
	assert.NotEqual(t, a.ID(), b.ID())
	assert.False(t, a.Timestamp().IsZero())
	assert.Equal(t, OriginUser, a.Origin())
}

func TestConfidence_UserOutranksDerived(t *testing.T) {
	user := NewAnnotationChanged(OriginUser, "a", "x")
	derived := NewAnalysisUpdated(OriginDerived, "a", "x")
	assert.Greater(t, user.Confidence(), derived.Confidence())
}

func TestOverlaps(t *testing.T) {
	tests := []struct {
		name string
		a, b Record
		want bool
	}{
		{
			name: "same entity",
			a:    NewEntityModified(OriginUser, "a", "n", "c", -1),
			b:    NewEntityDeleted(OriginDerived, "a"),
			want: true,
		},
		{
			name: "disjoint entities",
			a:    NewEntityModified(OriginUser, "a", "n", "c", -1),
			b:    NewEntityModified(OriginUser, "b", "n", "c", -1),
			want: false,
		},
		{
			name: "link endpoint meets modification",
			a:    NewLinkAdded(OriginUser, "x", entity.Link{TargetID: "a", Kind: entity.LinkReference}),
			b:    NewEntityModified(OriginUser, "a", "n", "c", -1),
			want: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Overlaps(tt.a, tt.b))
			assert.Equal(t, tt.want, Overlaps(tt.b, tt.a))
		})
	}
}

func TestMergeable_AnnotationAndAnalysisOnly(t *testing.T) {
	assert.True(t, Mergeable(NewAnnotationChanged(OriginUser, "a", "x")))
	assert.True(t, Mergeable(NewAnalysisUpdated(OriginDerived, "a", "x")))
	assert.False(t, Mergeable(NewEntityModified(OriginUser, "a", "n", "c", -1)))
	assert.False(t, Mergeable(NewEntityDeleted(OriginUser, "a")))
}

func TestNewEntityCreated_ClonesTheEntity(t *testing.T) {
	// Arrange
	e := noteEntity("a")
	rec := NewEntityCreated(OriginUser, e)

	// Act: mutating the original must not reach the record.
	e.Name = "mutated"

	// Assert
	assert.Equal(t, "Note a", rec.Entity.Name)
}

func TestBulkImport_AffectsEveryImportedEntity(t *testing.T) {
	// Arrange
	batch := []*entity.Entity{noteEntity("a"), noteEntity("b")}
	rec := NewBulkImport(OriginUser, batch)

	// Act
	batch[0].Name = "mutated"

	// Assert
	require.Len(t, rec.Entities, 2)
	assert.Equal(t, "Note a", rec.Entities[0].Name, "the record owns its clones")
	assert.ElementsMatch(t, []string{"a", "b"}, rec.AffectedIDs())
}
