package integrity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"notekeeper-core/internal/domain/entity"
	"notekeeper-core/internal/store"
)

func healthyEntity(id string) *entity.Entity {
	now := time.Now().UTC()
	return &entity.Entity{
		ID:         id,
		Name:       "Note " + id,
		Content:    "content",
		CreatedAt:  now,
		ModifiedAt: now,
	}
}

func newTestMonitor(t *testing.T, s store.Store) *Monitor {
	t.Helper()
	return NewMonitor(s, time.Minute, time.Hour, zap.NewNop(), nil)
}

func TestComprehensiveCheck_CleanStoreIsHealthy(t *testing.T) {
	// Arrange
	ctx := context.Background()
	s := store.NewMemoryStore()
	require.NoError(t, s.Put(ctx, healthyEntity("a")))
	require.NoError(t, s.Put(ctx, healthyEntity("b")))
	m := newTestMonitor(t, s)

	// Act
	report, err := m.PerformComprehensiveCheck(ctx)

	// Assert
	require.NoError(t, err)
	assert.Empty(t, report.Issues)
	assert.Equal(t, HealthHealthy, report.Health)
	assert.Equal(t, HealthHealthy, m.Health())
}

func TestComprehensiveCheck_DanglingLinkIsCritical(t *testing.T) {
	// Arrange
	ctx := context.Background()
	s := store.NewMemoryStore()
	e := healthyEntity("a")
	e.Links = []entity.Link{{TargetID: "ghost", Kind: entity.LinkReference, CreatedAt: time.Now().UTC()}}
	require.NoError(t, s.Put(ctx, e))
	m := newTestMonitor(t, s)

	// Act
	report, err := m.PerformComprehensiveCheck(ctx)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, HealthCritical, report.Health)
	require.NotEmpty(t, report.Issues)
	found := false
	for _, is := range report.Issues {
		if is.Category == CategoryLinkGraph && is.Severity == SeverityCritical {
			found = true
			assert.Contains(t, is.AffectedIDs, "a")
			assert.Contains(t, is.AffectedIDs, "ghost")
		}
	}
	assert.True(t, found, "dangling link must be reported as critical")
}

func TestComprehensiveCheck_StaleAnalysisIsWarning(t *testing.T) {
	// Arrange: modified after the last analysis run.
	ctx := context.Background()
	s := store.NewMemoryStore()
	e := healthyEntity("a")
	e.Analysis = `{"topics":["x"]}`
	e.AnalyzedAt = time.Now().UTC().Add(-time.Hour)
	e.ModifiedAt = time.Now().UTC()
	require.NoError(t, s.Put(ctx, e))
	m := newTestMonitor(t, s)

	// Act
	report, err := m.PerformComprehensiveCheck(ctx)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, HealthWarning, report.Health)
	require.Len(t, report.Issues, 1)
	assert.Equal(t, CategoryDerivedData, report.Issues[0].Category)
	assert.Equal(t, SeverityWarning, report.Issues[0].Severity)
}

func TestQuickCheck_RunsCriticalValidatorsOnly(t *testing.T) {
	// Arrange: a stale-analysis warning that only the comprehensive
	// sweep should see.
	ctx := context.Background()
	s := store.NewMemoryStore()
	e := healthyEntity("a")
	e.Analysis = "derived"
	e.AnalyzedAt = time.Now().UTC().Add(-time.Hour)
	e.ModifiedAt = time.Now().UTC()
	require.NoError(t, s.Put(ctx, e))
	m := newTestMonitor(t, s)

	// Act
	quick, err := m.PerformQuickCheck(ctx)

	// Assert
	require.NoError(t, err)
	assert.Empty(t, quick.Issues, "quick check skips non-critical validators")
	assert.Equal(t, HealthHealthy, quick.Health)
}

func TestComprehensiveCheck_CrossValidationEscalates(t *testing.T) {
	// Arrange: one entity flagged by two validators; its warning-grade
	// finding must escalate to critical.
	ctx := context.Background()
	s := store.NewMemoryStore()
	e := healthyEntity("a")
	// Self-link: a link-graph warning.
	e.Links = []entity.Link{{TargetID: "a", Kind: entity.LinkReference, CreatedAt: time.Now().UTC()}}
	// Stale analysis: a derived-data warning from a second validator.
	e.Analysis = "derived"
	e.AnalyzedAt = time.Now().UTC().Add(-time.Hour)
	e.ModifiedAt = time.Now().UTC()
	require.NoError(t, s.Put(ctx, e))
	m := newTestMonitor(t, s)

	// Act
	report, err := m.PerformComprehensiveCheck(ctx)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, HealthCritical, report.Health)
	for _, is := range report.Issues {
		assert.Equal(t, SeverityCritical, is.Severity,
			"warnings corroborated by a second validator escalate")
	}
}

type fakeRepairer struct {
	calls    int
	repaired int
	err      error
}

func (f *fakeRepairer) RepairCorruption(context.Context) (int, error) {
	f.calls++
	return f.repaired, f.err
}

func TestCheck_CriticalFindingTriggersRepair(t *testing.T) {
	// Arrange
	ctx := context.Background()
	s := store.NewMemoryStore()
	e := healthyEntity("a")
	e.Links = []entity.Link{{TargetID: "ghost", Kind: entity.LinkReference, CreatedAt: time.Now().UTC()}}
	require.NoError(t, s.Put(ctx, e))

	m := newTestMonitor(t, s)
	repairer := &fakeRepairer{repaired: 1}
	m.SetRepairer(repairer)

	// Act
	_, err := m.PerformQuickCheck(ctx)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 1, repairer.calls)
}

func TestCheck_RepairCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	// Arrange: a repairer that always fails; after three consecutive
	// failures the breaker opens and stops invoking it.
	ctx := context.Background()
	s := store.NewMemoryStore()
	e := healthyEntity("a")
	e.Links = []entity.Link{{TargetID: "ghost", Kind: entity.LinkReference, CreatedAt: time.Now().UTC()}}
	require.NoError(t, s.Put(ctx, e))

	m := newTestMonitor(t, s)
	repairer := &fakeRepairer{err: assert.AnError}
	m.SetRepairer(repairer)

	// Act
	for i := 0; i < 6; i++ {
		_, err := m.PerformQuickCheck(ctx)
		require.NoError(t, err)
	}

	// Assert
	assert.Equal(t, 3, repairer.calls, "open circuit must stop repair attempts")
}

func TestCriticalIssueCount_NeverTriggersRepair(t *testing.T) {
	// Arrange: a critical finding, and a repairer that would loop right
	// back into this count if it were invoked from here.
	ctx := context.Background()
	s := store.NewMemoryStore()
	e := healthyEntity("a")
	e.Links = []entity.Link{{TargetID: "ghost", Kind: entity.LinkReference, CreatedAt: time.Now().UTC()}}
	require.NoError(t, s.Put(ctx, e))

	m := newTestMonitor(t, s)
	repairer := &fakeRepairer{repaired: 1}
	m.SetRepairer(repairer)

	// Act
	n, err := m.CriticalIssueCount(ctx)

	// Assert
	require.NoError(t, err)
	assert.Positive(t, n)
	assert.Zero(t, repairer.calls, "verification counts must not start a repair")
}

func TestQuickCheck_ReportsCriticalSeverityOnly(t *testing.T) {
	// Arrange: the structural validator is critical, but a backwards
	// timestamp is only a warning-grade finding from it.
	ctx := context.Background()
	s := store.NewMemoryStore()
	e := healthyEntity("a")
	e.ModifiedAt = e.CreatedAt.Add(-time.Hour)
	require.NoError(t, s.Put(ctx, e))
	m := newTestMonitor(t, s)

	// Act
	quick, err := m.PerformQuickCheck(ctx)
	require.NoError(t, err)
	full, err := m.PerformComprehensiveCheck(ctx)
	require.NoError(t, err)

	// Assert
	assert.Empty(t, quick.Issues, "warnings wait for the comprehensive sweep")
	assert.Equal(t, HealthHealthy, quick.Health)
	require.Len(t, full.Issues, 1)
	assert.Equal(t, SeverityWarning, full.Issues[0].Severity)
}

func TestCriticalIssueCount(t *testing.T) {
	// Arrange
	ctx := context.Background()
	s := store.NewMemoryStore()
	require.NoError(t, s.Put(ctx, healthyEntity("ok")))
	m := newTestMonitor(t, s)

	// Act
	n, err := m.CriticalIssueCount(ctx)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	e := healthyEntity("bad")
	e.Links = []entity.Link{{TargetID: "ghost", Kind: entity.LinkReference, CreatedAt: time.Now().UTC()}}
	require.NoError(t, s.Put(ctx, e))
	n, err = m.CriticalIssueCount(ctx)
	require.NoError(t, err)
	assert.Positive(t, n)
}
