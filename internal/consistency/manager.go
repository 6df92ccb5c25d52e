// Package consistency is the facade over the consistency core. A
// single owner goroutine serializes every state-changing request, so
// the submit pipeline (detect, resolve, apply, version, notify) runs
// without interleaving and no lock ordering exists to get wrong.
package consistency

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"notekeeper-core/internal/config"
	"notekeeper-core/internal/conflict"
	"notekeeper-core/internal/domain/change"
	"notekeeper-core/internal/errors"
	"notekeeper-core/internal/observability"
	"notekeeper-core/internal/store"
	"notekeeper-core/internal/transaction"
	"notekeeper-core/internal/version"
)

// idempotencyCap bounds the submit result cache. Oldest entries fall
// out first.
const idempotencyCap = 1024

// Result is the outcome of one submitted change.
type Result struct {
	ChangeID   string
	Kind       change.Kind
	Accepted   bool
	Conflicts  []*conflict.Conflict
	Resolution *conflict.Resolution
	Version    *version.Meta
	Duration   time.Duration
}

// Manager orchestrates the change pipeline over the store, the
// transaction manager, the conflict engine, the version history, and
// the collaborator notifier.
type Manager struct {
	cfg      *config.Config
	store    store.Store
	txm      *transaction.Manager
	engine   *conflict.Engine
	history  *version.History
	notifier *Notifier
	logger   *zap.Logger
	metrics  *observability.Collector
	tracer   trace.Tracer

	requests chan func()
	quit     chan struct{}
	closed   atomic.Bool
	wg       sync.WaitGroup

	// Owner-goroutine state, never touched from outside the loop.
	results       map[string]*Result
	resultOrder   []string
	sinceSnapshot int
}

// NewManager wires the consistency manager and starts its owner
// goroutine. Close must be called to stop it.
func NewManager(
	cfg *config.Config,
	s store.Store,
	txm *transaction.Manager,
	engine *conflict.Engine,
	history *version.History,
	notifier *Notifier,
	logger *zap.Logger,
	metrics *observability.Collector,
	tracer trace.Tracer,
) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if tracer == nil {
		tracer = observability.NopTracer()
	}
	m := &Manager{
		cfg:      cfg,
		store:    s,
		txm:      txm,
		engine:   engine,
		history:  history,
		notifier: notifier,
		logger:   logger.With(zap.String("component", "consistency_manager")),
		metrics:  metrics,
		tracer:   tracer,
		requests: make(chan func(), 16),
		quit:     make(chan struct{}),
		results:  make(map[string]*Result),
	}
	m.wg.Add(1)
	go m.loop()
	return m
}

func (m *Manager) loop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.quit:
			// Drain anything already queued so no caller hangs.
			for {
				select {
				case req := <-m.requests:
					req()
				default:
					return
				}
			}
		case req := <-m.requests:
			req()
		}
	}
}

// run executes fn on the owner goroutine and waits for it.
func (m *Manager) run(ctx context.Context, fn func()) error {
	if m.closed.Load() {
		return errors.Structural(errors.CodeClosed, "consistency manager is closed").Build()
	}
	done := make(chan struct{})
	wrapped := func() {
		fn()
		close(done)
	}
	select {
	case m.requests <- wrapped:
	case <-m.quit:
		return errors.Structural(errors.CodeClosed, "consistency manager is closed").Build()
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the owner goroutine and the notifier. Requests already
// queued still complete; new requests fail with CodeClosed.
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(m.quit)
	m.wg.Wait()
	m.notifier.Close()
	m.logger.Info("consistency manager closed")
	return nil
}

// SubmitChange runs one change through the full pipeline: conflict
// detection, resolution, transactional application, versioning, and
// collaborator notification. Resubmitting an already-accepted change
// id returns the original result without reapplying anything.
func (m *Manager) SubmitChange(ctx context.Context, rec change.Record) (*Result, error) {
	var (
		res *Result
		err error
	)
	if runErr := m.run(ctx, func() {
		res, err = m.submit(ctx, rec)
	}); runErr != nil {
		return nil, runErr
	}
	return res, err
}

// Undo reverts the version at the cursor. Undo bypasses conflict
// detection: it restores a state that already passed it.
func (m *Manager) Undo(ctx context.Context) error {
	var err error
	if runErr := m.run(ctx, func() {
		err = m.history.Undo(ctx)
	}); runErr != nil {
		return runErr
	}
	return err
}

// Redo reapplies the version after the cursor.
func (m *Manager) Redo(ctx context.Context) error {
	var err error
	if runErr := m.run(ctx, func() {
		err = m.history.Redo(ctx)
	}); runErr != nil {
		return runErr
	}
	return err
}

// JumpToVersion restores the state at an arbitrary version id.
func (m *Manager) JumpToVersion(ctx context.Context, versionID string) error {
	var err error
	if runErr := m.run(ctx, func() {
		err = m.history.JumpToVersion(ctx, versionID)
	}); runErr != nil {
		return runErr
	}
	return err
}

// GetHistory returns up to limit most recent version summaries.
func (m *Manager) GetHistory(limit int) []version.Meta {
	return m.history.GetHistory(limit)
}

// Resolutions returns up to limit most recent conflict resolutions.
func (m *Manager) Resolutions(limit int) []*conflict.Resolution {
	return m.engine.Resolutions(limit)
}

// Subscribe registers a collaborator for change notifications.
func (m *Manager) Subscribe(id string, categories ...Category) <-chan Event {
	return m.notifier.Subscribe(id, categories...)
}

// submit is the pipeline body. Runs on the owner goroutine only.
func (m *Manager) submit(ctx context.Context, rec change.Record) (*Result, error) {
	started := time.Now()
	ctx, span := m.tracer.Start(ctx, "consistency.submit_change",
		trace.WithAttributes(
			attribute.String("change.kind", string(rec.Kind())),
			attribute.String("change.origin", string(rec.Origin())),
		),
	)
	defer span.End()

	if cached, ok := m.results[rec.ID()]; ok {
		m.logger.Debug("duplicate submission, returning cached result",
			zap.String("change_id", rec.ID()))
		return cached, nil
	}

	result := &Result{ChangeID: rec.ID(), Kind: rec.Kind()}

	conflicts, err := m.engine.DetectConflicts(ctx, rec)
	if err != nil {
		return nil, m.fail(span, rec, started, err)
	}
	result.Conflicts = conflicts

	toApply := []change.Record{rec}
	if len(conflicts) > 0 {
		resolution, err := m.engine.Resolve(ctx, conflicts)
		if err != nil {
			return nil, m.fail(span, rec, started, err)
		}
		result.Resolution = resolution

		if resolution.ManualRequired {
			result.Duration = time.Since(started)
			m.record(rec, "manual", started)
			span.SetStatus(otelcodes.Error, "manual resolution required")
			return result, errors.Conflict(errors.CodeManualResolutionRequired, "conflict requires manual resolution").
				WithDetails("change_id=" + rec.ID()).
				Build()
		}
		if !containsChange(resolution.Accepted, rec.ID()) {
			result.Duration = time.Since(started)
			m.record(rec, "rejected", started)
			span.SetStatus(otelcodes.Error, "change rejected")
			return result, errors.Conflict(errors.CodeChangeRejected, "change rejected by conflict resolution").
				WithDetails("change_id=" + rec.ID() + ", strategy=" + string(resolution.Strategy)).
				Build()
		}
		toApply = append(toApply, synthesized(conflicts, resolution)...)
	}

	// A version-mismatch conflict resolved in the change's favor is
	// the explicit decision to overwrite; the stale revision check
	// must not veto it again at commit.
	ignoreRevision := false
	for _, c := range conflicts {
		if c.Type == conflict.TypeVersionMismatch {
			ignoreRevision = true
		}
	}

	toApply = orderForApply(toApply)
	txOps, deltaOps, err := plan(ctx, m.store, toApply, ignoreRevision)
	if err != nil {
		return nil, m.fail(span, rec, started, err)
	}

	tx := m.txm.Begin(ctx, transaction.TypeReadWrite, m.cfg.Transactions.DefaultTimeout)
	if tx.State() == transaction.StateFailed {
		return nil, m.fail(span, rec, started, tx.Err())
	}
	for _, op := range txOps {
		if err := tx.AddOperation(op); err != nil {
			_ = tx.Rollback(ctx)
			return nil, m.fail(span, rec, started, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, m.fail(span, rec, started, err)
	}

	v, err := m.buildVersion(ctx, rec, toApply, deltaOps)
	if err != nil {
		// The change is committed; a versioning failure costs undo
		// coverage, not data.
		m.logger.Error("failed to version committed change",
			zap.String("change_id", rec.ID()),
			zap.Error(err),
		)
	} else {
		if err := m.history.AddVersion(ctx, v); err != nil {
			m.logger.Error("failed to append version",
				zap.String("version_id", v.ID),
				zap.Error(err),
			)
		} else {
			result.Version = &version.Meta{
				ID:          v.ID,
				CreatedAt:   v.CreatedAt,
				Description: v.Description,
				Snapshot:    v.IsSnapshot(),
				Checksum:    v.Checksum,
			}
		}
	}

	for _, applied := range toApply {
		m.engine.Track(applied)
		versionID := ""
		if result.Version != nil {
			versionID = result.Version.ID
		}
		m.notifier.PublishChange(versionID, applied)
	}

	result.Accepted = true
	result.Duration = time.Since(started)
	m.remember(result)
	m.record(rec, "accepted", started)
	span.SetStatus(otelcodes.Ok, "")
	return result, nil
}

// buildVersion produces a delta version, or a full snapshot every Nth
// accepted change so long undo chains stay replayable without walking
// every delta.
func (m *Manager) buildVersion(ctx context.Context, rec change.Record, applied []change.Record, deltaOps []version.DeltaOp) (*version.Version, error) {
	checksum, err := m.store.Checksum(ctx)
	if err != nil {
		return nil, err
	}
	affected := unionAffected(applied)

	m.sinceSnapshot++
	if interval := m.cfg.History.SnapshotInterval; interval > 0 && m.sinceSnapshot >= interval {
		entities, err := m.store.List(ctx)
		if err != nil {
			return nil, err
		}
		m.sinceSnapshot = 0
		return version.NewSnapshotVersion(rec.Kind(), affected, checksum, rec.Description(), entities), nil
	}
	return version.NewDeltaVersion(rec.Kind(), affected, checksum, rec.Description(), deltaOps), nil
}

func (m *Manager) remember(res *Result) {
	m.results[res.ChangeID] = res
	m.resultOrder = append(m.resultOrder, res.ChangeID)
	for len(m.resultOrder) > idempotencyCap {
		delete(m.results, m.resultOrder[0])
		m.resultOrder = m.resultOrder[1:]
	}
}

func (m *Manager) fail(span trace.Span, rec change.Record, started time.Time, err error) error {
	m.record(rec, "failed", started)
	span.RecordError(err)
	span.SetStatus(otelcodes.Error, err.Error())
	m.logger.Warn("change submission failed",
		zap.String("change_id", rec.ID()),
		zap.String("kind", string(rec.Kind())),
		zap.Error(err),
	)
	return err
}

func (m *Manager) record(rec change.Record, status string, started time.Time) {
	if m.metrics == nil {
		return
	}
	m.metrics.ChangesSubmitted.WithLabelValues(string(rec.Kind()), status).Inc()
	observability.ObserveDuration(m.metrics.SubmitDuration, string(rec.Kind()), time.Since(started))
}

// synthesized returns the resolution-accepted records that were not
// part of any detected conflict: cleanup changes the resolver created,
// which must be applied alongside the submitted change.
func synthesized(conflicts []*conflict.Conflict, res *conflict.Resolution) []change.Record {
	inConflict := make(map[string]struct{})
	for _, c := range conflicts {
		for _, rec := range c.Changes {
			inConflict[rec.ID()] = struct{}{}
		}
	}
	var out []change.Record
	for _, rec := range res.Accepted {
		if _, ok := inConflict[rec.ID()]; !ok {
			out = append(out, rec)
		}
	}
	return out
}

func containsChange(recs []change.Record, id string) bool {
	for _, r := range recs {
		if r.ID() == id {
			return true
		}
	}
	return false
}

func unionAffected(recs []change.Record) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, r := range recs {
		for _, id := range r.AffectedIDs() {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}
