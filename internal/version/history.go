package version

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"notekeeper-core/internal/domain/change"
	"notekeeper-core/internal/domain/entity"
	"notekeeper-core/internal/errors"
	"notekeeper-core/internal/observability"
	"notekeeper-core/internal/store"
	"notekeeper-core/internal/transaction"
)

// Version is one entry in the history: a reversible delta or a full
// snapshot, plus the metadata needed to navigate and verify it.
type Version struct {
	ID          string
	CreatedAt   time.Time
	ChangeKind  change.Kind
	AffectedIDs []string
	// Checksum is the store digest after this version was applied.
	Checksum    string
	Description string
	Payload     Payload
	Size        int64
	Compacted   bool
}

// IsSnapshot reports whether the payload is a full snapshot.
func (v *Version) IsSnapshot() bool {
	return v.Payload != nil && v.Payload.IsSnapshot()
}

// NewDeltaVersion builds a delta version.
func NewDeltaVersion(kind change.Kind, affectedIDs []string, checksum, description string, ops []DeltaOp) *Version {
	payload := &Delta{Ops: ops}
	return &Version{
		ID:          uuid.NewString(),
		CreatedAt:   time.Now().UTC(),
		ChangeKind:  kind,
		AffectedIDs: affectedIDs,
		Checksum:    checksum,
		Description: description,
		Payload:     payload,
		Size:        payload.SizeBytes(),
	}
}

// NewSnapshotVersion builds a snapshot version from the full entity set.
func NewSnapshotVersion(kind change.Kind, affectedIDs []string, checksum, description string, entities []*entity.Entity) *Version {
	cloned := make([]*entity.Entity, len(entities))
	for i, e := range entities {
		cloned[i] = e.Clone()
	}
	payload := &Snapshot{Entities: cloned}
	return &Version{
		ID:          uuid.NewString(),
		CreatedAt:   time.Now().UTC(),
		ChangeKind:  kind,
		AffectedIDs: affectedIDs,
		Checksum:    checksum,
		Description: description,
		Payload:     payload,
		Size:        payload.SizeBytes(),
	}
}

// Meta is the navigable summary of a version, also the shape persisted
// to the metadata log.
type Meta struct {
	ID          string    `json:"id"`
	CreatedAt   time.Time `json:"timestamp"`
	Description string    `json:"description"`
	Snapshot    bool      `json:"snapshot"`
	Checksum    string    `json:"checksum,omitempty"`
}

func (v *Version) meta() Meta {
	return Meta{
		ID:          v.ID,
		CreatedAt:   v.CreatedAt,
		Description: v.Description,
		Snapshot:    v.IsSnapshot(),
		Checksum:    v.Checksum,
	}
}

// History is the append-only version list with a movable cursor.
// Adding a version while the cursor is not at the tail discards the
// redo branch. All payload application happens inside fresh
// transactions so a failure leaves the store at its pre-apply state
// and the cursor unmoved.
//
// Payloads are session-scoped: only lightweight metadata survives a
// process restart (rehydrated via the JSON log), and rehydrated
// entries are not replayable. This is deliberate, documented policy.
type History struct {
	mu sync.Mutex

	store   store.Store
	txm     *transaction.Manager
	logger  *zap.Logger
	metrics *observability.Collector

	maxCount int
	maxBytes int64

	versions []*Version
	cursor   int // index of current version, -1 = initial state

	// base is the entity state before versions[0], updated as old
	// versions are evicted or compacted into it.
	base         []*entity.Entity
	baseChecksum string

	log        *metadataLog
	rehydrated []Meta
}

// NewHistory creates a version history over the given store. The
// store's current contents become the base state. If logPath is
// non-empty, previous-session metadata is rehydrated from it.
func NewHistory(ctx context.Context, s store.Store, txm *transaction.Manager, maxCount int, maxBytes int64, logPath string, logger *zap.Logger, metrics *observability.Collector) (*History, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxCount <= 0 {
		maxCount = 100
	}
	if maxBytes <= 0 {
		maxBytes = 10 * 1024 * 1024
	}

	base, err := s.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to capture base state: %w", err)
	}
	baseChecksum, err := store.ComputeChecksum(base)
	if err != nil {
		return nil, err
	}

	h := &History{
		store:        s,
		txm:          txm,
		logger:       logger.With(zap.String("component", "version_history")),
		metrics:      metrics,
		maxCount:     maxCount,
		maxBytes:     maxBytes,
		cursor:       -1,
		base:         base,
		baseChecksum: baseChecksum,
	}

	if logPath != "" {
		h.log = newMetadataLog(logPath)
		entries, err := h.log.read()
		if err != nil {
			logger.Warn("failed to rehydrate version metadata log", zap.Error(err))
		} else {
			h.rehydrated = entries
		}
	}

	return h, nil
}

// AddVersion appends a version at the cursor, discarding any redo
// branch, and enforces the count and byte ceilings.
func (h *History) AddVersion(ctx context.Context, v *Version) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	// New edit after undo discards the redo branch.
	if h.cursor < len(h.versions)-1 {
		discarded := len(h.versions) - 1 - h.cursor
		h.versions = h.versions[:h.cursor+1]
		h.logger.Debug("discarded redo branch", zap.Int("versions", discarded))
	}

	h.versions = append(h.versions, v)
	h.cursor = len(h.versions) - 1

	if err := h.enforceCeilingsLocked(ctx); err != nil {
		return err
	}
	h.persistLogLocked()
	h.updateGaugesLocked()

	if h.metrics != nil {
		payload := "delta"
		if v.IsSnapshot() {
			payload = "snapshot"
		}
		h.metrics.VersionsAdded.WithLabelValues(payload).Inc()
	}
	return nil
}

// Undo moves the cursor back one slot and applies the inverse of the
// current version (or the reconstructed prior state for snapshots)
// inside a fresh transaction. On failure the cursor stays put.
func (h *History) Undo(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cursor < 0 {
		return errors.Structural(errors.CodeHistoryExhausted, "nothing to undo").Build()
	}
	cur := h.versions[h.cursor]
	if cur.Payload == nil {
		return errors.Structural(errors.CodeHistoryExhausted, "version predates this session and is not replayable").
			WithDetails("version_id=" + cur.ID).
			Build()
	}

	var op transaction.Operation
	if delta, ok := cur.Payload.(*Delta); ok {
		op = &transaction.Custom{
			Name:     "undo " + cur.ID,
			ApplyFn:  delta.Reverse,
			RevertFn: delta.Apply,
		}
	} else {
		// Snapshot versions undo to the reconstructed prior state.
		target, err := h.reconstructLocked(ctx, h.cursor-1)
		if err != nil {
			return err
		}
		op = h.replaceAllOp("undo "+cur.ID, target)
	}

	if err := h.applyInTransaction(ctx, op); err != nil {
		return fmt.Errorf("undo failed, cursor unchanged: %w", err)
	}
	h.cursor--
	if h.metrics != nil {
		h.metrics.UndoTotal.Inc()
	}
	h.verifyCursorLocked(ctx)
	return nil
}

// Redo moves the cursor forward one slot and applies that version.
func (h *History) Redo(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cursor >= len(h.versions)-1 {
		return errors.Structural(errors.CodeHistoryExhausted, "nothing to redo").Build()
	}
	next := h.versions[h.cursor+1]
	if next.Payload == nil {
		return errors.Structural(errors.CodeHistoryExhausted, "version predates this session and is not replayable").
			WithDetails("version_id=" + next.ID).
			Build()
	}

	var op transaction.Operation
	switch payload := next.Payload.(type) {
	case *Delta:
		op = &transaction.Custom{
			Name:     "redo " + next.ID,
			ApplyFn:  payload.Apply,
			RevertFn: payload.Reverse,
		}
	case *Snapshot:
		op = h.replaceAllOp("redo "+next.ID, payload.Entities)
	}

	if err := h.applyInTransaction(ctx, op); err != nil {
		return fmt.Errorf("redo failed, cursor unchanged: %w", err)
	}
	h.cursor++
	if h.metrics != nil {
		h.metrics.RedoTotal.Inc()
	}
	h.verifyCursorLocked(ctx)
	return nil
}

// JumpToVersion reconstructs the state at an arbitrary version and
// applies it directly. Used for debugging and recovery, not normal
// undo/redo.
func (h *History) JumpToVersion(ctx context.Context, id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	idx := -1
	for i, v := range h.versions {
		if v.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return errors.NotFound(errors.CodeVersionNotFound, "version not found").
			WithDetails("version_id=" + id).
			Build()
	}

	target, err := h.reconstructLocked(ctx, idx)
	if err != nil {
		return err
	}
	if err := h.applyInTransaction(ctx, h.replaceAllOp("jump "+id, target)); err != nil {
		return fmt.Errorf("jump failed, cursor unchanged: %w", err)
	}
	h.cursor = idx
	h.verifyCursorLocked(ctx)
	return nil
}

// GetHistory returns up to limit most recent version summaries, newest
// last. A non-positive limit returns everything.
func (h *History) GetHistory(limit int) []Meta {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Meta, 0, len(h.versions))
	for _, v := range h.versions {
		out = append(out, v.meta())
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Rehydrated returns metadata restored from a previous session. These
// entries back UI affordances only; they cannot be replayed.
func (h *History) Rehydrated() []Meta {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Meta, len(h.rehydrated))
	copy(out, h.rehydrated)
	return out
}

// Undoable reports whether an undo is currently possible. Rehydrated
// metadata never counts: it has no payload to reverse.
func (h *History) Undoable() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cursor >= 0 && h.versions[h.cursor].Payload != nil
}

// Redoable reports whether a redo is currently possible.
func (h *History) Redoable() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cursor < len(h.versions)-1 && h.versions[h.cursor+1].Payload != nil
}

// CursorChecksum returns the checksum the store must currently match.
func (h *History) CursorChecksum() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cursor < 0 {
		return h.baseChecksum
	}
	return h.versions[h.cursor].Checksum
}

// Len returns the number of versions held.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.versions)
}

// TotalBytes returns the summed payload size.
func (h *History) TotalBytes() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.totalBytesLocked()
}

func (h *History) totalBytesLocked() int64 {
	var total int64
	for _, v := range h.versions {
		total += v.Size
	}
	return total
}

// applyInTransaction runs one operation through a fresh read-write
// transaction so a failure leaves the store at its pre-apply state.
func (h *History) applyInTransaction(ctx context.Context, op transaction.Operation) error {
	tx := h.txm.Begin(ctx, transaction.TypeReadWrite, 30*time.Second)
	if tx.State() == transaction.StateFailed {
		return tx.Err()
	}
	if err := tx.AddOperation(op); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// replaceAllOp builds a full-replace operation that captures the
// current entity set as its inverse.
func (h *History) replaceAllOp(name string, target []*entity.Entity) transaction.Operation {
	var prior []*entity.Entity
	return &transaction.Custom{
		Name: name,
		ApplyFn: func(ctx context.Context, s store.Store) error {
			var err error
			prior, err = s.List(ctx)
			if err != nil {
				return err
			}
			return s.ReplaceAll(ctx, target)
		},
		RevertFn: func(ctx context.Context, s store.Store) error {
			return s.ReplaceAll(ctx, prior)
		},
	}
}

// reconstructLocked rebuilds the entity state as of version index idx
// (-1 means the base state) by replaying payloads onto a scratch store.
func (h *History) reconstructLocked(ctx context.Context, idx int) ([]*entity.Entity, error) {
	scratch := store.NewMemoryStore()
	if err := scratch.ReplaceAll(ctx, h.base); err != nil {
		return nil, err
	}
	for i := 0; i <= idx; i++ {
		if err := h.applyToScratchLocked(ctx, scratch, h.versions[i]); err != nil {
			return nil, fmt.Errorf("replay of version %s failed: %w", h.versions[i].ID, err)
		}
	}
	return scratch.List(ctx)
}

func (h *History) applyToScratchLocked(ctx context.Context, scratch *store.MemoryStore, v *Version) error {
	switch payload := v.Payload.(type) {
	case *Delta:
		return payload.Apply(ctx, scratch)
	case *Snapshot:
		return scratch.ReplaceAll(ctx, payload.Entities)
	default:
		return errors.Internal(errors.CodeApplyFailed, "version has no replayable payload").
			WithDetails("version_id=" + v.ID).
			Build()
	}
}

// enforceCeilingsLocked evicts oldest versions past the count ceiling,
// folding them into the base state, then compacts a prefix of older
// delta versions if the byte ceiling is still exceeded.
func (h *History) enforceCeilingsLocked(ctx context.Context) error {
	for len(h.versions) > h.maxCount {
		if err := h.evictOldestLocked(ctx); err != nil {
			return err
		}
	}

	if h.totalBytesLocked() <= h.maxBytes {
		return nil
	}
	return h.compactPrefixLocked(ctx)
}

func (h *History) evictOldestLocked(ctx context.Context) error {
	oldest := h.versions[0]
	scratch := store.NewMemoryStore()
	if err := scratch.ReplaceAll(ctx, h.base); err != nil {
		return err
	}
	if err := h.applyToScratchLocked(ctx, scratch, oldest); err != nil {
		return fmt.Errorf("eviction fold of version %s failed: %w", oldest.ID, err)
	}
	folded, err := scratch.List(ctx)
	if err != nil {
		return err
	}

	h.base = folded
	h.baseChecksum = oldest.Checksum
	h.versions = h.versions[1:]
	h.cursor--
	h.logger.Debug("evicted oldest version", zap.String("version_id", oldest.ID))
	return nil
}

// compactPrefixLocked reduces a prefix of older versions to its
// minimal reversible form: a single delta holding the net per-entity
// effect, dropping all intermediate values. The prefix never includes
// the cursor.
func (h *History) compactPrefixLocked(ctx context.Context) error {
	// Compact up to half the history, strictly before the cursor.
	end := len(h.versions)/2 - 1
	if end >= h.cursor {
		end = h.cursor - 1
	}
	if end < 1 {
		return nil // nothing worth squashing
	}

	before := h.base
	after, err := h.reconstructLocked(ctx, end)
	if err != nil {
		return err
	}

	ops := diffEntities(before, after)
	last := h.versions[end]
	compacted := NewDeltaVersion(last.ChangeKind, unionAffected(h.versions[:end+1]), last.Checksum,
		fmt.Sprintf("compacted %d versions", end+1), ops)
	compacted.CreatedAt = last.CreatedAt
	compacted.Compacted = true

	removed := end // end+1 versions replaced by 1
	h.versions = append([]*Version{compacted}, h.versions[end+1:]...)
	h.cursor -= removed

	h.logger.Info("compacted version prefix",
		zap.Int("versions_squashed", removed+1),
		zap.Int64("total_bytes", h.totalBytesLocked()),
	)
	return nil
}

// diffEntities computes the minimal reversible delta between two
// entity sets.
func diffEntities(before, after []*entity.Entity) []DeltaOp {
	prev := make(map[string]*entity.Entity, len(before))
	for _, e := range before {
		prev[e.ID] = e
	}

	var ops []DeltaOp
	seen := make(map[string]struct{}, len(after))
	for _, e := range after {
		seen[e.ID] = struct{}{}
		old, ok := prev[e.ID]
		if !ok {
			ops = append(ops, &Create{Entity: e.Clone()})
			continue
		}
		if !entitiesEqual(old, e) {
			ops = append(ops, &Update{Before: old.Clone(), After: e.Clone()})
		}
	}
	for _, e := range before {
		if _, ok := seen[e.ID]; !ok {
			ops = append(ops, &Delete{Before: e.Clone()})
		}
	}
	return ops
}

func entitiesEqual(a, b *entity.Entity) bool {
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ab) == string(bb)
}

func unionAffected(versions []*Version) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, v := range versions {
		for _, id := range v.AffectedIDs {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				out = append(out, id)
			}
		}
	}
	return out
}

// verifyCursorLocked checks the invariant that the cursor points at a
// version whose checksum matches the persisted state.
func (h *History) verifyCursorLocked(ctx context.Context) {
	want := h.baseChecksum
	if h.cursor >= 0 {
		want = h.versions[h.cursor].Checksum
	}
	got, err := h.store.Checksum(ctx)
	if err != nil {
		h.logger.Warn("cursor checksum verification skipped", zap.Error(err))
		return
	}
	if got != want {
		h.logger.Error("version cursor checksum mismatch",
			zap.Int("cursor", h.cursor),
			zap.String("expected", want),
			zap.String("actual", got),
		)
	}
}

func (h *History) persistLogLocked() {
	if h.log == nil {
		return
	}
	entries := make([]Meta, 0, len(h.versions))
	for _, v := range h.versions {
		entries = append(entries, v.meta())
	}
	if err := h.log.write(entries); err != nil {
		h.logger.Warn("failed to persist version metadata log", zap.Error(err))
	}
}

func (h *History) updateGaugesLocked() {
	if h.metrics == nil {
		return
	}
	h.metrics.HistorySize.Set(float64(len(h.versions)))
	h.metrics.HistoryBytes.Set(float64(h.totalBytesLocked()))
}
