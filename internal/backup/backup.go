// Package backup writes checksummed snapshots of the entity store to
// disk, restores them fail-closed, and repairs structural corruption
// in place with a restore-from-backup fallback.
package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"notekeeper-core/internal/domain/entity"
	"notekeeper-core/internal/errors"
	"notekeeper-core/internal/observability"
	"notekeeper-core/internal/store"
)

// Trigger records why a backup was taken.
type Trigger string

const (
	TriggerManual     Trigger = "manual"
	TriggerScheduled  Trigger = "scheduled"
	TriggerPreRestore Trigger = "pre-restore"
	TriggerPreRepair  Trigger = "pre-repair"
)

// Metadata describes one backup file.
type Metadata struct {
	ID          string    `json:"id"`
	CreatedAt   time.Time `json:"createdAt"`
	Trigger     Trigger   `json:"trigger"`
	EntityCount int       `json:"entityCount"`
	Checksum    string    `json:"checksum"`
}

// backupFile is the on-disk format. The checksum is recomputed from
// the entity payload on every read; a mismatch fails the whole file.
type backupFile struct {
	Metadata Metadata         `json:"metadata"`
	Entities []*entity.Entity `json:"entities"`
}

// IntegrityChecker verifies store health after a restore. The
// integrity monitor provides the implementation.
type IntegrityChecker interface {
	CriticalIssueCount(ctx context.Context) (int, error)
}

// Manager owns the backup directory. Only one backup runs at a time;
// concurrent requests fail fast rather than queue.
type Manager struct {
	store   store.Store
	logger  *zap.Logger
	metrics *observability.Collector

	dir          string
	retentionAge time.Duration
	maxCount     int

	inFlight atomic.Bool
	checker  IntegrityChecker
}

// NewManager creates a backup manager rooted at dir.
func NewManager(s store.Store, dir string, retentionAge time.Duration, maxCount int, logger *zap.Logger, metrics *observability.Collector) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if retentionAge <= 0 {
		retentionAge = 30 * 24 * time.Hour
	}
	if maxCount <= 0 {
		maxCount = 50
	}
	return &Manager{
		store:        s,
		logger:       logger.With(zap.String("component", "backup_manager")),
		metrics:      metrics,
		dir:          dir,
		retentionAge: retentionAge,
		maxCount:     maxCount,
	}
}

// SetIntegrityChecker attaches the post-restore verifier.
func (m *Manager) SetIntegrityChecker(c IntegrityChecker) {
	m.checker = c
}

// CreateBackup snapshots the current entity set to a checksummed file.
// A second backup while one is in flight fails immediately.
func (m *Manager) CreateBackup(ctx context.Context, trigger Trigger) (*Metadata, error) {
	if !m.inFlight.CompareAndSwap(false, true) {
		m.recordBackup(trigger, "rejected")
		return nil, errors.Transient(errors.CodeBackupInFlight, "a backup is already in progress").
			WithOperation("create_backup").
			Build()
	}
	defer m.inFlight.Store(false)

	entities, err := m.store.List(ctx)
	if err != nil {
		m.recordBackup(trigger, "failed")
		return nil, err
	}
	checksum, err := store.ComputeChecksum(entities)
	if err != nil {
		m.recordBackup(trigger, "failed")
		return nil, err
	}

	meta := Metadata{
		ID:          uuid.NewString(),
		CreatedAt:   time.Now().UTC(),
		Trigger:     trigger,
		EntityCount: len(entities),
		Checksum:    checksum,
	}
	if err := m.writeFile(meta, entities); err != nil {
		m.recordBackup(trigger, "failed")
		return nil, err
	}

	if err := m.enforceRetention(); err != nil {
		m.logger.Warn("backup retention enforcement failed", zap.Error(err))
	}

	m.recordBackup(trigger, "success")
	m.logger.Info("backup created",
		zap.String("backup_id", meta.ID),
		zap.String("trigger", string(trigger)),
		zap.Int("entities", meta.EntityCount),
	)
	return &meta, nil
}

// ListBackups returns metadata for every backup on disk, newest first.
// Unreadable files are skipped, not fatal.
func (m *Manager) ListBackups() ([]Metadata, error) {
	files, err := m.backupPaths()
	if err != nil {
		return nil, err
	}
	metas := make([]Metadata, 0, len(files))
	for _, path := range files {
		bf, err := m.readFile(path, false)
		if err != nil {
			m.logger.Warn("skipping unreadable backup", zap.String("path", path), zap.Error(err))
			continue
		}
		metas = append(metas, bf.Metadata)
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].CreatedAt.After(metas[j].CreatedAt) })
	return metas, nil
}

// Verify re-reads a backup and checks its payload against the recorded
// checksum without touching the store.
func (m *Manager) Verify(backupID string) error {
	path, err := m.pathFor(backupID)
	if err != nil {
		return err
	}
	_, err = m.readFile(path, true)
	return err
}

// Restore replaces the entire store with a backup's contents. The
// backup is verified first and nothing is mutated if verification
// fails. After the swap the attached integrity checker must report
// zero critical issues; otherwise the pre-restore state is rolled back.
func (m *Manager) Restore(ctx context.Context, backupID string) error {
	path, err := m.pathFor(backupID)
	if err != nil {
		return err
	}
	bf, err := m.readFile(path, true)
	if err != nil {
		return err
	}

	prior, err := m.store.List(ctx)
	if err != nil {
		return err
	}
	// Best effort: a pre-restore backup on disk in addition to the
	// in-memory prior state.
	if _, err := m.CreateBackup(ctx, TriggerPreRestore); err != nil {
		m.logger.Warn("pre-restore backup failed, continuing with in-memory prior state", zap.Error(err))
	}

	if err := m.swap(ctx, bf.Entities); err != nil {
		return err
	}

	if m.checker != nil {
		criticals, err := m.checker.CriticalIssueCount(ctx)
		if err == nil && criticals == 0 {
			m.logger.Info("restore complete",
				zap.String("backup_id", backupID),
				zap.Int("entities", len(bf.Entities)),
			)
			return nil
		}
		if rollbackErr := m.swap(ctx, prior); rollbackErr != nil {
			return errors.Fatal(errors.CodeRestoreUnrecoverable, "restore failed verification and rollback also failed").
				WithDetails("backup_id="+backupID).
				WithCause(fmt.Errorf("verification: criticals=%d err=%v, rollback: %w", criticals, err, rollbackErr)).
				Build()
		}
		return errors.Structural(errors.CodeDataCorruption, "restored state failed integrity verification, prior state rolled back").
			WithDetails(fmt.Sprintf("backup_id=%s, critical_issues=%d", backupID, criticals)).
			Build()
	}

	m.logger.Info("restore complete",
		zap.String("backup_id", backupID),
		zap.Int("entities", len(bf.Entities)),
	)
	return nil
}

// RestoreFromLatest walks backups newest first and restores the first
// one that verifies. Used as the repair fallback.
func (m *Manager) RestoreFromLatest(ctx context.Context) (string, error) {
	metas, err := m.ListBackups()
	if err != nil {
		return "", err
	}
	for _, meta := range metas {
		// Pre-restore and pre-repair backups snapshot a state already
		// known to be bad; restoring one would reinstate the problem.
		if meta.Trigger == TriggerPreRestore || meta.Trigger == TriggerPreRepair {
			continue
		}
		if err := m.Verify(meta.ID); err != nil {
			m.logger.Warn("skipping backup that failed verification",
				zap.String("backup_id", meta.ID),
				zap.Error(err),
			)
			continue
		}
		if err := m.Restore(ctx, meta.ID); err != nil {
			if errors.IsFatal(err) {
				return "", err
			}
			m.logger.Warn("restored state failed verification, trying an older backup",
				zap.String("backup_id", meta.ID),
				zap.Error(err),
			)
			continue
		}
		return meta.ID, nil
	}
	return "", errors.Structural(errors.CodeBackupUnverifiable, "no backup passed verification").
		WithOperation("restore_from_latest").
		Build()
}

func (m *Manager) swap(ctx context.Context, entities []*entity.Entity) error {
	if err := m.store.ReplaceAll(ctx, entities); err != nil {
		return err
	}
	return m.store.Save(ctx)
}

func (m *Manager) writeFile(meta Metadata, entities []*entity.Entity) error {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}
	data, err := json.MarshalIndent(backupFile{Metadata: meta, Entities: entities}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode backup: %w", err)
	}

	final := filepath.Join(m.dir, m.fileName(meta))
	tmp, err := os.CreateTemp(m.dir, ".backup-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp backup file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write backup: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync backup: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to publish backup: %w", err)
	}
	return nil
}

// readFile decodes a backup file. With verify set, the payload
// checksum is recomputed and compared against the recorded one; any
// mismatch makes the file unusable.
func (m *Manager) readFile(path string, verify bool) (*backupFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup file: %w", err)
	}
	var bf backupFile
	if err := json.Unmarshal(data, &bf); err != nil {
		return nil, errors.Structural(errors.CodeChecksumMismatch, "backup file is not decodable").
			WithDetails("path="+path).
			WithCause(err).
			Build()
	}
	if verify {
		actual, err := store.ComputeChecksum(bf.Entities)
		if err != nil {
			return nil, err
		}
		if actual != bf.Metadata.Checksum {
			return nil, errors.Structural(errors.CodeChecksumMismatch, "backup checksum mismatch").
				WithDetails(fmt.Sprintf("path=%s, recorded=%.8s, actual=%.8s", path, bf.Metadata.Checksum, actual)).
				Build()
		}
	}
	return &bf, nil
}

func (m *Manager) fileName(meta Metadata) string {
	return fmt.Sprintf("backup-%s-%s.json", meta.CreatedAt.Format("20060102T150405"), meta.ID)
}

func (m *Manager) pathFor(backupID string) (string, error) {
	files, err := m.backupPaths()
	if err != nil {
		return "", err
	}
	for _, path := range files {
		if strings.Contains(filepath.Base(path), backupID) {
			return path, nil
		}
	}
	return "", errors.NotFound(errors.CodeBackupNotFound, "backup not found").
		WithDetails("backup_id=" + backupID).
		Build()
}

func (m *Manager) backupPaths() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read backup directory: %w", err)
	}
	var paths []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "backup-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		paths = append(paths, filepath.Join(m.dir, name))
	}
	return paths, nil
}

// enforceRetention deletes backups past the age or count limits. The
// newest backup always survives.
func (m *Manager) enforceRetention() error {
	metas, err := m.ListBackups()
	if err != nil {
		return err
	}
	cutoff := time.Now().UTC().Add(-m.retentionAge)
	for i, meta := range metas {
		if i == 0 {
			continue
		}
		if i < m.maxCount && meta.CreatedAt.After(cutoff) {
			continue
		}
		path, err := m.pathFor(meta.ID)
		if err != nil {
			continue
		}
		if err := os.Remove(path); err != nil {
			m.logger.Warn("failed to delete expired backup",
				zap.String("backup_id", meta.ID),
				zap.Error(err),
			)
			continue
		}
		m.logger.Debug("expired backup deleted", zap.String("backup_id", meta.ID))
	}
	return nil
}

func (m *Manager) recordBackup(trigger Trigger, status string) {
	if m.metrics != nil {
		m.metrics.BackupsTotal.WithLabelValues(string(trigger), status).Inc()
	}
}
