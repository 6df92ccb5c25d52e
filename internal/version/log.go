package version

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// metadataLog persists lightweight version metadata as JSON so the
// next session can rehydrate UI-facing undo/redo affordances. Full
// payloads are deliberately not persisted; undo/redo is session-scoped.
//
// Writes are atomic: serialize to a temp file in the same directory,
// then rename over the target, so a reader never observes a partial
// log.
type metadataLog struct {
	path string
}

func newMetadataLog(path string) *metadataLog {
	return &metadataLog{path: path}
}

func (l *metadataLog) write(entries []Meta) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode version log: %w", err)
	}

	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create version log directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".versions-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp version log: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write version log: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync version log: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}

	if err := os.Rename(tmpName, l.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to publish version log: %w", err)
	}
	return nil
}

func (l *metadataLog) read() ([]Meta, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read version log: %w", err)
	}

	var entries []Meta
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to decode version log: %w", err)
	}
	return entries, nil
}
