package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"kagemusha/state"
)

// FileStore keeps the whole snapshot in one JSON file, the original data
// file shape: {"history": {...}, "settings": {...}}.
type FileStore struct {
	mu   sync.Mutex
	path string
}

func OpenFile(path string) (*FileStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	return &FileStore{path: path}, nil
}

func (f *FileStore) Load(ctx context.Context) (state.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return emptySnapshot(), nil
	}
	if err != nil {
		return emptySnapshot(), fmt.Errorf("read data file: %w", err)
	}

	var snap state.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		slog.Warn("data file corrupt, starting fresh", "path", f.path, "error", err)
		return emptySnapshot(), nil
	}
	if snap.History == nil {
		snap.History = make(map[string][]state.Turn)
	}
	if snap.Settings == nil {
		snap.Settings = make(map[string]state.ChannelSetting)
	}
	return snap, nil
}

func (f *FileStore) Save(ctx context.Context, snap state.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	// Write through a temp file so a crash mid-write cannot corrupt the
	// only copy.
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write data file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("replace data file: %w", err)
	}
	return nil
}

func (f *FileStore) Close() error { return nil }
