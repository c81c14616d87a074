// Package mirror copies the persisted data files to a remote Redis instance
// so a restarted or rehosted bot resumes with its state intact. Downloads
// happen once at startup before the stores open; uploads happen after every
// exchange and on a fixed timer. Last write wins, no locking.
package mirror

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
)

// commands is the subset of the Redis API the mirror uses, extracted so
// tests can run without a live server.
type commands interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

type Mirror struct {
	rdb    commands
	prefix string
	paths  []string
}

// New connects to the Redis instance at url and mirrors the given local
// files under prefix.
func New(url, prefix string, paths []string) (*Mirror, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &Mirror{rdb: client, prefix: prefix, paths: paths}, nil
}

func (m *Mirror) key(path string) string {
	return m.prefix + ":" + filepath.Base(path)
}

// Download restores every mirrored file that exists remotely. Called once
// at startup, before the local stores open. A missing remote key is not an
// error; a failed restore of one file does not abort the others.
func (m *Mirror) Download(ctx context.Context) error {
	var firstErr error
	for _, path := range m.paths {
		data, err := m.rdb.Get(ctx, m.key(path)).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			slog.Warn("mirror download failed", "key", m.key(path), "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create dir for %s: %w", path, err)
			}
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("restore %s: %w", path, err)
		}
		slog.Info("restored file from mirror", "path", path, "bytes", len(data))
	}
	return firstErr
}

// Upload pushes the current content of every mirrored file. Files that do
// not exist locally yet are skipped.
func (m *Mirror) Upload(ctx context.Context) error {
	var firstErr error
	for _, path := range m.paths {
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			slog.Warn("mirror read failed", "path", path, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := m.rdb.Set(ctx, m.key(path), data, 0).Err(); err != nil {
			slog.Warn("mirror upload failed", "key", m.key(path), "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Run uploads on a fixed interval until the context is cancelled. Failures
// are logged and the loop keeps going; the bot runs degraded rather than
// stopping.
func (m *Mirror) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// final best-effort upload so a clean shutdown loses nothing
			upCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := m.Upload(upCtx); err != nil {
				slog.Warn("final mirror upload failed", "error", err)
			}
			cancel()
			return
		case <-ticker.C:
			if err := m.Upload(ctx); err != nil {
				slog.Warn("periodic mirror upload failed", "error", err)
			}
		}
	}
}
