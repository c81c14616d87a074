// Package persona owns the evolving persona profile text.
package persona

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const defaultProfile = `あなたは拓海です。
拓海は明るく、少し生意気な性格です。
口癖は「マジかよ」です。
趣味はドライブとアニメ鑑賞です。
`

// Store is the file-backed persona profile. The profile only ever grows:
// admin additions and learned facts both append a bullet line, and there is
// no destructive edit operation.
type Store struct {
	mu   sync.Mutex
	path string
	text string
}

// Open loads the profile from path. A missing or unreadable file self-heals:
// the seeded default profile is written back and used.
func Open(path string) (*Store, error) {
	s := &Store{path: path}

	data, err := os.ReadFile(path)
	if err == nil && len(strings.TrimSpace(string(data))) > 0 {
		s.text = string(data)
		return s, nil
	}
	if err != nil && !os.IsNotExist(err) {
		slog.Warn("profile unreadable, reseeding with default", "path", path, "error", err)
	} else {
		slog.Info("profile missing or empty, seeding default", "path", path)
	}

	s.text = defaultProfile
	if err := s.writeLocked(); err != nil {
		return nil, fmt.Errorf("seed default profile: %w", err)
	}
	return s, nil
}

// Load returns the current profile text.
func (s *Store) Load() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text
}

// Append adds one bullet-formatted fact line and persists the profile.
// The in-memory copy is refreshed in the same critical section, so a caller
// reading Load afterwards always sees the new fact.
func (s *Store) Append(fact string) error {
	fact = strings.TrimSpace(fact)
	if fact == "" {
		return fmt.Errorf("empty fact")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.text = strings.TrimRight(s.text, "\n") + "\n- " + fact + "\n"
	if err := s.writeLocked(); err != nil {
		return fmt.Errorf("persist profile: %w", err)
	}
	return nil
}

func (s *Store) writeLocked() error {
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create profile dir: %w", err)
		}
	}
	return os.WriteFile(s.path, []byte(s.text), 0o644)
}
