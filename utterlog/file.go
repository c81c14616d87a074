package utterlog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// FileLog appends formatted lines to a flat text file, the original storage
// for the speaker log. Growth is unbounded; the SQLite backend is the one
// with a retention policy.
type FileLog struct {
	mu   sync.Mutex
	path string
}

func OpenFile(path string) (*FileLog, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
	}
	return &FileLog{path: path}, nil
}

func (l *FileLog) Append(speaker, text string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open utterance log: %w", err)
	}
	defer f.Close()

	line := fmt.Sprintf("[%s] %s: %s\n", time.Now().Format(timeLayout), speaker, text)
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("append utterance: %w", err)
	}
	return nil
}

func (l *FileLog) Recent(n int) (string, error) {
	lines, err := l.readLines()
	if err != nil {
		return "", err
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n"), nil
}

func (l *FileLog) Dump() (string, error) {
	lines, err := l.readLines()
	if err != nil {
		return "", err
	}
	return strings.Join(lines, "\n"), nil
}

func (l *FileLog) Close() error { return nil }

func (l *FileLog) readLines() ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := os.ReadFile(l.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read utterance log: %w", err)
	}
	raw := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	lines := raw[:0]
	for _, ln := range raw {
		if ln != "" {
			lines = append(lines, ln)
		}
	}
	return lines, nil
}
