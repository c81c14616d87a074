package utterlog

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const migrationSQL = `
CREATE TABLE IF NOT EXISTS utterances (
    id      INTEGER PRIMARY KEY AUTOINCREMENT,
    ts      DATETIME NOT NULL,
    speaker TEXT NOT NULL,
    text    TEXT NOT NULL
);
`

// SQLiteLog stores utterances as rows keyed by insertion id and prunes the
// table to a configured row count.
type SQLiteLog struct {
	db        *sql.DB
	retention int
}

func OpenSQLite(dbPath string, retention int) (*SQLiteLog, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create log db dir: %w", err)
	}
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open log db: %w", err)
	}
	if _, err := db.ExecContext(context.Background(), migrationSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("log db migration: %w", err)
	}
	return &SQLiteLog{db: db, retention: retention}, nil
}

func (l *SQLiteLog) Append(speaker, text string) error {
	_, err := l.db.Exec(
		`INSERT INTO utterances (ts, speaker, text) VALUES (?, ?, ?)`,
		time.Now().UTC(), speaker, text,
	)
	if err != nil {
		return fmt.Errorf("insert utterance: %w", err)
	}
	// Prune 1 in 500 writes to avoid O(N) overhead on every append.
	if rand.Intn(500) == 0 {
		l.prune()
	}
	return nil
}

func (l *SQLiteLog) prune() {
	_, _ = l.db.Exec(
		`DELETE FROM utterances WHERE id NOT IN (SELECT id FROM utterances ORDER BY id DESC LIMIT ?)`,
		l.retention,
	)
}

func (l *SQLiteLog) Recent(n int) (string, error) {
	rows, err := l.db.Query(
		`SELECT ts, speaker, text FROM (
		    SELECT id, ts, speaker, text FROM utterances ORDER BY id DESC LIMIT ?
		 ) ORDER BY id ASC`,
		n,
	)
	if err != nil {
		return "", fmt.Errorf("query recent utterances: %w", err)
	}
	defer rows.Close()
	return formatRows(rows)
}

func (l *SQLiteLog) Dump() (string, error) {
	rows, err := l.db.Query(`SELECT ts, speaker, text FROM utterances ORDER BY id ASC`)
	if err != nil {
		return "", fmt.Errorf("query utterances: %w", err)
	}
	defer rows.Close()
	return formatRows(rows)
}

func (l *SQLiteLog) Close() error {
	return l.db.Close()
}

func formatRows(rows *sql.Rows) (string, error) {
	var lines []string
	for rows.Next() {
		var ts time.Time
		var speaker, text string
		if err := rows.Scan(&ts, &speaker, &text); err != nil {
			return "", fmt.Errorf("scan utterance: %w", err)
		}
		lines = append(lines, fmt.Sprintf("[%s] %s: %s", ts.Local().Format(timeLayout), speaker, text))
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	return strings.Join(lines, "\n"), nil
}
