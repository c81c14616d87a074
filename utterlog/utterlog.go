// Package utterlog keeps the append-only record of the tracked speaker's
// past messages, used to ground the persona's recollection of what it has
// said before.
package utterlog

import "time"

// timeLayout matches the line format fed verbatim into the generation prompt.
const timeLayout = "2006-01-02 15:04:05"

// Record is one logged utterance.
type Record struct {
	Timestamp time.Time
	Speaker   string
	Text      string
}

// Logger is the utterance log. Two interchangeable backends exist: a flat
// text file and a SQLite table.
type Logger interface {
	// Append adds one record with a generated timestamp. A persistence
	// failure is reported to the caller; it must never panic past the
	// message-processing loop.
	Append(speaker, text string) error

	// Recent returns the n most-recently-inserted records re-ordered
	// chronologically ascending, formatted as "[timestamp] speaker: text"
	// lines joined by newline.
	Recent(n int) (string, error)

	// Dump returns the whole log as formatted lines, oldest first.
	Dump() (string, error)

	Close() error
}
