package domain

import "time"

// LogEntry is one structured line read from an append-only log file.
type LogEntry struct {
	ID           string
	Timestamp    time.Time
	HasTimestamp bool
	File         string
	Line         int
	Fields       map[string]any
}
