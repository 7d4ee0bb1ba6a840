// Package correlate gathers log entries by id across append-only JSON line files.
package correlate

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/buger/jsonparser"

	"github.com/splax/pipectl/internal/domain"
)

// TimestampPolicy places entries whose timestamp is missing or unparsable.
type TimestampPolicy int

const (
	// MissingTimestampFirst sorts undated entries ahead of dated ones.
	MissingTimestampFirst TimestampPolicy = iota
	// MissingTimestampLast sorts undated entries after dated ones.
	MissingTimestampLast
)

// Options configures a Correlator.
type Options struct {
	IDField          string
	TimestampFields  []string
	MissingTimestamp TimestampPolicy
}

// Correlator scans log files for requested ids.
type Correlator struct {
	opts   Options
	logger *slog.Logger
}

// Result holds matched entries sorted by timestamp and the ids not found, in
// request order.
type Result struct {
	Found   []domain.LogEntry
	Missing []string
}

// New returns a Correlator. Zero options fall back to "id" and the common
// timestamp field names.
func New(opts Options, logger *slog.Logger) *Correlator {
	if strings.TrimSpace(opts.IDField) == "" {
		opts.IDField = "id"
	}
	if len(opts.TimestampFields) == 0 {
		opts.TimestampFields = []string{"timestamp", "@timestamp", "time"}
	}
	return &Correlator{opts: opts, logger: logger.With("component", "correlate")}
}

// ParseIDs splits a comma-separated id list, trimming blanks and dropping
// duplicates while keeping first-seen order.
func ParseIDs(raw string) []string {
	parts := strings.Split(raw, ",")
	seen := make(map[string]struct{}, len(parts))
	ids := make([]string, 0, len(parts))
	for _, part := range parts {
		id := strings.TrimSpace(part)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

// FindByIDs scans files in order and returns the first entry seen for each id.
// Scanning stops as soon as every id has been matched. Unreadable files and
// unparsable lines are skipped.
func (c *Correlator) FindByIDs(ctx context.Context, ids []string, files []string) (Result, error) {
	pending := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		pending[id] = struct{}{}
	}
	var found []domain.LogEntry
	for _, path := range files {
		if len(pending) == 0 {
			break
		}
		entries, err := c.scanFile(ctx, path, pending)
		found = append(found, entries...)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Result{}, ctxErr
			}
			c.logger.Warn("log file skipped", "path", path, "err", err)
		}
	}

	c.sortEntries(found)
	missing := make([]string, 0, len(pending))
	for _, id := range ids {
		if _, ok := pending[id]; ok {
			missing = append(missing, id)
		}
	}
	return Result{Found: found, Missing: missing}, nil
}

// scanFile removes matched ids from pending as it goes.
func (c *Correlator) scanFile(ctx context.Context, path string, pending map[string]struct{}) ([]domain.LogEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var (
		entries []domain.LogEntry
		reader  = bufio.NewReader(f)
		lineNo  int
	)
	for len(pending) > 0 {
		line, readErr := reader.ReadBytes('\n')
		if len(line) > 0 {
			lineNo++
			if lineNo%1024 == 0 {
				if err := ctx.Err(); err != nil {
					return entries, err
				}
			}
			if entry, ok := c.match(line, pending); ok {
				entry.File = path
				entry.Line = lineNo
				entries = append(entries, entry)
				delete(pending, entry.ID)
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			return entries, readErr
		}
	}
	return entries, nil
}

func (c *Correlator) match(line []byte, pending map[string]struct{}) (domain.LogEntry, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		return domain.LogEntry{}, false
	}
	id, ok := extractID(line, c.opts.IDField)
	if !ok {
		return domain.LogEntry{}, false
	}
	if _, wanted := pending[id]; !wanted {
		return domain.LogEntry{}, false
	}
	var fields map[string]any
	if err := json.Unmarshal(line, &fields); err != nil {
		return domain.LogEntry{}, false
	}
	entry := domain.LogEntry{ID: id, Fields: fields}
	entry.Timestamp, entry.HasTimestamp = c.timestamp(fields)
	return entry, true
}

// extractID reads the id without decoding the whole line. Numeric ids are
// matched by their literal text.
func extractID(line []byte, field string) (string, bool) {
	value, typ, _, err := jsonparser.Get(line, field)
	if err != nil {
		return "", false
	}
	switch typ {
	case jsonparser.String:
		id, err := jsonparser.ParseString(value)
		if err != nil {
			return "", false
		}
		return id, true
	case jsonparser.Number:
		return string(value), true
	default:
		return "", false
	}
}

func (c *Correlator) timestamp(fields map[string]any) (time.Time, bool) {
	for _, name := range c.opts.TimestampFields {
		if v, ok := fields[name]; ok {
			if ts, ok := parseTimestamp(v); ok {
				return ts, true
			}
		}
	}
	return time.Time{}, false
}

func parseTimestamp(v any) (time.Time, bool) {
	switch typed := v.(type) {
	case string:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999", "2006-01-02T15:04:05.999999999"} {
			if ts, err := time.Parse(layout, typed); err == nil {
				return ts.UTC(), true
			}
		}
		if n, err := strconv.ParseFloat(typed, 64); err == nil {
			return fromEpoch(n), true
		}
	case float64:
		return fromEpoch(typed), true
	}
	return time.Time{}, false
}

// fromEpoch accepts seconds or milliseconds since the epoch.
func fromEpoch(n float64) time.Time {
	if n > 1e12 {
		return time.UnixMilli(int64(n)).UTC()
	}
	sec := int64(n)
	return time.Unix(sec, int64((n-float64(sec))*1e9)).UTC()
}

func (c *Correlator) sortEntries(entries []domain.LogEntry) {
	undatedFirst := c.opts.MissingTimestamp == MissingTimestampFirst
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		switch {
		case a.HasTimestamp && b.HasTimestamp:
			return a.Timestamp.Before(b.Timestamp)
		case a.HasTimestamp == b.HasTimestamp:
			return false
		case undatedFirst:
			return !a.HasTimestamp
		default:
			return a.HasTimestamp
		}
	})
}
