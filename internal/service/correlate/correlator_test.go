package correlate

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func writeLog(t *testing.T, dir, name string, lines ...string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func newTestCorrelator(policy TimestampPolicy) *Correlator {
	return New(Options{MissingTimestamp: policy}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func ids(result Result) []string {
	out := make([]string, 0, len(result.Found))
	for _, e := range result.Found {
		out = append(out, e.ID)
	}
	return out
}

func TestFindByIDsSortsByTimestamp(t *testing.T) {
	dir := t.TempDir()
	path := writeLog(t, dir, "raw.log",
		`{"id":"x","timestamp":"2024-01-01T00:00:00Z"}`,
		`not json`,
		`{"id":"a","timestamp":"2024-01-01T00:00:09Z","msg":"late"}`,
		`{"id":"y"}`,
		`{"broken":`,
		`{"id":"q","timestamp":"2024-01-01T00:00:01Z"}`,
		`{"id":"b","timestamp":"2024-01-01T00:00:03Z","msg":"early"}`,
	)
	result, err := newTestCorrelator(MissingTimestampFirst).FindByIDs(context.Background(), []string{"a", "b"}, []string{path})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if diff := cmp.Diff([]string{"b", "a"}, ids(result)); diff != "" {
		t.Fatalf("unexpected order (-want +got):\n%s", diff)
	}
	if len(result.Missing) != 0 {
		t.Fatalf("expected nothing missing, got %v", result.Missing)
	}
	if result.Found[1].Line != 3 || result.Found[1].Fields["msg"] != "late" {
		t.Fatalf("unexpected entry %+v", result.Found[1])
	}
}

func TestFindByIDsReportsMissingInRequestOrder(t *testing.T) {
	dir := t.TempDir()
	path := writeLog(t, dir, "raw.log", `{"id":"a","timestamp":"2024-01-01T00:00:00Z"}`)
	result, err := newTestCorrelator(MissingTimestampFirst).FindByIDs(context.Background(), []string{"z", "a", "m"}, []string{path})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if diff := cmp.Diff([]string{"z", "m"}, result.Missing); diff != "" {
		t.Fatalf("unexpected missing (-want +got):\n%s", diff)
	}
}

func TestFindByIDsFirstMatchWinsAcrossFiles(t *testing.T) {
	dir := t.TempDir()
	raw := writeLog(t, dir, "raw.log",
		`{"id":"a","timestamp":"2024-01-01T00:00:05Z","src":"raw"}`,
	)
	processed := writeLog(t, dir, "processed.log",
		`{"id":"a","timestamp":"2024-01-01T00:00:01Z","src":"processed"}`,
		`{"id":7,"timestamp":1704067200}`,
	)
	result, err := newTestCorrelator(MissingTimestampFirst).FindByIDs(context.Background(), []string{"a", "7"},
		[]string{filepath.Join(dir, "absent.log"), raw, processed})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(result.Found) != 2 {
		t.Fatalf("expected 2 entries, got %+v", result.Found)
	}
	for _, e := range result.Found {
		if e.ID == "a" && e.Fields["src"] != "raw" {
			t.Fatalf("expected first file to win, got %v", e.Fields["src"])
		}
	}
	if result.Found[0].ID != "7" {
		t.Fatalf("expected epoch timestamp entry first, got %s", result.Found[0].ID)
	}
}

func TestFindByIDsStopsOnceEveryIDMatched(t *testing.T) {
	dir := t.TempDir()
	first := writeLog(t, dir, "first.log",
		`{"id":"a","msg":"first a"}`,
		`{"id":"noise"}`,
		`{"id":"b","msg":"first b"}`,
		`{"id":"a","msg":"later a"}`,
	)
	later := writeLog(t, dir, "later.log", `{"id":"b","msg":"later b"}`)
	unreadable := filepath.Join(dir, "rotated")
	if err := os.Mkdir(unreadable, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	var logs bytes.Buffer
	c := New(Options{}, slog.New(slog.NewTextHandler(&logs, nil)))
	result, err := c.FindByIDs(context.Background(), []string{"a", "b"}, []string{first, unreadable, later})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if strings.Contains(logs.String(), "log file skipped") {
		t.Fatalf("expected scan to stop before the unreadable path, logs:\n%s", logs.String())
	}
	got := map[string]string{}
	for _, e := range result.Found {
		if e.File != first || e.Line > 3 {
			t.Fatalf("entry read past the last match: %+v", e)
		}
		got[e.ID] = e.Fields["msg"].(string)
	}
	if diff := cmp.Diff(map[string]string{"a": "first a", "b": "first b"}, got); diff != "" {
		t.Fatalf("unexpected entries (-want +got):\n%s", diff)
	}
}

func TestFindByIDsMissingTimestampPolicy(t *testing.T) {
	dir := t.TempDir()
	path := writeLog(t, dir, "raw.log",
		`{"id":"dated","timestamp":"2024-01-01T00:00:00Z"}`,
		`{"id":"undated","timestamp":"yesterday"}`,
	)
	first, _ := newTestCorrelator(MissingTimestampFirst).FindByIDs(context.Background(), []string{"dated", "undated"}, []string{path})
	if diff := cmp.Diff([]string{"undated", "dated"}, ids(first)); diff != "" {
		t.Fatalf("first policy (-want +got):\n%s", diff)
	}
	last, _ := newTestCorrelator(MissingTimestampLast).FindByIDs(context.Background(), []string{"dated", "undated"}, []string{path})
	if diff := cmp.Diff([]string{"dated", "undated"}, ids(last)); diff != "" {
		t.Fatalf("last policy (-want +got):\n%s", diff)
	}
}

func TestParseIDs(t *testing.T) {
	if diff := cmp.Diff([]string{"a", "b"}, ParseIDs("a, b,,a ")); diff != "" {
		t.Fatalf("unexpected ids (-want +got):\n%s", diff)
	}
	if got := ParseIDs(" , "); len(got) != 0 {
		t.Fatalf("expected no ids, got %v", got)
	}
}

func TestServiceCorrelate(t *testing.T) {
	dir := t.TempDir()
	writeLog(t, dir, "raw_logs.log", `{"id":"a","timestamp":"2024-01-01T00:00:00Z"}`)
	writeLog(t, dir, "processed_logs.log", `{"id":"b","timestamp":"2024-01-01T00:00:01Z"}`)
	svc := NewService(newTestCorrelator(MissingTimestampFirst), dir, []string{"raw_logs.log", "processed_logs.log"})

	report, err := svc.Correlate(context.Background(), "b,a,z,a")
	if err != nil {
		t.Fatalf("correlate: %v", err)
	}
	if report.Requested != 3 || report.Found != 2 || report.Total != 2 {
		t.Fatalf("unexpected counts %+v", report)
	}
	if diff := cmp.Diff([]string{"z"}, report.Missing); diff != "" {
		t.Fatalf("unexpected missing (-want +got):\n%s", diff)
	}
	if report.Logs[0]["id"] != "a" {
		t.Fatalf("expected logs sorted by timestamp, got %v", report.Logs)
	}
}
