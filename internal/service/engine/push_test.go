package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gopkg.in/yaml.v3"

	"github.com/splax/pipectl/internal/domain"
)

type stubReloader struct {
	orgs []string
	err  error
}

func (r *stubReloader) Reload(_ context.Context, orgID string) error {
	r.orgs = append(r.orgs, orgID)
	return r.err
}

func testConfig() domain.PipelineConfig {
	return domain.PipelineConfig{
		Sources: map[string]domain.ComponentSpec{
			"in": {Type: "file", Params: map[string]any{"include": []any{"/var/log/*.log"}}},
		},
		Transforms: map[string]domain.ComponentSpec{},
		Sinks: map[string]domain.ComponentSpec{
			"out": {Type: "console", Inputs: []string{"in"}, Params: map[string]any{"encoding": map[string]any{"codec": "json"}}},
		},
	}
}

func TestPushWritesConfigAndReloads(t *testing.T) {
	dir := t.TempDir()
	reloader := &stubReloader{}
	pusher, err := NewConfigPusher(dir, reloader, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("new pusher: %v", err)
	}
	cfg := testConfig()
	if err := pusher.Push(context.Background(), "org-1", cfg); err != nil {
		t.Fatalf("push: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "org-1", "vector.yaml"))
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	var got domain.PipelineConfig
	if err := yaml.Unmarshal(raw, &got); err != nil {
		t.Fatalf("parse rendered config: %v\n%s", err, raw)
	}
	if diff := cmp.Diff(cfg, got); diff != "" {
		t.Fatalf("rendered config mismatch (-want +got):\n%s", diff)
	}
	if !cmp.Equal(reloader.orgs, []string{"org-1"}) {
		t.Fatalf("expected one reload for org-1, got %v", reloader.orgs)
	}

	entries, _ := os.ReadDir(filepath.Join(dir, "org-1"))
	if len(entries) != 1 {
		t.Fatalf("expected no leftover temp files, got %d entries", len(entries))
	}
}

func TestPushRejectsPathEscapes(t *testing.T) {
	pusher, _ := NewConfigPusher(t.TempDir(), nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	for _, org := range []string{"", "..", "../etc", "a/b"} {
		if err := pusher.Push(context.Background(), org, testConfig()); err == nil {
			t.Fatalf("expected error for org id %q", org)
		}
	}
}

func TestPushSurfacesReloadFailure(t *testing.T) {
	reloader := &stubReloader{err: ErrUnavailable}
	pusher, _ := NewConfigPusher(t.TempDir(), reloader, slog.New(slog.NewTextHandler(io.Discard, nil)))
	err := pusher.Push(context.Background(), "org-1", testConfig())
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected reload error, got %v", err)
	}
	if _, statErr := os.Stat(pusher.Path("org-1")); statErr != nil {
		t.Fatalf("expected config written despite reload failure: %v", statErr)
	}
}
