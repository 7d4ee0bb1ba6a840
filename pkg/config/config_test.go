package config

import (
	"testing"
	"time"
)

func TestLoadAPIConfigDefaults(t *testing.T) {
	cfg := LoadAPIConfig()
	if cfg.PreviewBufferCapacity != 1000 {
		t.Fatalf("expected preview capacity 1000, got %d", cfg.PreviewBufferCapacity)
	}
	if cfg.CollectBufferCapacity != 100 {
		t.Fatalf("expected collect capacity 100, got %d", cfg.CollectBufferCapacity)
	}
	if cfg.EngineQueryTimeout != 5*time.Second {
		t.Fatalf("expected 5s engine timeout, got %s", cfg.EngineQueryTimeout)
	}
	if cfg.LogUndatedLast {
		t.Fatalf("expected undated log entries to sort first by default")
	}
}

func TestLoadAPIConfigOverrides(t *testing.T) {
	t.Setenv("ENGINE_QUERY_TIMEOUT_SECONDS", "2")
	t.Setenv("LOG_FILES", " a.log, ,b.log ")
	t.Setenv("PREVIEW_BUFFER_CAPACITY", "not-a-number")
	t.Setenv("LOG_UNDATED_LAST", "true")

	cfg := LoadAPIConfig()
	if cfg.EngineQueryTimeout != 2*time.Second {
		t.Fatalf("expected 2s engine timeout, got %s", cfg.EngineQueryTimeout)
	}
	if len(cfg.LogFiles) != 2 || cfg.LogFiles[0] != "a.log" || cfg.LogFiles[1] != "b.log" {
		t.Fatalf("unexpected log files %v", cfg.LogFiles)
	}
	if cfg.PreviewBufferCapacity != 1000 {
		t.Fatalf("expected fallback on invalid int, got %d", cfg.PreviewBufferCapacity)
	}
	if !cfg.LogUndatedLast {
		t.Fatalf("expected undated log entries to sort last")
	}
}
