package postgres

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/splax/pipectl/internal/repository"
)

func TestTranslateErrorMapsUniqueViolation(t *testing.T) {
	err := translateError(fmt.Errorf("exec: %w", &pgconn.PgError{Code: uniqueViolation, ConstraintName: "tenant_instances_org_id_key"}))
	if !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestTranslateErrorPassesOtherErrors(t *testing.T) {
	base := &pgconn.PgError{Code: "23503"}
	if err := translateError(base); !errors.Is(err, base) || errors.Is(err, repository.ErrConflict) {
		t.Fatalf("expected original error, got %v", err)
	}
	if err := translateError(nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestDecodeConfigNormalises(t *testing.T) {
	cfg, err := decodeConfig([]byte(`{"sources":{"in":{"type":"stdin"}}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.Transforms == nil || cfg.Sinks == nil {
		t.Fatalf("expected empty namespaces to be non-nil")
	}
	if cfg.Sources["in"].Type != "stdin" {
		t.Fatalf("unexpected source: %+v", cfg.Sources["in"])
	}
	empty, err := decodeConfig(nil)
	if err != nil || empty.Sources == nil {
		t.Fatalf("expected skeleton for empty payload, got %+v %v", empty, err)
	}
}
