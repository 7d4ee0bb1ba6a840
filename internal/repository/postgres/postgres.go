package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/pipectl/internal/domain"
	"github.com/splax/pipectl/internal/repository"
)

const uniqueViolation = "23505"

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.InstanceRepository   = (*Repository)(nil)
	_ repository.MembershipRepository = (*Repository)(nil)
	_ repository.APIKeyRepository     = (*Repository)(nil)
)

// GetInstanceByOrg fetches the org's engine instance.
func (r *Repository) GetInstanceByOrg(ctx context.Context, orgID string) (*domain.TenantInstance, error) {
	const query = `SELECT id, org_id, engine_host, config, created_at, updated_at
		FROM tenant_instances WHERE org_id = $1`
	row := r.pool.QueryRow(ctx, query, orgID)
	var (
		instance domain.TenantInstance
		rawCfg   []byte
	)
	if err := row.Scan(&instance.ID, &instance.OrgID, &instance.EngineHost, &rawCfg, &instance.CreatedAt, &instance.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	cfg, err := decodeConfig(rawCfg)
	if err != nil {
		return nil, fmt.Errorf("decode config for org %s: %w", orgID, err)
	}
	instance.Config = cfg
	return &instance, nil
}

// CreateInstance inserts an instance record. A second record for the same org
// is rejected by the unique constraint and surfaced as repository.ErrConflict.
func (r *Repository) CreateInstance(ctx context.Context, instance *domain.TenantInstance) error {
	const query = `INSERT INTO tenant_instances (id, org_id, engine_host, config, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	rawCfg, err := json.Marshal(instance.Config.Normalized())
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	_, err = r.pool.Exec(ctx, query, instance.ID, instance.OrgID, instance.EngineHost, rawCfg, instance.CreatedAt, instance.UpdatedAt)
	return translateError(err)
}

// UpdateInstanceConfig replaces the stored config in place.
func (r *Repository) UpdateInstanceConfig(ctx context.Context, orgID string, cfg domain.PipelineConfig, updatedAt time.Time) error {
	const query = `UPDATE tenant_instances SET config = $2, updated_at = $3 WHERE org_id = $1`
	rawCfg, err := json.Marshal(cfg.Normalized())
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	tag, err := r.pool.Exec(ctx, query, orgID, rawCfg, updatedAt)
	if err != nil {
		return translateError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// GetOrgIDForUser returns the org a user belongs to, preferring the oldest membership.
func (r *Repository) GetOrgIDForUser(ctx context.Context, userID string) (string, error) {
	const query = `SELECT org_id FROM org_members WHERE user_id = $1 ORDER BY created_at ASC LIMIT 1`
	var orgID string
	if err := r.pool.QueryRow(ctx, query, userID).Scan(&orgID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", repository.ErrNotFound
		}
		return "", err
	}
	return orgID, nil
}

// GetAPIKeyByPrefix loads an API key record by its public prefix.
func (r *Repository) GetAPIKeyByPrefix(ctx context.Context, prefix string) (*domain.APIKey, error) {
	const query = `SELECT id, org_id, prefix, key_hash, created_at, revoked_at FROM api_keys WHERE prefix = $1`
	var key domain.APIKey
	if err := r.pool.QueryRow(ctx, query, prefix).Scan(&key.ID, &key.OrgID, &key.Prefix, &key.Hash, &key.CreatedAt, &key.RevokedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &key, nil
}

func decodeConfig(raw []byte) (domain.PipelineConfig, error) {
	if len(raw) == 0 {
		return domain.EmptyPipelineConfig(), nil
	}
	var cfg domain.PipelineConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return domain.PipelineConfig{}, err
	}
	return cfg.Normalized(), nil
}

func translateError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", repository.ErrConflict, pgErr.ConstraintName)
	}
	return err
}
