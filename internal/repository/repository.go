package repository

import (
	"context"
	"time"

	"github.com/splax/pipectl/internal/domain"
)

// InstanceRepository persists one engine instance record per org.
type InstanceRepository interface {
	GetInstanceByOrg(ctx context.Context, orgID string) (*domain.TenantInstance, error)
	CreateInstance(ctx context.Context, instance *domain.TenantInstance) error
	UpdateInstanceConfig(ctx context.Context, orgID string, cfg domain.PipelineConfig, updatedAt time.Time) error
}

// MembershipRepository maps users to the org they belong to.
type MembershipRepository interface {
	GetOrgIDForUser(ctx context.Context, userID string) (string, error)
}

// APIKeyRepository looks up hashed org API keys.
type APIKeyRepository interface {
	GetAPIKeyByPrefix(ctx context.Context, prefix string) (*domain.APIKey, error)
}
