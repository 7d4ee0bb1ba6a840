// Package instance manages the single engine instance each org owns and the
// pipeline config stored on it.
package instance

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/splax/pipectl/internal/domain"
	"github.com/splax/pipectl/internal/pipeline"
	"github.com/splax/pipectl/internal/repository"
	"github.com/splax/pipectl/pkg/config"
)

var (
	// ErrInvalidConfig is returned when a submitted config cannot be decoded.
	ErrInvalidConfig = errors.New("invalid pipeline config")
	// ErrPushFailed marks a persisted config the engine did not receive.
	ErrPushFailed = errors.New("engine config push failed")

	errMissingOrgID = errors.New("org id required")
)

// OrgResolver maps a user to the org they act for.
type OrgResolver interface {
	OrgForUser(ctx context.Context, userID string) (string, error)
}

// Pusher delivers a rendered config to an org's engine.
type Pusher interface {
	Push(ctx context.Context, orgID string, cfg domain.PipelineConfig) error
}

// Service orchestrates tenant instance persistence and config pushes.
type Service struct {
	instances repository.InstanceRepository
	orgs      OrgResolver
	injector  *pipeline.Injector
	pusher    Pusher
	logger    *slog.Logger
	hostTmpl  string
	now       func() time.Time
}

// New returns an instance service. pusher may be nil, in which case configs are
// only persisted.
func New(instances repository.InstanceRepository, orgs OrgResolver, injector *pipeline.Injector, pusher Pusher, logger *slog.Logger, cfg config.APIConfig) Service {
	hostTmpl := strings.TrimSpace(cfg.EngineHostTemplate)
	if hostTmpl == "" {
		hostTmpl = "vector-%s"
	}
	return Service{
		instances: instances,
		orgs:      orgs,
		injector:  injector,
		pusher:    pusher,
		logger:    logger.With("component", "instance"),
		hostTmpl:  hostTmpl,
		now:       time.Now,
	}
}

// Get returns the org's instance or repository.ErrNotFound.
func (s Service) Get(ctx context.Context, orgID string) (*domain.TenantInstance, error) {
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		return nil, errMissingOrgID
	}
	return s.instances.GetInstanceByOrg(ctx, orgID)
}

// Config returns the org's stored config, or an empty skeleton when the org
// has no instance yet.
func (s Service) Config(ctx context.Context, orgID string) (domain.PipelineConfig, error) {
	instance, err := s.Get(ctx, orgID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.EmptyPipelineConfig(), nil
		}
		return domain.PipelineConfig{}, err
	}
	return instance.Config.Normalized(), nil
}

// Preview returns the org's config as it would be pushed, taps included.
func (s Service) Preview(ctx context.Context, orgID string) (domain.PipelineConfig, error) {
	cfg, err := s.Config(ctx, orgID)
	if err != nil {
		return domain.PipelineConfig{}, err
	}
	return s.injector.Inject(cfg, orgID), nil
}

// Create records a new instance for the org. A second instance for the same
// org yields repository.ErrConflict.
func (s Service) Create(ctx context.Context, orgID string, cfg domain.PipelineConfig) (*domain.TenantInstance, error) {
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		return nil, errMissingOrgID
	}
	now := s.now().UTC()
	instance := &domain.TenantInstance{
		ID:         uuid.NewString(),
		OrgID:      orgID,
		EngineHost: s.EngineHost(orgID),
		Config:     cfg.Normalized(),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.instances.CreateInstance(ctx, instance); err != nil {
		return nil, err
	}
	s.logger.Info("instance created", "org_id", orgID, "instance_id", instance.ID, "engine_host", instance.EngineHost)
	return instance, nil
}

// Update replaces the config of the org's instance after checking that userID
// acts for orgID.
func (s Service) Update(ctx context.Context, userID, orgID string, cfg domain.PipelineConfig) (*domain.TenantInstance, error) {
	if err := s.authorize(ctx, userID, orgID); err != nil {
		return nil, err
	}
	return s.update(ctx, strings.TrimSpace(orgID), cfg)
}

// Save creates or updates the org's instance and pushes the tapped config to
// the engine. The stored config is kept when the push fails; the returned
// error then wraps ErrPushFailed alongside the saved instance.
func (s Service) Save(ctx context.Context, userID, orgID string, cfg domain.PipelineConfig) (*domain.TenantInstance, error) {
	if err := s.authorize(ctx, userID, orgID); err != nil {
		return nil, err
	}
	orgID = strings.TrimSpace(orgID)

	instance, err := s.instances.GetInstanceByOrg(ctx, orgID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		instance, err = s.Create(ctx, orgID, cfg)
		if errors.Is(err, repository.ErrConflict) {
			instance, err = s.update(ctx, orgID, cfg)
		}
	case err == nil:
		instance, err = s.update(ctx, orgID, cfg)
	}
	if err != nil {
		return nil, err
	}

	if s.pusher == nil {
		return instance, nil
	}
	if err := s.pusher.Push(ctx, orgID, s.injector.Inject(instance.Config, orgID)); err != nil {
		s.logger.Error("config push failed", "org_id", orgID, "err", err)
		return instance, fmt.Errorf("%w: %v", ErrPushFailed, err)
	}
	s.logger.Info("config pushed", "org_id", orgID, "components", instance.Config.Len())
	return instance, nil
}

// EngineHost derives the engine hostname for an org.
func (s Service) EngineHost(orgID string) string {
	return fmt.Sprintf(s.hostTmpl, orgID)
}

func (s Service) update(ctx context.Context, orgID string, cfg domain.PipelineConfig) (*domain.TenantInstance, error) {
	now := s.now().UTC()
	cfg = cfg.Normalized()
	if err := s.instances.UpdateInstanceConfig(ctx, orgID, cfg, now); err != nil {
		return nil, err
	}
	instance, err := s.instances.GetInstanceByOrg(ctx, orgID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("instance config updated", "org_id", orgID, "instance_id", instance.ID)
	return instance, nil
}

func (s Service) authorize(ctx context.Context, userID, orgID string) error {
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		return errMissingOrgID
	}
	if s.orgs == nil {
		return domain.ErrUnauthorized
	}
	userOrg, err := s.orgs.OrgForUser(ctx, userID)
	if err != nil {
		return err
	}
	if strings.TrimSpace(userOrg) == "" {
		return domain.ErrUnauthorized
	}
	if userOrg != orgID {
		return fmt.Errorf("%w: user %s does not belong to org %s", domain.ErrAccessDenied, userID, orgID)
	}
	return nil
}

// NormalizeConfig decodes a submitted config. raw may be a JSON object or a
// JSON string holding JSON or YAML text. Empty input and null yield the empty
// skeleton; the result always has all three namespaces.
func NormalizeConfig(raw []byte) (domain.PipelineConfig, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return domain.EmptyPipelineConfig(), nil
	}
	switch trimmed[0] {
	case '{':
		var cfg domain.PipelineConfig
		if err := json.Unmarshal(trimmed, &cfg); err != nil {
			return domain.PipelineConfig{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		return cfg.Normalized(), nil
	case '"':
		var text string
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return domain.PipelineConfig{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		return parseText(text)
	default:
		return domain.PipelineConfig{}, fmt.Errorf("%w: expected an object or a string", ErrInvalidConfig)
	}
}

// parseText decodes JSON or YAML config text. YAML is a superset of JSON, so a
// single decoder covers both.
func parseText(text string) (domain.PipelineConfig, error) {
	if strings.TrimSpace(text) == "" {
		return domain.EmptyPipelineConfig(), nil
	}
	var cfg domain.PipelineConfig
	if err := yaml.Unmarshal([]byte(text), &cfg); err != nil {
		return domain.PipelineConfig{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return cfg.Normalized(), nil
}
