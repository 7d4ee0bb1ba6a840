// Package identity resolves request credentials to principals. Tokens are
// issued elsewhere; this package only validates them.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/splax/pipectl/internal/domain"
	"github.com/splax/pipectl/internal/repository"
	"github.com/splax/pipectl/pkg/config"
	"github.com/splax/pipectl/pkg/crypto"
	jwtpkg "github.com/splax/pipectl/pkg/jwt"
)

// Service validates bearer tokens and API keys.
type Service struct {
	members repository.MembershipRepository
	keys    repository.APIKeyRepository
	logger  *slog.Logger
	secret  string
}

// New constructs a Service.
func New(members repository.MembershipRepository, keys repository.APIKeyRepository, logger *slog.Logger, cfg config.APIConfig) Service {
	return Service{members: members, keys: keys, logger: logger, secret: cfg.JWTSecret}
}

// Authorize validates a bearer token and returns the caller. Tokens without an
// org claim are resolved through org membership; a user with no org yields a
// principal with an empty OrgID.
func (s Service) Authorize(ctx context.Context, token string) (domain.Principal, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return domain.Principal{}, fmt.Errorf("%w: token required", domain.ErrUnauthorized)
	}
	claims, err := jwtpkg.Parse(trimmed, s.secret)
	if err != nil {
		return domain.Principal{}, fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}
	principal := domain.Principal{UserID: claims.UserID, OrgID: strings.TrimSpace(claims.OrgID)}
	if principal.OrgID != "" {
		return principal, nil
	}
	orgID, err := s.OrgForUser(ctx, claims.UserID)
	if err != nil && !errors.Is(err, domain.ErrUnauthorized) {
		return domain.Principal{}, err
	}
	principal.OrgID = orgID
	return principal, nil
}

// OrgForUser returns the org a user belongs to, or domain.ErrUnauthorized when
// the user cannot be resolved to one.
func (s Service) OrgForUser(ctx context.Context, userID string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" || s.members == nil {
		return "", domain.ErrUnauthorized
	}
	orgID, err := s.members.GetOrgIDForUser(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", fmt.Errorf("%w: user %s has no org", domain.ErrUnauthorized, userID)
		}
		return "", fmt.Errorf("resolve org for user: %w", err)
	}
	return orgID, nil
}

// VerifyAPIKey checks a "<prefix>.<secret>" key against its stored hash.
func (s Service) VerifyAPIKey(ctx context.Context, key string) (domain.Principal, error) {
	prefix, secret, ok := strings.Cut(strings.TrimSpace(key), ".")
	if !ok || prefix == "" || secret == "" {
		return domain.Principal{}, fmt.Errorf("%w: malformed api key", domain.ErrUnauthorized)
	}
	if s.keys == nil {
		return domain.Principal{}, fmt.Errorf("%w: api keys not configured", domain.ErrUnauthorized)
	}
	record, err := s.keys.GetAPIKeyByPrefix(ctx, prefix)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.Principal{}, fmt.Errorf("%w: unknown api key", domain.ErrUnauthorized)
		}
		return domain.Principal{}, fmt.Errorf("lookup api key: %w", err)
	}
	if record.RevokedAt != nil {
		return domain.Principal{}, fmt.Errorf("%w: api key revoked", domain.ErrUnauthorized)
	}
	if err := crypto.CompareSecret(record.Hash, secret); err != nil {
		if s.logger != nil {
			s.logger.Warn("api key secret mismatch", "prefix", prefix, "org_id", record.OrgID)
		}
		return domain.Principal{}, fmt.Errorf("%w: invalid api key", domain.ErrUnauthorized)
	}
	return domain.Principal{OrgID: record.OrgID}, nil
}
