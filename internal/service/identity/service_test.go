package identity

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/splax/pipectl/internal/domain"
	"github.com/splax/pipectl/internal/repository"
	"github.com/splax/pipectl/pkg/config"
	"github.com/splax/pipectl/pkg/crypto"
	jwtpkg "github.com/splax/pipectl/pkg/jwt"
)

type stubMembers map[string]string

func (s stubMembers) GetOrgIDForUser(_ context.Context, userID string) (string, error) {
	if org, ok := s[userID]; ok {
		return org, nil
	}
	return "", repository.ErrNotFound
}

type stubKeys map[string]domain.APIKey

func (s stubKeys) GetAPIKeyByPrefix(_ context.Context, prefix string) (*domain.APIKey, error) {
	if key, ok := s[prefix]; ok {
		return &key, nil
	}
	return nil, repository.ErrNotFound
}

func newTestService(t *testing.T) Service {
	t.Helper()
	hash, err := crypto.HashSecret("s3cret")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	revokedAt := time.Now()
	keys := stubKeys{
		"pk1": {ID: "key-1", OrgID: "org-1", Prefix: "pk1", Hash: hash},
		"old": {ID: "key-2", OrgID: "org-1", Prefix: "old", Hash: hash, RevokedAt: &revokedAt},
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(stubMembers{"user-2": "org-2"}, keys, log, config.APIConfig{JWTSecret: "secret"})
}

func TestAuthorizeUsesOrgClaim(t *testing.T) {
	svc := newTestService(t)
	token, err := jwtpkg.GenerateToken("user-1", "org-1", "secret", time.Minute)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	principal, err := svc.Authorize(context.Background(), token)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if principal.UserID != "user-1" || principal.OrgID != "org-1" {
		t.Fatalf("unexpected principal %+v", principal)
	}
}

func TestAuthorizeFallsBackToMembership(t *testing.T) {
	svc := newTestService(t)
	token, _ := jwtpkg.GenerateToken("user-2", "", "secret", time.Minute)
	principal, err := svc.Authorize(context.Background(), token)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if principal.OrgID != "org-2" {
		t.Fatalf("expected membership org, got %q", principal.OrgID)
	}

	orphan, _ := jwtpkg.GenerateToken("user-3", "", "secret", time.Minute)
	principal, err = svc.Authorize(context.Background(), orphan)
	if err != nil {
		t.Fatalf("authorize orphan: %v", err)
	}
	if principal.OrgID != "" {
		t.Fatalf("expected empty org for orphan user, got %q", principal.OrgID)
	}
}

func TestAuthorizeRejectsBadToken(t *testing.T) {
	svc := newTestService(t)
	if _, err := svc.Authorize(context.Background(), "garbage"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := svc.Authorize(context.Background(), " "); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for empty token, got %v", err)
	}
}

func TestOrgForUser(t *testing.T) {
	svc := newTestService(t)
	if org, err := svc.OrgForUser(context.Background(), "user-2"); err != nil || org != "org-2" {
		t.Fatalf("expected org-2, got %q %v", org, err)
	}
	if _, err := svc.OrgForUser(context.Background(), "nobody"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestVerifyAPIKey(t *testing.T) {
	svc := newTestService(t)
	principal, err := svc.VerifyAPIKey(context.Background(), "pk1.s3cret")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if principal.OrgID != "org-1" {
		t.Fatalf("unexpected org %q", principal.OrgID)
	}
	for _, key := range []string{"pk1.wrong", "old.s3cret", "missing.s3cret", "no-dot", ".s3cret"} {
		if _, err := svc.VerifyAPIKey(context.Background(), key); !errors.Is(err, domain.ErrUnauthorized) {
			t.Fatalf("expected ErrUnauthorized for %q, got %v", key, err)
		}
	}
}
