package httpx

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

type authContextKey string

type authInfo struct {
	UserID string
	OrgID  string
	// Via is "user" for bearer tokens and "api_key" for org API keys.
	Via string
}

const contextKeyAuth authContextKey = "pipectl-auth-info"

type contextSetter interface {
	SetContext(context.Context)
}

// requireAuth ensures the request has a valid bearer token before invoking the handler.
func (r *Router) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		ctx, _, ok := r.ensureAuth(w, req)
		if !ok {
			return
		}
		if setter, ok := w.(contextSetter); ok {
			setter.SetContext(ctx)
		}
		next(w, req.WithContext(ctx))
	}
}

// ensureAuth validates the Authorization header and enriches the context.
func (r *Router) ensureAuth(w http.ResponseWriter, req *http.Request) (context.Context, authInfo, bool) {
	info, err := r.resolveBearer(req)
	if err != nil {
		r.logger.Warn("token validation failed", "error", err, "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "authentication failed")
		return req.Context(), authInfo{}, false
	}
	ctx := context.WithValue(req.Context(), contextKeyAuth, info)
	return ctx, info, true
}

func (r *Router) resolveBearer(req *http.Request) (authInfo, error) {
	token, err := bearerToken(req.Header.Get("Authorization"))
	if err != nil {
		return authInfo{}, err
	}
	principal, err := r.identity.Authorize(req.Context(), token)
	if err != nil {
		return authInfo{}, err
	}
	return authInfo{UserID: principal.UserID, OrgID: principal.OrgID, Via: "user"}, nil
}

// optionalAuth resolves a bearer token or X-API-Key header when present. It
// never rejects: invalid credentials are logged and the request continues
// anonymously, leaving org resolution to the payload.
func (r *Router) optionalAuth(w http.ResponseWriter, req *http.Request) (*http.Request, authInfo) {
	if key := strings.TrimSpace(req.Header.Get("X-API-Key")); key != "" {
		principal, err := r.identity.VerifyAPIKey(req.Context(), key)
		if err == nil {
			info := authInfo{OrgID: principal.OrgID, Via: "api_key"}
			return r.withAuthInfo(w, req, info), info
		}
		r.logger.Warn("api key validation failed, continuing anonymously", "error", err, "path", req.URL.Path)
	}
	if strings.TrimSpace(req.Header.Get("Authorization")) == "" {
		return req, authInfo{}
	}
	info, err := r.resolveBearer(req)
	if err != nil {
		r.logger.Warn("token validation failed, continuing anonymously", "error", err, "path", req.URL.Path)
		return req, authInfo{}
	}
	return r.withAuthInfo(w, req, info), info
}

func (r *Router) withAuthInfo(w http.ResponseWriter, req *http.Request, info authInfo) *http.Request {
	ctx := context.WithValue(req.Context(), contextKeyAuth, info)
	if setter, ok := w.(contextSetter); ok {
		setter.SetContext(ctx)
	}
	return req.WithContext(ctx)
}

// authInfoFromContext extracts auth metadata from context.
func authInfoFromContext(ctx context.Context) (authInfo, bool) {
	value := ctx.Value(contextKeyAuth)
	if value == nil {
		return authInfo{}, false
	}
	info, ok := value.(authInfo)
	return info, ok
}

// requireOrg returns the caller's org, answering 401 when the caller has none.
func (r *Router) requireOrg(w http.ResponseWriter, req *http.Request) (authInfo, bool) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return authInfo{}, false
	}
	if info.OrgID == "" {
		writeError(w, http.StatusUnauthorized, "no organization for user")
		return authInfo{}, false
	}
	return info, true
}

func bearerToken(header string) (string, error) {
	if strings.TrimSpace(header) == "" {
		return "", errors.New("missing authorization header")
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header format")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("empty bearer token")
	}
	return token, nil
}
