package httpx

import (
	"errors"
	"net/http"

	"github.com/splax/pipectl/internal/domain"
	"github.com/splax/pipectl/internal/repository"
	"github.com/splax/pipectl/internal/service/engine"
	"github.com/splax/pipectl/internal/service/instance"
	"github.com/splax/pipectl/internal/service/preview"
)

// statusForError maps service sentinels to HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, preview.ErrUnknownChannel):
		return http.StatusNotFound
	case errors.Is(err, repository.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, engine.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, engine.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, engine.ErrEngine), errors.Is(err, instance.ErrPushFailed):
		return http.StatusBadGateway
	case errors.Is(err, instance.ErrInvalidConfig),
		errors.Is(err, preview.ErrMissingOrg),
		errors.Is(err, preview.ErrInvalidPayload):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (r *Router) writeServiceError(w http.ResponseWriter, req *http.Request, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		r.logger.Error("request failed", "path", req.URL.Path, "status", status, "error", err)
	}
	if status == http.StatusInternalServerError {
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}
