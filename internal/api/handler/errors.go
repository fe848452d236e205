package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/dubhub/internal/api/middleware"
	"github.com/kiranshivaraju/dubhub/internal/api/response"
	"github.com/kiranshivaraju/dubhub/internal/dubbing"
	"github.com/kiranshivaraju/dubhub/internal/store"
)

// writeError maps service errors to status codes and stable error codes.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *dubbing.ValidationError
	switch {
	case errors.As(err, &verr):
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", verr.Error(),
			map[string]string{"field": verr.Field})
	case errors.Is(err, dubbing.ErrJobNotFound), errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", "Job not found", nil)
	case errors.Is(err, dubbing.ErrNotAwaitingApproval):
		response.Error(w, http.StatusConflict, "INVALID_STATE", err.Error(), nil)
	case errors.Is(err, dubbing.ErrDispatch):
		response.Error(w, http.StatusServiceUnavailable, "DISPATCH_FAILED", "Job could not be scheduled", nil)
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
	}
}

// requireUser returns the authenticated user or writes a 401.
func requireUser(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	userID, ok := mw.GetUserID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
	}
	return userID, ok
}

// uuidParam parses a UUID path parameter or writes a 400.
func uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", name+" must be a valid UUID", nil)
		return uuid.Nil, false
	}
	return id, true
}
