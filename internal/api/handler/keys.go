package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/dubhub/internal/api/response"
	"github.com/kiranshivaraju/dubhub/internal/apikey"
	"github.com/kiranshivaraju/dubhub/internal/store"
	"github.com/kiranshivaraju/dubhub/pkg/models"
)

// KeyStore defines the API key persistence the admin handlers depend on.
type KeyStore interface {
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, userID uuid.UUID) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID, userID uuid.UUID) error
}

type createKeyRequest struct {
	Name   string   `json:"name"`
	Scopes []string `json:"scopes"`
	UserID string   `json:"user_id"`
}

type createKeyResponse struct {
	Key    string         `json:"key"`
	APIKey *models.APIKey `json:"api_key"`
}

// NewCreateKeyHandler returns an http.HandlerFunc for POST /api/v1/admin/keys.
// Keys belong to the caller unless user_id names another user.
func NewCreateKeyHandler(keys KeyStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		callerID, ok := requireUser(w, r)
		if !ok {
			return
		}

		var req createKeyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		owner := callerID
		if req.UserID != "" {
			id, err := uuid.Parse(req.UserID)
			if err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "user_id must be a valid UUID", nil)
				return
			}
			owner = id
		}

		key, raw, err := apikey.New(owner, req.Name, req.Scopes)
		if errors.Is(err, apikey.ErrInvalidScope) {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), map[string]string{"field": "scopes"})
			return
		}
		if err != nil {
			writeError(w, r, err)
			return
		}
		if err := keys.CreateAPIKey(r.Context(), key); err != nil {
			writeError(w, r, err)
			return
		}
		response.Created(w, createKeyResponse{Key: raw, APIKey: key})
	}
}

// NewListKeysHandler returns an http.HandlerFunc for GET /api/v1/admin/keys.
func NewListKeysHandler(keys KeyStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}
		if raw := r.URL.Query().Get("user_id"); raw != "" {
			id, err := uuid.Parse(raw)
			if err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "user_id must be a valid UUID", nil)
				return
			}
			userID = id
		}

		list, err := keys.ListAPIKeys(r.Context(), userID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if list == nil {
			list = []*models.APIKey{}
		}
		response.JSON(w, list)
	}
}

// NewRevokeKeyHandler returns an http.HandlerFunc for DELETE /api/v1/admin/keys/{keyID}.
func NewRevokeKeyHandler(keys KeyStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}
		keyID, ok := uuidParam(w, r, "keyID")
		if !ok {
			return
		}

		err := keys.RevokeAPIKey(r.Context(), keyID, userID)
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", "API key not found", nil)
			return
		}
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.NoContent(w)
	}
}
