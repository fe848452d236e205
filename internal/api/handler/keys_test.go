package handler

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/dubhub/internal/apikey"
	"github.com/kiranshivaraju/dubhub/internal/store"
	"github.com/kiranshivaraju/dubhub/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type memKeys struct {
	keys []*models.APIKey
}

func (m *memKeys) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	m.keys = append(m.keys, key)
	return nil
}

func (m *memKeys) ListAPIKeys(_ context.Context, userID uuid.UUID) ([]*models.APIKey, error) {
	var out []*models.APIKey
	for _, k := range m.keys {
		if k.UserID == userID {
			out = append(out, k)
		}
	}
	return out, nil
}

func (m *memKeys) RevokeAPIKey(_ context.Context, id, userID uuid.UUID) error {
	for _, k := range m.keys {
		if k.ID == id && k.UserID == userID && k.DeletedAt == nil {
			now := k.CreatedAt
			k.DeletedAt = &now
			return nil
		}
	}
	return store.ErrNotFound
}

func TestCreateKey_ReturnsRawKeyOnce(t *testing.T) {
	keys := &memKeys{}
	callerID := uuid.New()

	rec := serve("/keys", NewCreateKeyHandler(keys), authed(t, http.MethodPost, "/keys",
		map[string]any{"name": "ci", "scopes": []string{"read"}}, callerID))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var out struct {
		Key    string        `json:"key"`
		APIKey models.APIKey `json:"api_key"`
	}
	decodeData(t, rec, &out)
	assert.True(t, strings.HasPrefix(out.Key, apikey.Prefix))
	assert.Equal(t, callerID, out.APIKey.UserID)
	assert.Equal(t, []string{"read"}, out.APIKey.Scopes)

	require.Len(t, keys.keys, 1)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(keys.keys[0].KeyHash), []byte(out.Key)))
	assert.NotContains(t, rec.Body.String(), keys.keys[0].KeyHash)
}

func TestCreateKey_ForAnotherUser(t *testing.T) {
	keys := &memKeys{}
	owner := uuid.New()

	rec := serve("/keys", NewCreateKeyHandler(keys), authed(t, http.MethodPost, "/keys",
		map[string]any{"name": "svc", "user_id": owner.String()}, uuid.New()))
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, keys.keys, 1)
	assert.Equal(t, owner, keys.keys[0].UserID)
}

func TestCreateKey_InvalidScope(t *testing.T) {
	rec := serve("/keys", NewCreateKeyHandler(&memKeys{}), authed(t, http.MethodPost, "/keys",
		map[string]any{"name": "bad", "scopes": []string{"root"}}, uuid.New()))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_REQUEST", errorCode(t, rec))
}

func TestListAndRevokeKeys(t *testing.T) {
	userID := uuid.New()
	key, _, err := apikey.New(userID, "laptop", nil)
	require.NoError(t, err)
	keys := &memKeys{keys: []*models.APIKey{key}}

	rec := serve("/keys", NewListKeysHandler(keys), authed(t, http.MethodGet, "/keys", nil, userID))
	require.Equal(t, http.StatusOK, rec.Code)
	var list []models.APIKey
	decodeData(t, rec, &list)
	require.Len(t, list, 1)
	assert.Equal(t, key.ID, list[0].ID)

	rec = serve("/keys/{keyID}", NewRevokeKeyHandler(keys), authed(t, http.MethodDelete, "/keys/"+key.ID.String(), nil, userID))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = serve("/keys/{keyID}", NewRevokeKeyHandler(keys), authed(t, http.MethodDelete, "/keys/"+key.ID.String(), nil, userID))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListKeys_EmptyIsArray(t *testing.T) {
	rec := serve("/keys", NewListKeysHandler(&memKeys{}), authed(t, http.MethodGet, "/keys", nil, uuid.New()))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"data":[]`)
}
