package apikey_test

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/dubhub/internal/apikey"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestNew(t *testing.T) {
	userID := uuid.New()
	key, raw, err := apikey.New(userID, " ci ", []string{apikey.ScopeAdmin})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(raw, apikey.Prefix))
	assert.Equal(t, raw[:apikey.PrefixLen], key.KeyPrefix)
	assert.Equal(t, userID, key.UserID)
	assert.Equal(t, "ci", key.Name)
	assert.Equal(t, []string{"admin"}, key.Scopes)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(raw)))
	assert.NotContains(t, key.KeyHash, raw)
}

func TestNew_DefaultScopes(t *testing.T) {
	key, _, err := apikey.New(uuid.New(), "", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"read", "write"}, key.Scopes)
}

func TestNew_UniqueKeys(t *testing.T) {
	_, a, err := apikey.New(uuid.New(), "", nil)
	require.NoError(t, err)
	_, b, err := apikey.New(uuid.New(), "", nil)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestNew_InvalidScope(t *testing.T) {
	_, _, err := apikey.New(uuid.New(), "", []string{"root"})
	assert.ErrorIs(t, err, apikey.ErrInvalidScope)
}
