// Package apikey mints API keys. The raw key is returned once; only its
// bcrypt hash and an 8-character lookup prefix are stored.
package apikey

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/dubhub/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

const (
	Prefix    = "dh_"
	PrefixLen = 8

	ScopeRead  = "read"
	ScopeWrite = "write"
	ScopeAdmin = "admin"
)

var validScopes = map[string]bool{ScopeRead: true, ScopeWrite: true, ScopeAdmin: true}

// ErrInvalidScope is returned for a scope outside read, write, admin.
var ErrInvalidScope = errors.New("invalid scope")

// New returns a key record for userID and the raw key to hand to the caller.
// Empty scopes default to read and write.
func New(userID uuid.UUID, name string, scopes []string) (*models.APIKey, string, error) {
	if len(scopes) == 0 {
		scopes = []string{ScopeRead, ScopeWrite}
	}
	for _, s := range scopes {
		if !validScopes[s] {
			return nil, "", fmt.Errorf("%w: %q", ErrInvalidScope, s)
		}
	}

	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return nil, "", fmt.Errorf("generating key: %w", err)
	}
	raw := Prefix + hex.EncodeToString(buf)

	hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("hashing key: %w", err)
	}

	now := time.Now().UTC()
	key := &models.APIKey{
		ID:        uuid.New(),
		UserID:    userID,
		Name:      strings.TrimSpace(name),
		KeyHash:   string(hash),
		KeyPrefix: raw[:PrefixLen],
		Scopes:    scopes,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return key, raw, nil
}
