// Package channels resolves the publishing channel for a user's target language.
package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/dubhub/internal/cache"
	"github.com/kiranshivaraju/dubhub/internal/store"
	"github.com/kiranshivaraju/dubhub/pkg/models"
)

// Directory maps (user, language) to a channel id. ok is false when the user
// has no active channel for the language; that is not an error.
type Directory interface {
	Resolve(ctx context.Context, userID uuid.UUID, languageCode string) (channelID string, ok bool, err error)
}

// Lookup is the slice of store.Store the directory reads from.
type Lookup interface {
	GetLanguageChannel(ctx context.Context, userID uuid.UUID, languageCode string) (*models.LanguageChannel, error)
}

// StoreDirectory reads channel mappings from the database, fronted by an
// optional cache. Paused channels resolve to none.
type StoreDirectory struct {
	lookup Lookup
	cache  cache.Cache
	ttl    time.Duration
}

// DefaultTTL bounds how stale a cached mapping may be.
const DefaultTTL = 5 * time.Minute

// NewStoreDirectory returns a directory. c may be nil to disable caching.
func NewStoreDirectory(lookup Lookup, c cache.Cache, ttl time.Duration) *StoreDirectory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &StoreDirectory{lookup: lookup, cache: c, ttl: ttl}
}

type cachedEntry struct {
	ChannelID string `json:"channel_id"`
	Found     bool   `json:"found"`
}

func (d *StoreDirectory) Resolve(ctx context.Context, userID uuid.UUID, languageCode string) (string, bool, error) {
	key := cache.LanguageChannelKey(userID, languageCode)
	if d.cache != nil {
		if data, hit, err := d.cache.Get(ctx, key); err != nil {
			slog.Warn("channel cache read failed", "key", key, "error", err)
		} else if hit {
			var entry cachedEntry
			if err := json.Unmarshal(data, &entry); err == nil {
				return entry.ChannelID, entry.Found, nil
			}
		}
	}

	entry := cachedEntry{}
	ch, err := d.lookup.GetLanguageChannel(ctx, userID, languageCode)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return "", false, fmt.Errorf("resolve channel for %s: %w", languageCode, err)
	case ch.IsPaused:
		slog.Info("skipping paused channel", "user_id", userID, "language", languageCode, "channel_id", ch.ChannelID)
	default:
		entry = cachedEntry{ChannelID: ch.ChannelID, Found: true}
	}

	if d.cache != nil {
		if data, err := json.Marshal(entry); err == nil {
			if err := d.cache.Set(ctx, key, data, d.ttl); err != nil {
				slog.Warn("channel cache write failed", "key", key, "error", err)
			}
		}
	}
	return entry.ChannelID, entry.Found, nil
}

// Compile-time check that StoreDirectory implements Directory.
var _ Directory = (*StoreDirectory)(nil)
