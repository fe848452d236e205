// Package storage defines the VideoStore capability and its object key layout.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/google/uuid"
)

// ErrUnavailable wraps failures of the storage backend itself. The
// orchestrator treats it as an infrastructure failure and aborts the job.
var ErrUnavailable = errors.New("storage unavailable")

// ErrInvalidKey is returned for keys that escape the store's root.
var ErrInvalidKey = errors.New("invalid storage key")

// VideoStore persists media objects.
type VideoStore interface {
	// Put stores r under key and returns the object's canonical URL.
	Put(ctx context.Context, key string, r io.Reader, contentType string) (string, error)
	// PublicURL returns a URL a third party can fetch without credentials.
	PublicURL(ctx context.Context, key string) (string, error)
	// DeletePrefix removes every object under prefix. Missing objects are not an error.
	DeletePrefix(ctx context.Context, prefix string) error
}

// TempPrefix is the scratch area for one job's working files.
func TempPrefix(userID, jobID uuid.UUID) string {
	return fmt.Sprintf("temp/%s/%s/", userID, jobID)
}

// TempKey names a scratch object of a job.
func TempKey(userID, jobID uuid.UUID, filename string) string {
	return TempPrefix(userID, jobID) + path.Base(filename)
}

// JobPrefix holds the durable outputs of every language of a job.
func JobPrefix(userID, jobID uuid.UUID) string {
	return fmt.Sprintf("videos/%s/%s/", userID, jobID)
}

// LanguagePrefix holds the durable outputs for one language of a job.
func LanguagePrefix(userID, jobID uuid.UUID, lang string) string {
	return JobPrefix(userID, jobID) + lang + "/"
}

// VideoKey names a durable object for one language of a job.
func VideoKey(userID, jobID uuid.UUID, lang, filename string) string {
	return LanguagePrefix(userID, jobID, lang) + path.Base(filename)
}

// ValidateKey rejects empty, absolute and parent-relative keys.
func ValidateKey(key string) error {
	if key == "" || path.IsAbs(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	clean := path.Clean(key)
	if clean == ".." || len(clean) >= 3 && clean[:3] == "../" {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}
