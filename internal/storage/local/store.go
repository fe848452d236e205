// Package local stores media on the local filesystem and serves it over HTTP.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/kiranshivaraju/dubhub/internal/storage"
)

// Store writes objects under a root directory. URLs point at baseURL, which
// must route to Handler.
type Store struct {
	root    string
	baseURL string
}

// New creates the root directory if needed. baseURL is the public prefix the
// media handler is mounted at, e.g. http://localhost:8080/media.
func New(root, baseURL string) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving storage root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating storage root: %v", storage.ErrUnavailable, err)
	}
	return &Store{root: abs, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Root returns the absolute storage directory.
func (s *Store) Root() string { return s.root }

func (s *Store) path(key string) (string, error) {
	if err := storage.ValidateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(path.Clean(key))), nil
}

// Put writes to a temp file in the target directory and renames it into place,
// so readers never observe a partial object.
func (s *Store) Put(ctx context.Context, key string, r io.Reader, contentType string) (string, error) {
	dst, err := s.path(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: r}); err != nil {
		tmp.Close()
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("writing %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	return s.url(key), nil
}

// PublicURL returns the handler URL; local objects need no signing.
func (s *Store) PublicURL(_ context.Context, key string) (string, error) {
	p, err := s.path(key)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(p); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("object %s not found", key)
		}
		return "", fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	return s.url(key), nil
}

func (s *Store) DeletePrefix(_ context.Context, prefix string) error {
	p, err := s.path(prefix)
	if err != nil {
		return err
	}
	if p == s.root {
		return fmt.Errorf("%w: refusing to delete storage root", storage.ErrInvalidKey)
	}
	if err := os.RemoveAll(p); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	return nil
}

func (s *Store) url(key string) string {
	return s.baseURL + "/" + path.Clean(key)
}

// Handler serves stored objects. Mount it with the prefix stripped.
func (s *Store) Handler() http.Handler {
	return http.FileServer(noListing{http.Dir(s.root)})
}

// noListing hides directory indexes.
type noListing struct {
	fs http.FileSystem
}

func (n noListing) Open(name string) (http.File, error) {
	f, err := n.fs.Open(name)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.IsDir() {
		f.Close()
		return nil, os.ErrNotExist
	}
	return f, nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// Compile-time check that Store implements storage.VideoStore.
var _ storage.VideoStore = (*Store)(nil)
