// Package ytdlp fetches source videos with the yt-dlp command line tool.
package ytdlp

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/kiranshivaraju/dubhub/internal/pipeline"
)

// Fetcher downloads a source video into a scratch directory and streams it
// back. The scratch directory is removed when the returned body is closed.
type Fetcher struct {
	binary      string
	urlTemplate string
}

// NewFetcher returns a Fetcher. urlTemplate holds one %s for the video id.
func NewFetcher(binary, urlTemplate string) *Fetcher {
	return &Fetcher{binary: binary, urlTemplate: urlTemplate}
}

// SourceURL expands the template for a video id.
func (f *Fetcher) SourceURL(sourceVideoID string) string {
	return fmt.Sprintf(f.urlTemplate, sourceVideoID)
}

func (f *Fetcher) Fetch(ctx context.Context, sourceVideoID string) (*pipeline.Media, error) {
	if strings.TrimSpace(sourceVideoID) == "" {
		return nil, fmt.Errorf("%w: empty source video id", pipeline.ErrSourceUnavailable)
	}

	dir, err := os.MkdirTemp("", "dubhub-source-*")
	if err != nil {
		return nil, fmt.Errorf("creating scratch dir: %w", err)
	}
	output := filepath.Join(dir, "source.mp4")

	args := []string{
		"--no-playlist",
		"--no-progress",
		"-f", "mp4/bestvideo[ext=mp4]+bestaudio[ext=m4a]/best",
		"--merge-output-format", "mp4",
		"-o", output,
		f.SourceURL(sourceVideoID),
	}
	cmd := exec.CommandContext(ctx, f.binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	// A start failure means the tool itself is missing or not executable,
	// whether lookup failed or the path given does not exist.
	if err := cmd.Start(); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("yt-dlp not runnable: %w", err)
	}
	if err := cmd.Wait(); err != nil {
		os.RemoveAll(dir)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: yt-dlp failed: %v: %s", pipeline.ErrSourceUnavailable, err, lastLine(stderr.String()))
	}

	file, err := os.Open(output)
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("%w: yt-dlp produced no output: %v", pipeline.ErrSourceUnavailable, err)
	}

	return &pipeline.Media{
		Body:        &scratchFile{File: file, dir: dir},
		Filename:    "source.mp4",
		ContentType: "video/mp4",
	}, nil
}

type scratchFile struct {
	*os.File
	dir string
}

func (s *scratchFile) Close() error {
	err := s.File.Close()
	os.RemoveAll(s.dir)
	return err
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// Compile-time check that Fetcher implements pipeline.SourceFetcher.
var _ pipeline.SourceFetcher = (*Fetcher)(nil)
