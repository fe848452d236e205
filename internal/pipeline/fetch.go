package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"path"
)

// FetchURL downloads url with client and returns the response body as Media.
func FetchURL(ctx context.Context, client *http.Client, url string) (*Media, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, ClassifyTransport(err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: download status %d", ErrProviderUnavailable, resp.StatusCode)
	}
	return &Media{
		Body:        resp.Body,
		Filename:    path.Base(req.URL.Path),
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}
