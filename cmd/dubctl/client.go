package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var errNoAPIKey = errors.New("no API key: pass --api-key or set DUBHUB_API_KEY")

// apiError is the error envelope returned by the server.
type apiError struct {
	Status  int
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

type client struct {
	base   string
	apiKey string
	http   *http.Client
}

func newClient(opts *options) (*client, error) {
	if strings.TrimSpace(opts.apiKey) == "" {
		return nil, errNoAPIKey
	}
	base := strings.TrimRight(opts.server, "/")
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("invalid --server %q: %w", opts.server, err)
	}
	return &client{
		base:   base,
		apiKey: opts.apiKey,
		http:   &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (c *client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, r)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// do sends a request and decodes the data envelope into out. The raw data
// payload is returned for --json output.
func (c *client) do(ctx context.Context, method, path string, body, out any) (json.RawMessage, error) {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}

	var env struct {
		Data  json.RawMessage `json:"data"`
		Meta  json.RawMessage `json:"meta"`
		Error *apiError       `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("%s %s: decoding response (%d): %w", method, path, resp.StatusCode, err)
	}
	if resp.StatusCode >= 400 {
		if env.Error == nil {
			env.Error = &apiError{Code: "HTTP_ERROR", Message: http.StatusText(resp.StatusCode)}
		}
		env.Error.Status = resp.StatusCode
		return nil, env.Error
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return nil, fmt.Errorf("%s %s: decoding data: %w", method, path, err)
		}
	}
	return env.Data, nil
}
