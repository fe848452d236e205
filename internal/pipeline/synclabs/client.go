// Package synclabs implements pipeline.LipSyncer against the Sync Labs generation API.
package synclabs

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

	"github.com/kiranshivaraju/dubhub/internal/pipeline"
)

// APIError carries the provider's error code alongside the mapped sentinel.
type APIError struct {
	Code    string
	Message string
	Status  int
	kind    error
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("sync labs %s (status %d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("sync labs status %d: %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error { return e.kind }

// Retryable reports whether the provider flagged the failure as transient.
func (e *APIError) Retryable() bool {
	return retryableCodes[e.Code]
}

var validationCodes = map[string]bool{
	"generation_unsupported_model":       true,
	"generation_media_metadata_missing":  true,
	"generation_audio_length_exceeded":   true,
	"generation_text_length_exceeded":    true,
	"generation_audio_missing":           true,
	"generation_video_missing":           true,
	"generation_input_validation_failed": true,
}

var retryableCodes = map[string]bool{
	"generation_timeout":                   true,
	"generation_database_error":            true,
	"generation_infra_storage_error":       true,
	"generation_infra_resource_exhausted":  true,
	"generation_infra_service_unavailable": true,
}

// Client talks to the generation endpoints.
type Client struct {
	baseURL  string
	apiKey   string
	model    string
	syncMode string
	client   *http.Client
}

// NewClient creates a new lip-sync API client.
func NewClient(baseURL, apiKey, model string, timeout time.Duration) *Client {
	return &Client{
		baseURL:  baseURL,
		apiKey:   apiKey,
		model:    model,
		syncMode: "loop",
		client:   &http.Client{Timeout: timeout},
	}
}

func (c *Client) Generate(ctx context.Context, videoURL, audioURL string) (pipeline.Generation, error) {
	body, err := json.Marshal(generateRequest{
		Model: c.model,
		Input: []generationInput{
			{Type: "video", URL: videoURL},
			{Type: "audio", URL: audioURL},
		},
		Options: generationOptions{SyncMode: c.syncMode},
	})
	if err != nil {
		return pipeline.Generation{}, fmt.Errorf("encoding generation request: %w", err)
	}

	var out generationResponse
	if err := c.call(ctx, http.MethodPost, c.baseURL+"/generate", body, &out); err != nil {
		return pipeline.Generation{}, err
	}
	return out.toGeneration(), nil
}

func (c *Client) Generation(ctx context.Context, id string) (pipeline.Generation, error) {
	var out generationResponse
	if err := c.call(ctx, http.MethodGet, c.baseURL+"/generate/"+url.PathEscape(id), nil, &out); err != nil {
		return pipeline.Generation{}, err
	}
	return out.toGeneration(), nil
}

func (c *Client) Download(ctx context.Context, gen pipeline.Generation) (*pipeline.Media, error) {
	if gen.OutputURL == "" {
		return nil, fmt.Errorf("%w: generation %s has no output", pipeline.ErrTaskFailed, gen.ID)
	}
	media, err := pipeline.FetchURL(ctx, c.client, gen.OutputURL)
	if err != nil {
		return nil, err
	}
	if media.ContentType == "" {
		media.ContentType = "video/mp4"
	}
	media.Filename = gen.ID + ".mp4"
	return media, nil
}

func (c *Client) call(ctx context.Context, method, u string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("x-api-key", c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return pipeline.ClassifyTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return parseError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding generation response: %w", err)
	}
	return nil
}

// parseError reads the provider error body and classifies it by code.
// Unknown codes fall back to the HTTP status.
func parseError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var body errorBody
	if json.Unmarshal(raw, &body) == nil {
		switch {
		case body.Error != nil:
			apiErr.Code, apiErr.Message = body.Error.Code, body.Error.Message
		case body.Code != "":
			apiErr.Code, apiErr.Message = body.Code, body.Message
		}
	}

	switch {
	case validationCodes[apiErr.Code]:
		apiErr.kind = pipeline.ErrProviderRejected
	case retryableCodes[apiErr.Code]:
		apiErr.kind = pipeline.ErrProviderUnavailable
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		apiErr.kind = pipeline.ErrProviderRejected
	default:
		apiErr.kind = pipeline.ErrProviderUnavailable
	}
	return apiErr
}

// IsRetryable reports whether err is a provider failure flagged as transient.
func IsRetryable(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Retryable()
}

// --- API types ---

type generateRequest struct {
	Model   string            `json:"model"`
	Input   []generationInput `json:"input"`
	Options generationOptions `json:"options"`
}

type generationInput struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

type generationOptions struct {
	SyncMode string `json:"sync_mode"`
}

type generationResponse struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	OutputURL string `json:"outputUrl"`
	Error     string `json:"error,omitempty"`
}

func (g generationResponse) toGeneration() pipeline.Generation {
	gen := pipeline.Generation{ID: g.ID, OutputURL: g.OutputURL, Message: g.Error}
	switch strings.ToUpper(g.Status) {
	case "COMPLETED", "DONE":
		gen.State = pipeline.TaskDone
	case "FAILED", "REJECTED", "CANCELED", "CANCELLED":
		gen.State = pipeline.TaskFailed
	default:
		gen.State = pipeline.TaskPending
	}
	return gen
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Compile-time check that Client implements pipeline.LipSyncer.
var _ pipeline.LipSyncer = (*Client)(nil)
