// Package elevenlabs implements pipeline.Translator against the ElevenLabs dubbing API.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/kiranshivaraju/dubhub/internal/pipeline"
)

// Client talks to the dubbing endpoints. Audio downloads use the same client,
// so its timeout must cover a full audio transfer.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewClient creates a new dubbing API client.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *Client) Submit(ctx context.Context, sourceURL, targetLang string) (string, error) {
	body, err := json.Marshal(createDubbingRequest{
		Mode:        "automatic",
		SourceURL:   sourceURL,
		SourceLang:  "auto",
		TargetLang:  targetLang,
		NumSpeakers: 0,
		Watermark:   false,
	})
	if err != nil {
		return "", fmt.Errorf("encoding dubbing request: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, c.baseURL+"/dubbing", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", statusError(resp)
	}

	var out createDubbingResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding dubbing response: %w", err)
	}
	if out.DubbingID == "" {
		return "", fmt.Errorf("%w: empty dubbing_id", pipeline.ErrTaskFailed)
	}
	return out.DubbingID, nil
}

func (c *Client) PollStatus(ctx context.Context, taskID string) (pipeline.TaskStatus, error) {
	resp, err := c.do(ctx, http.MethodGet, c.baseURL+"/dubbing/"+url.PathEscape(taskID), nil)
	if err != nil {
		return pipeline.TaskStatus{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return pipeline.TaskStatus{}, statusError(resp)
	}

	var out dubbingStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return pipeline.TaskStatus{}, fmt.Errorf("decoding dubbing status: %w", err)
	}

	switch out.Status {
	case "dubbed":
		return pipeline.TaskStatus{State: pipeline.TaskDone}, nil
	case "failed":
		return pipeline.TaskStatus{State: pipeline.TaskFailed, Message: out.Error}, nil
	default:
		return pipeline.TaskStatus{State: pipeline.TaskPending}, nil
	}
}

func (c *Client) FetchAudio(ctx context.Context, taskID, targetLang string) (*pipeline.Media, error) {
	u := fmt.Sprintf("%s/dubbing/%s/audio/%s", c.baseURL, url.PathEscape(taskID), url.PathEscape(targetLang))
	resp, err := c.do(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "audio/mpeg"
	}
	return &pipeline.Media{
		Body:        resp.Body,
		Filename:    targetLang + ".mp3",
		ContentType: contentType,
	}, nil
}

func (c *Client) Discard(ctx context.Context, taskID string) error {
	resp, err := c.do(ctx, http.MethodDelete, c.baseURL+"/dubbing/"+url.PathEscape(taskID), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return statusError(resp)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, u string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("xi-api-key", c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, pipeline.ClassifyTransport(err)
	}
	return resp, nil
}

// statusError maps a non-success response to a sentinel error.
func statusError(resp *http.Response) error {
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	switch {
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: status %d: %s", pipeline.ErrProviderRejected, resp.StatusCode, bytes.TrimSpace(detail))
	default:
		return fmt.Errorf("%w: status %d: %s", pipeline.ErrProviderUnavailable, resp.StatusCode, bytes.TrimSpace(detail))
	}
}

// --- API types ---

type createDubbingRequest struct {
	Mode        string `json:"mode"`
	SourceURL   string `json:"source_url"`
	SourceLang  string `json:"source_lang"`
	TargetLang  string `json:"target_lang"`
	NumSpeakers int    `json:"num_speakers"`
	Watermark   bool   `json:"watermark"`
}

type createDubbingResponse struct {
	DubbingID string `json:"dubbing_id"`
}

type dubbingStatusResponse struct {
	DubbingID string `json:"dubbing_id"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// Compile-time check that Client implements pipeline.Translator.
var _ pipeline.Translator = (*Client)(nil)
