// Package upload implements pipeline.Publisher against an HTTP upload service
// that owns the platform credentials for each connected channel.
package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kiranshivaraju/dubhub/internal/pipeline"
)

// Publisher posts publish requests to the upload service.
type Publisher struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewPublisher creates a Publisher. An empty token sends no Authorization header.
func NewPublisher(baseURL, token string, timeout time.Duration) *Publisher {
	return &Publisher{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

func (p *Publisher) Publish(ctx context.Context, req pipeline.PublishRequest) (string, error) {
	body, err := json.Marshal(publishRequest{
		JobID:           req.JobID.String(),
		VideoID:         req.VideoID.String(),
		UserID:          req.UserID.String(),
		LanguageCode:    req.LanguageCode,
		ChannelID:       req.ChannelID,
		Title:           req.Title,
		Description:     req.Description,
		MediaURL:        req.MediaURL,
		Visibility:      req.Visibility,
		PlatformVideoID: req.PlatformVideoID,
	})
	if err != nil {
		return "", fmt.Errorf("encoding publish request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/uploads", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", pipeline.ClassifyTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return "", fmt.Errorf("%w: upload status %d: %s", pipeline.ErrProviderRejected, resp.StatusCode, bytes.TrimSpace(detail))
		}
		return "", fmt.Errorf("%w: upload status %d: %s", pipeline.ErrProviderUnavailable, resp.StatusCode, bytes.TrimSpace(detail))
	}

	var out publishResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding publish response: %w", err)
	}
	if out.PlatformVideoID == "" {
		return "", fmt.Errorf("%w: upload returned no platform_video_id", pipeline.ErrTaskFailed)
	}
	return out.PlatformVideoID, nil
}

type publishRequest struct {
	JobID           string `json:"job_id"`
	VideoID         string `json:"video_id"`
	UserID          string `json:"user_id"`
	LanguageCode    string `json:"language_code"`
	ChannelID       string `json:"channel_id,omitempty"`
	Title           string `json:"title"`
	Description     string `json:"description"`
	MediaURL        string `json:"media_url"`
	Visibility      string `json:"visibility"`
	PlatformVideoID string `json:"platform_video_id,omitempty"`
}

type publishResponse struct {
	PlatformVideoID string `json:"platform_video_id"`
}

// Compile-time check that Publisher implements pipeline.Publisher.
var _ pipeline.Publisher = (*Publisher)(nil)
