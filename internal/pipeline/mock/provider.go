// Package mock provides scriptable pipeline capabilities for tests.
package mock

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/kiranshivaraju/dubhub/internal/pipeline"
)

// Translator satisfies pipeline.Translator with overridable behaviour.
type Translator struct {
	SubmitFunc     func(ctx context.Context, sourceURL, targetLang string) (string, error)
	PollStatusFunc func(ctx context.Context, taskID string) (pipeline.TaskStatus, error)
	FetchAudioFunc func(ctx context.Context, taskID, targetLang string) (*pipeline.Media, error)

	mu        sync.Mutex
	Discarded []string
}

func (m *Translator) Submit(ctx context.Context, sourceURL, targetLang string) (string, error) {
	if m.SubmitFunc != nil {
		return m.SubmitFunc(ctx, sourceURL, targetLang)
	}
	return "dub-" + targetLang, nil
}

func (m *Translator) PollStatus(ctx context.Context, taskID string) (pipeline.TaskStatus, error) {
	if m.PollStatusFunc != nil {
		return m.PollStatusFunc(ctx, taskID)
	}
	return pipeline.TaskStatus{State: pipeline.TaskDone}, nil
}

func (m *Translator) FetchAudio(ctx context.Context, taskID, targetLang string) (*pipeline.Media, error) {
	if m.FetchAudioFunc != nil {
		return m.FetchAudioFunc(ctx, taskID, targetLang)
	}
	return Media("audio-"+targetLang, targetLang+".mp3", "audio/mpeg"), nil
}

func (m *Translator) Discard(_ context.Context, taskID string) error {
	m.mu.Lock()
	m.Discarded = append(m.Discarded, taskID)
	m.mu.Unlock()
	return nil
}

// LipSyncer satisfies pipeline.LipSyncer with overridable behaviour.
type LipSyncer struct {
	GenerateFunc   func(ctx context.Context, videoURL, audioURL string) (pipeline.Generation, error)
	GenerationFunc func(ctx context.Context, id string) (pipeline.Generation, error)
	DownloadFunc   func(ctx context.Context, gen pipeline.Generation) (*pipeline.Media, error)
}

func (m *LipSyncer) Generate(ctx context.Context, videoURL, audioURL string) (pipeline.Generation, error) {
	if m.GenerateFunc != nil {
		return m.GenerateFunc(ctx, videoURL, audioURL)
	}
	return pipeline.Generation{ID: "gen", State: pipeline.TaskPending}, nil
}

func (m *LipSyncer) Generation(ctx context.Context, id string) (pipeline.Generation, error) {
	if m.GenerationFunc != nil {
		return m.GenerationFunc(ctx, id)
	}
	return pipeline.Generation{ID: id, State: pipeline.TaskDone, OutputURL: "mock://" + id}, nil
}

func (m *LipSyncer) Download(ctx context.Context, gen pipeline.Generation) (*pipeline.Media, error) {
	if m.DownloadFunc != nil {
		return m.DownloadFunc(ctx, gen)
	}
	return Media("video-"+gen.ID, gen.ID+".mp4", "video/mp4"), nil
}

// Source satisfies pipeline.SourceFetcher.
type Source struct {
	FetchFunc func(ctx context.Context, sourceVideoID string) (*pipeline.Media, error)
}

func (m *Source) Fetch(ctx context.Context, sourceVideoID string) (*pipeline.Media, error) {
	if m.FetchFunc != nil {
		return m.FetchFunc(ctx, sourceVideoID)
	}
	return Media("source-"+sourceVideoID, "source.mp4", "video/mp4"), nil
}

// Publisher satisfies pipeline.Publisher and records every request.
type Publisher struct {
	PublishFunc func(ctx context.Context, req pipeline.PublishRequest) (string, error)

	mu       sync.Mutex
	Requests []pipeline.PublishRequest
}

func (m *Publisher) Publish(ctx context.Context, req pipeline.PublishRequest) (string, error) {
	m.mu.Lock()
	m.Requests = append(m.Requests, req)
	m.mu.Unlock()
	if m.PublishFunc != nil {
		return m.PublishFunc(ctx, req)
	}
	return "platform-" + req.LanguageCode, nil
}

// Calls returns a copy of the recorded publish requests.
func (m *Publisher) Calls() []pipeline.PublishRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]pipeline.PublishRequest(nil), m.Requests...)
}

// Media returns an in-memory Media.
func Media(body, filename, contentType string) *pipeline.Media {
	return &pipeline.Media{
		Body:        io.NopCloser(strings.NewReader(body)),
		Filename:    filename,
		ContentType: contentType,
	}
}

// NewProvider returns a Provider whose capabilities all succeed immediately.
func NewProvider() *pipeline.Provider {
	poll := pipeline.PollPolicy{Interval: time.Millisecond, Timeout: time.Second}
	return &pipeline.Provider{
		Name:        "mock",
		Source:      &Source{},
		Translator:  &Translator{},
		LipSyncer:   &LipSyncer{},
		Publisher:   &Publisher{},
		DubPoll:     poll,
		LipSyncPoll: poll,
	}
}

var (
	_ pipeline.SourceFetcher = (*Source)(nil)
	_ pipeline.Translator    = (*Translator)(nil)
	_ pipeline.LipSyncer     = (*LipSyncer)(nil)
	_ pipeline.Publisher     = (*Publisher)(nil)
)
