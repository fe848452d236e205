// Package pipeline defines the external capabilities a localization run
// depends on and bundles them into providers.
//
// A job picks its Provider once, at the start of its run, so stage code never
// branches on whether the job is simulated.
package pipeline

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/dubhub/pkg/models"
)

// TaskState is the coarse state of an asynchronous provider task.
type TaskState string

const (
	TaskPending TaskState = "pending"
	TaskDone    TaskState = "done"
	TaskFailed  TaskState = "failed"
)

// TaskStatus is one observation of a provider task.
type TaskStatus struct {
	State   TaskState
	Message string
}

// Media is a downloadable artifact. The caller closes Body.
type Media struct {
	Body        io.ReadCloser
	Filename    string
	ContentType string
}

// SourceFetcher downloads the original video.
type SourceFetcher interface {
	Fetch(ctx context.Context, sourceVideoID string) (*Media, error)
}

// Translator produces dubbed audio for one target language.
type Translator interface {
	Submit(ctx context.Context, sourceURL, targetLang string) (string, error)
	PollStatus(ctx context.Context, taskID string) (TaskStatus, error)
	FetchAudio(ctx context.Context, taskID, targetLang string) (*Media, error)
	// Discard removes the provider-side task. Failures are not fatal.
	Discard(ctx context.Context, taskID string) error
}

// Generation is a lip-sync job on the provider side.
type Generation struct {
	ID        string
	State     TaskState
	OutputURL string
	Message   string
}

// LipSyncer aligns a video's mouth movement with new audio.
type LipSyncer interface {
	Generate(ctx context.Context, videoURL, audioURL string) (Generation, error)
	Generation(ctx context.Context, id string) (Generation, error)
	Download(ctx context.Context, gen Generation) (*Media, error)
}

const (
	VisibilityPublic  = "public"
	VisibilityPrivate = "private"
)

// PublishRequest describes one localized video to upload to its channel.
// PlatformVideoID is set when promoting an earlier private upload.
type PublishRequest struct {
	JobID           uuid.UUID
	VideoID         uuid.UUID
	UserID          uuid.UUID
	LanguageCode    string
	ChannelID       string
	Title           string
	Description     string
	MediaURL        string
	Visibility      string
	PlatformVideoID string
}

// Publisher uploads a localized video and returns its platform id.
type Publisher interface {
	Publish(ctx context.Context, req PublishRequest) (string, error)
}

// PollPolicy bounds a poll-until-done loop.
type PollPolicy struct {
	Interval time.Duration
	Timeout  time.Duration
}

// Provider bundles every capability a run needs.
type Provider struct {
	Name        string
	Source      SourceFetcher
	Translator  Translator
	LipSyncer   LipSyncer
	Publisher   Publisher
	DubPoll     PollPolicy
	LipSyncPoll PollPolicy
}

// Registry selects the provider for a job.
type Registry struct {
	live      *Provider
	simulated *Provider
}

// NewRegistry returns a Registry. A nil live provider routes every job to
// the simulated one.
func NewRegistry(live, simulated *Provider) *Registry {
	return &Registry{live: live, simulated: simulated}
}

// For returns the provider that runs job.
func (r *Registry) For(job *models.ProcessingJob) *Provider {
	if job.IsSimulation || r.live == nil {
		return r.simulated
	}
	return r.live
}

// ForcesSimulation reports whether every job runs simulated.
func (r *Registry) ForcesSimulation() bool {
	return r.live == nil
}
