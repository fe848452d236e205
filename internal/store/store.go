package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/dubhub/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrStaleState is returned when a conditional update matched no row because
// the row already left the expected status. Callers treat it as a lost race.
var ErrStaleState = errors.New("stale state")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, userID uuid.UUID) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID, userID uuid.UUID) error

	// CreateJob inserts the job and its per-language records in one transaction.
	CreateJob(ctx context.Context, job *models.ProcessingJob, videos []*models.LocalizedVideo) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.ProcessingJob, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.ProcessingJob, int, error)
	ListJobsByStatus(ctx context.Context, statuses []string, updatedBefore time.Time) ([]*models.ProcessingJob, error)
	// JobAggregates rolls up a user's jobs created at or after since.
	JobAggregates(ctx context.Context, userID uuid.UUID, since time.Time) (*JobAggregates, error)
	// UpdateJobStatus moves the job along a valid edge. It returns ErrStaleState
	// when the job is no longer in a status the edge starts from.
	UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error
	// UpdateJobProgress raises progress while the job is downloading or processing.
	UpdateJobProgress(ctx context.Context, id uuid.UUID, progress int, stage string) error
	// CancelJob and FailJob terminate the job and every non-terminal record.
	// They report false when the job was already terminal.
	CancelJob(ctx context.Context, id uuid.UUID) (bool, error)
	FailJob(ctx context.Context, id uuid.UUID, message string) (bool, error)
	// CompleteJobIfResolved completes the job when every record is terminal.
	// It reports true only for the caller that performed the transition.
	CompleteJobIfResolved(ctx context.Context, id uuid.UUID) (bool, error)

	GetLocalizedVideo(ctx context.Context, id uuid.UUID) (*models.LocalizedVideo, error)
	ListLocalizedVideos(ctx context.Context, jobID uuid.UUID) ([]*models.LocalizedVideo, error)
	UpdateVideoStatus(ctx context.Context, id uuid.UUID, status string, opts ...VideoUpdateOption) error

	GetLanguageChannel(ctx context.Context, userID uuid.UUID, languageCode string) (*models.LanguageChannel, error)
}

type JobFilter struct {
	UserID uuid.UUID
	Status string
	Page   int
	Limit  int
}

// Normalize applies the default and maximum page size.
func (f JobFilter) Normalize() (limit, offset int) {
	limit = f.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	page := f.Page
	if page <= 0 {
		page = 1
	}
	return limit, (page - 1) * limit
}

// JobAggregates is the raw rollup behind a user's job statistics.
type JobAggregates struct {
	Total    int
	ByStatus map[string]int
	// Durations cover completed jobs, from creation to completion.
	Completed  int
	AvgSeconds float64
	MinSeconds float64
	MaxSeconds float64
	// Languages counts requests per target language.
	Languages map[string]int
	// Errors counts failed jobs by the text before the first colon of
	// their error message.
	Errors         map[string]int
	VideosByStatus map[string]int
}

// ErrorCategory is the grouping key JobAggregates.Errors uses for message.
func ErrorCategory(message string) string {
	category, _, _ := strings.Cut(message, ":")
	return strings.TrimSpace(category)
}

var jobTransitions = map[string][]string{
	models.JobStatusPending:         {models.JobStatusDownloading, models.JobStatusFailed, models.JobStatusCancelled},
	models.JobStatusDownloading:     {models.JobStatusProcessing, models.JobStatusFailed, models.JobStatusCancelled},
	models.JobStatusProcessing:      {models.JobStatusWaitingApproval, models.JobStatusFailed, models.JobStatusCancelled},
	models.JobStatusWaitingApproval: {models.JobStatusUploading, models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled},
	models.JobStatusUploading:       {models.JobStatusCompleted, models.JobStatusWaitingApproval, models.JobStatusFailed, models.JobStatusCancelled},
}

var videoTransitions = map[string][]string{
	models.VideoStatusPending:         {models.VideoStatusProcessing, models.VideoStatusFailed, models.VideoStatusCancelled},
	models.VideoStatusProcessing:      {models.VideoStatusProcessing, models.VideoStatusWaitingApproval, models.VideoStatusFailed, models.VideoStatusCancelled},
	models.VideoStatusWaitingApproval: {models.VideoStatusPublished, models.VideoStatusRejected, models.VideoStatusDraft, models.VideoStatusCancelled},
	models.VideoStatusDraft:           {models.VideoStatusPublished, models.VideoStatusRejected, models.VideoStatusCancelled},
}

// JobTransitionAllowed reports whether a job may move from one status to another.
func JobTransitionAllowed(from, to string) bool {
	return contains(jobTransitions[from], to)
}

// VideoTransitionAllowed reports whether a localized video may move from one status to another.
func VideoTransitionAllowed(from, to string) bool {
	return contains(videoTransitions[from], to)
}

// sourcesOf lists every status with an edge into to.
func sourcesOf(transitions map[string][]string, to string) []string {
	var from []string
	for s, targets := range transitions {
		if contains(targets, to) {
			from = append(from, s)
		}
	}
	return from
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// JobUpdate is the resolved form of a set of JobUpdateOptions.
type JobUpdate struct {
	ErrorMessage *string
	Progress     *int
	Stage        *string
}

type JobUpdateOption func(*JobUpdate)

func WithErrorMessage(msg string) JobUpdateOption {
	return func(p *JobUpdate) {
		p.ErrorMessage = &msg
	}
}

// WithProgress raises progress; a lower value than the stored one is ignored.
func WithProgress(progress int) JobUpdateOption {
	return func(p *JobUpdate) {
		p.Progress = &progress
	}
}

func WithStage(stage string) JobUpdateOption {
	return func(p *JobUpdate) {
		p.Stage = &stage
	}
}

// ApplyJobOptions resolves options into a JobUpdate. Nil fields leave the column unchanged.
func ApplyJobOptions(opts ...JobUpdateOption) JobUpdate {
	var u JobUpdate
	for _, opt := range opts {
		opt(&u)
	}
	return u
}

// VideoUpdate is the resolved form of a set of VideoUpdateOptions.
type VideoUpdate struct {
	StorageURL      *string
	DubbedAudioURL  *string
	ThumbnailURL    *string
	ChannelID       *string
	Title           *string
	Description     *string
	PlatformVideoID *string
	PublishedAt     *time.Time
	ErrorMessage    *string
	ClearMedia      bool
}

type VideoUpdateOption func(*VideoUpdate)

func WithStorageURL(url string) VideoUpdateOption {
	return func(p *VideoUpdate) { p.StorageURL = &url }
}

func WithDubbedAudioURL(url string) VideoUpdateOption {
	return func(p *VideoUpdate) { p.DubbedAudioURL = &url }
}

func WithThumbnailURL(url string) VideoUpdateOption {
	return func(p *VideoUpdate) { p.ThumbnailURL = &url }
}

func WithChannelID(channelID string) VideoUpdateOption {
	return func(p *VideoUpdate) { p.ChannelID = &channelID }
}

func WithLocalizedMetadata(title, description string) VideoUpdateOption {
	return func(p *VideoUpdate) {
		p.Title = &title
		p.Description = &description
	}
}

func WithPlatformVideoID(id string) VideoUpdateOption {
	return func(p *VideoUpdate) { p.PlatformVideoID = &id }
}

func WithPublishedAt(t time.Time) VideoUpdateOption {
	return func(p *VideoUpdate) { p.PublishedAt = &t }
}

func WithVideoError(msg string) VideoUpdateOption {
	return func(p *VideoUpdate) { p.ErrorMessage = &msg }
}

// WithClearedMedia nulls every media URL so a failed record keeps no dangling links.
func WithClearedMedia() VideoUpdateOption {
	return func(p *VideoUpdate) { p.ClearMedia = true }
}

// ApplyVideoOptions resolves options into a VideoUpdate.
func ApplyVideoOptions(opts ...VideoUpdateOption) VideoUpdate {
	var u VideoUpdate
	for _, opt := range opts {
		opt(&u)
	}
	return u
}
