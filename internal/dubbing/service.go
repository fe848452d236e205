// Package dubbing runs localization jobs: it claims a job, drives each target
// language through dub and lip-sync, and gates publishing behind a decision.
//
// A job's languages run sequentially inside one goroutine. A failure in one
// language is recorded on that language's record and the loop moves on; only
// infrastructure failures end the job early.
package dubbing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/dubhub/internal/cache"
	"github.com/kiranshivaraju/dubhub/internal/language"
	"github.com/kiranshivaraju/dubhub/internal/pipeline"
	"github.com/kiranshivaraju/dubhub/internal/store"
	"github.com/kiranshivaraju/dubhub/pkg/models"
)

// Dispatcher hands a stored job to a worker.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID uuid.UUID) error
}

// EnqueueRequest describes a new localization job.
type EnqueueRequest struct {
	UserID            uuid.UUID
	SourceVideoID     string
	SourceChannelID   string
	SourceTitle       string
	SourceDescription string
	TargetLanguages   []string
	Simulate          bool
	AutoApprove       bool
}

// JobDetail is a job with its localized videos.
type JobDetail struct {
	Job    *models.ProcessingJob    `json:"job"`
	Videos []*models.LocalizedVideo `json:"videos"`
}

// Service is the entry point for enqueue, cancel, decide and job queries.
type Service struct {
	store      store.Store
	cache      cache.Cache
	dispatcher Dispatcher
	gate       *ApprovalGate
	notifier   *Notifier
	registry   *pipeline.Registry
}

// NewService wires a Service. c may be nil.
func NewService(s store.Store, c cache.Cache, d Dispatcher, gate *ApprovalGate, n *Notifier, registry *pipeline.Registry) *Service {
	return &Service{store: s, cache: c, dispatcher: d, gate: gate, notifier: n, registry: registry}
}

// Enqueue validates req, stores the job with one pending record per language,
// and dispatches it.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (*models.ProcessingJob, error) {
	sourceVideoID := strings.TrimSpace(req.SourceVideoID)
	if sourceVideoID == "" {
		return nil, &ValidationError{Field: "source_video_id", Message: "is required"}
	}
	sourceChannelID := strings.TrimSpace(req.SourceChannelID)
	if sourceChannelID == "" {
		return nil, &ValidationError{Field: "channel_id", Message: "is required"}
	}
	if len(req.TargetLanguages) == 0 {
		return nil, &ValidationError{Field: "target_languages", Message: "at least one language is required"}
	}
	langs, err := language.Normalize(req.TargetLanguages)
	if err != nil {
		return nil, &ValidationError{Field: "target_languages", Message: err.Error()}
	}

	now := time.Now().UTC()
	job := &models.ProcessingJob{
		ID:                uuid.New(),
		UserID:            req.UserID,
		SourceVideoID:     sourceVideoID,
		SourceChannelID:   sourceChannelID,
		SourceTitle:       strings.TrimSpace(req.SourceTitle),
		SourceDescription: strings.TrimSpace(req.SourceDescription),
		TargetLanguages:   langs,
		Status:            models.JobStatusPending,
		Progress:          0,
		CurrentStage:      models.StageQueued,
		IsSimulation:      req.Simulate || s.registry.ForcesSimulation(),
		AutoApprove:       req.AutoApprove,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	videos := make([]*models.LocalizedVideo, 0, len(langs))
	for _, lang := range langs {
		videos = append(videos, &models.LocalizedVideo{
			ID:            uuid.New(),
			JobID:         job.ID,
			SourceVideoID: sourceVideoID,
			LanguageCode:  lang,
			Status:        models.VideoStatusPending,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	}

	if err := s.store.CreateJob(ctx, job, videos); err != nil {
		return nil, fmt.Errorf("creating job: %w", err)
	}
	s.notifier.JobChanged(ctx, job)
	slog.Info("job enqueued", "job_id", job.ID, "user_id", job.UserID, "languages", langs, "simulation", job.IsSimulation)

	if err := s.dispatcher.Dispatch(ctx, job.ID); err != nil {
		msg := fmt.Sprintf("dispatch failed: %v", err)
		if _, ferr := s.store.FailJob(context.WithoutCancel(ctx), job.ID, msg); ferr != nil {
			slog.Error("failing undispatched job", "job_id", job.ID, "error", ferr)
		}
		return nil, fmt.Errorf("%w: %v", ErrDispatch, err)
	}
	return job, nil
}

// owned loads a job and hides other users' jobs.
func (s *Service) owned(ctx context.Context, userID, jobID uuid.UUID) (*models.ProcessingJob, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading job: %w", err)
	}
	if job.UserID != userID {
		return nil, ErrJobNotFound
	}
	return job, nil
}

// Cancel stops the job and every open record. Cancelling a finished job is a
// no-op; changed reports whether this call did the transition.
func (s *Service) Cancel(ctx context.Context, userID, jobID uuid.UUID) (job *models.ProcessingJob, changed bool, err error) {
	if _, err := s.owned(ctx, userID, jobID); err != nil {
		return nil, false, err
	}

	changed, err = s.store.CancelJob(ctx, jobID)
	if err != nil {
		return nil, false, fmt.Errorf("cancelling job: %w", err)
	}

	job, err = s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, false, fmt.Errorf("reloading job: %w", err)
	}
	if changed {
		s.notifier.JobChanged(ctx, job)
		if videos, err := s.store.ListLocalizedVideos(ctx, jobID); err == nil {
			for _, v := range videos {
				if v.Status == models.VideoStatusCancelled {
					s.notifier.VideoChanged(job.UserID, v)
				}
			}
		}
		discardOutputs(ctx, s.gate.videos, job)
		slog.Info("job cancelled", "job_id", jobID)
	}
	return job, changed, nil
}

// Decide applies an approval decision to videos of the caller's job.
func (s *Service) Decide(ctx context.Context, userID, jobID uuid.UUID, videoIDs []uuid.UUID, action Action) (*DecisionResult, error) {
	job, err := s.owned(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}
	return s.gate.Decide(ctx, job, videoIDs, action)
}

// GetJob returns the caller's job with its records in target language order.
func (s *Service) GetJob(ctx context.Context, userID, jobID uuid.UUID) (*JobDetail, error) {
	job, err := s.owned(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}
	videos, err := s.store.ListLocalizedVideos(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("listing localized videos: %w", err)
	}
	return &JobDetail{Job: job, Videos: videos}, nil
}

// ListJobs pages through the caller's jobs, newest first.
func (s *Service) ListJobs(ctx context.Context, filter store.JobFilter) ([]*models.ProcessingJob, int, error) {
	if filter.Status != "" && !isJobStatus(filter.Status) {
		return nil, 0, &ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", filter.Status)}
	}
	return s.store.ListJobs(ctx, filter)
}

// JobStatus serves the cached snapshot, falling back to the database.
func (s *Service) JobStatus(ctx context.Context, userID, jobID uuid.UUID) (cache.JobSnapshot, error) {
	if s.cache != nil {
		snap, ok, err := s.cache.GetJobSnapshot(ctx, jobID)
		if err != nil {
			slog.Warn("job snapshot read failed", "job_id", jobID, "error", err)
		} else if ok {
			if snap.UserID != userID {
				return cache.JobSnapshot{}, ErrJobNotFound
			}
			return snap, nil
		}
	}

	job, err := s.owned(ctx, userID, jobID)
	if err != nil {
		return cache.JobSnapshot{}, err
	}
	snap := SnapshotOf(job)
	if s.cache != nil {
		if err := s.cache.SetJobSnapshot(ctx, snap, SnapshotTTL); err != nil {
			slog.Warn("job snapshot write failed", "job_id", jobID, "error", err)
		}
	}
	return snap, nil
}

func isJobStatus(status string) bool {
	switch status {
	case models.JobStatusPending, models.JobStatusDownloading, models.JobStatusProcessing,
		models.JobStatusWaitingApproval, models.JobStatusUploading, models.JobStatusCompleted,
		models.JobStatusFailed, models.JobStatusCancelled:
		return true
	}
	return false
}
