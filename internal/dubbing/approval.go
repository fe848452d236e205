package dubbing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/dubhub/internal/pipeline"
	"github.com/kiranshivaraju/dubhub/internal/storage"
	"github.com/kiranshivaraju/dubhub/internal/store"
	"github.com/kiranshivaraju/dubhub/pkg/models"
)

// Action is an approval decision.
type Action string

const (
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
	// ActionDraft uploads privately; a later approve makes the upload public.
	ActionDraft Action = "draft"
)

// ParseAction validates a decision name.
func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionApprove, ActionReject, ActionDraft:
		return a, nil
	}
	return "", &ValidationError{Field: "action", Message: fmt.Sprintf("must be one of approve, reject, draft; got %q", s)}
}

// DecisionFailure reports a record whose upload failed. The record keeps its
// status so the decision can be retried.
type DecisionFailure struct {
	VideoID uuid.UUID `json:"video_id"`
	Error   string    `json:"error"`
}

// DecisionResult summarizes what a Decide call changed.
type DecisionResult struct {
	Applied   []uuid.UUID       `json:"applied"`
	Skipped   []uuid.UUID       `json:"skipped"`
	Failed    []DecisionFailure `json:"failed"`
	JobStatus string            `json:"job_status"`
	Completed bool              `json:"completed"`
}

// ApprovalGate resolves records awaiting a decision and completes the job
// once every record is terminal.
type ApprovalGate struct {
	store    store.Store
	videos   storage.VideoStore
	registry *pipeline.Registry
	notifier *Notifier
	now      func() time.Time
}

func NewApprovalGate(s store.Store, videos storage.VideoStore, registry *pipeline.Registry, n *Notifier) *ApprovalGate {
	return &ApprovalGate{
		store:    s,
		videos:   videos,
		registry: registry,
		notifier: n,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Decide applies action to videoIDs of job. Ownership is checked by the
// caller. Records that already left a decidable state are skipped.
func (g *ApprovalGate) Decide(ctx context.Context, job *models.ProcessingJob, videoIDs []uuid.UUID, action Action) (*DecisionResult, error) {
	if len(videoIDs) == 0 {
		return nil, &ValidationError{Field: "video_ids", Message: "at least one video id is required"}
	}

	videos, err := g.store.ListLocalizedVideos(ctx, job.ID)
	if err != nil {
		return nil, fmt.Errorf("listing localized videos: %w", err)
	}
	byID := make(map[uuid.UUID]*models.LocalizedVideo, len(videos))
	for _, v := range videos {
		byID[v.ID] = v
	}

	targets := make([]*models.LocalizedVideo, 0, len(videoIDs))
	seen := make(map[uuid.UUID]bool, len(videoIDs))
	for _, id := range videoIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		v, ok := byID[id]
		if !ok {
			return nil, &ValidationError{Field: "video_ids", Message: fmt.Sprintf("video %s does not belong to job %s", id, job.ID)}
		}
		targets = append(targets, v)
	}

	result := &DecisionResult{JobStatus: job.Status}
	switch job.Status {
	case models.JobStatusWaitingApproval, models.JobStatusUploading:
	case models.JobStatusCompleted:
		for _, v := range targets {
			result.Skipped = append(result.Skipped, v.ID)
		}
		return result, nil
	default:
		return nil, fmt.Errorf("%w: job is %s", ErrNotAwaitingApproval, job.Status)
	}

	logger := slog.With("job_id", job.ID, "action", action)

	if action != ActionReject {
		if err := g.beginUpload(ctx, job); err != nil {
			return nil, err
		}
	}

	prov := g.registry.For(job)
	for _, v := range targets {
		applied, err := g.apply(ctx, prov, job, v, action)
		switch {
		case err != nil && errors.Is(err, store.ErrStaleState):
			result.Skipped = append(result.Skipped, v.ID)
		case err != nil:
			logger.Warn("decision failed", "video_id", v.ID, "language", v.LanguageCode, "error", err)
			result.Failed = append(result.Failed, DecisionFailure{VideoID: v.ID, Error: err.Error()})
		case applied:
			result.Applied = append(result.Applied, v.ID)
		default:
			result.Skipped = append(result.Skipped, v.ID)
		}
	}

	completed, err := g.store.CompleteJobIfResolved(ctx, job.ID)
	if err != nil {
		return nil, fmt.Errorf("resolving job: %w", err)
	}
	current, err := g.store.GetJob(ctx, job.ID)
	if err != nil {
		return nil, fmt.Errorf("reloading job: %w", err)
	}
	// A concurrent Decide may have published an older view after this call's
	// writes; the reloaded row goes out last.
	g.notifier.JobChanged(ctx, current)
	*job = *current

	result.JobStatus = job.Status
	result.Completed = completed
	if completed {
		logger.Info("job completed")
	}
	return result, nil
}

// beginUpload moves the job to uploading. A concurrent Decide may already
// have done so, or may have moved it back to waiting_approval in between.
func (g *ApprovalGate) beginUpload(ctx context.Context, job *models.ProcessingJob) error {
	for attempt := 0; ; attempt++ {
		if job.Status == models.JobStatusUploading {
			return nil
		}
		err := g.store.UpdateJobStatus(ctx, job.ID, models.JobStatusUploading, store.WithStage(models.StagePublishing))
		if err == nil {
			job.Status = models.JobStatusUploading
			job.CurrentStage = models.StagePublishing
			job.UpdatedAt = g.now()
			g.notifier.JobChanged(ctx, job)
			return nil
		}
		if !errors.Is(err, store.ErrStaleState) {
			return fmt.Errorf("moving job to uploading: %w", err)
		}

		current, err := g.store.GetJob(ctx, job.ID)
		if err != nil {
			return fmt.Errorf("reloading job: %w", err)
		}
		*job = *current
		if job.Status != models.JobStatusUploading && (job.Status != models.JobStatusWaitingApproval || attempt >= 3) {
			return fmt.Errorf("%w: job is %s", ErrNotAwaitingApproval, job.Status)
		}
	}
}

// apply performs one record's decision. It reports false when the record is
// not in a state the action accepts.
func (g *ApprovalGate) apply(ctx context.Context, prov *pipeline.Provider, job *models.ProcessingJob, v *models.LocalizedVideo, action Action) (bool, error) {
	switch action {
	case ActionReject:
		if v.Status != models.VideoStatusWaitingApproval && v.Status != models.VideoStatusDraft {
			return false, nil
		}
		return true, g.update(ctx, job, v, models.VideoStatusRejected)

	case ActionDraft:
		if v.Status != models.VideoStatusWaitingApproval {
			return false, nil
		}
		platformID, err := g.publish(ctx, prov, job, v, pipeline.VisibilityPrivate)
		if err != nil {
			return false, err
		}
		return true, g.update(ctx, job, v, models.VideoStatusDraft, store.WithPlatformVideoID(platformID))

	default:
		if v.Status != models.VideoStatusWaitingApproval && v.Status != models.VideoStatusDraft {
			return false, nil
		}
		platformID, err := g.publish(ctx, prov, job, v, pipeline.VisibilityPublic)
		if err != nil {
			return false, err
		}
		return true, g.update(ctx, job, v, models.VideoStatusPublished,
			store.WithPlatformVideoID(platformID), store.WithPublishedAt(g.now()))
	}
}

func (g *ApprovalGate) publish(ctx context.Context, prov *pipeline.Provider, job *models.ProcessingJob, v *models.LocalizedVideo, visibility string) (string, error) {
	mediaURL, err := g.videos.PublicURL(ctx, storage.VideoKey(job.UserID, job.ID, v.LanguageCode, videoFile))
	if err != nil {
		return "", fmt.Errorf("resolving media url: %w", err)
	}
	req := pipeline.PublishRequest{
		JobID:        job.ID,
		VideoID:      v.ID,
		UserID:       job.UserID,
		LanguageCode: v.LanguageCode,
		ChannelID:    deref(v.ChannelID),
		Title:        v.Title,
		Description:  v.Description,
		MediaURL:     mediaURL,
		Visibility:   visibility,
	}
	if v.PlatformVideoID != nil {
		req.PlatformVideoID = *v.PlatformVideoID
	}
	platformID, err := prov.Publisher.Publish(ctx, req)
	if err != nil {
		return "", &LanguageStageError{Language: v.LanguageCode, Stage: models.StagePublishing, Err: err}
	}
	return platformID, nil
}

func (g *ApprovalGate) update(ctx context.Context, job *models.ProcessingJob, v *models.LocalizedVideo, status string, opts ...store.VideoUpdateOption) error {
	if err := g.store.UpdateVideoStatus(ctx, v.ID, status, opts...); err != nil {
		return err
	}
	applyVideoUpdate(v, status, store.ApplyVideoOptions(opts...))
	g.notifier.VideoChanged(job.UserID, v)
	return nil
}
