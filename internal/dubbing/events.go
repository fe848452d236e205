package dubbing

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/dubhub/internal/cache"
	"github.com/kiranshivaraju/dubhub/internal/notify"
	"github.com/kiranshivaraju/dubhub/pkg/models"
)

// SnapshotTTL is how long a cached job status is served without a write.
const SnapshotTTL = 24 * time.Hour

// Notifier publishes persisted changes to live subscribers and refreshes the
// cached job snapshot. It is called after every successful write.
type Notifier struct {
	bus   notify.Publisher
	cache cache.Cache
}

// NewNotifier returns a Notifier. c may be nil.
func NewNotifier(bus notify.Publisher, c cache.Cache) *Notifier {
	return &Notifier{bus: bus, cache: c}
}

// JobChanged announces the job's current status and progress.
func (n *Notifier) JobChanged(ctx context.Context, job *models.ProcessingJob) {
	id := job.ID
	progress := job.Progress
	data := map[string]any{"stage": job.CurrentStage}
	if job.ErrorMessage != nil {
		data["error"] = *job.ErrorMessage
	}
	n.bus.Publish(job.UserID, models.Event{
		Type:     models.EventJobUpdate,
		JobID:    &id,
		Status:   job.Status,
		Progress: &progress,
		Data:     data,
	})

	if n.cache == nil {
		return
	}
	snap := SnapshotOf(job)
	if err := n.cache.SetJobSnapshot(ctx, snap, SnapshotTTL); err != nil {
		slog.Warn("job snapshot write failed", "job_id", job.ID, "error", err)
	}
}

// VideoChanged announces a localized video's current state.
func (n *Notifier) VideoChanged(userID uuid.UUID, v *models.LocalizedVideo) {
	jobID := v.JobID
	data := map[string]any{
		"video_id": v.ID,
		"language": v.LanguageCode,
	}
	optional := map[string]*string{
		"storage_url":       v.StorageURL,
		"dubbed_audio_url":  v.DubbedAudioURL,
		"channel_id":        v.ChannelID,
		"platform_video_id": v.PlatformVideoID,
		"error":             v.ErrorMessage,
	}
	for k, p := range optional {
		if p != nil {
			data[k] = *p
		}
	}
	n.bus.Publish(userID, models.Event{
		Type:   models.EventVideoUpdate,
		JobID:  &jobID,
		Status: v.Status,
		Data:   data,
	})
}

// SnapshotOf builds the cached view of job.
func SnapshotOf(job *models.ProcessingJob) cache.JobSnapshot {
	return cache.JobSnapshot{
		JobID:     job.ID,
		UserID:    job.UserID,
		Status:    job.Status,
		Progress:  job.Progress,
		Stage:     job.CurrentStage,
		UpdatedAt: job.UpdatedAt,
	}
}
