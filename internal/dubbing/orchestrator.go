package dubbing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/dubhub/internal/pipeline"
	"github.com/kiranshivaraju/dubhub/internal/progress"
	"github.com/kiranshivaraju/dubhub/internal/storage"
	"github.com/kiranshivaraju/dubhub/internal/store"
	"github.com/kiranshivaraju/dubhub/pkg/models"
)

// cleanupTimeout bounds work done after the run's context is gone.
const cleanupTimeout = 30 * time.Second

// Orchestrator owns a job's lifecycle from claim to waiting_approval or failed.
type Orchestrator struct {
	store    store.Store
	videos   storage.VideoStore
	registry *pipeline.Registry
	worker   *Worker
	gate     *ApprovalGate
	notifier *Notifier
	policy   progress.Policy
}

// NewOrchestrator wires an orchestrator. gate may be nil when auto-approve is
// not needed.
func NewOrchestrator(s store.Store, videos storage.VideoStore, registry *pipeline.Registry, worker *Worker, gate *ApprovalGate, n *Notifier) *Orchestrator {
	return &Orchestrator{
		store:    s,
		videos:   videos,
		registry: registry,
		worker:   worker,
		gate:     gate,
		notifier: n,
		policy:   progress.Default,
	}
}

// WithPolicy replaces the progress banding.
func (o *Orchestrator) WithPolicy(p progress.Policy) *Orchestrator {
	o.policy = p
	return o
}

// Run executes the job. A job that is not pending, or that another run
// claims first, is left untouched. Run returns an error only for failures
// the caller should log; the job's persisted state is always final or
// recoverable.
func (o *Orchestrator) Run(ctx context.Context, jobID uuid.UUID) (err error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("loading job %s: %w", jobID, err)
	}
	logger := slog.With("job_id", job.ID)
	if job.Status != models.JobStatusPending {
		logger.Debug("job already claimed", "status", job.Status)
		return nil
	}

	err = o.store.UpdateJobStatus(ctx, job.ID, models.JobStatusDownloading,
		store.WithProgress(o.policy.Progress(progress.Downloading, 0, 0)),
		store.WithStage(models.StageDownloading))
	if errors.Is(err, store.ErrStaleState) {
		logger.Debug("lost claim race")
		return nil
	}
	if err != nil {
		return fmt.Errorf("claiming job %s: %w", jobID, err)
	}
	o.applied(ctx, job, models.JobStatusDownloading, o.policy.Progress(progress.Downloading, 0, 0), models.StageDownloading)
	logger.Info("job claimed", "languages", job.TargetLanguages, "simulation", job.IsSimulation)

	defer o.cleanup(ctx, job, logger)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("job run panicked", "panic", r)
			o.fail(ctx, job, fmt.Sprintf("internal error: %v", r))
			err = fmt.Errorf("job %s panicked: %v", jobID, r)
		}
	}()

	err = o.run(ctx, job, logger)
	if err != nil && ctx.Err() != nil {
		o.fail(ctx, job, "interrupted by shutdown")
		return nil
	}
	return err
}

func (o *Orchestrator) run(ctx context.Context, job *models.ProcessingJob, logger *slog.Logger) error {
	prov := o.registry.For(job)

	sourceURL, err := o.prepareSource(ctx, job, prov)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Error("source preparation failed", "error", err)
		o.fail(ctx, job, err.Error())
		return nil
	}

	loopStart := o.policy.Progress(progress.LanguageStarted, 0, len(job.TargetLanguages))
	if err := o.transition(ctx, job, models.JobStatusProcessing, loopStart, stageTag(models.StageDubbing, first(job.TargetLanguages))); err != nil {
		return o.halt(ctx, job, logger, err)
	}

	videos, err := o.store.ListLocalizedVideos(ctx, job.ID)
	if err != nil {
		o.fail(ctx, job, fmt.Sprintf("%v: loading localized videos: %v", ErrInfrastructure, err))
		return nil
	}
	byLang := make(map[string]*models.LocalizedVideo, len(videos))
	for _, v := range videos {
		byLang[v.LanguageCode] = v
	}

	n := len(job.TargetLanguages)
	outcomes := make([]LanguageOutcome, 0, n)
	for i, lang := range job.TargetLanguages {
		video, ok := byLang[lang]
		if !ok {
			o.fail(ctx, job, fmt.Sprintf("%v: no localized video record for %s", ErrInfrastructure, lang))
			return nil
		}

		if err := o.report(ctx, job, o.policy.Progress(progress.LanguageStarted, i, n), stageTag(models.StageDubbing, lang)); err != nil {
			return o.halt(ctx, job, logger, err)
		}

		outcome := o.worker.Run(ctx, LanguageRun{
			Job:       job,
			Video:     video,
			Provider:  prov,
			SourceURL: sourceURL,
			Report: func(ctx context.Context, stage progress.Stage, tag string) error {
				return o.report(ctx, job, o.policy.Progress(stage, i, n), tag)
			},
		})

		switch outcome.Kind {
		case OutcomeInfrastructure:
			o.fail(ctx, job, outcome.Err.Error())
			return nil
		case OutcomeCancelled:
			return o.halt(ctx, job, logger, outcome.Err)
		}
		outcomes = append(outcomes, outcome)

		if err := o.report(ctx, job, o.policy.Progress(progress.LanguageFinished, i, n), stageTag(models.StageApproval, lang)); err != nil {
			return o.halt(ctx, job, logger, err)
		}
	}

	ready := 0
	for _, oc := range outcomes {
		if oc.Kind == OutcomeSucceeded {
			ready++
		}
	}
	if ready == 0 {
		msg := summarizeFailures(outcomes)
		logger.Warn("every language failed", "error", msg)
		o.fail(ctx, job, msg)
		return nil
	}

	if err := o.report(ctx, job, o.policy.Progress(progress.Finalizing, 0, n), models.StageFinalizing); err != nil {
		return o.halt(ctx, job, logger, err)
	}
	if err := o.transition(ctx, job, models.JobStatusWaitingApproval, o.policy.Progress(progress.Done, 0, n), models.StageApproval); err != nil {
		return o.halt(ctx, job, logger, err)
	}
	logger.Info("job awaiting approval", "ready", ready, "failed", len(outcomes)-ready)

	if job.AutoApprove && o.gate != nil {
		ids := make([]uuid.UUID, 0, ready)
		for _, oc := range outcomes {
			if oc.Kind == OutcomeSucceeded {
				ids = append(ids, oc.Video.ID)
			}
		}
		res, err := o.gate.Decide(ctx, job, ids, ActionApprove)
		if err != nil {
			logger.Warn("auto-approve failed, job left awaiting approval", "error", err)
			return nil
		}
		logger.Info("auto-approved", "published", len(res.Applied), "completed", res.Completed)
	}
	return nil
}

// prepareSource downloads the source into the job's temp area and returns a
// URL third-party providers can fetch. Any failure is an infrastructure error.
func (o *Orchestrator) prepareSource(ctx context.Context, job *models.ProcessingJob, prov *pipeline.Provider) (string, error) {
	media, err := prov.Source.Fetch(ctx, job.SourceVideoID)
	if err != nil {
		return "", fmt.Errorf("%w: source unavailable: %v", ErrInfrastructure, err)
	}
	defer media.Body.Close()

	key := storage.TempKey(job.UserID, job.ID, "source.mp4")
	contentType := orDefault(media.ContentType, "video/mp4")
	if _, err := o.videos.Put(ctx, key, media.Body, contentType); err != nil {
		return "", fmt.Errorf("%w: storing source: %v", ErrInfrastructure, err)
	}
	url, err := o.videos.PublicURL(ctx, key)
	if err != nil {
		return "", fmt.Errorf("%w: publishing source: %v", ErrInfrastructure, err)
	}
	return url, nil
}

// transition persists a status change and publishes it.
func (o *Orchestrator) transition(ctx context.Context, job *models.ProcessingJob, status string, pct int, stage string) error {
	if err := o.store.UpdateJobStatus(ctx, job.ID, status, store.WithProgress(pct), store.WithStage(stage)); err != nil {
		return err
	}
	o.applied(ctx, job, status, pct, stage)
	return nil
}

// report persists a progress checkpoint and publishes it.
func (o *Orchestrator) report(ctx context.Context, job *models.ProcessingJob, pct int, stage string) error {
	if err := o.store.UpdateJobProgress(ctx, job.ID, pct, stage); err != nil {
		return err
	}
	o.applied(ctx, job, job.Status, pct, stage)
	return nil
}

// applied mirrors a successful write onto the local copy and announces it.
func (o *Orchestrator) applied(ctx context.Context, job *models.ProcessingJob, status string, pct int, stage string) {
	job.Status = status
	if pct > job.Progress {
		job.Progress = pct
	}
	job.CurrentStage = stage
	job.UpdatedAt = time.Now().UTC()
	o.notifier.JobChanged(ctx, job)
}

// halt stops the run after a checkpoint write failed. A job that moved on
// (cancelled, failed elsewhere) is a normal stop; its stored row is
// republished so no earlier checkpoint of this run is the last word.
func (o *Orchestrator) halt(ctx context.Context, job *models.ProcessingJob, logger *slog.Logger, cause error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if !errors.Is(cause, store.ErrStaleState) {
		o.fail(ctx, job, fmt.Sprintf("%v: %v", ErrInfrastructure, cause))
		return nil
	}
	current, err := o.store.GetJob(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("reloading job after stale write: %w", err)
	}
	logger.Info("job run halted", "status", current.Status)
	*job = *current
	o.notifier.JobChanged(ctx, job)
	return nil
}

// fail terminates the job and its open records. It survives a cancelled ctx.
func (o *Orchestrator) fail(ctx context.Context, job *models.ProcessingJob, message string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	changed, err := o.store.FailJob(ctx, job.ID, message)
	if err != nil {
		slog.Error("failing job", "job_id", job.ID, "error", err)
		return
	}
	if !changed {
		return
	}

	current, err := o.store.GetJob(ctx, job.ID)
	if err != nil {
		slog.Error("reloading failed job", "job_id", job.ID, "error", err)
		return
	}
	*job = *current
	o.notifier.JobChanged(ctx, job)
	if videos, err := o.store.ListLocalizedVideos(ctx, job.ID); err == nil {
		for _, v := range videos {
			if v.Status == models.VideoStatusFailed {
				o.notifier.VideoChanged(job.UserID, v)
			}
		}
	}
	slog.Warn("job failed", "job_id", job.ID, "error", message)
}

// cleanup drops the job's scratch files, and its stored outputs too when the
// run ended with the job cancelled or failed.
func (o *Orchestrator) cleanup(ctx context.Context, job *models.ProcessingJob, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := o.videos.DeletePrefix(ctx, storage.TempPrefix(job.UserID, job.ID)); err != nil {
		logger.Warn("temp cleanup failed", "error", err)
	}
	if job.Status == models.JobStatusCancelled || job.Status == models.JobStatusFailed {
		discardOutputs(ctx, o.videos, job)
	}
}

// discardOutputs removes the stored media of a job that ended without being
// resolved.
func discardOutputs(ctx context.Context, videos storage.VideoStore, job *models.ProcessingJob) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := videos.DeletePrefix(ctx, storage.JobPrefix(job.UserID, job.ID)); err != nil {
		slog.Warn("output cleanup failed", "job_id", job.ID, "status", job.Status, "error", err)
	}
}

func first(langs []string) string {
	if len(langs) == 0 {
		return ""
	}
	return langs[0]
}
