package dubbing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kiranshivaraju/dubhub/internal/channels"
	"github.com/kiranshivaraju/dubhub/internal/language"
	"github.com/kiranshivaraju/dubhub/internal/pipeline"
	"github.com/kiranshivaraju/dubhub/internal/progress"
	"github.com/kiranshivaraju/dubhub/internal/storage"
	"github.com/kiranshivaraju/dubhub/internal/store"
	"github.com/kiranshivaraju/dubhub/pkg/models"
)

const (
	audioFile = "audio.mp3"
	videoFile = "video.mp4"
)

// Reporter persists a progress checkpoint for the current language. It
// returns store.ErrStaleState once the job has left the processing state.
type Reporter func(ctx context.Context, stage progress.Stage, tag string) error

// LanguageRun is the input for one language.
type LanguageRun struct {
	Job       *models.ProcessingJob
	Video     *models.LocalizedVideo
	Provider  *pipeline.Provider
	SourceURL string
	Report    Reporter
}

// Worker drives one target language through dub, lip-sync, storage and
// channel resolution. Failures stay inside the returned outcome.
type Worker struct {
	store    store.Store
	videos   storage.VideoStore
	channels channels.Directory
	notifier *Notifier
}

func NewWorker(s store.Store, videos storage.VideoStore, dir channels.Directory, n *Notifier) *Worker {
	return &Worker{store: s, videos: videos, channels: dir, notifier: n}
}

// stageError tags err with the stage it came from.
type stageError struct {
	stage string
	err   error
}

func (e *stageError) Error() string { return e.stage + ": " + e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

func at(stage string, err error) error {
	if err == nil {
		return nil
	}
	return &stageError{stage: stage, err: err}
}

// Run executes the stages in order and never panics or returns an error:
// every failure is converted into an outcome.
func (w *Worker) Run(ctx context.Context, run LanguageRun) LanguageOutcome {
	video := *run.Video
	lang := video.LanguageCode
	logger := slog.With("job_id", run.Job.ID, "language", lang)

	if err := w.setStatus(ctx, run, &video, models.VideoStatusProcessing); err != nil {
		return w.classify(ctx, logger, run, &video, at(models.StageDubbing, err))
	}

	err := w.stages(ctx, run, &video, logger)
	if err == nil {
		logger.Info("language ready for approval", "storage_url", deref(video.StorageURL))
		return succeeded(&video)
	}
	return w.classify(ctx, logger, run, &video, err)
}

func (w *Worker) stages(ctx context.Context, run LanguageRun, video *models.LocalizedVideo, logger *slog.Logger) error {
	job := run.Job
	lang := video.LanguageCode
	prov := run.Provider

	// 1. Dubbed audio.
	audioURL, audioKey, err := w.dub(ctx, run, lang)
	if err != nil {
		return at(models.StageDubbing, err)
	}

	// 2. Persist the audio URL right away so it can be previewed during lip-sync.
	if err := w.setStatus(ctx, run, video, models.VideoStatusProcessing, store.WithDubbedAudioURL(audioURL)); err != nil {
		return at(models.StageDubbing, err)
	}
	if err := run.Report(ctx, progress.LanguageDubbed, stageTag(models.StageLipSync, lang)); err != nil {
		return at(models.StageDubbing, repoFailure(err))
	}
	logger.Info("dubbed audio stored", "audio_url", audioURL)

	// 3. Lip-sync against the stored audio.
	publicAudio, err := w.videos.PublicURL(ctx, audioKey)
	if err != nil {
		return at(models.StageLipSync, err)
	}
	synced, err := w.lipSync(ctx, prov, run.SourceURL, publicAudio)
	if err != nil {
		return at(models.StageLipSync, err)
	}

	// 4. Durable copy of the synced video.
	storageURL, err := w.put(ctx, storage.VideoKey(job.UserID, job.ID, lang, videoFile), synced)
	if err != nil {
		return at(models.StageStoring, err)
	}

	// 5. Channel; none is fine.
	opts := []store.VideoUpdateOption{
		store.WithStorageURL(storageURL),
		store.WithLocalizedMetadata(LocalizedTitle(job, lang), LocalizedDescription(job, lang)),
	}
	channelID, ok, err := w.channels.Resolve(ctx, job.UserID, lang)
	switch {
	case err != nil:
		logger.Warn("channel lookup failed, leaving language unassigned", "error", err)
	case ok:
		opts = append(opts, store.WithChannelID(channelID))
	default:
		logger.Info("no channel for language, leaving unassigned")
	}

	// 6. Ready for a decision.
	if err := w.setStatus(ctx, run, video, models.VideoStatusWaitingApproval, opts...); err != nil {
		return at(models.StageStoring, err)
	}
	if err := run.Report(ctx, progress.LanguageFinished, stageTag(models.StageApproval, lang)); err != nil {
		return at(models.StageStoring, repoFailure(err))
	}
	return nil
}

// dub submits, polls and downloads the dubbed audio, then stores it.
// It returns the canonical URL and the object key.
func (w *Worker) dub(ctx context.Context, run LanguageRun, lang string) (string, string, error) {
	tr := run.Provider.Translator
	taskID, err := tr.Submit(ctx, run.SourceURL, lang)
	if err != nil {
		return "", "", err
	}
	defer func() {
		if err := tr.Discard(context.WithoutCancel(ctx), taskID); err != nil {
			slog.Debug("discarding dubbing task failed", "task_id", taskID, "error", err)
		}
	}()

	err = pipeline.Poll(ctx, run.Provider.DubPoll, func(ctx context.Context) (bool, error) {
		status, err := tr.PollStatus(ctx, taskID)
		if err != nil {
			return false, err
		}
		switch status.State {
		case pipeline.TaskDone:
			return true, nil
		case pipeline.TaskFailed:
			return false, fmt.Errorf("%w: %s", pipeline.ErrTaskFailed, orDefault(status.Message, "dubbing failed"))
		}
		return false, nil
	})
	if err != nil {
		return "", "", err
	}

	audio, err := tr.FetchAudio(ctx, taskID, lang)
	if err != nil {
		return "", "", err
	}
	key := storage.VideoKey(run.Job.UserID, run.Job.ID, lang, audioFile)
	url, err := w.put(ctx, key, audio)
	if err != nil {
		return "", "", err
	}
	return url, key, nil
}

func (w *Worker) lipSync(ctx context.Context, prov *pipeline.Provider, videoURL, audioURL string) (*pipeline.Media, error) {
	gen, err := prov.LipSyncer.Generate(ctx, videoURL, audioURL)
	if err != nil {
		return nil, err
	}

	err = pipeline.Poll(ctx, prov.LipSyncPoll, func(ctx context.Context) (bool, error) {
		if gen.State == pipeline.TaskDone {
			return true, nil
		}
		if gen.State == pipeline.TaskFailed {
			return false, fmt.Errorf("%w: %s", pipeline.ErrTaskFailed, orDefault(gen.Message, "lip-sync failed"))
		}
		next, err := prov.LipSyncer.Generation(ctx, gen.ID)
		if err != nil {
			return false, err
		}
		gen = next
		return gen.State == pipeline.TaskDone, failedGeneration(gen)
	})
	if err != nil {
		return nil, err
	}
	return prov.LipSyncer.Download(ctx, gen)
}

func failedGeneration(gen pipeline.Generation) error {
	if gen.State != pipeline.TaskFailed {
		return nil
	}
	return fmt.Errorf("%w: %s", pipeline.ErrTaskFailed, orDefault(gen.Message, "lip-sync failed"))
}

func (w *Worker) put(ctx context.Context, key string, media *pipeline.Media) (string, error) {
	defer media.Body.Close()
	contentType := media.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return w.videos.Put(ctx, key, media.Body, contentType)
}

// setStatus writes the record and publishes the change.
func (w *Worker) setStatus(ctx context.Context, run LanguageRun, video *models.LocalizedVideo, status string, opts ...store.VideoUpdateOption) error {
	if err := w.store.UpdateVideoStatus(ctx, video.ID, status, opts...); err != nil {
		return repoFailure(err)
	}
	applyVideoUpdate(video, status, store.ApplyVideoOptions(opts...))
	w.notifier.VideoChanged(run.Job.UserID, video)
	return nil
}

// classify turns a stage error into an outcome, marking the record failed for
// language-scoped errors.
func (w *Worker) classify(ctx context.Context, logger *slog.Logger, run LanguageRun, video *models.LocalizedVideo, err error) LanguageOutcome {
	lang := video.LanguageCode
	switch {
	case ctx.Err() != nil:
		return cancelled(lang, ctx.Err())
	case errors.Is(err, store.ErrStaleState):
		logger.Info("language halted, job or record moved on", "error", err)
		return cancelled(lang, err)
	case errors.Is(err, storage.ErrUnavailable), errors.As(err, new(*repoError)):
		logger.Error("infrastructure failure during language run", "error", err)
		return infrastructure(lang, fmt.Errorf("%w: %v", ErrInfrastructure, err))
	}

	stage := models.StageDubbing
	var se *stageError
	if errors.As(err, &se) {
		stage = se.stage
		err = se.err
	}
	langErr := &LanguageStageError{Language: lang, Stage: stage, Err: err}
	logger.Warn("language failed", "stage", stage, "error", err)

	prefix := storage.LanguagePrefix(run.Job.UserID, run.Job.ID, lang)
	if delErr := w.videos.DeletePrefix(context.WithoutCancel(ctx), prefix); delErr != nil {
		logger.Warn("removing partial language output failed", "prefix", prefix, "error", delErr)
	}

	werr := w.setStatus(ctx, run, video, models.VideoStatusFailed, store.WithClearedMedia(), store.WithVideoError(langErr.Error()))
	switch {
	case werr == nil:
	case errors.Is(werr, store.ErrStaleState):
		return cancelled(lang, werr)
	default:
		return infrastructure(lang, fmt.Errorf("%w: recording failure: %v", ErrInfrastructure, werr))
	}
	return failed(video, langErr)
}

// repoError marks job repository failures other than conditional-update
// misses. They are infrastructure failures.
type repoError struct{ err error }

func (e *repoError) Error() string { return "job repository: " + e.err.Error() }
func (e *repoError) Unwrap() error { return e.err }

func repoFailure(err error) error {
	if err == nil || errors.Is(err, store.ErrStaleState) {
		return err
	}
	return &repoError{err: err}
}

func applyVideoUpdate(v *models.LocalizedVideo, status string, u store.VideoUpdate) {
	v.Status = status
	if u.ClearMedia {
		v.StorageURL, v.DubbedAudioURL, v.ThumbnailURL = nil, nil, nil
	}
	if u.StorageURL != nil {
		v.StorageURL = u.StorageURL
	}
	if u.DubbedAudioURL != nil {
		v.DubbedAudioURL = u.DubbedAudioURL
	}
	if u.ThumbnailURL != nil {
		v.ThumbnailURL = u.ThumbnailURL
	}
	if u.ChannelID != nil {
		v.ChannelID = u.ChannelID
	}
	if u.Title != nil {
		v.Title = *u.Title
	}
	if u.Description != nil {
		v.Description = *u.Description
	}
	if u.PlatformVideoID != nil {
		v.PlatformVideoID = u.PlatformVideoID
	}
	if u.PublishedAt != nil {
		v.PublishedAt = u.PublishedAt
	}
	if u.ErrorMessage != nil {
		v.ErrorMessage = u.ErrorMessage
	}
}

// LocalizedTitle is "<source title> (<language name>)".
func LocalizedTitle(job *models.ProcessingJob, lang string) string {
	title := strings.TrimSpace(job.SourceTitle)
	if title == "" {
		title = job.SourceVideoID
	}
	return fmt.Sprintf("%s (%s)", title, language.Name(lang))
}

// LocalizedDescription appends a dubbing note to the source description.
func LocalizedDescription(job *models.ProcessingJob, lang string) string {
	note := fmt.Sprintf("Dubbed into %s.", language.Name(lang))
	desc := strings.TrimSpace(job.SourceDescription)
	if desc == "" {
		return note
	}
	return desc + "\n\n" + note
}

func stageTag(stage, lang string) string {
	return stage + ":" + lang
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
