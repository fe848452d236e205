package dubbing_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/dubhub/internal/dubbing"
	"github.com/kiranshivaraju/dubhub/internal/pipeline"
	"github.com/kiranshivaraju/dubhub/internal/storage"
	"github.com/kiranshivaraju/dubhub/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_AllLanguagesReady(t *testing.T) {
	h := newHarness(t)
	h.store.AddLanguageChannel(models.LanguageChannel{UserID: h.user, LanguageCode: "es", ChannelID: "UC-es"})
	job := h.enqueue(t, "es", "fr")

	h.run(t, job.ID)

	got := h.job(t, job.ID)
	assert.Equal(t, models.JobStatusWaitingApproval, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, models.StageApproval, got.CurrentStage)
	assert.Nil(t, got.ErrorMessage)

	videos := h.videosByLang(t, job.ID)
	require.Len(t, videos, 2)
	for _, lang := range []string{"es", "fr"} {
		v := videos[lang]
		assert.Equal(t, models.VideoStatusWaitingApproval, v.Status, lang)
		require.NotNil(t, v.StorageURL, lang)
		require.NotNil(t, v.DubbedAudioURL, lang)
		assert.Contains(t, *v.StorageURL, "/"+lang+"/video.mp4")
		assert.Contains(t, *v.DubbedAudioURL, "/"+lang+"/audio.mp3")
	}
	require.NotNil(t, videos["es"].ChannelID)
	assert.Equal(t, "UC-es", *videos["es"].ChannelID)
	assert.Nil(t, videos["fr"].ChannelID, "languages without a channel stay unassigned")
	assert.Equal(t, "Launch Day (Spanish)", videos["es"].Title)

	assert.ElementsMatch(t, []string{"dub-es", "dub-fr"}, h.translator.Discarded)
}

func TestRun_ProgressNeverDecreases(t *testing.T) {
	h := newHarness(t)
	failLipSyncFor(h, "de", fmt.Errorf("%w: bad audio", pipeline.ErrProviderRejected))
	job := h.enqueue(t, "es", "de", "fr")

	h.run(t, job.ID)

	history := h.store.History(job.ID)
	require.NotEmpty(t, history)
	last := -1
	for i, rec := range history {
		assert.GreaterOrEqual(t, rec.Progress, last, "record %d (%s/%s)", i, rec.Status, rec.Stage)
		assert.GreaterOrEqual(t, rec.Progress, 0)
		assert.LessOrEqual(t, rec.Progress, 100)
		last = rec.Progress
	}
	assert.Equal(t, 100, last)
}

func TestRun_AllLanguagesFailed(t *testing.T) {
	h := newHarness(t)
	h.translator.PollStatusFunc = func(_ context.Context, taskID string) (pipeline.TaskStatus, error) {
		return pipeline.TaskStatus{State: pipeline.TaskFailed, Message: "voice unsupported"}, nil
	}
	job := h.enqueue(t, "es", "de")

	h.run(t, job.ID)

	got := h.job(t, job.ID)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "all languages failed")
	assert.Contains(t, *got.ErrorMessage, "es")
	assert.Contains(t, *got.ErrorMessage, "de")
	require.NotNil(t, got.CompletedAt)

	for lang, v := range h.videosByLang(t, job.ID) {
		assert.Equal(t, models.VideoStatusFailed, v.Status, lang)
		assert.Nil(t, v.StorageURL, lang)
		assert.Nil(t, v.DubbedAudioURL, lang)
		require.NotNil(t, v.ErrorMessage, lang)
		assert.Contains(t, *v.ErrorMessage, "voice unsupported")
	}
}

func TestRun_PartialFailureThenApproval(t *testing.T) {
	h := newHarness(t)
	failLipSyncFor(h, "de", fmt.Errorf("%w: face not found", pipeline.ErrProviderRejected))
	job := h.enqueue(t, "es", "de")

	h.run(t, job.ID)

	got := h.job(t, job.ID)
	assert.Equal(t, models.JobStatusWaitingApproval, got.Status)

	videos := h.videosByLang(t, job.ID)
	de := videos["de"]
	assert.Equal(t, models.VideoStatusFailed, de.Status)
	assert.Nil(t, de.StorageURL)
	assert.Nil(t, de.DubbedAudioURL, "failed records keep no media links")
	require.NotNil(t, de.ErrorMessage)
	assert.Contains(t, *de.ErrorMessage, "lipsync")

	es := videos["es"]
	assert.Equal(t, models.VideoStatusWaitingApproval, es.Status)
	require.NotNil(t, es.StorageURL)
	require.NotNil(t, es.DubbedAudioURL)

	_, err := os.Stat(filepath.Join(h.videos.Root(), storage.LanguagePrefix(h.user, job.ID, "de")))
	assert.True(t, os.IsNotExist(err), "partial output of a failed language is removed")

	res, err := h.svc.Decide(context.Background(), h.user, job.ID, []uuid.UUID{es.ID}, dubbing.ActionApprove)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{es.ID}, res.Applied)
	assert.True(t, res.Completed)
	assert.Equal(t, models.JobStatusCompleted, res.JobStatus)

	es = h.videosByLang(t, job.ID)["es"]
	assert.Equal(t, models.VideoStatusPublished, es.Status)
	require.NotNil(t, es.PlatformVideoID)
	assert.Equal(t, "platform-es", *es.PlatformVideoID)
	assert.NotNil(t, es.PublishedAt)

	got = h.job(t, job.ID)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)
}

func TestRun_SourceFailureFailsJob(t *testing.T) {
	h := newHarness(t)
	h.source.FetchFunc = func(context.Context, string) (*pipeline.Media, error) {
		return nil, pipeline.ErrSourceUnavailable
	}
	job := h.enqueue(t, "es", "de")

	h.run(t, job.ID)

	got := h.job(t, job.ID)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "source unavailable")
	for lang, v := range h.videosByLang(t, job.ID) {
		assert.Equal(t, models.VideoStatusFailed, v.Status, lang)
	}
}

func TestRun_StorageOutageFailsJob(t *testing.T) {
	h := newHarness(t, withStorage(func(inner storage.VideoStore) storage.VideoStore {
		return &flakyStore{VideoStore: inner, failPut: func(key string) bool {
			return filepath.Base(key) == "video.mp4"
		}}
	}))
	job := h.enqueue(t, "es", "de")

	h.run(t, job.ID)

	got := h.job(t, job.ID)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, dubbing.ErrInfrastructure.Error())

	videos := h.videosByLang(t, job.ID)
	assert.Equal(t, models.VideoStatusFailed, videos["es"].Status)
	assert.Equal(t, models.VideoStatusFailed, videos["de"].Status, "the run stops at the first infrastructure failure")
}

func TestRun_DubTimeoutFailsLanguage(t *testing.T) {
	h := newHarness(t)
	h.translator.PollStatusFunc = func(_ context.Context, taskID string) (pipeline.TaskStatus, error) {
		if taskID == "dub-de" {
			return pipeline.TaskStatus{State: pipeline.TaskPending}, nil
		}
		return pipeline.TaskStatus{State: pipeline.TaskDone}, nil
	}
	h.provider.DubPoll = pipeline.PollPolicy{Interval: time.Millisecond, Timeout: 20 * time.Millisecond}
	job := h.enqueue(t, "es", "de")

	h.run(t, job.ID)

	assert.Equal(t, models.JobStatusWaitingApproval, h.job(t, job.ID).Status)
	de := h.videosByLang(t, job.ID)["de"]
	assert.Equal(t, models.VideoStatusFailed, de.Status)
	require.NotNil(t, de.ErrorMessage)
	assert.Contains(t, *de.ErrorMessage, pipeline.ErrStageTimeout.Error())
	assert.Contains(t, h.translator.Discarded, "dub-de")
}

func TestRun_RemovesTempSource(t *testing.T) {
	h := newHarness(t)
	var sourceURL string
	h.translator.SubmitFunc = func(_ context.Context, url, lang string) (string, error) {
		sourceURL = url
		return "dub-" + lang, nil
	}
	job := h.enqueue(t, "es")

	h.run(t, job.ID)

	assert.Contains(t, sourceURL, "/temp/")
	_, err := os.Stat(filepath.Join(h.videos.Root(), storage.TempPrefix(h.user, job.ID)))
	assert.True(t, os.IsNotExist(err))
}

func TestRun_ConcurrentRunsClaimOnce(t *testing.T) {
	h := newHarness(t)
	var submits atomic.Int32
	h.translator.SubmitFunc = func(_ context.Context, _, lang string) (string, error) {
		submits.Add(1)
		return "dub-" + lang, nil
	}
	job := h.enqueue(t, "es", "de")

	var wg sync.WaitGroup
	start := make(chan struct{})
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			assert.NoError(t, h.orch.Run(context.Background(), job.ID))
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(2), submits.Load(), "each language is dubbed once")
	claims := 0
	for _, rec := range h.store.History(job.ID) {
		if rec.Status == models.JobStatusDownloading && rec.Stage == models.StageDownloading {
			claims++
		}
	}
	assert.Equal(t, 1, claims)
	assert.Equal(t, models.JobStatusWaitingApproval, h.job(t, job.ID).Status)
}

func TestRun_NotPendingIsNoop(t *testing.T) {
	h := newHarness(t)
	job := h.enqueue(t, "es")
	_, _, err := h.svc.Cancel(context.Background(), h.user, job.ID)
	require.NoError(t, err)

	h.run(t, job.ID)

	assert.Equal(t, models.JobStatusCancelled, h.job(t, job.ID).Status)
	assert.Empty(t, h.translator.Discarded)
}

func TestRun_CancelMidFlight(t *testing.T) {
	h := newHarness(t)
	var jobID uuid.UUID
	h.translator.SubmitFunc = func(ctx context.Context, _, lang string) (string, error) {
		if lang == "de" {
			_, changed, err := h.svc.Cancel(ctx, h.user, jobID)
			require.NoError(t, err)
			require.True(t, changed)
		}
		return "dub-" + lang, nil
	}
	job := h.enqueue(t, "es", "de")
	jobID = job.ID

	h.run(t, job.ID)

	got := h.job(t, job.ID)
	assert.Equal(t, models.JobStatusCancelled, got.Status)
	videos := h.videosByLang(t, job.ID)
	assert.Equal(t, models.VideoStatusCancelled, videos["es"].Status, "a record awaiting approval is cancelled with its job")
	assert.Equal(t, models.VideoStatusCancelled, videos["de"].Status)
	history := h.store.History(job.ID)
	assert.Equal(t, models.JobStatusCancelled, history[len(history)-1].Status, "nothing is written after the cancel")

	for _, file := range []string{"audio.mp3", "video.mp4"} {
		_, err := h.videos.PublicURL(context.Background(), storage.VideoKey(h.user, job.ID, "es", file))
		assert.Error(t, err, "stored %s of a cancelled job is removed", file)
	}

	_, changed, err := h.svc.Cancel(context.Background(), h.user, job.ID)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestRun_ShutdownFailsJob(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.translator.PollStatusFunc = func(ctx context.Context, _ string) (pipeline.TaskStatus, error) {
		cancel()
		return pipeline.TaskStatus{State: pipeline.TaskPending}, nil
	}
	job := h.enqueue(t, "es")

	require.NoError(t, h.orch.Run(ctx, job.ID))

	got := h.job(t, job.ID)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "interrupted by shutdown", *got.ErrorMessage)
}

func TestRun_PanicFailsJob(t *testing.T) {
	h := newHarness(t)
	h.lipsync.GenerateFunc = func(context.Context, string, string) (pipeline.Generation, error) {
		panic("nil generation")
	}
	job := h.enqueue(t, "es")

	err := h.orch.Run(context.Background(), job.ID)
	require.Error(t, err)

	got := h.job(t, job.ID)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "internal error")
}

func TestRun_AutoApprovePublishesEverything(t *testing.T) {
	h := newHarness(t)
	failLipSyncFor(h, "de", fmt.Errorf("%w: bad", pipeline.ErrProviderRejected))
	job, err := h.svc.Enqueue(context.Background(), dubbing.EnqueueRequest{
		UserID:          h.user,
		SourceVideoID:   "vid123",
		SourceChannelID: "UC-source",
		TargetLanguages: []string{"es", "de"},
		AutoApprove:     true,
	})
	require.NoError(t, err)

	h.run(t, job.ID)

	assert.Equal(t, models.JobStatusCompleted, h.job(t, job.ID).Status)
	videos := h.videosByLang(t, job.ID)
	assert.Equal(t, models.VideoStatusPublished, videos["es"].Status)
	assert.Equal(t, models.VideoStatusFailed, videos["de"].Status)
	calls := h.publisher.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, pipeline.VisibilityPublic, calls[0].Visibility)
	assert.Equal(t, "es", calls[0].LanguageCode)
}

func TestRun_EventsFollowPersistedProgress(t *testing.T) {
	h := newHarness(t)
	sub, err := h.bus.Subscribe(h.user)
	require.NoError(t, err)
	defer sub.Close()

	job := h.enqueue(t, "es", "de")
	h.run(t, job.ID)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	last := -1
	videoEvents := 0
	for {
		ev, err := sub.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, job.ID, *ev.JobID)
		if ev.Type == models.EventVideoUpdate {
			videoEvents++
			continue
		}
		require.Equal(t, models.EventJobUpdate, ev.Type)
		require.NotNil(t, ev.Progress)
		assert.GreaterOrEqual(t, *ev.Progress, last)
		last = *ev.Progress
		if ev.Status == models.JobStatusWaitingApproval {
			break
		}
	}
	assert.Equal(t, 100, last)
	assert.GreaterOrEqual(t, videoEvents, 4, "processing and waiting_approval per language")
}

func TestRun_LateSubscriberSeesOnlyNewEvents(t *testing.T) {
	h := newHarness(t)
	job := h.enqueue(t, "es")
	h.run(t, job.ID)

	sub, err := h.bus.Subscribe(h.user)
	require.NoError(t, err)
	defer sub.Close()

	_, _, err = h.svc.Cancel(context.Background(), h.user, job.ID)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.EventJobUpdate, ev.Type)
	assert.Equal(t, models.JobStatusCancelled, ev.Status)
}
