package dubbing_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/dubhub/internal/cache"
	"github.com/kiranshivaraju/dubhub/internal/channels"
	"github.com/kiranshivaraju/dubhub/internal/dubbing"
	"github.com/kiranshivaraju/dubhub/internal/notify"
	"github.com/kiranshivaraju/dubhub/internal/pipeline"
	"github.com/kiranshivaraju/dubhub/internal/pipeline/mock"
	"github.com/kiranshivaraju/dubhub/internal/storage"
	"github.com/kiranshivaraju/dubhub/internal/storage/local"
	"github.com/kiranshivaraju/dubhub/internal/store/storetest"
	"github.com/kiranshivaraju/dubhub/pkg/models"
	"github.com/stretchr/testify/require"
)

// --- Recording dispatcher ---

type recordingDispatcher struct {
	mu  sync.Mutex
	ids []uuid.UUID
	err error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, jobID uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.ids = append(d.ids, jobID)
	return nil
}

// --- Flaky storage ---

// flakyStore fails Put for keys accepted by failPut.
type flakyStore struct {
	storage.VideoStore
	failPut func(key string) bool
}

func (f *flakyStore) Put(ctx context.Context, key string, r io.Reader, contentType string) (string, error) {
	if f.failPut != nil && f.failPut(key) {
		return "", storage.ErrUnavailable
	}
	return f.VideoStore.Put(ctx, key, r, contentType)
}

// --- Harness ---

type harness struct {
	user       uuid.UUID
	store      *storetest.Store
	bus        *notify.Bus
	videos     *local.Store
	storage    storage.VideoStore
	cache      cache.Cache
	source     *mock.Source
	translator *mock.Translator
	lipsync    *mock.LipSyncer
	publisher  *mock.Publisher
	provider   *pipeline.Provider
	dispatcher *recordingDispatcher
	gate       *dubbing.ApprovalGate
	orch       *dubbing.Orchestrator
	svc        *dubbing.Service
}

type harnessOption func(*harness)

func withStorage(wrap func(storage.VideoStore) storage.VideoStore) harnessOption {
	return func(h *harness) { h.storage = wrap(h.videos) }
}

func withCache(c cache.Cache) harnessOption {
	return func(h *harness) { h.cache = c }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	videos, err := local.New(t.TempDir(), "http://media.test/media")
	require.NoError(t, err)

	h := &harness{
		user:       uuid.New(),
		store:      storetest.New(),
		bus:        notify.NewBus(1024),
		videos:     videos,
		storage:    videos,
		source:     &mock.Source{},
		translator: &mock.Translator{},
		lipsync:    &mock.LipSyncer{},
		publisher:  &mock.Publisher{},
		dispatcher: &recordingDispatcher{},
	}
	for _, opt := range opts {
		opt(h)
	}
	t.Cleanup(h.bus.Close)

	poll := pipeline.PollPolicy{Interval: time.Millisecond, Timeout: time.Second}
	h.provider = &pipeline.Provider{
		Name:        "mock",
		Source:      h.source,
		Translator:  h.translator,
		LipSyncer:   h.lipsync,
		Publisher:   h.publisher,
		DubPoll:     poll,
		LipSyncPoll: poll,
	}
	registry := pipeline.NewRegistry(h.provider, h.provider)
	notifier := dubbing.NewNotifier(h.bus, h.cache)
	dir := channels.NewStoreDirectory(h.store, nil, 0)
	worker := dubbing.NewWorker(h.store, h.storage, dir, notifier)
	h.gate = dubbing.NewApprovalGate(h.store, h.storage, registry, notifier)
	h.orch = dubbing.NewOrchestrator(h.store, h.storage, registry, worker, h.gate, notifier)
	h.svc = dubbing.NewService(h.store, h.cache, h.dispatcher, h.gate, notifier, registry)
	return h
}

func (h *harness) enqueue(t *testing.T, langs ...string) *models.ProcessingJob {
	t.Helper()
	job, err := h.svc.Enqueue(context.Background(), dubbing.EnqueueRequest{
		UserID:          h.user,
		SourceVideoID:   "vid123",
		SourceChannelID: "UC-source",
		SourceTitle:     "Launch Day",
		TargetLanguages: langs,
	})
	require.NoError(t, err)
	return job
}

func (h *harness) run(t *testing.T, jobID uuid.UUID) {
	t.Helper()
	require.NoError(t, h.orch.Run(context.Background(), jobID))
}

func (h *harness) job(t *testing.T, id uuid.UUID) *models.ProcessingJob {
	t.Helper()
	job, err := h.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

func (h *harness) videosByLang(t *testing.T, jobID uuid.UUID) map[string]*models.LocalizedVideo {
	t.Helper()
	list, err := h.store.ListLocalizedVideos(context.Background(), jobID)
	require.NoError(t, err)
	out := make(map[string]*models.LocalizedVideo, len(list))
	for _, v := range list {
		out[v.LanguageCode] = v
	}
	return out
}

// failLipSyncFor makes lip-sync generation fail for audio of the given language.
func failLipSyncFor(h *harness, lang string, err error) {
	h.lipsync.GenerateFunc = func(_ context.Context, videoURL, audioURL string) (pipeline.Generation, error) {
		if containsLang(audioURL, lang) {
			return pipeline.Generation{}, err
		}
		return pipeline.Generation{ID: "gen-" + lang, State: pipeline.TaskPending}, nil
	}
}

func containsLang(url, lang string) bool {
	return strings.Contains(url, "/"+lang+"/")
}

var errBoom = errors.New("boom")
