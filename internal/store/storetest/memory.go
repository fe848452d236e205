// Package storetest provides an in-memory store.Store for tests. It enforces
// the same transition rules as the Postgres implementation.
package storetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/dubhub/internal/store"
	"github.com/kiranshivaraju/dubhub/pkg/models"
)

// Store is a mutex-guarded in-memory store. Every returned model is a copy.
type Store struct {
	mu       sync.Mutex
	keys     map[uuid.UUID]*models.APIKey
	jobs     map[uuid.UUID]*models.ProcessingJob
	videos   map[uuid.UUID]*models.LocalizedVideo
	channels map[string]*models.LanguageChannel

	// PingErr is returned by Ping when set.
	PingErr error

	history map[uuid.UUID][]JobRecord
}

// JobRecord is one persisted state of a job, kept for assertions.
type JobRecord struct {
	Status   string
	Progress int
	Stage    string
}

func New() *Store {
	return &Store{
		keys:     make(map[uuid.UUID]*models.APIKey),
		jobs:     make(map[uuid.UUID]*models.ProcessingJob),
		videos:   make(map[uuid.UUID]*models.LocalizedVideo),
		channels: make(map[string]*models.LanguageChannel),
		history:  make(map[uuid.UUID][]JobRecord),
	}
}

var _ store.Store = (*Store)(nil)

// History returns every persisted state of a job in write order.
func (s *Store) History(jobID uuid.UUID) []JobRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]JobRecord(nil), s.history[jobID]...)
}

// AddLanguageChannel seeds a channel mapping.
func (s *Store) AddLanguageChannel(c models.LanguageChannel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	s.channels[channelKey(c.UserID, c.LanguageCode)] = &c
}

func channelKey(userID uuid.UUID, lang string) string {
	return userID.String() + "/" + lang
}

func (s *Store) record(j *models.ProcessingJob) {
	s.history[j.ID] = append(s.history[j.ID], JobRecord{Status: j.Status, Progress: j.Progress, Stage: j.CurrentStage})
}

func (s *Store) Ping(context.Context) error { return s.PingErr }

// --- API keys ---

func (s *Store) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.APIKey
	for _, k := range s.keys {
		if k.KeyPrefix == prefix && k.DeletedAt == nil {
			c := *k
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *Store) UpdateAPIKeyLastUsed(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.keys[id]; ok {
		now := time.Now().UTC()
		k.LastUsedAt = &now
	}
	return nil
}

func (s *Store) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key.ID]; ok {
		return store.ErrDuplicateKey
	}
	c := *key
	s.keys[key.ID] = &c
	return nil
}

func (s *Store) ListAPIKeys(_ context.Context, userID uuid.UUID) ([]*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.APIKey
	for _, k := range s.keys {
		if k.UserID == userID && k.DeletedAt == nil {
			c := *k
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) RevokeAPIKey(_ context.Context, id uuid.UUID, userID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok || k.UserID != userID || k.DeletedAt != nil {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	k.DeletedAt = &now
	return nil
}

// --- Jobs ---

func (s *Store) CreateJob(_ context.Context, job *models.ProcessingJob, videos []*models.LocalizedVideo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return store.ErrDuplicateKey
	}
	seen := make(map[string]bool)
	for _, v := range videos {
		if seen[v.LanguageCode] {
			return store.ErrDuplicateKey
		}
		seen[v.LanguageCode] = true
	}

	j := *job
	j.TargetLanguages = append([]string(nil), job.TargetLanguages...)
	s.jobs[job.ID] = &j
	s.record(&j)
	for _, v := range videos {
		c := *v
		s.videos[v.ID] = &c
	}
	return nil
}

func copyJob(j *models.ProcessingJob) *models.ProcessingJob {
	c := *j
	c.TargetLanguages = append([]string(nil), j.TargetLanguages...)
	return &c
}

func (s *Store) GetJob(_ context.Context, id uuid.UUID) (*models.ProcessingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyJob(j), nil
}

func (s *Store) ListJobs(_ context.Context, filter store.JobFilter) ([]*models.ProcessingJob, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []*models.ProcessingJob
	for _, j := range s.jobs {
		if j.UserID != filter.UserID {
			continue
		}
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		all = append(all, copyJob(j))
	}
	sort.Slice(all, func(a, b int) bool { return all[a].CreatedAt.After(all[b].CreatedAt) })

	limit, offset := filter.Normalize()
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (s *Store) ListJobsByStatus(_ context.Context, statuses []string, updatedBefore time.Time) ([]*models.ProcessingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[string]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	var out []*models.ProcessingJob
	for _, j := range s.jobs {
		if want[j.Status] && j.UpdatedAt.Before(updatedBefore) {
			out = append(out, copyJob(j))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out, nil
}

func (s *Store) JobAggregates(_ context.Context, userID uuid.UUID, since time.Time) (*store.JobAggregates, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := &store.JobAggregates{
		ByStatus:       map[string]int{},
		Languages:      map[string]int{},
		Errors:         map[string]int{},
		VideosByStatus: map[string]int{},
	}
	var total float64
	included := map[uuid.UUID]bool{}
	for _, j := range s.jobs {
		if j.UserID != userID || j.CreatedAt.Before(since) {
			continue
		}
		included[j.ID] = true
		a.Total++
		a.ByStatus[j.Status]++
		for _, lang := range j.TargetLanguages {
			a.Languages[lang]++
		}
		if j.Status == models.JobStatusFailed && j.ErrorMessage != nil {
			a.Errors[store.ErrorCategory(*j.ErrorMessage)]++
		}
		if j.Status == models.JobStatusCompleted && j.CompletedAt != nil {
			d := j.CompletedAt.Sub(j.CreatedAt).Seconds()
			if a.Completed == 0 || d < a.MinSeconds {
				a.MinSeconds = d
			}
			if d > a.MaxSeconds {
				a.MaxSeconds = d
			}
			total += d
			a.Completed++
		}
	}
	if a.Completed > 0 {
		a.AvgSeconds = total / float64(a.Completed)
	}
	for _, v := range s.videos {
		if included[v.JobID] {
			a.VideosByStatus[v.Status]++
		}
	}
	return a, nil
}

// SetJobTimes overrides a job's creation and completion times for statistics tests.
func (s *Store) SetJobTimes(id uuid.UUID, created time.Time, completed *time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		j.CreatedAt = created
		j.CompletedAt = completed
	}
}

// SetJobUpdatedAt backdates a job for staleness tests.
func (s *Store) SetJobUpdatedAt(id uuid.UUID, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		j.UpdatedAt = t
	}
}

func (s *Store) UpdateJobStatus(_ context.Context, id uuid.UUID, status string, opts ...store.JobUpdateOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if !store.JobTransitionAllowed(j.Status, status) {
		return store.ErrStaleState
	}
	u := store.ApplyJobOptions(opts...)

	now := time.Now().UTC()
	j.Status = status
	j.UpdatedAt = now
	if models.IsTerminalJobStatus(status) {
		j.CompletedAt = &now
	}
	if u.Progress != nil && *u.Progress > j.Progress {
		j.Progress = *u.Progress
	}
	if u.Stage != nil {
		j.CurrentStage = *u.Stage
	}
	if u.ErrorMessage != nil {
		msg := *u.ErrorMessage
		j.ErrorMessage = &msg
	}
	s.record(j)
	return nil
}

func (s *Store) UpdateJobProgress(_ context.Context, id uuid.UUID, progress int, stage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if j.Status != models.JobStatusDownloading && j.Status != models.JobStatusProcessing {
		return store.ErrStaleState
	}
	if progress > j.Progress {
		j.Progress = progress
	}
	j.CurrentStage = stage
	j.UpdatedAt = time.Now().UTC()
	s.record(j)
	return nil
}

func (s *Store) CancelJob(_ context.Context, id uuid.UUID) (bool, error) {
	return s.terminate(id, models.JobStatusCancelled, models.VideoStatusCancelled, nil)
}

func (s *Store) FailJob(_ context.Context, id uuid.UUID, message string) (bool, error) {
	return s.terminate(id, models.JobStatusFailed, models.VideoStatusFailed, &message)
}

func (s *Store) terminate(id uuid.UUID, jobStatus, videoStatus string, message *string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if j.IsTerminal() {
		return false, nil
	}

	now := time.Now().UTC()
	j.Status = jobStatus
	j.UpdatedAt = now
	j.CompletedAt = &now
	if message != nil {
		msg := *message
		j.ErrorMessage = &msg
	}
	s.record(j)

	for _, v := range s.videos {
		if v.JobID != id || v.IsTerminal() {
			continue
		}
		v.Status = videoStatus
		v.UpdatedAt = now
		v.StorageURL, v.DubbedAudioURL, v.ThumbnailURL = nil, nil, nil
		if message != nil {
			msg := *message
			v.ErrorMessage = &msg
		}
	}
	return true, nil
}

func (s *Store) CompleteJobIfResolved(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if j.Status != models.JobStatusWaitingApproval && j.Status != models.JobStatusUploading {
		return false, nil
	}

	open := 0
	for _, v := range s.videos {
		if v.JobID == id && !v.IsTerminal() {
			open++
		}
	}

	now := time.Now().UTC()
	switch {
	case open == 0:
		j.Status = models.JobStatusCompleted
		j.Progress = 100
		j.CurrentStage = models.StageDone
		j.CompletedAt = &now
		j.UpdatedAt = now
		s.record(j)
		return true, nil
	case j.Status == models.JobStatusUploading:
		j.Status = models.JobStatusWaitingApproval
		j.CurrentStage = models.StageApproval
		j.UpdatedAt = now
		s.record(j)
	}
	return false, nil
}

// --- Localized videos ---

func (s *Store) GetLocalizedVideo(_ context.Context, id uuid.UUID) (*models.LocalizedVideo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.videos[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *v
	return &c, nil
}

func (s *Store) ListLocalizedVideos(_ context.Context, jobID uuid.UUID) ([]*models.LocalizedVideo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order := make(map[string]int)
	if j, ok := s.jobs[jobID]; ok {
		for i, lang := range j.TargetLanguages {
			order[lang] = i
		}
	}
	var out []*models.LocalizedVideo
	for _, v := range s.videos {
		if v.JobID == jobID {
			c := *v
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(a, b int) bool { return order[out[a].LanguageCode] < order[out[b].LanguageCode] })
	return out, nil
}

func (s *Store) UpdateVideoStatus(_ context.Context, id uuid.UUID, status string, opts ...store.VideoUpdateOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.videos[id]
	if !ok {
		return store.ErrNotFound
	}
	if !store.VideoTransitionAllowed(v.Status, status) {
		return store.ErrStaleState
	}
	u := store.ApplyVideoOptions(opts...)

	v.Status = status
	v.UpdatedAt = time.Now().UTC()
	if u.ClearMedia {
		v.StorageURL, v.DubbedAudioURL, v.ThumbnailURL = nil, nil, nil
	}
	assign := func(dst **string, src *string) {
		if src != nil {
			val := *src
			*dst = &val
		}
	}
	assign(&v.StorageURL, u.StorageURL)
	assign(&v.DubbedAudioURL, u.DubbedAudioURL)
	assign(&v.ThumbnailURL, u.ThumbnailURL)
	assign(&v.ChannelID, u.ChannelID)
	assign(&v.PlatformVideoID, u.PlatformVideoID)
	assign(&v.ErrorMessage, u.ErrorMessage)
	if u.Title != nil {
		v.Title = *u.Title
	}
	if u.Description != nil {
		v.Description = *u.Description
	}
	if u.PublishedAt != nil {
		t := *u.PublishedAt
		v.PublishedAt = &t
	}
	return nil
}

// --- Language channels ---

func (s *Store) GetLanguageChannel(_ context.Context, userID uuid.UUID, languageCode string) (*models.LanguageChannel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.channels[channelKey(userID, languageCode)]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}
