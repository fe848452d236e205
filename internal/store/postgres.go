package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/dubhub/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- API Keys ---

const apiKeyColumns = `id, user_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at`

func scanAPIKeys(rows pgx.Rows) ([]*models.APIKey, error) {
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.UserID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	return scanAPIKeys(rows)
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, user_id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.UserID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context, userID uuid.UUID) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys
		 WHERE user_id = $1 AND deleted_at IS NULL ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	return scanAPIKeys(rows)
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID, userID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL`, id, userID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Processing Jobs ---

const jobColumns = `id, user_id, source_video_id, source_channel_id, source_title, source_description,
	target_languages, status, progress, current_stage, error_message, is_simulation, auto_approve,
	created_at, updated_at, completed_at`

func scanJob(row pgx.Row) (*models.ProcessingJob, error) {
	var j models.ProcessingJob
	err := row.Scan(&j.ID, &j.UserID, &j.SourceVideoID, &j.SourceChannelID, &j.SourceTitle, &j.SourceDescription,
		&j.TargetLanguages, &j.Status, &j.Progress, &j.CurrentStage, &j.ErrorMessage, &j.IsSimulation, &j.AutoApprove,
		&j.CreatedAt, &j.UpdatedAt, &j.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func scanJobs(rows pgx.Rows) ([]*models.ProcessingJob, error) {
	defer rows.Close()

	var jobs []*models.ProcessingJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.ProcessingJob, videos []*models.LocalizedVideo) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create job: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`INSERT INTO processing_jobs (id, user_id, source_video_id, source_channel_id, source_title, source_description,
		   target_languages, status, progress, current_stage, is_simulation, auto_approve, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		job.ID, job.UserID, job.SourceVideoID, job.SourceChannelID, job.SourceTitle, job.SourceDescription,
		job.TargetLanguages, job.Status, job.Progress, job.CurrentStage, job.IsSimulation, job.AutoApprove,
		job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}

	for _, v := range videos {
		_, err = tx.Exec(ctx,
			`INSERT INTO localized_videos (id, job_id, source_video_id, language_code, status, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			v.ID, v.JobID, v.SourceVideoID, v.LanguageCode, v.Status, v.CreatedAt, v.UpdatedAt)
		if err != nil {
			if isDuplicateKeyError(err) {
				return ErrDuplicateKey
			}
			return fmt.Errorf("create localized video %s: %w", v.LanguageCode, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.ProcessingJob, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM processing_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.ProcessingJob, int, error) {
	conditions := []string{"user_id = $1"}
	args := []any{filter.UserID}
	argIdx := 2

	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, filter.Status)
		argIdx++
	}

	where := strings.Join(conditions, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM processing_jobs WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	limit, offset := filter.Normalize()
	dataQuery := fmt.Sprintf(
		`SELECT %s FROM processing_jobs WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		jobColumns, where, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

func (s *PostgresStore) ListJobsByStatus(ctx context.Context, statuses []string, updatedBefore time.Time) ([]*models.ProcessingJob, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM processing_jobs
		 WHERE status = ANY($1) AND updated_at < $2 ORDER BY created_at`, statuses, updatedBefore)
	if err != nil {
		return nil, fmt.Errorf("list jobs by status: %w", err)
	}
	return scanJobs(rows)
}

const jobAggregatesQuery = `
WITH j AS (
	SELECT id, status, target_languages, error_message, created_at, completed_at
	FROM processing_jobs
	WHERE user_id = $1 AND created_at >= $2
),
durations AS (
	SELECT EXTRACT(EPOCH FROM completed_at - created_at)::float8 AS seconds
	FROM j WHERE status = 'completed' AND completed_at IS NOT NULL
)
SELECT
	(SELECT COUNT(*) FROM j),
	(SELECT COALESCE(jsonb_object_agg(status, n), '{}'::jsonb)
	   FROM (SELECT status, COUNT(*) AS n FROM j GROUP BY status) st),
	(SELECT COUNT(*) FROM durations),
	(SELECT COALESCE(AVG(seconds), 0) FROM durations),
	(SELECT COALESCE(MIN(seconds), 0) FROM durations),
	(SELECT COALESCE(MAX(seconds), 0) FROM durations),
	(SELECT COALESCE(jsonb_object_agg(lang, n), '{}'::jsonb)
	   FROM (SELECT lang, COUNT(*) AS n FROM j, unnest(j.target_languages) AS lang GROUP BY lang) l),
	(SELECT COALESCE(jsonb_object_agg(category, n), '{}'::jsonb)
	   FROM (SELECT btrim(split_part(error_message, ':', 1)) AS category, COUNT(*) AS n
	           FROM j WHERE status = 'failed' AND error_message IS NOT NULL GROUP BY 1) e),
	(SELECT COALESCE(jsonb_object_agg(status, n), '{}'::jsonb)
	   FROM (SELECT v.status, COUNT(*) AS n FROM localized_videos v JOIN j ON j.id = v.job_id GROUP BY v.status) vs)`

func (s *PostgresStore) JobAggregates(ctx context.Context, userID uuid.UUID, since time.Time) (*JobAggregates, error) {
	var a JobAggregates
	err := s.pool.QueryRow(ctx, jobAggregatesQuery, userID, since).Scan(
		&a.Total, &a.ByStatus,
		&a.Completed, &a.AvgSeconds, &a.MinSeconds, &a.MaxSeconds,
		&a.Languages, &a.Errors, &a.VideosByStatus,
	)
	if err != nil {
		return nil, fmt.Errorf("aggregate jobs: %w", err)
	}
	return &a, nil
}

func (s *PostgresStore) UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error {
	from := sourcesOf(jobTransitions, status)
	if len(from) == 0 {
		return fmt.Errorf("invalid job status transition: -> %s", status)
	}
	u := ApplyJobOptions(opts...)

	now := time.Now().UTC()
	query := `UPDATE processing_jobs SET status = $2, updated_at = $3`
	args := []any{id, status, now, from}
	argIdx := 5

	if models.IsTerminalJobStatus(status) {
		query += ", completed_at = $3"
	}
	if u.Progress != nil {
		query += fmt.Sprintf(", progress = GREATEST(progress, $%d)", argIdx)
		args = append(args, *u.Progress)
		argIdx++
	}
	if u.Stage != nil {
		query += fmt.Sprintf(", current_stage = $%d", argIdx)
		args = append(args, *u.Stage)
		argIdx++
	}
	if u.ErrorMessage != nil {
		query += fmt.Sprintf(", error_message = $%d", argIdx)
		args = append(args, *u.ErrorMessage)
	}

	query += " WHERE id = $1 AND status = ANY($4)"

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrStale(ctx, "processing_jobs", id)
	}
	return nil
}

func (s *PostgresStore) UpdateJobProgress(ctx context.Context, id uuid.UUID, progress int, stage string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE processing_jobs SET progress = GREATEST(progress, $2), current_stage = $3, updated_at = NOW()
		 WHERE id = $1 AND status IN ('downloading', 'processing')`, id, progress, stage)
	if err != nil {
		return fmt.Errorf("update job progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrStale(ctx, "processing_jobs", id)
	}
	return nil
}

func (s *PostgresStore) CancelJob(ctx context.Context, id uuid.UUID) (bool, error) {
	return s.terminateJob(ctx, id, models.JobStatusCancelled, models.VideoStatusCancelled, nil)
}

func (s *PostgresStore) FailJob(ctx context.Context, id uuid.UUID, message string) (bool, error) {
	return s.terminateJob(ctx, id, models.JobStatusFailed, models.VideoStatusFailed, &message)
}

// terminateJob moves a non-terminal job and all of its non-terminal records
// to a terminal status in a single transaction.
func (s *PostgresStore) terminateJob(ctx context.Context, id uuid.UUID, jobStatus, videoStatus string, message *string) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin %s job: %w", jobStatus, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`UPDATE processing_jobs
		 SET status = $2, error_message = COALESCE($3, error_message), completed_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')`, id, jobStatus, message)
	if err != nil {
		return false, fmt.Errorf("%s job: %w", jobStatus, err)
	}
	if tag.RowsAffected() == 0 {
		if err := s.missOrStale(ctx, "processing_jobs", id); errors.Is(err, ErrNotFound) {
			return false, err
		}
		return false, nil
	}

	_, err = tx.Exec(ctx,
		`UPDATE localized_videos SET status = $2, error_message = COALESCE($3, error_message),
		        storage_url = NULL, dubbed_audio_url = NULL, thumbnail_url = NULL, updated_at = NOW()
		 WHERE job_id = $1 AND status NOT IN ('published', 'rejected', 'failed', 'cancelled')`, id, videoStatus, message)
	if err != nil {
		return false, fmt.Errorf("%s localized videos: %w", videoStatus, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit %s job: %w", jobStatus, err)
	}
	return true, nil
}

func (s *PostgresStore) CompleteJobIfResolved(ctx context.Context, id uuid.UUID) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin complete job: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// The row lock serializes concurrent completion checks for the same job.
	var status string
	err = tx.QueryRow(ctx, `SELECT status FROM processing_jobs WHERE id = $1 FOR UPDATE`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("lock job: %w", err)
	}
	if status != models.JobStatusWaitingApproval && status != models.JobStatusUploading {
		return false, nil
	}

	var open int
	err = tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM localized_videos
		 WHERE job_id = $1 AND status NOT IN ('published', 'rejected', 'failed', 'cancelled')`, id).Scan(&open)
	if err != nil {
		return false, fmt.Errorf("count open localized videos: %w", err)
	}

	completed := open == 0
	switch {
	case completed:
		_, err = tx.Exec(ctx,
			`UPDATE processing_jobs SET status = 'completed', progress = 100, current_stage = $2,
			   completed_at = NOW(), updated_at = NOW()
			 WHERE id = $1`, id, models.StageDone)
	case status == models.JobStatusUploading:
		_, err = tx.Exec(ctx,
			`UPDATE processing_jobs SET status = 'waiting_approval', current_stage = $2, updated_at = NOW()
			 WHERE id = $1`, id, models.StageApproval)
	default:
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("resolve job status: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit complete job: %w", err)
	}
	return completed, nil
}

// --- Localized Videos ---

const videoColumns = `id, job_id, source_video_id, language_code, channel_id, status, storage_url, dubbed_audio_url,
	thumbnail_url, title, description, platform_video_id, published_at, error_message, created_at, updated_at`

func scanVideo(row pgx.Row) (*models.LocalizedVideo, error) {
	var v models.LocalizedVideo
	err := row.Scan(&v.ID, &v.JobID, &v.SourceVideoID, &v.LanguageCode, &v.ChannelID, &v.Status, &v.StorageURL,
		&v.DubbedAudioURL, &v.ThumbnailURL, &v.Title, &v.Description, &v.PlatformVideoID, &v.PublishedAt,
		&v.ErrorMessage, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *PostgresStore) GetLocalizedVideo(ctx context.Context, id uuid.UUID) (*models.LocalizedVideo, error) {
	v, err := scanVideo(s.pool.QueryRow(ctx,
		`SELECT `+videoColumns+` FROM localized_videos WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get localized video: %w", err)
	}
	return v, nil
}

func (s *PostgresStore) ListLocalizedVideos(ctx context.Context, jobID uuid.UUID) ([]*models.LocalizedVideo, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+videoColumns+` FROM localized_videos
		 WHERE job_id = $1 ORDER BY array_position((SELECT target_languages FROM processing_jobs WHERE id = $1), language_code)`,
		jobID)
	if err != nil {
		return nil, fmt.Errorf("list localized videos: %w", err)
	}
	defer rows.Close()

	var videos []*models.LocalizedVideo
	for rows.Next() {
		v, err := scanVideo(rows)
		if err != nil {
			return nil, fmt.Errorf("scan localized video: %w", err)
		}
		videos = append(videos, v)
	}
	return videos, rows.Err()
}

func (s *PostgresStore) UpdateVideoStatus(ctx context.Context, id uuid.UUID, status string, opts ...VideoUpdateOption) error {
	from := sourcesOf(videoTransitions, status)
	if len(from) == 0 {
		return fmt.Errorf("invalid localized video status transition: -> %s", status)
	}
	u := ApplyVideoOptions(opts...)

	query := `UPDATE localized_videos SET status = $2, updated_at = $3`
	args := []any{id, status, time.Now().UTC(), from}
	argIdx := 5

	set := func(column string, value any) {
		query += fmt.Sprintf(", %s = $%d", column, argIdx)
		args = append(args, value)
		argIdx++
	}

	if u.ClearMedia {
		query += ", storage_url = NULL, dubbed_audio_url = NULL, thumbnail_url = NULL"
	}
	if u.StorageURL != nil {
		set("storage_url", *u.StorageURL)
	}
	if u.DubbedAudioURL != nil {
		set("dubbed_audio_url", *u.DubbedAudioURL)
	}
	if u.ThumbnailURL != nil {
		set("thumbnail_url", *u.ThumbnailURL)
	}
	if u.ChannelID != nil {
		set("channel_id", *u.ChannelID)
	}
	if u.Title != nil {
		set("title", *u.Title)
	}
	if u.Description != nil {
		set("description", *u.Description)
	}
	if u.PlatformVideoID != nil {
		set("platform_video_id", *u.PlatformVideoID)
	}
	if u.PublishedAt != nil {
		set("published_at", *u.PublishedAt)
	}
	if u.ErrorMessage != nil {
		set("error_message", *u.ErrorMessage)
	}

	query += " WHERE id = $1 AND status = ANY($4)"

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update localized video status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrStale(ctx, "localized_videos", id)
	}
	return nil
}

// --- Language Channels ---

func (s *PostgresStore) GetLanguageChannel(ctx context.Context, userID uuid.UUID, languageCode string) (*models.LanguageChannel, error) {
	var c models.LanguageChannel
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, language_code, channel_id, is_paused, created_at, updated_at
		 FROM language_channels WHERE user_id = $1 AND language_code = $2`, userID, languageCode,
	).Scan(&c.ID, &c.UserID, &c.LanguageCode, &c.ChannelID, &c.IsPaused, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get language channel: %w", err)
	}
	return &c, nil
}

// missOrStale tells a missing row apart from a row whose status moved on.
func (s *PostgresStore) missOrStale(ctx context.Context, table string, id uuid.UUID) error {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check %s row: %w", table, err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrStaleState
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
