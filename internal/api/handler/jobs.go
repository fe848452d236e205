package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/dubhub/internal/api/response"
	"github.com/kiranshivaraju/dubhub/internal/cache"
	"github.com/kiranshivaraju/dubhub/internal/dubbing"
	"github.com/kiranshivaraju/dubhub/internal/store"
	"github.com/kiranshivaraju/dubhub/pkg/models"
)

// JobService defines what the job handlers depend on.
type JobService interface {
	Enqueue(ctx context.Context, req dubbing.EnqueueRequest) (*models.ProcessingJob, error)
	ListJobs(ctx context.Context, filter store.JobFilter) ([]*models.ProcessingJob, int, error)
	GetJob(ctx context.Context, userID, jobID uuid.UUID) (*dubbing.JobDetail, error)
	JobStatus(ctx context.Context, userID, jobID uuid.UUID) (cache.JobSnapshot, error)
	Cancel(ctx context.Context, userID, jobID uuid.UUID) (*models.ProcessingJob, bool, error)
	Decide(ctx context.Context, userID, jobID uuid.UUID, videoIDs []uuid.UUID, action dubbing.Action) (*dubbing.DecisionResult, error)
	JobStats(ctx context.Context, userID uuid.UUID, days int) (*dubbing.JobStats, error)
}

type enqueueRequest struct {
	SourceVideoID     string   `json:"source_video_id"`
	ChannelID         string   `json:"channel_id"`
	SourceTitle       string   `json:"source_title"`
	SourceDescription string   `json:"source_description"`
	TargetLanguages   []string `json:"target_languages"`
	Simulate          bool     `json:"simulate"`
	AutoApprove       bool     `json:"auto_approve"`
}

// NewEnqueueHandler returns an http.HandlerFunc for POST /api/v1/jobs.
func NewEnqueueHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}

		var req enqueueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		job, err := svc.Enqueue(r.Context(), dubbing.EnqueueRequest{
			UserID:            userID,
			SourceVideoID:     req.SourceVideoID,
			SourceChannelID:   req.ChannelID,
			SourceTitle:       req.SourceTitle,
			SourceDescription: req.SourceDescription,
			TargetLanguages:   req.TargetLanguages,
			Simulate:          req.Simulate,
			AutoApprove:       req.AutoApprove,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.Accepted(w, job)
	}
}

// NewListJobsHandler returns an http.HandlerFunc for GET /api/v1/jobs.
func NewListJobsHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}

		q := r.URL.Query()
		filter := store.JobFilter{
			UserID: userID,
			Status: q.Get("status"),
			Page:   queryInt(q.Get("page"), 1),
			Limit:  queryInt(q.Get("limit"), 20),
		}
		jobs, total, err := svc.ListJobs(r.Context(), filter)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if jobs == nil {
			jobs = []*models.ProcessingJob{}
		}
		limit, _ := filter.Normalize()
		response.Collection(w, jobs, response.Meta(filter.Page, limit, total))
	}
}

// NewJobStatsHandler returns an http.HandlerFunc for GET /api/v1/jobs/stats.
// days defaults to 30; days=0 covers every job.
func NewJobStatsHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}

		days := 30
		if raw := r.URL.Query().Get("days"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "days must be an integer",
					map[string]string{"field": "days"})
				return
			}
			days = n
		}

		stats, err := svc.JobStats(r.Context(), userID, days)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, stats)
	}
}

// NewGetJobHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}.
func NewGetJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}
		jobID, ok := uuidParam(w, r, "jobID")
		if !ok {
			return
		}

		detail, err := svc.GetJob(r.Context(), userID, jobID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, detail)
	}
}

// NewJobStatusHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}/status.
func NewJobStatusHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}
		jobID, ok := uuidParam(w, r, "jobID")
		if !ok {
			return
		}

		snap, err := svc.JobStatus(r.Context(), userID, jobID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, snap)
	}
}

// NewCancelHandler returns an http.HandlerFunc for POST /api/v1/jobs/{jobID}/cancel.
// Cancelling a finished job succeeds with changed=false.
func NewCancelHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}
		jobID, ok := uuidParam(w, r, "jobID")
		if !ok {
			return
		}

		job, changed, err := svc.Cancel(r.Context(), userID, jobID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, map[string]any{"job": job, "changed": changed})
	}
}

type decisionRequest struct {
	VideoIDs []string `json:"video_ids"`
	Action   string   `json:"action"`
}

// NewDecideHandler returns an http.HandlerFunc for POST /api/v1/jobs/{jobID}/decisions.
func NewDecideHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}
		jobID, ok := uuidParam(w, r, "jobID")
		if !ok {
			return
		}

		var req decisionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		action, err := dubbing.ParseAction(req.Action)
		if err != nil {
			writeError(w, r, err)
			return
		}
		videoIDs := make([]uuid.UUID, 0, len(req.VideoIDs))
		for _, raw := range req.VideoIDs {
			id, err := uuid.Parse(raw)
			if err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "video_ids must be valid UUIDs",
					map[string]string{"field": "video_ids", "value": raw})
				return
			}
			videoIDs = append(videoIDs, id)
		}

		result, err := svc.Decide(r.Context(), userID, jobID, videoIDs, action)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, result)
	}
}

func queryInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return def
	}
	return n
}
