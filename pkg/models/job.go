// Package models contains the data models shared across the DubHub codebase.
package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusPending         = "pending"
	JobStatusDownloading     = "downloading"
	JobStatusProcessing      = "processing"
	JobStatusWaitingApproval = "waiting_approval"
	JobStatusUploading       = "uploading"
	JobStatusCompleted       = "completed"
	JobStatusFailed          = "failed"
	JobStatusCancelled       = "cancelled"
)

// Stage tags stored in current_stage. Per-language stages are suffixed
// with the language code, e.g. "dubbing:es".
const (
	StageQueued      = "queued"
	StageDownloading = "downloading"
	StageDubbing     = "dubbing"
	StageLipSync     = "lipsync"
	StageStoring     = "storing"
	StageFinalizing  = "finalizing"
	StageApproval    = "approval"
	StagePublishing  = "publishing"
	StageDone        = "done"
)

// ProcessingJob is one "localize this video into N languages" request.
// Clients follow it through GET /api/v1/jobs/{job_id} or the event stream.
type ProcessingJob struct {
	ID                uuid.UUID  `db:"id"                 json:"id"`
	UserID            uuid.UUID  `db:"user_id"            json:"user_id"`
	SourceVideoID     string     `db:"source_video_id"    json:"source_video_id"`
	SourceChannelID   string     `db:"source_channel_id"  json:"source_channel_id"`
	SourceTitle       string     `db:"source_title"       json:"source_title,omitempty"`
	SourceDescription string     `db:"source_description" json:"source_description,omitempty"`
	TargetLanguages   []string   `db:"target_languages"   json:"target_languages"`
	Status            string     `db:"status"             json:"status"`
	Progress          int        `db:"progress"           json:"progress"`
	CurrentStage      string     `db:"current_stage"      json:"current_stage"`
	ErrorMessage      *string    `db:"error_message"      json:"error_message,omitempty"`
	IsSimulation      bool       `db:"is_simulation"      json:"is_simulation"`
	AutoApprove       bool       `db:"auto_approve"       json:"auto_approve"`
	CreatedAt         time.Time  `db:"created_at"         json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at"         json:"updated_at"`
	CompletedAt       *time.Time `db:"completed_at"       json:"completed_at,omitempty"`
}

// IsTerminal reports whether the job can no longer change status.
func (j *ProcessingJob) IsTerminal() bool {
	return IsTerminalJobStatus(j.Status)
}

func IsTerminalJobStatus(status string) bool {
	switch status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}
