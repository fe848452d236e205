package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	VideoStatusPending         = "pending"
	VideoStatusProcessing      = "processing"
	VideoStatusWaitingApproval = "waiting_approval"
	VideoStatusDraft           = "draft"
	VideoStatusRejected        = "rejected"
	VideoStatusPublished       = "published"
	VideoStatusFailed          = "failed"
	VideoStatusCancelled       = "cancelled"
)

// LocalizedVideo is the per-language output of a job. There is exactly one
// record per (job_id, language_code).
type LocalizedVideo struct {
	ID              uuid.UUID  `db:"id"                json:"id"`
	JobID           uuid.UUID  `db:"job_id"            json:"job_id"`
	SourceVideoID   string     `db:"source_video_id"   json:"source_video_id"`
	LanguageCode    string     `db:"language_code"     json:"language_code"`
	ChannelID       *string    `db:"channel_id"        json:"channel_id,omitempty"`
	Status          string     `db:"status"            json:"status"`
	StorageURL      *string    `db:"storage_url"       json:"storage_url,omitempty"`
	DubbedAudioURL  *string    `db:"dubbed_audio_url"  json:"dubbed_audio_url,omitempty"`
	ThumbnailURL    *string    `db:"thumbnail_url"     json:"thumbnail_url,omitempty"`
	Title           string     `db:"title"             json:"title,omitempty"`
	Description     string     `db:"description"       json:"description,omitempty"`
	PlatformVideoID *string    `db:"platform_video_id" json:"platform_video_id,omitempty"`
	PublishedAt     *time.Time `db:"published_at"      json:"published_at,omitempty"`
	ErrorMessage    *string    `db:"error_message"     json:"error_message,omitempty"`
	CreatedAt       time.Time  `db:"created_at"        json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"        json:"updated_at"`
}

// IsTerminal reports whether the record is resolved for job completion purposes.
func (v *LocalizedVideo) IsTerminal() bool {
	return IsTerminalVideoStatus(v.Status)
}

func IsTerminalVideoStatus(status string) bool {
	switch status {
	case VideoStatusPublished, VideoStatusRejected, VideoStatusFailed, VideoStatusCancelled:
		return true
	}
	return false
}
