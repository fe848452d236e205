package models

import "github.com/google/uuid"

const (
	EventConnected   = "connected"
	EventJobUpdate   = "job_update"
	EventVideoUpdate = "video_update"
	// EventResync tells a subscriber that events were dropped and current
	// state must be re-queried.
	EventResync = "resync"
)

// Event is a status change pushed to live subscribers. It is never persisted.
type Event struct {
	Type     string         `json:"type"`
	JobID    *uuid.UUID     `json:"job_id,omitempty"`
	Status   string         `json:"status,omitempty"`
	Progress *int           `json:"progress,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}
