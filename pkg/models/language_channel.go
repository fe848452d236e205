package models

import (
	"time"

	"github.com/google/uuid"
)

// LanguageChannel maps a user's target language to the platform channel that
// receives videos in that language. Paused channels are skipped.
type LanguageChannel struct {
	ID           uuid.UUID `db:"id"            json:"id"`
	UserID       uuid.UUID `db:"user_id"       json:"user_id"`
	LanguageCode string    `db:"language_code" json:"language_code"`
	ChannelID    string    `db:"channel_id"    json:"channel_id"`
	IsPaused     bool      `db:"is_paused"     json:"is_paused"`
	CreatedAt    time.Time `db:"created_at"    json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"    json:"updated_at"`
}
