package cache

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

func JobStatusKey(jobID uuid.UUID) string {
	return fmt.Sprintf("job:%s", jobID)
}

// RateLimitKey names one user's request counter for the window starting at window.
func RateLimitKey(userID uuid.UUID, window time.Time) string {
	return fmt.Sprintf("ratelimit:%s:%d", userID, window.Unix())
}

func LanguageChannelKey(userID uuid.UUID, languageCode string) string {
	return fmt.Sprintf("channel:%s:%s", userID, languageCode)
}

// EventsChannel is the Redis pub/sub channel carrying one user's events.
func EventsChannel(userID uuid.UUID) string {
	return fmt.Sprintf("events:%s", userID)
}

// EventsPattern matches every EventsChannel.
const EventsPattern = "events:*"
