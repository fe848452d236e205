package handler

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/dubhub/internal/api/response"
	"github.com/kiranshivaraju/dubhub/internal/notify"
	"github.com/kiranshivaraju/dubhub/pkg/models"
)

// DefaultHeartbeat is the keep-alive interval of the event stream.
const DefaultHeartbeat = 15 * time.Second

// Subscriber opens a live event subscription for a user.
type Subscriber interface {
	Subscribe(userID uuid.UUID) (*notify.Subscription, error)
}

// NewEventStreamHandler returns an http.HandlerFunc for GET /api/v1/events/stream.
// It writes one server-sent event per notification, starting with a
// connected event, and a comment line every heartbeat.
func NewEventStreamHandler(bus Subscriber, heartbeat time.Duration) http.HandlerFunc {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}

		sub, err := bus.Subscribe(userID)
		if err != nil {
			response.Error(w, http.StatusServiceUnavailable, "UNAVAILABLE", "Event stream is shutting down", nil)
			return
		}
		defer sub.Close()

		rc := http.NewResponseController(w)
		// The server's write timeout would otherwise end the stream.
		_ = rc.SetWriteDeadline(time.Time{})

		h := w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)

		connected := models.Event{Type: models.EventConnected, Data: map[string]any{"user_id": userID}}
		if err := writeEvent(w, connected); err != nil || rc.Flush() != nil {
			return
		}

		ctx := r.Context()
		done := make(chan struct{})
		defer close(done)
		events := make(chan models.Event)
		go func() {
			defer close(events)
			for ev := range sub.Events(ctx) {
				select {
				case events <- ev:
				case <-done:
					return
				}
			}
		}()

		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if err := writeEvent(w, ev); err != nil {
					slog.Debug("event stream write failed", "user_id", userID, "error", err)
					return
				}
			case <-ticker.C:
				if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
					return
				}
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

func writeEvent(w io.Writer, ev models.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
	return err
}
