package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/dubhub/internal/api/middleware"
	"github.com/kiranshivaraju/dubhub/internal/notify"
	"github.com/kiranshivaraju/dubhub/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sseFrame struct {
	event string
	data  string
}

// sseReader splits a response body into frames and comment lines.
type sseReader struct {
	sc *bufio.Scanner
}

func (r *sseReader) next(t *testing.T) sseFrame {
	t.Helper()
	var f sseFrame
	for r.sc.Scan() {
		line := r.sc.Text()
		switch {
		case line == "":
			if f.event != "" || f.data != "" {
				return f
			}
		case strings.HasPrefix(line, ":"):
			return sseFrame{event: "comment", data: strings.TrimSpace(line[1:])}
		case strings.HasPrefix(line, "event: "):
			f.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			f.data = strings.TrimPrefix(line, "data: ")
		}
	}
	t.Fatalf("stream ended: %v", r.sc.Err())
	return f
}

func streamServer(t *testing.T, bus *notify.Bus, userID uuid.UUID, heartbeat time.Duration) *httptest.Server {
	t.Helper()
	h := NewEventStreamHandler(bus, heartbeat)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h(w, r.WithContext(mw.SetUserID(r.Context(), userID)))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func openStream(t *testing.T, ctx context.Context, url string) (*http.Response, *sseReader) {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp, &sseReader{sc: bufio.NewScanner(resp.Body)}
}

func TestEventStream_ConnectedThenEvents(t *testing.T) {
	bus := notify.NewBus(16)
	userID := uuid.New()
	srv := streamServer(t, bus, userID, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	resp, stream := openStream(t, ctx, srv.URL)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))

	first := stream.next(t)
	assert.Equal(t, models.EventConnected, first.event)

	jobID := uuid.New()
	progress := 40
	bus.Publish(uuid.New(), models.Event{Type: models.EventJobUpdate, Status: "ignored"})
	bus.Publish(userID, models.Event{
		Type:     models.EventJobUpdate,
		JobID:    &jobID,
		Status:   models.JobStatusProcessing,
		Progress: &progress,
		Data:     map[string]any{"stage": models.StageDubbing},
	})

	frame := stream.next(t)
	assert.Equal(t, models.EventJobUpdate, frame.event)

	var ev models.Event
	require.NoError(t, json.Unmarshal([]byte(frame.data), &ev))
	assert.Equal(t, models.EventJobUpdate, ev.Type)
	require.NotNil(t, ev.JobID)
	assert.Equal(t, jobID, *ev.JobID)
	assert.Equal(t, models.JobStatusProcessing, ev.Status)
	require.NotNil(t, ev.Progress)
	assert.Equal(t, 40, *ev.Progress)
	assert.Equal(t, models.StageDubbing, ev.Data["stage"])
}

func TestEventStream_Heartbeat(t *testing.T) {
	bus := notify.NewBus(16)
	srv := streamServer(t, bus, uuid.New(), 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, stream := openStream(t, ctx, srv.URL)

	require.Equal(t, models.EventConnected, stream.next(t).event)
	frame := stream.next(t)
	assert.Equal(t, "comment", frame.event)
	assert.Equal(t, "keep-alive", frame.data)
}

func TestEventStream_DisconnectUnsubscribes(t *testing.T) {
	bus := notify.NewBus(16)
	userID := uuid.New()
	srv := streamServer(t, bus, userID, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	_, stream := openStream(t, ctx, srv.URL)
	require.Equal(t, models.EventConnected, stream.next(t).event)
	assert.Equal(t, 1, bus.Subscribers(userID))

	cancel()
	assert.Eventually(t, func() bool { return bus.Subscribers(userID) == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestEventStream_BusCloseEndsStream(t *testing.T) {
	bus := notify.NewBus(16)
	srv := streamServer(t, bus, uuid.New(), time.Minute)

	_, stream := openStream(t, context.Background(), srv.URL)
	require.Equal(t, models.EventConnected, stream.next(t).event)

	bus.Close()
	for stream.sc.Scan() {
	}
	assert.NoError(t, stream.sc.Err())
}

func TestEventStream_ClosedBusRejects(t *testing.T) {
	bus := notify.NewBus(16)
	bus.Close()

	r := httptest.NewRequest(http.MethodGet, "/events/stream", nil)
	r = r.WithContext(mw.SetUserID(r.Context(), uuid.New()))
	rec := httptest.NewRecorder()
	NewEventStreamHandler(bus, 0)(rec, r)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
