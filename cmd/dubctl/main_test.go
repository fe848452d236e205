package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/dubhub/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "dh_test_key"

// fakeAPI is a minimal DubHub server that records what it receives.
type fakeAPI struct {
	t      *testing.T
	mux    *http.ServeMux
	server *httptest.Server

	mu     sync.Mutex
	bodies map[string]map[string]any
	auth   []string
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()
	f := &fakeAPI{t: t, mux: http.NewServeMux(), bodies: make(map[string]map[string]any)}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.auth = append(f.auth, r.Header.Get("Authorization"))
		if r.Body != nil && r.ContentLength != 0 {
			var body map[string]any
			if json.NewDecoder(r.Body).Decode(&body) == nil {
				f.bodies[r.Method+" "+r.URL.Path] = body
			}
		}
		f.mu.Unlock()
		f.mux.ServeHTTP(w, r)
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeAPI) body(route string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bodies[route]
}

func writeData(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"data": data})
}

func runCLI(t *testing.T, api *fakeAPI, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append([]string{"--server", api.server.URL, "--api-key", testKey}, args...))
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), err
}

func TestEnqueue_SendsRequest(t *testing.T) {
	api := newFakeAPI(t)
	jobID := uuid.New()
	api.mux.HandleFunc("POST /api/v1/jobs", func(w http.ResponseWriter, r *http.Request) {
		writeData(w, http.StatusAccepted, models.ProcessingJob{
			ID: jobID, Status: models.JobStatusPending, TargetLanguages: []string{"es", "fr"}, IsSimulation: true,
		})
	})

	out, err := runCLI(t, api, "jobs", "enqueue", "--video", "vid123", "--channel", "UC-source",
		"--lang", "es,fr", "--title", "Launch Day", "--simulate")
	require.NoError(t, err)
	assert.Contains(t, out, "Enqueued job "+jobID.String())
	assert.Contains(t, out, "simulated")

	body := api.body("POST /api/v1/jobs")
	require.NotNil(t, body)
	assert.Equal(t, "vid123", body["source_video_id"])
	assert.Equal(t, "UC-source", body["channel_id"])
	assert.Equal(t, "Launch Day", body["source_title"])
	assert.Equal(t, []any{"es", "fr"}, body["target_languages"])
	assert.Equal(t, true, body["simulate"])
	assert.Equal(t, false, body["auto_approve"])
	assert.Equal(t, []string{"Bearer " + testKey}, api.auth)
}

func TestEnqueue_RequiresFlags(t *testing.T) {
	api := newFakeAPI(t)

	_, err := runCLI(t, api, "jobs", "enqueue", "--video", "vid123")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")
}

func TestMissingAPIKey(t *testing.T) {
	t.Setenv("DUBHUB_API_KEY", "")
	cmd := newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"jobs", "list"})

	err := cmd.Execute()
	assert.ErrorIs(t, err, errNoAPIKey)
}

func TestServerErrorIsSurfaced(t *testing.T) {
	api := newFakeAPI(t)
	api.mux.HandleFunc("POST /api/v1/jobs", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{
			"code": "INVALID_REQUEST", "message": "target_languages: unsupported language \"xx\"",
		}})
	})

	_, err := runCLI(t, api, "jobs", "enqueue", "--video", "v", "--channel", "c", "--lang", "xx")
	require.Error(t, err)

	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, "INVALID_REQUEST", apiErr.Code)
}

func TestJobsList_RendersTable(t *testing.T) {
	api := newFakeAPI(t)
	var query string
	api.mux.HandleFunc("GET /api/v1/jobs", func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		writeData(w, http.StatusOK, []models.ProcessingJob{{
			ID:              uuid.New(),
			SourceVideoID:   "vid123",
			Status:          models.JobStatusProcessing,
			Progress:        55,
			CurrentStage:    "lipsync:es",
			TargetLanguages: []string{"es", "de"},
			CreatedAt:       time.Now(),
		}})
	})

	out, err := runCLI(t, api, "jobs", "list", "--status", "processing")
	require.NoError(t, err)
	assert.Contains(t, query, "status=processing")
	assert.Contains(t, out, "vid123")
	assert.Contains(t, out, "55%")
	assert.Contains(t, out, "lipsync:es")
	assert.Contains(t, out, "es,de")
}

func TestJobsList_JSON(t *testing.T) {
	api := newFakeAPI(t)
	api.mux.HandleFunc("GET /api/v1/jobs", func(w http.ResponseWriter, r *http.Request) {
		writeData(w, http.StatusOK, []models.ProcessingJob{})
	})

	out, err := runCLI(t, api, "--json", "jobs", "list")
	require.NoError(t, err)
	assert.Equal(t, "[]\n", out)
}

func TestJobsStats_RendersSummary(t *testing.T) {
	api := newFakeAPI(t)
	var query string
	api.mux.HandleFunc("GET /api/v1/jobs/stats", func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		writeData(w, http.StatusOK, map[string]any{
			"days":                      7,
			"total_jobs":                5,
			"by_status":                 map[string]int{"completed": 3, "failed": 1, "processing": 1},
			"active_jobs":               1,
			"success_rate":              75,
			"failure_rate":              20,
			"avg_processing_minutes":    3.5,
			"fastest_minutes":           2,
			"slowest_minutes":           5.25,
			"total_languages_processed": 8,
			"languages":                 []map[string]any{{"key": "es", "count": 4}},
			"common_errors":             []map[string]any{{"key": "download failed", "count": 1}},
		})
	})

	out, err := runCLI(t, api, "jobs", "stats", "--days", "7")
	require.NoError(t, err)
	assert.Equal(t, "days=7", query)
	assert.Contains(t, out, "last 7 days")
	assert.Contains(t, out, "5 total, 1 active")
	assert.Contains(t, out, "75.00%")
	assert.Contains(t, out, "slowest 5.25")
	assert.Contains(t, out, "download failed")
	assert.Contains(t, out, "processing")
}

func TestJobsStats_EmptyWindow(t *testing.T) {
	api := newFakeAPI(t)
	api.mux.HandleFunc("GET /api/v1/jobs/stats", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "0", r.URL.Query().Get("days"))
		writeData(w, http.StatusOK, map[string]any{"days": 0, "total_jobs": 0, "by_status": map[string]int{}})
	})

	out, err := runCLI(t, api, "jobs", "stats", "--days", "0")
	require.NoError(t, err)
	assert.Equal(t, "Jobs (all time): 0 total, 0 active\n", out)
}

func TestJobsStats_JSON(t *testing.T) {
	api := newFakeAPI(t)
	api.mux.HandleFunc("GET /api/v1/jobs/stats", func(w http.ResponseWriter, r *http.Request) {
		writeData(w, http.StatusOK, map[string]any{"total_jobs": 2})
	})

	out, err := runCLI(t, api, "--json", "jobs", "stats")
	require.NoError(t, err)
	assert.JSONEq(t, `{"total_jobs":2}`, out)
}

func TestJobsShow(t *testing.T) {
	api := newFakeAPI(t)
	jobID := uuid.New()
	channel := "UC-es"
	msg := "de: dubbing: provider rejected task"
	api.mux.HandleFunc("GET /api/v1/jobs/"+jobID.String(), func(w http.ResponseWriter, r *http.Request) {
		writeData(w, http.StatusOK, map[string]any{
			"job": models.ProcessingJob{ID: jobID, Status: models.JobStatusWaitingApproval, Progress: 100, SourceVideoID: "vid123"},
			"videos": []models.LocalizedVideo{
				{ID: uuid.New(), LanguageCode: "es", Status: models.VideoStatusWaitingApproval, ChannelID: &channel},
				{ID: uuid.New(), LanguageCode: "de", Status: models.VideoStatusFailed, ErrorMessage: &msg},
			},
		})
	})

	out, err := runCLI(t, api, "jobs", "show", jobID.String())
	require.NoError(t, err)
	assert.Contains(t, out, "waiting_approval (100%")
	assert.Contains(t, out, "UC-es")
	assert.Contains(t, out, msg)
}

func TestJobsCancel(t *testing.T) {
	api := newFakeAPI(t)
	jobID := uuid.New()
	changed := true
	api.mux.HandleFunc("POST /api/v1/jobs/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		writeData(w, http.StatusOK, map[string]any{
			"job":     models.ProcessingJob{ID: jobID, Status: models.JobStatusCompleted},
			"changed": changed,
		})
	})

	out, err := runCLI(t, api, "jobs", "cancel", jobID.String())
	require.NoError(t, err)
	assert.Contains(t, out, "Cancelled job")

	changed = false
	out, err = runCLI(t, api, "jobs", "cancel", jobID.String())
	require.NoError(t, err)
	assert.Contains(t, out, "already completed")
}

func TestJobsDecide_SelectsUndecidedByLanguage(t *testing.T) {
	api := newFakeAPI(t)
	jobID := uuid.New()
	es, fr, de := uuid.New(), uuid.New(), uuid.New()
	api.mux.HandleFunc("GET /api/v1/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeData(w, http.StatusOK, map[string]any{
			"job": models.ProcessingJob{ID: jobID},
			"videos": []models.LocalizedVideo{
				{ID: es, LanguageCode: "es", Status: models.VideoStatusWaitingApproval},
				{ID: fr, LanguageCode: "fr", Status: models.VideoStatusDraft},
				{ID: de, LanguageCode: "de", Status: models.VideoStatusFailed},
			},
		})
	})
	api.mux.HandleFunc("POST /api/v1/jobs/{id}/decisions", func(w http.ResponseWriter, r *http.Request) {
		writeData(w, http.StatusOK, map[string]any{"applied": []string{fr.String()}, "job_status": "waiting_approval"})
	})

	out, err := runCLI(t, api, "jobs", "decide", jobID.String(), "--action", "reject", "--lang", "FR")
	require.NoError(t, err)
	assert.Contains(t, out, "Applied reject to 1 video(s)")

	body := api.body("POST /api/v1/jobs/" + jobID.String() + "/decisions")
	assert.Equal(t, "reject", body["action"])
	assert.Equal(t, []any{fr.String()}, body["video_ids"])
}

func TestJobsDecide_ReportsPublishFailures(t *testing.T) {
	api := newFakeAPI(t)
	jobID, videoID := uuid.New(), uuid.New()
	api.mux.HandleFunc("POST /api/v1/jobs/{id}/decisions", func(w http.ResponseWriter, r *http.Request) {
		writeData(w, http.StatusOK, map[string]any{
			"failed":     []map[string]any{{"video_id": videoID.String(), "error": "upload refused"}},
			"job_status": "waiting_approval",
		})
	})

	out, err := runCLI(t, api, "jobs", "decide", jobID.String(), "--video", videoID.String())
	require.Error(t, err)
	assert.Contains(t, out, "upload refused")
}

func TestSelectUndecided(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	videos := []*models.LocalizedVideo{
		{ID: a, LanguageCode: "es", Status: models.VideoStatusWaitingApproval},
		{ID: b, LanguageCode: "fr", Status: models.VideoStatusPublished},
	}
	assert.Equal(t, []string{a.String()}, selectUndecided(videos, nil))
	assert.Empty(t, selectUndecided(videos, []string{"fr"}))
}

func TestWatch_FollowsJobUntilTerminal(t *testing.T) {
	api := newFakeAPI(t)
	jobID := uuid.New()
	other := uuid.New()
	api.mux.HandleFunc("GET /api/v1/events/stream", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		send := func(ev models.Event) {
			payload, _ := json.Marshal(ev)
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
		}
		p40, p100 := 40, 100
		send(models.Event{Type: models.EventConnected})
		fmt.Fprint(w, ": keep-alive\n\n")
		send(models.Event{Type: models.EventJobUpdate, JobID: &other, Status: models.JobStatusProcessing})
		send(models.Event{Type: models.EventVideoUpdate, JobID: &jobID, Status: models.VideoStatusWaitingApproval,
			Data: map[string]any{"language": "es"}})
		send(models.Event{Type: models.EventJobUpdate, JobID: &jobID, Status: models.JobStatusProcessing, Progress: &p40,
			Data: map[string]any{"stage": "dubbing:es"}})
		send(models.Event{Type: models.EventJobUpdate, JobID: &jobID, Status: models.JobStatusCompleted, Progress: &p100})
		w.(http.Flusher).Flush()
		// Hold the stream open: the command must stop on the terminal event.
		<-r.Context().Done()
	})

	out, err := runCLI(t, api, "watch", "--job", jobID.String())
	require.NoError(t, err)
	assert.NotContains(t, out, other.String()[:8])
	assert.Contains(t, out, "lang=es")
	assert.Contains(t, out, "progress=40%")
	assert.Contains(t, out, "stage=dubbing:es")
	assert.Contains(t, out, "status=completed")
}

func TestWatch_ResyncRequeriesJob(t *testing.T) {
	api := newFakeAPI(t)
	jobID := uuid.New()
	api.mux.HandleFunc("GET /api/v1/events/stream", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		payload, _ := json.Marshal(models.Event{Type: models.EventResync, Data: map[string]any{"dropped": 3}})
		fmt.Fprintf(w, "event: resync\ndata: %s\n\n", payload)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})
	api.mux.HandleFunc("GET /api/v1/jobs/{id}/status", func(w http.ResponseWriter, r *http.Request) {
		writeData(w, http.StatusOK, map[string]any{"job_id": jobID, "status": models.JobStatusCancelled})
	})

	out, err := runCLI(t, api, "watch", "--job", jobID.String())
	require.NoError(t, err)
	assert.Contains(t, out, "resync")
	assert.Contains(t, out, "status=cancelled")
}

func TestWatch_StreamRejected(t *testing.T) {
	api := newFakeAPI(t)
	api.mux.HandleFunc("GET /api/v1/events/stream", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	})

	_, err := runCLI(t, api, "watch")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestKeysCreate_Validation(t *testing.T) {
	api := newFakeAPI(t)

	_, err := runCLI(t, api, "keys", "create", "--database-url", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no database")

	_, err = runCLI(t, api, "keys", "create", "--database-url", "postgres://x", "--user", "bob")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid --user")

	_, err = runCLI(t, api, "keys", "create", "--database-url", "postgres://x", "--scope", "root")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scope")
}

func TestKeysListAndRevoke(t *testing.T) {
	api := newFakeAPI(t)
	keyID := uuid.New()
	api.mux.HandleFunc("GET /api/v1/admin/keys", func(w http.ResponseWriter, r *http.Request) {
		writeData(w, http.StatusOK, []models.APIKey{{ID: keyID, Name: "ci", KeyPrefix: "dh_abcde", Scopes: []string{"read"}}})
	})
	api.mux.HandleFunc("DELETE /api/v1/admin/keys/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	out, err := runCLI(t, api, "keys", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "dh_abcde")
	assert.Contains(t, out, "never")

	out, err = runCLI(t, api, "keys", "revoke", keyID.String())
	require.NoError(t, err)
	assert.Contains(t, out, "Revoked key "+keyID.String())
}
