package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/dubhub/internal/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis spins up a Redis container and returns a connected RedisCache + cleanup.
func setupRedis(t *testing.T) *cache.RedisCache {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	redisURL := "redis://" + host + ":" + port.Port()
	rc, err := cache.NewRedisCache(redisURL)
	require.NoError(t, err)

	return rc
}

// --- Ping ---

func TestPing(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	err := rc.Ping(context.Background())
	assert.NoError(t, err)
}

// --- Set / Get roundtrip ---

func TestSetGet_Roundtrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()

	err := rc.Set(ctx, "test:key", []byte("hello"), 10*time.Second)
	require.NoError(t, err)

	val, found, err := rc.Get(ctx, "test:key")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("hello"), val)
}

func TestGet_NotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)

	val, found, err := rc.Get(context.Background(), "nonexistent:key")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, val)
}

func TestSet_TTLExpiry(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()

	err := rc.Set(ctx, "expiry:key", []byte("temp"), 1*time.Second)
	require.NoError(t, err)

	// Immediately should exist
	_, found, err := rc.Get(ctx, "expiry:key")
	require.NoError(t, err)
	assert.True(t, found)

	// Wait for TTL to expire
	time.Sleep(1500 * time.Millisecond)

	_, found, err = rc.Get(ctx, "expiry:key")
	require.NoError(t, err)
	assert.False(t, found)
}

// --- Delete ---

func TestDelete(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()

	require.NoError(t, rc.Set(ctx, "del:key", []byte("bye"), 10*time.Second))

	err := rc.Delete(ctx, "del:key")
	require.NoError(t, err)

	_, found, err := rc.Get(ctx, "del:key")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDelete_NonExistent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)

	err := rc.Delete(context.Background(), "does:not:exist")
	assert.NoError(t, err)
}

// --- Job Snapshot ---

func TestSetGetJobSnapshot(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()
	snap := cache.JobSnapshot{
		JobID:     uuid.New(),
		UserID:    uuid.New(),
		Status:    "processing",
		Progress:  50,
		Stage:     "lipsync:es",
		UpdatedAt: time.Now().UTC().Truncate(time.Second),
	}

	err := rc.SetJobSnapshot(ctx, snap, 10*time.Second)
	require.NoError(t, err)

	got, found, err := rc.GetJobSnapshot(ctx, snap.JobID)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, snap.Status, got.Status)
	assert.Equal(t, 50, got.Progress)
	assert.Equal(t, "lipsync:es", got.Stage)
	assert.True(t, snap.UpdatedAt.Equal(got.UpdatedAt))
}

func TestSetJobSnapshot_KeepsFinishedStatus(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()
	jobID := uuid.New()

	cancelled := cache.JobSnapshot{JobID: jobID, Status: "cancelled", Progress: 40, Stage: "dubbing:es"}
	require.NoError(t, rc.SetJobSnapshot(ctx, cancelled, 10*time.Second))

	stale := cache.JobSnapshot{JobID: jobID, Status: "processing", Progress: 40, Stage: "dubbing:fr"}
	require.NoError(t, rc.SetJobSnapshot(ctx, stale, 10*time.Second))

	got, found, err := rc.GetJobSnapshot(ctx, jobID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "cancelled", got.Status)
	assert.Equal(t, "dubbing:es", got.Stage)
}

func TestSupersedes(t *testing.T) {
	tests := []struct {
		cur, next string
		want      bool
	}{
		{"processing", "processing", true},
		{"processing", "cancelled", true},
		{"uploading", "waiting_approval", true},
		{"waiting_approval", "completed", true},
		{"cancelled", "processing", false},
		{"completed", "uploading", false},
		{"failed", "waiting_approval", false},
		{"failed", "failed", true},
	}
	for _, tt := range tests {
		t.Run(tt.cur+"->"+tt.next, func(t *testing.T) {
			got := cache.Supersedes(cache.JobSnapshot{Status: tt.cur}, cache.JobSnapshot{Status: tt.next})
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGetJobSnapshot_NotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)

	snap, found, err := rc.GetJobSnapshot(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, "", snap.Status)
}

func TestGetJobSnapshot_Corrupt(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()
	jobID := uuid.New()

	require.NoError(t, rc.Set(ctx, cache.JobStatusKey(jobID), []byte("not-json"), 10*time.Second))

	_, found, err := rc.GetJobSnapshot(ctx, jobID)
	assert.Error(t, err)
	assert.False(t, found)
}

// --- IncrWithExpiry ---

func TestIncrWithExpiry(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()
	key := "ratelimit:test:" + uuid.NewString()[:8]

	val, err := rc.IncrWithExpiry(ctx, key, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), val)

	val, err = rc.IncrWithExpiry(ctx, key, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(2), val)

	val, err = rc.IncrWithExpiry(ctx, key, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(3), val)
}

func TestIncrWithExpiry_Expires(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()
	key := "ratelimit:expiry:" + uuid.NewString()[:8]

	_, err := rc.IncrWithExpiry(ctx, key, 1*time.Second)
	require.NoError(t, err)

	time.Sleep(1500 * time.Millisecond)

	// After expiry, should start from 1 again
	val, err := rc.IncrWithExpiry(ctx, key, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), val)
}

// --- Cache Key Builders ---

func TestJobStatusKey(t *testing.T) {
	jobID := uuid.MustParse("22222222-2222-2222-2222-222222222222")
	key := cache.JobStatusKey(jobID)
	assert.Equal(t, "job:22222222-2222-2222-2222-222222222222", key)
}

func TestRateLimitKey(t *testing.T) {
	userID := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	window := time.Unix(1700000040, 0)
	assert.Equal(t, "ratelimit:11111111-1111-1111-1111-111111111111:1700000040", cache.RateLimitKey(userID, window))
}

func TestLanguageChannelKey(t *testing.T) {
	userID := uuid.MustParse("33333333-3333-3333-3333-333333333333")
	key := cache.LanguageChannelKey(userID, "es")
	assert.Equal(t, "channel:33333333-3333-3333-3333-333333333333:es", key)
}

func TestEventsChannel(t *testing.T) {
	userID := uuid.MustParse("44444444-4444-4444-4444-444444444444")
	assert.Equal(t, "events:44444444-4444-4444-4444-444444444444", cache.EventsChannel(userID))
}

func TestKeyBuilders_NonColliding(t *testing.T) {
	id := uuid.New()

	keys := map[string]bool{
		cache.JobStatusKey(id):                  true,
		cache.RateLimitKey(id, time.Unix(0, 0)): true,
		cache.LanguageChannelKey(id, "es"):      true,
		cache.EventsChannel(id):                 true,
	}
	assert.Len(t, keys, 4, "all keys should be unique")
}
