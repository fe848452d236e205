package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/dubhub/pkg/models"
	"github.com/redis/go-redis/v9"
)

// snapshotRetries bounds optimistic retries when concurrent writers race on
// one job's snapshot.
const snapshotRetries = 5

// JobSnapshot is the cached view of a job's status used by the polling fast path.
type JobSnapshot struct {
	JobID     uuid.UUID `json:"job_id"`
	UserID    uuid.UUID `json:"user_id"`
	Status    string    `json:"status"`
	Progress  int       `json:"progress"`
	Stage     string    `json:"stage"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Supersedes reports whether next may replace cur. A snapshot of a finished
// job is never replaced by one of an unfinished job; the finished status was
// written last in the database even when its snapshot arrived first.
func Supersedes(cur, next JobSnapshot) bool {
	return !models.IsTerminalJobStatus(cur.Status) || models.IsTerminalJobStatus(next.Status)
}

// Cache is the caching interface. All cache operations go through here.
// Implementations must be safe for concurrent use.
type Cache interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	SetJobSnapshot(ctx context.Context, snap JobSnapshot, ttl time.Duration) error
	GetJobSnapshot(ctx context.Context, jobID uuid.UUID) (JobSnapshot, bool, error)
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
}

// RedisCache implements the Cache interface using go-redis/v9.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new RedisCache from a Redis URL.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

// Client exposes the underlying connection for pub/sub users.
func (c *RedisCache) Client() *redis.Client {
	return c.client
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

// SetJobSnapshot stores snap unless the stored snapshot supersedes it.
func (c *RedisCache) SetJobSnapshot(ctx context.Context, snap JobSnapshot, ttl time.Duration) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal job snapshot: %w", err)
	}
	key := JobStatusKey(snap.JobID)

	txf := func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil {
			var prev JobSnapshot
			if json.Unmarshal(cur, &prev) == nil && !Supersedes(prev, snap) {
				return nil
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, ttl)
			return nil
		})
		return err
	}

	for i := 0; i < snapshotRetries; i++ {
		err := c.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("job snapshot %s: %w", snap.JobID, redis.TxFailedErr)
}

func (c *RedisCache) GetJobSnapshot(ctx context.Context, jobID uuid.UUID) (JobSnapshot, bool, error) {
	data, found, err := c.Get(ctx, JobStatusKey(jobID))
	if err != nil || !found {
		return JobSnapshot{}, false, err
	}
	var snap JobSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return JobSnapshot{}, false, fmt.Errorf("unmarshal job snapshot: %w", err)
	}
	return snap, true, nil
}

func (c *RedisCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}
