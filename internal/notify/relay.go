package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/dubhub/internal/cache"
	"github.com/kiranshivaraju/dubhub/pkg/models"
	"github.com/redis/go-redis/v9"
)

const (
	// relayBacklog bounds events waiting to be forwarded to Redis.
	relayBacklog = 1024
	// relayPublishTimeout bounds one forward to Redis.
	relayPublishTimeout = 5 * time.Second
)

// RedisRelay publishes events to the local Bus and to Redis so that
// subscribers connected to other server instances receive them too.
type RedisRelay struct {
	bus      *Bus
	client   *redis.Client
	instance string
	out      chan relayEnvelope
	dropped  atomic.Int64
}

type relayEnvelope struct {
	Origin string       `json:"origin"`
	UserID uuid.UUID    `json:"user_id"`
	Event  models.Event `json:"event"`
}

// NewRedisRelay wraps bus. Run must be started to forward events to Redis
// and to receive remote events.
func NewRedisRelay(bus *Bus, client *redis.Client) *RedisRelay {
	return &RedisRelay{
		bus:      bus,
		client:   client,
		instance: uuid.NewString(),
		out:      make(chan relayEnvelope, relayBacklog),
	}
}

// Publish delivers locally and queues the event for Redis without blocking.
// When the forward queue is full the event reaches local subscribers only.
func (r *RedisRelay) Publish(userID uuid.UUID, event models.Event) {
	r.bus.Publish(userID, event)

	select {
	case r.out <- relayEnvelope{Origin: r.instance, UserID: userID, Event: event}:
	default:
		if r.dropped.Add(1) == 1 {
			slog.Warn("relay queue full, dropping events for other instances", "backlog", cap(r.out))
		}
	}
}

// Dropped reports how many events were not forwarded because the queue was full.
func (r *RedisRelay) Dropped() int64 {
	return r.dropped.Load()
}

// Run forwards local events to Redis and delivers events published by other
// instances until ctx ends.
func (r *RedisRelay) Run(ctx context.Context) error {
	go r.forward(ctx)

	pubsub := r.client.PSubscribe(ctx, cache.EventsPattern)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.deliver(msg.Payload)
		}
	}
}

func (r *RedisRelay) forward(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-r.out:
			r.send(ctx, env)
		}
	}
}

func (r *RedisRelay) send(ctx context.Context, env relayEnvelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		slog.Error("marshal relayed event", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, relayPublishTimeout)
	defer cancel()
	if err := r.client.Publish(ctx, cache.EventsChannel(env.UserID), payload).Err(); err != nil {
		slog.Warn("relay event to redis", "user_id", env.UserID, "error", err)
	}
}

func (r *RedisRelay) deliver(payload string) {
	var env relayEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		slog.Warn("discarding malformed relayed event", "error", err)
		return
	}
	if env.Origin == r.instance {
		return
	}
	r.bus.Publish(env.UserID, env.Event)
}
