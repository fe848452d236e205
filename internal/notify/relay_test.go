package notify_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/dubhub/internal/notify"
	"github.com/kiranshivaraju/dubhub/pkg/models"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: host + ":" + port.Port()})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisRelay_CrossInstanceDelivery(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	client := setupRedisClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	busA, busB := notify.NewBus(16), notify.NewBus(16)
	defer busA.Close()
	defer busB.Close()
	relayA := notify.NewRedisRelay(busA, client)
	relayB := notify.NewRedisRelay(busB, client)
	go relayA.Run(ctx) //nolint:errcheck
	go relayB.Run(ctx) //nolint:errcheck

	user := uuid.New()
	subA, err := busA.Subscribe(user)
	require.NoError(t, err)
	subB, err := busB.Subscribe(user)
	require.NoError(t, err)

	// Wait until both relays hold their pattern subscriptions.
	require.Eventually(t, func() bool {
		n, err := client.PubSubNumPat(ctx).Result()
		return err == nil && n >= 2
	}, 5*time.Second, 20*time.Millisecond)

	relayA.Publish(user, models.Event{Type: models.EventJobUpdate, Status: "processing"})

	assert.Equal(t, "processing", nextWithin(t, subB).Status)
	assert.Equal(t, "processing", nextWithin(t, subA).Status)

	// The origin instance must not receive its own event twice.
	short, stop := context.WithTimeout(ctx, 200*time.Millisecond)
	defer stop()
	_, err = subA.Next(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRedisRelay_PublishDoesNotWaitForRedis(t *testing.T) {
	// Nothing listens on port 1; every forward fails after the dial timeout.
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 2 * time.Second,
		MaxRetries:  3,
	})
	t.Cleanup(func() { client.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := notify.NewBus(4096)
	defer bus.Close()
	relay := notify.NewRedisRelay(bus, client)
	go relay.Run(ctx) //nolint:errcheck

	user := uuid.New()
	sub, err := bus.Subscribe(user)
	require.NoError(t, err)

	start := time.Now()
	for i := 0; i < 2000; i++ {
		relay.Publish(user, models.Event{Type: models.EventJobUpdate, Status: "processing"})
	}
	assert.Less(t, time.Since(start), time.Second, "publishing never waits on redis")
	assert.Positive(t, relay.Dropped(), "overflow beyond the forward queue is dropped")

	assert.Equal(t, "processing", nextWithin(t, sub).Status, "local subscribers are unaffected")
}
