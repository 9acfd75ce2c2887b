//go:build integration

package containers

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

// RedisContainer wraps a Redis instance for the usage-counter store.
type RedisContainer struct {
	Container testcontainers.Container
	URL       string
	Options   *redis.Options
	Client    *redis.Client
}

// NewRedisContainer starts Redis and connects a client to it. The image can
// be pinned with USAGETRAIL_TEST_REDIS_IMAGE.
func NewRedisContainer(t *testing.T) *RedisContainer {
	t.Helper()

	ctx := context.Background()
	image := imageFor("USAGETRAIL_TEST_REDIS_IMAGE", "redis:7-alpine")

	container, err := tcredis.Run(ctx, image)
	if err != nil {
		t.Fatalf("start redis container %s: %v", image, err)
	}

	rc := &RedisContainer{Container: container}
	if err := rc.connect(ctx, container); err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("connect to redis container: %v", err)
	}

	// Shared across suites through the Manager; Ryuk handles cleanup.
	return rc
}

func (r *RedisContainer) connect(ctx context.Context, container *tcredis.RedisContainer) error {
	url, err := container.ConnectionString(ctx)
	if err != nil {
		return err
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return err
	}
	r.URL, r.Options, r.Client = url, opts, client
	return nil
}

// FlushAll drops every key, so each test starts with empty counters and no
// point markers.
func (r *RedisContainer) FlushAll(ctx context.Context) error {
	return r.Client.FlushAll(ctx).Err()
}

// TTL returns the remaining lifetime of key. A key without expiry yields a
// negative duration.
func (r *RedisContainer) TTL(ctx context.Context, key string) (time.Duration, error) {
	return r.Client.TTL(ctx, key).Result()
}

// Keys scans the keyspace for match and returns the keys sorted.
func (r *RedisContainer) Keys(ctx context.Context, match string) ([]string, error) {
	var keys []string
	iter := r.Client.Scan(ctx, 0, match, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	slices.Sort(keys)
	return keys, nil
}
