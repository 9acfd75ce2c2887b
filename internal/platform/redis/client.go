// Package redis opens the go-redis client behind the usage-counter store.
package redis

import (
	"context"

	"github.com/redis/go-redis/v9"

	"usagetrail/internal/platform/config"
	dErrors "usagetrail/pkg/domain-errors"
)

// Client is the pooled connection shared by the metrics store and the
// readiness probe.
type Client struct {
	*redis.Client
}

// New connects to cfg.URL and fails when the server does not answer a ping,
// so a bad address stops startup instead of the first delivery.
func New(ctx context.Context, cfg config.Redis) (*Client, error) {
	opts, err := options(cfg)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "redis ping")
	}
	return &Client{Client: client}, nil
}

// options overlays the pool settings of cfg on the URL's options. Zero values
// keep the go-redis defaults.
func options(cfg config.Redis) (*redis.Options, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeMisconfigured, "parse redis url")
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.MinIdleConns > 0 {
		opts.MinIdleConns = cfg.MinIdleConns
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}
	return opts, nil
}

// Health is the readiness probe.
func (c *Client) Health(ctx context.Context) error {
	if err := c.Ping(ctx).Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "redis ping")
	}
	return nil
}

func (c *Client) Close() error {
	return c.Client.Close()
}
