// Package influx creates the InfluxDB v2 client used by the metrics store.
package influx

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"usagetrail/internal/platform/config"
)

// Client owns the HTTP client shared by the blocking write API.
type Client struct {
	client influxdb2.Client
	writer api.WriteAPIBlocking
}

// New creates a client for cfg and checks that the server answers. Points
// are written with millisecond precision, matching producer timestamps.
func New(ctx context.Context, cfg config.Influx) (*Client, error) {
	opts := influxdb2.DefaultOptions().SetPrecision(time.Millisecond)
	if cfg.Timeout > 0 {
		opts.SetHTTPRequestTimeout(uint(cfg.Timeout / time.Second))
	}
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opts)

	if _, err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("influx ping failed: %w", err)
	}
	return &Client{client: client, writer: client.WriteAPIBlocking(cfg.Org, cfg.Bucket)}, nil
}

// Writer returns the blocking write API for the configured bucket.
func (c *Client) Writer() api.WriteAPIBlocking { return c.writer }

// Health pings the server.
func (c *Client) Health(ctx context.Context) error {
	ok, err := c.client.Ping(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("influx is not ready")
	}
	return nil
}

func (c *Client) Close() {
	c.client.Close()
}
