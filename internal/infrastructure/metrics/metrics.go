// Package metrics emits DogStatsD counters and gauges.
package metrics

import (
	"fmt"

	"github.com/DataDog/datadog-go/statsd"

	"github.com/nerrad567/wiser-sync/internal/infrastructure/config"
)

// Logger is satisfied by logging.Logger.
type Logger interface {
	Warn(msg string, args ...any)
}

// Client sends metrics over UDP. Emission failures are logged, never returned.
type Client struct {
	sd     statsd.ClientInterface
	logger Logger
}

// New creates a client for cfg. A disabled config yields a client that
// discards everything.
func New(cfg config.StatsdConfig) (*Client, error) {
	if !cfg.Enabled {
		return Noop(), nil
	}

	sd, err := statsd.New(cfg.Address,
		statsd.WithNamespace(cfg.Namespace),
		statsd.WithTags(cfg.Tags),
	)
	if err != nil {
		return nil, fmt.Errorf("creating statsd client for %s: %w", cfg.Address, err)
	}
	return &Client{sd: sd}, nil
}

// Noop returns a client that discards every metric.
func Noop() *Client {
	return &Client{sd: &statsd.NoOpClient{}}
}

// SetLogger sets the logger for emission failures.
func (c *Client) SetLogger(l Logger) {
	c.logger = l
}

// Incr increments a counter by one.
func (c *Client) Incr(name string, tags ...string) {
	c.warn(name, c.sd.Incr(name, tags, 1))
}

// Gauge records the current value of name.
func (c *Client) Gauge(name string, value float64, tags ...string) {
	c.warn(name, c.sd.Gauge(name, value, tags, 1))
}

// Flush sends buffered metrics.
func (c *Client) Flush() error {
	return c.sd.Flush()
}

// Close flushes and releases the socket.
func (c *Client) Close() error {
	return c.sd.Close()
}

func (c *Client) warn(name string, err error) {
	if err != nil && c.logger != nil {
		c.logger.Warn("failed to emit metric", "metric", name, "error", err)
	}
}
