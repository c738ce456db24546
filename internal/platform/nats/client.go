// Package nats provides the NATS JetStream connection used to relay oracle
// telemetry.
package nats

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Config holds NATS connection settings for the relay and gridctl tail.
type Config struct {
	URL  string
	Name string

	// MaxReconnects is -1 for unlimited.
	MaxReconnects int
	ReconnectWait time.Duration

	// DialTimeout bounds the initial connect; a shorter ctx deadline wins.
	DialTimeout time.Duration

	// DrainTimeout bounds how long Close waits for buffered records.
	DrainTimeout time.Duration
}

// DefaultConfig returns settings for a local broker.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "powergrid-oracle",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		DialTimeout:   5 * time.Second,
		DrainTimeout:  10 * time.Second,
	}
}

// Client owns one NATS connection and its JetStream handle.
type Client struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// Connect dials the broker. Later disconnects are retried in the background
// and only logged.
func Connect(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	logger = logger.With("component", "nats", "url", cfg.URL)

	timeout := cfg.DialTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout || timeout <= 0 {
			timeout = left
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.Timeout(timeout),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DrainTimeout(cfg.DrainTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "server", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Warn("nats async error", "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", cfg.URL, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	logger.Debug("nats connected", "server", nc.ConnectedUrl())
	return &Client{nc: nc, js: js, logger: logger}, nil
}

func (c *Client) JetStream() jetstream.JetStream {
	return c.js
}

// Close drains pending publishes, then closes the connection. It is safe to
// call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		if err := c.nc.Drain(); err != nil {
			c.nc.Close()
			c.closeErr = fmt.Errorf("nats drain: %w", err)
			return
		}
		c.logger.Debug("nats connection draining")
	})
	return c.closeErr
}
