package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/rickgao/marketstream/internal/model"
)

// Validate checks that all required fields are set and values are valid.
func (c *StreamConfig) Validate() error {
	if c.Feed.URL == "" {
		return errors.New("feed.url is required")
	}
	u, err := url.Parse(c.Feed.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("feed.url must be a ws:// or wss:// URL, got %q", c.Feed.URL)
	}

	if c.Connection.HeartbeatInterval <= 0 {
		return errors.New("connection.heartbeat_interval must be > 0")
	}
	if c.Connection.HeartbeatTimeout <= 0 {
		return errors.New("connection.heartbeat_timeout must be > 0")
	}
	if c.Connection.MaxRetries < 0 {
		return errors.New("connection.max_retries must be >= 0")
	}
	if c.Connection.ReconnectBaseDelay > c.Connection.ReconnectMaxDelay {
		return fmt.Errorf("connection.reconnect_base_delay (%s) cannot exceed reconnect_max_delay (%s)",
			c.Connection.ReconnectBaseDelay, c.Connection.ReconnectMaxDelay)
	}

	if c.Streams.BufferSize < 1 {
		return errors.New("streams.buffer_size must be >= 1")
	}
	if c.Streams.StateBufferSize < 1 {
		return errors.New("streams.state_buffer_size must be >= 1")
	}

	for i, s := range c.Subscriptions {
		if err := s.validate(fmt.Sprintf("subscriptions[%d]", i)); err != nil {
			return err
		}
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error, got %q", c.Logging.Level)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
	}

	return nil
}

func (s *SubscriptionConfig) validate(prefix string) error {
	if !model.Kind(s.Kind).Valid() {
		return fmt.Errorf("%s.kind %q is not one of orderbook, trades, ticker, balance", prefix, s.Kind)
	}
	if s.Instrument == "" {
		return fmt.Errorf("%s.instrument is required", prefix)
	}
	if s.Depth < 0 {
		return fmt.Errorf("%s.depth must be >= 0", prefix)
	}
	return nil
}
