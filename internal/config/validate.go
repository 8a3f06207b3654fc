package config

import (
	"errors"
	"fmt"

	"github.com/algotrade/feedmux/internal/model"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return errors.New("api.base_url is required")
	}

	if c.Feed.ReconnectBaseDelay <= 0 {
		return errors.New("feed.reconnect_base_delay must be > 0")
	}
	if c.Feed.ReconnectMaxDelay < c.Feed.ReconnectBaseDelay {
		return fmt.Errorf("feed.reconnect_max_delay (%s) cannot be less than reconnect_base_delay (%s)",
			c.Feed.ReconnectMaxDelay, c.Feed.ReconnectBaseDelay)
	}
	if c.Feed.MaxReconnectAttempts < 1 {
		return errors.New("feed.max_reconnect_attempts must be >= 1")
	}
	if c.Feed.FailureThreshold < 1 {
		return errors.New("feed.failure_threshold must be >= 1")
	}
	if c.Feed.PollInterval <= 0 {
		return errors.New("feed.poll_interval must be > 0")
	}
	if c.Feed.ControlRate <= 0 {
		return errors.New("feed.control_rate must be > 0")
	}

	for i, s := range c.Watch.Symbols {
		if s.Symbol == "" {
			return fmt.Errorf("watch.symbols[%d].symbol is required", i)
		}
		if s.Exchange == "" {
			return fmt.Errorf("watch.symbols[%d].exchange is required", i)
		}
		if s.Mode != "" && !model.Mode(s.Mode).Valid() {
			return fmt.Errorf("watch.symbols[%d].mode %q is not one of LTP, Quote, Depth", i, s.Mode)
		}
	}

	return nil
}

// ValidateDatabase checks the fields only the recorder needs. The watch
// CLI never touches Postgres, so these are validated separately.
func (c *Config) ValidateDatabase() error {
	db := c.Database
	if db.Host == "" {
		return errors.New("database.host is required")
	}
	if db.Name == "" {
		return errors.New("database.name is required")
	}
	if db.User == "" {
		return errors.New("database.user is required")
	}
	if db.MaxConns < 1 {
		return errors.New("database.max_conns must be >= 1")
	}
	if db.MinConns < 0 {
		return errors.New("database.min_conns must be >= 0")
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("database.min_conns (%d) cannot exceed max_conns (%d)", db.MinConns, db.MaxConns)
	}
	if c.Recorder.BatchSize < 1 {
		return errors.New("recorder.batch_size must be >= 1")
	}
	if c.Recorder.BufferSize < 1 {
		return errors.New("recorder.buffer_size must be >= 1")
	}
	return nil
}
