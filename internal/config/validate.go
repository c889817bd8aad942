package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks that all required fields are set and values are valid.
func (c *CollectorConfig) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if !strings.HasPrefix(c.Feed.URL, "ws://") && !strings.HasPrefix(c.Feed.URL, "wss://") {
		return fmt.Errorf("feed.url must be a websocket URL, got %q", c.Feed.URL)
	}

	if err := c.Database.validate("database"); err != nil {
		return err
	}

	if c.Subscriptions.Ceiling < 1 {
		return errors.New("subscriptions.ceiling must be >= 1")
	}
	if c.Subscriptions.BatchSize < 1 {
		return errors.New("subscriptions.batch_size must be >= 1")
	}
	if c.Subscriptions.BatchSize > c.Subscriptions.Ceiling {
		return fmt.Errorf("subscriptions.batch_size (%d) cannot exceed ceiling (%d)",
			c.Subscriptions.BatchSize, c.Subscriptions.Ceiling)
	}

	if c.Writer.BatchSize < 1 {
		return errors.New("writer.batch_size must be >= 1")
	}
	if c.Writer.HighWater < c.Writer.BatchSize {
		return fmt.Errorf("writer.high_water (%d) must be >= batch_size (%d)",
			c.Writer.HighWater, c.Writer.BatchSize)
	}

	if c.Partitions.DaysAhead < 1 {
		return errors.New("partitions.days_ahead must be >= 1")
	}

	if c.Reconstruct.Cache.Enabled && c.Reconstruct.Cache.Addr == "" {
		return errors.New("reconstruct.cache.addr is required when cache is enabled")
	}

	if c.Health.Port < 1 || c.Health.Port > 65535 {
		return fmt.Errorf("health.port must be between 1 and 65535, got %d", c.Health.Port)
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
