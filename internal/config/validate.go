package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate checks that all required fields are set and values are valid.
func (c *StreamerConfig) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if err := c.Stream.validate(); err != nil {
		return err
	}

	for i, ch := range c.Subscriptions.Channels {
		if ch.Channel == "" {
			return fmt.Errorf("subscriptions.channels[%d].channel is required", i)
		}
	}

	if c.Database.Enabled {
		if err := c.Database.Postgres.validate("database.postgres"); err != nil {
			return err
		}
		if c.Writers.BatchSize < 1 {
			return errors.New("writers.batch_size must be >= 1")
		}
	}

	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

func (s *StreamConfig) validate() error {
	if s.Host == "" {
		return errors.New("stream.host is required")
	}
	u, err := url.Parse(s.Host)
	if err != nil {
		return fmt.Errorf("stream.host is invalid: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("stream.host must use ws or wss scheme, got %q", u.Scheme)
	}
	if !strings.HasPrefix(s.PathTemplate, "/") {
		return fmt.Errorf("stream.path_template must start with /, got %q", s.PathTemplate)
	}
	if s.MaxReconnectAttempts < 1 {
		return errors.New("stream.max_reconnect_attempts must be >= 1")
	}
	if s.ReconnectBaseDelay > s.ReconnectMaxDelay {
		return fmt.Errorf("stream.reconnect_base_delay (%v) cannot exceed reconnect_max_delay (%v)",
			s.ReconnectBaseDelay, s.ReconnectMaxDelay)
	}
	if s.BatchSize < 1 {
		return errors.New("stream.batch_size must be >= 1")
	}
	if s.SymbolChunkSize < 1 {
		return errors.New("stream.symbol_chunk_size must be >= 1")
	}
	if s.BufferSize < 1 {
		return errors.New("stream.buffer_size must be >= 1")
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
