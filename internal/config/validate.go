package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate checks that all required fields are set and values are valid.
func (c *ClientConfig) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if err := c.Stream.validate(); err != nil {
		return err
	}
	if err := c.Reconnect.validate(); err != nil {
		return err
	}

	if c.Journal.Enabled {
		if c.Journal.BatchSize < 1 {
			return errors.New("journal.batch_size must be >= 1")
		}
		if c.Journal.BufferSize < 1 {
			return errors.New("journal.buffer_size must be >= 1")
		}
		if err := c.Journal.Database.validate("journal.database"); err != nil {
			return err
		}
	}

	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
	}
	if !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /, got %q", c.Metrics.Path)
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error, got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}

	return nil
}

func (s *StreamConfig) validate() error {
	if s.URL == "" {
		return errors.New("stream.url is required")
	}
	u, err := url.Parse(s.URL)
	if err != nil {
		return fmt.Errorf("stream.url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("stream.url must use ws or wss, got %q", u.Scheme)
	}
	if s.PrivateKeyPath != "" && s.APIKey == "" {
		return errors.New("stream.api_key is required when stream.private_key_path is set")
	}
	if s.PingTimeout <= s.PingInterval {
		return fmt.Errorf("stream.ping_timeout (%s) must exceed stream.ping_interval (%s)", s.PingTimeout, s.PingInterval)
	}
	if s.HeartbeatRate < 0 {
		return errors.New("stream.heartbeat_rate must be >= 0")
	}
	if s.HeartbeatBurst < 1 {
		return errors.New("stream.heartbeat_burst must be >= 1")
	}
	return nil
}

func (r *ReconnectConfig) validate() error {
	if r.BaseDelay <= 0 {
		return errors.New("reconnect.base_delay must be > 0")
	}
	if r.MaxDelay < r.BaseDelay {
		return fmt.Errorf("reconnect.max_delay (%s) cannot be less than base_delay (%s)", r.MaxDelay, r.BaseDelay)
	}
	if r.MaxAttempts < 1 {
		return errors.New("reconnect.max_attempts must be >= 1")
	}
	if r.Jitter < 0 {
		return errors.New("reconnect.jitter must be >= 0")
	}
	if r.PollInterval <= 0 {
		return errors.New("reconnect.poll_interval must be > 0")
	}
	if r.SettleDelay < 0 {
		return errors.New("reconnect.settle_delay must be >= 0")
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
