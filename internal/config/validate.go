package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks that all required fields are set and values are valid.
func (c *AgentConfig) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}
	if c.API.RestURL == "" {
		return errors.New("api.rest_url is required")
	}

	if err := c.Transport.validate(); err != nil {
		return err
	}

	if !strings.Contains(c.Negotiation.AcceptTemplate, "%s") {
		return errors.New("negotiation.accept_template must contain %s")
	}
	if !strings.Contains(c.Negotiation.RejectTemplate, "%s") {
		return errors.New("negotiation.reject_template must contain %s")
	}

	if c.Poller.ActiveInterval > c.Poller.IdleInterval {
		return fmt.Errorf("poller.active_interval (%s) cannot exceed idle_interval (%s)",
			c.Poller.ActiveInterval, c.Poller.IdleInterval)
	}

	switch c.Cache.Backend {
	case CacheFile, CacheSQLite:
		if c.Cache.Path == "" {
			return fmt.Errorf("cache.path is required for the %s backend", c.Cache.Backend)
		}
	case CachePostgres:
		if err := c.Cache.Postgres.validate("cache.postgres"); err != nil {
			return err
		}
	default:
		return fmt.Errorf("cache.backend must be one of file, sqlite, postgres, got %q", c.Cache.Backend)
	}

	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}

	return nil
}

func (t *TransportConfig) validate() error {
	switch t.Backend {
	case BackendPubSub:
		if t.AppKey == "" {
			return errors.New("transport.app_key is required for the pubsub backend")
		}
	case BackendSocket:
	default:
		return fmt.Errorf("transport.backend must be pubsub or socket, got %q", t.Backend)
	}
	if t.URL == "" {
		return errors.New("transport.url is required")
	}
	if t.MaxReconnectAttempts < 1 {
		return errors.New("transport.max_reconnect_attempts must be >= 1")
	}
	if t.ReconnectBaseDelay > t.ReconnectMaxDelay {
		return fmt.Errorf("transport.reconnect_base_delay (%s) cannot exceed reconnect_max_delay (%s)",
			t.ReconnectBaseDelay, t.ReconnectMaxDelay)
	}
	if t.BufferSize < 1 {
		return errors.New("transport.buffer_size must be >= 1")
	}
	if t.ClientEventRate <= 0 || t.ClientEventBurst < 1 {
		return errors.New("transport.client_event_rate and client_event_burst must be positive")
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
