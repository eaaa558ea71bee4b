package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultAuthPath             = "/broadcasting/auth"
	DefaultAPITimeout           = 30 * time.Second
	DefaultMaxRetries           = 3
	DefaultBackend              = BackendPubSub
	DefaultReconnectBaseDelay   = 1 * time.Second
	DefaultReconnectMaxDelay    = 30 * time.Second
	DefaultMaxReconnectAttempts = 6
	DefaultHandshakeTimeout     = 10 * time.Second
	DefaultSubscribeTimeout     = 10 * time.Second
	DefaultPingTimeout          = 120 * time.Second
	DefaultWriteTimeout         = 5 * time.Second
	DefaultBufferSize           = 1000
	DefaultClientEventRate      = 10
	DefaultClientEventBurst     = 10
	DefaultProposalMarker       = "عرض سعر جديد"
	DefaultCurrency             = "ريال"
	DefaultInvoiceMarker        = "الفاتورة:"
	DefaultAcceptTemplate       = "تم قبول عرض السعر: %s"
	DefaultRejectTemplate       = "تم رفض عرض السعر: %s"
	DefaultActivePollInterval   = 5 * time.Second
	DefaultIdlePollInterval     = 30 * time.Second
	DefaultPollTimeout          = 10 * time.Second
	DefaultWatchdogTimeout      = 30 * time.Second
	DefaultCacheBackend         = CacheFile
	DefaultCachePath            = "session.yaml"
	DefaultDBPort               = 5432
	DefaultDBSSLMode            = "prefer"
	DefaultMaxConns             = 4
	DefaultMinConns             = 1
	DefaultMetricsPort          = 9090
	DefaultMetricsPath          = "/metrics"
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "text"
)

// ApplyDefaults fills every unset optional field.
func (c *AgentConfig) ApplyDefaults() {
	// API defaults
	if c.API.AuthPath == "" {
		c.API.AuthPath = DefaultAuthPath
	}
	if c.API.Timeout == 0 {
		c.API.Timeout = DefaultAPITimeout
	}
	if c.API.MaxRetries == 0 {
		c.API.MaxRetries = DefaultMaxRetries
	}

	// Transport defaults
	t := &c.Transport
	if t.Backend == "" {
		t.Backend = DefaultBackend
	}
	if t.ReconnectBaseDelay == 0 {
		t.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if t.ReconnectMaxDelay == 0 {
		t.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if t.MaxReconnectAttempts == 0 {
		t.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if t.HandshakeTimeout == 0 {
		t.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if t.SubscribeTimeout == 0 {
		t.SubscribeTimeout = DefaultSubscribeTimeout
	}
	if t.PingTimeout == 0 {
		t.PingTimeout = DefaultPingTimeout
	}
	if t.WriteTimeout == 0 {
		t.WriteTimeout = DefaultWriteTimeout
	}
	if t.BufferSize == 0 {
		t.BufferSize = DefaultBufferSize
	}
	if t.ClientEventRate == 0 {
		t.ClientEventRate = DefaultClientEventRate
	}
	if t.ClientEventBurst == 0 {
		t.ClientEventBurst = DefaultClientEventBurst
	}

	// Negotiation defaults
	n := &c.Negotiation
	if n.Marker == "" {
		n.Marker = DefaultProposalMarker
	}
	if n.Currency == "" {
		n.Currency = DefaultCurrency
	}
	if n.InvoiceMarker == "" {
		n.InvoiceMarker = DefaultInvoiceMarker
	}
	if n.AcceptTemplate == "" {
		n.AcceptTemplate = DefaultAcceptTemplate
	}
	if n.RejectTemplate == "" {
		n.RejectTemplate = DefaultRejectTemplate
	}

	// Poller defaults
	if c.Poller.ActiveInterval == 0 {
		c.Poller.ActiveInterval = DefaultActivePollInterval
	}
	if c.Poller.IdleInterval == 0 {
		c.Poller.IdleInterval = DefaultIdlePollInterval
	}
	if c.Poller.Timeout == 0 {
		c.Poller.Timeout = DefaultPollTimeout
	}

	if c.Watchdog.Timeout == 0 {
		c.Watchdog.Timeout = DefaultWatchdogTimeout
	}

	// Cache defaults
	if c.Cache.Backend == "" {
		c.Cache.Backend = DefaultCacheBackend
	}
	if c.Cache.Path == "" && c.Cache.Backend != CachePostgres {
		c.Cache.Path = DefaultCachePath
	}
	if c.Cache.Backend == CachePostgres {
		applyDBDefaults(&c.Cache.Postgres)
	}

	// Metrics defaults
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}

	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
