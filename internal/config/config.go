package config

import "time"

// AgentConfig is the root configuration for a sync agent instance.
type AgentConfig struct {
	Instance    InstanceConfig    `yaml:"instance"`
	API         APIConfig         `yaml:"api"`
	Transport   TransportConfig   `yaml:"transport"`
	Negotiation NegotiationConfig `yaml:"negotiation"`
	Poller      PollerConfig      `yaml:"poller"`
	Watchdog    WatchdogConfig    `yaml:"watchdog"`
	Cache       CacheConfig       `yaml:"cache"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Log         LogConfig         `yaml:"log"`
}

// InstanceConfig identifies this agent.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// APIConfig holds marketplace REST API settings.
type APIConfig struct {
	RestURL    string        `yaml:"rest_url"`
	AuthPath   string        `yaml:"auth_path"` // private channel grant endpoint
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

// Transport backends.
const (
	BackendPubSub = "pubsub"
	BackendSocket = "socket"
)

// TransportConfig holds real-time transport settings.
type TransportConfig struct {
	Backend              string        `yaml:"backend"` // "pubsub" or "socket"
	URL                  string        `yaml:"url"`
	AppKey               string        `yaml:"app_key"`    // pubsub only
	AppSecret            string        `yaml:"app_secret"` // pubsub only, signs grants locally when set
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	HandshakeTimeout     time.Duration `yaml:"handshake_timeout"`
	SubscribeTimeout     time.Duration `yaml:"subscribe_timeout"`
	PingTimeout          time.Duration `yaml:"ping_timeout"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
	BufferSize           int           `yaml:"buffer_size"`
	ClientEventRate      float64       `yaml:"client_event_rate"`
	ClientEventBurst     int           `yaml:"client_event_burst"`
}

// NegotiationConfig holds the wire format of price proposals in chat text.
type NegotiationConfig struct {
	Marker         string `yaml:"marker"`
	Currency       string `yaml:"currency"`
	InvoiceMarker  string `yaml:"invoice_marker"`
	AcceptTemplate string `yaml:"accept_template"` // fmt verb %s receives the price
	RejectTemplate string `yaml:"reject_template"`
}

// PollerConfig holds notification poller settings.
type PollerConfig struct {
	ActiveInterval time.Duration `yaml:"active_interval"`
	IdleInterval   time.Duration `yaml:"idle_interval"`
	Timeout        time.Duration `yaml:"timeout"`
}

// WatchdogConfig holds busy-flag watchdog settings.
type WatchdogConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// Cache backends.
const (
	CacheFile     = "file"
	CacheSQLite   = "sqlite"
	CachePostgres = "postgres"
)

// CacheConfig selects the key-value cache holding the session blob.
type CacheConfig struct {
	Backend  string   `yaml:"backend"`
	Path     string   `yaml:"path"` // file and sqlite backends
	Postgres DBConfig `yaml:"postgres"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}

// LogConfig holds slog handler settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}
