package config

import "time"

// ClientConfig is the root configuration for a stream client instance.
type ClientConfig struct {
	Instance  InstanceConfig  `yaml:"instance"`
	Stream    StreamConfig    `yaml:"stream"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Journal   JournalConfig   `yaml:"journal"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Log       LogConfig       `yaml:"log"`
}

// InstanceConfig identifies this client.
type InstanceConfig struct {
	ID string `yaml:"id"`
	AZ string `yaml:"az"`
}

// StreamConfig holds the streaming endpoint and transport settings.
type StreamConfig struct {
	URL            string   `yaml:"url"`
	APIKey         string   `yaml:"api_key"`          // Key ID sent in the handshake
	PrivateKeyPath string   `yaml:"private_key_path"` // RSA private key PEM; empty disables signing
	MessageTypes   []string `yaml:"message_types"`    // Empty subscribes to every message
	AutoConnect    *bool    `yaml:"auto_connect"`     // Defaults to true

	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	PingInterval      time.Duration `yaml:"ping_interval"`
	PingTimeout       time.Duration `yaml:"ping_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatRate     float64       `yaml:"heartbeat_rate"` // Heartbeats per second allowed
	HeartbeatBurst    int           `yaml:"heartbeat_burst"`
}

// ReconnectConfig holds backoff and reconciliation settings.
type ReconnectConfig struct {
	BaseDelay    time.Duration `yaml:"base_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	MaxAttempts  int           `yaml:"max_attempts"`
	Jitter       time.Duration `yaml:"jitter"`
	PollInterval time.Duration `yaml:"poll_interval"`
	SettleDelay  time.Duration `yaml:"settle_delay"`
}

// JournalConfig holds the event journal settings.
type JournalConfig struct {
	Enabled       bool          `yaml:"enabled"`
	RecordData    bool          `yaml:"record_data"` // Persist message frames, not just transitions
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
	Database      DBConfig      `yaml:"database"`
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

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}
