package config

import "time"

// StreamerConfig is the root configuration for a streamer process.
type StreamerConfig struct {
	Instance      InstanceConfig      `yaml:"instance"`
	Stream        StreamConfig        `yaml:"stream"`
	Subscriptions SubscriptionsConfig `yaml:"subscriptions"`
	Database      DatabaseConfig      `yaml:"database"`
	Writers       WritersConfig       `yaml:"writers"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Logging       LoggingConfig       `yaml:"logging"`

	unsetEnv []string
}

// InstanceConfig identifies this streamer.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// StreamConfig holds the streaming connection settings.
type StreamConfig struct {
	Host         string `yaml:"host"`          // e.g. wss://dashboard.example.com
	PathTemplate string `yaml:"path_template"` // {client_id} is replaced with the client identity
	Token        string `yaml:"token"`         // Static bearer token (usually ${STREAM_TOKEN})
	TokenFile    string `yaml:"token_file"`    // Re-read on every connect when set

	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	PingTimeout      time.Duration `yaml:"ping_timeout"`
	BufferSize       int           `yaml:"buffer_size"`

	KeepAliveInterval    time.Duration `yaml:"keepalive_interval"`
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`

	BatchSize       int           `yaml:"batch_size"`
	BatchInterval   time.Duration `yaml:"batch_interval"`
	SymbolChunkSize int           `yaml:"symbol_chunk_size"`
	ThrottleWindow  time.Duration `yaml:"throttle_window"`
}

// SubscriptionsConfig lists what the streamer subscribes to at startup.
type SubscriptionsConfig struct {
	Symbols  []string        `yaml:"symbols"`
	Channels []ChannelConfig `yaml:"channels"`
}

// ChannelConfig is a single channel subscription.
type ChannelConfig struct {
	Channel string         `yaml:"channel"`
	Params  map[string]any `yaml:"params"`
}

// DatabaseConfig holds the optional snapshot store.
type DatabaseConfig struct {
	Enabled  bool     `yaml:"enabled"`
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

// WritersConfig holds batch writer settings.
type WritersConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}
