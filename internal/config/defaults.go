package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultPathTemplate         = "/ws/{client_id}"
	DefaultHandshakeTimeout     = 10 * time.Second
	DefaultWriteTimeout         = 5 * time.Second
	DefaultPingTimeout          = 60 * time.Second
	DefaultBufferSize           = 1000
	DefaultKeepAliveInterval    = 30 * time.Second
	DefaultReconnectBaseDelay   = 1 * time.Second
	DefaultReconnectMaxDelay    = 30 * time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultBatchSize            = 10
	DefaultBatchInterval        = 10 * time.Millisecond
	DefaultSymbolChunkSize      = 50
	DefaultThrottleWindow       = 100 * time.Millisecond
	DefaultDBPort               = 5432
	DefaultDBSSLMode            = "prefer"
	DefaultMaxConns             = 10
	DefaultMinConns             = 2
	DefaultWriterBatchSize      = 500
	DefaultFlushInterval        = 1 * time.Second
	DefaultMetricsPort          = 9090
	DefaultMetricsPath          = "/metrics"
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "text"
)

func (c *StreamerConfig) applyDefaults() {
	// Stream defaults
	s := &c.Stream
	if s.PathTemplate == "" {
		s.PathTemplate = DefaultPathTemplate
	}
	if s.HandshakeTimeout == 0 {
		s.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if s.WriteTimeout == 0 {
		s.WriteTimeout = DefaultWriteTimeout
	}
	if s.PingTimeout == 0 {
		s.PingTimeout = DefaultPingTimeout
	}
	if s.BufferSize == 0 {
		s.BufferSize = DefaultBufferSize
	}
	if s.KeepAliveInterval == 0 {
		s.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if s.ReconnectBaseDelay == 0 {
		s.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if s.ReconnectMaxDelay == 0 {
		s.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if s.MaxReconnectAttempts == 0 {
		s.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if s.BatchSize == 0 {
		s.BatchSize = DefaultBatchSize
	}
	if s.BatchInterval == 0 {
		s.BatchInterval = DefaultBatchInterval
	}
	if s.SymbolChunkSize == 0 {
		s.SymbolChunkSize = DefaultSymbolChunkSize
	}
	if s.ThrottleWindow == 0 {
		s.ThrottleWindow = DefaultThrottleWindow
	}

	// Database defaults
	applyDBDefaults(&c.Database.Postgres)

	// Writers defaults
	if c.Writers.BatchSize == 0 {
		c.Writers.BatchSize = DefaultWriterBatchSize
	}
	if c.Writers.FlushInterval == 0 {
		c.Writers.FlushInterval = DefaultFlushInterval
	}

	// Metrics defaults
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}

	// Logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
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
