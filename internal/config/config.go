package config

import "time"

// StreamConfig is the root configuration for a streaming client.
type StreamConfig struct {
	Feed          FeedConfig           `yaml:"feed"`
	Connection    ConnectionConfig     `yaml:"connection"`
	Streams       StreamsConfig        `yaml:"streams"`
	Subscriptions []SubscriptionConfig `yaml:"subscriptions"`
	Logging       LoggingConfig        `yaml:"logging"`
	Metrics       MetricsConfig        `yaml:"metrics"`
}

// FeedConfig identifies the market-data endpoint.
type FeedConfig struct {
	URL         string `yaml:"url"`
	Compression *bool  `yaml:"compression"` // Gunzip binary frames; nil means default
}

// CompressionEnabled reports whether inbound binary frames are gunzipped.
func (f FeedConfig) CompressionEnabled() bool {
	return f.Compression == nil || *f.Compression
}

// ConnectionConfig holds transport and supervisor settings.
type ConnectionConfig struct {
	HandshakeTimeout   time.Duration `yaml:"handshake_timeout"`
	WriteTimeout       time.Duration `yaml:"write_timeout"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout   time.Duration `yaml:"heartbeat_timeout"`
	MaxRetries         int           `yaml:"max_retries"`
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `yaml:"reconnect_max_delay"`
}

// StreamsConfig holds per-consumer buffering.
type StreamsConfig struct {
	BufferSize      int `yaml:"buffer_size"`
	StateBufferSize int `yaml:"state_buffer_size"`
}

// SubscriptionConfig is one stream the CLI opens at startup.
type SubscriptionConfig struct {
	Kind       string `yaml:"kind"`
	Instrument string `yaml:"instrument"`
	Mode       string `yaml:"mode"`
	Depth      int    `yaml:"depth"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // text or json
	File       string `yaml:"file"`   // Optional rotated log file, in addition to stderr
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}
