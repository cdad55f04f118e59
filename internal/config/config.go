// Package config provides the configuration schema and loader for the
// VoiceShield client and analysis server.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level converts l to an [slog.Level]. Unknown or empty values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// HistoryBackend selects where closed call sessions are stored.
type HistoryBackend string

const (
	HistoryMemory   HistoryBackend = "memory"
	HistoryFile     HistoryBackend = "file"
	HistoryPostgres HistoryBackend = "postgres"
)

// IsValid reports whether b is a recognised backend.
func (b HistoryBackend) IsValid() bool {
	switch b {
	case HistoryMemory, HistoryFile, HistoryPostgres:
		return true
	}
	return false
}

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Channel   ChannelConfig   `yaml:"channel"`
	Session   SessionConfig   `yaml:"session"`
	Analyzer  AnalyzerConfig  `yaml:"analyzer"`
	History   HistoryConfig   `yaml:"history"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the analysis server listens on.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable on the server.
	LogLevel LogLevel `yaml:"log_level"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ChannelConfig configures the duplex link to the remote analyzer.
type ChannelConfig struct {
	// URL is the analyzer base URL, e.g. "ws://localhost:8000". The link
	// dials URL + "/ws/call/{sessionID}". Empty disables the remote link and
	// every turn is scored locally.
	URL string `yaml:"url"`

	// DialTimeout bounds a single connection attempt.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// WriteTimeout bounds a single outbound message.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// MaxRetries caps reconnection attempts after an unexpected close.
	MaxRetries int `yaml:"max_retries"`

	// Backoff is the initial reconnection delay; it doubles per attempt.
	Backoff time.Duration `yaml:"backoff"`

	// MaxBackoff caps the reconnection delay.
	MaxBackoff time.Duration `yaml:"max_backoff"`

	// HeartbeatInterval is the liveness ping period.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// SessionConfig tunes the session state machine.
type SessionConfig struct {
	// Language is the default BCP-47 tag for turns that carry none.
	Language string `yaml:"language"`

	// IngestMaxRestarts caps consecutive turn source restarts.
	IngestMaxRestarts int `yaml:"ingest_max_restarts"`

	// IngestBackoff is the delay before the first restart.
	IngestBackoff time.Duration `yaml:"ingest_backoff"`

	// HeartbeatMissLimit is the number of consecutive missed heartbeats that
	// marks the session degraded.
	HeartbeatMissLimit int `yaml:"heartbeat_miss_limit"`

	// ProtectionDays is how long monitoring stays armed after the first
	// call before it has to be renewed.
	ProtectionDays int `yaml:"protection_days"`
}

// AnalyzerConfig configures the text analysis client.
type AnalyzerConfig struct {
	// URL is the analysis server base URL for POST /api/analyze-text. Empty
	// means local analysis only.
	URL string `yaml:"url"`

	// Timeout bounds one remote analysis request.
	Timeout time.Duration `yaml:"timeout"`

	// MaxFailures opens the circuit breaker after this many consecutive
	// remote failures.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout is how long the breaker stays open.
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// HistoryConfig selects and configures the session history store.
type HistoryConfig struct {
	Backend HistoryBackend `yaml:"backend"`

	// Path is the JSONL file for the file backend.
	Path string `yaml:"path"`

	// PostgresDSN is the connection string for the postgres backend.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// TelemetryConfig configures OpenTelemetry resource attributes.
type TelemetryConfig struct {
	ServiceName string `yaml:"service_name"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero-valued fields with defaults.
func ApplyDefaults(cfg *Config) {
	setDefault(&cfg.Server.ListenAddr, ":8000")
	setDefault(&cfg.Server.LogLevel, LogInfo)
	setDefault(&cfg.Server.ShutdownTimeout, 10*time.Second)

	setDefault(&cfg.Channel.DialTimeout, 5*time.Second)
	setDefault(&cfg.Channel.WriteTimeout, 2*time.Second)
	setDefault(&cfg.Channel.MaxRetries, 10)
	setDefault(&cfg.Channel.Backoff, time.Second)
	setDefault(&cfg.Channel.MaxBackoff, 30*time.Second)
	setDefault(&cfg.Channel.HeartbeatInterval, 5*time.Second)

	setDefault(&cfg.Session.Language, "en")
	setDefault(&cfg.Session.IngestMaxRestarts, 5)
	setDefault(&cfg.Session.IngestBackoff, 500*time.Millisecond)
	setDefault(&cfg.Session.HeartbeatMissLimit, 3)
	setDefault(&cfg.Session.ProtectionDays, 6)

	setDefault(&cfg.Analyzer.Timeout, 3*time.Second)
	setDefault(&cfg.Analyzer.MaxFailures, 3)
	setDefault(&cfg.Analyzer.ResetTimeout, 30*time.Second)

	setDefault(&cfg.History.Backend, HistoryFile)
	setDefault(&cfg.History.Path, "voiceshield-history.jsonl")

	setDefault(&cfg.Telemetry.ServiceName, "voiceshield")
}

func setDefault[T comparable](field *T, value T) {
	var zero T
	if *field == zero {
		*field = value
	}
}
