package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables that override file values.
const (
	EnvLogLevel    = "VOICESHIELD_LOG_LEVEL"
	EnvListenAddr  = "VOICESHIELD_LISTEN_ADDR"
	EnvChannelURL  = "VOICESHIELD_CHANNEL_URL"
	EnvAnalyzerURL = "VOICESHIELD_ANALYZER_URL"
	EnvHistory     = "VOICESHIELD_HISTORY_BACKEND"
	EnvPostgresDSN = "VOICESHIELD_POSTGRES_DSN"
	EnvMissLimit   = "VOICESHIELD_HEARTBEAT_MISS_LIMIT"
)

// Load reads the YAML configuration file at path, applies defaults and
// environment overrides, and validates the result. An empty path yields the
// defaults plus environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := Default()
		if err := ApplyEnv(cfg); err != nil {
			return nil, err
		}
		return cfg, Validate(cfg)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := decode(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Environment overrides are not applied. Useful in tests where
// configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	return cfg, nil
}

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment without overriding variables that are already set. Missing
// files are ignored. With no arguments ".env" is used.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config: load %q: %w", f, err)
		}
	}
	return nil
}

// ApplyEnv overrides cfg with VOICESHIELD_* environment variables.
func ApplyEnv(cfg *Config) error {
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Server.LogLevel = LogLevel(strings.ToLower(v))
	}
	if v := os.Getenv(EnvListenAddr); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := os.Getenv(EnvChannelURL); v != "" {
		cfg.Channel.URL = v
	}
	if v := os.Getenv(EnvAnalyzerURL); v != "" {
		cfg.Analyzer.URL = v
	}
	if v := os.Getenv(EnvHistory); v != "" {
		cfg.History.Backend = HistoryBackend(strings.ToLower(v))
	}
	if v := os.Getenv(EnvPostgresDSN); v != "" {
		cfg.History.PostgresDSN = v
	}
	if v := os.Getenv(EnvMissLimit); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", EnvMissLimit, err)
		}
		cfg.Session.HeartbeatMissLimit = n
	}
	return nil
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Channel.URL != "" {
		if err := checkURL(cfg.Channel.URL, "ws", "wss", "http", "https"); err != nil {
			errs = append(errs, fmt.Errorf("channel.url: %w", err))
		}
	}
	if cfg.Channel.MaxRetries < 0 {
		errs = append(errs, errors.New("channel.max_retries must not be negative"))
	}
	if cfg.Channel.MaxBackoff < cfg.Channel.Backoff {
		errs = append(errs, fmt.Errorf("channel.max_backoff (%s) must be >= channel.backoff (%s)", cfg.Channel.MaxBackoff, cfg.Channel.Backoff))
	}
	if cfg.Channel.HeartbeatInterval < 0 {
		errs = append(errs, errors.New("channel.heartbeat_interval must not be negative"))
	}

	if cfg.Session.IngestMaxRestarts < 0 {
		errs = append(errs, errors.New("session.ingest_max_restarts must not be negative"))
	}
	if cfg.Session.HeartbeatMissLimit < 1 {
		errs = append(errs, errors.New("session.heartbeat_miss_limit must be at least 1"))
	}
	if cfg.Session.ProtectionDays < 1 {
		errs = append(errs, errors.New("session.protection_days must be at least 1"))
	}

	if cfg.Analyzer.URL != "" {
		if err := checkURL(cfg.Analyzer.URL, "http", "https"); err != nil {
			errs = append(errs, fmt.Errorf("analyzer.url: %w", err))
		}
	}

	if cfg.History.Backend != "" && !cfg.History.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("history.backend %q is invalid; valid values: memory, file, postgres", cfg.History.Backend))
	}
	if cfg.History.Backend == HistoryFile && cfg.History.Path == "" {
		errs = append(errs, errors.New("history.path is required for the file backend"))
	}
	if cfg.History.Backend == HistoryPostgres && cfg.History.PostgresDSN == "" {
		errs = append(errs, fmt.Errorf("history.postgres_dsn (or %s) is required for the postgres backend", EnvPostgresDSN))
	}

	return errors.Join(errs...)
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, s := range schemes {
		if u.Scheme == s {
			if u.Host == "" {
				return fmt.Errorf("%q has no host", raw)
			}
			return nil
		}
	}
	return fmt.Errorf("%q: scheme must be one of %s", raw, strings.Join(schemes, ", "))
}
