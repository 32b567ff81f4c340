package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" {
			errs = append(errs, errors.New("server.tls.cert_file is required when tls is set"))
		}
		if cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls.key_file is required when tls is set"))
		}
	}

	// Bot gateway
	if cfg.Bot.GatewayURL != "" {
		u, err := url.Parse(cfg.Bot.GatewayURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("bot.gateway_url %q is not a valid http(s) URL", cfg.Bot.GatewayURL))
		}
	} else {
		slog.Warn("bot.gateway_url is empty; online recording will not be available")
	}

	// Persistence availability
	if cfg.Database.PostgresDSN == "" {
		slog.Warn("database.postgres_dsn is empty; sessions will be lost on restart")
	}

	// Status tunables: zero means "use the default", negatives are mistakes.
	if cfg.Status.PushBackoff < 0 {
		errs = append(errs, fmt.Errorf("status.push_backoff must not be negative, got %v", cfg.Status.PushBackoff))
	}
	if cfg.Status.PushMaxBackoff < 0 {
		errs = append(errs, fmt.Errorf("status.push_max_backoff must not be negative, got %v", cfg.Status.PushMaxBackoff))
	}
	if cfg.Status.PushMaxRetries < 0 {
		errs = append(errs, fmt.Errorf("status.push_max_retries must not be negative, got %d", cfg.Status.PushMaxRetries))
	}
	if cfg.Status.PollMaxBackoff < 0 {
		errs = append(errs, fmt.Errorf("status.poll_max_backoff must not be negative, got %v", cfg.Status.PollMaxBackoff))
	}
	if cfg.Status.StalenessThreshold < 0 {
		errs = append(errs, fmt.Errorf("status.staleness_threshold must not be negative, got %v", cfg.Status.StalenessThreshold))
	}
	if cfg.Status.PushBackoff > 0 && cfg.Status.PushMaxBackoff > 0 &&
		cfg.Status.PushBackoff > cfg.Status.PushMaxBackoff {
		errs = append(errs, fmt.Errorf("status.push_backoff %v exceeds status.push_max_backoff %v",
			cfg.Status.PushBackoff, cfg.Status.PushMaxBackoff))
	}

	return errors.Join(errs...)
}
