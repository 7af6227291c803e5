package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are fatal, with "did you mean?" suggestions.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns
// a Config populated with all default values.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolved is the effective configuration after all override layers,
// with every path made concrete.
type Resolved struct {
	Config

	// ConfigPath is the file the values were read from (it may not exist).
	ConfigPath string
}

// Resolve loads configuration and applies the override chain:
// defaults -> config file -> environment variables -> CLI flags.
func Resolve(env EnvOverrides, cli CLIOverrides) (*Resolved, error) {
	cfgPath := DefaultConfigPath()
	if env.ConfigPath != "" {
		cfgPath = env.ConfigPath
	}

	if cli.ConfigPath != "" {
		cfgPath = cli.ConfigPath
	}

	cfg, err := LoadOrDefault(cfgPath)
	if err != nil {
		return nil, err
	}

	if env.TokenFile != "" {
		cfg.Auth.TokenFile = env.TokenFile
	}

	if env.LogLevel != "" {
		cfg.Logging.LogLevel = env.LogLevel
	}

	if cli.TokenFile != nil && *cli.TokenFile != "" {
		cfg.Auth.TokenFile = *cli.TokenFile
	}

	if cli.LogLevel != nil {
		cfg.Logging.LogLevel = *cli.LogLevel
	}

	if cfg.Auth.TokenFile == "" {
		cfg.Auth.TokenFile = DefaultTokenPath()
	}

	if cfg.Index.Path == "" {
		cfg.Index.Path = DefaultIndexPath()
	}

	cfg.Auth.TokenFile = expandTilde(cfg.Auth.TokenFile)
	cfg.Index.Path = expandTilde(cfg.Index.Path)

	// Env and CLI values bypassed the file validation.
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return &Resolved{Config: *cfg, ConfigPath: cfgPath}, nil
}

// Timeout returns the HTTP client timeout.
func (r *Resolved) Timeout() time.Duration {
	return mustDuration(r.Network.Timeout)
}

// Debounce returns the watch quiet period.
func (r *Resolved) Debounce() time.Duration {
	return mustDuration(r.Watch.Debounce)
}

// MaxFileSize returns the upload size limit in bytes; 0 means unlimited.
func (r *Resolved) MaxFileSize() int64 {
	n, err := ParseSize(r.Upload.MaxFileSize)
	if err != nil {
		return 0
	}

	return n
}

// mustDuration parses a duration that Validate already accepted.
func mustDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}

	return d
}
