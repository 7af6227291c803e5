package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Validation range constants.
const (
	minParallel    = 1
	maxParallel    = 16
	minDebounce    = 100 * time.Millisecond
	minHTTPTimeout = 1 * time.Second
)

// Validate checks all configuration values and returns all errors found.
// It accumulates every error rather than stopping at the first, so users
// see a complete report and can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateAuth(&cfg.Auth)...)
	errs = append(errs, validateStorage(&cfg.Storage)...)
	errs = append(errs, validateUpload(&cfg.Upload)...)
	errs = append(errs, validateDurationMin("debounce", cfg.Watch.Debounce, minDebounce)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)
	errs = append(errs, validateDurationMin("timeout", cfg.Network.Timeout, minHTTPTimeout)...)

	return errors.Join(errs...)
}

// validDeviceDescs are the descriptions the registration endpoint accepts.
var validDeviceDescs = map[string]bool{
	"desktop-windows": true,
	"desktop-macos":   true,
	"desktop-linux":   true,
	"mobile-android":  true,
	"mobile-ios":      true,
	"browser-chrome":  true,
	"remarkable":      true,
}

func validateAuth(a *AuthConfig) []error {
	if !validDeviceDescs[a.DeviceDesc] {
		return []error{fmt.Errorf(
			"device_desc: must be one of desktop-windows, desktop-macos, desktop-linux, "+
				"mobile-android, mobile-ios, browser-chrome, remarkable; got %q", a.DeviceDesc)}
	}

	return nil
}

func validateStorage(s *StorageConfig) []error {
	var errs []error

	errs = append(errs, validateURL("auth_url", s.AuthURL)...)
	errs = append(errs, validateURL("storage_url", s.StorageURL)...)
	errs = append(errs, validateURL("discovery_url", s.DiscoveryURL)...)

	return errs
}

func validateURL(field, value string) []error {
	u, err := url.Parse(value)
	if err != nil {
		return []error{fmt.Errorf("%s: %w", field, err)}
	}

	if (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return []error{fmt.Errorf("%s: must be an http(s) URL, got %q", field, value)}
	}

	return nil
}

func validateUpload(u *UploadConfig) []error {
	var errs []error

	if u.Parallel < minParallel || u.Parallel > maxParallel {
		errs = append(errs, fmt.Errorf("parallel: must be between %d and %d, got %d",
			minParallel, maxParallel, u.Parallel))
	}

	if _, err := ParseSize(u.MaxFileSize); err != nil {
		errs = append(errs, fmt.Errorf("max_file_size: %w", err))
	}

	return errs
}

func validateDurationMin(field, value string, minimum time.Duration) []error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid duration %q: %w", field, value, err)}
	}

	if d < minimum {
		return []error{fmt.Errorf("%s: must be >= %s, got %s", field, minimum, d)}
	}

	return nil
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	if !validLogLevels[l.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level: must be one of debug, info, warn, error; got %q", l.LogLevel))
	}

	if !validLogFormats[l.LogFormat] {
		errs = append(errs, fmt.Errorf("log_format: must be one of auto, text, json; got %q", l.LogFormat))
	}

	return errs
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validLogFormats = map[string]bool{
	"auto": true,
	"text": true,
	"json": true,
}
