package config

import "github.com/tonimelisma/rmcloud/internal/rmapi"

// Default values for configuration options: the first layer of the
// override chain, usable without any config file.
const (
	defaultParallel    = 4
	defaultMaxFileSize = "100MB"
	defaultDebounce    = "2s"
	defaultLogLevel    = "warn"
	defaultLogFormat   = "auto"
	defaultTimeout     = "60s"
)

// DefaultConfig returns a Config populated with all default values.
// It is also the starting point for TOML decoding, so unset fields keep
// their defaults. Path fields stay empty and are resolved at use.
func DefaultConfig() *Config {
	return &Config{
		Auth: AuthConfig{
			DeviceDesc: rmapi.DefaultDeviceDesc,
		},
		Storage: StorageConfig{
			AuthURL:      rmapi.DefaultAuthURL,
			StorageURL:   rmapi.DefaultStorageURL,
			DiscoveryURL: rmapi.DefaultDiscoveryURL,
		},
		Upload: UploadConfig{
			Parallel:    defaultParallel,
			MaxFileSize: defaultMaxFileSize,
		},
		Watch: WatchConfig{
			Debounce: defaultDebounce,
		},
		Logging: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
		Network: NetworkConfig{
			Timeout: defaultTimeout,
		},
	}
}
