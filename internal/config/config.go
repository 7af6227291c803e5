// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for rmcloud. Values are layered:
// defaults -> config file -> environment -> CLI flags.
package config

// Config is the top-level configuration structure parsed from a TOML file.
// Every option lives in a named section.
type Config struct {
	Auth    AuthConfig    `toml:"auth"`
	Storage StorageConfig `toml:"storage"`
	Upload  UploadConfig  `toml:"upload"`
	Watch   WatchConfig   `toml:"watch"`
	Index   IndexConfig   `toml:"index"`
	Logging LoggingConfig `toml:"logging"`
	Network NetworkConfig `toml:"network"`
}

// AuthConfig controls device registration and where tokens are kept.
type AuthConfig struct {
	DeviceDesc string `toml:"device_desc"`
	TokenFile  string `toml:"token_file"`
}

// StorageConfig selects the cloud endpoints. With discover enabled the
// storage host is looked up through the service manager instead of using
// storage_url.
type StorageConfig struct {
	AuthURL      string `toml:"auth_url"`
	StorageURL   string `toml:"storage_url"`
	DiscoveryURL string `toml:"discovery_url"`
	Discover     bool   `toml:"discover"`
}

// UploadConfig controls the put command.
type UploadConfig struct {
	Parallel    int    `toml:"parallel"`
	MaxFileSize string `toml:"max_file_size"`
}

// WatchConfig controls folder watching.
type WatchConfig struct {
	Debounce string `toml:"debounce"`
}

// IndexConfig locates the local listing database.
type IndexConfig struct {
	Path string `toml:"path"`
}

// LoggingConfig controls log output: level and format.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

// NetworkConfig controls HTTP client behavior.
type NetworkConfig struct {
	Timeout   string `toml:"timeout"`
	UserAgent string `toml:"user_agent"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Pointer fields distinguish "not specified" (nil)
// from "explicitly set to zero value".
type CLIOverrides struct {
	ConfigPath string  // --config flag (empty = use default)
	TokenFile  *string // --token-file flag
	LogLevel   *string // derived from --verbose / --quiet
}
