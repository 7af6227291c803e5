package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig    = "RMCLOUD_CONFIG"
	EnvTokenFile = "RMCLOUD_TOKEN_FILE"
	EnvLogLevel  = "RMCLOUD_LOG_LEVEL"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath string // RMCLOUD_CONFIG: override config file path
	TokenFile  string // RMCLOUD_TOKEN_FILE: token file path
	LogLevel   string // RMCLOUD_LOG_LEVEL: log level
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
// This does not modify the Config; Resolve applies the relevant fields.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		TokenFile:  os.Getenv(EnvTokenFile),
		LogLevel:   os.Getenv(EnvLogLevel),
	}
}
