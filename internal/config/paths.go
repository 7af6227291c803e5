package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Platform identifiers.
const (
	platformLinux  = "linux"
	platformDarwin = "darwin"
)

// Application directory name used across all platforms.
const appName = "rmcloud"

// File names inside the application directories.
const (
	configFileName = "config.toml"
	tokenFileName  = "token.json"
	indexFileName  = "index.db"
)

// DefaultConfigDir returns the platform-specific directory for config files.
// On Linux, respects XDG_CONFIG_HOME (defaults to ~/.config/rmcloud).
// On macOS, uses ~/Library/Application Support/rmcloud.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	switch runtime.GOOS {
	case platformLinux:
		return xdgDir("XDG_CONFIG_HOME", home, ".config")
	case platformDarwin:
		return filepath.Join(home, "Library", "Application Support", appName)
	default:
		return filepath.Join(home, ".config", appName)
	}
}

// DefaultDataDir returns the platform-specific directory for application
// data such as the listing index.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	switch runtime.GOOS {
	case platformLinux:
		return xdgDir("XDG_DATA_HOME", home, filepath.Join(".local", "share"))
	case platformDarwin:
		return filepath.Join(home, "Library", "Application Support", appName)
	default:
		return filepath.Join(home, ".local", "share", appName)
	}
}

// DefaultCacheDir returns the platform-specific directory for cache files.
// Tokens live here: losing them only means registering again.
func DefaultCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	switch runtime.GOOS {
	case platformLinux:
		return xdgDir("XDG_CACHE_HOME", home, ".cache")
	case platformDarwin:
		return filepath.Join(home, "Library", "Caches", appName)
	default:
		return filepath.Join(home, ".cache", appName)
	}
}

// xdgDir returns $env/rmcloud, or ~/fallback/rmcloud when env is unset.
func xdgDir(env, home, fallback string) string {
	if xdg := os.Getenv(env); xdg != "" {
		return filepath.Join(xdg, appName)
	}

	return filepath.Join(home, fallback, appName)
}

// DefaultConfigPath returns the full path to the default config file.
func DefaultConfigPath() string {
	return joinIfDir(DefaultConfigDir(), configFileName)
}

// DefaultTokenPath returns the default token file location.
func DefaultTokenPath() string {
	return joinIfDir(DefaultCacheDir(), tokenFileName)
}

// DefaultIndexPath returns the default listing database location.
func DefaultIndexPath() string {
	return joinIfDir(DefaultDataDir(), indexFileName)
}

func joinIfDir(dir, name string) string {
	if dir == "" {
		return ""
	}

	return filepath.Join(dir, name)
}

// expandTilde replaces a leading "~/" with the user's home directory.
func expandTilde(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}

	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
