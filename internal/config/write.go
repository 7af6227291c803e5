package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// ErrConfigExists is returned by WriteDefault when the target file exists.
var ErrConfigExists = errors.New("config: file already exists")

// configFilePermissions is the permission mode for config files.
const configFilePermissions = 0o644

// configDirPermissions is the permission mode for config directories.
const configDirPermissions = 0o755

// configTemplate lists every option as a commented-out default so users can
// discover them without reading docs.
const configTemplate = `# rmcloud configuration
# Uncomment and modify to override defaults.

[auth]
# Device type sent when registering. One of desktop-windows, desktop-macos,
# desktop-linux, mobile-android, mobile-ios, browser-chrome, remarkable.
# device_desc = "desktop-windows"

# Where the device and user tokens are kept (default: cache directory)
# token_file = ""

[storage]
# auth_url = "https://webapp-prod.cloud.remarkable.engineering"
# storage_url = "https://document-storage-production-dot-remarkable-production.appspot.com"
# discovery_url = "https://service-manager-production-dot-remarkable-production.appspot.com"

# Look up the storage host per account instead of using storage_url
# discover = false

[upload]
# Files uploaded concurrently by "put"
# parallel = 4

# Files larger than this are refused ("0" disables the check)
# max_file_size = "100MB"

[watch]
# Quiet period after the last write before a file is uploaded
# debounce = "2s"

[index]
# Local listing cache (default: data directory)
# path = ""

[logging]
# debug, info, warn, error
# log_level = "warn"

# auto, text, json
# log_format = "auto"

[network]
# timeout = "60s"
# user_agent = ""
`

// WriteDefault creates a config file at path from the default template.
// It refuses to overwrite an existing file.
func WriteDefault(path string, logger *slog.Logger) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s", ErrConfigExists, path)
	}

	logger.Info("creating config file", slog.String("path", path))

	return atomicWriteFile(path, []byte(configTemplate))
}

// atomicWriteFile writes data to a temporary file in the same directory as
// path, then renames it over the target. Parent directories are created
// as needed.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, configDirPermissions); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	f, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	tempPath := f.Name()

	succeeded := false
	defer func() {
		if !succeeded {
			os.Remove(tempPath)
		}
	}()

	if _, err := f.Write(data); err != nil {
		f.Close()

		return fmt.Errorf("writing temp file: %w", err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Chmod(tempPath, configFilePermissions); err != nil {
		return fmt.Errorf("setting file permissions: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	succeeded = true

	return nil
}
