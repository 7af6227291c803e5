package config

import (
	"fmt"
	"io"
)

// RenderEffective writes the resolved configuration as an annotated summary
// to w. This powers "config show": the values after defaults, file,
// environment, and flags have all been applied.
func RenderEffective(r *Resolved, w io.Writer) error {
	ew := &errWriter{w: w}

	ew.printf("# Effective configuration (file: %s)\n\n", r.ConfigPath)

	ew.printf("[auth]\n")
	ew.printf("  device_desc = %q\n", r.Auth.DeviceDesc)
	ew.printf("  token_file  = %q\n\n", r.Auth.TokenFile)

	ew.printf("[storage]\n")
	ew.printf("  auth_url      = %q\n", r.Storage.AuthURL)
	ew.printf("  storage_url   = %q\n", r.Storage.StorageURL)
	ew.printf("  discovery_url = %q\n", r.Storage.DiscoveryURL)
	ew.printf("  discover      = %t\n\n", r.Storage.Discover)

	ew.printf("[upload]\n")
	ew.printf("  parallel      = %d\n", r.Upload.Parallel)
	ew.printf("  max_file_size = %q\n\n", r.Upload.MaxFileSize)

	ew.printf("[watch]\n")
	ew.printf("  debounce = %q\n\n", r.Watch.Debounce)

	ew.printf("[index]\n")
	ew.printf("  path = %q\n\n", r.Index.Path)

	ew.printf("[logging]\n")
	ew.printf("  log_level  = %q\n", r.Logging.LogLevel)
	ew.printf("  log_format = %q\n\n", r.Logging.LogFormat)

	ew.printf("[network]\n")
	ew.printf("  timeout = %q\n", r.Network.Timeout)

	if r.Network.UserAgent != "" {
		ew.printf("  user_agent = %q\n", r.Network.UserAgent)
	}

	return ew.err
}

// errWriter wraps an io.Writer and captures the first write error.
// Subsequent writes after an error are no-ops.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}
