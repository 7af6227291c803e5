// Package testutil provides shared helpers for the end-to-end tests. It
// depends only on stdlib so that e2e tests, which cannot import internal/,
// can use it.
package testutil

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// TokenFileName is the token file kept in .testdata/ by "rmcloud register".
const TokenFileName = "token.json"

// LoadDotEnv reads KEY=VALUE pairs from a .env file at the given path.
// Missing file is not an error (CI sets env vars directly).
// Existing env vars take precedence over .env values.
func LoadDotEnv(envPath string) {
	f, err := os.Open(envPath)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}

		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), "\"'")

		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}

// FindModuleRoot walks up from the current directory to find go.mod.
// Returns the fallback if the root is not found.
func FindModuleRoot(fallback string) string {
	dir, err := os.Getwd()
	if err != nil {
		return fallback
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return fallback
		}

		dir = parent
	}
}

// FindTestCredentialDir locates .testdata/ relative to the module root.
// Crashes if the directory does not exist.
func FindTestCredentialDir(moduleRoot string) string {
	dir := filepath.Join(moduleRoot, ".testdata")

	if _, err := os.Stat(dir); err != nil {
		fmt.Fprintln(os.Stderr, "FATAL: .testdata/ directory not found at "+dir)
		fmt.Fprintln(os.Stderr, "Register a test device: rmcloud --token-file .testdata/token.json register --code <code>")
		os.Exit(1)
	}

	return dir
}

// ValidateTokenFile crashes unless path holds a token file with a device
// token. It parses the JSON loosely so e2e tests stay free of internal/.
func ValidateTokenFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: cannot read token file %s: %v\n", path, err)
		os.Exit(1)
	}

	var parsed struct {
		Token struct {
			RefreshToken string `json:"refresh_token"`
		} `json:"token"`
		Device json.RawMessage `json:"device"`
	}

	if err := json.Unmarshal(data, &parsed); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: token file %s is not valid JSON: %v\n", path, err)
		os.Exit(1)
	}

	if parsed.Token.RefreshToken == "" || len(parsed.Device) == 0 {
		fmt.Fprintf(os.Stderr, "FATAL: token file %s has no device token; register again\n", path)
		os.Exit(1)
	}
}

// CopyFile copies a file from src to dst with the given permissions.
// Crashes on failure because tests cannot proceed without the file.
func CopyFile(src, dst string, perm os.FileMode) {
	data, err := os.ReadFile(src)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: cannot read %s: %v\n", src, err)
		os.Exit(1)
	}

	if writeErr := os.WriteFile(dst, data, perm); writeErr != nil {
		fmt.Fprintf(os.Stderr, "FATAL: writing %s: %v\n", dst, writeErr)
		os.Exit(1)
	}
}
