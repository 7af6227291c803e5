// Package tokenfile reads and writes the reMarkable token file. The file
// stores the long-lived device token, the current short-lived user token,
// and the device identity the tokens were issued to. It is a leaf package
// imported by rmapi and the CLI.
package tokenfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/oauth2"
)

// FilePerms restricts token files to owner-only read/write.
const FilePerms = 0o600

// DirPerms is used when creating the token directory.
const DirPerms = 0o700

// Device identifies the registered device.
type Device struct {
	ID   string `json:"id"`
	Desc string `json:"desc"`
}

// File is the on-disk format. Token.RefreshToken holds the device token,
// Token.AccessToken the user token, and Token.Expiry the user token expiry.
type File struct {
	Token       *oauth2.Token `json:"token"`
	Device      Device        `json:"device"`
	StorageHost string        `json:"storage_host,omitempty"`
}

// DeviceToken returns the long-lived device token, or "" if absent.
func (f *File) DeviceToken() string {
	if f == nil || f.Token == nil {
		return ""
	}

	return f.Token.RefreshToken
}

// Load reads a token file. Returns (nil, nil) if the file does not exist.
// A file without a device token is an error: the device must register again.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil //nolint:nilnil // sentinel for "not found"
	}

	if err != nil {
		return nil, fmt.Errorf("tokenfile: reading %s: %w", path, err)
	}

	var tf File
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("tokenfile: decoding %s: %w", path, err)
	}

	if tf.DeviceToken() == "" {
		return nil, fmt.Errorf("tokenfile: %s missing device token (register again)", path)
	}

	return &tf, nil
}

// Save writes a token file atomically (write-to-temp + rename) with 0600
// permissions. Never logs token values.
func Save(path string, tf *File) error {
	if tf == nil || tf.DeviceToken() == "" {
		return errors.New("tokenfile: refusing to save without a device token")
	}

	data, err := json.MarshalIndent(tf, "", "  ")
	if err != nil {
		return fmt.Errorf("tokenfile: encoding: %w", err)
	}

	dir := filepath.Dir(path)
	if mkErr := os.MkdirAll(dir, DirPerms); mkErr != nil {
		return fmt.Errorf("tokenfile: creating directory %s: %w", dir, mkErr)
	}

	// Same directory guarantees same filesystem for rename(2).
	tmp, err := os.CreateTemp(dir, ".token-*.tmp")
	if err != nil {
		return fmt.Errorf("tokenfile: creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := os.Chmod(tmpPath, FilePerms); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenfile: setting permissions: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenfile: writing: %w", err)
	}

	// Flush before rename so a crash cannot leave a truncated token file.
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenfile: syncing: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("tokenfile: closing: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("tokenfile: renaming: %w", err)
	}

	success = true

	return nil
}

// SetStorageHost records a discovered storage host in an existing file.
func SetStorageHost(path, host string) error {
	tf, err := Load(path)
	if err != nil {
		return err
	}

	if tf == nil {
		return fmt.Errorf("tokenfile: no token file at %s", path)
	}

	tf.StorageHost = host

	return Save(path, tf)
}

// Remove deletes the token file. A missing file is not an error.
// Returns whether a file was removed.
func Remove(path string) (bool, error) {
	err := os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("tokenfile: removing %s: %w", path, err)
	}

	return true, nil
}
