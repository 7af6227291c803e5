// Package watch uploads documents dropped into a local folder. It listens
// for filesystem events, waits until a file has stopped changing, and hands
// the settled path to an upload callback.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tonimelisma/rmcloud/internal/rmapi"
)

// DefaultDebounce is how long a file must be quiet before it is uploaded.
const DefaultDebounce = 2 * time.Second

// minTick bounds how often pending files are checked.
const minTick = 10 * time.Millisecond

// UploadFunc uploads one settled file. Errors are logged, not fatal.
type UploadFunc func(ctx context.Context, path string) error

// fsWatcher is the subset of *fsnotify.Watcher the loop uses.
type fsWatcher interface {
	Add(name string) error
	Close() error
	Events() <-chan fsnotify.Event
	Errors() <-chan error
}

type notifyWatcher struct {
	w *fsnotify.Watcher
}

func (n notifyWatcher) Add(name string) error { return n.w.Add(name) }
func (n notifyWatcher) Close() error { return n.w.Close() }
func (n notifyWatcher) Events() <-chan fsnotify.Event { return n.w.Events }
func (n notifyWatcher) Errors() <-chan error { return n.w.Errors }

func newNotifyWatcher() (fsWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return notifyWatcher{w: w}, nil
}

// Watcher uploads supported files that appear or change in one directory.
// Subdirectories are not watched.
type Watcher struct {
	dir        string
	debounce   time.Duration
	upload     UploadFunc
	logger     *slog.Logger
	newWatcher func() (fsWatcher, error)
	now        func() time.Time
}

// New creates a Watcher for dir. A zero debounce uses DefaultDebounce.
func New(dir string, debounce time.Duration, upload UploadFunc, logger *slog.Logger) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Watcher{
		dir:        dir,
		debounce:   debounce,
		upload:     upload,
		logger:     logger,
		newWatcher: newNotifyWatcher,
		now:        time.Now,
	}
}

// Run watches until ctx is canceled. It returns nil on cancellation.
func (w *Watcher) Run(ctx context.Context) error {
	info, err := os.Stat(w.dir)
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}

	if !info.IsDir() {
		return fmt.Errorf("watch: %s is not a directory", w.dir)
	}

	fw, err := w.newWatcher()
	if err != nil {
		return fmt.Errorf("watch: creating watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watch: adding %s: %w", w.dir, err)
	}

	w.logger.Info("watching folder",
		slog.String("dir", w.dir),
		slog.Duration("debounce", w.debounce),
	)

	return w.loop(ctx, fw)
}

func (w *Watcher) loop(ctx context.Context, fw fsWatcher) error {
	tick := max(w.debounce/4, minTick)

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	pending := make(map[string]time.Time)

	for {
		select {
		case <-ctx.Done():
			if len(pending) > 0 {
				w.logger.Info("watch stopped with pending files", slog.Int("pending", len(pending)))
			}

			return nil

		case ev, ok := <-fw.Events():
			if !ok {
				return nil
			}

			if path, ok := w.accept(ev); ok {
				pending[path] = w.now().Add(w.debounce)
			}

		case err, ok := <-fw.Errors():
			if !ok {
				return nil
			}

			if errors.Is(err, fsnotify.ErrEventOverflow) {
				w.logger.Warn("filesystem event overflow, some files may be missed")
				continue
			}

			w.logger.Warn("filesystem watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			w.flush(ctx, pending)
		}
	}
}

// accept filters an event down to a path worth uploading.
func (w *Watcher) accept(ev fsnotify.Event) (string, bool) {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return "", false
	}

	if !Supported(ev.Name) {
		w.logger.Debug("watch: ignoring file", slog.String("path", ev.Name))
		return "", false
	}

	return ev.Name, true
}

// flush uploads every pending file whose quiet period has passed.
func (w *Watcher) flush(ctx context.Context, pending map[string]time.Time) {
	now := w.now()

	for path, due := range pending {
		if now.Before(due) {
			continue
		}

		delete(pending, path)

		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			w.logger.Debug("watch: file vanished before upload", slog.String("path", path))
			continue
		}

		w.logger.Info("uploading watched file", slog.String("path", path), slog.Int64("size", info.Size()))

		if err := w.upload(ctx, path); err != nil {
			w.logger.Error("watched upload failed",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
		}

		if ctx.Err() != nil {
			return
		}
	}
}

// Supported reports whether a path names a file the cloud can import.
// Hidden files, including editor and download temp files, are skipped.
func Supported(path string) bool {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "~") {
		return false
	}

	_, err := rmapi.ContentTypeFor(name)

	return err == nil
}
