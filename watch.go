package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/rmcloud/internal/docpath"
	"github.com/tonimelisma/rmcloud/internal/rmapi"
	"github.com/tonimelisma/rmcloud/internal/watch"
)

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch <dir>",
		Short: "Upload PDF and EPUB files as they appear in a directory",
		Long: `Watch a local directory and upload every PDF or EPUB file that is
created or changed in it. A file is uploaded once writes to it have settled
for the configured debounce interval. Subdirectories are not watched.

Runs until interrupted. Only one watch may run per data directory.`,
		Args: cobra.ExactArgs(1),
		RunE: runWatch,
	}

	cmd.Flags().String("parent", "/", "destination folder")

	return cmd
}

func runWatch(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	dir := args[0]

	parentPath, err := cmd.Flags().GetString("parent")
	if err != nil {
		return err
	}

	cleanup, err := writePIDFile(watchPIDPath(cc.Cfg.Index.Path))
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := shutdownContext(cmd.Context(), cc.Logger)

	s, err := NewCloudSession(ctx, cc)
	if err != nil {
		return err
	}

	parentID := rmapi.RootParent

	if docpath.Clean(parentPath) != "/" {
		tree, treeErr := s.Tree(ctx)
		if treeErr != nil {
			return treeErr
		}

		folder, resolveErr := tree.ResolveFolder(parentPath)
		if resolveErr != nil {
			return fmt.Errorf("resolving parent %q: %w", parentPath, resolveErr)
		}

		parentID = folder.ID
	}

	upload := watchUploader(cc, s.Transfer, parentID)

	cc.Statusf("Watching %s (Ctrl-C to stop)\n", dir)
	cc.Logger.Info("watch started",
		slog.String("dir", dir),
		slog.String("parent_id", parentID),
		slog.Duration("debounce", cc.Cfg.Debounce()),
	)

	return watch.New(dir, cc.Cfg.Debounce(), upload, cc.Logger).Run(ctx)
}

// watchUploader returns the upload callback for the watcher. Files over the
// size limit are skipped with a warning rather than failing the watch.
func watchUploader(cc *CLIContext, client *rmapi.Client, parentID string) watch.UploadFunc {
	maxSize := cc.Cfg.MaxFileSize()

	return func(ctx context.Context, path string) error {
		ct, err := rmapi.ContentTypeFor(path)
		if err != nil {
			return err
		}

		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("opening %q: %w", path, err)
		}
		defer f.Close()

		fi, err := f.Stat()
		if err != nil {
			return fmt.Errorf("stating %q: %w", path, err)
		}

		if maxSize > 0 && fi.Size() > maxSize {
			cc.Logger.Warn("skipping file over max_file_size",
				slog.String("path", path),
				slog.Int64("size", fi.Size()),
			)

			return nil
		}

		doc, err := client.UploadFile(ctx, filepath.Base(path), parentID, ct, f, fi.Size())
		if err != nil {
			return err
		}

		cc.Statusf("Uploaded %s\n", path)
		cc.Logger.Info("uploaded", slog.String("path", path), slog.String("id", doc.ID))

		return nil
	}
}
