package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/rmcloud/internal/index"
	"github.com/tonimelisma/rmcloud/internal/rmapi"
)

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Refresh the local listing cache",
		Long: `Fetch the sync root and the full document list and store them in the
local index, so "ls --cached" works without network access.`,
		Args: cobra.NoArgs,
		RunE: runSync,
	}
}

// syncOutput is the JSON schema for `sync --json`.
type syncOutput struct {
	Documents  int    `json:"documents"`
	Generation int64  `json:"generation,omitempty"`
	Index      string `json:"index"`
}

func runSync(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	s, err := NewCloudSession(ctx, cc)
	if err != nil {
		return err
	}

	// Accounts without a sync root still have a document list.
	root, err := s.Client.SyncRoot(ctx)
	if err != nil && !errors.Is(err, rmapi.ErrNotFound) {
		return fmt.Errorf("fetching sync root: %w", err)
	}

	if root == nil {
		cc.Logger.Warn("account has no sync root; indexing documents only")
	}

	docs, err := s.Client.ListDocuments(ctx, false)
	if err != nil {
		return fmt.Errorf("listing documents: %w", err)
	}

	ix, err := index.Open(ctx, cc.Cfg.Index.Path, cc.Logger)
	if err != nil {
		return err
	}
	defer ix.Close()

	if err := ix.ReplaceDocuments(ctx, docs); err != nil {
		return err
	}

	out := syncOutput{Documents: len(docs), Index: cc.Cfg.Index.Path}

	if root != nil {
		if err := ix.SaveRoot(ctx, root); err != nil {
			return err
		}

		out.Generation = root.Generation
	}

	cc.Logger.Info("sync complete",
		slog.Int("documents", len(docs)),
		slog.Int64("generation", out.Generation),
	)

	if cc.Flags.JSON {
		return printJSON(cc.Out, out)
	}

	cc.Statusf("Indexed %d documents\n", len(docs))

	return nil
}
