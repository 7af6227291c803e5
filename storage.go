package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/rmcloud/internal/tokenfile"
)

func newDiscoverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Look up the storage host for this account",
		Long: `Ask the service manager which storage host serves this account.
With --save the host is recorded in the token file and used by every
later command instead of the configured storage_url.`,
		Args: cobra.NoArgs,
		RunE: runDiscover,
	}

	cmd.Flags().Bool("save", false, "record the host in the token file")

	return cmd
}

func newRootInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "root",
		Short: "Show the account's sync root",
		Args:  cobra.NoArgs,
		RunE:  runRootInfo,
	}
}

// discoverOutput is the JSON schema for `discover --json`.
type discoverOutput struct {
	Host  string `json:"host"`
	Saved bool   `json:"saved"`
}

func runDiscover(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	save, err := cmd.Flags().GetBool("save")
	if err != nil {
		return err
	}

	client := newAPIClient(cc.Cfg, newHTTPClient(cc.Cfg), cc.Logger)

	host, err := client.DiscoverStorage(cmd.Context())
	if err != nil {
		return err
	}

	if save {
		if err := tokenfile.SetStorageHost(cc.Cfg.Auth.TokenFile, host); err != nil {
			return err
		}
	}

	if cc.Flags.JSON {
		return printJSON(cc.Out, discoverOutput{Host: host, Saved: save})
	}

	fmt.Fprintln(cc.Out, host)

	if save {
		cc.Statusf("Saved storage host to %s\n", cc.Cfg.Auth.TokenFile)
	}

	return nil
}

func runRootInfo(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	s, err := NewCloudSession(ctx, cc)
	if err != nil {
		return err
	}

	root, err := s.Client.SyncRoot(ctx)
	if err != nil {
		return fmt.Errorf("fetching sync root: %w", err)
	}

	if cc.Flags.JSON {
		return printJSON(cc.Out, root)
	}

	fmt.Fprintf(cc.Out, "Hash:       %s\n", root.Hash)
	fmt.Fprintf(cc.Out, "Generation: %d\n", root.Generation)
	fmt.Fprintf(cc.Out, "Schema:     %d\n", root.SchemaVersion)

	return nil
}
