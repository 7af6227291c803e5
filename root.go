package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/rmcloud/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagTokenFile  string
	flagJSON       bool
	flagVerbose    bool
	flagQuiet      bool
)

// skipConfigAnnotation marks commands that run without loading the config
// file, such as "config init" which creates it.
const skipConfigAnnotation = "skipConfig"

// CLIFlags is a snapshot of the global flags for one invocation.
type CLIFlags struct {
	ConfigPath string
	TokenFile  string
	JSON       bool
	Verbose    bool
	Quiet      bool
}

// CLIContext carries everything a subcommand needs: flags, the resolved
// configuration (nil for skipConfig commands), the logger, and the output
// streams. It is stored in the command context by PersistentPreRunE.
type CLIContext struct {
	Flags  CLIFlags
	Cfg    *config.Resolved
	Logger *slog.Logger
	Out    io.Writer
	Err    io.Writer
}

type cliContextKey struct{}

// mustCLIContext returns the CLIContext stored by PersistentPreRunE.
// Panics if absent: every subcommand runs after the root pre-run.
func mustCLIContext(ctx context.Context) *CLIContext {
	cc, ok := ctx.Value(cliContextKey{}).(*CLIContext)
	if !ok {
		panic("CLIContext missing from command context")
	}

	return cc
}

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "rmcloud",
		Short:   "reMarkable Cloud CLI",
		Long:    "Register a device, list, upload, and manage documents in the reMarkable Cloud.",
		Version: version,
		// Errors are printed by main.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cc, err := newCLIContext(cmd)
			if err != nil {
				return err
			}

			cmd.SetContext(context.WithValue(cmd.Context(), cliContextKey{}, cc))

			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flagTokenFile, "token-file", "", "token file path")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")
	cmd.MarkFlagsMutuallyExclusive("verbose", "quiet")

	cmd.AddCommand(newRegisterCmd())
	cmd.AddCommand(newRefreshCmd())
	cmd.AddCommand(newLogoutCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newDiscoverCmd())
	cmd.AddCommand(newRootInfoCmd())
	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newLsCmd())
	cmd.AddCommand(newGetCmd())
	cmd.AddCommand(newPutCmd())
	cmd.AddCommand(newMkdirCmd())
	cmd.AddCommand(newRmCmd())
	cmd.AddCommand(newWatchCmd())
	cmd.AddCommand(newNotificationsCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

// newCLIContext snapshots the flags, resolves configuration through the
// override chain, and builds the logger.
func newCLIContext(cmd *cobra.Command) (*CLIContext, error) {
	flags := CLIFlags{
		ConfigPath: flagConfigPath,
		TokenFile:  flagTokenFile,
		JSON:       flagJSON,
		Verbose:    flagVerbose,
		Quiet:      flagQuiet,
	}

	cc := &CLIContext{
		Flags: flags,
		Out:   cmd.OutOrStdout(),
		Err:   cmd.ErrOrStderr(),
	}

	if cmd.Annotations[skipConfigAnnotation] == "true" {
		cc.Logger = buildLogger(nil, flags)
		return cc, nil
	}

	cli := config.CLIOverrides{ConfigPath: flags.ConfigPath, LogLevel: logLevelOverride(flags)}
	if cmd.Flags().Changed("token-file") {
		cli.TokenFile = &flags.TokenFile
	}

	resolved, err := config.Resolve(config.ReadEnvOverrides(), cli)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	cc.Cfg = resolved
	cc.Logger = buildLogger(resolved, flags)

	cc.Logger.Debug("config resolved",
		slog.String("config_path", resolved.ConfigPath),
		slog.String("token_file", resolved.Auth.TokenFile),
	)

	return cc, nil
}

// logLevelOverride maps --verbose and --quiet onto a config log level.
// Returns nil when neither flag is set.
func logLevelOverride(flags CLIFlags) *string {
	var level string

	switch {
	case flags.Verbose:
		level = "debug"
	case flags.Quiet:
		level = "error"
	default:
		return nil
	}

	return &level
}

// buildLogger creates an slog.Logger on stderr. The config file sets the
// baseline level and format; --verbose and --quiet override the level.
// Format "auto" writes text to a terminal and JSON otherwise.
func buildLogger(cfg *config.Resolved, flags CLIFlags) *slog.Logger {
	level := slog.LevelWarn
	format := "auto"

	if cfg != nil {
		switch cfg.Logging.LogLevel {
		case "debug":
			level = slog.LevelDebug
		case "info":
			level = slog.LevelInfo
		case "error":
			level = slog.LevelError
		}

		format = cfg.Logging.LogFormat
	}

	if flags.Verbose {
		level = slog.LevelDebug
	}

	if flags.Quiet {
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	if useJSONLogs(format, os.Stderr) {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}

	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// useJSONLogs decides the handler for the given format and destination.
func useJSONLogs(format string, f *os.File) bool {
	switch format {
	case "json":
		return true
	case "text":
		return false
	default:
		return !isTerminal(f)
	}
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// newHTTPClient returns an HTTP client with the configured timeout, for
// metadata requests.
func newHTTPClient(cfg *config.Resolved) *http.Client {
	return &http.Client{Timeout: cfg.Timeout()}
}

// newTransferHTTPClient returns an HTTP client without a timeout, for
// uploads and downloads whose duration scales with file size.
func newTransferHTTPClient() *http.Client {
	return &http.Client{}
}
