package main

import (
	"github.com/spf13/cobra"

	"github.com/tonimelisma/rmcloud/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(newConfigShowCmd(), newConfigInitCmd())

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display effective configuration after all overrides",
		Args:  cobra.NoArgs,
		RunE:  runConfigShow,
	}
}

func newConfigInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a commented default config file",
		Long: `Write a config file with every setting at its default value. Refuses to
overwrite an existing file.`,
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipConfigAnnotation: "true"},
		RunE:        runConfigInit,
	}
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	if cc.Flags.JSON {
		return printJSON(cc.Out, cc.Cfg)
	}

	return config.RenderEffective(cc.Cfg, cc.Out)
}

// initConfigPath picks the destination the same way config loading does:
// --config, then RMCLOUD_CONFIG, then the platform default.
func initConfigPath(flagPath string, env config.EnvOverrides) string {
	switch {
	case flagPath != "":
		return flagPath
	case env.ConfigPath != "":
		return env.ConfigPath
	default:
		return config.DefaultConfigPath()
	}
}

func runConfigInit(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	path := initConfigPath(cc.Flags.ConfigPath, config.ReadEnvOverrides())

	if err := config.WriteDefault(path, cc.Logger); err != nil {
		return err
	}

	cc.Statusf("Wrote %s\n", path)

	return nil
}
