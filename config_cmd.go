package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/chatsync/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigInitCmd())

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display effective configuration after all overrides",
		RunE:  runConfigShow,
	}
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	if resolvedCfg == nil {
		return errors.New("no configuration loaded")
	}

	out := cmd.OutOrStdout()

	if flagJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")

		return enc.Encode(resolvedCfg)
	}

	fmt.Fprintf(out, "# source: %s\n", resolvedCfgPath)

	return config.RenderEffective(resolvedCfg, out)
}

func newConfigInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		Long: `Write a commented default config file to the config path (--config,
then CHATSYNC_CONFIG, then the platform default). An existing file is never
overwritten.`,
		RunE: runConfigInit,
	}
}

func runConfigInit(cmd *cobra.Command, _ []string) error {
	path := initConfigPath()

	if err := config.WriteDefault(path); err != nil {
		if errors.Is(err, config.ErrConfigExists) {
			return fmt.Errorf("config file %s already exists", path)
		}

		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)

	return nil
}

// initConfigPath picks the file config init writes, with the same precedence
// loadConfig uses to find it.
func initConfigPath() string {
	if flagConfigPath != "" {
		return flagConfigPath
	}

	if p := os.Getenv(config.EnvConfig); p != "" {
		return p
	}

	return config.DefaultConfigPath()
}
