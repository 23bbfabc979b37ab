package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fieldline/fieldsync/internal/config"
	"github.com/fieldline/fieldsync/internal/ui"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "advanced",
	Short:   "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration after merging defaults, the config file, the
env file and FIELDSYNC_* environment variables. The remote password is
masked.

The YAML output is a valid fieldsync.yaml.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, loader := loadConfig()
		format, _ := cmd.Flags().GetString("format")

		out, err := config.Render(cfg, format)
		if err != nil {
			fatalf("%v", err)
		}

		source := loader.ConfigFile()
		if source == "" {
			source = "defaults (no config file found)"
		}
		fmt.Fprintf(os.Stderr, "%s %s\n\n", ui.RenderMuted("# source:"), ui.RenderMuted(source))
		fmt.Print(string(out))
	},
}

func init() {
	configShowCmd.Flags().StringP("format", "f", "yaml", "Output format (yaml|toml)")

	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}
