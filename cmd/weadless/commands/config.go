package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect weadless configuration",
	Long:  `View the effective weadless configuration after defaults, file, environment and flags are merged.`,
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write the effective configuration to a file",
	Long: `Write the effective configuration as YAML, to weadless.yaml unless a
path is given. The VNC password is never written; set it with
--vnc-password or WEADLESS_OUTPUT_VNC_PASSWORD.`,
	Example: `  # Starter file from the defaults
  weadless config init

  # Turn an existing file plus WEADLESS_* overrides into a new one
  weadless --config old.yaml config init new.yaml --force`,
	Args: cobra.MaximumNArgs(1),
	RunE: runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Example: `  # Show configuration as YAML (default)
  weadless config show

  # Show configuration as JSON
  weadless config show --format json

  # Write a starter config file instead
  weadless config init`,
	RunE: runConfigShow,
}

var (
	configFormat string
	configForce  bool
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)

	configCmd.AddCommand(configInitCmd)

	configShowCmd.Flags().StringVarP(&configFormat, "format", "f", "yaml", "output format (yaml or json)")
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "overwrite an existing file")
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	shown := cfg.WithoutSecrets()

	switch configFormat {
	case "json":
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(shown)
	case "yaml":
		encoder := yaml.NewEncoder(os.Stdout)
		encoder.SetIndent(2)
		return encoder.Encode(shown)
	default:
		return fmt.Errorf("unsupported format: %s (use 'yaml' or 'json')", configFormat)
	}
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := "weadless.yaml"
	if len(args) == 1 {
		path = args[0]
	}
	if _, err := os.Stat(path); err == nil && !configForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err := cfg.WithoutSecrets().Save(path); err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", path)
	return nil
}
