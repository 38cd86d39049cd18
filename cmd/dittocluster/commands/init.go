package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/marmos91/dittocluster/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a sample configuration file",
	Long: `Initialize a sample dittocluster configuration file.

By default, the configuration file is created at $XDG_CONFIG_HOME/dittocluster/config.yaml.
Use --config to specify a custom path.

Examples:
  # Initialize with default location
  dittocluster init

  # Initialize with custom path
  dittocluster init --config /etc/dittocluster/config.yaml

  # Force overwrite existing config
  dittocluster init --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Force overwrite existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	configPath := GetConfigFile()
	if configPath == "" {
		configPath = config.GetDefaultConfigPath()
	}

	if _, err := os.Stat(configPath); err == nil && !initForce {
		return fmt.Errorf("config file already exists at %s (use --force to overwrite)", configPath)
	}

	if err := config.SaveConfig(config.GetDefaultConfig(), configPath); err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Configuration file created at: %s\n", configPath)
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintln(out, "  1. Set node.id and node.members for every cluster member")
	fmt.Fprintln(out, "  2. Start the node with: dittocluster start")
	fmt.Fprintf(out, "  3. Or specify custom config: dittocluster start --config %s\n", configPath)
	return nil
}
