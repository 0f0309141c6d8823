package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/conneroisu/navkit/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage navkit configuration",
	Long: `Manage navkit configuration files and settings.

Examples:
  navkit config init                   # Write the defaults to .navkit.yml
  navkit config validate               # Validate the resolved configuration
  navkit config validate --file x.yml  # Validate a specific file
  navkit config show --format json     # Show the resolved configuration`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a configuration file with the default values",
	RunE:  runConfigInit,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	RunE:  runConfigValidate,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long: `Display the configuration after the config file, NAVKIT_ environment
variables, command-line flags and defaults have been applied.`,
	RunE: runConfigShow,
}

var (
	configOutput string
	configForce  bool
	configFile   string
	configFormat string
)

func init() {
	rootCmd.AddCommand(configCmd)

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configShowCmd)

	configInitCmd.Flags().StringVarP(&configOutput, "output", "o", ".navkit.yml", "Output configuration file")
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite an existing file")

	configValidateCmd.Flags().StringVarP(&configFile, "file", "f", "", "Configuration file to validate (default: the resolved configuration)")

	configShowCmd.Flags().StringVar(&configFormat, "format", "yaml", "Output format (yaml, json)")
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(configOutput); err == nil && !configForce {
		return fmt.Errorf("%s already exists, use --force to overwrite", configOutput)
	}

	data, err := yaml.Marshal(config.Default())
	if err != nil {
		return err
	}
	if err := os.WriteFile(configOutput, data, 0o644); err != nil {
		return fmt.Errorf("failed to write configuration file: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Configuration saved to: %s\n", configOutput)
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	var (
		cfg *config.Config
		err error
	)
	source := "resolved configuration"
	if configFile != "" {
		if _, statErr := os.Stat(configFile); errors.Is(statErr, os.ErrNotExist) {
			return fmt.Errorf("configuration file %s not found", configFile)
		}
		v := viper.New()
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read %s: %w", configFile, err)
		}
		source = configFile
		cfg, err = config.LoadFrom(v)
	} else {
		cfg, err = loadConfig()
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s is valid (container %s, cleanup %s, cache ttl %s)\n",
		source, cfg.Engine.ContainerSelector, cfg.Engine.CleanupStrategy, cfg.Engine.CacheTTL)
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if configFormat != "yaml" && configFormat != "json" {
		return fmt.Errorf("unsupported format: %s (supported: yaml, json)", configFormat)
	}
	return writeOutput(cmd.OutOrStdout(), configFormat, cfg)
}
