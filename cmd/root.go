// Package cmd provides the navkit command-line interface.
//
// Configuration is resolved with the following precedence, highest first:
//
//  1. Command-line flags (--config, --log-level, ...)
//  2. NAVKIT_CONFIG_FILE environment variable for the config file path
//  3. Individual environment variables (NAVKIT_ENGINE_CACHE_TTL, ...)
//  4. Configuration file (.navkit.yml)
//  5. Built-in defaults
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/conneroisu/navkit/internal/config"
	"github.com/conneroisu/navkit/internal/logging"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "navkit",
	Short: "Fragment navigation engine for server-rendered sites",
	Long: `navkit drives a server-rendered site the way its in-page navigation engine
would: links are intercepted, fragments are fetched with X-Requested-With and
cached, head resources are synchronized, and titles are resolved from the
X-Page-Title header, fragment data attributes, and the document title.

Quick Start:
  navkit browse https://example.test/ /docs /about   Navigate through pages
  navkit prefetch https://example.test/ /docs        Warm and save the cache
  navkit config show                                 Show resolved configuration`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	installFlagValidation()
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .navkit.yml, can also use NAVKIT_CONFIG_FILE env var)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")
	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("logging.format", rootCmd.PersistentFlags().Lookup("log-format"))
}

// initConfig points viper at the config file and enables NAVKIT_ environment
// overrides. A missing file is not an error.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if envConfigFile := os.Getenv("NAVKIT_CONFIG_FILE"); envConfigFile != "" {
		viper.SetConfigFile(envConfigFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".navkit")
	}

	viper.SetEnvPrefix("NAVKIT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// loadConfig resolves and validates the configuration.
func loadConfig() (*config.Config, error) {
	return config.Load()
}

// newLogger builds the process logger from the logging section.
func newLogger(cfg *config.Config) (logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	lc := logging.DefaultConfig()
	lc.Level = level
	lc.Format = cfg.Logging.Format
	return logging.NewLogger(lc), nil
}
