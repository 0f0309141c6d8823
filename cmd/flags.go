package cmd

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// addFlagValidation wraps a flag so invalid values are rejected while the
// command line is parsed.
func addFlagValidation(flags *pflag.FlagSet, flagName string, validator func(string) error) {
	flag := flags.Lookup(flagName)
	if flag == nil {
		return
	}
	if _, ok := flag.Value.(*validatingValue); ok {
		return
	}
	flag.Value = &validatingValue{Value: flag.Value, validator: validator}
}

type validatingValue struct {
	pflag.Value
	validator func(string) error
}

func (v *validatingValue) Set(val string) error {
	if v.validator != nil {
		if err := v.validator(val); err != nil {
			return err
		}
	}
	return v.Value.Set(val)
}

// oneOf accepts exactly the listed values.
func oneOf(allowed ...string) func(string) error {
	return func(val string) error {
		for _, a := range allowed {
			if val == a {
				return nil
			}
		}
		return fmt.Errorf("must be one of %s, got %q", strings.Join(allowed, ", "), val)
	}
}

// validateListenAddr accepts host:port or :port. Empty disables the listener.
func validateListenAddr(addr string) error {
	if addr == "" {
		return nil
	}
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("invalid port number: %s", portStr)
	}
	if port < 0 || port > 65535 {
		return fmt.Errorf("port must be between 0 and 65535, got %d", port)
	}
	return nil
}

// validateFileExists accepts an empty value or an existing file.
func validateFileExists(filename string) error {
	if filename == "" {
		return nil
	}
	if _, err := os.Stat(filename); os.IsNotExist(err) {
		return fmt.Errorf("file does not exist: %s", filename)
	}
	return nil
}

// installFlagValidation wraps the flags whose values are constrained. It is
// safe to call more than once.
func installFlagValidation() {
	outputs := oneOf("text", "json", "yaml")
	for _, c := range []*cobra.Command{browseCmd, prefetchCmd} {
		addFlagValidation(c.Flags(), "output", outputs)
	}
	addFlagValidation(versionCmd.Flags(), "format", outputs)
	addFlagValidation(configShowCmd.Flags(), "format", oneOf("yaml", "json"))
	addFlagValidation(browseCmd.Flags(), "inspect", validateListenAddr)
	addFlagValidation(browseCmd.Flags(), "metrics", validateListenAddr)
	addFlagValidation(rootCmd.PersistentFlags(), "config", validateFileExists)
	addFlagValidation(rootCmd.PersistentFlags(), "log-level", oneOf("debug", "info", "warn", "warning", "error"))
	addFlagValidation(rootCmd.PersistentFlags(), "log-format", oneOf("text", "json"))
}
