package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/conneroisu/navkit/internal/version"
)

var (
	versionFormat string
	versionShort  bool
)

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Long: `Display version information for navkit.

Examples:
  navkit version               # Show version details
  navkit version --short       # Show short version only
  navkit version --format json # Output as JSON`,
	RunE: runVersionCommand,
}

func init() {
	rootCmd.AddCommand(versionCmd)

	versionCmd.Flags().StringVarP(&versionFormat, "format", "f", "text", "Output format (text, json, yaml)")
	versionCmd.Flags().BoolVar(&versionShort, "short", false, "Show short version only")
}

type versionReport struct {
	version.BuildInfo `yaml:",inline"`
}

func (v versionReport) WriteText(w io.Writer) error {
	_, err := fmt.Fprintf(w, "navkit\n%s\n", v.BuildInfo.String())
	return err
}

func runVersionCommand(cmd *cobra.Command, args []string) error {
	if versionShort && (versionFormat == "" || versionFormat == "text") {
		_, err := fmt.Fprintln(cmd.OutOrStdout(), version.GetShortVersion())
		return err
	}
	return writeOutput(cmd.OutOrStdout(), versionFormat, versionReport{version.GetBuildInfo()})
}
