package cmd

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/conneroisu/navkit/internal/fetchcache"
)

var prefetchCmd = &cobra.Command{
	Use:   "prefetch <url> <path...>",
	Short: "Warm the fragment cache for a set of paths",
	Long: `Open a page, attach the engine and prefetch each path concurrently.
Requests for the same fragment are shared, and prefetches beyond the
configured rate are dropped. With --cache-file the warmed cache is saved
so a later browse can start from it.

Examples:
  navkit prefetch https://example.test/ /docs /about /docs
  navkit prefetch https://example.test/ /docs --cache-file .navkit-cache`,
	Args: cobra.MinimumNArgs(2),
	RunE: runPrefetch,
}

var (
	prefetchOutput    string
	prefetchCacheFile string
)

func init() {
	rootCmd.AddCommand(prefetchCmd)

	prefetchCmd.Flags().StringVarP(&prefetchOutput, "output", "o", "text", "Output format (text, json, yaml)")
	prefetchCmd.Flags().StringVar(&prefetchCacheFile, "cache-file", "", "Save the warmed cache to this file")
}

type prefetchItem struct {
	Href   string                    `json:"href" yaml:"href"`
	Status fetchcache.PrefetchStatus `json:"status" yaml:"status"`
	Error  string                    `json:"error,omitempty" yaml:"error,omitempty"`
}

type prefetchReport struct {
	Items   []prefetchItem `json:"items" yaml:"items"`
	Network int64          `json:"network_calls" yaml:"network_calls"`
	Entries int            `json:"entries" yaml:"entries"`
}

func (r prefetchReport) WriteText(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "HREF\tSTATUS")
	for _, it := range r.Items {
		status := string(it.Status)
		if it.Error != "" {
			status += " (" + it.Error + ")"
		}
		fmt.Fprintf(tw, "%s\t%s\n", it.Href, status)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "Cached: %d entries from %d network calls\n", r.Entries, r.Network)
	return err
}

func runPrefetch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := openSession(ctx, cfg, log, args[0], sessionOptions{CacheFile: prefetchCacheFile})
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", args[0], err)
	}
	defer s.Close(ctx)

	paths := args[1:]
	items := make([]prefetchItem, len(paths))
	var g errgroup.Group
	for i, p := range paths {
		g.Go(func() error {
			status, err := s.engine.Prefetch(ctx, p)
			items[i] = prefetchItem{Href: p, Status: status}
			if err != nil {
				items[i].Error = err.Error()
			}
			return nil
		})
	}
	_ = g.Wait()

	report := prefetchReport{
		Items:   items,
		Network: s.engine.Fetcher().NetworkCalls(),
		Entries: s.engine.Fetcher().Cache().Len(),
	}
	return writeOutput(cmd.OutOrStdout(), prefetchOutput, report)
}
