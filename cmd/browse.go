package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/conneroisu/navkit/internal/config"
	naverrors "github.com/conneroisu/navkit/internal/errors"
	"github.com/conneroisu/navkit/internal/fetchcache"
	"github.com/conneroisu/navkit/internal/navigator"
)

var browseCmd = &cobra.Command{
	Use:   "browse <url> [path...]",
	Short: "Open a page and navigate through it with the engine",
	Long: `Open a page in a headless window, attach the navigation engine and
navigate to each path in order. Each step reports the resolved title,
whether the fragment came from the cache, and the final state.

Examples:
  navkit browse https://example.test/ /docs /about
  navkit browse https://example.test/ /docs --output json
  navkit browse https://example.test/ /docs --inspect :7070 --hold
  navkit browse https://example.test/ /docs --cache-file .navkit-cache`,
	Args: cobra.MinimumNArgs(1),
	RunE: runBrowse,
}

var (
	browseOutput    string
	browseCacheFile string
	browseHold      bool
	browseBack      bool
)

func init() {
	rootCmd.AddCommand(browseCmd)

	browseCmd.Flags().StringVarP(&browseOutput, "output", "o", "text", "Output format (text, json, yaml)")
	browseCmd.Flags().StringVar(&browseCacheFile, "cache-file", "", "Restore the fragment cache from and save it to this file")
	browseCmd.Flags().BoolVar(&browseHold, "hold", false, "Keep running after the last step until interrupted, reloading the config file on change")
	browseCmd.Flags().BoolVar(&browseBack, "back", false, "Go back through history after the last step")
	browseCmd.Flags().String("inspect", "", "Serve navigation transitions over websocket at this address")
	browseCmd.Flags().String("metrics", "", "Serve Prometheus metrics at this address")
	_ = viper.BindPFlag("inspector.addr", browseCmd.Flags().Lookup("inspect"))
	_ = viper.BindPFlag("metrics.addr", browseCmd.Flags().Lookup("metrics"))
}

// browseStep is one navigation in a browse report.
type browseStep struct {
	Href      string          `json:"href" yaml:"href"`
	State     navigator.State `json:"state" yaml:"state"`
	Title     string          `json:"title" yaml:"title"`
	FromCache bool            `json:"from_cache" yaml:"from_cache"`
	Removed   []string        `json:"removed,omitempty" yaml:"removed,omitempty"`
	Duration  time.Duration   `json:"duration" yaml:"duration"`
	Error     string          `json:"error,omitempty" yaml:"error,omitempty"`
}

// browseReport is the output of the browse command.
type browseReport struct {
	Start    string           `json:"start" yaml:"start"`
	Location string           `json:"location" yaml:"location"`
	Title    string           `json:"title" yaml:"title"`
	Enabled  bool             `json:"enabled" yaml:"enabled"`
	Steps    []browseStep     `json:"steps" yaml:"steps"`
	Cache    fetchcache.Stats `json:"cache" yaml:"cache"`
	Network  int64            `json:"network_calls" yaml:"network_calls"`
	Fallback []string         `json:"fallback,omitempty" yaml:"fallback,omitempty"`
}

func (r browseReport) WriteText(w io.Writer) error {
	fmt.Fprintf(w, "Start: %s\n", r.Start)
	if !r.Enabled {
		fmt.Fprintln(w, "Engine: disabled (plain page loads)")
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "HREF\tSTATE\tCACHE\tDURATION\tTITLE")
	for _, s := range r.Steps {
		cache := "miss"
		if s.FromCache {
			cache = "hit"
		}
		title := s.Title
		if s.Error != "" {
			title = "error: " + s.Error
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", s.Href, s.State, cache, s.Duration.Round(time.Millisecond), title)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "Location: %s\nTitle: %s\n", r.Location, r.Title)
	fmt.Fprintf(w, "Cache: %d entries, %d hits, %d misses, %d network calls\n",
		r.Cache.Entries, r.Cache.Hits, r.Cache.Misses, r.Network)
	for _, href := range r.Fallback {
		fmt.Fprintf(w, "Fallback: full page load of %s\n", href)
	}
	return nil
}

func runBrowse(cmd *cobra.Command, args []string) error {
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

	s, err := openSession(ctx, cfg, log, args[0], sessionOptions{CacheFile: browseCacheFile})
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", args[0], err)
	}
	defer s.Close(ctx)

	report := browse(ctx, s, args[0], args[1:])

	if browseHold {
		if path := viper.ConfigFileUsed(); path != "" {
			go func() {
				if err := config.Watch(ctx, path, log, s.engine.Reconfigure); err != nil {
					log.Error(ctx, err, "Config watch failed", "path", path)
				}
			}()
		}
		log.Info(ctx, "Holding session open, interrupt to exit")
		<-ctx.Done()
	}

	return writeOutput(cmd.OutOrStdout(), browseOutput, report)
}

// browse runs each navigation in order and then optionally walks back.
func browse(ctx context.Context, s *session, start string, paths []string) browseReport {
	report := browseReport{Start: start, Enabled: s.engine.Enabled()}
	step := func(href string, res navigator.Result, err error) {
		st := browseStep{
			Href:      href,
			State:     res.State,
			Title:     res.Title,
			FromCache: res.FromCache,
			Removed:   res.Removed,
			Duration:  res.Duration,
		}
		if err != nil {
			st.Error = err.Error()
			if st.State == "" {
				st.State = navigator.StateFailed
			}
		}
		report.Steps = append(report.Steps, st)
	}

	for _, p := range paths {
		res, err := s.engine.Go(ctx, p)
		if err != nil && !naverrors.ShouldFallback(err) {
			s.log.Warn(ctx, err, "Navigation failed", "href", p)
		}
		step(p, res, err)
	}
	if browseBack {
		for s.win.Back(ctx) {
			s.engine.Wait()
			step("(back) "+s.win.Location().String(), navigator.Result{State: navigator.StateSettled}, nil)
		}
	}
	s.engine.Wait()

	s.engine.Document().Exclusive(func() { report.Title = s.engine.Document().Title() })
	report.Location = s.win.Location().String()
	report.Cache = s.engine.Fetcher().Cache().Stats()
	report.Network = s.engine.Fetcher().NetworkCalls()
	report.Fallback = s.engine.Fallback().Escalated()
	return report
}
