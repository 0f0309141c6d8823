package cmd

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/conneroisu/navkit/internal/browser"
	"github.com/conneroisu/navkit/internal/config"
	"github.com/conneroisu/navkit/internal/engine"
	"github.com/conneroisu/navkit/internal/inspector"
	"github.com/conneroisu/navkit/internal/logging"
	"github.com/conneroisu/navkit/internal/metrics"
)

const shutdownTimeout = 5 * time.Second

// sessionOptions are the command flags shared by browse and prefetch.
type sessionOptions struct {
	CacheFile string
	Client    *http.Client
}

// session is one headless window with an attached engine plus the optional
// inspector and metrics listeners.
type session struct {
	cfg     *config.Config
	log     logging.Logger
	win     *browser.Window
	engine  *engine.Engine
	hub     *inspector.Hub
	metrics *metrics.Collector
	servers []*http.Server
	opts    sessionOptions
}

func openSession(ctx context.Context, cfg *config.Config, log logging.Logger, startURL string, opts sessionOptions) (*session, error) {
	s := &session{cfg: cfg, log: log, opts: opts}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Fetch.Timeout}
	}

	engineOpts := []engine.Option{engine.WithLogger(log), engine.WithHTTPClient(client)}
	if cfg.Metrics.Addr != "" {
		s.metrics = metrics.NewCollector("navkit")
		engineOpts = append(engineOpts, engine.WithMetrics(s.metrics))
		s.serve(ctx, cfg.Metrics.Addr, s.metrics.Handler(), "metrics")
	}
	if cfg.Inspector.Addr != "" {
		s.hub = inspector.New(inspector.Options{Logger: log})
		engineOpts = append(engineOpts, engine.WithObserver(s.hub.Observe))
		s.serve(ctx, cfg.Inspector.Addr, s.hub.Handler(), "inspector")
	}

	win, err := browser.Open(ctx, client, startURL,
		browser.WithLogger(log), browser.WithUserAgent(cfg.Fetch.UserAgent))
	if err != nil {
		s.Close(ctx)
		return nil, err
	}
	s.win = win

	e, err := engine.New(cfg, win.Document(), win, engineOpts...)
	if err != nil {
		s.Close(ctx)
		return nil, err
	}
	s.engine = e

	if opts.CacheFile != "" {
		n, err := e.Fetcher().Cache().LoadFile(opts.CacheFile)
		if err != nil {
			log.Warn(ctx, err, "Ignoring unreadable cache file", "path", opts.CacheFile)
		} else if n > 0 {
			log.Info(ctx, "Cache restored", "path", opts.CacheFile, "entries", n)
		}
	}

	if err := e.Init(ctx); err != nil {
		s.Close(ctx)
		return nil, err
	}
	return s, nil
}

func (s *session) serve(ctx context.Context, addr string, h http.Handler, name string) {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}
	s.servers = append(s.servers, srv)
	go func() {
		s.log.Info(ctx, "Listening", "server", name, "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error(ctx, err, "Server stopped", "server", name)
		}
	}()
}

// Close waits for background work, saves the cache and stops listeners.
func (s *session) Close(ctx context.Context) {
	if s.engine != nil {
		s.engine.Wait()
		if s.opts.CacheFile != "" {
			if err := s.engine.Fetcher().Cache().SaveFile(s.opts.CacheFile); err != nil {
				s.log.Error(ctx, err, "Failed to save cache", "path", s.opts.CacheFile)
			}
		}
		s.engine.Close()
	}
	if s.hub != nil {
		s.hub.Close()
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	for _, srv := range s.servers {
		_ = srv.Shutdown(shutdownCtx)
	}
}
