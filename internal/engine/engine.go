// Package engine assembles one navigation engine instance: a fragment cache,
// resource registries, link handling, the navigation state machine and the
// fallback path, all bound to a single live document and window. Instances
// share nothing, so several can run side by side.
package engine

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"
	"golang.org/x/net/html"

	"github.com/conneroisu/navkit/internal/browser"
	"github.com/conneroisu/navkit/internal/config"
	"github.com/conneroisu/navkit/internal/dom"
	naverrors "github.com/conneroisu/navkit/internal/errors"
	"github.com/conneroisu/navkit/internal/fallback"
	"github.com/conneroisu/navkit/internal/fetchcache"
	"github.com/conneroisu/navkit/internal/links"
	"github.com/conneroisu/navkit/internal/logging"
	"github.com/conneroisu/navkit/internal/metrics"
	"github.com/conneroisu/navkit/internal/navigator"
	"github.com/conneroisu/navkit/internal/resources"
	"github.com/conneroisu/navkit/internal/target"
	"github.com/conneroisu/navkit/internal/title"
)

// EventRequestedSetTitle lets page scripts ask for a title change. The
// requested title is read from the event detail's "title" key.
const EventRequestedSetTitle = "spa:requested-setTitle"

// Window is the browsing context the engine drives.
type Window interface {
	navigator.History
	fallback.HardNavigator
	OnPopState(l browser.PopStateListener) func()
	OnLoad(l browser.LoadListener) func()
}

// Option customizes an Engine.
type Option func(*Engine)

// WithLogger sets the logger every component derives from.
func WithLogger(l logging.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithClock replaces the real clock, for tests.
func WithClock(c clockwork.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithHTTPClient sets the client used for fragments and resources.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) { e.client = c }
}

// WithLoader replaces the stylesheet and script loader.
func WithLoader(l resources.Loader) Option {
	return func(e *Engine) { e.loader = l }
}

// WithMetrics records engine metrics on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = c }
}

// WithObserver registers a navigation state observer.
func WithObserver(o navigator.Observer) Option {
	return func(e *Engine) { e.observers = append(e.observers, o) }
}

// Engine is one navigation engine instance.
type Engine struct {
	cfg       config.Config
	doc       *dom.Document
	win       Window
	log       logging.Logger
	clock     clockwork.Clock
	client    *http.Client
	loader    resources.Loader
	metrics   *metrics.Collector
	observers []navigator.Observer

	cache     *fetchcache.Cache
	fetcher   *fetchcache.Fetcher
	resources *resources.Synchronizer
	links     *links.Controller
	titles    *title.Tracker
	fallback  *fallback.Controller
	nav       *navigator.Navigator

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	enabled   bool
	started   bool
	container *html.Node
	removers  []func()
}

// New wires an engine for doc shown in win. The configuration is validated
// and copied; later changes to cfg do not affect the engine.
func New(cfg *config.Config, doc *dom.Document, win Window, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:   *cfg,
		doc:   doc,
		win:   win,
		log:   logging.NewNopLogger(),
		clock: clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.client == nil {
		e.client = &http.Client{Timeout: cfg.Fetch.Timeout}
	}
	if e.loader == nil {
		e.loader = resources.NewHTTPLoader(e.client, cfg.Fetch.UserAgent)
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())

	loc := win.Location()
	origin := &url.URL{Scheme: loc.Scheme, Host: loc.Host}
	ec := e.cfg.Engine

	e.cache = fetchcache.NewCache(ec.CacheTTL, ec.CacheMaxEntries, e.clock)

	fetchOpts := fetchcache.OptionsFromConfig(e.cfg.Fetch)
	fetchOpts.Client = e.client
	fetchOpts.Logger = e.log
	fetchOpts.Metrics = e.metrics
	e.fetcher = fetchcache.NewFetcher(origin, e.cache, fetchOpts)

	resOpts := resources.OptionsFromConfig(ec)
	resOpts.Base = origin
	resOpts.Loader = e.loader
	resOpts.Clock = e.clock
	resOpts.Logger = e.log
	resOpts.Metrics = e.metrics
	e.resources = resources.New(doc, resOpts)

	e.links = links.New(doc, links.Options{
		Selector:        ec.LinkSelector,
		PrefetchOnHover: ec.PrefetchOnHover,
		Debounce:        ec.PrefetchDebounce,
		Clock:           e.clock,
		Logger:          e.log,
		Location:        win.Location,
		Navigate: func(ctx context.Context, t target.Target) {
			e.start(t, navigator.HistoryPush)
		},
		Prefetch: func(ctx context.Context, t target.Target) {
			e.fetcher.Prefetch(ctx, t)
		},
	})

	e.titles = title.NewTracker(doc.SetTitle)
	e.fallback = fallback.New(doc, win, fallback.Options{
		Clock:    e.clock,
		Delay:    ec.FallbackDelay,
		AutoHide: ec.OverlayAutoHide,
		Logger:   e.log,
	})

	e.nav = navigator.New(doc, navigator.Options{
		Config:    ec,
		Fetcher:   e.fetcher,
		Resources: e.resources,
		Links:     e.links,
		Titles:    e.titles,
		Fallback:  e.fallback,
		History:   win,
		Clock:     e.clock,
		Logger:    e.log,
		Metrics:   e.metrics,
	})
	for _, o := range e.observers {
		e.nav.Observe(o)
	}

	e.log = e.log.WithComponent("engine")
	return e, nil
}

// Init attaches the engine to the document. It is a no-op, leaving the page
// to plain browser navigation, when the engine is disabled by configuration
// or by <meta name="spa" content="off">. A missing content container is an
// error and also leaves the engine disabled. Once attached, the engine
// follows full page loads of the window: each loaded document is adopted as
// Init would. Do not call it inside Document.Exclusive.
func (e *Engine) Init(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.mu.Unlock()

	if !e.cfg.Engine.Enabled {
		e.log.Info(ctx, "Engine disabled by configuration")
		return nil
	}

	container, bound, err := e.attach(ctx)
	if err != nil {
		return err
	}
	if container == nil {
		e.log.Info(ctx, "Engine disabled by the page")
		return nil
	}

	removeTitle := e.doc.AddEventListener(EventRequestedSetTitle, func(ev *dom.Event) {
		if t, ok := ev.Detail["title"].(string); ok {
			e.SetTitle(t)
		}
	})
	removePop := e.win.OnPopState(func(ctx context.Context, ev browser.PopState) {
		t, err := target.Normalize(ev.URL, ev.URL.String())
		if err != nil {
			e.log.Warn(ctx, err, "Ignoring popstate with invalid address")
			return
		}
		e.start(t, navigator.HistoryNone)
	})
	removeLoad := e.win.OnLoad(e.reload)

	e.mu.Lock()
	e.enabled = true
	e.container = container
	e.removers = append(e.removers, removeTitle, removePop, removeLoad)
	e.mu.Unlock()

	e.log.Info(ctx, "Engine initialized",
		"container", e.cfg.Engine.ContainerSelector, "links", bound, "origin", e.fetcher.Origin().String())
	return nil
}

// attach binds the engine to the live document: resources are adopted, the
// initial title set, the overlay placed and links bound. It returns a nil
// container when the page turned the engine off.
func (e *Engine) attach(ctx context.Context) (*html.Node, int, error) {
	var (
		killed    bool
		container *html.Node
	)
	e.doc.Exclusive(func() {
		if m := e.doc.Query(`meta[name="spa"]`); m != nil && strings.EqualFold(strings.TrimSpace(dom.Attr(m, "content")), "off") {
			killed = true
			return
		}
		container = e.doc.Query(e.cfg.Engine.ContainerSelector)
		if container == nil {
			return
		}

		e.resources.Adopt()
		initial := e.initialTitle(container)
		if e.titles.Set(initial) {
			dom.SetAttr(container, title.AttrSpaTitle, title.Normalize(initial))
		}
	})
	if killed {
		return nil, 0, nil
	}
	if container == nil {
		return nil, 0, naverrors.NewConfigError(naverrors.CodeInvalid,
			fmt.Sprintf("content container %q not found", e.cfg.Engine.ContainerSelector))
	}

	if err := e.fallback.Setup(ctx); err != nil {
		return nil, 0, naverrors.Wrap(err, naverrors.KindUnexpected, naverrors.CodeCommit, "failed to set up error overlay")
	}

	var bound int
	e.doc.Exclusive(func() {
		bound = e.links.Bind(e.ctx)
		e.links.UpdateActive(e.win.Location().Path)
	})
	return container, bound, nil
}

// reload follows a full page load. Everything tied to the discarded document
// is dropped: navigations in flight, the hidden container, the resource
// registries and pending fallbacks. The new document is then attached as Init
// would; a page without the container or with the kill switch leaves the
// engine disabled until a later load.
func (e *Engine) reload(ctx context.Context, u *url.URL) {
	e.nav.Reset()
	e.fallback.Stop()
	e.doc.Exclusive(e.resources.Reset)

	container, bound, err := e.attach(ctx)

	e.mu.Lock()
	e.enabled = container != nil
	e.container = container
	e.mu.Unlock()

	switch {
	case err != nil:
		e.log.Warn(ctx, err, "Loaded page cannot be driven by the engine", "url", u.String())
	case container == nil:
		e.log.Info(ctx, "Engine disabled by the loaded page", "url", u.String())
	default:
		e.log.Info(ctx, "Engine attached to loaded page", "url", u.String(), "links", bound)
	}
}

// initialTitle picks the title shown before any navigation: the container's
// data-title, its data-spa-title, the document title, then the default.
func (e *Engine) initialTitle(container *html.Node) string {
	declared := dom.Attr(container, "data-title")
	if title.Normalize(declared) == "" {
		declared = dom.Attr(container, title.AttrSpaTitle)
	}
	c, _ := title.Resolve(
		title.Candidate{Source: title.FragmentData, Value: declared},
		title.Candidate{Source: title.DocumentTitle, Value: e.doc.Title()},
		title.Candidate{Source: title.Default, Value: e.cfg.Engine.DefaultTitle},
	)
	return c.Value
}

// Enabled reports whether Init attached the engine.
func (e *Engine) Enabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enabled
}

// start runs a navigation in the background; Wait joins it.
func (e *Engine) start(t target.Target, mode navigator.HistoryMode) {
	if !e.Enabled() {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		_, _ = e.nav.Navigate(e.ctx, t, mode)
	}()
}

// resolve normalizes href against the current location.
func (e *Engine) resolve(href string) (target.Target, bool, error) {
	loc := e.win.Location()
	if target.IsExternal(loc, href) {
		return target.Target{}, true, nil
	}
	t, err := target.Normalize(loc, href)
	return t, false, err
}

// Go navigates to href and returns once the navigation finished. External
// addresses, and every address while the engine is disabled, get a full page
// load instead.
func (e *Engine) Go(ctx context.Context, href string) (navigator.Result, error) {
	t, external, err := e.resolve(href)
	if err != nil {
		return navigator.Result{}, naverrors.Wrap(err, naverrors.KindUnexpected, naverrors.CodeInvalid, "invalid navigation address")
	}
	if external || !e.Enabled() {
		e.log.Info(ctx, "Loading page without the engine", "href", href, "external", external)
		return navigator.Result{Target: href}, e.win.Assign(ctx, href)
	}
	return e.nav.Navigate(ctx, t, navigator.HistoryPush)
}

// Prefetch warms the cache for href. External addresses are ignored.
func (e *Engine) Prefetch(ctx context.Context, href string) (fetchcache.PrefetchStatus, error) {
	t, external, err := e.resolve(href)
	if err != nil {
		return fetchcache.PrefetchFailed, naverrors.Wrap(err, naverrors.KindUnexpected, naverrors.CodeInvalid, "invalid prefetch address")
	}
	if external {
		return fetchcache.PrefetchFailed, naverrors.NewFetchError(naverrors.CodeInvalid, "cannot prefetch a cross-origin address", nil).WithTarget(href)
	}
	return e.fetcher.Prefetch(ctx, t), nil
}

// ClearCache drops every cached fragment.
func (e *Engine) ClearCache() {
	e.cache.Clear()
}

// CacheGet returns the cached fragment markup for href.
func (e *Engine) CacheGet(href string) (string, bool) {
	t, external, err := e.resolve(href)
	if err != nil || external {
		return "", false
	}
	frag, ok := e.cache.Get(t.Key())
	return frag.HTML, ok
}

// CacheSet stores markup for href as if it had just been fetched.
func (e *Engine) CacheSet(href, markup string) error {
	t, external, err := e.resolve(href)
	if err != nil {
		return naverrors.Wrap(err, naverrors.KindUnexpected, naverrors.CodeInvalid, "invalid cache address")
	}
	if external {
		return naverrors.NewFetchError(naverrors.CodeInvalid, "cannot cache a cross-origin address", nil).WithTarget(href)
	}
	e.cache.Set(t.Key(), fetchcache.Fragment{Key: t.Key(), HTML: markup})
	return nil
}

// SetTransition changes the transition applied on later commits.
func (e *Engine) SetTransition(name string) error {
	t := config.Transition(name)
	if !t.Valid() {
		return naverrors.NewConfigError(naverrors.CodeInvalid, fmt.Sprintf("unknown transition %q", name))
	}
	e.nav.SetTransition(t)
	return nil
}

// SetTitle publishes an explicit title and records it on the content
// container. Do not call it inside Document.Exclusive.
func (e *Engine) SetTitle(value string) bool {
	var ok bool
	e.doc.Exclusive(func() {
		ok = e.titles.Set(value)
		if ok {
			if c := e.doc.Query(e.cfg.Engine.ContainerSelector); c != nil {
				dom.SetAttr(c, title.AttrSpaTitle, title.Normalize(value))
			}
		}
	})
	return ok
}

// Reconfigure applies the settings that may change while running: the
// transition and the cleanup strategy.
func (e *Engine) Reconfigure(cfg *config.Config) {
	if cfg.Engine.Transition.Valid() {
		e.nav.SetTransition(cfg.Engine.Transition)
	}
	if cfg.Engine.CleanupStrategy.Valid() {
		e.resources.SetStrategy(cfg.Engine.CleanupStrategy)
	}
	e.log.Info(context.Background(), "Engine reconfigured",
		"transition", string(e.nav.Transition()), "cleanup_strategy", string(e.resources.Strategy()))
}

// Config returns the effective configuration, including runtime changes.
func (e *Engine) Config() config.Config {
	cfg := e.cfg
	cfg.Engine.Transition = e.nav.Transition()
	cfg.Engine.CleanupStrategy = e.resources.Strategy()
	return cfg
}

// Document returns the live document.
func (e *Engine) Document() *dom.Document { return e.doc }

// Fetcher returns the fragment fetcher.
func (e *Engine) Fetcher() *fetchcache.Fetcher { return e.fetcher }

// Resources returns the resource synchronizer.
func (e *Engine) Resources() *resources.Synchronizer { return e.resources }

// Fallback returns the fallback controller.
func (e *Engine) Fallback() *fallback.Controller { return e.fallback }

// Navigator returns the navigation state machine.
func (e *Engine) Navigator() *navigator.Navigator { return e.nav }

// Links returns the link controller.
func (e *Engine) Links() *links.Controller { return e.links }

// Wait blocks until navigations started by link clicks and history
// traversal have finished, along with background script loads.
func (e *Engine) Wait() {
	e.wg.Wait()
	e.resources.Wait()
}

// Close detaches the engine: listeners are removed, timers stopped, and
// navigations in flight are abandoned without fallback.
func (e *Engine) Close() {
	e.mu.Lock()
	removers := e.removers
	e.removers = nil
	e.enabled = false
	e.mu.Unlock()

	for _, remove := range removers {
		remove()
	}
	e.cancel()
	e.links.Stop()
	e.nav.Close()
	e.fallback.Stop()
	e.Wait()
}
