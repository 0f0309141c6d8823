package navigator

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/navkit/internal/browser"
	"github.com/conneroisu/navkit/internal/config"
	"github.com/conneroisu/navkit/internal/dom"
	naverrors "github.com/conneroisu/navkit/internal/errors"
	"github.com/conneroisu/navkit/internal/fallback"
	"github.com/conneroisu/navkit/internal/fetchcache"
	"github.com/conneroisu/navkit/internal/links"
	"github.com/conneroisu/navkit/internal/resources"
	"github.com/conneroisu/navkit/internal/target"
	"github.com/conneroisu/navkit/internal/title"
)

const home = `<html><head><title>Home</title></head>
<body class="home">
<nav><a id="nav-home" data-spa href="/">Home</a><a id="nav-docs" data-spa href="/docs">Docs</a></nav>
<div id="app"><p>home</p></div>
</body></html>`

type page struct {
	body   string
	header string
	status int
	gate   chan struct{}
}

type site struct {
	mu    sync.Mutex
	pages map[string]page
	calls map[string]int
}

func (s *site) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	p, ok := s.pages[r.URL.Path]
	s.calls[r.URL.Path]++
	s.mu.Unlock()

	if p.gate != nil {
		<-p.gate
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	if p.header != "" {
		w.Header().Set(fetchcache.HeaderPageTitle, p.header)
	}
	if p.status != 0 {
		w.WriteHeader(p.status)
	}
	_, _ = w.Write([]byte(p.body))
}

func (s *site) Calls(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[path]
}

type nopLoader struct{}

func (nopLoader) LoadStylesheet(ctx context.Context, url string) error { return nil }
func (nopLoader) LoadScript(ctx context.Context, url string) error     { return nil }

type harness struct {
	doc      *dom.Document
	win      *browser.Window
	nav      *Navigator
	fetcher  *fetchcache.Fetcher
	fallback *fallback.Controller
	clock    clockwork.FakeClock
	site     *site

	mu     sync.Mutex
	states []State
}

func (h *harness) States() []State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]State(nil), h.states...)
}

// gatedLoader holds stylesheet loads whose address contains prefix until
// release is closed.
type gatedLoader struct {
	prefix  string
	release chan struct{}

	mu      sync.Mutex
	started int
}

func (l *gatedLoader) LoadStylesheet(ctx context.Context, url string) error {
	if !strings.Contains(url, l.prefix) {
		return nil
	}
	l.mu.Lock()
	l.started++
	l.mu.Unlock()
	select {
	case <-l.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (l *gatedLoader) LoadScript(ctx context.Context, url string) error { return nil }

func (l *gatedLoader) Started() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.started
}

func newHarness(t *testing.T, pages map[string]page, mutate func(*config.EngineConfig)) *harness {
	t.Helper()
	return newHarnessWithLoader(t, pages, mutate, nopLoader{})
}

func newHarnessWithLoader(t *testing.T, pages map[string]page, mutate func(*config.EngineConfig), loader resources.Loader) *harness {
	t.Helper()
	s := &site{pages: pages, calls: make(map[string]int)}
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	origin, err := url.Parse(srv.URL)
	require.NoError(t, err)

	cfg := config.Default().Engine
	cfg.TitleUpdateDelay = 0
	if mutate != nil {
		mutate(&cfg)
	}

	doc := dom.MustParse(home)
	clock := clockwork.NewFakeClock()
	win := browser.New(doc, origin.ResolveReference(&url.URL{Path: "/"}), srv.Client())

	fetcher := fetchcache.NewFetcher(origin, fetchcache.NewCache(cfg.CacheTTL, 0, nil), fetchcache.Options{Client: srv.Client()})
	resOpts := resources.OptionsFromConfig(cfg)
	resOpts.Base = origin
	resOpts.Loader = loader
	res := resources.New(doc, resOpts)
	fb := fallback.New(doc, win, fallback.Options{Clock: clock, Delay: cfg.FallbackDelay, AutoHide: cfg.OverlayAutoHide})
	lc := links.New(doc, links.Options{Selector: cfg.LinkSelector, Location: win.Location})
	tracker := title.NewTracker(doc.SetTitle)

	h := &harness{doc: doc, win: win, fetcher: fetcher, fallback: fb, clock: clock, site: s}
	h.nav = New(doc, Options{
		Config:    cfg,
		Fetcher:   fetcher,
		Resources: res,
		Links:     lc,
		Titles:    tracker,
		Fallback:  fb,
		History:   win,
		Clock:     clock,
	})
	h.nav.Observe(func(tr Transition) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.states = append(h.states, tr.To)
	})
	t.Cleanup(func() {
		h.nav.Close()
		fb.Stop()
	})
	return h
}

const docsPage = `<html class="theme" data-theme="dark">
<head>
  <title>Docs</title>
  <meta name="csrf-token" content="tok-2">
  <link rel="stylesheet" href="/docs.css" data-spa-page>
</head>
<body class="docs">
  <div id="app">
    <h1 id="heading">Docs</h1>
    <form><input name="csrf_token" value="stale"></form>
    <script>window.docs = true</script>
  </div>
</body></html>`

func TestNavigateCommitsFragment(t *testing.T) {
	h := newHarness(t, map[string]page{"/docs": {body: docsPage}}, nil)
	ctx := context.Background()

	res, err := h.nav.Navigate(ctx, target.MustParse("/docs"), HistoryPush)
	require.NoError(t, err)

	assert.Equal(t, StateSettled, res.State)
	assert.Equal(t, "/docs", res.Target)
	assert.Equal(t, "Docs", res.Title)
	assert.False(t, res.FromCache)
	assert.Equal(t, []State{
		StateRequested, StateFetching, StateParsing, StateSynchronizing,
		StateCommitting, StateHistoryUpdated, StateSettled,
	}, h.States())
	assert.Equal(t, res.Seq, h.nav.Committed())

	app := h.doc.ByID("app")
	assert.NotNil(t, h.doc.ByID("heading"))
	assert.False(t, dom.IsHidden(app))
	assert.True(t, dom.HasClass(app, config.TransitionFade.Class()))
	assert.Equal(t, "Docs", h.doc.Title())

	assert.Equal(t, "theme", dom.Attr(h.doc.DocumentElement(), "class"))
	assert.Equal(t, "dark", dom.Attr(h.doc.DocumentElement(), "data-theme"))
	assert.Equal(t, "docs", dom.Attr(h.doc.Body(), "class"))

	csrf := dom.ByName(app, "csrf_token")
	require.NotNil(t, csrf)
	assert.Equal(t, "tok-2", h.doc.Value(csrf))
	assert.NotNil(t, h.doc.Query(`meta[name="csrf-token"][content="tok-2"]`))

	assert.Nil(t, dom.Query(app, "script"), "fragment scripts are moved out of the content")
	require.Len(t, res.Scripts, 1)
	assert.Equal(t, resources.ResultInline, res.Scripts[0].Result)
	require.Len(t, res.Styles, 1)
	assert.Len(t, h.doc.QueryAll(`link[rel="stylesheet"]`), 1)

	assert.Equal(t, "/docs", h.win.Location().Path)
	entries, idx := h.win.History()
	assert.Len(t, entries, 2)
	assert.Equal(t, 1, idx)
	assert.True(t, dom.HasClass(h.doc.ByID("nav-docs"), links.ActiveClass))
	assert.False(t, dom.HasClass(h.doc.ByID("nav-home"), links.ActiveClass))
	assert.True(t, h.doc.Bound(h.doc.ByID("nav-docs"), "click"))
}

func TestNavigateDispatchesSettledEvents(t *testing.T) {
	h := newHarness(t, map[string]page{"/docs": {body: docsPage}}, nil)

	var events []string
	h.doc.AddEventListener(EventFragmentLoaded, func(e *dom.Event) {
		events = append(events, e.Type+" "+e.Detail["url"].(string))
	})
	h.doc.AddEventListener(EventRender, func(e *dom.Event) {
		events = append(events, e.Type+" "+e.Detail["url"].(string))
	})

	_, err := h.nav.Navigate(context.Background(), target.MustParse("/docs#intro"), HistoryPush)
	require.NoError(t, err)
	assert.Equal(t, []string{"spa:fragment:loaded /docs#intro", "spa:render /docs#intro"}, events)
	assert.Equal(t, "intro", h.win.Location().Fragment)
}

func TestHistoryModes(t *testing.T) {
	pages := map[string]page{
		"/":     {body: home},
		"/docs": {body: docsPage},
	}

	t.Run("same destination replaces", func(t *testing.T) {
		h := newHarness(t, pages, nil)
		_, err := h.nav.Navigate(context.Background(), target.MustParse("/"), HistoryPush)
		require.NoError(t, err)
		entries, _ := h.win.History()
		assert.Len(t, entries, 1)
	})

	t.Run("replays leave history alone", func(t *testing.T) {
		h := newHarness(t, pages, nil)
		_, err := h.nav.Navigate(context.Background(), target.MustParse("/docs"), HistoryNone)
		require.NoError(t, err)
		entries, _ := h.win.History()
		assert.Len(t, entries, 1)
		assert.Equal(t, "/", h.win.Location().Path)
		assert.True(t, dom.HasClass(h.doc.ByID("nav-home"), links.ActiveClass))
	})

	t.Run("replace rewrites current entry", func(t *testing.T) {
		h := newHarness(t, pages, nil)
		_, err := h.nav.Navigate(context.Background(), target.MustParse("/docs"), HistoryReplace)
		require.NoError(t, err)
		entries, _ := h.win.History()
		require.Len(t, entries, 1)
		assert.Equal(t, "/docs", h.win.Location().Path)
	})
}

func TestTitleResolution(t *testing.T) {
	fragment := `<html><head><title>Doc Title</title></head><body><div id="app" data-title="Frag Title"><p>x</p></div></body></html>`

	t.Run("server header wins both passes", func(t *testing.T) {
		h := newHarness(t, map[string]page{"/p": {body: fragment, header: "Server Title"}}, nil)
		res, err := h.nav.Navigate(context.Background(), target.MustParse("/p"), HistoryPush)
		require.NoError(t, err)
		assert.Equal(t, "Server Title", res.Title)
		assert.Equal(t, "Server Title", h.doc.Title())
		assert.Equal(t, "Server Title", dom.Attr(h.doc.ByID("app"), title.AttrSpaTitle))
	})

	t.Run("fragment attribute outranks the document title", func(t *testing.T) {
		h := newHarness(t, map[string]page{"/p": {body: fragment}}, nil)
		res, err := h.nav.Navigate(context.Background(), target.MustParse("/p"), HistoryPush)
		require.NoError(t, err)
		assert.Equal(t, "Frag Title", res.Title)
		assert.Equal(t, "Frag Title", h.doc.Title())
	})

	t.Run("stale container title is cleared", func(t *testing.T) {
		plain := `<html><head><title>Plain</title></head><body><div id="app"><p>x</p></div></body></html>`
		h := newHarness(t, map[string]page{"/p": {body: fragment}, "/plain": {body: plain}}, nil)
		_, err := h.nav.Navigate(context.Background(), target.MustParse("/p"), HistoryPush)
		require.NoError(t, err)
		_, err = h.nav.Navigate(context.Background(), target.MustParse("/plain"), HistoryPush)
		require.NoError(t, err)
		assert.Equal(t, "Plain", h.doc.Title())
		assert.False(t, dom.HasAttr(h.doc.ByID("app"), title.AttrSpaTitle))
	})
}

func TestDelayedSecondPass(t *testing.T) {
	plain := `<html><head><title>Plain</title></head><body><div id="app"><div id="slot"></div></div></body></html>`
	h := newHarness(t, map[string]page{"/plain": {body: plain}}, func(cfg *config.EngineConfig) {
		cfg.TitleUpdateDelay = 60 * time.Millisecond
	})

	h.doc.AddEventListener(EventFragmentLoaded, func(e *dom.Event) {
		h.doc.Exclusive(func() {
			dom.SetAttr(h.doc.ByID("slot"), "data-title", "Late Title")
		})
	})

	_, err := h.nav.Navigate(context.Background(), target.MustParse("/plain"), HistoryPush)
	require.NoError(t, err)
	assert.Equal(t, "Plain", h.doc.Title())

	h.clock.Advance(60 * time.Millisecond)
	require.Eventually(t, func() bool {
		var got string
		h.doc.Exclusive(func() { got = h.doc.Title() })
		return got == "Late Title"
	}, time.Second, 5*time.Millisecond)
}

func TestFetchFailureFallsBack(t *testing.T) {
	h := newHarness(t, map[string]page{"/broken": {body: "boom", status: http.StatusInternalServerError}}, nil)
	ctx := context.Background()
	require.NoError(t, h.fallback.Setup(ctx))

	res, err := h.nav.Navigate(ctx, target.MustParse("/broken"), HistoryPush)
	require.Error(t, err)
	assert.True(t, naverrors.IsFetchError(err))
	assert.Equal(t, http.StatusInternalServerError, naverrors.StatusCode(err))
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, StateFailed, h.States()[len(h.States())-1])

	assert.True(t, h.fallback.Visible())
	assert.False(t, dom.IsHidden(h.doc.ByID("app")))
	assert.Empty(t, h.win.HardNavigations())

	h.clock.Advance(config.Default().Engine.FallbackDelay)
	require.Eventually(t, func() bool { return len(h.win.HardNavigations()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Contains(t, h.win.HardNavigations()[0], "/broken")
}

type explodingHistory struct {
	History
}

func (explodingHistory) PushState(state map[string]interface{}, href string) error {
	panic("history exploded")
}

func TestPanicBecomesUnexpectedFailure(t *testing.T) {
	h := newHarness(t, map[string]page{"/docs": {body: docsPage}}, nil)
	h.nav.history = explodingHistory{History: h.win}

	res, err := h.nav.Navigate(context.Background(), target.MustParse("/docs"), HistoryPush)
	require.Error(t, err)
	assert.ErrorIs(t, err, &naverrors.NavError{Kind: naverrors.KindUnexpected, Code: naverrors.CodePanic})
	assert.Equal(t, StateFailed, res.State)
	assert.False(t, dom.IsHidden(h.doc.ByID("app")))
	assert.True(t, h.fallback.Visible())
}

func TestLatestNavigationWins(t *testing.T) {
	gate := make(chan struct{})
	slow := `<html><body><div id="app"><p id="slow">slow</p></div></body></html>`
	fast := `<html><body><div id="app"><p id="fast">fast</p></div></body></html>`
	h := newHarness(t, map[string]page{
		"/slow": {body: slow, gate: gate},
		"/fast": {body: fast},
	}, nil)
	ctx := context.Background()

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := h.nav.Navigate(ctx, target.MustParse("/slow"), HistoryPush)
		done <- outcome{res, err}
	}()
	require.Eventually(t, func() bool { return h.fetcher.Pending("/slow") }, time.Second, 5*time.Millisecond)

	res, err := h.nav.Navigate(ctx, target.MustParse("/fast"), HistoryPush)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), res.Seq)

	close(gate)
	out := <-done
	require.Error(t, out.err)
	assert.True(t, naverrors.IsSuperseded(out.err))
	assert.Equal(t, StateSuperseded, out.res.State)

	assert.NotNil(t, h.doc.ByID("fast"))
	assert.Nil(t, h.doc.ByID("slow"))
	assert.Equal(t, "/fast", h.win.Location().Path)
	assert.Equal(t, uint64(2), h.nav.Committed())
	assert.False(t, dom.IsHidden(h.doc.ByID("app")))
	assert.False(t, h.fallback.Visible())

	_, cached := h.fetcher.Cache().Get("/slow")
	assert.True(t, cached, "a superseded fetch is still cached")
}

func TestSetTransition(t *testing.T) {
	h := newHarness(t, map[string]page{"/docs": {body: docsPage}}, nil)
	h.nav.SetTransition(config.TransitionZoom)
	assert.Equal(t, config.TransitionZoom, h.nav.Transition())

	_, err := h.nav.Navigate(context.Background(), target.MustParse("/docs"), HistoryPush)
	require.NoError(t, err)
	app := h.doc.ByID("app")
	assert.True(t, dom.HasClass(app, config.TransitionZoom.Class()))
	assert.False(t, dom.HasClass(app, config.TransitionFade.Class()))
}

func TestSupersededNavigationTakesBackItsStylesheets(t *testing.T) {
	var head strings.Builder
	for i := 0; i < 8; i++ {
		fmt.Fprintf(&head, `<link rel="stylesheet" href="/gated/%d.css">`, i)
	}
	head.WriteString(`<link rel="stylesheet" href="/late.css" data-spa-page>`)
	pages := map[string]page{
		"/a": {body: `<html><head>` + head.String() + `</head><body><div id="app"><p id="page-a">a</p></div></body></html>`},
		"/b": {body: `<html><head></head><body><div id="app"><p id="page-b">b</p></div></body></html>`},
	}
	loader := &gatedLoader{prefix: "/gated/", release: make(chan struct{})}
	h := newHarnessWithLoader(t, pages, func(c *config.EngineConfig) { c.StyleLoadTimeout = time.Hour }, loader)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := h.nav.Navigate(ctx, target.MustParse("/a"), HistoryPush)
		done <- err
	}()
	// Every load slot is taken; /late.css is not in the head yet.
	require.Eventually(t, func() bool { return loader.Started() == 8 }, time.Second, 5*time.Millisecond)

	res, err := h.nav.Navigate(ctx, target.MustParse("/b"), HistoryPush)
	require.NoError(t, err)
	assert.Equal(t, StateSettled, res.State)

	close(loader.release)
	err = <-done
	require.Error(t, err)
	assert.True(t, naverrors.IsSuperseded(err))

	var late, pageB int
	var hidden bool
	h.doc.Exclusive(func() {
		late = len(h.doc.QueryAll(`link[href$="/late.css"]`))
		pageB = len(h.doc.QueryAll("#page-b"))
		hidden = dom.IsHidden(h.doc.ByID("app"))
	})
	assert.Zero(t, late, "the abandoned page's stylesheet does not linger")
	assert.Equal(t, 1, pageB)
	assert.False(t, hidden)
}

func TestResetAbandonsNavigationsInFlight(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, map[string]page{"/docs": {body: docsPage, gate: gate}}, nil)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := h.nav.Navigate(ctx, target.MustParse("/docs"), HistoryPush)
		done <- err
	}()
	require.Eventually(t, func() bool { return h.site.Calls("/docs") == 1 }, time.Second, 5*time.Millisecond)

	h.doc.Exclusive(func() {
		h.doc.Replace(dom.MustParse(`<html><body><div id="app"><p id="fresh">fresh</p></div></body></html>`).Root())
	})
	h.nav.Reset()
	close(gate)

	err := <-done
	require.Error(t, err)
	assert.True(t, naverrors.IsSuperseded(err))
	assert.Nil(t, h.doc.ByID("heading"), "the loaded document is left alone")
	assert.NotNil(t, h.doc.ByID("fresh"))
	assert.Zero(t, h.nav.Committed())
}
