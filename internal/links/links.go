// Package links binds the navigation behavior of opt-in hyperlinks: click
// interception for same-origin links, debounced prefetch on hover or focus,
// and the "active" marker for links leading to the displayed page.
package links

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/net/html"

	"github.com/conneroisu/navkit/internal/dom"
	"github.com/conneroisu/navkit/internal/logging"
	"github.com/conneroisu/navkit/internal/target"
)

// ActiveClass marks links that lead to the displayed page.
const ActiveClass = "active"

// DefaultDebounce is the idle time before a hovered link is prefetched.
const DefaultDebounce = 120 * time.Millisecond

// Options configures a Controller.
type Options struct {
	Selector        string
	PrefetchOnHover bool
	Debounce        time.Duration
	Clock           clockwork.Clock
	Logger          logging.Logger

	// Location returns the current address links are resolved against.
	Location func() *url.URL
	// Navigate starts a navigation; it must not block on the navigation.
	Navigate func(ctx context.Context, t target.Target)
	// Prefetch warms the cache for t.
	Prefetch func(ctx context.Context, t target.Target)
}

type pendingPrefetch struct {
	timer clockwork.Timer
	gen   uint64
}

// Controller binds and tracks link handlers for one document.
type Controller struct {
	doc  *dom.Document
	opts Options
	log  logging.Logger

	mu      sync.Mutex
	ctx     context.Context
	timers  map[*html.Node]pendingPrefetch
	gen     uint64
	stopped bool
}

// New creates a link controller.
func New(doc *dom.Document, opts Options) *Controller {
	if opts.Selector == "" {
		opts.Selector = "a[data-spa]"
	}
	if opts.Debounce < 0 {
		opts.Debounce = 0
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}
	return &Controller{
		doc:    doc,
		opts:   opts,
		log:    opts.Logger.WithComponent("links"),
		ctx:    context.Background(),
		timers: make(map[*html.Node]pendingPrefetch),
	}
}

// Bind scans the document for opt-in links and binds their handlers. Binding
// again replaces handlers rather than adding more, so it is safe after every
// content swap. Cross-origin links get no handlers. Pending prefetches of
// links that left the document are dropped. It returns the number of links
// bound. Call it inside Document.Exclusive.
func (c *Controller) Bind(ctx context.Context) int {
	c.mu.Lock()
	c.ctx = ctx
	for link, p := range c.timers {
		if !c.doc.Contains(link) {
			p.timer.Stop()
			delete(c.timers, link)
		}
	}
	c.mu.Unlock()

	base := c.location()
	bound := 0
	for _, link := range c.doc.QueryAll(c.opts.Selector) {
		href := dom.Attr(link, "href")
		if href == "" || target.IsExternal(base, href) {
			continue
		}
		link := link

		c.doc.On(link, "click", func(e *dom.Event) { c.onClick(link, e) })
		if c.opts.PrefetchOnHover {
			c.doc.On(link, "mouseenter", func(*dom.Event) { c.schedule(link) })
			c.doc.On(link, "focus", func(*dom.Event) { c.schedule(link) })
			c.doc.On(link, "mouseleave", func(*dom.Event) { c.cancel(link) })
			c.doc.On(link, "blur", func(*dom.Event) { c.cancel(link) })
		}
		bound++
	}
	c.log.Debug(ctx, "Bound navigation links", "count", bound)
	return bound
}

func (c *Controller) location() *url.URL {
	if c.opts.Location != nil {
		return c.opts.Location()
	}
	return &url.URL{Scheme: "http", Host: "localhost", Path: "/"}
}

func (c *Controller) context() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctx
}

func (c *Controller) resolve(link *html.Node) (target.Target, bool) {
	href := dom.Attr(link, "href")
	base := c.location()
	if href == "" || target.IsExternal(base, href) {
		return target.Target{}, false
	}
	t, err := target.Normalize(base, href)
	if err != nil {
		return target.Target{}, false
	}
	return t, true
}

func (c *Controller) onClick(link *html.Node, e *dom.Event) {
	t, ok := c.resolve(link)
	if !ok {
		return
	}
	e.PreventDefault()
	c.cancel(link)
	if c.opts.Navigate != nil {
		c.opts.Navigate(c.context(), t)
	}
}

// schedule (re)starts the link's debounce timer.
func (c *Controller) schedule(link *html.Node) {
	if c.opts.Prefetch == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	if p, ok := c.timers[link]; ok {
		p.timer.Stop()
	}
	c.gen++
	gen := c.gen
	timer := c.opts.Clock.AfterFunc(c.opts.Debounce, func() { c.fire(link, gen) })
	c.timers[link] = pendingPrefetch{timer: timer, gen: gen}
}

func (c *Controller) fire(link *html.Node, gen uint64) {
	c.mu.Lock()
	p, ok := c.timers[link]
	if !ok || p.gen != gen || c.stopped {
		c.mu.Unlock()
		return
	}
	delete(c.timers, link)
	ctx := c.ctx
	c.mu.Unlock()

	connected := false
	c.doc.Exclusive(func() { connected = c.doc.Contains(link) })
	if !connected {
		return
	}
	if t, ok := c.resolve(link); ok {
		c.opts.Prefetch(ctx, t)
	}
}

// cancel drops the link's pending prefetch, if any.
func (c *Controller) cancel(link *html.Node) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.timers[link]; ok {
		p.timer.Stop()
		delete(c.timers, link)
	}
}

// Pending counts links with a prefetch timer running.
func (c *Controller) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// UpdateActive toggles the active class on every opt-in link by prefix
// matching its path against currentPath. Call it inside Document.Exclusive.
func (c *Controller) UpdateActive(currentPath string) {
	base := c.location()
	for _, link := range c.doc.QueryAll(c.opts.Selector) {
		href := dom.Attr(link, "href")
		active := false
		if href != "" && !target.IsExternal(base, href) {
			if t, err := target.Normalize(base, href); err == nil {
				active = target.IsActive(currentPath, t.Path)
			}
		}
		dom.ToggleClass(link, ActiveClass, active)
	}
}

// Stop cancels every pending prefetch and ignores later hovers.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	for link, p := range c.timers {
		p.timer.Stop()
		delete(c.timers, link)
	}
}
