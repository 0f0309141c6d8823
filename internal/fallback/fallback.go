// Package fallback handles navigations the enhanced path could not finish: it
// shows a transient error overlay and then hands the target to the browser
// as a full page load.
package fallback

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/net/html"

	"github.com/conneroisu/navkit/internal/dom"
	"github.com/conneroisu/navkit/internal/logging"
)

// FailureMessage is shown while a failed navigation falls back.
const FailureMessage = "Page load failed. Reloading..."

// Defaults used when Options leave them zero.
const (
	DefaultDelay    = 1500 * time.Millisecond
	DefaultAutoHide = 3500 * time.Millisecond
)

// HardNavigator performs a full browser navigation.
type HardNavigator interface {
	Assign(ctx context.Context, href string) error
}

// Options configures a Controller.
type Options struct {
	Clock    clockwork.Clock
	Delay    time.Duration
	AutoHide time.Duration
	Logger   logging.Logger
}

// Controller owns the overlay and the hard-navigation escalation.
type Controller struct {
	doc      *dom.Document
	nav      HardNavigator
	clock    clockwork.Clock
	delay    time.Duration
	autoHide time.Duration
	logger   logging.Logger

	mu        sync.Mutex
	hideTimer clockwork.Timer
	timers    []clockwork.Timer
	escalated []string
}

// New creates a controller for doc.
func New(doc *dom.Document, nav HardNavigator, opts Options) *Controller {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Delay < 0 {
		opts.Delay = 0
	}
	if opts.AutoHide <= 0 {
		opts.AutoHide = DefaultAutoHide
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}
	return &Controller{
		doc:      doc,
		nav:      nav,
		clock:    opts.Clock,
		delay:    opts.Delay,
		autoHide: opts.AutoHide,
		logger:   opts.Logger.WithComponent("fallback"),
	}
}

// Setup puts a hidden overlay into the body if none is there.
func (c *Controller) Setup(ctx context.Context) error {
	var err error
	c.doc.Exclusive(func() {
		if c.doc.ByID(OverlayID) != nil {
			return
		}
		err = c.place(ctx, "", false)
	})
	return err
}

// place renders the overlay and swaps it in for the current one.
func (c *Controller) place(ctx context.Context, message string, visible bool) error {
	node, err := renderNode(ctx, Overlay(message, visible))
	if err != nil {
		return err
	}
	body := c.doc.Body()
	if old := c.doc.ByID(OverlayID); old != nil && old.Parent != nil {
		old.Parent.InsertBefore(node, old)
		dom.Detach(old)
		return nil
	}
	body.AppendChild(node)
	return nil
}

// Show displays message and hides it again after autoHide. A zero autoHide
// uses the configured default.
func (c *Controller) Show(ctx context.Context, message string, autoHide time.Duration) error {
	if autoHide <= 0 {
		autoHide = c.autoHide
	}

	var err error
	c.doc.Exclusive(func() {
		err = c.place(ctx, message, true)
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.hideTimer != nil {
		c.hideTimer.Stop()
	}
	c.hideTimer = c.clock.AfterFunc(autoHide, func() { c.hide() })
	c.mu.Unlock()
	return nil
}

func (c *Controller) hide() {
	c.doc.Exclusive(func() {
		if n := c.doc.ByID(OverlayID); n != nil {
			dom.SetStyleProperty(n, "opacity", "0")
			dom.SetStyleProperty(n, "pointer-events", "none")
		}
	})
}

// Visible reports whether the overlay is showing.
func (c *Controller) Visible() bool {
	visible := false
	c.doc.Exclusive(func() {
		if n := c.doc.ByID(OverlayID); n != nil {
			visible = dom.StyleProperty(n, "opacity") == "1"
		}
	})
	return visible
}

// Message returns the overlay text.
func (c *Controller) Message() string {
	var msg string
	c.doc.Exclusive(func() {
		if n := c.doc.ByID(OverlayID); n != nil {
			msg = dom.TextContent(n)
		}
	})
	return msg
}

// Escalate performs the hard navigation to href after the configured delay.
func (c *Controller) Escalate(ctx context.Context, href string) {
	ctx = context.WithoutCancel(ctx)
	if c.delay == 0 {
		c.escalate(ctx, href)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timers = append(c.timers, c.clock.AfterFunc(c.delay, func() {
		c.escalate(ctx, href)
	}))
}

// EscalateNow performs the hard navigation immediately.
func (c *Controller) EscalateNow(ctx context.Context, href string) error {
	return c.escalate(ctx, href)
}

func (c *Controller) escalate(ctx context.Context, href string) error {
	c.mu.Lock()
	c.escalated = append(c.escalated, href)
	c.mu.Unlock()

	c.logger.Info(ctx, "Falling back to full page load", "href", href)
	if err := c.nav.Assign(ctx, href); err != nil {
		c.logger.Error(ctx, err, "Full page load failed", "href", href)
		return err
	}
	return nil
}

// Escalated lists hrefs handed to the hard navigator so far.
func (c *Controller) Escalated() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.escalated...)
}

// Fail is the failure path of a navigation: the container is made visible
// again first, then the overlay is shown and the hard navigation scheduled.
func (c *Controller) Fail(ctx context.Context, container *html.Node, saved dom.Visibility, href string, cause error) {
	if container != nil {
		c.doc.Exclusive(func() {
			saved.Restore(container)
			if dom.IsHidden(container) {
				dom.SetStyleProperty(container, "visibility", "")
				dom.SetStyleProperty(container, "opacity", "")
			}
		})
	}

	c.logger.Warn(ctx, cause, "Navigation failed", "href", href)
	if err := c.Show(ctx, FailureMessage, 0); err != nil {
		c.logger.Error(ctx, err, "Failed to show error overlay")
	}
	c.Escalate(ctx, href)
}

// Stop cancels pending hide and escalation timers.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hideTimer != nil {
		c.hideTimer.Stop()
	}
	for _, t := range c.timers {
		t.Stop()
	}
	c.timers = nil
}
