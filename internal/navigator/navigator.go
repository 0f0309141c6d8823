// Package navigator drives one navigation from "fetch requested" to
// "content committed" and keeps history, active links and the title in step
// with the displayed page.
//
// Navigations are not queued. Each one takes a sequence number when it is
// requested; a navigation that reaches a commit point after a newer one was
// requested is discarded as superseded, so the most recent request decides
// what the document shows. A discarded navigation's fragment stays cached.
package navigator

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/net/html"

	"github.com/conneroisu/navkit/internal/config"
	"github.com/conneroisu/navkit/internal/dom"
	naverrors "github.com/conneroisu/navkit/internal/errors"
	"github.com/conneroisu/navkit/internal/fallback"
	"github.com/conneroisu/navkit/internal/fetchcache"
	"github.com/conneroisu/navkit/internal/links"
	"github.com/conneroisu/navkit/internal/logging"
	"github.com/conneroisu/navkit/internal/metrics"
	"github.com/conneroisu/navkit/internal/resources"
	"github.com/conneroisu/navkit/internal/target"
	"github.com/conneroisu/navkit/internal/title"
)

// Document-level events dispatched once a navigation settles.
const (
	EventFragmentLoaded = "spa:fragment:loaded"
	EventRender         = "spa:render"
)

// History is the part of the window a navigation updates.
type History interface {
	Location() *url.URL
	PushState(state map[string]interface{}, href string) error
	ReplaceState(state map[string]interface{}, href string) error
	ScrollTo(x, y int)
}

// Options wires a Navigator to the rest of the engine.
type Options struct {
	Config    config.EngineConfig
	Fetcher   *fetchcache.Fetcher
	Resources *resources.Synchronizer
	Links     *links.Controller
	Titles    *title.Tracker
	Fallback  *fallback.Controller
	History   History
	Clock     clockwork.Clock
	Logger    logging.Logger
	Metrics   *metrics.Collector
}

// Navigator is the navigation state machine.
type Navigator struct {
	doc       *dom.Document
	cfg       config.EngineConfig
	fetcher   *fetchcache.Fetcher
	resources *resources.Synchronizer
	links     *links.Controller
	titles    *title.Tracker
	fallback  *fallback.Controller
	history   History
	clock     clockwork.Clock
	log       logging.Logger
	metrics   *metrics.Collector

	seq atomic.Uint64

	mu         sync.Mutex
	transition config.Transition
	observers  []Observer
	hidden     int
	hiddenNode *html.Node
	epoch      uint64
	baseline   dom.Visibility
	committed  uint64
	timers     map[uint64]clockwork.Timer
	closed     bool
}

type navigation struct {
	id        string
	seq       uint64
	target    target.Target
	mode      HistoryMode
	state     State
	start     time.Time
	container *html.Node
	hid       bool
	epoch     uint64
	docVer    uint64
	plan      *resources.Plan
	result    Result
}

// New creates a navigator for doc.
func New(doc *dom.Document, opts Options) *Navigator {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}
	return &Navigator{
		doc:        doc,
		cfg:        opts.Config,
		fetcher:    opts.Fetcher,
		resources:  opts.Resources,
		links:      opts.Links,
		titles:     opts.Titles,
		fallback:   opts.Fallback,
		history:    opts.History,
		clock:      opts.Clock,
		log:        opts.Logger.WithComponent("navigator"),
		metrics:    opts.Metrics,
		transition: opts.Config.Transition,
		timers:     make(map[uint64]clockwork.Timer),
	}
}

// Observe registers an observer for every state transition.
func (n *Navigator) Observe(o Observer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.observers = append(n.observers, o)
}

// SetTransition changes the transition applied to later commits.
func (n *Navigator) SetTransition(t config.Transition) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.transition = t
}

// Transition returns the transition applied on commit.
func (n *Navigator) Transition() config.Transition {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.transition
}

// Latest returns the sequence number of the newest navigation requested.
func (n *Navigator) Latest() uint64 {
	return n.seq.Load()
}

// Committed returns the sequence number of the navigation whose content is
// displayed, or 0 before the first commit.
func (n *Navigator) Committed() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.committed
}

// Navigate runs one navigation to t. It returns once the navigation settled,
// failed or was superseded. A failed navigation has already handed over to
// the fallback controller when Navigate returns. Do not call it inside
// Document.Exclusive.
func (n *Navigator) Navigate(ctx context.Context, t target.Target, mode HistoryMode) (Result, error) {
	nav := &navigation{
		id:     uuid.NewString(),
		seq:    n.seq.Add(1),
		target: t,
		mode:   mode,
		start:  n.clock.Now(),
		docVer: n.doc.Version(),
	}
	nav.result = Result{ID: nav.id, Seq: nav.seq, Target: t.String()}
	log := n.log.With("nav", nav.id, "seq", nav.seq, "target", t.String())
	n.moveTo(nav, StateRequested, nil)

	perf := logging.StartOperation(log, "navigate")
	err := n.run(ctx, nav)
	nav.result.Duration = n.clock.Since(nav.start)

	switch {
	case err == nil:
		perf.End(ctx)
		n.metrics.RecordNavigation(string(StateSettled), nav.result.Duration)
	case naverrors.IsSuperseded(err):
		n.doc.Exclusive(func() {
			n.release(nav, false)
			nav.result.Removed = n.resources.Discard(ctx, nav.plan)
		})
		n.moveTo(nav, StateSuperseded, err)
		n.metrics.RecordNavigation(string(StateSuperseded), nav.result.Duration)
		log.Info(ctx, "Navigation superseded", "latest", n.Latest())
	default:
		perf.EndWithError(ctx, err)
		n.moveTo(nav, StateFailed, err)
		n.metrics.RecordNavigation(string(StateFailed), nav.result.Duration)
		n.fail(ctx, nav, err)
	}
	nav.result.State = nav.state
	return nav.result, err
}

// run walks the states up to Settled. Panics become unexpected errors.
func (n *Navigator) run(ctx context.Context, nav *navigation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = naverrors.NewUnexpectedError(naverrors.CodePanic, fmt.Sprintf("navigation panicked: %v", r), nil).
				WithTarget(nav.target.Key())
		}
	}()
	key := nav.target.Key()

	n.moveTo(nav, StateFetching, nil)
	fetched, err := n.fetcher.Fetch(ctx, nav.target)
	if err != nil {
		return err
	}
	nav.result.FromCache = fetched.FromCache
	nav.result.Joined = fetched.Joined

	n.moveTo(nav, StateParsing, nil)
	incoming, err := dom.Parse(fetched.Fragment.HTML)
	if err != nil {
		return naverrors.NewUnexpectedError(naverrors.CodeParse, "failed to parse fragment", err).WithTarget(key)
	}
	fragment := incoming.Query(n.cfg.ContainerSelector)
	if fragment == nil {
		fragment = incoming.Body()
	}
	header := title.Normalize(fetched.Fragment.HeaderTitle)
	fragmentTitle := title.FragmentTitle(fragment)
	chain := title.Collect(header, fragment, incoming)

	var stepErr error
	n.doc.Exclusive(func() {
		if stepErr = n.current(nav); stepErr != nil {
			return
		}
		if nav.container, stepErr = n.container(key); stepErr != nil {
			return
		}
		syncRootAttrs(n.doc, incoming)
		if c, ok := n.titles.First(nav.seq, chain.Without(title.FragmentData)); ok {
			nav.result.Title = c.Value
		}
		n.hide(nav)
	})
	if stepErr != nil {
		return stepErr
	}

	n.moveTo(nav, StateSynchronizing, nil)
	plan, err := n.resources.SyncStyles(ctx, incoming)
	if plan != nil {
		nav.plan = plan
		nav.result.Styles = plan.Outcomes
	}
	if err != nil {
		return naverrors.NewFetchError(naverrors.CodeTimeout, "navigation abandoned", err).WithTarget(key)
	}

	n.moveTo(nav, StateCommitting, nil)
	scripts := append(n.resources.HeadScripts(incoming), dom.QueryAll(fragment, "script")...)
	n.doc.Exclusive(func() {
		if stepErr = n.current(nav); stepErr != nil {
			return
		}
		container, err := n.container(key)
		if err != nil {
			stepErr = err
			return
		}
		nav.result.Removed = n.resources.Cleanup(ctx, plan)

		preserveForms(n.doc, container, fragment)
		for c := container.FirstChild; c != nil; c = c.NextSibling {
			n.doc.Release(c)
		}
		dom.MoveChildren(container, fragment)

		republishMeta(n.doc, incoming, n.cfg.MetaNames)
		refreshCSRF(n.doc, n.cfg.CSRFInputName)

		switch {
		case header != "":
			dom.SetAttr(container, title.AttrSpaTitle, header)
		case fragmentTitle != "":
			dom.SetAttr(container, title.AttrSpaTitle, fragmentTitle)
			n.titles.Second(nav.seq, title.Candidate{Source: title.FragmentData, Value: fragmentTitle})
		default:
			dom.RemoveAttr(container, title.AttrSpaTitle)
		}

		nav.result.Scripts = n.resources.RunScripts(ctx, scripts)
		n.release(nav, true)

		n.mu.Lock()
		n.committed = nav.seq
		n.mu.Unlock()
	})
	if stepErr != nil {
		return stepErr
	}

	n.moveTo(nav, StateHistoryUpdated, nil)
	n.updateHistory(ctx, nav)
	n.doc.Exclusive(func() {
		n.links.UpdateActive(n.history.Location().Path)
		n.links.Bind(context.WithoutCancel(ctx))
	})
	if n.cfg.ScrollToTop {
		n.history.ScrollTo(0, 0)
	}

	n.moveTo(nav, StateSettled, nil)
	detail := map[string]interface{}{"url": nav.target.String(), "id": nav.id}
	n.doc.DispatchDocument(EventFragmentLoaded, detail)
	n.doc.DispatchDocument(EventRender, detail)
	n.secondPass(nav)

	if c, ok := n.titles.Current(); ok {
		nav.result.Title = c.Value
	}
	return nil
}

// current returns a superseded error when a newer navigation was requested
// or a full page load replaced the document.
func (n *Navigator) current(nav *navigation) error {
	if latest := n.seq.Load(); latest != nav.seq || n.doc.Version() != nav.docVer {
		return naverrors.NewSupersededError(nav.target.Key(), nav.seq, latest)
	}
	return nil
}

func (n *Navigator) container(key string) (*html.Node, error) {
	c := n.doc.Query(n.cfg.ContainerSelector)
	if c == nil {
		return nil, naverrors.NewUnexpectedError(naverrors.CodeCommit,
			fmt.Sprintf("content container %q not found", n.cfg.ContainerSelector), nil).WithTarget(key)
	}
	return c, nil
}

func (n *Navigator) updateHistory(ctx context.Context, nav *navigation) {
	href := nav.target.String()
	state := map[string]interface{}{"url": href, "nav": nav.id}

	var err error
	switch nav.mode {
	case HistoryPush:
		if loc := n.history.Location(); loc != nil && loc.RequestURI() == nav.target.Key() {
			err = n.history.ReplaceState(state, href)
		} else {
			err = n.history.PushState(state, href)
		}
	case HistoryReplace:
		err = n.history.ReplaceState(state, href)
	}
	if err != nil {
		n.log.Warn(ctx, err, "Failed to update history", "target", href)
	}
}

// hide hides the container for the first navigation in flight and counts
// the others. Call inside Document.Exclusive.
func (n *Navigator) hide(nav *navigation) {
	if nav.hid || nav.container == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.hidden == 0 {
		n.hiddenNode = nav.container
		n.baseline = dom.Hide(nav.container)
	}
	n.hidden++
	nav.hid = true
	nav.epoch = n.epoch
}

// release drops nav's hold on the hidden container and restores visibility
// once no navigation holds it. Call inside Document.Exclusive.
func (n *Navigator) release(nav *navigation, transition bool) {
	if !nav.hid {
		return
	}
	nav.hid = false
	n.mu.Lock()
	defer n.mu.Unlock()
	if nav.epoch != n.epoch {
		return
	}
	n.hidden--
	if n.hidden > 0 {
		return
	}
	n.baseline.Restore(n.hiddenNode)
	if transition {
		applyTransition(n.hiddenNode, n.transition)
	}
}

// fail restores visibility and hands the navigation to the fallback
// controller. A caller that gave up gets no fallback.
func (n *Navigator) fail(ctx context.Context, nav *navigation, err error) {
	n.doc.Exclusive(func() { n.release(nav, false) })

	if ctx.Err() != nil {
		n.log.Warn(ctx, err, "Navigation abandoned by caller", "target", nav.target.String())
		return
	}
	if !naverrors.ShouldFallback(err) {
		n.log.Error(ctx, err, "Navigation failed", "target", nav.target.String())
		return
	}

	n.mu.Lock()
	saved := n.baseline
	n.mu.Unlock()
	href := nav.target.URL(n.fetcher.Origin()).String()
	n.fallback.Fail(context.WithoutCancel(ctx), nav.container, saved, href, err)
}

// secondPass republishes the title once the committed content is live, when
// the content declares a title that outranks the first pass.
func (n *Navigator) secondPass(nav *navigation) {
	run := func() {
		n.doc.Exclusive(func() {
			c := n.doc.Query(n.cfg.ContainerSelector)
			if v := title.LiveTitle(c); v != "" {
				n.titles.Second(nav.seq, title.Candidate{Source: title.FragmentData, Value: v})
			}
		})
	}

	delay := n.cfg.TitleUpdateDelay
	if delay <= 0 {
		run()
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	for seq, t := range n.timers {
		t.Stop()
		delete(n.timers, seq)
	}
	n.timers[nav.seq] = n.clock.AfterFunc(delay, func() {
		n.mu.Lock()
		delete(n.timers, nav.seq)
		closed := n.closed
		n.mu.Unlock()
		if !closed {
			run()
		}
	})
}

func (n *Navigator) moveTo(nav *navigation, to State, err error) {
	from := nav.state
	nav.state = to

	tr := Transition{
		ID:     nav.id,
		Seq:    nav.seq,
		Target: nav.target.String(),
		From:   from,
		To:     to,
		At:     n.clock.Now(),
	}
	if err != nil {
		tr.Error = err.Error()
	}
	n.log.Debug(context.Background(), "Navigation state changed",
		"nav", nav.id, "from", string(from), "to", string(to))

	n.mu.Lock()
	observers := append([]Observer(nil), n.observers...)
	n.mu.Unlock()
	for _, o := range observers {
		o(tr)
	}
}

// Reset abandons every navigation in flight and forgets the hidden
// container. Call it when a full page load replaced the document; the
// abandoned navigations end superseded and leave the new document alone.
func (n *Navigator) Reset() {
	n.seq.Add(1)
	n.mu.Lock()
	defer n.mu.Unlock()
	n.epoch++
	n.hidden = 0
	n.hiddenNode = nil
	n.baseline = dom.Visibility{}
	n.committed = 0
	for seq, t := range n.timers {
		t.Stop()
		delete(n.timers, seq)
	}
}

// Close stops pending second-pass title timers.
func (n *Navigator) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	for seq, t := range n.timers {
		t.Stop()
		delete(n.timers, seq)
	}
}
