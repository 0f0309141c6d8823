package resources

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/net/html"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/conneroisu/navkit/internal/config"
	"github.com/conneroisu/navkit/internal/dom"
	naverrors "github.com/conneroisu/navkit/internal/errors"
	"github.com/conneroisu/navkit/internal/logging"
	"github.com/conneroisu/navkit/internal/metrics"
)

// DefaultStyleTimeout bounds each stylesheet wait.
const DefaultStyleTimeout = 5 * time.Second

// maxParallelLoads caps concurrent stylesheet loads of one synchronization.
const maxParallelLoads = 8

// Options configures a Synchronizer.
type Options struct {
	Base            *url.URL
	Loader          Loader
	Clock           clockwork.Clock
	StyleTimeout    time.Duration
	Strategy        config.CleanupStrategy
	CleanPageStyles bool
	Persistent      []string
	ExecHeadScripts bool
	Logger          logging.Logger
	Metrics         *metrics.Collector
}

// OptionsFromConfig maps the engine configuration.
func OptionsFromConfig(cfg config.EngineConfig) Options {
	return Options{
		StyleTimeout:    cfg.StyleLoadTimeout,
		Strategy:        cfg.CleanupStrategy,
		CleanPageStyles: cfg.CleanPageStyles,
		Persistent:      cfg.PersistentStyles,
		ExecHeadScripts: cfg.ExecHeadScripts,
	}
}

// Synchronizer owns the style and script registries of one live document.
type Synchronizer struct {
	doc     *dom.Document
	base    *url.URL
	loader  Loader
	clock   clockwork.Clock
	timeout time.Duration
	logger  logging.Logger
	metrics *metrics.Collector

	execHeadScripts bool
	cleanPageStyles bool

	mu         sync.Mutex
	strategy   config.CleanupStrategy
	persistent map[string]bool
	styles     map[string]*Record
	scripts    map[string]*Record
	// live holds the style keys the displayed page references.
	live map[string]bool
	// gen counts document replacements; loads started for an older
	// document never register.
	gen uint64

	group    singleflight.Group
	scriptWG sync.WaitGroup
}

// New creates a synchronizer for doc.
func New(doc *dom.Document, opts Options) *Synchronizer {
	if opts.Loader == nil {
		opts.Loader = NewHTTPLoader(nil, "")
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.StyleTimeout <= 0 {
		opts.StyleTimeout = DefaultStyleTimeout
	}
	if !opts.Strategy.Valid() {
		opts.Strategy = config.CleanupKeepShared
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}

	s := &Synchronizer{
		doc:             doc,
		base:            opts.Base,
		loader:          opts.Loader,
		clock:           opts.Clock,
		timeout:         opts.StyleTimeout,
		logger:          opts.Logger.WithComponent("resources"),
		metrics:         opts.Metrics,
		execHeadScripts: opts.ExecHeadScripts,
		cleanPageStyles: opts.CleanPageStyles,
		strategy:        opts.Strategy,
		persistent:      make(map[string]bool),
		styles:          make(map[string]*Record),
		scripts:         make(map[string]*Record),
	}
	for _, p := range opts.Persistent {
		s.persistent[p] = true
		if key, ok := addressKey(s.base, p); ok {
			s.persistent[key] = true
		}
	}
	return s
}

// Strategy returns the active cleanup strategy.
func (s *Synchronizer) Strategy() config.CleanupStrategy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.strategy
}

// SetStrategy switches the cleanup strategy for later navigations.
func (s *Synchronizer) SetStrategy(strategy config.CleanupStrategy) {
	if !strategy.Valid() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strategy = strategy
}

// Reset forgets every registered resource. Call it, then Adopt, when a full
// page load replaced the document. Call it inside Document.Exclusive.
func (s *Synchronizer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	s.styles = make(map[string]*Record)
	s.scripts = make(map[string]*Record)
	s.live = nil
}

// Adopt registers the stylesheets and scripts already present in the live
// document so they are never inserted a second time. Call it inside
// Document.Exclusive.
func (s *Synchronizer) Adopt() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.live == nil {
		s.live = make(map[string]bool)
	}

	for _, n := range dom.QueryAll(s.doc.Head(), "link, style") {
		key, ok := styleKey(s.base, n)
		if !ok {
			continue
		}
		s.live[key] = true
		if _, seen := s.styles[key]; seen {
			continue
		}
		s.styles[key] = &Record{
			Key:        key,
			Kind:       KindStyle,
			Inline:     dom.Tag(n) == "style",
			Node:       n,
			PageScoped: dom.HasAttr(n, AttrPageScoped),
			Shared:     dom.HasAttr(n, AttrShared),
			Injected:   dom.Attr(n, AttrInjected) == "true",
			State:      StateLoaded,
		}
	}
	for _, n := range s.doc.QueryAll("script") {
		key, ok := scriptKey(s.base, n)
		if !ok {
			continue
		}
		if _, seen := s.scripts[key]; seen {
			continue
		}
		_, hasSrc := dom.LookupAttr(n, "src")
		s.scripts[key] = &Record{
			Key:    key,
			Kind:   KindScript,
			Inline: !hasSrc,
			Node:   n,
			State:  StateLoaded,
		}
	}
}

// Plan is the result of synchronizing the styles of one incoming page.
type Plan struct {
	Outcomes []Outcome
	// Referenced holds every style key the incoming page uses. Cleanup keeps
	// these.
	Referenced map[string]bool
	// PageScoped holds the referenced keys the page marks page-scoped.
	PageScoped map[string]bool
}

// Failed lists the outcomes whose resource did not load.
func (p *Plan) Failed() []Outcome {
	var out []Outcome
	for _, o := range p.Outcomes {
		if o.Failed() {
			out = append(out, o)
		}
	}
	return out
}

type styleItem struct {
	key        string
	inline     bool
	text       string
	pageScoped bool
	shared     bool
}

// SyncStyles makes every stylesheet the incoming page references present in
// the live head. It returns once each newly inserted stylesheet has loaded,
// failed, or reached its own timeout. Load failures are reported in the plan
// and never returned as an error. Do not call it inside Document.Exclusive.
func (s *Synchronizer) SyncStyles(ctx context.Context, incoming *dom.Document) (*Plan, error) {
	plan := &Plan{
		Referenced: make(map[string]bool),
		PageScoped: make(map[string]bool),
	}

	var links, inline []styleItem
	for _, n := range incoming.QueryAll("link, style") {
		key, ok := styleKey(s.base, n)
		if !ok {
			continue
		}
		item := styleItem{
			key:        key,
			inline:     dom.Tag(n) == "style",
			pageScoped: dom.HasAttr(n, AttrPageScoped),
			shared:     dom.HasAttr(n, AttrShared),
		}
		if item.pageScoped {
			plan.PageScoped[key] = true
		}
		if plan.Referenced[key] {
			continue
		}
		plan.Referenced[key] = true
		if item.inline {
			item.text = dom.TextContent(n)
			inline = append(inline, item)
		} else {
			links = append(links, item)
		}
	}

	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()

	outcomes := make([]Outcome, len(links))
	var g errgroup.Group
	g.SetLimit(maxParallelLoads)
	for i, item := range links {
		i, item := i, item
		g.Go(func() error {
			outcomes[i] = s.ensureStylesheet(ctx, gen, item)
			return nil
		})
	}
	inlineOutcomes := s.ensureInlineStyles(inline)
	_ = g.Wait()

	plan.Outcomes = append(outcomes, inlineOutcomes...)
	for _, o := range plan.Outcomes {
		s.metrics.RecordStylesheet(string(o.Result))
		if o.Failed() {
			s.logger.Warn(ctx, o.Err, "Stylesheet did not load", "key", o.Key, "result", string(o.Result))
		}
	}

	if err := ctx.Err(); err != nil {
		return plan, err
	}
	return plan, nil
}

// ensureStylesheet inserts and awaits one external stylesheet. Concurrent
// calls for the same address share one element and one load.
func (s *Synchronizer) ensureStylesheet(ctx context.Context, gen uint64, item styleItem) Outcome {
	v, _, _ := s.group.Do(fmt.Sprintf("%s:%d:%s", KindStyle, gen, item.key), func() (interface{}, error) {
		if out, ok := s.reuse(KindStyle, item.key); ok {
			return out, nil
		}

		node := dom.CreateElement("link",
			html.Attribute{Key: "rel", Val: "stylesheet"},
			html.Attribute{Key: "href", Val: item.key},
		)
		markInjected(node, item.pageScoped, item.shared)
		rec := &Record{
			Key:        item.key,
			Kind:       KindStyle,
			Node:       node,
			PageScoped: item.pageScoped,
			Shared:     item.shared,
			Injected:   true,
			State:      StatePending,
		}

		s.doc.Exclusive(func() {
			s.doc.Head().AppendChild(node)
		})

		state, err := s.await(ctx, KindStyle, item.key)

		s.mu.Lock()
		rec.State = state
		rec.Err = err
		if s.gen == gen {
			s.styles[item.key] = rec
		}
		s.mu.Unlock()

		return Outcome{Key: item.key, Kind: KindStyle, Result: resultFor(state), Err: err}, nil
	})
	return v.(Outcome)
}

// reuse handles a key that is already registered, putting its element back
// when it is not in the live head.
func (s *Synchronizer) reuse(kind Kind, key string) (Outcome, bool) {
	s.mu.Lock()
	rec := s.styles[key]
	s.mu.Unlock()
	if rec == nil {
		return Outcome{}, false
	}

	result := ResultReused
	s.doc.Exclusive(func() {
		if s.restore(rec) {
			result = ResultReattached
		}
	})
	return Outcome{Key: key, Kind: kind, Result: result}, true
}

func (s *Synchronizer) ensureInlineStyles(items []styleItem) []Outcome {
	if len(items) == 0 {
		return nil
	}
	out := make([]Outcome, 0, len(items))
	s.doc.Exclusive(func() {
		for _, item := range items {
			s.mu.Lock()
			rec := s.styles[item.key]
			s.mu.Unlock()

			if rec != nil {
				result := ResultReused
				if s.restore(rec) {
					result = ResultReattached
				}
				out = append(out, Outcome{Key: item.key, Kind: KindStyle, Result: result})
				continue
			}

			node := dom.CreateElement("style")
			dom.SetText(node, item.text)
			markInjected(node, item.pageScoped, item.shared)
			s.doc.Head().AppendChild(node)

			s.mu.Lock()
			s.styles[item.key] = &Record{
				Key:        item.key,
				Kind:       KindStyle,
				Inline:     true,
				Node:       node,
				PageScoped: item.pageScoped,
				Shared:     item.shared,
				Injected:   true,
				State:      StateLoaded,
			}
			s.mu.Unlock()
			out = append(out, Outcome{Key: item.key, Kind: KindStyle, Result: ResultInline})
		}
	})
	return out
}

// restore appends rec's element to the head when it is not part of the live
// document and reports whether it did. Call it inside Document.Exclusive.
func (s *Synchronizer) restore(rec *Record) bool {
	if rec.Node == nil || s.doc.Contains(rec.Node) {
		return false
	}
	dom.Detach(rec.Node)
	s.doc.Head().AppendChild(rec.Node)
	return true
}

// await runs the loader with its own timeout, independent of the caller's
// context so one navigation giving up does not fail a load others share.
func (s *Synchronizer) await(ctx context.Context, kind Kind, key string) (State, error) {
	loadCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	var expired atomic.Bool
	timer := s.clock.AfterFunc(s.timeout, func() {
		expired.Store(true)
		cancel()
	})
	defer timer.Stop()

	var err error
	if kind == KindScript {
		err = s.loader.LoadScript(loadCtx, key)
	} else {
		err = s.loader.LoadStylesheet(loadCtx, key)
	}

	switch {
	case expired.Load():
		return StateTimeout, naverrors.NewResourceLoadError(naverrors.CodeTimeout, key, err)
	case err != nil:
		return StateFailed, naverrors.NewResourceLoadError(naverrors.CodeLoadFailed, key, err)
	}
	return StateLoaded, nil
}

func resultFor(state State) Result {
	switch state {
	case StateLoaded:
		return ResultLoaded
	case StateTimeout:
		return ResultTimeout
	default:
		return ResultError
	}
}

func markInjected(n *html.Node, pageScoped, shared bool) {
	dom.SetAttr(n, AttrInjected, "true")
	if pageScoped {
		dom.SetAttr(n, AttrPageScoped, "1")
	}
	if shared {
		dom.SetAttr(n, AttrShared, "")
	}
}

// Lookup returns a copy of the record for key.
func (s *Synchronizer) Lookup(kind Kind, key string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg := s.styles
	if kind == KindScript {
		reg = s.scripts
	}
	rec, ok := reg[key]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Keys lists the registered keys of kind in sorted order.
func (s *Synchronizer) Keys(kind Kind) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg := s.styles
	if kind == KindScript {
		reg = s.scripts
	}
	keys := make([]string, 0, len(reg))
	for k := range reg {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Key resolves a stylesheet or script element to its registry key.
func (s *Synchronizer) Key(n *html.Node) (string, bool) {
	if dom.Tag(n) == "script" {
		return scriptKey(s.base, n)
	}
	return styleKey(s.base, n)
}
