// Package browser is a headless stand-in for the browser window the engine
// runs in: the current location, the session history with popstate, scroll
// position, and full page loads.
package browser

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"golang.org/x/net/html"

	"github.com/conneroisu/navkit/internal/dom"
	"github.com/conneroisu/navkit/internal/logging"
)

// HistoryEntry is one session history slot.
type HistoryEntry struct {
	URL   string                 `json:"url" yaml:"url"`
	State map[string]interface{} `json:"state,omitempty" yaml:"state,omitempty"`
}

// PopState is delivered to popstate listeners after Back or Forward.
type PopState struct {
	URL   *url.URL
	State map[string]interface{}
}

// PopStateListener handles a history traversal.
type PopStateListener func(ctx context.Context, ev PopState)

// LoadListener runs after a full page load replaced the document. u is the
// address the page was loaded from.
type LoadListener func(ctx context.Context, u *url.URL)

// Window holds one document and its browsing context.
type Window struct {
	doc    *dom.Document
	client *http.Client
	agent  string
	log    logging.Logger

	mu        sync.Mutex
	location  *url.URL
	history   []HistoryEntry
	index     int
	scrollX   int
	scrollY   int
	hard      []string
	listeners map[uint64]PopStateListener
	loads     map[uint64]LoadListener
	nextID    uint64
}

// Option configures a Window.
type Option func(*Window)

// WithUserAgent sets the User-Agent of full page loads.
func WithUserAgent(agent string) Option {
	return func(w *Window) { w.agent = agent }
}

// WithLogger sets the window's logger.
func WithLogger(l logging.Logger) Option {
	return func(w *Window) { w.log = l.WithComponent("browser") }
}

// New wraps an already loaded document shown at location.
func New(doc *dom.Document, location *url.URL, client *http.Client, opts ...Option) *Window {
	if client == nil {
		client = http.DefaultClient
	}
	loc := *location
	w := &Window{
		doc:       doc,
		client:    client,
		log:       logging.NewNopLogger(),
		location:  &loc,
		history:   []HistoryEntry{{URL: loc.String()}},
		listeners: make(map[uint64]PopStateListener),
		loads:     make(map[uint64]LoadListener),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Open loads rawURL as a full page and returns a window showing it.
func Open(ctx context.Context, client *http.Client, rawURL string, opts ...Option) (*Window, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", rawURL, err)
	}
	if u.Path == "" {
		u.Path = "/"
	}
	w := New(dom.NewDocument(&html.Node{Type: html.DocumentNode}), u, client, opts...)
	root, final, err := w.load(ctx, u)
	if err != nil {
		return nil, err
	}
	w.doc.Replace(root)
	w.mu.Lock()
	w.location = final
	w.history[0].URL = final.String()
	w.mu.Unlock()
	return w, nil
}

// Document returns the live document.
func (w *Window) Document() *dom.Document {
	return w.doc
}

// Location returns a copy of the current address.
func (w *Window) Location() *url.URL {
	w.mu.Lock()
	defer w.mu.Unlock()
	loc := *w.location
	return &loc
}

// Origin returns scheme and host of the current address.
func (w *Window) Origin() *url.URL {
	loc := w.Location()
	return &url.URL{Scheme: loc.Scheme, Host: loc.Host}
}

func (w *Window) resolve(href string) (*url.URL, error) {
	ref, err := url.Parse(href)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", href, err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.location.ResolveReference(ref), nil
}

// PushState adds a history entry for href without loading anything.
func (w *Window) PushState(state map[string]interface{}, href string) error {
	u, err := w.resolve(href)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.history = append(w.history[:w.index+1], HistoryEntry{URL: u.String(), State: state})
	w.index = len(w.history) - 1
	w.location = u
	return nil
}

// ReplaceState rewrites the current history entry.
func (w *Window) ReplaceState(state map[string]interface{}, href string) error {
	u, err := w.resolve(href)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.history[w.index] = HistoryEntry{URL: u.String(), State: state}
	w.location = u
	return nil
}

// History returns the session history and the current index.
func (w *Window) History() ([]HistoryEntry, int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]HistoryEntry(nil), w.history...), w.index
}

// OnPopState registers a popstate listener and returns its remover.
func (w *Window) OnPopState(l PopStateListener) func() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nextID++
	id := w.nextID
	w.listeners[id] = l
	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		delete(w.listeners, id)
	}
}

// OnLoad registers a listener for full page loads and returns its remover.
func (w *Window) OnLoad(l LoadListener) func() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nextID++
	id := w.nextID
	w.loads[id] = l
	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		delete(w.loads, id)
	}
}

func (w *Window) loadListeners() []LoadListener {
	w.mu.Lock()
	defer w.mu.Unlock()
	ls := make([]LoadListener, 0, len(w.loads))
	for id := uint64(1); id <= w.nextID; id++ {
		if l, ok := w.loads[id]; ok {
			ls = append(ls, l)
		}
	}
	return ls
}

// Back moves one entry back and fires popstate. It reports false at the
// start of history.
func (w *Window) Back(ctx context.Context) bool {
	return w.traverse(ctx, -1)
}

// Forward moves one entry forward and fires popstate.
func (w *Window) Forward(ctx context.Context) bool {
	return w.traverse(ctx, 1)
}

func (w *Window) traverse(ctx context.Context, delta int) bool {
	w.mu.Lock()
	next := w.index + delta
	if next < 0 || next >= len(w.history) {
		w.mu.Unlock()
		return false
	}
	w.index = next
	entry := w.history[next]
	u, err := url.Parse(entry.URL)
	if err != nil {
		w.mu.Unlock()
		return false
	}
	w.location = u
	ls := make([]PopStateListener, 0, len(w.listeners))
	for id := uint64(1); id <= w.nextID; id++ {
		if l, ok := w.listeners[id]; ok {
			ls = append(ls, l)
		}
	}
	w.mu.Unlock()

	loc := *u
	for _, l := range ls {
		l(ctx, PopState{URL: &loc, State: entry.State})
	}
	return true
}

// ScrollTo sets the scroll position.
func (w *Window) ScrollTo(x, y int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.scrollX, w.scrollY = x, y
}

// Scroll returns the scroll position.
func (w *Window) Scroll() (x, y int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.scrollX, w.scrollY
}
