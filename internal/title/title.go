// Package title resolves a page title from competing sources. Candidates are
// ranked server header, fragment data attribute, document <title>, og:title,
// meta title; the best non-blank one wins.
package title

import (
	"strings"
	"sync"

	"golang.org/x/net/html"
	"golang.org/x/text/unicode/norm"

	"github.com/conneroisu/navkit/internal/dom"
)

// Source identifies where a title candidate came from. Lower values rank
// higher.
type Source int

const (
	ServerHeader Source = iota
	FragmentData
	DocumentTitle
	OpenGraph
	MetaTitle
	Default
)

var sourceNames = map[Source]string{
	ServerHeader:  "server_header",
	FragmentData:  "fragment_data",
	DocumentTitle: "document_title",
	OpenGraph:     "open_graph",
	MetaTitle:     "meta_title",
	Default:       "default",
}

func (s Source) String() string {
	if name, ok := sourceNames[s]; ok {
		return name
	}
	return "unknown"
}

// Outranks reports whether s takes precedence over o.
func (s Source) Outranks(o Source) bool {
	return s < o
}

// Candidate is one possible title.
type Candidate struct {
	Source Source
	Value  string
}

// Normalize trims whitespace and applies Unicode NFC so equal titles compare
// equal regardless of how the server composed them.
func Normalize(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

// Chain is an unordered set of candidates.
type Chain []Candidate

// Resolve picks the highest-ranked candidate with a non-blank value. The
// returned value is normalized.
func (c Chain) Resolve() (Candidate, bool) {
	var best Candidate
	found := false
	for _, cand := range c {
		v := Normalize(cand.Value)
		if v == "" {
			continue
		}
		if !found || cand.Source.Outranks(best.Source) {
			best = Candidate{Source: cand.Source, Value: v}
			found = true
		}
	}
	return best, found
}

// Without drops candidates from the given source.
func (c Chain) Without(s Source) Chain {
	out := make(Chain, 0, len(c))
	for _, cand := range c {
		if cand.Source != s {
			out = append(out, cand)
		}
	}
	return out
}

// Value returns the raw value recorded for s.
func (c Chain) Value(s Source) string {
	for _, cand := range c {
		if cand.Source == s {
			return cand.Value
		}
	}
	return ""
}

// Resolve is Chain(cands).Resolve().
func Resolve(cands ...Candidate) (Candidate, bool) {
	return Chain(cands).Resolve()
}

// Collect gathers every candidate a fetched page offers: the response header,
// the fragment root's title attributes, and the parsed document's head.
func Collect(header string, fragment *html.Node, doc *dom.Document) Chain {
	chain := Chain{
		{Source: ServerHeader, Value: header},
		{Source: FragmentData, Value: FragmentTitle(fragment)},
	}
	if doc != nil {
		chain = append(chain,
			Candidate{Source: DocumentTitle, Value: doc.Title()},
			Candidate{Source: OpenGraph, Value: metaContent(doc, `meta[property="og:title"]`)},
			Candidate{Source: MetaTitle, Value: metaContent(doc, `meta[name="title"]`)},
		)
	}
	return chain
}

// AttrSpaTitle carries the resolved fragment title on the live container.
const AttrSpaTitle = "data-spa-title"

// FragmentTitle reads the title a fragment root declares: data-spa-title,
// then data-title, then the first descendant carrying data-title.
func FragmentTitle(root *html.Node) string {
	if root == nil {
		return ""
	}
	for _, key := range []string{AttrSpaTitle, "data-title"} {
		if v := strings.TrimSpace(dom.Attr(root, key)); v != "" {
			return v
		}
	}
	if n := dom.Query(root, "[data-title]"); n != nil {
		return strings.TrimSpace(dom.Attr(n, "data-title"))
	}
	return ""
}

// LiveTitle reads the title committed content declares from the live
// container: its data-spa-title, then the first descendant carrying
// data-title. The container's own data-title is ignored since it belongs to
// whichever page first rendered the container.
func LiveTitle(container *html.Node) string {
	if container == nil {
		return ""
	}
	if v := strings.TrimSpace(dom.Attr(container, AttrSpaTitle)); v != "" {
		return v
	}
	if n := dom.Query(container, "[data-title]"); n != nil {
		return strings.TrimSpace(dom.Attr(n, "data-title"))
	}
	return ""
}

func metaContent(doc *dom.Document, selector string) string {
	if n := doc.Query(selector); n != nil {
		return dom.Attr(n, "content")
	}
	return ""
}

// Tracker remembers which candidate was published for the current
// navigation so later passes only replace it with a better-ranked one.
type Tracker struct {
	mu      sync.Mutex
	publish func(string)
	nav     uint64
	current Candidate
	has     bool
}

// NewTracker creates a tracker that hands published titles to publish.
func NewTracker(publish func(string)) *Tracker {
	return &Tracker{publish: publish}
}

// First starts navigation nav and publishes the best candidate of chain.
func (t *Tracker) First(nav uint64, chain Chain) (Candidate, bool) {
	t.mu.Lock()
	t.nav = nav
	t.has = false
	best, ok := chain.Resolve()
	if ok {
		t.current = best
		t.has = true
	}
	t.mu.Unlock()

	if ok {
		t.publish(best.Value)
	}
	return best, ok
}

// Second republishes when c is non-blank and strictly outranks what
// navigation nav published so far. Calls for a navigation that is no longer
// current are ignored.
func (t *Tracker) Second(nav uint64, c Candidate) bool {
	v := Normalize(c.Value)
	if v == "" {
		return false
	}

	t.mu.Lock()
	if nav != t.nav || (t.has && !c.Source.Outranks(t.current.Source)) {
		t.mu.Unlock()
		return false
	}
	t.current = Candidate{Source: c.Source, Value: v}
	t.has = true
	t.mu.Unlock()

	t.publish(v)
	return true
}

// Set publishes an explicit title outside the ranking, as the public
// SetTitle API and the spa:requested-setTitle event do. A blank title is
// ignored.
func (t *Tracker) Set(value string) bool {
	v := Normalize(value)
	if v == "" {
		return false
	}
	t.mu.Lock()
	t.current = Candidate{Source: ServerHeader, Value: v}
	t.has = true
	t.mu.Unlock()

	t.publish(v)
	return true
}

// Current returns the last published candidate.
func (t *Tracker) Current() (Candidate, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current, t.has
}
