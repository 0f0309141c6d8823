// Package resources keeps stylesheets and scripts in the live document in
// step with the pages the engine navigates to. Every resource is identified
// by its absolute address, or by a content hash for inline blocks, and is
// materialized at most once per engine.
package resources

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/net/html"

	"github.com/conneroisu/navkit/internal/dom"
)

// Markers the engine reads and writes on resource elements.
const (
	AttrInjected   = "data-spa"
	AttrPageScoped = "data-spa-page"
	AttrShared     = "data-spa-shared"
)

// Kind distinguishes the two registries.
type Kind string

const (
	KindStyle  Kind = "style"
	KindScript Kind = "script"
)

// State tracks a resource's load.
type State string

const (
	StatePending State = "pending"
	StateLoaded  State = "loaded"
	StateFailed  State = "failed"
	StateTimeout State = "timeout"
)

// Record is one registered resource. Node is the element the engine put in
// (or found in) the live document; it is kept after cleanup detaches it so a
// later page can put it back without loading it again.
type Record struct {
	Key        string
	Kind       Kind
	Inline     bool
	Node       *html.Node
	PageScoped bool
	Shared     bool
	Injected   bool
	State      State
	Err        error
}

// Result names what a synchronization did with one resource.
type Result string

const (
	ResultLoaded     Result = "loaded"
	ResultReused     Result = "reused"
	ResultReattached Result = "reattached"
	ResultInline     Result = "inline"
	ResultError      Result = "error"
	ResultTimeout    Result = "timeout"
	ResultStarted    Result = "started"
)

// Outcome reports one resource of a synchronization.
type Outcome struct {
	Key    string `json:"key" yaml:"key"`
	Kind   Kind   `json:"kind" yaml:"kind"`
	Result Result `json:"result" yaml:"result"`
	Err    error  `json:"-" yaml:"-"`
}

// Failed reports whether the resource did not load.
func (o Outcome) Failed() bool {
	return o.Result == ResultError || o.Result == ResultTimeout
}

// hashKey identifies an inline block by content.
func hashKey(kind Kind, text string) string {
	return fmt.Sprintf("inline-%s:%016x", kind, xxhash.Sum64String(text))
}

// addressKey resolves ref against base and strips the fragment.
func addressKey(base *url.URL, ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", false
	}
	u, err := url.Parse(ref)
	if err != nil {
		return "", false
	}
	if base != nil {
		u = base.ResolveReference(u)
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u.String(), true
}

// isStylesheetLink matches link[rel=stylesheet] and link[rel=preload][as=style].
func isStylesheetLink(n *html.Node) bool {
	if dom.Tag(n) != "link" {
		return false
	}
	rels := strings.Fields(strings.ToLower(dom.Attr(n, "rel")))
	for _, rel := range rels {
		if rel == "stylesheet" {
			return true
		}
		if rel == "preload" && strings.EqualFold(dom.Attr(n, "as"), "style") {
			return true
		}
	}
	return false
}

// styleKey computes the identity of a <link> or <style> element.
func styleKey(base *url.URL, n *html.Node) (string, bool) {
	switch dom.Tag(n) {
	case "link":
		if !isStylesheetLink(n) {
			return "", false
		}
		return addressKey(base, dom.Attr(n, "href"))
	case "style":
		return hashKey(KindStyle, dom.TextContent(n)), true
	}
	return "", false
}

// scriptKey computes the identity of a <script> element.
func scriptKey(base *url.URL, n *html.Node) (string, bool) {
	if dom.Tag(n) != "script" {
		return "", false
	}
	if src, ok := dom.LookupAttr(n, "src"); ok && strings.TrimSpace(src) != "" {
		return addressKey(base, src)
	}
	return hashKey(KindScript, dom.TextContent(n)), true
}
