// Package dom is the live document model the navigation engine works on. A
// Document wraps a golang.org/x/net/html tree and adds what a browser keeps
// outside the markup: event listeners bound to elements, the live state of
// form controls, and an event-loop lock that serializes tree mutation.
package dom

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Document is a live HTML document.
type Document struct {
	loop sync.Mutex

	mu           sync.Mutex
	root         *html.Node
	listeners    map[*html.Node]map[string]Listener
	docListeners map[string]map[uint64]Listener
	nextListener uint64
	controls     map[*html.Node]*controlState
	version      uint64
}

// Parse parses a full HTML document or a fragment. Fragments are placed in
// the body of a synthesized document, as a browser's DOMParser would.
func Parse(src string) (*Document, error) {
	return ParseReader(strings.NewReader(src))
}

// ParseReader parses HTML from r.
func ParseReader(r io.Reader) (*Document, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}
	return NewDocument(root), nil
}

// MustParse is Parse for tests and fixed markup.
func MustParse(src string) *Document {
	d, err := Parse(src)
	if err != nil {
		panic(err)
	}
	return d
}

// NewDocument wraps an already parsed document node.
func NewDocument(root *html.Node) *Document {
	return &Document{
		root:         root,
		listeners:    make(map[*html.Node]map[string]Listener),
		docListeners: make(map[string]map[uint64]Listener),
		controls:     make(map[*html.Node]*controlState),
	}
}

// Exclusive runs fn while holding the document's event loop. Every step that
// mutates the tree goes through here.
func (d *Document) Exclusive(fn func()) {
	d.loop.Lock()
	defer d.loop.Unlock()
	fn()
}

// Replace swaps the whole tree, as a full page load does. Element listeners
// and control state belong to the old tree and are dropped; document-level
// listeners survive.
func (d *Document) Replace(root *html.Node) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.root = root
	d.listeners = make(map[*html.Node]map[string]Listener)
	d.controls = make(map[*html.Node]*controlState)
	d.version++
}

// Version counts calls to Replace.
func (d *Document) Version() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.version
}

// Root returns the document node.
func (d *Document) Root() *html.Node {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.root
}

// Contains reports whether n is part of the live tree. Nodes of a tree that
// Replace discarded, and detached nodes, are not.
func (d *Document) Contains(n *html.Node) bool {
	root := d.Root()
	for cur := n; cur != nil; cur = cur.Parent {
		if cur == root {
			return true
		}
	}
	return false
}

// DocumentElement returns <html>.
func (d *Document) DocumentElement() *html.Node {
	return findChild(d.Root(), atom.Html)
}

// Head returns <head>, creating it when missing.
func (d *Document) Head() *html.Node {
	return d.section(atom.Head)
}

// Body returns <body>, creating it when missing.
func (d *Document) Body() *html.Node {
	return d.section(atom.Body)
}

func (d *Document) section(a atom.Atom) *html.Node {
	root := d.DocumentElement()
	if root == nil {
		root = CreateElement("html")
		d.Root().AppendChild(root)
	}
	if n := findChild(root, a); n != nil {
		return n
	}
	n := CreateElement(a.String())
	if a == atom.Head && root.FirstChild != nil {
		root.InsertBefore(n, root.FirstChild)
	} else {
		root.AppendChild(n)
	}
	return n
}

func findChild(n *html.Node, a atom.Atom) *html.Node {
	if n == nil {
		return nil
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.DataAtom == a {
			return c
		}
	}
	return nil
}

// Query returns the first element matching selector, or nil.
func (d *Document) Query(selector string) *html.Node {
	return Query(d.Root(), selector)
}

// QueryAll returns every element matching selector in document order.
func (d *Document) QueryAll(selector string) []*html.Node {
	return QueryAll(d.Root(), selector)
}

// ByID returns the element with the given id attribute.
func (d *Document) ByID(id string) *html.Node {
	return ByID(d.Root(), id)
}

// Title returns the text of the document's <title>.
func (d *Document) Title() string {
	if t := Query(d.Head(), "title"); t != nil {
		return TextContent(t)
	}
	return ""
}

// SetTitle replaces the document's <title>, creating it when missing.
func (d *Document) SetTitle(title string) {
	head := d.Head()
	t := Query(head, "title")
	if t == nil {
		t = CreateElement("title")
		head.AppendChild(t)
	}
	SetText(t, title)
}

// Render serializes the whole document.
func (d *Document) Render() (string, error) {
	var buf bytes.Buffer
	if err := html.Render(&buf, d.Root()); err != nil {
		return "", err
	}
	return buf.String(), nil
}

var selectorCache sync.Map // string -> cascadia.Selector

func compile(selector string) (cascadia.Selector, error) {
	if s, ok := selectorCache.Load(selector); ok {
		return s.(cascadia.Selector), nil
	}
	s, err := cascadia.Compile(selector)
	if err != nil {
		return nil, err
	}
	selectorCache.Store(selector, s)
	return s, nil
}

// Query returns the first descendant of n matching selector. Invalid
// selectors match nothing.
func Query(n *html.Node, selector string) *html.Node {
	all := QueryAll(n, selector)
	if len(all) == 0 {
		return nil
	}
	return all[0]
}

// QueryAll returns all descendants of n (excluding n) matching selector.
func QueryAll(n *html.Node, selector string) []*html.Node {
	if n == nil {
		return nil
	}
	sel, err := compile(selector)
	if err != nil {
		return nil
	}
	matches := sel.MatchAll(n)
	if len(matches) > 0 && matches[0] == n {
		matches = matches[1:]
	}
	return matches
}

// Matches reports whether n itself matches selector.
func Matches(n *html.Node, selector string) bool {
	sel, err := compile(selector)
	if err != nil || n == nil {
		return false
	}
	return sel.Match(n)
}

// ByID finds the first descendant element of n with the given id.
func ByID(n *html.Node, id string) *html.Node {
	if id == "" {
		return nil
	}
	var found *html.Node
	Walk(n, func(c *html.Node) bool {
		if c != n && c.Type == html.ElementNode && Attr(c, "id") == id {
			found = c
			return false
		}
		return true
	})
	return found
}

// ByName finds the first descendant element of n with the given name.
func ByName(n *html.Node, name string) *html.Node {
	if name == "" {
		return nil
	}
	var found *html.Node
	Walk(n, func(c *html.Node) bool {
		if c != n && c.Type == html.ElementNode && Attr(c, "name") == name {
			found = c
			return false
		}
		return true
	})
	return found
}

// ElementsByTag lists descendant elements of n with the given tag.
func ElementsByTag(n *html.Node, tag string) []*html.Node {
	var out []*html.Node
	Walk(n, func(c *html.Node) bool {
		if c != n && c.Type == html.ElementNode && c.Data == tag {
			out = append(out, c)
		}
		return true
	})
	return out
}

// Walk visits n and its descendants depth first until fn returns false.
func Walk(n *html.Node, fn func(*html.Node) bool) bool {
	if n == nil {
		return true
	}
	if !fn(n) {
		return false
	}
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if !Walk(c, fn) {
			return false
		}
		c = next
	}
	return true
}

// InnerHTML serializes n's children.
func InnerHTML(n *html.Node) string {
	var buf bytes.Buffer
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		_ = html.Render(&buf, c)
	}
	return buf.String()
}

// OuterHTML serializes n itself.
func OuterHTML(n *html.Node) string {
	var buf bytes.Buffer
	_ = html.Render(&buf, n)
	return buf.String()
}

// CreateElement builds a detached element.
func CreateElement(tag string, attrs ...html.Attribute) *html.Node {
	tag = strings.ToLower(tag)
	return &html.Node{
		Type:     html.ElementNode,
		Data:     tag,
		DataAtom: atom.Lookup([]byte(tag)),
		Attr:     attrs,
	}
}

// Detach removes n from its parent, if any.
func Detach(n *html.Node) {
	if n != nil && n.Parent != nil {
		n.Parent.RemoveChild(n)
	}
}

// RemoveChildren empties n.
func RemoveChildren(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		n.RemoveChild(c)
		c = next
	}
}

// MoveChildren empties dst and moves every child of src into it, keeping node
// identity so state keyed by node follows the content.
func MoveChildren(dst, src *html.Node) {
	RemoveChildren(dst)
	for c := src.FirstChild; c != nil; {
		next := c.NextSibling
		src.RemoveChild(c)
		dst.AppendChild(c)
		c = next
	}
}

// Tag returns the lowercase element name, or "" for non-elements.
func Tag(n *html.Node) string {
	if n == nil || n.Type != html.ElementNode {
		return ""
	}
	return n.Data
}

// TextContent concatenates all descendant text.
func TextContent(n *html.Node) string {
	var b strings.Builder
	Walk(n, func(c *html.Node) bool {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
		return true
	})
	return b.String()
}

// SetText replaces n's children with a single text node.
func SetText(n *html.Node, text string) {
	RemoveChildren(n)
	if text != "" {
		n.AppendChild(&html.Node{Type: html.TextNode, Data: text})
	}
}
