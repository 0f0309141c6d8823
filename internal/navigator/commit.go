package navigator

import (
	"golang.org/x/net/html"

	"github.com/conneroisu/navkit/internal/config"
	"github.com/conneroisu/navkit/internal/dom"
)

// syncRootAttrs copies the class and attributes of the incoming <html> and
// <body> onto the live ones so theme and layout markers travel with the page.
// Live attributes the incoming page does not set are kept.
func syncRootAttrs(live, incoming *dom.Document) {
	copyAttrs(live.DocumentElement(), incoming.DocumentElement())
	copyAttrs(live.Body(), incoming.Body())
}

func copyAttrs(dst, src *html.Node) {
	if dst == nil || src == nil {
		return
	}
	dom.SetAttr(dst, "class", dom.Attr(src, "class"))
	for _, a := range src.Attr {
		if a.Namespace != "" || a.Key == "class" {
			continue
		}
		dom.SetAttr(dst, a.Key, a.Val)
	}
}

// republishMeta copies the named <meta> tags from the incoming head into the
// live head, updating tags that already exist.
func republishMeta(live, incoming *dom.Document, names []string) int {
	copied := 0
	for _, name := range names {
		src := findMeta(incoming.Head(), name)
		if src == nil {
			continue
		}
		content := dom.Attr(src, "content")
		if dst := findMeta(live.Head(), name); dst != nil {
			dom.SetAttr(dst, "content", content)
		} else {
			live.Head().AppendChild(dom.CreateElement("meta",
				html.Attribute{Key: "name", Val: name},
				html.Attribute{Key: "content", Val: content},
			))
		}
		copied++
	}
	return copied
}

func findMeta(head *html.Node, name string) *html.Node {
	for _, m := range dom.ElementsByTag(head, "meta") {
		if dom.Attr(m, "name") == name {
			return m
		}
	}
	return nil
}

// refreshCSRF writes the live csrf-token meta content into every form input
// named inputName.
func refreshCSRF(doc *dom.Document, inputName string) int {
	if inputName == "" {
		return 0
	}
	meta := findMeta(doc.Head(), "csrf-token")
	if meta == nil {
		return 0
	}
	token := dom.Attr(meta, "content")
	if token == "" {
		return 0
	}
	updated := 0
	for _, in := range dom.ElementsByTag(doc.Root(), "input") {
		if dom.Attr(in, "name") == inputName {
			dom.SetAttr(in, "value", token)
			doc.SetValue(in, token)
			updated++
		}
	}
	return updated
}

// applyTransition restarts the transition class on the container.
func applyTransition(n *html.Node, t config.Transition) {
	dom.RemoveClass(n, config.TransitionClasses()...)
	if class := t.Class(); class != "" {
		dom.AddClass(n, class)
	}
}
