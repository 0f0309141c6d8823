package navigator

import (
	"golang.org/x/net/html"

	"github.com/conneroisu/navkit/internal/dom"
)

const controlSelector = "input, textarea, select"

// preserveForms copies the live state of every control in the outgoing
// content onto its counterpart in the incoming content so in-progress input
// survives the swap. Counterparts are matched by id, then by name, then by
// position among controls with the same tag. Checkboxes and radio buttons
// share a name across their group, so they match by name and value first. It returns how many controls
// were carried over.
func preserveForms(doc *dom.Document, live, incoming *html.Node) int {
	if live == nil || incoming == nil {
		return 0
	}
	byTag := make(map[string][]*html.Node)
	for _, n := range dom.QueryAll(live, controlSelector) {
		byTag[dom.Tag(n)] = append(byTag[dom.Tag(n)], n)
	}

	carried := 0
	for _, old := range dom.QueryAll(live, controlSelector) {
		counterpart := match(live, incoming, old, byTag)
		if counterpart == nil {
			continue
		}
		copyControl(doc, old, counterpart)
		carried++
	}
	return carried
}

func match(live, incoming, old *html.Node, byTag map[string][]*html.Node) *html.Node {
	if n := dom.ByID(incoming, dom.Attr(old, "id")); n != nil {
		return n
	}
	switch dom.InputType(old) {
	case "checkbox", "radio":
		if n := byNameAndValue(incoming, old); n != nil {
			return n
		}
	}
	if n := dom.ByName(incoming, dom.Attr(old, "name")); n != nil {
		return n
	}

	tag := dom.Tag(old)
	idx := -1
	for i, n := range byTag[tag] {
		if n == old {
			idx = i
			break
		}
	}
	candidates := dom.ElementsByTag(incoming, tag)
	if idx < 0 || idx >= len(candidates) {
		return nil
	}
	return candidates[idx]
}

func byNameAndValue(incoming, old *html.Node) *html.Node {
	name := dom.Attr(old, "name")
	if name == "" {
		return nil
	}
	value := dom.Attr(old, "value")
	for _, n := range dom.QueryAll(incoming, "input") {
		if dom.Attr(n, "name") == name && dom.Attr(n, "value") == value && dom.InputType(n) == dom.InputType(old) {
			return n
		}
	}
	return nil
}

func copyControl(doc *dom.Document, old, next *html.Node) {
	switch dom.Tag(old) {
	case "select":
		if dom.Tag(next) == "select" {
			doc.SetSelectedValues(next, doc.SelectedValues(old))
		}
	case "textarea":
		doc.SetValue(next, doc.Value(old))
	default:
		switch dom.InputType(old) {
		case "checkbox", "radio":
			doc.SetChecked(next, doc.Checked(old))
		default:
			doc.SetValue(next, doc.Value(old))
		}
	}

	if start, end, ok := doc.Selection(old); ok && dom.HasSelectionRange(next) {
		doc.SetSelection(next, start, end)
	}
	for key, val := range dom.DataAttrs(old) {
		dom.SetAttr(next, key, val)
	}
}
