package dom

import "golang.org/x/net/html"

// Visibility is the inline visibility and opacity an element had before Hide.
type Visibility struct {
	Visibility string
	Opacity    string
}

// Hide makes n invisible without removing it and returns what to restore.
func Hide(n *html.Node) Visibility {
	prev := Visibility{
		Visibility: StyleProperty(n, "visibility"),
		Opacity:    StyleProperty(n, "opacity"),
	}
	SetStyleProperty(n, "visibility", "hidden")
	SetStyleProperty(n, "opacity", "0")
	return prev
}

// Restore puts back the saved inline visibility and opacity.
func (v Visibility) Restore(n *html.Node) {
	if n == nil {
		return
	}
	SetStyleProperty(n, "visibility", v.Visibility)
	SetStyleProperty(n, "opacity", v.Opacity)
}

// IsHidden reports whether n carries the inline state Hide applies.
func IsHidden(n *html.Node) bool {
	return StyleProperty(n, "visibility") == "hidden" || StyleProperty(n, "opacity") == "0"
}
