package dom

import (
	"strings"

	"golang.org/x/net/html"
)

// Attr returns the value of key on n, or "".
func Attr(n *html.Node, key string) string {
	v, _ := LookupAttr(n, key)
	return v
}

// LookupAttr returns the value of key and whether it is present.
func LookupAttr(n *html.Node, key string) (string, bool) {
	if n == nil {
		return "", false
	}
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

// HasAttr reports whether key is present on n.
func HasAttr(n *html.Node, key string) bool {
	_, ok := LookupAttr(n, key)
	return ok
}

// SetAttr sets key to val on n.
func SetAttr(n *html.Node, key, val string) {
	for i, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

// RemoveAttr deletes key from n.
func RemoveAttr(n *html.Node, key string) {
	out := n.Attr[:0]
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			continue
		}
		out = append(out, a)
	}
	n.Attr = out
}

// DataAttrs returns the data-* attributes of n keyed by full attribute name.
func DataAttrs(n *html.Node) map[string]string {
	out := make(map[string]string)
	for _, a := range n.Attr {
		if a.Namespace == "" && strings.HasPrefix(a.Key, "data-") {
			out[a.Key] = a.Val
		}
	}
	return out
}

// Classes splits the class attribute.
func Classes(n *html.Node) []string {
	return strings.Fields(Attr(n, "class"))
}

// HasClass reports whether n carries class c.
func HasClass(n *html.Node, c string) bool {
	for _, have := range Classes(n) {
		if have == c {
			return true
		}
	}
	return false
}

// AddClass adds c if missing.
func AddClass(n *html.Node, c string) {
	if c == "" || HasClass(n, c) {
		return
	}
	SetAttr(n, "class", strings.TrimSpace(Attr(n, "class")+" "+c))
}

// RemoveClass removes every occurrence of c.
func RemoveClass(n *html.Node, classes ...string) {
	if !HasAttr(n, "class") {
		return
	}
	drop := make(map[string]bool, len(classes))
	for _, c := range classes {
		drop[c] = true
	}
	var kept []string
	for _, have := range Classes(n) {
		if !drop[have] {
			kept = append(kept, have)
		}
	}
	SetAttr(n, "class", strings.Join(kept, " "))
}

// ToggleClass adds c when on is true and removes it otherwise.
func ToggleClass(n *html.Node, c string, on bool) {
	if on {
		AddClass(n, c)
	} else {
		RemoveClass(n, c)
	}
}

// StyleProperty reads one declaration from the inline style attribute.
func StyleProperty(n *html.Node, prop string) string {
	for _, decl := range parseStyle(Attr(n, "style")) {
		if decl[0] == prop {
			return decl[1]
		}
	}
	return ""
}

// SetStyleProperty writes one inline declaration. An empty value removes it.
func SetStyleProperty(n *html.Node, prop, val string) {
	decls := parseStyle(Attr(n, "style"))
	out := make([][2]string, 0, len(decls)+1)
	replaced := false
	for _, d := range decls {
		if d[0] == prop {
			if val != "" && !replaced {
				out = append(out, [2]string{prop, val})
				replaced = true
			}
			continue
		}
		out = append(out, d)
	}
	if val != "" && !replaced {
		out = append(out, [2]string{prop, val})
	}

	if len(out) == 0 {
		RemoveAttr(n, "style")
		return
	}
	parts := make([]string, len(out))
	for i, d := range out {
		parts[i] = d[0] + ": " + d[1]
	}
	SetAttr(n, "style", strings.Join(parts, "; ")+";")
}

func parseStyle(s string) [][2]string {
	var out [][2]string
	for _, part := range strings.Split(s, ";") {
		k, v, ok := strings.Cut(part, ":")
		if !ok {
			continue
		}
		k = strings.ToLower(strings.TrimSpace(k))
		v = strings.TrimSpace(v)
		if k == "" {
			continue
		}
		out = append(out, [2]string{k, v})
	}
	return out
}
