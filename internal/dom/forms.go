package dom

import (
	"strings"

	"golang.org/x/net/html"
)

// controlState is the live state of a form control, which diverges from its
// markup once the user types, ticks or selects something.
type controlState struct {
	value    *string
	checked  *bool
	selected []string
	hasSel   bool
	selStart int
	selEnd   int
}

// IsFormControl reports whether n is an input, textarea or select.
func IsFormControl(n *html.Node) bool {
	switch Tag(n) {
	case "input", "textarea", "select":
		return true
	}
	return false
}

// InputType returns the lowercase type of an input, defaulting to "text".
func InputType(n *html.Node) string {
	t := strings.ToLower(strings.TrimSpace(Attr(n, "type")))
	if t == "" {
		return "text"
	}
	return t
}

func (d *Document) state(n *html.Node, create bool) *controlState {
	s, ok := d.controls[n]
	if !ok && create {
		s = &controlState{}
		d.controls[n] = s
	}
	return s
}

// Value returns the live value of a control.
func (d *Document) Value(n *html.Node) string {
	d.mu.Lock()
	s := d.state(n, false)
	d.mu.Unlock()

	if Tag(n) == "select" {
		vals := d.SelectedValues(n)
		if len(vals) == 0 {
			return ""
		}
		return vals[0]
	}
	if s != nil && s.value != nil {
		return *s.value
	}
	if Tag(n) == "textarea" {
		return TextContent(n)
	}
	return Attr(n, "value")
}

// SetValue sets the live value. For a select it selects the matching option.
func (d *Document) SetValue(n *html.Node, v string) {
	if Tag(n) == "select" {
		for _, opt := range ElementsByTag(n, "option") {
			if OptionValue(opt) == v {
				d.SetSelectedValues(n, []string{v})
				return
			}
		}
		d.SetSelectedValues(n, []string{})
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state(n, true).value = &v
}

// Checked returns the live checkedness of a checkbox or radio.
func (d *Document) Checked(n *html.Node) bool {
	d.mu.Lock()
	s := d.state(n, false)
	d.mu.Unlock()
	if s != nil && s.checked != nil {
		return *s.checked
	}
	return HasAttr(n, "checked")
}

// SetChecked sets the live checkedness.
func (d *Document) SetChecked(n *html.Node, on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state(n, true).checked = &on
}

// OptionValue returns an option's value attribute or, failing that, its text.
func OptionValue(opt *html.Node) string {
	if v, ok := LookupAttr(opt, "value"); ok {
		return v
	}
	return strings.TrimSpace(TextContent(opt))
}

// SelectedValues returns the values of the selected options of a select.
// A single select with nothing marked selects its first option.
func (d *Document) SelectedValues(n *html.Node) []string {
	d.mu.Lock()
	s := d.state(n, false)
	if s != nil && s.selected != nil {
		live := make([]string, len(s.selected))
		copy(live, s.selected)
		d.mu.Unlock()
		return live
	}
	d.mu.Unlock()

	options := ElementsByTag(n, "option")
	var vals []string
	for _, opt := range options {
		if HasAttr(opt, "selected") {
			vals = append(vals, OptionValue(opt))
		}
	}
	if len(vals) == 0 && !HasAttr(n, "multiple") && len(options) > 0 {
		vals = []string{OptionValue(options[0])}
	}
	if !HasAttr(n, "multiple") && len(vals) > 1 {
		vals = vals[len(vals)-1:]
	}
	return vals
}

// SetSelectedValues sets which options are selected. Values with no matching
// option are ignored.
func (d *Document) SetSelectedValues(n *html.Node, values []string) {
	want := make(map[string]bool, len(values))
	for _, v := range values {
		want[v] = true
	}
	sel := []string{}
	for _, opt := range ElementsByTag(n, "option") {
		v := OptionValue(opt)
		if want[v] {
			sel = append(sel, v)
			if !HasAttr(n, "multiple") {
				break
			}
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state(n, true).selected = sel
}

// Selection returns the caret/selection range of a text control.
func (d *Document) Selection(n *html.Node) (start, end int, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.state(n, false)
	if s == nil || !s.hasSel {
		return 0, 0, false
	}
	return s.selStart, s.selEnd, true
}

// SetSelection records the caret/selection range of a text control.
func (d *Document) SetSelection(n *html.Node, start, end int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.state(n, true)
	s.hasSel = true
	s.selStart = start
	s.selEnd = end
}

// HasSelectionRange reports whether the control type supports a caret.
func HasSelectionRange(n *html.Node) bool {
	switch Tag(n) {
	case "textarea":
		return true
	case "input":
		switch InputType(n) {
		case "text", "search", "url", "tel", "password":
			return true
		}
	}
	return false
}
