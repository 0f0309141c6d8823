package fallback

import (
	"bytes"
	"context"
	"io"
	"strings"

	"github.com/a-h/templ"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// OverlayID is the id of the error overlay element.
const OverlayID = "spa-error"

const overlayStyle = "position: fixed; inset: 0; background: rgba(255,0,0,0.06); z-index: 99999; " +
	"display: flex; align-items: center; justify-content: center; font-size: 1rem; color: #900; " +
	"padding: 1rem; transition: opacity .22s ease"

// Overlay renders the error overlay. A hidden overlay stays in the document
// with zero opacity and no pointer events.
func Overlay(message string, visible bool) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		opacity, events := "0", "none"
		if visible {
			opacity, events = "1", "all"
		}
		var b strings.Builder
		b.WriteString(`<div id="`)
		b.WriteString(OverlayID)
		b.WriteString(`" role="alert" aria-live="assertive" style="`)
		b.WriteString(templ.EscapeString(overlayStyle + "; opacity: " + opacity + "; pointer-events: " + events + ";"))
		b.WriteString(`">`)
		b.WriteString(templ.EscapeString(message))
		b.WriteString(`</div>`)
		_, err := io.WriteString(w, b.String())
		return err
	})
}

// renderNode renders c and parses the result as a single body-level element.
func renderNode(ctx context.Context, c templ.Component) (*html.Node, error) {
	var buf bytes.Buffer
	if err := c.Render(ctx, &buf); err != nil {
		return nil, err
	}
	body := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := html.ParseFragment(&buf, body)
	if err != nil {
		return nil, err
	}
	for _, n := range nodes {
		if n.Type == html.ElementNode {
			return n, nil
		}
	}
	return nil, io.ErrUnexpectedEOF
}
