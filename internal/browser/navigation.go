package browser

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"golang.org/x/net/html"

	"github.com/conneroisu/navkit/internal/dom"
)

// maxPageBytes caps a full page load.
const maxPageBytes = 16 << 20

// load performs a full page request. Unlike fragment requests it carries no
// X-Requested-With header, so the server answers with a whole document.
func (w *Window) load(ctx context.Context, u *url.URL) (*html.Node, *url.URL, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build request for %s: %w", u, err)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	if w.agent != "" {
		req.Header.Set("User-Agent", w.agent)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load %s: %w", u, err)
	}
	defer resp.Body.Close()

	root, err := html.Parse(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse %s: %w", u, err)
	}

	final := u
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL
	}
	w.log.Info(ctx, "Loaded page", "url", final.String(), "status", resp.StatusCode)
	return root, final, nil
}

// Assign performs a hard navigation to href: a full page load that replaces
// the whole document and adds a history entry. Every hard navigation is
// recorded, including ones whose load fails. Load listeners run once the new
// document is in place. It must not be called inside Document.Exclusive.
func (w *Window) Assign(ctx context.Context, href string) error {
	u, err := w.resolve(href)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.hard = append(w.hard, u.String())
	w.mu.Unlock()

	root, final, err := w.load(ctx, u)
	if err != nil {
		w.log.Error(ctx, err, "Hard navigation failed", "url", u.String())
		return err
	}

	w.doc.Exclusive(func() { w.doc.Replace(root) })

	w.mu.Lock()
	w.history = append(w.history[:w.index+1], HistoryEntry{URL: final.String()})
	w.index = len(w.history) - 1
	w.location = final
	w.scrollX, w.scrollY = 0, 0
	w.mu.Unlock()

	loc := *final
	for _, l := range w.loadListeners() {
		l(ctx, &loc)
	}
	return nil
}

// Reload loads the current address again.
func (w *Window) Reload(ctx context.Context) error {
	return w.Assign(ctx, w.Location().String())
}

// HardNavigations lists the addresses of every hard navigation so far.
func (w *Window) HardNavigations() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.hard...)
}

// Click dispatches a click on n. When no listener prevents the default and n
// sits inside a link, the browser's default action follows the link with a
// hard navigation. It reports whether the click was intercepted.
func (w *Window) Click(ctx context.Context, n *html.Node) (bool, error) {
	if w.doc.Dispatch(n, dom.NewEvent("click")) {
		return true, nil
	}
	for cur := n; cur != nil; cur = cur.Parent {
		if dom.Tag(cur) == "a" {
			if href, ok := dom.LookupAttr(cur, "href"); ok {
				return false, w.Assign(ctx, href)
			}
			break
		}
	}
	return false, nil
}
