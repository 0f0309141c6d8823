package dom

import (
	"sort"

	"golang.org/x/net/html"
)

// Listener handles a dispatched event.
type Listener func(*Event)

// Event is a dispatched DOM or document-level event.
type Event struct {
	Type    string
	Target  *html.Node
	Detail  map[string]interface{}
	Bubbles bool

	defaultPrevented bool
	stopped          bool
}

// NewEvent creates an element event. Click and focusin bubble; hover and
// focus do not, matching browser semantics.
func NewEvent(typ string) *Event {
	return &Event{Type: typ, Bubbles: typ == "click" || typ == "focusin"}
}

// PreventDefault suppresses the browser's default action.
func (e *Event) PreventDefault() { e.defaultPrevented = true }

// DefaultPrevented reports whether a listener called PreventDefault.
func (e *Event) DefaultPrevented() bool { return e.defaultPrevented }

// StopPropagation stops bubbling after the current listener.
func (e *Event) StopPropagation() { e.stopped = true }

// On binds l as the single listener for typ on n. Binding again replaces the
// previous listener instead of stacking a second one.
func (d *Document) On(n *html.Node, typ string, l Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	byType, ok := d.listeners[n]
	if !ok {
		byType = make(map[string]Listener)
		d.listeners[n] = byType
	}
	byType[typ] = l
}

// Off removes the listener for typ on n.
func (d *Document) Off(n *html.Node, typ string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if byType, ok := d.listeners[n]; ok {
		delete(byType, typ)
		if len(byType) == 0 {
			delete(d.listeners, n)
		}
	}
}

// Bound reports whether n has a listener for typ.
func (d *Document) Bound(n *html.Node, typ string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.listeners[n][typ]
	return ok
}

// ListenerCount counts element listeners across the document.
func (d *Document) ListenerCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	total := 0
	for _, byType := range d.listeners {
		total += len(byType)
	}
	return total
}

// Dispatch delivers ev to n and, for bubbling events, to its ancestors. It
// returns true when a listener prevented the default action. Listeners run
// without any document lock held.
func (d *Document) Dispatch(n *html.Node, ev *Event) bool {
	ev.Target = n
	for cur := n; cur != nil; cur = cur.Parent {
		d.mu.Lock()
		l := d.listeners[cur][ev.Type]
		d.mu.Unlock()

		if l != nil {
			l(ev)
		}
		if !ev.Bubbles || ev.stopped {
			break
		}
	}
	return ev.defaultPrevented
}

// AddEventListener registers a document-level listener and returns a function
// that removes it.
func (d *Document) AddEventListener(typ string, l Listener) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextListener++
	id := d.nextListener
	if d.docListeners[typ] == nil {
		d.docListeners[typ] = make(map[uint64]Listener)
	}
	d.docListeners[typ][id] = l

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.docListeners[typ], id)
	}
}

// DispatchDocument fires a document-level event to listeners in
// registration order.
func (d *Document) DispatchDocument(typ string, detail map[string]interface{}) *Event {
	d.mu.Lock()
	ids := make([]uint64, 0, len(d.docListeners[typ]))
	for id := range d.docListeners[typ] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	ls := make([]Listener, 0, len(ids))
	for _, id := range ids {
		ls = append(ls, d.docListeners[typ][id])
	}
	d.mu.Unlock()

	ev := &Event{Type: typ, Detail: detail}
	for _, l := range ls {
		l(ev)
		if ev.stopped {
			break
		}
	}
	return ev
}

// Release drops the listeners and live control state held for n and its
// descendants. Call it when content leaves the document for good.
func (d *Document) Release(n *html.Node) {
	d.mu.Lock()
	defer d.mu.Unlock()
	Walk(n, func(c *html.Node) bool {
		delete(d.listeners, c)
		delete(d.controls, c)
		return true
	})
}
