package resources

import (
	"context"
	"sort"

	"golang.org/x/net/html"

	"github.com/conneroisu/navkit/internal/config"
	"github.com/conneroisu/navkit/internal/dom"
)

// Cleanup runs when the incoming page is committed. Every registered
// stylesheet the page references is put back in the head if something took
// it out. Engine-marked stylesheets the page no longer needs are removed and
// their keys returned. Unmarked resources and whitelisted ones are never
// touched. Removed elements stay registered, so a later page that needs them
// again gets them back without a second load.
//
//   - keep-shared: only page-scoped elements are candidates.
//   - remove-all: every engine-marked element is a candidate.
//   - strict: as remove-all, but elements declared data-spa-shared survive.
//
// Call it inside Document.Exclusive.
func (s *Synchronizer) Cleanup(ctx context.Context, plan *Plan) []string {
	if plan == nil {
		return nil
	}

	s.mu.Lock()
	s.live = make(map[string]bool, len(plan.Referenced))
	var referenced []*Record
	for key := range plan.Referenced {
		s.live[key] = true
		if rec := s.styles[key]; rec != nil {
			referenced = append(referenced, rec)
		}
	}
	s.mu.Unlock()
	for _, rec := range referenced {
		s.restore(rec)
	}

	if !s.cleanPageStyles {
		return nil
	}
	strategy := s.Strategy()

	var victims []*html.Node
	var removed []string
	for _, n := range dom.QueryAll(s.doc.Head(), "link, style") {
		key, ok := styleKey(s.base, n)
		if !ok || plan.Referenced[key] || s.isPersistent(key, n) {
			continue
		}
		if droppable(strategy, n) {
			victims = append(victims, n)
			removed = append(removed, key)
		}
	}

	for _, n := range victims {
		dom.Detach(n)
	}
	if len(removed) > 0 {
		s.logger.Debug(ctx, "Removed stale stylesheets", "strategy", string(strategy), "keys", removed)
	}
	return removed
}

// Discard takes back what a navigation that will never commit put in the
// head: stylesheets of its plan that the displayed page does not reference
// and that cleanup would remove. Call it inside Document.Exclusive.
func (s *Synchronizer) Discard(ctx context.Context, plan *Plan) []string {
	if plan == nil || !s.cleanPageStyles {
		return nil
	}
	strategy := s.Strategy()

	s.mu.Lock()
	var candidates []*Record
	for key := range plan.Referenced {
		if s.live[key] {
			continue
		}
		if rec := s.styles[key]; rec != nil && rec.Injected {
			candidates = append(candidates, rec)
		}
	}
	s.mu.Unlock()

	var removed []string
	for _, rec := range candidates {
		if !s.doc.Contains(rec.Node) || s.isPersistent(rec.Key, rec.Node) || !droppable(strategy, rec.Node) {
			continue
		}
		dom.Detach(rec.Node)
		removed = append(removed, rec.Key)
	}
	sort.Strings(removed)
	if len(removed) > 0 {
		s.logger.Debug(ctx, "Discarded stylesheets of an abandoned navigation", "keys", removed)
	}
	return removed
}

// droppable applies the cleanup strategy to one element.
func droppable(strategy config.CleanupStrategy, n *html.Node) bool {
	pageScoped := dom.HasAttr(n, AttrPageScoped)
	marked := pageScoped || dom.Attr(n, AttrInjected) == "true"
	shared := dom.HasAttr(n, AttrShared)

	switch strategy {
	case config.CleanupRemoveAll:
		return marked
	case config.CleanupStrict:
		return marked && !shared
	default:
		return pageScoped && !shared
	}
}

func (s *Synchronizer) isPersistent(key string, n *html.Node) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.persistent[key] {
		return true
	}
	if href := dom.Attr(n, "href"); href != "" && s.persistent[href] {
		return true
	}
	return false
}
