package resources

import (
	"context"

	"golang.org/x/net/html"

	"github.com/conneroisu/navkit/internal/dom"
)

// copiedScriptAttrs are carried from the source element to the one the
// engine appends. type keeps module scripts modules.
var copiedScriptAttrs = []string{"type", "async", "defer", "nomodule", "crossorigin", "integrity", "referrerpolicy"}

// RunScripts materializes scripts under the same identity rule as styles:
// each address or inline content runs once per engine. New scripts are
// appended to the live body and not awaited; external ones load in the
// background. The source elements are removed from wherever they were.
// Call it inside Document.Exclusive.
func (s *Synchronizer) RunScripts(ctx context.Context, scripts []*html.Node) []Outcome {
	out := make([]Outcome, 0, len(scripts))
	for _, src := range scripts {
		key, ok := scriptKey(s.base, src)
		if !ok {
			continue
		}
		out = append(out, s.runScript(ctx, key, src))
		dom.Detach(src)
	}
	return out
}

func (s *Synchronizer) runScript(ctx context.Context, key string, src *html.Node) Outcome {
	s.mu.Lock()
	if _, seen := s.scripts[key]; seen {
		s.mu.Unlock()
		return Outcome{Key: key, Kind: KindScript, Result: ResultReused}
	}

	_, external := dom.LookupAttr(src, "src")
	node := dom.CreateElement("script")
	for _, attr := range copiedScriptAttrs {
		if v, ok := dom.LookupAttr(src, attr); ok {
			dom.SetAttr(node, attr, v)
		}
	}
	rec := &Record{Key: key, Kind: KindScript, Inline: !external, Node: node, Injected: true}
	if external {
		dom.SetAttr(node, "src", key)
		rec.State = StatePending
	} else {
		dom.SetText(node, dom.TextContent(src))
		rec.State = StateLoaded
	}
	s.scripts[key] = rec
	s.mu.Unlock()

	s.doc.Body().AppendChild(node)

	if !external {
		return Outcome{Key: key, Kind: KindScript, Result: ResultInline}
	}

	s.scriptWG.Add(1)
	go func() {
		defer s.scriptWG.Done()
		state, err := s.await(ctx, KindScript, key)

		s.mu.Lock()
		rec.State = state
		rec.Err = err
		s.mu.Unlock()

		if err != nil {
			s.logger.Warn(ctx, err, "Script did not load", "key", key)
		} else {
			s.logger.Debug(ctx, "Script loaded", "key", key)
		}
	}()
	return Outcome{Key: key, Kind: KindScript, Result: ResultStarted}
}

// HeadScripts returns the incoming page's head scripts when head script
// execution is enabled, and nil otherwise.
func (s *Synchronizer) HeadScripts(incoming *dom.Document) []*html.Node {
	if !s.execHeadScripts {
		return nil
	}
	return dom.QueryAll(incoming.Head(), "script")
}

// Wait blocks until background script loads finish.
func (s *Synchronizer) Wait() {
	s.scriptWG.Wait()
}
