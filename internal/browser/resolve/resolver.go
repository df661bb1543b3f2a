// Element resolution over DOM snapshots. The target application renders
// generated, session-scoped ids, so elements are found by meaning (visible
// text, attribute fragments, table-row content, structural position) and
// only then pinned to a concrete selector for the next interaction.
package resolve

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/H4tholdir/archibaldblackant-sub014/api/schemas"
)

// Target names one element to find plus the ordered strategies to try. The
// first strategy that yields a node wins.
type Target struct {
	Name       string
	Strategies []Strategy

	// SubTimeout is each strategy's exclusive window: fallback i+1 engages
	// only after i+1 windows have elapsed, while earlier strategies stay in
	// the running. Zero derives equal windows from the context deadline, or
	// engages the whole chain at once when there is none.
	SubTimeout time.Duration
}

// Handle is a resolved element, pinned to a selector that stays valid while
// the current document is alive. Handles are never persisted.
type Handle struct {
	Selector string
	Strategy string
	Text     string
}

// Child addresses a descendant of the resolved element.
func (h *Handle) Child(sub string) string {
	return h.Selector + " " + sub
}

// Resolver finds elements on a live page by re-snapshotting the DOM until a
// strategy matches or the context runs out.
type Resolver struct {
	logger       *zap.Logger
	pollInterval time.Duration
}

// New creates a Resolver. pollInterval is the delay between snapshot rounds;
// zero falls back to 250ms.
func New(logger *zap.Logger, pollInterval time.Duration) *Resolver {
	if pollInterval <= 0 {
		pollInterval = 250 * time.Millisecond
	}
	return &Resolver{
		logger:       logger.Named("resolver"),
		pollInterval: pollInterval,
	}
}

// Document parses a DOM snapshot. Shared with read-only flows that scan
// tables without resolving a single element.
func Document(snapshot string) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(snapshot))
	if err != nil {
		return nil, fmt.Errorf("parsing DOM snapshot: %w", err)
	}
	return doc, nil
}

// Resolve runs the target's strategy chain against fresh snapshots of the
// page. Fallback strategies engage one sub-timeout window at a time, so a
// loose rule never fires while a stricter one still has time to match. On
// success the returned handle carries a concrete selector; on exhaustion the
// error lists every strategy tried plus a bounded summary of what the page
// actually showed.
func (r *Resolver) Resolve(ctx context.Context, page schemas.PageSession, target Target) (*Handle, error) {
	if len(target.Strategies) == 0 {
		return nil, fmt.Errorf("resolve %s: no strategies provided", target.Name)
	}

	tried := make([]string, len(target.Strategies))
	for i, s := range target.Strategies {
		tried[i] = s.Name()
	}

	window := target.SubTimeout
	if window <= 0 {
		if deadline, ok := ctx.Deadline(); ok {
			window = time.Until(deadline) / time.Duration(len(target.Strategies))
		}
	}
	start := time.Now()

	var lastDoc *goquery.Document
	for {
		snapshot, err := page.Snapshot(ctx)
		if err != nil {
			return nil, fmt.Errorf("snapshot for %s: %w", target.Name, err)
		}
		doc, err := Document(snapshot)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", target.Name, err)
		}
		lastDoc = doc

		eligible := len(target.Strategies)
		if window > 0 {
			eligible = 1 + int(time.Since(start)/window)
			if eligible > len(target.Strategies) {
				eligible = len(target.Strategies)
			}
		}
		if handle := r.tryStrategies(target, doc, eligible); handle != nil {
			return handle, nil
		}

		select {
		case <-ctx.Done():
			return nil, &schemas.ElementNotFoundError{
				Target:     target.Name,
				Strategies: tried,
				DOMSummary: Summarize(lastDoc),
			}
		case <-time.After(r.pollInterval):
		}
	}
}

// ResolveNow runs the strategy chain against a single fresh snapshot, without
// polling. Pagination loops use it to scan one page at a time and keep the
// page-flip decision to themselves.
func (r *Resolver) ResolveNow(ctx context.Context, page schemas.PageSession, target Target) (*Handle, error) {
	if len(target.Strategies) == 0 {
		return nil, fmt.Errorf("resolve %s: no strategies provided", target.Name)
	}

	snapshot, err := page.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot for %s: %w", target.Name, err)
	}
	doc, err := Document(snapshot)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", target.Name, err)
	}

	if handle := r.tryStrategies(target, doc, len(target.Strategies)); handle != nil {
		return handle, nil
	}

	tried := make([]string, len(target.Strategies))
	for i, s := range target.Strategies {
		tried[i] = s.Name()
	}
	return nil, &schemas.ElementNotFoundError{
		Target:     target.Name,
		Strategies: tried,
		DOMSummary: Summarize(doc),
	}
}

// tryStrategies walks the first eligible strategies in order and returns the
// first hit, or nil.
func (r *Resolver) tryStrategies(target Target, doc *goquery.Document, eligible int) *Handle {
	for _, strategy := range target.Strategies[:eligible] {
		sel, err := strategy.Locate(doc)
		if err != nil {
			// A misconfigured strategy must not sink the whole chain.
			r.logger.Debug("Strategy failed",
				zap.String("target", target.Name),
				zap.String("strategy", strategy.Name()),
				zap.Error(err))
			continue
		}
		if sel == nil || sel.Length() == 0 {
			continue
		}
		handle := &Handle{
			Selector: cssPath(sel),
			Strategy: strategy.Name(),
			Text:     NormalizeText(sel.Text()),
		}
		r.logger.Debug("Resolved element",
			zap.String("target", target.Name),
			zap.String("strategy", strategy.Name()),
			zap.String("selector", handle.Selector))
		return handle
	}
	return nil
}

// cssPath derives a selector for the node that is unique within the current
// document: the nearest id if one exists, otherwise an nth-child chain from
// the root.
func cssPath(s *goquery.Selection) string {
	if s == nil || s.Length() == 0 {
		return ""
	}
	if id, ok := s.Attr("id"); ok && id != "" {
		return fmt.Sprintf("[id=%q]", id)
	}

	tag := goquery.NodeName(s)
	if tag == "html" {
		return "html"
	}
	parent := s.Parent()
	if parent.Length() == 0 {
		return tag
	}
	self := fmt.Sprintf("%s:nth-child(%d)", tag, s.Index()+1)
	if parentPath := cssPath(parent); parentPath != "" {
		return parentPath + " > " + self
	}
	return self
}

const (
	summaryMaxElements = 12
	summaryMaxText     = 32
	summaryMaxTotal    = 800
)

// Summarize renders a bounded description of the interactive surface of a
// document, for element-not-found diagnostics.
func Summarize(doc *goquery.Document) string {
	if doc == nil {
		return ""
	}
	var parts []string
	if title := NormalizeText(doc.Find("title").First().Text()); title != "" {
		parts = append(parts, "title="+truncate(title, summaryMaxText))
	}

	doc.Find("h1, h2, button, a, input, select, table").EachWithBreak(func(_ int, el *goquery.Selection) bool {
		if len(parts) >= summaryMaxElements {
			return false
		}
		desc := goquery.NodeName(el)
		if id, ok := el.Attr("id"); ok && id != "" {
			desc += "#" + id
		}
		text := NormalizeText(el.Text())
		if text == "" {
			if val, ok := el.Attr("value"); ok {
				text = NormalizeText(val)
			} else if name, ok := el.Attr("name"); ok {
				text = name
			}
		}
		if text != "" {
			desc += fmt.Sprintf("(%s)", truncate(text, summaryMaxText))
		}
		parts = append(parts, desc)
		return true
	})

	return truncate(strings.Join(parts, "; "), summaryMaxTotal)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
