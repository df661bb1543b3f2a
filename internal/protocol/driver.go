package protocol

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/H4tholdir/archibaldblackant-sub014/api/schemas"
	"github.com/H4tholdir/archibaldblackant-sub014/internal/browser/resolve"
)

// Driver implements the form protocols against the target application: the
// login flow, order creation, and the read-only catalog walk. One Driver is
// shared by all jobs; it holds no per-run state.
type Driver struct {
	logger  *zap.Logger
	res     *resolve.Resolver
	profile *Profile
	baseURL string

	resolveTimeout time.Duration
	probeTimeout   time.Duration
	recordIDRe     *regexp.Regexp
}

var _ schemas.Authenticator = (*Driver)(nil)

// NewDriver wires a driver for one target deployment. resolveTimeout bounds
// every single element resolution; steps and jobs carry their own larger
// budgets above it.
func NewDriver(logger *zap.Logger, res *resolve.Resolver, profile *Profile, baseURL string, resolveTimeout time.Duration) (*Driver, error) {
	recordIDRe, err := regexp.Compile(profile.Orders.RecordIDPattern)
	if err != nil {
		return nil, fmt.Errorf("compiling record_id_pattern: %w", err)
	}
	if recordIDRe.NumSubexp() < 1 {
		return nil, fmt.Errorf("record_id_pattern needs a capture group for the identifier")
	}
	return &Driver{
		logger:         logger.Named("protocol"),
		res:            res,
		profile:        profile,
		baseURL:        strings.TrimSuffix(baseURL, "/"),
		resolveTimeout: resolveTimeout,
		probeTimeout:   3 * time.Second,
		recordIDRe:     recordIDRe,
	}, nil
}

func (d *Driver) url(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return d.baseURL + path
}

func (d *Driver) quiet() time.Duration {
	return d.profile.QuietWindow
}

// resolveCtx caps a single resolution without loosening the caller's own
// deadline.
func (d *Driver) resolveCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d.resolveTimeout)
}

// -- Target Builders --

// anchorSelector addresses a container by id fragment. The target generates
// ids like ctl00_Main_article_lookup_grid_8271, so only the stable fragment
// is matched.
func anchorSelector(anchor string) string {
	return fmt.Sprintf("[id*=%q]", anchor)
}

// fieldTarget finds a form control by the stable fragment of its name
// attribute, with the id as fallback.
func fieldTarget(name, anchor string) resolve.Target {
	return resolve.Target{
		Name: name,
		Strategies: []resolve.Strategy{
			resolve.ByAttr("input, select, textarea", "name", anchor),
			resolve.ByAttr("input, select, textarea", "id", anchor),
		},
	}
}

// buttonTarget finds a clickable control by visible text, falling back to
// input[value] for the old-style submit inputs the target still uses.
func buttonTarget(name, text string) resolve.Target {
	return resolve.Target{
		Name: name,
		Strategies: []resolve.Strategy{
			resolve.ByText("button, a", text),
			resolve.ByAttr("input", "value", text),
		},
	}
}

// rowTarget matches a data row inside a lookup grid: exact cell text first,
// then a contains match, then the only-candidate rule for a filter that
// narrowed the grid to a single row.
func rowTarget(name, gridAnchor, want string) resolve.Target {
	grid := anchorSelector(gridAnchor)
	rows := grid + " tr"
	return resolve.Target{
		Name: name,
		Strategies: []resolve.Strategy{
			resolve.ByRowPattern(rows, resolve.CellMatch{Index: -1, Equals: want}),
			resolve.ByRowPattern(rows, resolve.CellMatch{Index: -1, Pattern: "*" + want + "*"}),
			onlyDataRow{grid: grid},
		},
	}
}

// onlyDataRow is the "only one candidate remains" rule: when a filtered grid
// holds exactly one data row, that row is the answer regardless of its text.
type onlyDataRow struct {
	grid string
}

func (s onlyDataRow) Name() string {
	return fmt.Sprintf("only-candidate(%s)", s.grid)
}

func (s onlyDataRow) Locate(doc *goquery.Document) (*goquery.Selection, error) {
	rows := dataRows(doc, s.grid)
	if rows.Length() == 1 {
		return rows.First(), nil
	}
	return nil, nil
}

// dataRows returns the td-bearing rows of a grid, skipping header and pager
// rows.
func dataRows(doc *goquery.Document, gridSel string) *goquery.Selection {
	return doc.Find(gridSel).First().Find("tr").FilterFunction(func(_ int, tr *goquery.Selection) bool {
		return tr.Find("td").Length() > 0
	})
}

// -- Shared Interactions --

// clickTarget resolves and clicks, then waits for the page to settle.
func (d *Driver) clickTarget(ctx context.Context, page schemas.PageSession, target resolve.Target) error {
	rctx, cancel := d.resolveCtx(ctx)
	handle, err := d.res.Resolve(rctx, page, target)
	cancel()
	if err != nil {
		return err
	}
	if err := page.Click(ctx, handle.Selector); err != nil {
		return fmt.Errorf("clicking %s: %w", target.Name, err)
	}
	return page.WaitIdle(ctx, d.quiet())
}

// typeInto resolves a field and types into it. The idle wait is the caller's
// call; filtered inputs need it, plain fields do not.
func (d *Driver) typeInto(ctx context.Context, page schemas.PageSession, target resolve.Target, text string) error {
	rctx, cancel := d.resolveCtx(ctx)
	handle, err := d.res.Resolve(rctx, page, target)
	cancel()
	if err != nil {
		return err
	}
	if err := page.Type(ctx, handle.Selector, text); err != nil {
		return fmt.Errorf("typing into %s: %w", target.Name, err)
	}
	return nil
}

// countDataRows parses the current page and counts a grid's data rows.
func (d *Driver) countDataRows(ctx context.Context, page schemas.PageSession, gridSel string) (int, error) {
	snapshot, err := page.Snapshot(ctx)
	if err != nil {
		return 0, err
	}
	doc, err := resolve.Document(snapshot)
	if err != nil {
		return 0, err
	}
	return dataRows(doc, gridSel).Length(), nil
}

// pageText extracts the page's visible text for marker and record-id scans.
func pageText(doc *goquery.Document) string {
	return resolve.NormalizeText(doc.Find("body").Text())
}
