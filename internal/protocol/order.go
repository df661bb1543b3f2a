package protocol

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/H4tholdir/archibaldblackant-sub014/api/schemas"
	"github.com/H4tholdir/archibaldblackant-sub014/internal/browser/resolve"
)

// Progress weights per step kind. Percent complete is the executed share of
// the planned total.
const (
	weightNavigate   = 5
	weightOpenForm   = 5
	weightCustomer   = 15
	weightField      = 5
	weightLineFind   = 10
	weightLineCommit = 10
	weightSave       = 10
	weightExtract    = 5
)

// maxLookupPages caps pagination walks. The pager on the target never
// disables its next control, so an unmatched filter would flip forever.
const maxLookupPages = 25

// CreateOrder drives the order form end to end: pick the customer, commit
// every line against the paginated article lookup, apply discounts, save, and
// read back the record identifier the target assigned. It only reports
// success after that identifier was positively observed.
//
// Any step failure aborts the run as a ProtocolAbortedError;
// ExternalStateUncertain is set once at least one line was committed, because
// the target may then hold a partial order.
func (d *Driver) CreateOrder(ctx context.Context, runner *Runner, page schemas.PageSession, order *schemas.OrderPayload) (string, error) {
	if err := validateOrder(order); err != nil {
		return "", err
	}

	orders := d.profile.Orders
	lines := orders.Lines
	runner.SetTotalWeight(planOrderWeight(order, orders))

	linesCommitted := 0
	formOpened := false
	paginated := false

	fail := func(step string, err error) (string, error) {
		if formOpened {
			d.discardOpenForm(page)
		}
		return "", &schemas.ProtocolAbortedError{
			Protocol:               "create-order",
			Step:                   step,
			ExternalStateUncertain: linesCommitted > 0,
			Err:                    err,
		}
	}

	navigate := Step{
		Name:   "open-order-list",
		Label:  "Opening order list",
		Weight: weightNavigate,
		Do: func(ctx context.Context) error {
			if err := page.Navigate(ctx, d.url(orders.ListPath)); err != nil {
				return err
			}
			return page.WaitIdle(ctx, d.quiet())
		},
	}
	if err := runner.Execute(ctx, navigate); err != nil {
		return fail(navigate.Name, err)
	}

	openForm := Step{
		Name:     "open-new-order",
		Label:    "Opening new order form",
		Weight:   weightOpenForm,
		Attempts: 2,
		Do: func(ctx context.Context) error {
			return d.clickTarget(ctx, page, buttonTarget("new order button", orders.NewButtonText))
		},
	}
	if err := runner.Execute(ctx, openForm); err != nil {
		return fail(openForm.Name, err)
	}
	formOpened = true

	selectCustomer := Step{
		Name:     "select-customer",
		Label:    "Selecting customer",
		Weight:   weightCustomer,
		Attempts: 2,
		Do: func(ctx context.Context) error {
			return d.pickCustomer(ctx, page, order)
		},
	}
	if err := runner.Execute(ctx, selectCustomer); err != nil {
		return fail(selectCustomer.Name, err)
	}

	if order.Reference != "" && orders.ReferenceField != "" {
		reference := Step{
			Name:     "set-reference",
			Label:    "Setting order reference",
			Weight:   weightField,
			Attempts: 2,
			Do: func(ctx context.Context) error {
				if err := d.typeInto(ctx, page, fieldTarget("order reference", orders.ReferenceField), order.Reference); err != nil {
					return err
				}
				return page.WaitIdle(ctx, d.quiet())
			},
		}
		if err := runner.Execute(ctx, reference); err != nil {
			return fail(reference.Name, err)
		}
	}

	for i := range order.Lines {
		line := order.Lines[i]
		idx := i + 1

		find := Step{
			Name:     fmt.Sprintf("line-%d-locate", idx),
			Label:    fmt.Sprintf("Locating article %s (%d/%d)", line.ArticleCode, idx, len(order.Lines)),
			Weight:   weightLineFind,
			Attempts: 2,
			Do: func(ctx context.Context) error {
				if err := d.typeInto(ctx, page, fieldTarget("article filter", lines.SearchField), line.ArticleCode); err != nil {
					return err
				}
				if err := page.WaitIdle(ctx, d.quiet()); err != nil {
					return err
				}
				handle, flips, firstRows, err := d.findArticleRow(ctx, page, line)
				if err != nil {
					return err
				}
				if flips > 0 || firstRows >= lines.PageSize {
					paginated = true
				}
				if err := page.Click(ctx, handle.Selector); err != nil {
					return err
				}
				return page.WaitIdle(ctx, d.quiet())
			},
		}
		if err := runner.Execute(ctx, find); err != nil {
			return fail(find.Name, err)
		}

		// One attempt only: re-running a commit after an ambiguous failure
		// could add the line twice.
		commit := Step{
			Name:   fmt.Sprintf("line-%d-commit", idx),
			Label:  fmt.Sprintf("Adding article %s (%d/%d)", line.ArticleCode, idx, len(order.Lines)),
			Weight: weightLineCommit,
			Do: func(ctx context.Context) error {
				if err := d.typeInto(ctx, page, fieldTarget("line quantity", lines.QuantityField), strconv.Itoa(line.Quantity)); err != nil {
					return err
				}
				if line.DiscountPct > 0 && lines.DiscountField != "" {
					if err := d.typeInto(ctx, page, fieldTarget("line discount", lines.DiscountField), formatPct(line.DiscountPct)); err != nil {
						return err
					}
				}
				return d.clickTarget(ctx, page, buttonTarget("commit line", lines.CommitText))
			},
		}
		if err := runner.Execute(ctx, commit); err != nil {
			return fail(commit.Name, err)
		}
		linesCommitted++

		// Once the grid has paginated, committed lines land on the active
		// page and the next filter would pick up mid-walk. Clearing the
		// filter resets the grid to its first page.
		if paginated && idx < len(order.Lines) {
			reset := Step{
				Name: fmt.Sprintf("line-%d-reset-grid", idx),
				Do: func(ctx context.Context) error {
					if err := d.typeInto(ctx, page, fieldTarget("article filter", lines.SearchField), ""); err != nil {
						return err
					}
					return page.WaitIdle(ctx, d.quiet())
				},
			}
			if err := runner.Execute(ctx, reset); err != nil {
				return fail(reset.Name, err)
			}
		}
	}

	if order.DiscountPct > 0 && orders.DiscountField != "" {
		discount := Step{
			Name:     "apply-order-discount",
			Label:    "Applying order discount",
			Weight:   weightField,
			Attempts: 2,
			Do: func(ctx context.Context) error {
				if err := d.typeInto(ctx, page, fieldTarget("order discount", orders.DiscountField), formatPct(order.DiscountPct)); err != nil {
					return err
				}
				return page.WaitIdle(ctx, d.quiet())
			},
		}
		if err := runner.Execute(ctx, discount); err != nil {
			return fail(discount.Name, err)
		}
	}

	// One attempt: a second save click on a half-saved form double-submits.
	save := Step{
		Name:   "save-order",
		Label:  "Saving order",
		Weight: weightSave,
		Do: func(ctx context.Context) error {
			return d.clickTarget(ctx, page, buttonTarget("save and close", orders.SaveCloseText))
		},
	}
	if err := runner.Execute(ctx, save); err != nil {
		return fail(save.Name, err)
	}
	// The form is gone after save; a later failure must not try to discard.
	formOpened = false

	var recordID string
	extract := Step{
		Name:     "extract-record-id",
		Label:    "Confirming saved order",
		Weight:   weightExtract,
		Attempts: 3,
		Do: func(ctx context.Context) error {
			snapshot, err := page.Snapshot(ctx)
			if err != nil {
				return err
			}
			doc, err := resolve.Document(snapshot)
			if err != nil {
				return err
			}
			m := d.recordIDRe.FindStringSubmatch(pageText(doc))
			if len(m) < 2 || m[1] == "" {
				return &schemas.ElementNotFoundError{
					Target:     "saved order identifier",
					Strategies: []string{fmt.Sprintf("pattern(%s)", d.recordIDRe.String())},
					DOMSummary: resolve.Summarize(doc),
				}
			}
			recordID = m[1]
			return nil
		},
	}
	if err := runner.Execute(ctx, extract); err != nil {
		return fail(extract.Name, err)
	}

	d.logger.Info("Order created",
		zap.String("record_id", recordID),
		zap.Int("lines", linesCommitted))
	return recordID, nil
}

// pickCustomer types the lookup query and selects the row that matches the
// expected customer: exact cell text, then contains, then the only remaining
// candidate.
func (d *Driver) pickCustomer(ctx context.Context, page schemas.PageSession, order *schemas.OrderPayload) error {
	customer := d.profile.Orders.Customer

	if err := d.typeInto(ctx, page, fieldTarget("customer filter", customer.SearchField), order.CustomerQuery); err != nil {
		return err
	}
	if err := page.WaitIdle(ctx, d.quiet()); err != nil {
		return err
	}

	want := order.ExpectedCustomer()
	rctx, cancel := d.resolveCtx(ctx)
	handle, err := d.res.Resolve(rctx, page, rowTarget(fmt.Sprintf("customer row %q", want), customer.Grid, want))
	cancel()
	if err != nil {
		return err
	}
	if err := page.Click(ctx, handle.Selector); err != nil {
		return err
	}
	if err := page.WaitIdle(ctx, d.quiet()); err != nil {
		return err
	}

	if customer.ConfirmText != "" {
		return d.clickTarget(ctx, page, buttonTarget("customer confirm", customer.ConfirmText))
	}
	return nil
}

// findArticleRow scans the filtered article grid for the line's article,
// flipping pages when needed. The exact code match wins; the glob pattern
// covers package variants. It reports how many pages were flipped and the
// first page's row count so the caller can track pagination state.
func (d *Driver) findArticleRow(ctx context.Context, page schemas.PageSession, line schemas.OrderLine) (*resolve.Handle, int, int, error) {
	lines := d.profile.Orders.Lines
	grid := anchorSelector(lines.Grid)
	rows := grid + " tr"

	strategies := []resolve.Strategy{
		resolve.ByRowPattern(rows, resolve.CellMatch{Index: -1, Equals: line.ArticleCode}),
	}
	if line.Pattern != "" {
		strategies = append(strategies, resolve.ByRowPattern(rows, resolve.CellMatch{Index: -1, Pattern: line.Pattern}))
	}
	target := resolve.Target{
		Name:       fmt.Sprintf("article row %s", line.ArticleCode),
		Strategies: strategies,
	}
	next := buttonTarget("article grid next page", lines.NextPageText)

	firstRows := 0
	for flips := 0; ; flips++ {
		if flips == 0 {
			rows, err := d.countDataRows(ctx, page, grid)
			if err != nil {
				return nil, flips, 0, err
			}
			firstRows = rows
		}

		handle, err := d.res.ResolveNow(ctx, page, target)
		if err == nil {
			return handle, flips, firstRows, nil
		}
		var notFound *schemas.ElementNotFoundError
		if !errors.As(err, &notFound) {
			return nil, flips, firstRows, err
		}
		if flips >= maxLookupPages {
			return nil, flips, firstRows, err
		}

		nextHandle, nerr := d.res.ResolveNow(ctx, page, next)
		if nerr != nil {
			// Last page: surface the article miss, not the pager miss.
			return nil, flips, firstRows, err
		}
		if cerr := page.Click(ctx, nextHandle.Selector); cerr != nil {
			return nil, flips, firstRows, cerr
		}
		if werr := page.WaitIdle(ctx, d.quiet()); werr != nil {
			return nil, flips, firstRows, werr
		}
	}
}

// discardOpenForm abandons an in-progress order form so the screen is clean
// for whoever drives the session next. Best-effort on a fresh deadline: the
// job's own context is usually already dead when an abort lands here.
func (d *Driver) discardOpenForm(page schemas.PageSession) {
	if d.profile.Orders.DiscardText == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := d.clickTarget(ctx, page, buttonTarget("discard order form", d.profile.Orders.DiscardText)); err != nil {
		d.logger.Debug("Discarding open order form failed", zap.Error(err))
		return
	}
	d.logger.Info("Discarded open order form after abort")
}

func validateOrder(order *schemas.OrderPayload) error {
	if order == nil {
		return fmt.Errorf("order payload is required for a write job")
	}
	if order.CustomerQuery == "" {
		return fmt.Errorf("order payload needs a customer query")
	}
	if len(order.Lines) == 0 {
		return fmt.Errorf("order payload needs at least one line")
	}
	for i, line := range order.Lines {
		if line.ArticleCode == "" {
			return fmt.Errorf("line %d: article code is required", i+1)
		}
		if line.Quantity <= 0 {
			return fmt.Errorf("line %d: quantity must be positive, got %d", i+1, line.Quantity)
		}
		if line.DiscountPct < 0 || line.DiscountPct > 100 {
			return fmt.Errorf("line %d: discount must be within [0,100], got %v", i+1, line.DiscountPct)
		}
	}
	if order.DiscountPct < 0 || order.DiscountPct > 100 {
		return fmt.Errorf("order discount must be within [0,100], got %v", order.DiscountPct)
	}
	return nil
}

// planOrderWeight sums the weights of every step the run will execute.
func planOrderWeight(order *schemas.OrderPayload, orders OrderProfile) int {
	total := weightNavigate + weightOpenForm + weightCustomer + weightSave + weightExtract
	if order.Reference != "" && orders.ReferenceField != "" {
		total += weightField
	}
	if order.DiscountPct > 0 && orders.DiscountField != "" {
		total += weightField
	}
	total += len(order.Lines) * (weightLineFind + weightLineCommit)
	return total
}

// formatPct renders a discount for a percent input, trimming trailing zeros
// the way an operator would type it.
func formatPct(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
