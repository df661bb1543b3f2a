package protocol

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/H4tholdir/archibaldblackant-sub014/api/schemas"
	"github.com/H4tholdir/archibaldblackant-sub014/internal/mocks"
)

func TestCreateOrderTwoLines(t *testing.T) {
	driver := newTestDriver(t)
	page := newOrderERP()
	progress := &progressRecorder{}
	runner := NewRunner(zap.NewNop(), progress, "job-1", 5*time.Second, 1)

	order := &schemas.OrderPayload{
		CustomerQuery: "ACME",
		Customer:      "ACME Industries",
		Lines: []schemas.OrderLine{
			{ArticleCode: "ART-001", Quantity: 5},
			{ArticleCode: "ART-002", Quantity: 3, DiscountPct: 2.5},
		},
		DiscountPct: 5,
		Reference:   "PO-7788",
	}

	recordID, err := driver.CreateOrder(context.Background(), runner, page, order)
	require.NoError(t, err)
	assert.Equal(t, "ORD-10231", recordID)

	// Every field got the operator's values, in order.
	assert.Equal(t, []string{"5", "3"}, page.TypedInto(`[id="qty_field"]`))
	assert.Equal(t, []string{"2.5"}, page.TypedInto(`[id="line_discount_field"]`))
	assert.Equal(t, []string{"5"}, page.TypedInto(`[id="order_discount_field"]`))
	assert.Equal(t, []string{"PO-7788"}, page.TypedInto(`[id="reference_field"]`))

	clicks := page.Clicked()
	assert.Contains(t, clicks, `[id="cust-row-1"]`)
	assert.Contains(t, clicks, `[id="art-row-1"]`)
	assert.Contains(t, clicks, `[id="art-row-2"]`)
	assert.Equal(t, 2, countOf(clicks, `[id="btn-add-line"]`))
	assert.Equal(t, 1, countOf(clicks, `[id="btn-save-close"]`))
	assert.Zero(t, countOf(clicks, `[id="btn-cancel"]`))

	var names []string
	for _, r := range runner.Results() {
		assert.NotEqual(t, schemas.StepFailed, r.Outcome)
		names = append(names, r.Name)
	}
	assert.Equal(t, []string{
		"open-order-list",
		"open-new-order",
		"select-customer",
		"set-reference",
		"line-1-locate",
		"line-1-commit",
		"line-2-locate",
		"line-2-commit",
		"apply-order-discount",
		"save-order",
		"extract-record-id",
	}, names)

	events := progress.all()
	require.NotEmpty(t, events)
	assert.Equal(t, 100, events[len(events)-1].PercentComplete)
	last := 0
	for _, ev := range events {
		assert.GreaterOrEqual(t, ev.PercentComplete, last)
		assert.Equal(t, "job-1", ev.JobID)
		last = ev.PercentComplete
	}
}

func TestCreateOrderPrefersExactCustomerOverContains(t *testing.T) {
	driver := newTestDriver(t)
	page := newOrderERP()
	runner := NewRunner(zap.NewNop(), nil, "job-1", 5*time.Second, 1)

	// Both "ACME Industries" and "ACME Industries Sud" contain the expected
	// name; the exact row must win.
	order := &schemas.OrderPayload{
		CustomerQuery: "ACME",
		Customer:      "ACME Industries",
		Lines:         []schemas.OrderLine{{ArticleCode: "ART-001", Quantity: 1}},
	}

	_, err := driver.CreateOrder(context.Background(), runner, page, order)
	require.NoError(t, err)

	clicks := page.Clicked()
	assert.Contains(t, clicks, `[id="cust-row-1"]`)
	assert.NotContains(t, clicks, `[id="cust-row-2"]`)
}

func TestCreateOrderFallsBackToContainsMatch(t *testing.T) {
	driver := newTestDriver(t)
	page := newOrderERP()
	runner := NewRunner(zap.NewNop(), nil, "job-1", 5*time.Second, 1)

	// No cell equals "Industries Sud"; the contains rule resolves row 2.
	order := &schemas.OrderPayload{
		CustomerQuery: "ACME",
		Customer:      "Industries Sud",
		Lines:         []schemas.OrderLine{{ArticleCode: "ART-001", Quantity: 1}},
	}

	_, err := driver.CreateOrder(context.Background(), runner, page, order)
	require.NoError(t, err)
	assert.Contains(t, page.Clicked(), `[id="cust-row-2"]`)
}

func TestCreateOrderAcceptsOnlyRemainingCandidate(t *testing.T) {
	driver := newTestDriver(t)
	page := newOrderERP()
	runner := NewRunner(zap.NewNop(), nil, "job-1", 5*time.Second, 1)

	// The filter narrowed the grid to one row whose name shares nothing with
	// the query; the only-candidate rule selects it anyway.
	page.OnType(`[id="customer_filter"]`, func(p *mocks.FakePage, text string) error {
		p.SetHTML(orderFormHTML(`<tr id="cust-row-9"><td>Grosshandel Nord GmbH</td><td>Kiel</td></tr>`, "", ""))
		return nil
	})

	order := &schemas.OrderPayload{
		CustomerQuery: "GHN",
		Lines:         []schemas.OrderLine{{ArticleCode: "ART-001", Quantity: 1}},
	}

	_, err := driver.CreateOrder(context.Background(), runner, page, order)
	require.NoError(t, err)
	assert.Contains(t, page.Clicked(), `[id="cust-row-9"]`)
}

func TestCreateOrderWalksPaginatedLookup(t *testing.T) {
	driver := newTestDriver(t)
	page := newOrderERP()
	runner := NewRunner(zap.NewNop(), nil, "job-1", 5*time.Second, 1)

	// ART-999 is absent from the full first page; the driver must flip to
	// page two, and, having seen pagination, reset the filter before the
	// next line.
	pageOneRows := articleRowsFor("flr", 10)
	pageTwoRows := `<tr id="art-row-deep"><td>ART-999</td><td>Rare part</td><td>BOX-6</td></tr>`
	page.OnType(`[id="article_filter"]`, func(p *mocks.FakePage, text string) error {
		switch text {
		case "ART-999":
			p.SetHTML(orderFormHTML(acmeCustomerRows, pageOneRows, pagerNext))
		case "ART-001":
			p.SetHTML(orderFormHTML(acmeCustomerRows, artRows001, ""))
		default:
			p.SetHTML(orderFormHTML(acmeCustomerRows, "", ""))
		}
		return nil
	})
	page.OnClick(`[id="pager-next"]`, func(p *mocks.FakePage) error {
		p.SetHTML(orderFormHTML(acmeCustomerRows, pageTwoRows, pagerNext))
		return nil
	})

	order := &schemas.OrderPayload{
		CustomerQuery: "ACME",
		Customer:      "ACME Industries",
		Lines: []schemas.OrderLine{
			{ArticleCode: "ART-999", Quantity: 1},
			{ArticleCode: "ART-001", Quantity: 2},
		},
	}

	recordID, err := driver.CreateOrder(context.Background(), runner, page, order)
	require.NoError(t, err)
	assert.Equal(t, "ORD-10231", recordID)

	clicks := page.Clicked()
	assert.Equal(t, 1, countOf(clicks, `[id="pager-next"]`))
	assert.Contains(t, clicks, `[id="art-row-deep"]`)

	// The grid filter was cleared between the lines.
	assert.Equal(t, []string{"ART-999", "", "ART-001"}, page.TypedInto(`[id="article_filter"]`))

	var names []string
	for _, r := range runner.Results() {
		names = append(names, r.Name)
	}
	assert.Contains(t, names, "line-1-reset-grid")
}

func TestCreateOrderMatchesPackageVariantByPattern(t *testing.T) {
	driver := newTestDriver(t)
	page := newOrderERP()
	runner := NewRunner(zap.NewNop(), nil, "job-1", 5*time.Second, 1)

	variants := `<tr id="art-row-7"><td>ART-500-B</td><td>Fastener</td><td>BOX-144</td></tr>
<tr id="art-row-8"><td>ART-501-B</td><td>Fastener large</td><td>PAL-2</td></tr>`
	page.OnType(`[id="article_filter"]`, func(p *mocks.FakePage, text string) error {
		p.SetHTML(orderFormHTML(acmeCustomerRows, variants, ""))
		return nil
	})

	order := &schemas.OrderPayload{
		CustomerQuery: "ACME",
		Customer:      "ACME Industries",
		Lines: []schemas.OrderLine{
			{ArticleCode: "ART-500", Pattern: "BOX-*", Quantity: 4},
		},
	}

	_, err := driver.CreateOrder(context.Background(), runner, page, order)
	require.NoError(t, err)

	// No exact code; the glob over the package cell picked the row.
	assert.Contains(t, page.Clicked(), `[id="art-row-7"]`)
	assert.NotContains(t, page.Clicked(), `[id="art-row-8"]`)
}

func TestCreateOrderAbortsWhenArticleNeverMatches(t *testing.T) {
	driver := newTestDriver(t)
	page := newOrderERP()
	runner := NewRunner(zap.NewNop(), nil, "job-1", 5*time.Second, 1)

	order := &schemas.OrderPayload{
		CustomerQuery: "ACME",
		Customer:      "ACME Industries",
		Lines:         []schemas.OrderLine{{ArticleCode: "ART-404", Quantity: 1}},
	}

	_, err := driver.CreateOrder(context.Background(), runner, page, order)
	require.Error(t, err)

	var aborted *schemas.ProtocolAbortedError
	require.ErrorAs(t, err, &aborted)
	assert.Equal(t, "create-order", aborted.Protocol)
	assert.Equal(t, "line-1-locate", aborted.Step)
	assert.False(t, aborted.ExternalStateUncertain)

	var notFound *schemas.ElementNotFoundError
	assert.ErrorAs(t, err, &notFound)

	// The half-filled form was abandoned.
	assert.Contains(t, page.Clicked(), `[id="btn-cancel"]`)
	assert.Zero(t, countOf(page.Clicked(), `[id="btn-save-close"]`))

	results := runner.Results()
	last := results[len(results)-1]
	assert.Equal(t, schemas.StepFailed, last.Outcome)
	assert.Equal(t, "line-1-locate", last.Name)
}

func TestCreateOrderMarksUncertaintyAfterCommittedLines(t *testing.T) {
	driver := newTestDriver(t)
	page := newOrderERP()
	runner := NewRunner(zap.NewNop(), nil, "job-1", 5*time.Second, 1)

	order := &schemas.OrderPayload{
		CustomerQuery: "ACME",
		Customer:      "ACME Industries",
		Lines: []schemas.OrderLine{
			{ArticleCode: "ART-001", Quantity: 1},
			{ArticleCode: "ART-404", Quantity: 1},
		},
	}

	_, err := driver.CreateOrder(context.Background(), runner, page, order)
	require.Error(t, err)

	var aborted *schemas.ProtocolAbortedError
	require.ErrorAs(t, err, &aborted)
	assert.Equal(t, "line-2-locate", aborted.Step)
	// One line reached the target before the abort.
	assert.True(t, aborted.ExternalStateUncertain)
}

func TestCreateOrderValidatesPayloadBeforeTouchingBrowser(t *testing.T) {
	driver := newTestDriver(t)
	page := newOrderERP()
	runner := NewRunner(zap.NewNop(), nil, "job-1", 5*time.Second, 1)

	cases := []struct {
		name  string
		order *schemas.OrderPayload
	}{
		{"nil payload", nil},
		{"no customer", &schemas.OrderPayload{Lines: []schemas.OrderLine{{ArticleCode: "A", Quantity: 1}}}},
		{"no lines", &schemas.OrderPayload{CustomerQuery: "ACME"}},
		{"zero quantity", &schemas.OrderPayload{
			CustomerQuery: "ACME",
			Lines:         []schemas.OrderLine{{ArticleCode: "A", Quantity: 0}},
		}},
		{"discount out of range", &schemas.OrderPayload{
			CustomerQuery: "ACME",
			Lines:         []schemas.OrderLine{{ArticleCode: "A", Quantity: 1}},
			DiscountPct:   120,
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := driver.CreateOrder(context.Background(), runner, page, tc.order)
			require.Error(t, err)

			// Validation failures are plain errors, not aborts: the browser
			// was never touched.
			var aborted *schemas.ProtocolAbortedError
			assert.False(t, errors.As(err, &aborted))
		})
	}
	assert.Empty(t, page.Clicked())
}
