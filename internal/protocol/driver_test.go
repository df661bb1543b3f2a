package protocol

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/H4tholdir/archibaldblackant-sub014/internal/browser/resolve"
	"github.com/H4tholdir/archibaldblackant-sub014/internal/mocks"
)

const testBaseURL = "https://erp.example.test"

func newTestDriver(t *testing.T) *Driver {
	t.Helper()
	res := resolve.New(zap.NewNop(), 20*time.Millisecond)
	d, err := NewDriver(zap.NewNop(), res, DefaultProfile(), testBaseURL, time.Second)
	require.NoError(t, err)
	d.probeTimeout = 250 * time.Millisecond
	return d
}

func TestNewDriverRejectsPatternWithoutCaptureGroup(t *testing.T) {
	profile := DefaultProfile()
	profile.Orders.RecordIDPattern = `ORD-\d+`

	res := resolve.New(zap.NewNop(), 20*time.Millisecond)
	_, err := NewDriver(zap.NewNop(), res, profile, testBaseURL, time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "capture group")
}

func TestDriverURLJoinsAgainstBase(t *testing.T) {
	res := resolve.New(zap.NewNop(), 20*time.Millisecond)
	d, err := NewDriver(zap.NewNop(), res, DefaultProfile(), testBaseURL+"/", time.Second)
	require.NoError(t, err)

	// The trailing slash on the base is trimmed; a missing leading slash on
	// the path is added.
	assert.Equal(t, testBaseURL+"/Orders/Default.aspx", d.url("/Orders/Default.aspx"))
	assert.Equal(t, testBaseURL+"/Orders/Default.aspx", d.url("Orders/Default.aspx"))
}

func TestOnlyDataRowNeedsExactlyOneCandidate(t *testing.T) {
	grid := anchorSelector("article-lookup_grid")
	rule := onlyDataRow{grid: grid}

	doc, err := resolve.Document(orderFormHTML("", artRows002, ""))
	require.NoError(t, err)
	sel, err := rule.Locate(doc)
	require.NoError(t, err)
	require.NotNil(t, sel)
	assert.Equal(t, "art-row-2", sel.AttrOr("id", ""))

	// Two rows is ambiguous, zero rows is nothing: neither resolves.
	doc, err = resolve.Document(orderFormHTML("", artRows001, ""))
	require.NoError(t, err)
	sel, err = rule.Locate(doc)
	require.NoError(t, err)
	assert.Nil(t, sel)

	doc, err = resolve.Document(orderFormHTML("", "", ""))
	require.NoError(t, err)
	sel, err = rule.Locate(doc)
	require.NoError(t, err)
	assert.Nil(t, sel)
}

func TestDataRowsSkipsHeaderRows(t *testing.T) {
	doc, err := resolve.Document(orderFormHTML(acmeCustomerRows, artRows001, pagerNext))
	require.NoError(t, err)

	// th-only header rows do not count; both article rows do.
	rows := dataRows(doc, anchorSelector("article-lookup_grid"))
	assert.Equal(t, 2, rows.Length())
	rows = dataRows(doc, anchorSelector("customer-lookup_grid"))
	assert.Equal(t, 2, rows.Length())
}

// -- Target Application Fixtures --
// The fixtures render the screens the way the target application does:
// ASP.NET-style name attributes, machine-suffixed ids, lookup grids with
// header rows. Ids on actionable elements let tests key click handlers to the
// selectors the resolver pins.

const ordersListHTML = `<html><head><title>Orders</title></head><body>
<div id="toolbar"><a id="btn-new-order">New order</a></div>
<table id="ctl00_Main_orders_grid_4417">
  <tr><th>Order</th><th>Customer</th></tr>
  <tr><td>ORD-10001</td><td>Muster AG</td></tr>
</table>
</body></html>`

const savedHTML = `<html><head><title>Orders</title></head><body>
<div id="confirmation">Order ORD-10231 saved</div>
</body></html>`

const acmeCustomerRows = `<tr id="cust-row-1"><td>ACME Industries</td><td>Berlin</td></tr>
<tr id="cust-row-2"><td>ACME Industries Sud</td><td>Munich</td></tr>`

const artRows001 = `<tr id="art-row-1"><td>ART-001</td><td>Widget, boxed</td><td>BOX-12</td></tr>
<tr id="art-row-x"><td>ART-010</td><td>Widget bulk</td><td>PAL-1</td></tr>`

const artRows002 = `<tr id="art-row-2"><td>ART-002</td><td>Bracket</td><td>BOX-50</td></tr>`

const pagerNext = `<a id="pager-next">Next</a>`

// orderFormHTML renders the order entry screen with the given lookup grid
// contents.
func orderFormHTML(customerRows, articleRows, pager string) string {
	return fmt.Sprintf(`<html><head><title>New Order</title></head><body>
<div id="order-form">
  <input type="text" name="ctl00$order$customer$filter" id="customer_filter"/>
  <table id="ctl00_Main_customer-lookup_grid_1102">
    <tr><th>Name</th><th>City</th></tr>
    %s
  </table>
  <a id="btn-customer-select">Select</a>
  <input type="text" name="ctl00$order$reference" id="reference_field"/>
  <input type="text" name="ctl00$order$lines$filter" id="article_filter"/>
  <table id="ctl00_Main_article-lookup_grid_2209">
    <tr><th>Code</th><th>Description</th><th>Package</th></tr>
    %s
  </table>
  %s
  <input type="text" name="ctl00$order$lines$quantity" id="qty_field"/>
  <input type="text" name="ctl00$order$lines$discount" id="line_discount_field"/>
  <a id="btn-add-line">Add line</a>
  <input type="text" name="ctl00$order$discount" id="order_discount_field"/>
  <a id="btn-save-close">Save &amp; Close</a>
  <a id="btn-cancel">Cancel</a>
</div>
</body></html>`, customerRows, articleRows, pager)
}

// articleRowsFor builds filler grid rows for pagination fixtures.
func articleRowsFor(prefix string, n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, `<tr id="%s-row-%d"><td>%s-%03d</td><td>Filler article</td><td>BOX-1</td></tr>`,
			prefix, i, strings.ToUpper(prefix), 100+i)
		b.WriteString("\n")
	}
	return b.String()
}

// newOrderERP scripts the happy-path order entry flow on a fake page.
func newOrderERP() *mocks.FakePage {
	page := mocks.NewFakePage("sess-1", "<html><body>blank</body></html>")
	page.AddDoc(testBaseURL+"/Orders/Default.aspx", ordersListHTML)

	page.OnClick(`[id="btn-new-order"]`, func(p *mocks.FakePage) error {
		p.SetHTML(orderFormHTML("", "", ""))
		return nil
	})
	page.OnType(`[id="customer_filter"]`, func(p *mocks.FakePage, text string) error {
		if text == "ACME" {
			p.SetHTML(orderFormHTML(acmeCustomerRows, "", ""))
		} else {
			p.SetHTML(orderFormHTML("", "", ""))
		}
		return nil
	})
	page.OnType(`[id="article_filter"]`, func(p *mocks.FakePage, text string) error {
		switch text {
		case "ART-001":
			p.SetHTML(orderFormHTML(acmeCustomerRows, artRows001, ""))
		case "ART-002":
			p.SetHTML(orderFormHTML(acmeCustomerRows, artRows002, ""))
		default:
			p.SetHTML(orderFormHTML(acmeCustomerRows, "", ""))
		}
		return nil
	})
	page.OnClick(`[id="btn-save-close"]`, func(p *mocks.FakePage) error {
		p.SetHTML(savedHTML)
		return nil
	})
	return page
}

// countOf returns how many times selector appears in the click log.
func countOf(clicks []string, selector string) int {
	n := 0
	for _, c := range clicks {
		if c == selector {
			n++
		}
	}
	return n
}
