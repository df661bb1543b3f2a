package protocol

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/H4tholdir/archibaldblackant-sub014/internal/mocks"
)

const catalogPageOneHTML = `<html><head><title>Articles</title></head><body>
<table id="ctl00_Main_article-list_grid_7730">
  <tr><th>Code</th><th>Description</th><th>Unit</th><th>Price</th></tr>
  <tr><td>ART-001</td><td>Widget, boxed</td><td>BOX-12</td><td>19.90</td></tr>
  <tr><td>ART-002</td><td>Bracket</td><td>BOX-50</td><td>4.25</td></tr>
  <tr><td></td><td>placeholder row</td><td></td><td></td></tr>
  <tr><td>ART-003</td><td>Hinge set</td><td>SET-2</td><td>7.80</td></tr>
</table>
<a id="cat-next">Next</a>
</body></html>`

const catalogPageTwoHTML = `<html><head><title>Articles</title></head><body>
<table id="ctl00_Main_article-list_grid_7730">
  <tr><th>Code</th><th>Description</th><th>Unit</th><th>Price</th></tr>
  <tr><td>ART-004</td><td>Rail 2m</td><td>PCS</td><td>12.00</td></tr>
  <tr><td>ART-005</td><td>End cap</td><td>BAG-100</td><td>9.10</td></tr>
</table>
</body></html>`

func newCatalogPage() *mocks.FakePage {
	page := mocks.NewFakePage("sess-cat", "<html><body>blank</body></html>")
	page.AddDoc(testBaseURL+"/Articles/Default.aspx", catalogPageOneHTML)
	page.OnClick(`[id="cat-next"]`, func(p *mocks.FakePage) error {
		p.SetHTML(catalogPageTwoHTML)
		return nil
	})
	return page
}

func TestSnapshotCatalogWalksEveryPage(t *testing.T) {
	driver := newTestDriver(t)
	page := newCatalogPage()

	entries, err := driver.SnapshotCatalog(context.Background(), page, nil)
	require.NoError(t, err)

	codes := make([]string, len(entries))
	for i, e := range entries {
		codes[i] = e.Code
	}
	// The code-less placeholder row is dropped.
	assert.Equal(t, []string{"ART-001", "ART-002", "ART-003", "ART-004", "ART-005"}, codes)

	assert.Equal(t, CatalogEntry{
		Code:        "ART-001",
		Description: "Widget, boxed",
		Unit:        "BOX-12",
		Price:       "19.90",
	}, entries[0])

	assert.Equal(t, 1, countOf(page.Clicked(), `[id="cat-next"]`))
}

func TestSnapshotCatalogRunsCheckpointBeforeEachPage(t *testing.T) {
	driver := newTestDriver(t)
	page := newCatalogPage()

	calls := 0
	checkpoint := func(context.Context) error {
		calls++
		return nil
	}

	_, err := driver.SnapshotCatalog(context.Background(), page, checkpoint)
	require.NoError(t, err)

	// Once before navigation, once per scraped page.
	assert.Equal(t, 3, calls)
}

func TestSnapshotCatalogStopsAtCheckpoint(t *testing.T) {
	driver := newTestDriver(t)
	page := newCatalogPage()

	paused := errors.New("span cancelled while parked")
	calls := 0
	checkpoint := func(context.Context) error {
		calls++
		if calls >= 2 {
			return paused
		}
		return nil
	}

	entries, err := driver.SnapshotCatalog(context.Background(), page, checkpoint)
	require.ErrorIs(t, err, paused)
	assert.Nil(t, entries)
	// Died before the first page was even scraped; the pager was never used.
	assert.Zero(t, countOf(page.Clicked(), `[id="cat-next"]`))
}

func TestSnapshotCatalogSinglePage(t *testing.T) {
	driver := newTestDriver(t)
	page := mocks.NewFakePage("sess-cat", "<html><body>blank</body></html>")
	page.AddDoc(testBaseURL+"/Articles/Default.aspx", catalogPageTwoHTML)

	entries, err := driver.SnapshotCatalog(context.Background(), page, nil)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.Empty(t, page.Clicked())
}
