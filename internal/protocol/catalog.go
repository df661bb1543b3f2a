package protocol

import (
	"context"
	"errors"
	"fmt"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/H4tholdir/archibaldblackant-sub014/api/schemas"
	"github.com/H4tholdir/archibaldblackant-sub014/internal/browser/resolve"
)

// CatalogEntry is one scraped row of the target's article list.
type CatalogEntry struct {
	Code        string `json:"code"`
	Description string `json:"description"`
	Unit        string `json:"unit,omitempty"`
	Price       string `json:"price,omitempty"`
}

// SnapshotCatalog walks the read-only article list page by page and scrapes
// every row. It calls checkpoint before each page interaction; that is where
// a background sync run parks while a write job holds the browser, and where
// it dies when its span is cancelled.
func (d *Driver) SnapshotCatalog(ctx context.Context, page schemas.PageSession, checkpoint func(context.Context) error) ([]CatalogEntry, error) {
	if checkpoint == nil {
		checkpoint = func(context.Context) error { return nil }
	}
	catalog := d.profile.Catalog
	grid := anchorSelector(catalog.Grid)
	next := buttonTarget("catalog next page", catalog.NextPageText)

	if err := checkpoint(ctx); err != nil {
		return nil, err
	}
	if err := page.Navigate(ctx, d.url(catalog.Path)); err != nil {
		return nil, fmt.Errorf("opening article list: %w", err)
	}
	if err := page.WaitIdle(ctx, d.quiet()); err != nil {
		return nil, err
	}

	var entries []CatalogEntry
	for pageNo := 1; ; pageNo++ {
		if err := checkpoint(ctx); err != nil {
			return nil, err
		}

		snapshot, err := page.Snapshot(ctx)
		if err != nil {
			return nil, fmt.Errorf("snapshotting article list page %d: %w", pageNo, err)
		}
		doc, err := resolve.Document(snapshot)
		if err != nil {
			return nil, err
		}
		pageEntries := scrapeCatalogRows(doc, grid)
		entries = append(entries, pageEntries...)
		d.logger.Debug("Scraped article list page",
			zap.Int("page", pageNo),
			zap.Int("rows", len(pageEntries)))

		if pageNo >= maxLookupPages {
			break
		}
		nextHandle, err := d.res.ResolveNow(ctx, page, next)
		if err != nil {
			var notFound *schemas.ElementNotFoundError
			if errors.As(err, &notFound) {
				break
			}
			return nil, err
		}
		if err := page.Click(ctx, nextHandle.Selector); err != nil {
			return nil, err
		}
		if err := page.WaitIdle(ctx, d.quiet()); err != nil {
			return nil, err
		}
	}

	d.logger.Info("Catalog snapshot complete", zap.Int("entries", len(entries)))
	return entries, nil
}

// scrapeCatalogRows maps the grid's data rows onto entries. Cell order on the
// target is code, description, unit, price; trailing cells are optional.
func scrapeCatalogRows(doc *goquery.Document, gridSel string) []CatalogEntry {
	var entries []CatalogEntry
	dataRows(doc, gridSel).Each(func(_ int, tr *goquery.Selection) {
		cells := tr.Find("td").Map(func(_ int, td *goquery.Selection) string {
			return resolve.NormalizeText(td.Text())
		})
		if len(cells) == 0 || cells[0] == "" {
			return
		}
		entry := CatalogEntry{Code: cells[0]}
		if len(cells) > 1 {
			entry.Description = cells[1]
		}
		if len(cells) > 2 {
			entry.Unit = cells[2]
		}
		if len(cells) > 3 {
			entry.Price = cells[3]
		}
		entries = append(entries, entry)
	})
	return entries
}
