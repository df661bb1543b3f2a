// Local cache of the target's article catalog. The background sync scrapes
// the list view and hands the rows here; the cache freezes the latest
// snapshot to disk so operators can inspect what the target currently sells
// without opening a browser.
package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"

	"github.com/H4tholdir/archibaldblackant-sub014/internal/protocol"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const snapshotFile = "articles.json"

// FileCache persists the most recent catalog snapshot as a single JSON file.
// Each snapshot replaces the previous one wholesale; the scrape always walks
// the full list, so there is nothing to merge.
type FileCache struct {
	logger *zap.Logger
	path   string
	now    func() time.Time
}

// Snapshot is the on-disk shape of a cached catalog.
type Snapshot struct {
	SyncedAt time.Time               `json:"synced_at"`
	UserID   string                  `json:"user_id"`
	Entries  []protocol.CatalogEntry `json:"entries"`
}

// New creates the cache and its base directory.
func New(logger *zap.Logger, dir string) (*FileCache, error) {
	expanded, err := homedir.Expand(dir)
	if err != nil {
		return nil, fmt.Errorf("expanding catalog dir: %w", err)
	}
	if err := os.MkdirAll(expanded, 0o755); err != nil {
		return nil, fmt.Errorf("creating catalog dir: %w", err)
	}
	return &FileCache{
		logger: logger.Named("catalog"),
		path:   filepath.Join(expanded, snapshotFile),
		now:    time.Now,
	}, nil
}

// ConsumeCatalog replaces the cached snapshot with the given rows. The write
// goes through a temp file and rename so a reader never sees a half-written
// snapshot.
func (c *FileCache) ConsumeCatalog(ctx context.Context, userID string, entries []protocol.CatalogEntry) error {
	snap := Snapshot{
		SyncedAt: c.now().UTC(),
		UserID:   userID,
		Entries:  entries,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding catalog snapshot: %w", err)
	}

	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing catalog snapshot: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("replacing catalog snapshot: %w", err)
	}

	c.logger.Info("Catalog snapshot cached",
		zap.String("path", c.path),
		zap.Int("entries", len(entries)))
	return nil
}

// Load returns the cached snapshot, or nil when no sync has completed yet.
func (c *FileCache) Load() (*Snapshot, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading catalog snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decoding catalog snapshot: %w", err)
	}
	return &snap, nil
}
