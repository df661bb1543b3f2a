package sessionstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"

	"github.com/H4tholdir/archibaldblackant-sub014/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Store keeps one JSON session record per operator on disk. Records hold the
// authenticated cookie jar, so files are written owner-only.
//
// Load never returns an expired record: expiry is enforced here, not at the
// call sites, and expired files are removed on sight.
type Store struct {
	logger *zap.Logger
	dir    string
	now    func() time.Time
}

var _ schemas.SessionStore = (*Store)(nil)

// New expands and creates the record directory.
func New(logger *zap.Logger, dir string) (*Store, error) {
	expanded, err := homedir.Expand(dir)
	if err != nil {
		return nil, fmt.Errorf("expanding session dir: %w", err)
	}
	if err := os.MkdirAll(expanded, 0o700); err != nil {
		return nil, fmt.Errorf("creating session dir: %w", err)
	}
	return &Store{
		logger: logger.Named("sessionstore"),
		dir:    expanded,
		now:    time.Now,
	}, nil
}

// sanitizeID keeps record filenames flat no matter what the operator id
// contains.
func sanitizeID(userID string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, userID)
}

func (s *Store) path(userID string) string {
	return filepath.Join(s.dir, sanitizeID(userID)+".json")
}

func (s *Store) Save(ctx context.Context, rec schemas.SessionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding session record: %w", err)
	}
	if err := os.WriteFile(s.path(rec.UserID), data, 0o600); err != nil {
		return fmt.Errorf("writing session record: %w", err)
	}
	s.logger.Debug("Saved session record",
		zap.String("user_id", rec.UserID),
		zap.Int("cookies", len(rec.Cookies)),
		zap.Time("expiry", rec.Expiry))
	return nil
}

// Load returns the operator's record, or (nil, nil) when none is usable. A
// corrupt or expired file is removed so the next login starts clean.
func (s *Store) Load(ctx context.Context, userID string) (*schemas.SessionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := s.path(userID)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading session record: %w", err)
	}

	var rec schemas.SessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		s.logger.Warn("Discarding corrupt session record",
			zap.String("user_id", userID), zap.Error(err))
		_ = os.Remove(path)
		return nil, nil
	}

	if rec.Expired(s.now()) {
		s.logger.Info("Discarding expired session record",
			zap.String("user_id", userID),
			zap.Time("expiry", rec.Expiry))
		_ = os.Remove(path)
		return nil, nil
	}

	return &rec, nil
}

func (s *Store) Clear(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := os.Remove(s.path(userID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing session record: %w", err)
	}
	return nil
}
