package credentials

import (
	"context"
	"fmt"

	"github.com/H4tholdir/archibaldblackant-sub014/api/schemas"
	"github.com/H4tholdir/archibaldblackant-sub014/internal/config"
)

// Static serves operator credentials and display identities straight from the
// application configuration. It is the whole credential story for now;
// anything fancier (vaults, prompts) would implement the same two interfaces.
type Static struct {
	entries map[string]config.CredentialEntry
}

var (
	_ schemas.CredentialSource = (*Static)(nil)
	_ schemas.IdentityResolver = (*Static)(nil)
)

// NewStatic copies the configured entries so later config mutation cannot
// change what operators authenticate as.
func NewStatic(entries map[string]config.CredentialEntry) *Static {
	copied := make(map[string]config.CredentialEntry, len(entries))
	for id, entry := range entries {
		copied[id] = entry
	}
	return &Static{entries: copied}
}

// Credentials returns the login material for an operator. An operator without
// an entry cannot run jobs; the error surfaces as a failed login step.
func (s *Static) Credentials(ctx context.Context, userID string) (schemas.Credentials, error) {
	entry, ok := s.entries[userID]
	if !ok {
		return schemas.Credentials{}, fmt.Errorf("no credentials configured for operator %q", userID)
	}
	if entry.Username == "" || entry.Password == "" {
		return schemas.Credentials{}, fmt.Errorf("incomplete credentials configured for operator %q", userID)
	}
	return schemas.Credentials{Username: entry.Username, Password: entry.Password}, nil
}

// Resolve maps an operator id to its display identity. Unknown operators
// resolve to their raw id; labeling must never block a job.
func (s *Static) Resolve(ctx context.Context, userID string) (schemas.UserIdentity, error) {
	ident := schemas.UserIdentity{ID: userID, DisplayName: userID}
	if entry, ok := s.entries[userID]; ok && entry.DisplayName != "" {
		ident.DisplayName = entry.DisplayName
	}
	return ident, nil
}
