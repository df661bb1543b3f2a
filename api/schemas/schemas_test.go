package schemas_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/H4tholdir/archibaldblackant-sub014/api/schemas"
)

// TestJobStateFinal verifies which lifecycle states are terminal.
func TestJobStateFinal(t *testing.T) {
	t.Parallel()
	assert.False(t, schemas.JobStateQueued.Final())
	assert.False(t, schemas.JobStateRunning.Final())
	assert.True(t, schemas.JobStateSucceeded.Final())
	assert.True(t, schemas.JobStateFailed.Final())
}

// TestSessionRecordExpired pins the expiry boundary: a record is unusable at
// and after its expiry instant, and a zero expiry never expires.
func TestSessionRecordExpired(t *testing.T) {
	t.Parallel()
	now, err := time.Parse(time.RFC3339, "2026-03-01T12:00:00Z")
	require.NoError(t, err)

	rec := schemas.SessionRecord{UserID: "op-1", Expiry: now.Add(time.Hour)}
	assert.False(t, rec.Expired(now))
	assert.True(t, rec.Expired(now.Add(time.Hour)), "expiry instant itself must count as expired")
	assert.True(t, rec.Expired(now.Add(2*time.Hour)))

	unset := schemas.SessionRecord{UserID: "op-2"}
	assert.False(t, unset.Expired(now))
}

func TestExpectedCustomer(t *testing.T) {
	t.Parallel()
	p := &schemas.OrderPayload{CustomerQuery: "acme"}
	assert.Equal(t, "acme", p.ExpectedCustomer())
	p.Customer = "ACME Industries B.V."
	assert.Equal(t, "ACME Industries B.V.", p.ExpectedCustomer())
}

// TestErrorTaxonomy ensures every typed failure survives wrapping and stays
// matchable with errors.As, which is what the engine's classification relies
// on.
func TestErrorTaxonomy(t *testing.T) {
	t.Parallel()

	notFound := &schemas.ElementNotFoundError{
		Target:     "customer row 'ACME'",
		Strategies: []string{"by-text", "by-row-pattern"},
	}
	wrapped := fmt.Errorf("resolving lookup result: %w", notFound)

	var enf *schemas.ElementNotFoundError
	require.True(t, errors.As(wrapped, &enf))
	assert.Contains(t, enf.Error(), "by-text, by-row-pattern")

	aborted := &schemas.ProtocolAbortedError{
		Protocol:               "order-create",
		Step:                   "resolve-catalog-row",
		ExternalStateUncertain: true,
		Err:                    wrapped,
	}
	// The causal chain must stay intact through the abort wrapper.
	require.True(t, errors.As(aborted, &enf))
	assert.True(t, errors.Is(aborted, notFound))
}

// TestSessionFatal verifies the eviction policy boundary: stale sessions,
// rejected logins and aborted protocols kill the session, timeouts alone do
// not.
func TestSessionFatal(t *testing.T) {
	t.Parallel()

	assert.True(t, schemas.SessionFatal(&schemas.StaleSessionError{UserID: "op-1", Reason: "target gone"}))
	assert.True(t, schemas.SessionFatal(&schemas.AuthRejectedError{UserID: "op-1", Reason: "bad password"}))
	assert.True(t, schemas.SessionFatal(fmt.Errorf("job: %w", &schemas.ProtocolAbortedError{
		Protocol: "order-create", Step: "save", Err: errors.New("boom"),
	})))

	assert.False(t, schemas.SessionFatal(&schemas.StepTimeoutError{Step: "open-form", Timeout: time.Second}))
	assert.False(t, schemas.SessionFatal(&schemas.LockTimeoutError{Grace: time.Second, Busy: 1}))
	assert.False(t, schemas.SessionFatal(errors.New("plain failure")))
}
