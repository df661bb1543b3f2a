package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/H4tholdir/archibaldblackant-sub014/api/schemas"
)

func writeBatchFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "orders.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadOrderBatch(t *testing.T) {
	path := writeBatchFile(t, `
orders:
  - user_id: richard
    customer_query: "Acme Industries"
    reference: "PO-4711"
    discount_pct: 2.5
    lines:
      - article_code: ART-001
        quantity: 5
      - article_code: ART-002
        pattern: "merino*"
        quantity: 2
        discount_pct: 1.0
  - user_id: margaret
    customer_query: "Beta Textiles"
    customer: "Beta Textiles GmbH"
    lines:
      - article_code: ART-009
        quantity: 1
`)

	batch, err := loadOrderBatch(path)
	require.NoError(t, err)
	require.Len(t, batch.Orders, 2)

	payload := batch.Orders[0].payload()
	assert.Equal(t, "Acme Industries", payload.CustomerQuery)
	assert.Equal(t, "PO-4711", payload.Reference)
	assert.Equal(t, 2.5, payload.DiscountPct)
	require.Len(t, payload.Lines, 2)
	assert.Equal(t, "merino*", payload.Lines[1].Pattern)
	assert.Equal(t, 2, payload.Lines[1].Quantity)

	// Without an explicit customer the query doubles as the expected name.
	assert.Equal(t, "Acme Industries", payload.ExpectedCustomer())
	assert.Equal(t, "Beta Textiles GmbH", batch.Orders[1].payload().ExpectedCustomer())
}

func TestLoadOrderBatchRejectsInvalidEntries(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "empty file",
			content: "orders: []",
			wantErr: "contains no orders",
		},
		{
			name: "missing user id",
			content: `
orders:
  - customer_query: "Acme"
    lines:
      - article_code: ART-001
        quantity: 1
`,
			wantErr: "order 1: user_id is required",
		},
		{
			name: "missing customer query",
			content: `
orders:
  - user_id: richard
    lines:
      - article_code: ART-001
        quantity: 1
`,
			wantErr: "order 1: customer_query is required",
		},
		{
			name: "no lines",
			content: `
orders:
  - user_id: richard
    customer_query: "Acme"
`,
			wantErr: "order 1: at least one line is required",
		},
		{
			name:    "not yaml",
			content: "{orders: [",
			wantErr: "parsing orders file",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := loadOrderBatch(writeBatchFile(t, tc.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestLoadOrderBatchMissingFile(t *testing.T) {
	_, err := loadOrderBatch(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading orders file")
}

// statusMap is a canned jobWatcher for exercising the wait logic.
type statusMap map[string]schemas.JobStatus

func (m statusMap) JobStatus(jobID string) (schemas.JobStatus, bool) {
	st, ok := m[jobID]
	return st, ok
}

func TestTallyJobs(t *testing.T) {
	ids := []string{"a", "b", "c"}

	t.Run("not done while any job is running", func(t *testing.T) {
		eng := statusMap{
			"a": {State: schemas.JobStateSucceeded},
			"b": {State: schemas.JobStateRunning},
			"c": {State: schemas.JobStateQueued},
		}
		_, done := tallyJobs(eng, ids)
		assert.False(t, done)
	})

	t.Run("counts failures once all are final", func(t *testing.T) {
		eng := statusMap{
			"a": {State: schemas.JobStateSucceeded},
			"b": {State: schemas.JobStateFailed},
			"c": {State: schemas.JobStateFailed},
		}
		failed, done := tallyJobs(eng, ids)
		require.True(t, done)
		assert.Equal(t, 2, failed)
	})

	t.Run("unknown job keeps the batch open", func(t *testing.T) {
		eng := statusMap{
			"a": {State: schemas.JobStateSucceeded},
			"b": {State: schemas.JobStateSucceeded},
		}
		_, done := tallyJobs(eng, ids)
		assert.False(t, done)
	})
}
