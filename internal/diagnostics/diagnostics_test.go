package diagnostics

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/H4tholdir/archibaldblackant-sub014/api/schemas"
	"github.com/H4tholdir/archibaldblackant-sub014/internal/mocks"
)

func newTestSink(t *testing.T) *Sink {
	t.Helper()
	sink, err := New(zap.NewNop(), t.TempDir())
	require.NoError(t, err)
	return sink
}

func sampleSteps() []schemas.StepResult {
	return []schemas.StepResult{
		{Name: "open-order-list", Label: "Opening order list", Outcome: schemas.StepOK, Attempts: 1},
		{Name: "select-customer", Label: "Selecting customer", Outcome: schemas.StepFailed, Attempts: 2, Error: "element not found"},
	}
}

func TestCaptureWritesTraceAndScreenshot(t *testing.T) {
	sink := newTestSink(t)
	page := mocks.NewFakePage("sess-1", "<html><body>order form</body></html>")

	ref, err := sink.Capture(context.Background(), "job-42", page, sampleSteps(), errors.New("step select-customer: element not found"))
	require.NoError(t, err)
	require.NotNil(t, ref)

	shot, err := os.ReadFile(ref.Screenshot)
	require.NoError(t, err)
	assert.Equal(t, "fake-png", string(shot))

	data, err := os.ReadFile(ref.Trace)
	require.NoError(t, err)

	var got trace
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "job-42", got.JobID)
	assert.Contains(t, got.Cause, "element not found")
	require.Len(t, got.Steps, 2)
	assert.Equal(t, "select-customer", got.Steps[1].Name)
	assert.Equal(t, schemas.StepFailed, got.Steps[1].Outcome)
	assert.WithinDuration(t, time.Now(), got.CapturedAt, time.Minute)
}

func TestCaptureKeepsTraceWhenScreenshotFails(t *testing.T) {
	sink := newTestSink(t)
	page := mocks.NewFakePage("sess-1", "<html><body></body></html>")
	page.ScreenshotErr = errors.New("page target is gone")

	ref, err := sink.Capture(context.Background(), "job-dead", page, sampleSteps(), errors.New("boom"))
	require.NoError(t, err)
	assert.Empty(t, ref.Screenshot)

	_, err = os.Stat(ref.Trace)
	require.NoError(t, err)
}

func TestCaptureWithoutPageWritesTraceOnly(t *testing.T) {
	sink := newTestSink(t)

	ref, err := sink.Capture(context.Background(), "job-nopage", nil, nil, errors.New("lock timeout"))
	require.NoError(t, err)
	assert.Empty(t, ref.Screenshot)
	assert.FileExists(t, ref.Trace)
}

func TestCaptureKeepsArtifactDirsFlat(t *testing.T) {
	sink := newTestSink(t)

	ref, err := sink.Capture(context.Background(), "../escape/attempt", nil, nil, errors.New("x"))
	require.NoError(t, err)

	rel, err := filepath.Rel(sink.dir, ref.ArtifactDir)
	require.NoError(t, err)
	assert.NotContains(t, rel, string(filepath.Separator))
}
