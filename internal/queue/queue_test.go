package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/H4tholdir/archibaldblackant-sub014/api/schemas"
)

func jobN(n int) schemas.Job {
	return schemas.Job{
		ID:         fmt.Sprintf("job-%d", n),
		UserID:     "richard",
		Kind:       schemas.JobKindWrite,
		EnqueuedAt: time.Now(),
	}
}

func TestEnqueueNeverRejectsBeyondCapacity(t *testing.T) {
	q := New(zap.NewNop(), 2)

	for i := 1; i <= 5; i++ {
		require.NoError(t, q.Enqueue(jobN(i)))
	}
	assert.Equal(t, 5, q.Len())
}

func TestDequeuePreservesSubmissionOrderAcrossOverflow(t *testing.T) {
	q := New(zap.NewNop(), 2)
	for i := 1; i <= 5; i++ {
		require.NoError(t, q.Enqueue(jobN(i)))
	}

	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		job, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("job-%d", i), job.ID)
	}
	assert.Zero(t, q.Len())
}

func TestDequeueBlocksUntilWorkArrives(t *testing.T) {
	q := New(zap.NewNop(), 4)

	got := make(chan schemas.Job, 1)
	go func() {
		job, err := q.Dequeue(context.Background())
		if err == nil {
			got <- job
		}
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, q.Enqueue(jobN(1)))

	select {
	case job := <-got:
		assert.Equal(t, "job-1", job.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("dequeue never woke up")
	}
}

func TestDequeueHonorsContext(t *testing.T) {
	q := New(zap.NewNop(), 4)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCloseDrainsBacklogThenReportsClosed(t *testing.T) {
	q := New(zap.NewNop(), 4)
	require.NoError(t, q.Enqueue(jobN(1)))
	require.NoError(t, q.Enqueue(jobN(2)))

	q.Close()

	ctx := context.Background()
	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "job-1", job.ID)

	job, err = q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "job-2", job.ID)

	_, err = q.Dequeue(ctx)
	require.ErrorIs(t, err, ErrClosed)

	require.ErrorIs(t, q.Enqueue(jobN(3)), ErrClosed)
}

func TestCloseUnblocksWaitingDequeue(t *testing.T) {
	q := New(zap.NewNop(), 4)

	done := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background())
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	q.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("dequeue never unblocked after close")
	}
}

func TestRegistryLifecycle(t *testing.T) {
	r := NewRegistry()
	job := jobN(1)
	r.Add(job)

	st, ok := r.Get("job-1")
	require.True(t, ok)
	assert.Equal(t, schemas.JobStateQueued, st.State)
	assert.Nil(t, st.StartedAt)

	started := time.Now()
	r.MarkRunning("job-1", started)
	st, _ = r.Get("job-1")
	assert.Equal(t, schemas.JobStateRunning, st.State)
	require.NotNil(t, st.StartedAt)
	assert.True(t, st.StartedAt.Equal(started))

	finished := started.Add(time.Minute)
	r.MarkFinished("job-1", schemas.JobStateSucceeded, "ORD-10231", "", finished)
	st, _ = r.Get("job-1")
	assert.Equal(t, schemas.JobStateSucceeded, st.State)
	assert.Equal(t, "ORD-10231", st.RecordID)
	require.NotNil(t, st.FinishedAt)

	_, ok = r.Get("job-unknown")
	assert.False(t, ok)
}

func TestRegistryListSortsBySubmission(t *testing.T) {
	r := NewRegistry()
	base := time.Now()
	for i, id := range []string{"job-c", "job-a", "job-b"} {
		r.Add(schemas.Job{ID: id, EnqueuedAt: base.Add(time.Duration(i) * time.Second)})
	}

	list := r.List()
	require.Len(t, list, 3)
	assert.Equal(t, "job-c", list[0].ID)
	assert.Equal(t, "job-b", list[2].ID)
}

func TestRegistryGetReturnsCopy(t *testing.T) {
	r := NewRegistry()
	r.Add(jobN(1))

	st, _ := r.Get("job-1")
	st.State = schemas.JobStateFailed

	fresh, _ := r.Get("job-1")
	assert.Equal(t, schemas.JobStateQueued, fresh.State)
}
