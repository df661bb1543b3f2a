package guard

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/H4tholdir/archibaldblackant-sub014/api/schemas"
)

func TestPauseResumeWithoutBackgroundWork(t *testing.T) {
	l := NewPriorityLock(zap.NewNop(), 100*time.Millisecond)

	start := time.Now()
	require.NoError(t, l.Pause(context.Background()))
	assert.Less(t, time.Since(start), 50*time.Millisecond, "nothing to wait for, Pause should be immediate")
	l.Resume()
}

func TestCheckpointParksDuringPause(t *testing.T) {
	l := NewPriorityLock(zap.NewNop(), 100*time.Millisecond)
	h := l.Register("sync")
	defer h.Unregister()

	require.NoError(t, l.Pause(context.Background()))

	parked := make(chan error, 1)
	go func() {
		parked <- h.Checkpoint(context.Background())
	}()

	select {
	case err := <-parked:
		t.Fatalf("checkpoint returned during pause: %v", err)
	case <-time.After(60 * time.Millisecond):
	}

	l.Resume()

	select {
	case err := <-parked:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("checkpoint did not release after resume")
	}
}

func TestPauseWaitsForActiveSpan(t *testing.T) {
	l := NewPriorityLock(zap.NewNop(), 500*time.Millisecond)
	h := l.Register("sync")
	defer h.Unregister()

	_, end, err := h.BeginWork(context.Background())
	require.NoError(t, err)

	acquired := make(chan error, 1)
	go func() {
		acquired <- l.Pause(context.Background())
	}()

	select {
	case err := <-acquired:
		t.Fatalf("pause acquired while a span was active: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	end()

	select {
	case err := <-acquired:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("pause did not acquire after the span ended")
	}
	l.Resume()
}

func TestPauseCancelsOverrunningSpan(t *testing.T) {
	l := NewPriorityLock(zap.NewNop(), 80*time.Millisecond)
	h := l.Register("sync")
	defer h.Unregister()

	sawCancel := make(chan struct{})
	go func() {
		spanCtx, end, err := h.BeginWork(context.Background())
		if err != nil {
			return
		}
		defer end()
		// Misbehaving span: only stops when terminated.
		<-spanCtx.Done()
		close(sawCancel)
	}()

	// Give the span time to start.
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, l.Pause(context.Background()))
	defer l.Resume()

	select {
	case <-sawCancel:
	case <-time.After(time.Second):
		t.Fatal("span context was never canceled")
	}
}

func TestPauseTimesOutWhenSpanIgnoresCancellation(t *testing.T) {
	l := NewPriorityLock(zap.NewNop(), 60*time.Millisecond)
	h := l.Register("sync")
	defer h.Unregister()

	_, end, err := h.BeginWork(context.Background())
	require.NoError(t, err)

	err = l.Pause(context.Background())
	require.Error(t, err)

	var lockErr *schemas.LockTimeoutError
	require.True(t, errors.As(err, &lockErr))
	assert.Equal(t, 1, lockErr.Busy)

	// The failed acquisition must roll back: once the span finally ends, a
	// fresh pause succeeds.
	end()
	require.NoError(t, l.Pause(context.Background()))
	l.Resume()
}

func TestBeginWorkParksDuringPause(t *testing.T) {
	l := NewPriorityLock(zap.NewNop(), 100*time.Millisecond)
	h := l.Register("sync")
	defer h.Unregister()

	require.NoError(t, l.Pause(context.Background()))

	started := make(chan error, 1)
	go func() {
		_, end, err := h.BeginWork(context.Background())
		if err == nil {
			end()
		}
		started <- err
	}()

	select {
	case err := <-started:
		t.Fatalf("BeginWork returned while paused: %v", err)
	case <-time.After(60 * time.Millisecond):
	}

	l.Resume()

	select {
	case err := <-started:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("BeginWork did not proceed after resume")
	}
}

func TestBeginWorkHonorsCallerContext(t *testing.T) {
	l := NewPriorityLock(zap.NewNop(), 100*time.Millisecond)
	h := l.Register("sync")
	defer h.Unregister()

	require.NoError(t, l.Pause(context.Background()))
	defer l.Resume()

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()

	_, _, err := h.BeginWork(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNestedPauses(t *testing.T) {
	l := NewPriorityLock(zap.NewNop(), 100*time.Millisecond)
	h := l.Register("sync")
	defer h.Unregister()

	require.NoError(t, l.Pause(context.Background()))
	require.NoError(t, l.Pause(context.Background()))

	l.Resume()

	// One pause is still held; checkpoints stay parked.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := h.Checkpoint(ctx)
	require.Error(t, err, "checkpoint should stay parked while one pause remains")

	l.Resume()
	assert.NoError(t, h.Checkpoint(context.Background()))
}

// TestNoBackgroundWorkWhileHeld drives a busy background runner and asserts
// the exclusivity invariant: between Pause returning and Resume, no span is
// ever in flight.
func TestNoBackgroundWorkWhileHeld(t *testing.T) {
	l := NewPriorityLock(zap.NewNop(), 300*time.Millisecond)
	h := l.Register("sync")

	var inSpan int32
	runnerCtx, stopRunner := context.WithCancel(context.Background())
	runnerDone := make(chan struct{})

	go func() {
		defer close(runnerDone)
		defer h.Unregister()
		for {
			spanCtx, end, err := h.BeginWork(runnerCtx)
			if err != nil {
				return
			}
			atomic.AddInt32(&inSpan, 1)
			select {
			case <-time.After(3 * time.Millisecond):
			case <-spanCtx.Done():
			}
			atomic.AddInt32(&inSpan, -1)
			end()
			if err := h.Checkpoint(runnerCtx); err != nil {
				return
			}
		}
	}()

	// Let the runner get going, then grab the lock a few times.
	time.Sleep(20 * time.Millisecond)
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Pause(context.Background()))
		for j := 0; j < 10; j++ {
			assert.Zero(t, atomic.LoadInt32(&inSpan), "background span active while lock held")
			time.Sleep(2 * time.Millisecond)
		}
		l.Resume()
		time.Sleep(10 * time.Millisecond)
	}

	stopRunner()
	select {
	case <-runnerDone:
	case <-time.After(time.Second):
		t.Fatal("runner did not stop")
	}
}
