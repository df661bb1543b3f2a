// Priority coordination between interactive write jobs and background read
// work sharing the browser. A write job pauses the world before touching any
// session; background runners park at checkpoints and wrap every
// browser-touching span in BeginWork/EndWork so a pause can first wait for
// them and, past the grace period, cancel them.
package guard

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/H4tholdir/archibaldblackant-sub014/api/schemas"
)

// PriorityLock gives write jobs absolute priority over background browser
// work. Pauses nest: the world stays paused until every Pause has its
// matching Resume.
type PriorityLock struct {
	logger *zap.Logger
	grace  time.Duration

	mu           sync.Mutex
	pauseDepth   int
	paused       bool
	resumeCh     chan struct{}
	handles      map[int64]*Handle
	nextHandleID int64
	active       int
	quietWaiters []chan struct{}
}

// Handle is one registered background worker's view of the lock. A handle
// runs at most one browser-touching span at a time.
type Handle struct {
	lock *PriorityLock
	id   int64
	name string

	// Guarded by lock.mu.
	spanCancel context.CancelFunc
}

// NewPriorityLock creates the lock. Grace bounds how long a pause waits for
// background work to park before terminating it.
func NewPriorityLock(logger *zap.Logger, grace time.Duration) *PriorityLock {
	return &PriorityLock{
		logger:  logger.Named("priority_lock"),
		grace:   grace,
		handles: make(map[int64]*Handle),
	}
}

// Register adds a background worker. The name only shows up in logs.
func (l *PriorityLock) Register(name string) *Handle {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextHandleID++
	h := &Handle{lock: l, id: l.nextHandleID, name: name}
	l.handles[h.id] = h
	return h
}

// Unregister removes the handle. Any active span keeps its EndWork contract.
func (h *Handle) Unregister() {
	l := h.lock
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.handles, h.id)
}

// Pause requests exclusive browser access. It returns once no background
// span is in flight, which normally means everyone parked at a checkpoint
// within the grace period. Past the grace period the in-flight spans are
// canceled and Pause waits half the grace again; if activity still does not
// drain, the acquisition fails with LockTimeoutError and the pause is rolled
// back.
func (l *PriorityLock) Pause(ctx context.Context) error {
	l.mu.Lock()
	l.pauseDepth++
	if l.pauseDepth == 1 {
		l.paused = true
		l.resumeCh = make(chan struct{})
	}
	waitCh := l.quiescedLocked()
	l.mu.Unlock()

	graceTimer := time.NewTimer(l.grace)
	defer graceTimer.Stop()

	select {
	case <-waitCh:
		return nil
	case <-ctx.Done():
		l.rollbackPause()
		return ctx.Err()
	case <-graceTimer.C:
	}

	// Grace expired: terminate whatever is still touching the browser.
	l.mu.Lock()
	busy := l.active
	for _, h := range l.handles {
		if h.spanCancel != nil {
			l.logger.Warn("Forcibly terminating background span after grace period",
				zap.String("worker", h.name),
				zap.Duration("grace", l.grace))
			h.spanCancel()
		}
	}
	l.mu.Unlock()

	reprieve := time.NewTimer(l.grace / 2)
	defer reprieve.Stop()

	select {
	case <-waitCh:
		return nil
	case <-ctx.Done():
		l.rollbackPause()
		return ctx.Err()
	case <-reprieve.C:
		l.rollbackPause()
		return &schemas.LockTimeoutError{Grace: l.grace, Busy: busy}
	}
}

// Resume releases one pause. When the last pause is released, parked
// background workers continue.
func (l *PriorityLock) Resume() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pauseDepth == 0 {
		return
	}
	l.pauseDepth--
	if l.pauseDepth == 0 {
		l.paused = false
		close(l.resumeCh)
	}
}

// rollbackPause undoes a failed acquisition so background work is not left
// parked behind a writer that never got the lock.
func (l *PriorityLock) rollbackPause() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pauseDepth == 0 {
		return
	}
	l.pauseDepth--
	if l.pauseDepth == 0 {
		l.paused = false
		close(l.resumeCh)
	}
}

// quiescedLocked returns a channel that is closed once no span is active.
// Caller holds l.mu.
func (l *PriorityLock) quiescedLocked() chan struct{} {
	ch := make(chan struct{})
	if l.active == 0 {
		close(ch)
		return ch
	}
	l.quietWaiters = append(l.quietWaiters, ch)
	return ch
}

// Checkpoint parks the caller while a pause is pending or held. Background
// runners call this between browser operations, at most a few seconds apart.
func (h *Handle) Checkpoint(ctx context.Context) error {
	l := h.lock
	l.mu.Lock()
	if !l.paused {
		l.mu.Unlock()
		return nil
	}
	ch := l.resumeCh
	l.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// BeginWork opens a browser-touching span. While a pause is pending the call
// parks exactly like Checkpoint. The returned context is canceled if a writer
// runs out of grace; end must be called when the span finishes, on every
// path.
func (h *Handle) BeginWork(ctx context.Context) (context.Context, func(), error) {
	l := h.lock
	for {
		l.mu.Lock()
		if !l.paused {
			spanCtx, cancel := context.WithCancel(ctx)
			h.spanCancel = cancel
			l.active++
			l.mu.Unlock()

			var endOnce sync.Once
			end := func() {
				endOnce.Do(func() {
					cancel()
					l.endWork(h)
				})
			}
			return spanCtx, end, nil
		}
		ch := l.resumeCh
		l.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
}

func (l *PriorityLock) endWork(h *Handle) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h.spanCancel = nil
	if l.active > 0 {
		l.active--
	}
	if l.active == 0 {
		for _, ch := range l.quietWaiters {
			close(ch)
		}
		l.quietWaiters = nil
	}
}
