// Progress fan-out for protocol runs. The engine posts milestone events here;
// whatever surfaces progress to operators (the real-time layer lives outside
// this module) subscribes. Pub/Sub with blocking sends for backpressure and a
// graceful shutdown.
package events

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/H4tholdir/archibaldblackant-sub014/api/schemas"
)

// subscribeAll is the internal key for subscribers without a job filter.
const subscribeAll = ""

// Bus distributes ProgressEvents. Subscriptions may be scoped to specific job
// ids or receive everything.
type Bus struct {
	logger *zap.Logger

	// Map of job id ("" for unfiltered) to subscriber channels.
	subscribers map[string][]chan schemas.ProgressEvent
	mu          sync.RWMutex
	bufferSize  int

	// Tracks active Post operations so Shutdown can drain them.
	activePostsWg sync.WaitGroup

	isShutdown bool
	shutdownMu sync.Mutex
}

var _ schemas.ProgressSink = (*Bus)(nil)

// NewBus initializes the progress bus.
func NewBus(logger *zap.Logger, bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		logger:      logger.Named("progress_bus"),
		subscribers: make(map[string][]chan schemas.ProgressEvent),
		bufferSize:  bufferSize,
	}
}

// Post sends an event onto the bus. Blocks if subscriber buffers are full.
func (b *Bus) Post(ctx context.Context, ev schemas.ProgressEvent) (err error) {
	b.shutdownMu.Lock()
	if b.isShutdown {
		b.shutdownMu.Unlock()
		return fmt.Errorf("cannot post event: progress bus is shut down")
	}
	b.activePostsWg.Add(1)
	b.shutdownMu.Unlock()
	defer b.activePostsWg.Done()

	// A send can panic when Shutdown closes channels under a blocked Post.
	defer func() {
		if r := recover(); r != nil {
			b.logger.Debug("Recovered from panic in Post, likely due to shutdown.", zap.Any("panic", r))
			err = fmt.Errorf("failed to post event: bus is shutting down")
		}
	}()

	b.mu.RLock()
	scoped := b.subscribers[ev.JobID]
	unfiltered := b.subscribers[subscribeAll]
	if len(scoped) == 0 && len(unfiltered) == 0 {
		b.mu.RUnlock()
		return nil // No one is listening.
	}

	// Copy out the target set so no lock is held during channel sends. A
	// subscriber listening both ways still gets the event once.
	uniqueSubs := make(map[chan schemas.ProgressEvent]struct{}, len(scoped)+len(unfiltered))
	for _, ch := range scoped {
		uniqueSubs[ch] = struct{}{}
	}
	for _, ch := range unfiltered {
		uniqueSubs[ch] = struct{}{}
	}
	subsCopy := make([]chan schemas.ProgressEvent, 0, len(uniqueSubs))
	for ch := range uniqueSubs {
		subsCopy = append(subsCopy, ch)
	}
	b.mu.RUnlock()

	for _, ch := range subsCopy {
		select {
		case ch <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Emit implements schemas.ProgressSink. Progress is advisory, so delivery
// failures are logged and dropped instead of failing the protocol run.
func (b *Bus) Emit(ctx context.Context, ev schemas.ProgressEvent) {
	if err := b.Post(ctx, ev); err != nil {
		b.logger.Debug("Dropped progress event",
			zap.String("job_id", ev.JobID),
			zap.String("step", ev.StepLabel),
			zap.Error(err))
	}
}

// Subscribe returns a channel of events for the given job ids, or for all
// jobs when none are given, plus an unsubscribe func.
func (b *Bus) Subscribe(jobIDs ...string) (<-chan schemas.ProgressEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan schemas.ProgressEvent, b.bufferSize)

	if len(jobIDs) == 0 {
		jobIDs = []string{subscribeAll}
	}
	subscribedIDs := make([]string, len(jobIDs))
	copy(subscribedIDs, jobIDs)

	for _, id := range subscribedIDs {
		b.subscribers[id] = append(b.subscribers[id], ch)
	}

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		if b.isShutdown {
			return
		}
		for _, id := range subscribedIDs {
			subs, exists := b.subscribers[id]
			if !exists {
				continue
			}
			for i, subscriberCh := range subs {
				if subscriberCh == ch {
					copy(subs[i:], subs[i+1:])
					b.subscribers[id] = subs[:len(subs)-1]
					if len(b.subscribers[id]) == 0 {
						delete(b.subscribers, id)
					}
					break
				}
			}
		}
		// Channels are closed by Shutdown, not here, so a concurrent Post
		// never sends on a closed channel outside shutdown.
	}

	return ch, unsubscribe
}

// Shutdown closes the bus. Subscriber channels are closed first, which
// unblocks any Post stuck on a full buffer; then in-flight posts drain.
func (b *Bus) Shutdown() {
	b.shutdownMu.Lock()
	if b.isShutdown {
		b.shutdownMu.Unlock()
		return
	}
	b.isShutdown = true
	b.shutdownMu.Unlock()

	b.mu.Lock()
	uniqueChannels := make(map[chan schemas.ProgressEvent]struct{})
	for _, subs := range b.subscribers {
		for _, ch := range subs {
			uniqueChannels[ch] = struct{}{}
		}
	}
	for ch := range uniqueChannels {
		close(ch)
	}
	b.subscribers = make(map[string][]chan schemas.ProgressEvent)
	b.mu.Unlock()

	b.activePostsWg.Wait()
}
