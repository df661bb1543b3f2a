package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/H4tholdir/archibaldblackant-sub014/api/schemas"
	"github.com/H4tholdir/archibaldblackant-sub014/internal/config"
	"github.com/H4tholdir/archibaldblackant-sub014/internal/events"
	"github.com/H4tholdir/archibaldblackant-sub014/internal/guard"
	"github.com/H4tholdir/archibaldblackant-sub014/internal/protocol"
	"github.com/H4tholdir/archibaldblackant-sub014/internal/queue"
)

// TaskCatalogSnapshot names the read task that walks the target's article
// list. It is the only registered read task.
const TaskCatalogSnapshot = "catalog-snapshot"

// -- Interfaces for Dependency Inversion --

// SessionPool hands out one authenticated browser session per operator.
// This decouples the engine from the chromedp-backed pool and lets tests
// script sessions with fake pages.
type SessionPool interface {
	Acquire(ctx context.Context, userID string) (schemas.PageSession, error)
	Release(ctx context.Context, userID string, outcome schemas.ReleaseOutcome)
	Shutdown(ctx context.Context)
}

// ProtocolDriver runs the scripted target-application flows against an
// acquired page.
type ProtocolDriver interface {
	CreateOrder(ctx context.Context, runner *protocol.Runner, page schemas.PageSession, order *schemas.OrderPayload) (string, error)
	SnapshotCatalog(ctx context.Context, page schemas.PageSession, checkpoint func(context.Context) error) ([]protocol.CatalogEntry, error)
}

// CatalogSink consumes the rows scraped by a catalog snapshot run. A nil
// sink drops them after logging the count.
type CatalogSink interface {
	ConsumeCatalog(ctx context.Context, userID string, entries []protocol.CatalogEntry) error
}

// Engine owns the job lifecycle: submissions land in a FIFO queue, write
// workers execute them against pooled browser sessions, and every run leaves
// a durable operation report. Write jobs take the priority lock for exclusive
// browser access; the background catalog sync yields to them at checkpoints.
type Engine struct {
	cfg      *config.Config
	logger   *zap.Logger
	pool     SessionPool
	driver   ProtocolDriver
	reports  schemas.ReportStore
	diag     schemas.DiagnosticsSink
	identity schemas.IdentityResolver
	catalog  CatalogSink

	queue    *queue.Queue
	registry *queue.Registry
	bus      *events.Bus
	lock     *guard.PriorityLock

	cancel     context.CancelFunc
	syncCancel context.CancelFunc
	wg         sync.WaitGroup
}

// New wires an engine from its collaborators. The queue, registry, event bus
// and priority lock are owned by the engine itself; everything else is
// injected so tests can swap in fakes.
func New(cfg *config.Config, logger *zap.Logger, pool SessionPool, driver ProtocolDriver, reports schemas.ReportStore, diag schemas.DiagnosticsSink, identity schemas.IdentityResolver, catalog CatalogSink) *Engine {
	return &Engine{
		cfg:      cfg,
		logger:   logger.Named("engine"),
		pool:     pool,
		driver:   driver,
		reports:  reports,
		diag:     diag,
		identity: identity,
		catalog:  catalog,
		queue:    queue.New(logger, cfg.Engine.QueueSize),
		registry: queue.NewRegistry(),
		bus:      events.NewBus(logger, 0),
		lock:     guard.NewPriorityLock(logger, cfg.Engine.LockGrace),
	}
}

// Start launches the write workers and, when enabled, the background catalog
// sync. It returns immediately; Stop tears everything down.
func (e *Engine) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	concurrency := e.cfg.Engine.WorkerConcurrency
	if concurrency <= 0 {
		concurrency = 1 // Submission order is only guaranteed with a single worker.
	}

	e.logger.Info("Starting engine",
		zap.Int("workers", concurrency),
		zap.Bool("catalog_sync", e.cfg.Engine.Sync.Enabled))

	for i := 0; i < concurrency; i++ {
		e.wg.Add(1)
		go e.runWorker(runCtx, i+1)
	}

	if e.cfg.Engine.Sync.Enabled {
		syncCtx, syncCancel := context.WithCancel(runCtx)
		e.syncCancel = syncCancel
		e.wg.Add(1)
		go e.runSync(syncCtx)
	}
}

// Stop closes the queue so workers drain the backlog, waits for them up to
// the context deadline, then shuts the session pool and the event bus. Jobs
// still queued when the deadline hits stay QUEUED in their durable record.
func (e *Engine) Stop(ctx context.Context) {
	e.logger.Info("Stopping engine", zap.Int("queued", e.queue.Len()))
	e.queue.Close()
	if e.syncCancel != nil {
		e.syncCancel()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		e.logger.Warn("Shutdown deadline reached, cancelling in-flight work")
		if e.cancel != nil {
			e.cancel()
		}
		<-done
	}
	if e.cancel != nil {
		e.cancel()
	}

	e.pool.Shutdown(ctx)
	e.bus.Shutdown()
	e.logger.Info("Engine stopped")
}

// SubmitJob validates, labels and enqueues a job, and returns its id.
// Submission never fails for lack of capacity; the only rejection besides a
// bad payload is an engine that is already shutting down.
func (e *Engine) SubmitJob(ctx context.Context, userID string, kind schemas.JobKind, order *schemas.OrderPayload) (string, error) {
	if userID == "" {
		return "", errors.New("submit: user id is required")
	}
	var task string
	switch kind {
	case schemas.JobKindWrite:
		if order == nil {
			return "", errors.New("submit: write jobs need an order payload")
		}
	case schemas.JobKindRead:
		order = nil
		task = TaskCatalogSnapshot
	default:
		return "", fmt.Errorf("submit: unknown job kind %q", kind)
	}

	job := schemas.Job{
		ID:         uuid.New().String(),
		UserID:     userID,
		Kind:       kind,
		Label:      e.label(ctx, userID, kind, order),
		Order:      order,
		Task:       task,
		EnqueuedAt: time.Now(),
	}

	e.registry.Add(job)
	if err := e.reports.CreateJob(ctx, job); err != nil {
		e.logger.Warn("Recording submitted job failed",
			zap.String("job_id", job.ID), zap.Error(err))
	}
	if err := e.queue.Enqueue(job); err != nil {
		e.registry.MarkFinished(job.ID, schemas.JobStateFailed, "", "engine is shutting down", time.Now())
		return "", fmt.Errorf("enqueuing job %s: %w", job.ID, err)
	}

	e.logger.Info("Job submitted",
		zap.String("job_id", job.ID),
		zap.String("user_id", userID),
		zap.String("kind", string(kind)),
		zap.Int("backlog", e.queue.Len()))
	return job.ID, nil
}

// label builds the display label carried on the job and its report. Identity
// resolution failing never blocks a submission.
func (e *Engine) label(ctx context.Context, userID string, kind schemas.JobKind, order *schemas.OrderPayload) string {
	display := userID
	if ident, err := e.identity.Resolve(ctx, userID); err == nil && ident.DisplayName != "" {
		display = ident.DisplayName
	}
	if kind == schemas.JobKindRead {
		return fmt.Sprintf("catalog snapshot for %s", display)
	}
	return fmt.Sprintf("order for %q by %s", order.CustomerQuery, display)
}

// JobStatus returns the registry view of one job.
func (e *Engine) JobStatus(jobID string) (schemas.JobStatus, bool) {
	return e.registry.Get(jobID)
}

// Jobs lists every job the engine has seen since start, oldest submission
// first.
func (e *Engine) Jobs() []schemas.JobStatus {
	return e.registry.List()
}

// Events subscribes to progress events, optionally filtered to job ids. The
// returned func unsubscribes.
func (e *Engine) Events(jobIDs ...string) (<-chan schemas.ProgressEvent, func()) {
	return e.bus.Subscribe(jobIDs...)
}

func (e *Engine) runWorker(ctx context.Context, workerID int) {
	defer e.wg.Done()
	logger := e.logger.With(zap.Int("worker_id", workerID))
	logger.Info("Worker started")

	for {
		job, err := e.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) {
				logger.Info("Queue closed and drained, worker shutting down")
			} else {
				logger.Info("Worker context ended", zap.Error(err))
			}
			return
		}
		e.process(ctx, job, logger)
	}
}

// process runs one dequeued job through its full lifecycle and settles its
// registry entry and durable state.
func (e *Engine) process(ctx context.Context, job schemas.Job, logger *zap.Logger) {
	logger = logger.With(
		zap.String("job_id", job.ID),
		zap.String("user_id", job.UserID),
		zap.String("kind", string(job.Kind)))
	logger.Info("Processing job", zap.String("label", job.Label))

	e.registry.MarkRunning(job.ID, time.Now())
	if err := e.reports.SetJobState(ctx, job.ID, schemas.JobStateRunning); err != nil {
		logger.Warn("Marking job RUNNING failed", zap.Error(err))
	}

	var recordID string
	var err error
	switch job.Kind {
	case schemas.JobKindWrite:
		recordID, err = e.runWrite(ctx, job, logger)
	case schemas.JobKindRead:
		err = e.runRead(ctx, job, logger)
	default:
		err = fmt.Errorf("unknown job kind %q", job.Kind)
	}

	state := schemas.JobStateSucceeded
	errMsg := ""
	if err != nil {
		state = schemas.JobStateFailed
		errMsg = err.Error()
	}
	e.registry.MarkFinished(job.ID, state, recordID, errMsg, time.Now())
	if serr := e.reports.SetJobState(ctx, job.ID, state); serr != nil {
		logger.Warn("Settling job state failed", zap.Error(serr))
	}

	if err != nil {
		logger.Error("Job failed", zap.Error(err))
		return
	}
	logger.Info("Job succeeded", zap.String("record_id", recordID))
}

// runWrite executes an order entry with exclusive browser access. The
// priority lock is taken before the session so background reads are parked
// or cancelled first; a lock timeout fails the job without touching the
// browser at all.
func (e *Engine) runWrite(ctx context.Context, job schemas.Job, logger *zap.Logger) (string, error) {
	started := time.Now()

	if err := e.lock.Pause(ctx); err != nil {
		e.saveReport(ctx, e.failedReport(job, started, err), logger)
		return "", err
	}
	defer e.lock.Resume()

	page, err := e.pool.Acquire(ctx, job.UserID)
	if err != nil {
		e.saveReport(ctx, e.failedReport(job, started, err), logger)
		return "", err
	}

	jobCtx, cancel := context.WithTimeout(ctx, e.jobTimeout())
	defer cancel()

	runner := protocol.NewRunner(e.logger, e.bus, job.ID, e.cfg.Engine.StepTimeout, 0)
	recordID, runErr := e.driver.CreateOrder(jobCtx, runner, page, job.Order)

	rep := &schemas.OperationReport{
		JobID:      job.ID,
		UserID:     job.UserID,
		Kind:       job.Kind,
		Label:      job.Label,
		Steps:      runner.Results(),
		StartedAt:  started,
		FinishedAt: time.Now(),
	}

	if runErr == nil {
		rep.Succeeded = true
		rep.RecordID = recordID
		e.pool.Release(ctx, job.UserID, schemas.ReleaseHealthy)
		e.saveReport(ctx, rep, logger)
		return recordID, nil
	}

	rep.Error = runErr.Error()
	var aborted *schemas.ProtocolAbortedError
	if errors.As(runErr, &aborted) {
		rep.ExternalStateUncertain = aborted.ExternalStateUncertain
	}
	// Capture before release; an evicted page cannot be screenshotted.
	if ref, derr := e.diag.Capture(ctx, job.ID, page, rep.Steps, runErr); derr != nil {
		logger.Warn("Diagnostics capture failed", zap.Error(derr))
	} else {
		rep.Diagnostics = ref
	}
	outcome := schemas.ReleaseHealthy
	if schemas.SessionFatal(runErr) {
		outcome = schemas.ReleaseEvict
	}
	e.pool.Release(ctx, job.UserID, outcome)
	e.saveReport(ctx, rep, logger)
	return "", runErr
}

// runRead executes an on-demand catalog snapshot. Queued reads ride the same
// FIFO as writes and are already serialized behind them, so they take no
// lock; only the background sync contends with writes.
func (e *Engine) runRead(ctx context.Context, job schemas.Job, logger *zap.Logger) error {
	started := time.Now()

	page, err := e.pool.Acquire(ctx, job.UserID)
	if err != nil {
		e.saveReport(ctx, e.failedReport(job, started, err), logger)
		return err
	}

	jobCtx, cancel := context.WithTimeout(ctx, e.jobTimeout())
	defer cancel()

	entries, err := e.driver.SnapshotCatalog(jobCtx, page, nil)

	rep := &schemas.OperationReport{
		JobID:      job.ID,
		UserID:     job.UserID,
		Kind:       job.Kind,
		Label:      job.Label,
		StartedAt:  started,
		FinishedAt: time.Now(),
	}

	if err != nil {
		rep.Error = err.Error()
		if ref, derr := e.diag.Capture(ctx, job.ID, page, nil, err); derr != nil {
			logger.Warn("Diagnostics capture failed", zap.Error(derr))
		} else {
			rep.Diagnostics = ref
		}
		outcome := schemas.ReleaseHealthy
		if schemas.SessionFatal(err) {
			outcome = schemas.ReleaseEvict
		}
		e.pool.Release(ctx, job.UserID, outcome)
		e.saveReport(ctx, rep, logger)
		return err
	}

	rep.Succeeded = true
	e.pool.Release(ctx, job.UserID, schemas.ReleaseHealthy)
	e.saveReport(ctx, rep, logger)
	e.deliverCatalog(ctx, job.UserID, entries, logger)
	logger.Info("Catalog snapshot finished", zap.Int("articles", len(entries)))
	return nil
}

// runSync is the background catalog refresh loop. It registers with the
// priority lock and wraps every run in a work span, so a write job can park
// it at a checkpoint or cancel it outright within the grace window.
func (e *Engine) runSync(ctx context.Context) {
	defer e.wg.Done()
	logger := e.logger.With(zap.String("component", "catalog_sync"))

	handle := e.lock.Register("catalog-sync")
	defer handle.Unregister()

	interval := e.cfg.Engine.Sync.Interval
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	logger.Info("Catalog sync scheduled",
		zap.Duration("interval", interval),
		zap.String("user_id", e.cfg.Engine.Sync.UserID))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Catalog sync stopped")
			return
		case <-ticker.C:
			e.syncOnce(ctx, handle, logger)
		}
	}
}

// syncOnce performs one catalog snapshot inside a guard span. Between
// checkpoints the walk runs under a watchdog budget: if it stalls past the
// configured interval it loses its context instead of holding a paused write
// job for the whole grace window.
func (e *Engine) syncOnce(ctx context.Context, handle *guard.Handle, logger *zap.Logger) {
	spanCtx, end, err := handle.BeginWork(ctx)
	if err != nil {
		return
	}
	defer end()

	workCtx, cancelWork := context.WithCancel(spanCtx)
	defer cancelWork()

	userID := e.cfg.Engine.Sync.UserID
	page, err := e.pool.Acquire(workCtx, userID)
	if err != nil {
		if spanCtx.Err() == nil {
			logger.Warn("Catalog sync could not acquire a session", zap.Error(err))
		}
		return
	}

	budget := e.cfg.Engine.CheckpointInterval
	if budget <= 0 {
		budget = 3 * time.Second
	}
	watchdog := time.AfterFunc(budget, cancelWork)
	defer watchdog.Stop()
	checkpoint := func(cpCtx context.Context) error {
		// The watchdog must not fire while parked under a paused lock.
		watchdog.Stop()
		if err := handle.Checkpoint(cpCtx); err != nil {
			return err
		}
		watchdog.Reset(budget)
		return nil
	}

	entries, err := e.driver.SnapshotCatalog(workCtx, page, checkpoint)
	if err != nil {
		outcome := schemas.ReleaseHealthy
		if schemas.SessionFatal(err) {
			outcome = schemas.ReleaseEvict
		}
		e.pool.Release(ctx, userID, outcome)
		if spanCtx.Err() != nil {
			logger.Info("Catalog sync yielded to a write job")
			return
		}
		logger.Warn("Catalog sync failed", zap.Error(err))
		return
	}

	e.pool.Release(ctx, userID, schemas.ReleaseHealthy)
	e.deliverCatalog(ctx, userID, entries, logger)
	logger.Info("Catalog sync completed", zap.Int("articles", len(entries)))
}

func (e *Engine) deliverCatalog(ctx context.Context, userID string, entries []protocol.CatalogEntry, logger *zap.Logger) {
	if e.catalog == nil {
		return
	}
	if err := e.catalog.ConsumeCatalog(ctx, userID, entries); err != nil {
		logger.Warn("Catalog sink rejected snapshot", zap.Error(err))
	}
}

func (e *Engine) jobTimeout() time.Duration {
	if t := e.cfg.Engine.JobTimeout; t > 0 {
		return t
	}
	return 10 * time.Minute
}

func (e *Engine) failedReport(job schemas.Job, started time.Time, err error) *schemas.OperationReport {
	return &schemas.OperationReport{
		JobID:      job.ID,
		UserID:     job.UserID,
		Kind:       job.Kind,
		Label:      job.Label,
		Error:      err.Error(),
		StartedAt:  started,
		FinishedAt: time.Now(),
	}
}

func (e *Engine) saveReport(ctx context.Context, rep *schemas.OperationReport, logger *zap.Logger) {
	if err := e.reports.SaveReport(ctx, rep); err != nil {
		logger.Error("Persisting operation report failed", zap.Error(err))
	}
}
