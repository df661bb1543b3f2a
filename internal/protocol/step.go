package protocol

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/H4tholdir/archibaldblackant-sub014/api/schemas"
)

// Step is one logical unit of a protocol run: a resolvable target, an
// interaction, and its completion condition, all folded into Do. Steps fail
// loudly; a failed step aborts the enclosing run with no silent partial
// progress.
type Step struct {
	// Name keys the step in traces, Label is the human milestone surfaced in
	// progress events.
	Name  string
	Label string

	// Weight is the step's share of the run's progress estimate.
	Weight int

	// Timeout bounds the whole step including retries; zero uses the
	// runner's default. Attempts > 1 re-runs Do on failure while the step
	// budget lasts.
	Timeout  time.Duration
	Attempts int

	Do func(ctx context.Context) error
}

// Runner executes steps sequentially for one job, collecting a trace and
// emitting progress milestones. A Runner is single-use and not safe for
// concurrent use; each job run builds its own.
type Runner struct {
	logger      *zap.Logger
	progress    schemas.ProgressSink
	jobID       string
	stepTimeout time.Duration

	totalWeight int
	doneWeight  int
	results     []schemas.StepResult
}

// NewRunner builds a runner for one job run. totalWeight is the weight sum of
// every step the run intends to execute; progress is reported against it.
func NewRunner(logger *zap.Logger, progress schemas.ProgressSink, jobID string, stepTimeout time.Duration, totalWeight int) *Runner {
	if totalWeight <= 0 {
		totalWeight = 1
	}
	return &Runner{
		logger:      logger.Named("steps").With(zap.String("job_id", jobID)),
		progress:    progress,
		jobID:       jobID,
		stepTimeout: stepTimeout,
		totalWeight: totalWeight,
	}
}

// SetTotalWeight fixes the denominator of the progress estimate once a
// protocol has planned its steps.
func (r *Runner) SetTotalWeight(w int) {
	if w > 0 {
		r.totalWeight = w
	}
}

// Results returns the trace of every step executed so far, in order.
func (r *Runner) Results() []schemas.StepResult {
	out := make([]schemas.StepResult, len(r.results))
	copy(out, r.results)
	return out
}

// Execute runs one step under its timeout, retrying per the step's policy.
// On success the runner advances the progress estimate and emits the step's
// milestone. The returned error is the step's final failure, with timeouts
// converted to the structured taxonomy.
func (r *Runner) Execute(ctx context.Context, step Step) error {
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = r.stepTimeout
	}
	attempts := step.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	r.logger.Debug("Executing step", zap.String("step", step.Name))
	start := time.Now()

	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	used, err := withRetry(stepCtx, attempts, 300*time.Millisecond, step.Do)
	cancel()

	result := schemas.StepResult{
		Name:      step.Name,
		Label:     step.Label,
		Attempts:  used,
		StartedAt: start,
		Elapsed:   time.Since(start),
	}

	if err != nil {
		// A burned step budget is a StepTimeout unless the whole job was
		// cancelled from above or the failure is already typed.
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil && !typedFailure(err) {
			err = &schemas.StepTimeoutError{Step: step.Name, Timeout: timeout}
		}
		result.Outcome = schemas.StepFailed
		result.Error = err.Error()
		r.results = append(r.results, result)
		r.logger.Warn("Step failed",
			zap.String("step", step.Name),
			zap.Int("attempts", used),
			zap.Error(err))
		return fmt.Errorf("step %s: %w", step.Name, err)
	}

	result.Outcome = schemas.StepOK
	if used > 1 {
		result.Outcome = schemas.StepRetried
	}
	r.results = append(r.results, result)

	r.doneWeight += step.Weight
	percent := 100 * r.doneWeight / r.totalWeight
	if percent > 100 {
		percent = 100
	}
	if r.progress != nil && step.Label != "" {
		r.progress.Emit(ctx, schemas.ProgressEvent{
			JobID:           r.jobID,
			StepLabel:       step.Label,
			PercentComplete: percent,
		})
	}
	r.logger.Debug("Step complete",
		zap.String("step", step.Name),
		zap.Int("percent", percent),
		zap.Duration("elapsed", result.Elapsed))
	return nil
}

// typedFailure reports whether the error already carries a taxonomy type
// that must not be masked by a timeout conversion.
func typedFailure(err error) bool {
	var notFound *schemas.ElementNotFoundError
	var stale *schemas.StaleSessionError
	var auth *schemas.AuthRejectedError
	return errors.As(err, &notFound) || errors.As(err, &stale) || errors.As(err, &auth)
}

// withRetry runs fn up to attempts times with doubling backoff, stopping
// early when ctx dies. It returns the number of attempts consumed alongside
// the final error. Every retry loop in the protocols goes through here so
// the policy stays in one place.
func withRetry(ctx context.Context, attempts int, backoff time.Duration, fn func(ctx context.Context) error) (int, error) {
	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			return attempt, nil
		}
		if attempt >= attempts || ctx.Err() != nil {
			return attempt, err
		}
		select {
		case <-ctx.Done():
			return attempt, err
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}
