package schemas

import "time"

// -- Job Models --
// A Job is one unit of automation work executed against the target application
// on behalf of a single operator. Jobs are enqueued, run serially by the write
// worker (or on the sync schedule for read jobs), and always terminate in a
// final state with a persisted OperationReport.

// JobKind distinguishes state-changing work from read-only work.
type JobKind string

const (
	// JobKindWrite mutates the target application (order entry). Write jobs
	// run strictly in submission order.
	JobKindWrite JobKind = "WRITE"
	// JobKindRead only observes the target application (catalog sync). Read
	// jobs run in the background and yield to write work at checkpoints.
	JobKindRead JobKind = "READ"
)

// JobState is the lifecycle state of a job. Succeeded and Failed are final.
type JobState string

const (
	JobStateQueued    JobState = "QUEUED"
	JobStateRunning   JobState = "RUNNING"
	JobStateSucceeded JobState = "SUCCEEDED"
	JobStateFailed    JobState = "FAILED"
)

// Final reports whether the state is terminal.
func (s JobState) Final() bool {
	return s == JobStateSucceeded || s == JobStateFailed
}

// Job describes submitted work. Exactly one of Order (write) or Task (read)
// is set, depending on Kind.
type Job struct {
	ID         string        `json:"id"`
	UserID     string        `json:"user_id"`
	Kind       JobKind       `json:"kind"`
	Label      string        `json:"label"`
	Order      *OrderPayload `json:"order,omitempty"`
	Task       string        `json:"task,omitempty"`
	EnqueuedAt time.Time     `json:"enqueued_at"`
}

// JobStatus is the registry view of a job, safe to hand to callers while the
// job is still moving through its lifecycle.
type JobStatus struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	Kind       JobKind    `json:"kind"`
	Label      string     `json:"label"`
	State      JobState   `json:"state"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	RecordID   string     `json:"record_id,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// -- Order Payload --

// OrderLine is a single line item on an order. ArticleCode is matched exactly
// against the catalog grid first; Pattern is a glob matched against the
// package/variant cells when the exact code is not present.
type OrderLine struct {
	ArticleCode string  `json:"article_code"`
	Pattern     string  `json:"pattern,omitempty"`
	Quantity    int     `json:"quantity"`
	DiscountPct float64 `json:"discount_pct,omitempty"`
}

// OrderPayload is the input for the order-creation protocol.
type OrderPayload struct {
	// CustomerQuery is typed into the filtered customer lookup.
	CustomerQuery string `json:"customer_query"`
	// Customer is the exact visible name expected in the lookup results. When
	// empty, the query text itself is used for the exact match.
	Customer string      `json:"customer,omitempty"`
	Lines    []OrderLine `json:"lines"`
	// DiscountPct applies at the order level after all lines are committed.
	DiscountPct float64 `json:"discount_pct,omitempty"`
	Reference   string  `json:"reference,omitempty"`
}

// ExpectedCustomer returns the visible name the lookup must resolve to.
func (p *OrderPayload) ExpectedCustomer() string {
	if p.Customer != "" {
		return p.Customer
	}
	return p.CustomerQuery
}

// -- Step Results & Reports --

// StepOutcome classifies how a single protocol step ended.
type StepOutcome string

const (
	StepOK      StepOutcome = "OK"
	StepRetried StepOutcome = "RETRIED"
	StepFailed  StepOutcome = "FAILED"
)

// StepResult records one executed step of a protocol run, including how many
// attempts it took. Attempts > 1 with Outcome == StepOK means the step
// recovered on a retry (reported as StepRetried).
type StepResult struct {
	Name      string        `json:"name"`
	Label     string        `json:"label"`
	Outcome   StepOutcome   `json:"outcome"`
	Attempts  int           `json:"attempts"`
	Error     string        `json:"error,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Elapsed   time.Duration `json:"elapsed"`
}

// DiagnosticsRef points at the artifacts captured for a failed run.
type DiagnosticsRef struct {
	ArtifactDir string `json:"artifact_dir"`
	Screenshot  string `json:"screenshot,omitempty"`
	Trace       string `json:"trace,omitempty"`
}

// OperationReport is the durable record of one job run: every step with its
// outcome, the overall result, and the extracted record identifier when the
// target application confirmed one. It is written on success and failure
// alike.
type OperationReport struct {
	JobID     string       `json:"job_id"`
	UserID    string       `json:"user_id"`
	Kind      JobKind      `json:"kind"`
	Label     string       `json:"label"`
	Succeeded bool         `json:"succeeded"`
	RecordID  string       `json:"record_id,omitempty"`
	Steps     []StepResult `json:"steps"`
	// ExternalStateUncertain is set when a run aborted after committing at
	// least one mutation, so the target application may hold a partial record.
	ExternalStateUncertain bool            `json:"external_state_uncertain,omitempty"`
	Error                  string          `json:"error,omitempty"`
	Diagnostics            *DiagnosticsRef `json:"diagnostics,omitempty"`
	StartedAt              time.Time       `json:"started_at"`
	FinishedAt             time.Time       `json:"finished_at"`
}

// -- Progress --

// ProgressEvent is emitted at protocol milestones. PercentComplete is a
// monotonic estimate in [0,100] for the run that emitted it.
type ProgressEvent struct {
	JobID           string `json:"job_id"`
	StepLabel       string `json:"step_label"`
	PercentComplete int    `json:"percent_complete"`
}
