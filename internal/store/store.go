// Durable job and report persistence on PostgreSQL. The engine works fine
// without it (see Memory); deployments that need an audit trail of what was
// pushed into the target application point postgres.url at a database.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/H4tholdir/archibaldblackant-sub014/api/schemas"
)

// DBPool abstracts pgxpool.Pool so tests can run against a mock.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// Store is the PostgreSQL implementation of schemas.ReportStore.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

var _ schemas.ReportStore = (*Store)(nil)

// New creates a store and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("pinging report database: %w", err)
	}
	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS jobs (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    label TEXT NOT NULL DEFAULT '',
    payload JSONB NOT NULL DEFAULT '{}',
    state TEXT NOT NULL,
    enqueued_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_state_enqueued_at ON jobs(state, enqueued_at);

CREATE TABLE IF NOT EXISTS operation_reports (
    job_id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    label TEXT NOT NULL DEFAULT '',
    succeeded BOOLEAN NOT NULL,
    record_id TEXT NOT NULL DEFAULT '',
    external_state_uncertain BOOLEAN NOT NULL DEFAULT FALSE,
    error TEXT NOT NULL DEFAULT '',
    diagnostics JSONB,
    started_at TIMESTAMPTZ NOT NULL,
    finished_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS operation_steps (
    job_id TEXT NOT NULL,
    seq INT NOT NULL,
    name TEXT NOT NULL,
    label TEXT NOT NULL DEFAULT '',
    outcome TEXT NOT NULL,
    attempts INT NOT NULL,
    error TEXT NOT NULL DEFAULT '',
    started_at TIMESTAMPTZ NOT NULL,
    elapsed_ms BIGINT NOT NULL,
    PRIMARY KEY (job_id, seq)
);
`

// EnsureSchema creates the tables if they do not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensuring report schema: %w", err)
	}
	return nil
}

// CreateJob records a freshly accepted job in the queued state.
func (s *Store) CreateJob(ctx context.Context, job schemas.Job) error {
	payload := "{}"
	if job.Order != nil {
		data, err := json.Marshal(job.Order)
		if err != nil {
			return fmt.Errorf("encoding order payload for job %s: %w", job.ID, err)
		}
		payload = string(data)
	} else if job.Task != "" {
		data, err := json.Marshal(map[string]string{"task": job.Task})
		if err != nil {
			return fmt.Errorf("encoding task payload for job %s: %w", job.ID, err)
		}
		payload = string(data)
	}

	sql := `
        INSERT INTO jobs (id, user_id, kind, label, payload, state, enqueued_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8);
    `
	now := time.Now()
	_, err := s.pool.Exec(ctx, sql,
		job.ID, job.UserID, string(job.Kind), job.Label,
		payload, string(schemas.JobStateQueued), job.EnqueuedAt, now)
	if err != nil {
		return fmt.Errorf("inserting job %s: %w", job.ID, err)
	}
	return nil
}

// SetJobState advances a job's lifecycle state.
func (s *Store) SetJobState(ctx context.Context, jobID string, state schemas.JobState) error {
	sql := `UPDATE jobs SET state = $2, updated_at = $3 WHERE id = $1;`
	tag, err := s.pool.Exec(ctx, sql, jobID, string(state), time.Now())
	if err != nil {
		return fmt.Errorf("updating state of job %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s not found for state update", jobID)
	}
	return nil
}

// SaveReport persists one finished run: the report row plus its step trace,
// in a single transaction.
func (s *Store) SaveReport(ctx context.Context, rep *schemas.OperationReport) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning report transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback report transaction", zap.Error(rollbackErr))
		}
	}()

	var diagnostics any
	if rep.Diagnostics != nil {
		data, err := json.Marshal(rep.Diagnostics)
		if err != nil {
			return fmt.Errorf("encoding diagnostics ref for job %s: %w", rep.JobID, err)
		}
		diagnostics = string(data)
	}

	sql := `
        INSERT INTO operation_reports
            (job_id, user_id, kind, label, succeeded, record_id,
             external_state_uncertain, error, diagnostics, started_at, finished_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11);
    `
	if _, err := tx.Exec(ctx, sql,
		rep.JobID, rep.UserID, string(rep.Kind), rep.Label,
		rep.Succeeded, rep.RecordID, rep.ExternalStateUncertain, rep.Error,
		diagnostics, rep.StartedAt, rep.FinishedAt); err != nil {
		return fmt.Errorf("inserting report for job %s: %w", rep.JobID, err)
	}

	if len(rep.Steps) > 0 {
		if err := s.persistSteps(ctx, tx, rep.JobID, rep.Steps); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing report for job %s: %w", rep.JobID, err)
	}
	return nil
}

func (s *Store) persistSteps(ctx context.Context, tx pgx.Tx, jobID string, steps []schemas.StepResult) error {
	rows := make([][]interface{}, len(steps))
	for i, step := range steps {
		rows[i] = []interface{}{
			jobID, i,
			step.Name, step.Label, string(step.Outcome), step.Attempts, step.Error,
			step.StartedAt, step.Elapsed.Milliseconds(),
		}
	}

	copyCount, err := tx.CopyFrom(
		ctx,
		pgx.Identifier{"operation_steps"},
		[]string{"job_id", "seq", "name", "label", "outcome", "attempts", "error", "started_at", "elapsed_ms"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("copying steps for job %s: %w", jobID, err)
	}
	if int(copyCount) != len(steps) {
		return fmt.Errorf("mismatch in copied step count for job %s: expected %d, got %d", jobID, len(steps), copyCount)
	}
	return nil
}

// GetReport loads one job's report with its step trace. A job without a
// report yet yields (nil, nil).
func (s *Store) GetReport(ctx context.Context, jobID string) (*schemas.OperationReport, error) {
	query := `
        SELECT user_id, kind, label, succeeded, record_id,
               external_state_uncertain, error, diagnostics, started_at, finished_at
        FROM operation_reports
        WHERE job_id = $1;
    `
	rows, err := s.pool.Query(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("querying report for job %s: %w", jobID, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("reading report row for job %s: %w", jobID, err)
		}
		return nil, nil
	}

	rep := &schemas.OperationReport{JobID: jobID}
	var kind string
	var diagnostics []byte
	if err := rows.Scan(
		&rep.UserID, &kind, &rep.Label, &rep.Succeeded, &rep.RecordID,
		&rep.ExternalStateUncertain, &rep.Error, &diagnostics,
		&rep.StartedAt, &rep.FinishedAt); err != nil {
		return nil, fmt.Errorf("scanning report row for job %s: %w", jobID, err)
	}
	rep.Kind = schemas.JobKind(kind)
	if len(diagnostics) > 0 {
		var ref schemas.DiagnosticsRef
		if err := json.Unmarshal(diagnostics, &ref); err != nil {
			return nil, fmt.Errorf("decoding diagnostics ref for job %s: %w", jobID, err)
		}
		rep.Diagnostics = &ref
	}
	rows.Close()

	steps, err := s.loadSteps(ctx, jobID)
	if err != nil {
		return nil, err
	}
	rep.Steps = steps
	return rep, nil
}

func (s *Store) loadSteps(ctx context.Context, jobID string) ([]schemas.StepResult, error) {
	query := `
        SELECT name, label, outcome, attempts, error, started_at, elapsed_ms
        FROM operation_steps
        WHERE job_id = $1
        ORDER BY seq ASC;
    `
	rows, err := s.pool.Query(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("querying steps for job %s: %w", jobID, err)
	}
	defer rows.Close()

	var steps []schemas.StepResult
	for rows.Next() {
		var step schemas.StepResult
		var outcome string
		var elapsedMS int64
		if err := rows.Scan(&step.Name, &step.Label, &outcome, &step.Attempts,
			&step.Error, &step.StartedAt, &elapsedMS); err != nil {
			return nil, fmt.Errorf("scanning step row for job %s: %w", jobID, err)
		}
		step.Outcome = schemas.StepOutcome(outcome)
		step.Elapsed = time.Duration(elapsedMS) * time.Millisecond
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating step rows for job %s: %w", jobID, err)
	}
	return steps, nil
}

// ListJobs returns the most recently submitted jobs, newest first. The jobs
// table only tracks identity and state; timings and outcomes live on the
// report.
func (s *Store) ListJobs(ctx context.Context, limit int) ([]schemas.JobStatus, error) {
	if limit < 1 {
		limit = 20
	}
	query := `
        SELECT id, user_id, kind, label, state, enqueued_at
        FROM jobs
        ORDER BY enqueued_at DESC
        LIMIT $1;
    `
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("querying jobs: %w", err)
	}
	defer rows.Close()

	var jobs []schemas.JobStatus
	for rows.Next() {
		var st schemas.JobStatus
		var kind, state string
		if err := rows.Scan(&st.ID, &st.UserID, &kind, &st.Label, &state, &st.EnqueuedAt); err != nil {
			return nil, fmt.Errorf("scanning job row: %w", err)
		}
		st.Kind = schemas.JobKind(kind)
		st.State = schemas.JobState(state)
		jobs = append(jobs, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating job rows: %w", err)
	}
	return jobs, nil
}
