package queue

import (
	"sort"
	"sync"
	"time"

	"github.com/H4tholdir/archibaldblackant-sub014/api/schemas"
)

// Registry tracks every submitted job's lifecycle in memory, so status reads
// never touch the database. Entries live for the process lifetime.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]*schemas.JobStatus
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{jobs: make(map[string]*schemas.JobStatus)}
}

// Add records a freshly accepted job as queued.
func (r *Registry) Add(job schemas.Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = &schemas.JobStatus{
		ID:         job.ID,
		UserID:     job.UserID,
		Kind:       job.Kind,
		Label:      job.Label,
		State:      schemas.JobStateQueued,
		EnqueuedAt: job.EnqueuedAt,
	}
}

// MarkRunning transitions a job to running.
func (r *Registry) MarkRunning(jobID string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.jobs[jobID]; ok {
		st.State = schemas.JobStateRunning
		st.StartedAt = &at
	}
}

// MarkFinished records the terminal state together with the extracted record
// id on success or the failure message.
func (r *Registry) MarkFinished(jobID string, state schemas.JobState, recordID, errMsg string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.jobs[jobID]; ok {
		st.State = state
		st.RecordID = recordID
		st.Error = errMsg
		st.FinishedAt = &at
	}
}

// Get returns a copy of the job's status.
func (r *Registry) Get(jobID string) (schemas.JobStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.jobs[jobID]
	if !ok {
		return schemas.JobStatus{}, false
	}
	return *st, true
}

// List returns every known job, oldest submission first.
func (r *Registry) List() []schemas.JobStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]schemas.JobStatus, 0, len(r.jobs))
	for _, st := range r.jobs {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].EnqueuedAt.Before(out[j].EnqueuedAt)
	})
	return out
}
