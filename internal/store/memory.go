package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/H4tholdir/archibaldblackant-sub014/api/schemas"
)

// Memory keeps jobs and reports in process, for deployments that run without
// a report database. Contents die with the process.
type Memory struct {
	mu      sync.Mutex
	states  map[string]schemas.JobState
	reports map[string]*schemas.OperationReport
}

var _ schemas.ReportStore = (*Memory)(nil)

// NewMemory creates an empty in-process store.
func NewMemory() *Memory {
	return &Memory{
		states:  make(map[string]schemas.JobState),
		reports: make(map[string]*schemas.OperationReport),
	}
}

func (m *Memory) CreateJob(_ context.Context, job schemas.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.states[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	m.states[job.ID] = schemas.JobStateQueued
	return nil
}

func (m *Memory) SetJobState(_ context.Context, jobID string, state schemas.JobState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.states[jobID]; !exists {
		return fmt.Errorf("job %s not found for state update", jobID)
	}
	m.states[jobID] = state
	return nil
}

func (m *Memory) SaveReport(_ context.Context, rep *schemas.OperationReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rep
	cp.Steps = append([]schemas.StepResult(nil), rep.Steps...)
	m.reports[rep.JobID] = &cp
	return nil
}

// GetReport returns the stored report, or (nil, nil) when the job has none.
func (m *Memory) GetReport(_ context.Context, jobID string) (*schemas.OperationReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rep, ok := m.reports[jobID]
	if !ok {
		return nil, nil
	}
	cp := *rep
	cp.Steps = append([]schemas.StepResult(nil), rep.Steps...)
	return &cp, nil
}
