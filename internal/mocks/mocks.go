// File: internal/mocks/mocks.go
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/H4tholdir/archibaldblackant-sub014/api/schemas"
)

// -- Session Store Mock --

// MockSessionStore mocks the schemas.SessionStore interface.
type MockSessionStore struct {
	mock.Mock
}

func (m *MockSessionStore) Save(ctx context.Context, rec schemas.SessionRecord) error {
	return m.Called(ctx, rec).Error(0)
}

func (m *MockSessionStore) Load(ctx context.Context, userID string) (*schemas.SessionRecord, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*schemas.SessionRecord), args.Error(1)
}

func (m *MockSessionStore) Clear(ctx context.Context, userID string) error {
	return m.Called(ctx, userID).Error(0)
}

// -- Report Store Mock --

// MockReportStore mocks the schemas.ReportStore interface.
type MockReportStore struct {
	mock.Mock
}

func (m *MockReportStore) CreateJob(ctx context.Context, job schemas.Job) error {
	return m.Called(ctx, job).Error(0)
}

func (m *MockReportStore) SetJobState(ctx context.Context, jobID string, state schemas.JobState) error {
	return m.Called(ctx, jobID, state).Error(0)
}

func (m *MockReportStore) SaveReport(ctx context.Context, rep *schemas.OperationReport) error {
	return m.Called(ctx, rep).Error(0)
}

// -- Diagnostics Sink Mock --

// MockDiagnosticsSink mocks the schemas.DiagnosticsSink interface.
type MockDiagnosticsSink struct {
	mock.Mock
}

func (m *MockDiagnosticsSink) Capture(ctx context.Context, jobID string, page schemas.PageSession, steps []schemas.StepResult, cause error) (*schemas.DiagnosticsRef, error) {
	args := m.Called(ctx, jobID, page, steps, cause)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*schemas.DiagnosticsRef), args.Error(1)
}

// -- Identity / Credential Mocks --

// MockIdentityResolver mocks the schemas.IdentityResolver interface.
type MockIdentityResolver struct {
	mock.Mock
}

func (m *MockIdentityResolver) Resolve(ctx context.Context, userID string) (schemas.UserIdentity, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return schemas.UserIdentity{}, args.Error(1)
	}
	return args.Get(0).(schemas.UserIdentity), args.Error(1)
}

// MockCredentialSource mocks the schemas.CredentialSource interface.
type MockCredentialSource struct {
	mock.Mock
}

func (m *MockCredentialSource) Credentials(ctx context.Context, userID string) (schemas.Credentials, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return schemas.Credentials{}, args.Error(1)
	}
	return args.Get(0).(schemas.Credentials), args.Error(1)
}

// -- Progress Sink Mock --

// MockProgressSink mocks the schemas.ProgressSink interface.
type MockProgressSink struct {
	mock.Mock
}

func (m *MockProgressSink) Emit(ctx context.Context, ev schemas.ProgressEvent) {
	m.Called(ctx, ev)
}

// -- Authenticator Mock --

// MockAuthenticator mocks the schemas.Authenticator interface.
type MockAuthenticator struct {
	mock.Mock
}

func (m *MockAuthenticator) Login(ctx context.Context, page schemas.PageSession, creds schemas.Credentials) error {
	return m.Called(ctx, page, creds).Error(0)
}

func (m *MockAuthenticator) Probe(ctx context.Context, page schemas.PageSession) (bool, error) {
	args := m.Called(ctx, page)
	return args.Bool(0), args.Error(1)
}
