package schemas

import (
	"context"
	"time"
)

// -- Collaborator Interfaces --
// Contracts between the engine's packages live here so implementations stay
// swappable in tests. Constructors accept these interfaces and return their
// concrete types.

// PageSession is the primitive surface of one isolated browser session. All
// higher-level behavior (resolution, protocol steps) composes these calls.
// Implementations are not safe for concurrent use; serialization is the
// caller's job and is enforced by the priority lock.
type PageSession interface {
	// ID returns the stable identifier of this session.
	ID() string
	// Navigate loads the URL and waits for the document to become ready.
	Navigate(ctx context.Context, url string) error
	// Click clicks the element addressed by the CSS selector.
	Click(ctx context.Context, selector string) error
	// Type focuses the element, clears it and types text with humanized
	// cadence.
	Type(ctx context.Context, selector, text string) error
	// SetValue sets the element's value directly and fires a change event.
	// Used for fields the application populates programmatically.
	SetValue(ctx context.Context, selector, value string) error
	// SendKeys dispatches raw key input (e.g. kb.Enter) to the focused
	// element.
	SendKeys(ctx context.Context, keys string) error
	// Snapshot returns the serialized DOM of the current document.
	Snapshot(ctx context.Context) (string, error)
	// Screenshot captures the viewport as PNG.
	Screenshot(ctx context.Context) ([]byte, error)
	// WaitIdle blocks until in-flight page activity settles for the quiet
	// window, or ctx expires.
	WaitIdle(ctx context.Context, quiet time.Duration) error
	// CurrentURL returns the document URL.
	CurrentURL(ctx context.Context) (string, error)
	Cookies(ctx context.Context) ([]Cookie, error)
	SetCookies(ctx context.Context, cookies []Cookie) error
	// Alive probes whether the underlying browser target still responds.
	Alive(ctx context.Context) bool
	Close(ctx context.Context) error
}

// SessionStore persists authenticated cookie state per operator. Load returns
// (nil, nil) when no usable record exists; expired records are discarded, not
// returned.
type SessionStore interface {
	Save(ctx context.Context, rec SessionRecord) error
	Load(ctx context.Context, userID string) (*SessionRecord, error)
	Clear(ctx context.Context, userID string) error
}

// ReportStore persists job lifecycle transitions and operation reports.
type ReportStore interface {
	CreateJob(ctx context.Context, job Job) error
	SetJobState(ctx context.Context, jobID string, state JobState) error
	SaveReport(ctx context.Context, rep *OperationReport) error
}

// DiagnosticsSink captures failure artifacts: a screenshot of the page as the
// failure saw it plus the structured step trace. Capture must tolerate a dead
// page and still write the trace.
type DiagnosticsSink interface {
	Capture(ctx context.Context, jobID string, page PageSession, steps []StepResult, cause error) (*DiagnosticsRef, error)
}

// IdentityResolver maps an operator id to a display identity for labeling
// jobs and reports.
type IdentityResolver interface {
	Resolve(ctx context.Context, userID string) (UserIdentity, error)
}

// CredentialSource yields login credentials for an operator. Credential
// acquisition itself (vaults, prompts) is outside the engine.
type CredentialSource interface {
	Credentials(ctx context.Context, userID string) (Credentials, error)
}

// ProgressSink receives milestone events during protocol runs.
type ProgressSink interface {
	Emit(ctx context.Context, ev ProgressEvent)
}

// Authenticator drives the target application's login flow on a fresh page
// and probes whether a page currently shows an authenticated view. The pool
// depends on this contract so the login protocol stays with the other form
// protocols.
type Authenticator interface {
	Login(ctx context.Context, page PageSession, creds Credentials) error
	Probe(ctx context.Context, page PageSession) (bool, error)
}
