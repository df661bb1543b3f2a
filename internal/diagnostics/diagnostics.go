// Failure artifact capture. When a job dies, the worker hands the page and
// the step trace here; the sink freezes both to disk so the failure can be
// reconstructed after the session is long gone.
package diagnostics

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"

	"github.com/H4tholdir/archibaldblackant-sub014/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	traceFile      = "trace.json"
	screenshotFile = "screenshot.png"
)

// Sink writes per-job artifact directories under a base dir.
type Sink struct {
	logger *zap.Logger
	dir    string
	now    func() time.Time
}

var _ schemas.DiagnosticsSink = (*Sink)(nil)

// New creates the sink and its base directory.
func New(logger *zap.Logger, dir string) (*Sink, error) {
	expanded, err := homedir.Expand(dir)
	if err != nil {
		return nil, fmt.Errorf("expanding diagnostics dir: %w", err)
	}
	if err := os.MkdirAll(expanded, 0o755); err != nil {
		return nil, fmt.Errorf("creating diagnostics dir: %w", err)
	}
	return &Sink{
		logger: logger.Named("diagnostics"),
		dir:    expanded,
		now:    time.Now,
	}, nil
}

// trace is the on-disk shape of a captured failure.
type trace struct {
	JobID      string               `json:"job_id"`
	CapturedAt time.Time            `json:"captured_at"`
	Cause      string               `json:"cause,omitempty"`
	Steps      []schemas.StepResult `json:"steps"`
}

// Capture writes the step trace and, when the page still answers, a
// screenshot. The trace always lands first: a dead page must not cost the
// structured record of what happened.
func (s *Sink) Capture(ctx context.Context, jobID string, page schemas.PageSession, steps []schemas.StepResult, cause error) (*schemas.DiagnosticsRef, error) {
	artifactDir := filepath.Join(s.dir, sanitizeID(jobID))
	if err := os.MkdirAll(artifactDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating artifact dir for job %s: %w", jobID, err)
	}

	t := trace{
		JobID:      jobID,
		CapturedAt: s.now().UTC(),
		Steps:      steps,
	}
	if cause != nil {
		t.Cause = cause.Error()
	}
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding step trace for job %s: %w", jobID, err)
	}
	tracePath := filepath.Join(artifactDir, traceFile)
	if err := os.WriteFile(tracePath, data, 0o644); err != nil {
		return nil, fmt.Errorf("writing step trace for job %s: %w", jobID, err)
	}

	ref := &schemas.DiagnosticsRef{
		ArtifactDir: artifactDir,
		Trace:       tracePath,
	}

	if page != nil {
		shot, err := page.Screenshot(ctx)
		if err != nil {
			s.logger.Warn("Screenshot capture failed, keeping trace only",
				zap.String("job_id", jobID),
				zap.Error(err))
		} else {
			shotPath := filepath.Join(artifactDir, screenshotFile)
			if err := os.WriteFile(shotPath, shot, 0o644); err != nil {
				s.logger.Warn("Writing screenshot failed",
					zap.String("job_id", jobID),
					zap.Error(err))
			} else {
				ref.Screenshot = shotPath
			}
		}
	}

	s.logger.Info("Captured failure artifacts",
		zap.String("job_id", jobID),
		zap.String("dir", artifactDir),
		zap.Bool("screenshot", ref.Screenshot != ""))
	return ref, nil
}

// sanitizeID keeps artifact dirs flat regardless of what the id contains.
func sanitizeID(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.' || r == '_' || r == '-':
			return r
		default:
			return '_'
		}
	}, id)
}
