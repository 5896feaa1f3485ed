// Package pipeline runs deploy stages in a fixed order with fail-fast
// semantics. A profile selects which stages run; the runner owns ordering,
// status bookkeeping, and exit-code propagation. Individual stages live in
// internal/stages.
package pipeline

import (
	"context"
	"fmt"
	"time"
)

// Status values used across RunResult and StageResult.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusOK      Status = "ok"
	StatusSkipped Status = "skipped"
	StatusWarned  Status = "warned"
	StatusFailed  Status = "failed"
)

// Stage is one unit of deploy work. Run returns a short human summary for
// the run report ("applied 3 migrations") or an error.
type Stage interface {
	Name() string
	Run(ctx context.Context, rc *RunContext) (string, error)
}

// Step pairs a stage with its failure policy. Non-fatal steps log their
// error and let the run continue; everything else aborts the run.
type Step struct {
	Stage    Stage
	NonFatal bool
}

// SkipError signals that a stage decided not to run. The runner records the
// stage as skipped instead of failed.
type SkipError struct {
	Reason string
}

func (e *SkipError) Error() string { return e.Reason }

// Skip returns a SkipError with the given reason.
func Skip(reason string) error {
	return &SkipError{Reason: reason}
}

// Skipf returns a SkipError with a formatted reason.
func Skipf(format string, args ...any) error {
	return &SkipError{Reason: fmt.Sprintf(format, args...)}
}

// StageResult is the outcome of a single stage.
type StageResult struct {
	Name       string    `json:"name"`
	Status     Status    `json:"status"`
	Summary    string    `json:"summary,omitempty"`
	Error      string    `json:"error,omitempty"`
	ExitCode   int       `json:"exit_code,omitempty"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	DurationMs int64     `json:"duration_ms"`
}

// RunResult is the aggregate result of one deploy run.
type RunResult struct {
	ID         string        `json:"id"`
	Profile    string        `json:"profile"`
	Status     Status        `json:"status"`
	Stages     []StageResult `json:"stages"`
	Error      string        `json:"error,omitempty"`
	ExitCode   int           `json:"exit_code"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at,omitempty"`
	DurationMs int64         `json:"duration_ms"`
}

// StageNames returns the names of the planned stages in order.
func (r *RunResult) StageNames() []string {
	names := make([]string, len(r.Stages))
	for i, s := range r.Stages {
		names[i] = s.Name
	}
	return names
}
