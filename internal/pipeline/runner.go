package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/comercium/deployctl/internal/cli"
	"github.com/comercium/deployctl/internal/executil"
)

// ErrRunInProgress is returned when Run is called while another run is
// active. Serve mode surfaces this as HTTP 409.
var ErrRunInProgress = errors.New("deploy run already in progress")

// Runner executes a fixed sequence of steps. A Runner is reused across runs
// in serve mode; only one run may be active at a time.
type Runner struct {
	steps []Step

	running atomic.Bool
	mu      sync.RWMutex
	last    *RunResult
}

// NewRunner creates a Runner for the given steps.
func NewRunner(steps []Step) *Runner {
	return &Runner{steps: steps}
}

// InProgress reports whether a run is currently active.
func (r *Runner) InProgress() bool {
	return r.running.Load()
}

// LastResult returns a snapshot of the most recent run, or nil before the
// first run. The snapshot is updated after every stage transition, so serve
// mode can report progress mid-run.
func (r *Runner) LastResult() *RunResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last
}

func (r *Runner) storeLast(res *RunResult) {
	cp := *res
	cp.Stages = append([]StageResult(nil), res.Stages...)

	r.mu.Lock()
	r.last = &cp
	r.mu.Unlock()
}

// Run executes all steps in order. The first fatal stage failure aborts the
// run; non-fatal failures are recorded and the run continues. The returned
// RunResult is always non-nil when the run started, even on failure.
func (r *Runner) Run(ctx context.Context, rc *RunContext) (*RunResult, error) {
	if !r.running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	defer r.running.Store(false)

	result := &RunResult{
		ID:        rc.RunID,
		Profile:   rc.Profile,
		Status:    StatusRunning,
		StartedAt: time.Now(),
		Stages:    make([]StageResult, len(r.steps)),
	}
	for i, step := range r.steps {
		result.Stages[i] = StageResult{Name: step.Stage.Name(), Status: StatusPending}
	}
	r.storeLast(result)

	rc.Console.Printf("deploying %s profile=%s run=%s", rc.Config.Project, rc.Profile, shortID(rc.RunID))
	rc.Log.Info("deploy run started", "run_id", rc.RunID, "profile", rc.Profile, "stages", result.StageNames())
	rc.Events.Publish(Event{Type: EventRunStarted, RunID: rc.RunID, Profile: rc.Profile, Status: StatusRunning})

	var failErr error
	for i := range r.steps {
		if err := ctx.Err(); err != nil {
			failErr = err
			break
		}

		step := r.steps[i]
		name := step.Stage.Name()
		sr := &result.Stages[i]
		sr.Status = StatusRunning
		sr.StartedAt = time.Now()
		r.storeLast(result)

		rc.Console.Stage(name)
		rc.Log.Info("stage started", "run_id", rc.RunID, "stage", name)
		rc.Events.Publish(Event{Type: EventStageStarted, RunID: rc.RunID, Stage: name, Status: StatusRunning})

		summary, err := step.Stage.Run(ctx, rc)
		elapsed := time.Since(sr.StartedAt)
		sr.DurationMs = elapsed.Milliseconds()

		var skip *SkipError
		switch {
		case err == nil:
			sr.Status = StatusOK
			sr.Summary = summary
			rc.Console.StageOK(name, elapsed)
			rc.Log.Info("stage finished", "run_id", rc.RunID, "stage", name, "duration_ms", sr.DurationMs, "summary", summary)

		case errors.As(err, &skip):
			sr.Status = StatusSkipped
			sr.Summary = skip.Reason
			rc.Console.StageSkipped(name, skip.Reason)
			rc.Log.Info("stage skipped", "run_id", rc.RunID, "stage", name, "reason", skip.Reason)

		case step.NonFatal && ctx.Err() == nil:
			sr.Status = StatusWarned
			sr.Error = err.Error()
			sr.ExitCode = exitCodeFor(err)
			rc.Console.StageWarned(name, err)
			rc.Log.Warn("stage failed, continuing", "run_id", rc.RunID, "stage", name, "error", err.Error())

		default:
			sr.Status = StatusFailed
			sr.Error = err.Error()
			sr.ExitCode = exitCodeFor(err)
			rc.Console.StageFailed(name, err)
			rc.Log.Error("stage failed", "run_id", rc.RunID, "stage", name, "error", err.Error())
			failErr = fmt.Errorf("stage %s: %w", name, err)
		}

		rc.Events.Publish(Event{
			Type:       EventStageFinished,
			RunID:      rc.RunID,
			Stage:      name,
			Status:     sr.Status,
			Message:    firstNonEmpty(sr.Error, sr.Summary),
			DurationMs: sr.DurationMs,
		})
		r.storeLast(result)

		if failErr != nil {
			break
		}
	}

	result.FinishedAt = time.Now()
	result.DurationMs = result.FinishedAt.Sub(result.StartedAt).Milliseconds()
	if failErr != nil {
		result.Status = StatusFailed
		result.Error = failErr.Error()
		result.ExitCode = exitCodeFor(failErr)
		rc.Console.Error(fmt.Sprintf("deploy failed after %s", time.Duration(result.DurationMs)*time.Millisecond))
		rc.Log.Error("deploy run failed", "run_id", rc.RunID, "error", result.Error, "exit_code", result.ExitCode)
	} else {
		result.Status = StatusOK
		rc.Console.Success(fmt.Sprintf("deploy complete in %s", time.Duration(result.DurationMs)*time.Millisecond))
		rc.Log.Info("deploy run finished", "run_id", rc.RunID, "duration_ms", result.DurationMs)
	}

	rc.Events.Publish(Event{
		Type:       EventRunFinished,
		RunID:      rc.RunID,
		Profile:    rc.Profile,
		Status:     result.Status,
		Message:    result.Error,
		DurationMs: result.DurationMs,
	})
	r.storeLast(result)

	return result, failErr
}

// exitCodeFor maps a stage error to the process exit code. Failures of
// external commands keep the child's exit code; everything else exits 1.
func exitCodeFor(err error) int {
	var cmdErr *executil.CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.Code
	}
	var exitErr *cli.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return 1
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
