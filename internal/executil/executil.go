// Package executil runs external commands for the deploy pipeline. It
// streams output line by line, keeps a bounded tail for error reporting, and
// preserves the child's exit code so the process can propagate it.
package executil

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const defaultTailLines = 40

// CommandError reports a command that started but exited non-zero. The exit
// code travels up to the CLI so `deployctl run` exits with the same code the
// failing tool did.
type CommandError struct {
	Name string
	Code int
	Tail string
}

func (e *CommandError) Error() string {
	if e.Tail == "" {
		return fmt.Sprintf("%s exited with code %d", e.Name, e.Code)
	}
	return fmt.Sprintf("%s exited with code %d: %s", e.Name, e.Code, lastLine(e.Tail))
}

// Spec describes one command invocation.
type Spec struct {
	Name string
	Args []string
	Dir  string
	// Env entries are appended to the parent environment.
	Env []string
	// OnLine receives every output line (stdout and stderr interleaved).
	OnLine func(line string)
	// TailLines bounds the retained output tail. Zero means the default.
	TailLines int
}

// Result captures the outcome of a finished command.
type Result struct {
	ExitCode int
	Duration time.Duration

	mu   sync.Mutex
	tail []string
	max  int
}

// Tail returns the retained output, newest lines last.
func (r *Result) Tail() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.tail, "\n")
}

func (r *Result) appendLine(line string, onLine func(string)) {
	r.mu.Lock()
	if len(r.tail) == r.max {
		copy(r.tail, r.tail[1:])
		r.tail[r.max-1] = line
	} else {
		r.tail = append(r.tail, line)
	}
	r.mu.Unlock()

	if onLine != nil {
		onLine(line)
	}
}

// Available reports whether name resolves in PATH.
func Available(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

// Run executes the command described by spec and waits for it to finish.
// Context cancellation kills the child. A non-zero exit returns both the
// Result and a *CommandError wrapping the exit code.
func Run(ctx context.Context, spec Spec) (*Result, error) {
	max := spec.TailLines
	if max <= 0 {
		max = defaultTailLines
	}
	res := &Result{max: max}

	cmd := exec.CommandContext(ctx, spec.Name, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("pipe stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("pipe stderr: %w", err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Name, err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go pump(&wg, stdout, res, spec.OnLine)
	go pump(&wg, stderr, res, spec.OnLine)
	wg.Wait()

	waitErr := cmd.Wait()
	res.Duration = time.Since(start)

	if waitErr == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		return res, fmt.Errorf("%s interrupted: %w", spec.Name, ctx.Err())
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, &CommandError{Name: spec.Name, Code: res.ExitCode, Tail: res.Tail()}
	}
	return res, fmt.Errorf("run %s: %w", spec.Name, waitErr)
}

func pump(wg *sync.WaitGroup, r io.Reader, res *Result, onLine func(string)) {
	defer wg.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		res.appendLine(sc.Text(), onLine)
	}
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if trimmed := strings.TrimSpace(lines[i]); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
