// Package cli provides terminal output helpers and exit-code plumbing for
// deployctl commands.
package cli

import (
	"fmt"
	"io"
	"os"
	"time"
)

// Color codes for terminal output
const (
	ColorReset  = "\033[0m"
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorBlue   = "\033[34m"
	ColorCyan   = "\033[36m"
	ColorBold   = "\033[1m"
)

// ExitError carries a specific process exit code up to main.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

// Console writes human-facing status lines for a deploy run. Structured
// logging goes through pkg/logger; the Console is what an operator watching
// the build output reads.
type Console struct {
	w        io.Writer
	colorize bool
}

// NewConsole returns a Console writing to w. Color is enabled only when w is
// a terminal.
func NewConsole(w io.Writer) *Console {
	return &Console{w: w, colorize: isTerminal(w)}
}

// NewColorConsole returns a Console with color forced on or off. Tests and
// the --no-color flag use it.
func NewColorConsole(w io.Writer, colorize bool) *Console {
	return &Console{w: w, colorize: colorize}
}

func (c *Console) color(text, color string) string {
	if !c.colorize {
		return text
	}
	return color + text + ColorReset
}

// Printf writes a plain formatted line.
func (c *Console) Printf(format string, args ...any) {
	fmt.Fprintf(c.w, format+"\n", args...)
}

// Success prints a success message.
func (c *Console) Success(message string) {
	fmt.Fprintf(c.w, "%s %s\n", c.color("✓", ColorGreen), message)
}

// Error prints an error message.
func (c *Console) Error(message string) {
	fmt.Fprintf(c.w, "%s %s\n", c.color("✗", ColorRed), message)
}

// Warning prints a warning message.
func (c *Console) Warning(message string) {
	fmt.Fprintf(c.w, "%s %s\n", c.color("⚠", ColorYellow), message)
}

// Info prints an info message.
func (c *Console) Info(message string) {
	fmt.Fprintf(c.w, "%s %s\n", c.color("ℹ", ColorBlue), message)
}

// Progress returns a progress bar bound to the console's writer.
func (c *Console) Progress(total int, prefix string) *ProgressBar {
	return NewProgressBar(c.w, total, prefix)
}

// Stage announces that a pipeline stage is starting.
func (c *Console) Stage(name string) {
	fmt.Fprintf(c.w, "%s %s\n", c.color("==>", ColorBold), name)
}

// StageOK reports a stage that completed.
func (c *Console) StageOK(name string, d time.Duration) {
	c.Success(fmt.Sprintf("%s (%s)", name, formatDuration(d)))
}

// StageSkipped reports a stage that did not run.
func (c *Console) StageSkipped(name, reason string) {
	c.Info(fmt.Sprintf("%s skipped: %s", name, reason))
}

// StageWarned reports a non-fatal stage failure the run continued past.
func (c *Console) StageWarned(name string, err error) {
	c.Warning(fmt.Sprintf("%s failed (continuing): %v", name, err))
}

// StageFailed reports the stage that aborted the run.
func (c *Console) StageFailed(name string, err error) {
	c.Error(fmt.Sprintf("%s failed: %v", name, err))
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fileInfo, _ := f.Stat()
	return (fileInfo.Mode() & os.ModeCharDevice) != 0
}

// formatDuration formats a duration for display
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
}
