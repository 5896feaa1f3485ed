package cli

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// ProgressBar tracks completion of a counted batch of work, like the static
// asset collector walking source files.
type ProgressBar struct {
	total     int
	current   int
	width     int
	prefix    string
	mu        sync.Mutex
	writer    io.Writer
	startTime time.Time
	colorize  bool
}

// NewProgressBar creates a progress bar for total units of work.
func NewProgressBar(w io.Writer, total int, prefix string) *ProgressBar {
	return &ProgressBar{
		total:     total,
		width:     40,
		prefix:    prefix,
		writer:    w,
		startTime: time.Now(),
		colorize:  isTerminal(w),
	}
}

// Increment advances the bar by one unit.
func (pb *ProgressBar) Increment() {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	pb.current++
	if pb.current > pb.total {
		pb.current = pb.total
	}
	pb.render()
}

// Finish completes the bar and terminates the line.
func (pb *ProgressBar) Finish() {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	pb.current = pb.total
	pb.render()
	fmt.Fprintln(pb.writer)
}

func (pb *ProgressBar) render() {
	if pb.total <= 0 {
		return
	}
	percent := float64(pb.current) / float64(pb.total)
	filled := int(float64(pb.width) * percent)

	bar := strings.Repeat("█", filled) + strings.Repeat("░", pb.width-filled)
	if pb.colorize {
		if percent < 1.0 {
			bar = ColorCyan + bar + ColorReset
		} else {
			bar = ColorGreen + bar + ColorReset
		}
	}

	fmt.Fprintf(pb.writer, "\r%s [%s] %d/%d (%s)",
		pb.prefix, bar, pb.current, pb.total, formatDuration(time.Since(pb.startTime)))
}
