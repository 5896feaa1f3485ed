package server

import (
	"strings"
	"sync"

	"github.com/comercium/deployctl/internal/pipeline"
)

// History keeps the most recent completed runs, newest first, capped at max.
type History struct {
	mu   sync.RWMutex
	max  int
	runs []*pipeline.RunResult
}

func NewHistory(max int) *History {
	if max < 1 {
		max = 1
	}
	return &History{max: max}
}

// Add prepends a completed run, evicting the oldest beyond the cap.
func (h *History) Add(r *pipeline.RunResult) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.runs = append([]*pipeline.RunResult{r}, h.runs...)
	if len(h.runs) > h.max {
		h.runs = h.runs[:h.max]
	}
}

// List returns the retained runs, newest first.
func (h *History) List() []*pipeline.RunResult {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]*pipeline.RunResult(nil), h.runs...)
}

// Get finds a run by full ID or unambiguous prefix.
func (h *History) Get(id string) (*pipeline.RunResult, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, r := range h.runs {
		if r.ID == id {
			return r, true
		}
	}
	var match *pipeline.RunResult
	for _, r := range h.runs {
		if strings.HasPrefix(r.ID, id) {
			if match != nil {
				return nil, false
			}
			match = r
		}
	}
	return match, match != nil
}

// Len returns the number of retained runs.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.runs)
}
