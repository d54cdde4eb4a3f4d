// Package memory keeps recent run results in process memory.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/JakeFAU/quote-harvester/internal/crawler"
)

// DefaultCapacity is the number of runs retained when none is configured.
const DefaultCapacity = 32

// RunStore retains the most recent runs, evicting the oldest first.
type RunStore struct {
	mu       sync.RWMutex
	capacity int
	order    []string
	runs     map[string]crawler.RunResult
}

// NewRunStore constructs a RunStore holding at most capacity runs.
func NewRunStore(capacity int) *RunStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &RunStore{
		capacity: capacity,
		order:    make([]string, 0, capacity),
		runs:     make(map[string]crawler.RunResult, capacity),
	}
}

// SaveRun stores result, replacing any earlier result with the same ID.
func (s *RunStore) SaveRun(_ context.Context, result crawler.RunResult) error {
	if result.RunID == "" {
		return errors.New("run id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[result.RunID]; !exists {
		if len(s.order) == s.capacity {
			oldest := s.order[0]
			s.order = s.order[1:]
			delete(s.runs, oldest)
		}
		s.order = append(s.order, result.RunID)
	}
	s.runs[result.RunID] = result
	return nil
}

// GetRun fetches a run by ID.
func (s *RunStore) GetRun(_ context.Context, runID string) (crawler.RunResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return crawler.RunResult{}, crawler.ErrRunNotFound
	}
	return run, nil
}

// ListRuns returns summaries newest first. A non-positive limit yields an
// empty page and a negative offset is treated as zero.
func (s *RunStore) ListRuns(_ context.Context, limit, offset int) ([]crawler.RunSummary, error) {
	limit = max(limit, 0)
	offset = max(offset, 0)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.RunSummary, 0, min(limit, len(s.order)))
	for i := len(s.order) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.runs[s.order[i]].Summary())
	}
	return out, nil
}
