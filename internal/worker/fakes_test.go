package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"blood-test-analyzer/internal/models"
)

// fakeStore mirrors the store's transition rules in memory: terminal states
// are sticky, progress never decreases, the first error wins. It records the
// sequence of observed progress values for monotonicity checks.
type fakeStore struct {
	mu           sync.Mutex
	status       map[string]string
	progress     map[string]float64
	results      map[string]map[string]string
	errorMessage map[string]string
	progressLog  map[string][]float64
}

func newFakeStore(ids ...string) *fakeStore {
	s := &fakeStore{
		status:       make(map[string]string),
		progress:     make(map[string]float64),
		results:      make(map[string]map[string]string),
		errorMessage: make(map[string]string),
		progressLog:  make(map[string][]float64),
	}
	for _, id := range ids {
		s.status[id] = models.StatusPending
		s.results[id] = make(map[string]string)
	}
	return s
}

func (s *fakeStore) UpdateStatus(_ context.Context, id string, status string, progress *float64, errMsg *string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.status[id]
	if !ok {
		return false, errors.New("analysis not found")
	}
	if models.IsTerminal(current) {
		return false, nil
	}
	s.status[id] = status
	if progress != nil && *progress > s.progress[id] {
		s.progress[id] = *progress
	}
	s.progressLog[id] = append(s.progressLog[id], s.progress[id])
	if errMsg != nil {
		if _, set := s.errorMessage[id]; !set {
			s.errorMessage[id] = *errMsg
		}
	}
	return true, nil
}

func (s *fakeStore) SetStageResult(_ context.Context, id string, stage string, text string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.status[id]
	if !ok {
		return false, errors.New("analysis not found")
	}
	if models.IsTerminal(current) {
		return false, nil
	}
	s.results[id][stage] = text
	return true, nil
}

func (s *fakeStore) snapshot(id string) (status string, progress float64, results map[string]string, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	results = make(map[string]string, len(s.results[id]))
	for k, v := range s.results[id] {
		results[k] = v
	}
	return s.status[id], s.progress[id], results, s.errorMessage[id]
}

func (s *fakeStore) progressHistory(id string) []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]float64, len(s.progressLog[id]))
	copy(out, s.progressLog[id])
	return out
}

// fakeRunner scripts per-stage outcomes and counts invocations.
type fakeRunner struct {
	mu      sync.Mutex
	fail    map[string]error
	calls   map[string]int
	order   []string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		fail:  make(map[string]error),
		calls: make(map[string]int),
	}
}

func (r *fakeRunner) Execute(_ context.Context, stage, query, fileRef string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[stage]++
	r.order = append(r.order, stage)
	if err, ok := r.fail[stage]; ok {
		return "", &StageError{Stage: stage, Err: err}
	}
	return fmt.Sprintf("%s report for %q", stage, query), nil
}

func (r *fakeRunner) callCount(stage string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[stage]
}
