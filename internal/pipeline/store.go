package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Run statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusDegraded  = "degraded" // completed, but one or more streams failed
	StatusFailed    = "failed"
)

// Run is the audit record of one pipeline execution. It holds run metadata
// and counts only; clinical results are never persisted.
type Run struct {
	ID           uuid.UUID  `json:"id"`
	Status       string     `json:"status"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	Patients     int        `json:"patients"`
	Observations int        `json:"observations"`
	Abnormal     int        `json:"abnormal"`
	Normal       int        `json:"normal"`
	FailedFiles  int        `json:"failed_files"`
	Delivered    bool       `json:"delivered"`
	Error        string     `json:"error,omitempty"`
}

// RunStore persists run audit records.
type RunStore interface {
	Create(ctx context.Context, run *Run) error
	Update(ctx context.Context, run *Run) error
	Get(ctx context.Context, id uuid.UUID) (*Run, error)
	List(ctx context.Context, limit int) ([]*Run, error)
}

// InMemoryRunStore is a thread-safe in-memory RunStore, used when no
// database is configured and in tests.
type InMemoryRunStore struct {
	mu   sync.RWMutex
	runs map[uuid.UUID]*Run
}

// NewInMemoryRunStore creates a new empty store.
func NewInMemoryRunStore() *InMemoryRunStore {
	return &InMemoryRunStore{runs: make(map[uuid.UUID]*Run)}
}

func (s *InMemoryRunStore) Create(_ context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	copied := *run
	s.runs[run.ID] = &copied
	return nil
}

func (s *InMemoryRunStore) Update(_ context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; !exists {
		return fmt.Errorf("run %s not found", run.ID)
	}
	copied := *run
	s.runs[run.ID] = &copied
	return nil
}

func (s *InMemoryRunStore) Get(_ context.Context, id uuid.UUID) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s not found", id)
	}
	copied := *run
	return &copied, nil
}

func (s *InMemoryRunStore) List(_ context.Context, limit int) ([]*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]*Run, 0, len(s.runs))
	for _, r := range s.runs {
		copied := *r
		runs = append(runs, &copied)
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}
