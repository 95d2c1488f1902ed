package reconcile

import (
	"context"
	"sort"
	"sync"
)

// RunStore persists reconciliation runs. Update replaces the stored run
// wholesale; callers mutate a copy and write it back.
type RunStore interface {
	CreateRun(ctx context.Context, run Run) error
	GetRun(ctx context.Context, id string) (Run, error)
	UpdateRun(ctx context.Context, run Run) error
	ListRuns(ctx context.Context, accountID string, limit int) ([]Run, error)
}

// InMemoryRuns is the non-durable RunStore used by tests and dev mode.
type InMemoryRuns struct {
	mu   sync.RWMutex
	runs map[string]Run
	seq  []string // creation order, newest last
}

func NewInMemoryRuns() *InMemoryRuns {
	return &InMemoryRuns{runs: make(map[string]Run)}
}

func (s *InMemoryRuns) CreateRun(ctx context.Context, run Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = copyRun(run)
	s.seq = append(s.seq, run.ID)
	return nil
}

func (s *InMemoryRuns) GetRun(ctx context.Context, id string) (Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return Run{}, ErrRunNotFound
	}
	return copyRun(run), nil
}

func (s *InMemoryRuns) UpdateRun(ctx context.Context, run Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; !ok {
		return ErrRunNotFound
	}
	s.runs[run.ID] = copyRun(run)
	return nil
}

func (s *InMemoryRuns) ListRuns(ctx context.Context, accountID string, limit int) ([]Run, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Run
	for i := len(s.seq) - 1; i >= 0 && len(out) < limit; i-- {
		run := s.runs[s.seq[i]]
		if accountID != "" && run.AccountID != accountID {
			continue
		}
		out = append(out, copyRun(run))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ProcessedAt.After(out[j].ProcessedAt)
	})
	return out, nil
}

func copyRun(run Run) Run {
	out := run
	out.Movements = make([]BankMovement, len(run.Movements))
	copy(out.Movements, run.Movements)
	for i, mov := range run.Movements {
		if len(mov.Candidates) > 0 {
			cands := make([]MatchCandidate, len(mov.Candidates))
			copy(cands, mov.Candidates)
			out.Movements[i].Candidates = cands
		}
	}
	return out
}
