package instrument

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"concilia.dev/internal/ids"
)

// InMemory implements Store for tests and single-node deployments.
type InMemory struct {
	mu    sync.RWMutex
	items map[string]*Instrument
}

var _ Store = (*InMemory)(nil)

func NewInMemory() *InMemory {
	return &InMemory{items: make(map[string]*Instrument)}
}

func (s *InMemory) Create(ctx context.Context, inst Instrument) (Instrument, error) {
	if inst.Amount <= 0 {
		return Instrument{}, ErrInvalidInput
	}
	if inst.Kind != Receivable && inst.Kind != Payable {
		return Instrument{}, ErrInvalidInput
	}
	if inst.DueDate.IsZero() {
		return Instrument{}, ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if inst.ID == "" {
		inst.ID = ids.New()
	}
	if inst.Status == "" {
		inst.Status = StatusPending
	}
	inst.CreatedAt = now
	inst.UpdatedAt = now
	stored := inst
	s.items[inst.ID] = &stored
	return inst, nil
}

func (s *InMemory) Get(ctx context.Context, id string) (Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.items[id]
	if !ok {
		return Instrument{}, ErrNotFound
	}
	return copyOf(inst), nil
}

func (s *InMemory) Update(ctx context.Context, inst Instrument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[inst.ID]; !ok {
		return ErrNotFound
	}
	inst.UpdatedAt = time.Now().UTC()
	stored := inst
	s.items[inst.ID] = &stored
	return nil
}

func (s *InMemory) ListOpen(ctx context.Context, accountID string) ([]Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Instrument
	for _, inst := range s.items {
		if !inst.Open() {
			continue
		}
		if accountID != "" && inst.AccountID != accountID {
			continue
		}
		out = append(out, copyOf(inst))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DueDate.Equal(out[j].DueDate) {
			return out[i].DueDate.Before(out[j].DueDate)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *InMemory) Cancel(ctx context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.items[id]
	if !ok {
		return ErrNotFound
	}
	if !inst.Open() {
		return ErrNotCancellable
	}
	inst.Status = StatusCancelled
	if strings.TrimSpace(reason) != "" {
		inst.Notes = append(inst.Notes, "cancelled: "+reason)
	}
	inst.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *InMemory) MarkOverdue(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	today := time.Date(now.UTC().Year(), now.UTC().Month(), now.UTC().Day(), 0, 0, 0, 0, time.UTC)
	count := 0
	for _, inst := range s.items {
		if inst.Status == StatusPending && inst.DueDate.Before(today) {
			inst.Status = StatusOverdue
			inst.UpdatedAt = time.Now().UTC()
			count++
		}
	}
	return count, nil
}

func copyOf(inst *Instrument) Instrument {
	out := *inst
	out.MovementIDs = append([]string(nil), inst.MovementIDs...)
	out.Notes = append([]string(nil), inst.Notes...)
	return out
}
