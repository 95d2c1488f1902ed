package stream

import (
	"context"
	"sync"
	"time"

	"concilia.dev/internal/ledger"
)

// MovementEvent is what back-office dashboards subscribe to: every posted
// ledger movement, as it happens.
type MovementEvent struct {
	MovementID   string    `json:"movement_id"`
	AccountID    string    `json:"account_id"`
	Direction    string    `json:"direction"`
	Category     string    `json:"category"`
	Amount       int64     `json:"amount"`
	BalanceAfter int64     `json:"balance_after"`
	Timestamp    time.Time `json:"timestamp"`
}

// FromMovement builds the event for a posted movement.
func FromMovement(mov ledger.Movement) MovementEvent {
	return MovementEvent{
		MovementID:   mov.ID,
		AccountID:    mov.AccountID,
		Direction:    string(mov.Direction),
		Category:     string(mov.Category),
		Amount:       mov.Amount,
		BalanceAfter: mov.BalanceAfter,
		Timestamp:    mov.CreatedAt,
	}
}

// Stream fan-outs movement events to all active subscribers (SSE clients).
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan MovementEvent
	next int
}

func New() *Stream {
	return &Stream{subs: make(map[int]chan MovementEvent)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events. The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan MovementEvent {
	ch := make(chan MovementEvent, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers.
func (s *Stream) Publish(evt MovementEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}
