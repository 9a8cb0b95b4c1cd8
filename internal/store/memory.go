package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yieldvault/distribution-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	positions map[string]*model.Position
	products  map[string]*model.Product
	payouts   []model.Payout
	slots     map[string]int // periodKey → index into payouts
	outbox    []model.OutboxMessage
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		positions: make(map[string]*model.Position),
		products:  make(map[string]*model.Product),
		slots:     make(map[string]int),
	}
}

func (s *MemoryStore) CreatePosition(_ context.Context, pos *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.positions[pos.ID]; ok {
		return fmt.Errorf("position %s already exists", pos.ID)
	}
	// Store a copy to avoid external mutation.
	copy := *pos
	copy.TotalPaid = decimal.Zero
	s.positions[pos.ID] = &copy
	return nil
}

func (s *MemoryStore) GetPosition(_ context.Context, id string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[id]
	if !ok {
		return nil, fmt.Errorf("position %s: %w", id, ErrNotFound)
	}
	copy := *p
	copy.TotalPaid = s.totalPaid(id)
	return &copy, nil
}

func (s *MemoryStore) ListPositionsByStatus(_ context.Context, status model.PositionStatus) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, p := range s.positions {
		if p.Status != status {
			continue
		}
		copy := *p
		copy.TotalPaid = s.totalPaid(p.ID)
		result = append(result, copy)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *MemoryStore) UpdatePositionStatus(_ context.Context, id string, from, to model.PositionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[id]
	if !ok {
		return fmt.Errorf("position %s: %w", id, ErrNotFound)
	}
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: position %s %s -> %s", model.ErrInvalidTransition, id, from, to)
	}
	if p.Status != from {
		return fmt.Errorf("position %s is %s, expected %s: %w", id, p.Status, from, ErrStatusConflict)
	}
	p.Status = to
	return nil
}

func (s *MemoryStore) AdvancePositionPayout(_ context.Context, id string, next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[id]
	if !ok {
		return fmt.Errorf("position %s: %w", id, ErrNotFound)
	}
	if next.After(p.NextPayoutAt) {
		p.NextPayoutAt = next
	}
	return nil
}

func (s *MemoryStore) UpsertProduct(_ context.Context, product *model.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *product
	s.products[product.ID] = &copy
	return nil
}

func (s *MemoryStore) GetProduct(_ context.Context, id string) (*model.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[id]
	if !ok {
		return nil, fmt.Errorf("product %s: %w", id, ErrNotFound)
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) FindPayoutInPeriod(_ context.Context, positionID string, start, end time.Time) (*model.Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.payouts {
		if p.PositionID != positionID {
			continue
		}
		if !p.PeriodStart.Before(start) && p.PeriodStart.Before(end) {
			copy := p
			return &copy, nil
		}
	}
	return nil, fmt.Errorf("payout for position %s in [%s, %s): %w",
		positionID, start.Format(time.RFC3339), end.Format(time.RFC3339), ErrNotFound)
}

// InsertPayout enforces the (position, day) uniqueness under the write lock,
// the in-memory equivalent of the unique index in PostgreSQL.
func (s *MemoryStore) InsertPayout(_ context.Context, payout *model.Payout) error {
	env, err := model.NewEventEnvelope(model.EventPayoutRecorded, payout, payout.CreatedAt)
	if err != nil {
		return fmt.Errorf("encode payout event: %w", err)
	}
	msg, err := model.NewOutboxMessage(env)
	if err != nil {
		return fmt.Errorf("encode outbox message: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := periodKey(payout.PositionID, payout.PeriodStart)
	if _, ok := s.slots[key]; ok {
		return ErrPayoutExists
	}
	s.slots[key] = len(s.payouts)
	s.payouts = append(s.payouts, *payout)
	s.outbox = append(s.outbox, msg)
	return nil
}

func (s *MemoryStore) MarkPayoutSettled(_ context.Context, payoutID, settlementRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.payouts {
		if s.payouts[i].ID == payoutID {
			s.payouts[i].SettlementRef = settlementRef
			return nil
		}
	}
	return fmt.Errorf("payout %s: %w", payoutID, ErrNotFound)
}

func (s *MemoryStore) ListPayoutsByPosition(_ context.Context, positionID string) ([]model.Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Payout
	for _, p := range s.payouts {
		if p.PositionID == positionID {
			result = append(result, p)
		}
	}
	return result, nil
}

func (s *MemoryStore) ListPendingOutbox(_ context.Context, limit int) ([]model.OutboxMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.OutboxMessage
	for _, m := range s.outbox {
		if m.PublishedAt != nil {
			continue
		}
		result = append(result, m)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *MemoryStore) MarkOutboxPublished(_ context.Context, id string, publishedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.outbox {
		if s.outbox[i].ID == id {
			at := publishedAt
			s.outbox[i].PublishedAt = &at
			return nil
		}
	}
	return fmt.Errorf("outbox %s: %w", id, ErrNotFound)
}

func (s *MemoryStore) Ping(_ context.Context) error {
	return nil
}

// totalPaid sums payouts for a position. Caller must hold the lock.
func (s *MemoryStore) totalPaid(positionID string) decimal.Decimal {
	total := decimal.Zero
	for _, p := range s.payouts {
		if p.PositionID == positionID {
			total = total.Add(p.Amount)
		}
	}
	return total
}
