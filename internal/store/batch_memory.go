package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/yieldvault/distribution-engine/internal/model"
)

// MemoryBatchStore implements BatchStore in process memory. Batches are
// stored as deep copies so callers can keep mutating their own instance.
type MemoryBatchStore struct {
	mu      sync.RWMutex
	batches map[string]*model.DistributionBatch
}

// NewMemoryBatchStore creates an empty in-memory batch store.
func NewMemoryBatchStore() *MemoryBatchStore {
	return &MemoryBatchStore{batches: make(map[string]*model.DistributionBatch)}
}

func (s *MemoryBatchStore) SaveBatch(_ context.Context, b *model.DistributionBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.batches[b.ID] = b.Clone()
	return nil
}

func (s *MemoryBatchStore) GetBatch(_ context.Context, id string) (*model.DistributionBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.batches[id]
	if !ok {
		return nil, fmt.Errorf("batch %s: %w", id, ErrNotFound)
	}
	return b.Clone(), nil
}

func (s *MemoryBatchStore) ListRecentBatches(_ context.Context, limit int) ([]model.DistributionBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.sortedLocked()
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (s *MemoryBatchStore) ListFailedTasks(_ context.Context, batchID string, limit int) ([]model.DistributionTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.DistributionTask
	for _, b := range s.sortedLocked() {
		if batchID != "" && b.ID != batchID {
			continue
		}
		for _, t := range b.Tasks {
			if t.Status != model.TaskFailed {
				continue
			}
			result = append(result, t)
			if limit > 0 && len(result) >= limit {
				return result, nil
			}
		}
	}
	return result, nil
}

func (s *MemoryBatchStore) ListUnfinishedBatches(_ context.Context, maxRetries int) ([]model.DistributionBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.DistributionBatch
	for _, b := range s.sortedLocked() {
		if needsWork(&b, maxRetries) {
			result = append(result, b)
		}
	}
	return result, nil
}

func (s *MemoryBatchStore) Stats(_ context.Context) (model.DistributionStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := model.DistributionStats{TotalDistributed: decimal.Zero}
	completed := 0
	for _, b := range s.batches {
		stats.TotalBatches++
		for _, t := range b.Tasks {
			if t.Transferred {
				stats.TotalDistributed = stats.TotalDistributed.Add(t.Amount)
			}
			switch {
			case t.Status == model.TaskCompleted:
				completed++
			case t.Status == model.TaskFailed:
				stats.FailedTasks++
			case t.Status.Unresolved():
				stats.PendingTasks++
			}
		}
		if b.CompletedAt != nil && (stats.LastDistribution == nil || b.CompletedAt.After(*stats.LastDistribution)) {
			at := *b.CompletedAt
			stats.LastDistribution = &at
		}
	}
	stats.SuccessRate = model.SuccessRate(completed, stats.FailedTasks)
	return stats, nil
}

// sortedLocked returns copies of all batches, newest first. Caller must hold the lock.
func (s *MemoryBatchStore) sortedLocked() []model.DistributionBatch {
	all := make([]model.DistributionBatch, 0, len(s.batches))
	for _, b := range s.batches {
		all = append(all, *b.Clone())
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].StartedAt.Equal(all[j].StartedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].StartedAt.After(all[j].StartedAt)
	})
	return all
}
