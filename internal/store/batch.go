package store

import (
	"context"

	"github.com/yieldvault/distribution-engine/internal/model"
)

// BatchStore persists distribution batches and their tasks so that batch
// visibility survives a process restart.
type BatchStore interface {
	// SaveBatch upserts the batch row and all of its tasks.
	SaveBatch(ctx context.Context, batch *model.DistributionBatch) error

	// GetBatch returns a batch with its tasks, or ErrNotFound.
	GetBatch(ctx context.Context, id string) (*model.DistributionBatch, error)

	// ListRecentBatches returns the newest batches first.
	ListRecentBatches(ctx context.Context, limit int) ([]model.DistributionBatch, error)

	// ListFailedTasks returns FAILED tasks, optionally restricted to one batch.
	ListFailedTasks(ctx context.Context, batchID string, limit int) ([]model.DistributionTask, error)

	// ListUnfinishedBatches returns batches that still need work: batches
	// stuck in PROCESSING, or with unresolved tasks, or with failed tasks
	// that have retry budget left.
	ListUnfinishedBatches(ctx context.Context, maxRetries int) ([]model.DistributionBatch, error)

	// Stats aggregates distribution results across all batches.
	Stats(ctx context.Context) (model.DistributionStats, error)
}

// needsWork reports whether a persisted batch must be picked up again.
func needsWork(b *model.DistributionBatch, maxRetries int) bool {
	if b.Status == model.BatchProcessing {
		return true
	}
	for _, t := range b.Tasks {
		if t.Status.Unresolved() {
			return true
		}
		if t.Status == model.TaskFailed && t.RetryCount < maxRetries {
			return true
		}
	}
	return false
}
