package distribution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/yieldvault/distribution-engine/internal/alert"
	"github.com/yieldvault/distribution-engine/internal/model"
	"github.com/yieldvault/distribution-engine/internal/store"
)

// InterruptedReason is recorded on tasks found unresolved after a restart.
const InterruptedReason = "interrupted by restart"

// RetryFailed re-executes every FAILED task of a batch in the background,
// including tasks that exhausted their automatic retries. It returns the
// number of tasks queued.
func (o *Orchestrator) RetryFailed(ctx context.Context, batchID string) (int, error) {
	batch, err := o.batches.GetBatch(ctx, batchID)
	if errors.Is(err, store.ErrNotFound) {
		return 0, fmt.Errorf("%w: %s", ErrBatchNotFound, batchID)
	}
	if err != nil {
		return 0, err
	}

	count := 0
	for _, t := range batch.Tasks {
		if t.Status == model.TaskFailed {
			count++
		}
	}
	if count == 0 {
		return 0, nil
	}
	o.logger.Info("manual retry queued",
		"event", "distribution_manual_retry_queued",
		"layer", "distribution",
		"batch_id", batchID,
		"task_count", count,
	)
	o.scheduleRetry(batchID, true, 0)
	return count, nil
}

// Recover picks up batches left unfinished by a previous process. Tasks that
// never reached a terminal state are failed so that the normal retry path
// re-executes them; settled payouts are not transferred twice.
func (o *Orchestrator) Recover(ctx context.Context) error {
	batches, err := o.batches.ListUnfinishedBatches(ctx, o.cfg.MaxRetries)
	if err != nil {
		return fmt.Errorf("list unfinished batches: %w", err)
	}

	for i := range batches {
		b := &batches[i]
		dl, err := o.acquireDay(ctx, b.Date)
		if err != nil {
			// Someone else is running this day right now.
			o.logger.Info("recovery skipped, day lease held",
				"event", "distribution_recovery_skipped",
				"layer", "distribution",
				"batch_id", b.ID,
				"error", err.Error(),
			)
			continue
		}
		o.recoverBatch(ctx, b)
		dl.release()
	}
	return nil
}

func (o *Orchestrator) recoverBatch(ctx context.Context, b *model.DistributionBatch) {
	now := o.clock.Now().UTC()
	wasProcessing := b.Status == model.BatchProcessing

	interrupted := 0
	for i := range b.Tasks {
		if b.Tasks[i].Status.Unresolved() {
			b.Tasks[i].Fail(InterruptedReason, now)
			interrupted++
		}
	}
	if wasProcessing || interrupted > 0 {
		b.Aggregate()
		if len(b.Tasks) == 0 {
			b.Status = model.BatchFailed
			b.FailureReason = InterruptedReason
		} else if b.Status == model.BatchFailed {
			b.FailureReason = fmt.Sprintf("%d of %d tasks failed", b.FailedTasks, len(b.Tasks))
		}
		b.CompletedAt = &now
		o.persist(ctx, b)
		o.alerter.Alert(ctx, alert.Alert{
			Kind:     alert.KindRecovery,
			Severity: "warning",
			Message:  "unfinished distribution batch recovered after restart",
			BatchID:  b.ID,
			Fields: map[string]string{
				"interrupted_tasks": fmt.Sprint(interrupted),
			},
			At: now,
		})
	}

	o.logger.Info("distribution batch recovered",
		"event", "distribution_batch_recovered",
		"layer", "distribution",
		"batch_id", b.ID,
		"interrupted_tasks", interrupted,
		"status", string(b.Status),
	)
	if len(b.Retryable(o.cfg.MaxRetries)) > 0 {
		o.scheduleRetry(b.ID, false, o.cfg.RetryDelay)
	}
}

// scheduleRetry runs a retry pass after delay. all selects every FAILED task
// instead of only those with retry budget left.
func (o *Orchestrator) scheduleRetry(batchID string, all bool, delay time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}

	o.bg.Add(1)
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		defer o.bg.Done()
		o.mu.Lock()
		delete(o.timers, t)
		o.mu.Unlock()
		o.retryPass(batchID, all)
	})
	o.timers[t] = struct{}{}
}

func (o *Orchestrator) retryPass(batchID string, all bool) {
	ctx := context.Background()
	batch, err := o.batches.GetBatch(ctx, batchID)
	if err != nil {
		o.logger.Error("retry pass could not load batch",
			"event", "distribution_retry_load_failed",
			"layer", "distribution",
			"batch_id", batchID,
			"error", err.Error(),
		)
		return
	}

	dl, err := o.acquireDay(ctx, batch.Date)
	if errors.Is(err, ErrBatchInProgress) {
		o.scheduleRetry(batchID, all, o.cfg.RetryDelay)
		return
	}
	if err != nil {
		o.logger.Error("retry pass could not take day lease",
			"event", "distribution_retry_lease_failed",
			"layer", "distribution",
			"batch_id", batchID,
			"error", err.Error(),
		)
		return
	}
	defer dl.release()

	// Reload under the lease; the batch may have moved on meanwhile.
	batch, err = o.batches.GetBatch(ctx, batchID)
	if err != nil {
		return
	}

	var idx []int
	if all {
		for i, t := range batch.Tasks {
			if t.Status == model.TaskFailed {
				idx = append(idx, i)
			}
		}
	} else {
		idx = batch.Retryable(o.cfg.MaxRetries)
	}
	if len(idx) == 0 {
		return
	}

	o.logger.Info("distribution retry pass started",
		"event", "distribution_retry_started",
		"layer", "distribution",
		"batch_id", batch.ID,
		"task_count", len(idx),
		"manual", all,
	)
	batch.Status = model.BatchProcessing
	o.track(batch)
	defer o.untrack(batch.ID)

	o.executeTasks(ctx, batch, idx, dl)
	o.finish(ctx, batch)

	if len(batch.Retryable(o.cfg.MaxRetries)) > 0 {
		o.scheduleRetry(batch.ID, false, o.cfg.RetryDelay)
		return
	}
	if batch.FailedTasks > 0 {
		o.alerter.Alert(ctx, alert.Alert{
			Kind:     alert.KindRetryExhausted,
			Severity: "critical",
			Message:  "distribution tasks failed after all retries",
			BatchID:  batch.ID,
			Fields: map[string]string{
				"failed": fmt.Sprint(batch.FailedTasks),
			},
			At: o.clock.Now().UTC(),
		})
	}
}

// Wait blocks until all background retry passes have finished, including
// passes they schedule.
func (o *Orchestrator) Wait() {
	o.bg.Wait()
}

// Close cancels pending retry passes and waits for running ones. Pending
// work is picked up by Recover on the next start.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	for t := range o.timers {
		if t.Stop() {
			o.bg.Done()
		}
		delete(o.timers, t)
	}
	o.mu.Unlock()
	o.bg.Wait()
}
