package distribution

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/yieldvault/distribution-engine/internal/accrual"
	"github.com/yieldvault/distribution-engine/internal/metrics"
	"github.com/yieldvault/distribution-engine/internal/model"
	"github.com/yieldvault/distribution-engine/internal/settlement"
	"github.com/yieldvault/distribution-engine/internal/store"
)

// TaskExecutor runs a single distribution task end to end: payout record,
// settlement transfer, ledger update.
type TaskExecutor struct {
	store    store.Store
	recorder *Recorder
	settler  settlement.Executor
	clock    Clock
	loc      *time.Location
	logger   *slog.Logger
}

// NewTaskExecutor creates a task executor.
func NewTaskExecutor(st store.Store, recorder *Recorder, settler settlement.Executor, clock Clock, loc *time.Location, logger *slog.Logger) *TaskExecutor {
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskExecutor{
		store:    st,
		recorder: recorder,
		settler:  settler,
		clock:    clock,
		loc:      loc,
		logger:   logger,
	}
}

// Execute runs the task for the batch day and reports whether it completed.
// Failures are recorded on the task (status, retry count, reason) and never
// escape.
func (e *TaskExecutor) Execute(ctx context.Context, task *model.DistributionTask, day time.Time) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			e.fail(task, fmt.Errorf("panic: %v", r))
			ok = false
		}
	}()

	if err := task.Start(e.clock.Now().UTC()); err != nil {
		e.logger.Warn("distribution task not startable",
			"event", "distribution_task_skipped",
			"layer", "distribution",
			"task_id", task.ID,
			"status", string(task.Status),
		)
		return false
	}

	if err := e.run(ctx, task, day); err != nil {
		e.fail(task, err)
		return false
	}
	metrics.TasksTotal.WithLabelValues("completed").Inc()
	return true
}

func (e *TaskExecutor) run(ctx context.Context, task *model.DistributionTask, day time.Time) error {
	payout, _, err := e.recorder.Record(ctx, *task, day)
	if err != nil {
		return err
	}
	// The day's payout is authoritative for how much this position receives.
	task.Amount = payout.Amount
	task.PayoutID = payout.ID

	ref := payout.SettlementRef
	if !payout.Settled() {
		start := time.Now()
		ref, err = e.settler.Settle(ctx, *task)
		if err != nil {
			metrics.SettlementLatency.WithLabelValues("error").Observe(time.Since(start).Seconds())
			return fmt.Errorf("settle: %w", err)
		}
		metrics.SettlementLatency.WithLabelValues("ok").Observe(time.Since(start).Seconds())
		metrics.AddDistributed(payout.Amount)
		task.Transferred = true

		if err := e.store.MarkPayoutSettled(ctx, payout.ID, ref); err != nil {
			e.logger.Error("settled transfer not recorded on payout",
				"event", "distribution_settlement_unrecorded",
				"layer", "distribution",
				"payout_id", payout.ID,
				"settlement_ref", ref,
				"error", err.Error(),
			)
			return fmt.Errorf("mark payout %s settled: %w", payout.ID, err)
		}
	}

	now := e.clock.Now()
	_, next := accrual.PeriodWindow(day, e.loc)
	if err := e.store.AdvancePositionPayout(ctx, task.PositionID, next); err != nil {
		return fmt.Errorf("advance position %s: %w", task.PositionID, err)
	}
	return task.Complete(payout.ID, ref, now.UTC())
}

func (e *TaskExecutor) fail(task *model.DistributionTask, err error) {
	task.Fail(err.Error(), e.clock.Now().UTC())
	metrics.TasksTotal.WithLabelValues("failed").Inc()
	e.logger.Warn("distribution task failed",
		"event", "distribution_task_failed",
		"layer", "distribution",
		"task_id", task.ID,
		"batch_id", task.BatchID,
		"position_id", task.PositionID,
		"retry_count", task.RetryCount,
		"error", err.Error(),
	)
}
