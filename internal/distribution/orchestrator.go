// Package distribution runs daily yield distribution batches: it selects
// eligible positions, computes their accrual, records idempotent payouts and
// settles them, in bounded concurrent chunks with automatic retries.
package distribution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/yieldvault/distribution-engine/internal/accrual"
	"github.com/yieldvault/distribution-engine/internal/alert"
	"github.com/yieldvault/distribution-engine/internal/events"
	"github.com/yieldvault/distribution-engine/internal/lease"
	"github.com/yieldvault/distribution-engine/internal/metrics"
	"github.com/yieldvault/distribution-engine/internal/model"
	"github.com/yieldvault/distribution-engine/internal/settlement"
	"github.com/yieldvault/distribution-engine/internal/store"
)

var (
	// ErrBatchInProgress is returned when another run for the same day holds the lease.
	ErrBatchInProgress = errors.New("distribution: batch already in progress")

	// ErrBatchExists is returned when the scheduled batch for the day already ran.
	ErrBatchExists = errors.New("distribution: batch already exists")

	// ErrBatchNotFound is returned for unknown batch ids.
	ErrBatchNotFound = errors.New("distribution: batch not found")
)

const (
	// HealthFailureReason is recorded on batches aborted by the health gate.
	HealthFailureReason = "health gate failed"

	// LeaseLostReason is recorded on tasks deferred because the day lease
	// could not be extended.
	LeaseLostReason = "day lease lost"
)

// Config tunes batch execution.
type Config struct {
	ChunkSize  int
	ChunkDelay time.Duration
	MaxRetries int
	RetryDelay time.Duration
	LeaseTTL   time.Duration
	Location   *time.Location
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ChunkSize:  100,
		ChunkDelay: 2 * time.Second,
		MaxRetries: 3,
		RetryDelay: 5 * time.Minute,
		LeaseTTL:   10 * time.Minute,
		Location:   time.UTC,
	}
}

// HealthChecker is the pre-flight gate.
type HealthChecker interface {
	Check(ctx context.Context) bool
}

// Notifier is told about every batch state change.
type Notifier interface {
	BatchUpdated(batch *model.DistributionBatch)
}

// Deps are the collaborators of an Orchestrator. Store, Batches, Settlement
// and Gate are required.
type Deps struct {
	Store      store.Store
	Batches    store.BatchStore
	Settlement settlement.Executor
	Gate       HealthChecker
	Locker     lease.Locker
	Alerter    alert.Alerter
	Publisher  events.Publisher
	Notifier   Notifier
	Clock      Clock
	Logger     *slog.Logger
}

// RunRequest describes one batch run. An empty PositionIDs means every
// ACTIVE position.
type RunRequest struct {
	Kind        model.BatchKind
	BatchID     string
	PositionIDs []string
}

// Orchestrator executes distribution batches.
type Orchestrator struct {
	cfg       Config
	store     store.Store
	batches   store.BatchStore
	executor  *TaskExecutor
	gate      HealthChecker
	locker    lease.Locker
	alerter   alert.Alerter
	publisher events.Publisher
	notifier  Notifier
	clock     Clock
	logger    *slog.Logger

	mu     sync.Mutex
	active map[string]*model.DistributionBatch // latest snapshot of running batches
	timers map[*time.Timer]struct{}
	closed bool
	bg     sync.WaitGroup
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(cfg Config, deps Deps) *Orchestrator {
	def := DefaultConfig()
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = def.LeaseTTL
	}
	if cfg.Location == nil {
		cfg.Location = def.Location
	}
	if deps.Clock == nil {
		deps.Clock = SystemClock{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Locker == nil {
		deps.Locker = lease.NewMemory()
	}
	if deps.Alerter == nil {
		deps.Alerter = alert.LogAlerter{Logger: deps.Logger}
	}

	recorder := NewRecorder(deps.Store, deps.Clock, cfg.Location, deps.Logger)
	return &Orchestrator{
		cfg:       cfg,
		store:     deps.Store,
		batches:   deps.Batches,
		executor:  NewTaskExecutor(deps.Store, recorder, deps.Settlement, deps.Clock, cfg.Location, deps.Logger),
		gate:      deps.Gate,
		locker:    deps.Locker,
		alerter:   deps.Alerter,
		publisher: deps.Publisher,
		notifier:  deps.Notifier,
		clock:     deps.Clock,
		logger:    deps.Logger,
		active:    make(map[string]*model.DistributionBatch),
		timers:    make(map[*time.Timer]struct{}),
	}
}

// Run executes one batch. The returned batch reflects the primary pass;
// failed tasks with retry budget left are retried in the background.
// Once started, a batch is not cancelled by ctx.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (*model.DistributionBatch, error) {
	now := o.clock.Now()
	day, _ := accrual.PeriodWindow(now, o.cfg.Location)

	kind := req.Kind
	if kind == "" {
		kind = model.BatchManual
	}
	id := req.BatchID
	if id == "" {
		if kind == model.BatchScheduled {
			id = model.ScheduledBatchID(day)
		} else {
			id = model.NewManualBatchID()
		}
	}

	dl, err := o.acquireDay(ctx, day)
	if err != nil {
		return nil, err
	}
	defer dl.release()
	ctx = context.WithoutCancel(ctx)

	if kind == model.BatchScheduled {
		if _, err := o.batches.GetBatch(ctx, id); err == nil {
			return nil, fmt.Errorf("%w: %s", ErrBatchExists, id)
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("load batch %s: %w", id, err)
		}
	}

	batch := &model.DistributionBatch{
		ID:          id,
		Kind:        kind,
		Date:        day,
		TotalAmount: decimal.Zero,
		Status:      model.BatchProcessing,
		StartedAt:   now.UTC(),
	}
	o.track(batch)
	defer o.untrack(batch.ID)
	o.persist(ctx, batch)

	o.logger.Info("distribution batch started",
		"event", "distribution_batch_started",
		"layer", "distribution",
		"batch_id", batch.ID,
		"kind", string(kind),
		"requested_positions", len(req.PositionIDs),
	)

	tasks, err := o.buildTasks(ctx, batch, req.PositionIDs)
	if err != nil {
		o.abort(ctx, batch, fmt.Sprintf("eligibility scan failed: %v", err), alert.KindBatchError)
		return batch, fmt.Errorf("batch %s: %w", batch.ID, err)
	}

	if !o.gate.Check(ctx) {
		o.abort(ctx, batch, HealthFailureReason, alert.KindHealthGate)
		return batch, nil
	}

	batch.Tasks = tasks
	batch.TotalPositions = len(tasks)
	o.persist(ctx, batch)

	all := make([]int, len(tasks))
	for i := range all {
		all[i] = i
	}
	o.executeTasks(ctx, batch, all, dl)
	o.finish(ctx, batch)

	metrics.BatchesTotal.WithLabelValues(string(batch.Kind), string(batch.Status)).Inc()
	metrics.BatchDuration.WithLabelValues(string(batch.Kind)).Observe(o.clock.Now().Sub(now).Seconds())

	if len(batch.Retryable(o.cfg.MaxRetries)) > 0 {
		o.scheduleRetry(batch.ID, false, o.cfg.RetryDelay)
	}
	return batch.Clone(), nil
}

// dayLease is a held day lease. It is extended between chunks so that a
// long batch keeps exclusive ownership of its day.
type dayLease struct {
	locker lease.Locker
	key    string
	token  string
	ttl    time.Duration
	logger *slog.Logger
}

// acquireDay takes the lease for the day.
func (o *Orchestrator) acquireDay(ctx context.Context, day time.Time) (*dayLease, error) {
	key := lease.DayKey(day)
	token, err := o.locker.Acquire(ctx, key, o.cfg.LeaseTTL)
	if errors.Is(err, lease.ErrHeld) {
		return nil, fmt.Errorf("%w: %s", ErrBatchInProgress, key)
	}
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}
	return &dayLease{locker: o.locker, key: key, token: token, ttl: o.cfg.LeaseTTL, logger: o.logger}, nil
}

func (l *dayLease) extend(ctx context.Context) error {
	if err := l.locker.Extend(ctx, l.key, l.token, l.ttl); err != nil {
		return fmt.Errorf("extend %s: %w", l.key, err)
	}
	return nil
}

func (l *dayLease) release() {
	if err := l.locker.Release(context.Background(), l.key, l.token); err != nil {
		l.logger.Warn("day lease release failed",
			"event", "distribution_lease_release_failed",
			"layer", "distribution",
			"key", l.key,
			"error", err.Error(),
		)
	}
}

// buildTasks selects eligible positions and creates one PENDING task per
// position with a positive daily yield. Expired positions are moved to
// REDEEMING instead.
func (o *Orchestrator) buildTasks(ctx context.Context, batch *model.DistributionBatch, ids []string) ([]model.DistributionTask, error) {
	positions, err := o.eligiblePositions(ctx, ids)
	if err != nil {
		return nil, err
	}

	now := o.clock.Now()
	products := make(map[string]*model.Product)
	tasks := make([]model.DistributionTask, 0, len(positions))
	for _, pos := range positions {
		if accrual.IsExpired(pos, now) {
			o.expire(ctx, pos, now)
			continue
		}

		product, ok := products[pos.ProductID]
		if !ok {
			product, err = o.store.GetProduct(ctx, pos.ProductID)
			if errors.Is(err, store.ErrNotFound) {
				o.logger.Warn("position skipped, product not found",
					"event", "distribution_product_missing",
					"layer", "distribution",
					"position_id", pos.ID,
					"product_id", pos.ProductID,
				)
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("load product %s: %w", pos.ProductID, err)
			}
			products[pos.ProductID] = product
		}

		amount := accrual.DailyYield(pos.Principal, product.APRBps)
		if !amount.IsPositive() {
			o.logger.Info("position skipped, no yield",
				"event", "distribution_zero_yield",
				"layer", "distribution",
				"position_id", pos.ID,
				"amount", amount.String(),
			)
			continue
		}

		tasks = append(tasks, model.DistributionTask{
			ID:         uuid.NewString(),
			BatchID:    batch.ID,
			PositionID: pos.ID,
			UserID:     pos.UserID,
			Amount:     amount,
			Status:     model.TaskPending,
			UpdatedAt:  now.UTC(),
		})
	}
	return tasks, nil
}

func (o *Orchestrator) eligiblePositions(ctx context.Context, ids []string) ([]model.Position, error) {
	if len(ids) == 0 {
		positions, err := o.store.ListPositionsByStatus(ctx, model.PositionActive)
		if err != nil {
			return nil, fmt.Errorf("list active positions: %w", err)
		}
		return positions, nil
	}

	positions := make([]model.Position, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		pos, err := o.store.GetPosition(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			o.logger.Warn("requested position not found",
				"event", "distribution_position_missing",
				"layer", "distribution",
				"position_id", id,
			)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load position %s: %w", id, err)
		}
		if pos.Status != model.PositionActive {
			continue
		}
		positions = append(positions, *pos)
	}
	return positions, nil
}

// expire moves a matured position to REDEEMING and logs the amount owed on
// redemption. Redemption itself is handled outside the engine.
func (o *Orchestrator) expire(ctx context.Context, pos model.Position, now time.Time) {
	err := o.store.UpdatePositionStatus(ctx, pos.ID, model.PositionActive, model.PositionRedeeming)
	if err != nil && !errors.Is(err, store.ErrStatusConflict) {
		o.logger.Error("expired position not moved to redeeming",
			"event", "distribution_expire_failed",
			"layer", "distribution",
			"position_id", pos.ID,
			"error", err.Error(),
		)
		return
	}

	owed := pos.Principal
	if product, err := o.store.GetProduct(ctx, pos.ProductID); err == nil {
		owed = accrual.RedemptionAmount(pos, *product, now)
	}
	o.logger.Info("position expired, moved to redeeming",
		"event", "distribution_position_expired",
		"layer", "distribution",
		"position_id", pos.ID,
		"end_date", pos.EndDate.Format(time.RFC3339),
		"redemption_amount", owed.String(),
	)
}

// executeTasks runs the selected tasks in sequential chunks; tasks within a
// chunk run concurrently. Progress is persisted after every chunk. Every
// task settles the payout of the batch day, whenever the pass runs.
//
// If the day lease cannot be extended before a chunk, the remaining tasks
// are failed with LeaseLostReason and left to a later retry pass.
func (o *Orchestrator) executeTasks(ctx context.Context, batch *model.DistributionBatch, idx []int, dl *dayLease) {
	for start := 0; start < len(idx); start += o.cfg.ChunkSize {
		if start > 0 {
			if o.cfg.ChunkDelay > 0 {
				sleep(ctx, o.cfg.ChunkDelay)
			}
			if err := dl.extend(ctx); err != nil {
				o.leaseLost(ctx, batch, idx[start:], err)
				return
			}
		}
		end := min(start+o.cfg.ChunkSize, len(idx))

		var g errgroup.Group
		for _, i := range idx[start:end] {
			task := &batch.Tasks[i]
			g.Go(func() error {
				if !o.executor.Execute(ctx, task, batch.Date) {
					return fmt.Errorf("task %s: %s", task.ID, task.FailureReason)
				}
				return nil
			})
		}
		// Failures stay on their tasks; the group reports the first one.
		chunkErr := g.Wait()

		batch.Aggregate()
		batch.Status = model.BatchProcessing
		o.persist(ctx, batch)
		attrs := []any{
			"event", "distribution_chunk_finished",
			"layer", "distribution",
			"batch_id", batch.ID,
			"chunk_start", start,
			"chunk_size", end-start,
			"completed", batch.CompletedTasks,
			"failed", batch.FailedTasks,
		}
		if chunkErr != nil {
			attrs = append(attrs, "first_error", chunkErr.Error())
		}
		o.logger.Info("distribution chunk finished", attrs...)
	}
}

// leaseLost fails the tasks that were not started because the day lease
// expired or was taken over.
func (o *Orchestrator) leaseLost(ctx context.Context, batch *model.DistributionBatch, idx []int, err error) {
	now := o.clock.Now().UTC()
	for _, i := range idx {
		batch.Tasks[i].Fail(LeaseLostReason, now)
	}
	batch.Aggregate()
	batch.Status = model.BatchProcessing
	o.persist(ctx, batch)
	o.logger.Error("day lease lost, remaining tasks deferred",
		"event", "distribution_lease_lost",
		"layer", "distribution",
		"batch_id", batch.ID,
		"deferred_tasks", len(idx),
		"error", err.Error(),
	)
}

// finish aggregates the batch into its terminal status.
func (o *Orchestrator) finish(ctx context.Context, batch *model.DistributionBatch) {
	batch.Aggregate()
	now := o.clock.Now().UTC()
	batch.CompletedAt = &now
	if batch.Status == model.BatchFailed {
		batch.FailureReason = fmt.Sprintf("%d of %d tasks failed", batch.FailedTasks, len(batch.Tasks))
	} else {
		batch.FailureReason = ""
	}
	o.persist(ctx, batch)
	o.publishFinished(ctx, batch)

	o.logger.Info("distribution batch finished",
		"event", "distribution_batch_finished",
		"layer", "distribution",
		"batch_id", batch.ID,
		"status", string(batch.Status),
		"total_positions", batch.TotalPositions,
		"completed", batch.CompletedTasks,
		"failed", batch.FailedTasks,
		"total_amount", batch.TotalAmount.String(),
	)
	if batch.Status == model.BatchFailed {
		o.alerter.Alert(ctx, alert.Alert{
			Kind:     alert.KindBatchFailed,
			Severity: "warning",
			Message:  "distribution batch finished with failed tasks",
			BatchID:  batch.ID,
			Fields: map[string]string{
				"completed": fmt.Sprint(batch.CompletedTasks),
				"failed":    fmt.Sprint(batch.FailedTasks),
			},
			At: now,
		})
	}
}

// abort fails the batch before any task ran. No tasks are kept.
func (o *Orchestrator) abort(ctx context.Context, batch *model.DistributionBatch, reason, kind string) {
	now := o.clock.Now().UTC()
	batch.Tasks = nil
	batch.TotalPositions = 0
	batch.Aggregate()
	batch.Status = model.BatchFailed
	batch.FailureReason = reason
	batch.CompletedAt = &now
	o.persist(ctx, batch)
	o.publishFinished(ctx, batch)
	metrics.BatchesTotal.WithLabelValues(string(batch.Kind), string(batch.Status)).Inc()

	o.logger.Error("distribution batch aborted",
		"event", "distribution_batch_aborted",
		"layer", "distribution",
		"batch_id", batch.ID,
		"reason", reason,
	)
	o.alerter.Alert(ctx, alert.Alert{
		Kind:     kind,
		Severity: "critical",
		Message:  "distribution batch aborted: " + reason,
		BatchID:  batch.ID,
		At:       now,
	})
}

// persist saves the batch and publishes the new snapshot. Storage errors are
// logged; the in-memory batch stays authoritative for the running pass.
func (o *Orchestrator) persist(ctx context.Context, batch *model.DistributionBatch) {
	if err := o.batches.SaveBatch(ctx, batch); err != nil {
		o.logger.Error("distribution batch not persisted",
			"event", "distribution_batch_persist_failed",
			"layer", "distribution",
			"batch_id", batch.ID,
			"error", err.Error(),
		)
	}
	snap := batch.Clone()
	o.mu.Lock()
	if _, ok := o.active[batch.ID]; ok {
		o.active[batch.ID] = snap
	}
	o.mu.Unlock()
	if o.notifier != nil {
		o.notifier.BatchUpdated(snap)
	}
}

type batchSummary struct {
	BatchID        string          `json:"batch_id"`
	Kind           model.BatchKind `json:"kind"`
	Status         string          `json:"status"`
	TotalPositions int             `json:"total_positions"`
	CompletedTasks int             `json:"completed_tasks"`
	FailedTasks    int             `json:"failed_tasks"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	FailureReason  string          `json:"failure_reason,omitempty"`
}

func (o *Orchestrator) publishFinished(ctx context.Context, batch *model.DistributionBatch) {
	if o.publisher == nil {
		return
	}
	env, err := model.NewEventEnvelope(model.EventBatchFinished, batchSummary{
		BatchID:        batch.ID,
		Kind:           batch.Kind,
		Status:         string(batch.Status),
		TotalPositions: batch.TotalPositions,
		CompletedTasks: batch.CompletedTasks,
		FailedTasks:    batch.FailedTasks,
		TotalAmount:    batch.TotalAmount,
		FailureReason:  batch.FailureReason,
	}, o.clock.Now())
	if err == nil {
		err = o.publisher.Publish(ctx, model.EventBatchFinished, env)
	}
	if err != nil {
		o.logger.Warn("batch finished event not published",
			"event", "distribution_batch_event_failed",
			"layer", "distribution",
			"batch_id", batch.ID,
			"error", err.Error(),
		)
	}
}

func (o *Orchestrator) track(batch *model.DistributionBatch) {
	o.mu.Lock()
	o.active[batch.ID] = batch.Clone()
	o.mu.Unlock()
	metrics.ActiveBatches.Inc()
}

func (o *Orchestrator) untrack(id string) {
	o.mu.Lock()
	delete(o.active, id)
	o.mu.Unlock()
	metrics.ActiveBatches.Dec()
}

// --- Queries ---

// GetBatch returns a batch, preferring the live snapshot of a running one.
func (o *Orchestrator) GetBatch(ctx context.Context, id string) (*model.DistributionBatch, error) {
	o.mu.Lock()
	if b, ok := o.active[id]; ok {
		snap := b.Clone()
		o.mu.Unlock()
		return snap, nil
	}
	o.mu.Unlock()

	b, err := o.batches.GetBatch(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrBatchNotFound, id)
	}
	return b, err
}

// RecentBatches returns the newest batches first.
func (o *Orchestrator) RecentBatches(ctx context.Context, limit int) ([]model.DistributionBatch, error) {
	return o.batches.ListRecentBatches(ctx, limit)
}

// Stats aggregates results across all batches.
func (o *Orchestrator) Stats(ctx context.Context) (model.DistributionStats, error) {
	return o.batches.Stats(ctx)
}

// FailedTasks lists failed tasks, optionally restricted to one batch.
func (o *Orchestrator) FailedTasks(ctx context.Context, batchID string, limit int) ([]model.DistributionTask, error) {
	return o.batches.ListFailedTasks(ctx, batchID, limit)
}

// ActiveBatches returns snapshots of the batches currently executing.
func (o *Orchestrator) ActiveBatches() []model.DistributionBatch {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]model.DistributionBatch, 0, len(o.active))
	for _, b := range o.active {
		out = append(out, *b.Clone())
	}
	return out
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
