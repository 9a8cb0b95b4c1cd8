// Package scheduler triggers the daily distribution on a cron schedule and
// exposes the operator operations: manual runs, retries and batch queries.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/yieldvault/distribution-engine/internal/alert"
	"github.com/yieldvault/distribution-engine/internal/distribution"
	"github.com/yieldvault/distribution-engine/internal/model"
)

// Config controls the schedule.
type Config struct {
	Schedule              string // standard 5-field cron spec
	Location              *time.Location
	HealthMonitorInterval time.Duration // 0 disables the monitor
}

// ManualResult is the outcome of an operator-triggered run.
type ManualResult struct {
	Success bool                     `json:"success"`
	Batch   *model.DistributionBatch `json:"batch,omitempty"`
	Message string                   `json:"message"`
}

// RetryResult reports how many failed tasks were queued for retry.
type RetryResult struct {
	RetriedCount int `json:"retried_count"`
}

// Engine is the orchestrator surface the scheduler drives.
type Engine interface {
	Run(ctx context.Context, req distribution.RunRequest) (*model.DistributionBatch, error)
	GetBatch(ctx context.Context, id string) (*model.DistributionBatch, error)
	RecentBatches(ctx context.Context, limit int) ([]model.DistributionBatch, error)
	Stats(ctx context.Context) (model.DistributionStats, error)
	FailedTasks(ctx context.Context, batchID string, limit int) ([]model.DistributionTask, error)
	RetryFailed(ctx context.Context, batchID string) (int, error)
	Recover(ctx context.Context) error
	ActiveBatches() []model.DistributionBatch
	Close()
}

// Scheduler owns the cron loop and the background health monitor.
type Scheduler struct {
	cfg     Config
	engine  Engine
	gate    distribution.HealthChecker
	alerter alert.Alerter
	logger  *slog.Logger
	cron    *cron.Cron

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a scheduler. The cron spec is validated here.
func New(cfg Config, engine Engine, gate distribution.HealthChecker, alerter alert.Alerter, logger *slog.Logger) (*Scheduler, error) {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "0 0 * * *"
	}
	if logger == nil {
		logger = slog.Default()
	}
	if alerter == nil {
		alerter = alert.LogAlerter{Logger: logger}
	}

	s := &Scheduler{
		cfg:     cfg,
		engine:  engine,
		gate:    gate,
		alerter: alerter,
		logger:  logger,
		cron:    cron.New(cron.WithLocation(cfg.Location)),
		stop:    make(chan struct{}),
	}
	if _, err := s.cron.AddFunc(cfg.Schedule, s.runScheduled); err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", cfg.Schedule, err)
	}
	return s, nil
}

// Start recovers unfinished batches, then starts the cron loop and the
// health monitor.
func (s *Scheduler) Start(ctx context.Context) {
	if err := s.engine.Recover(ctx); err != nil {
		s.logger.Error("batch recovery failed",
			"event", "scheduler_recovery_failed",
			"layer", "scheduler",
			"error", err.Error(),
		)
	}

	s.cron.Start()
	if s.cfg.HealthMonitorInterval > 0 && s.gate != nil {
		s.wg.Add(1)
		go s.monitor()
	}
	s.logger.Info("distribution scheduler started",
		"event", "scheduler_started",
		"layer", "scheduler",
		"schedule", s.cfg.Schedule,
		"timezone", s.cfg.Location.String(),
	)
}

// Stop stops the cron loop, waits for a running scheduled batch, then stops
// the monitor and background retry passes.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	close(s.stop)
	s.wg.Wait()
	s.engine.Close()
	s.logger.Info("distribution scheduler stopped",
		"event", "scheduler_stopped",
		"layer", "scheduler",
	)
}

func (s *Scheduler) runScheduled() {
	batch, err := s.engine.Run(context.Background(), distribution.RunRequest{Kind: model.BatchScheduled})
	if err != nil {
		level := slog.LevelError
		if errors.Is(err, distribution.ErrBatchExists) || errors.Is(err, distribution.ErrBatchInProgress) {
			level = slog.LevelWarn
		}
		s.logger.Log(context.Background(), level, "scheduled distribution did not run",
			"event", "scheduler_run_failed",
			"layer", "scheduler",
			"error", err.Error(),
		)
		return
	}
	s.logger.Info("scheduled distribution finished",
		"event", "scheduler_run_finished",
		"layer", "scheduler",
		"batch_id", batch.ID,
		"status", string(batch.Status),
	)
}

func (s *Scheduler) monitor() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.HealthMonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.checkHealth(context.Background())
		}
	}
}

// checkHealth alerts when the gate fails while no batch is running. During
// a run the orchestrator reports gate failures itself.
func (s *Scheduler) checkHealth(ctx context.Context) {
	if len(s.engine.ActiveBatches()) > 0 {
		return
	}
	if s.gate.Check(ctx) {
		return
	}
	s.alerter.Alert(ctx, alert.Alert{
		Kind:     alert.KindHealthMonitor,
		Severity: "warning",
		Message:  "distribution health check failing while idle",
		At:       time.Now().UTC(),
	})
}

// TriggerManualDistribution runs a MANUAL batch, optionally restricted to
// positionIDs. It never returns an error; failures are reported in the result.
func (s *Scheduler) TriggerManualDistribution(ctx context.Context, positionIDs []string) ManualResult {
	batch, err := s.engine.Run(ctx, distribution.RunRequest{
		Kind:        model.BatchManual,
		PositionIDs: positionIDs,
	})
	if err != nil {
		s.logger.Warn("manual distribution failed",
			"event", "scheduler_manual_failed",
			"layer", "scheduler",
			"error", err.Error(),
		)
		return ManualResult{Success: false, Batch: batch, Message: err.Error()}
	}

	if batch.Status != model.BatchCompleted {
		reason := batch.FailureReason
		if reason == "" {
			reason = string(batch.Status)
		}
		return ManualResult{
			Success: false,
			Batch:   batch,
			Message: fmt.Sprintf("distribution batch %s failed: %s", batch.ID, reason),
		}
	}
	return ManualResult{
		Success: true,
		Batch:   batch,
		Message: fmt.Sprintf("distribution batch %s completed: %d positions, %s distributed",
			batch.ID, batch.CompletedTasks, batch.TotalAmount.String()),
	}
}

// GetDistributionBatch returns the batch, or nil when it does not exist.
func (s *Scheduler) GetDistributionBatch(ctx context.Context, id string) (*model.DistributionBatch, error) {
	b, err := s.engine.GetBatch(ctx, id)
	if errors.Is(err, distribution.ErrBatchNotFound) {
		return nil, nil
	}
	return b, err
}

// GetRecentDistributionBatches returns the newest batches first.
func (s *Scheduler) GetRecentDistributionBatches(ctx context.Context, limit int) ([]model.DistributionBatch, error) {
	if limit <= 0 {
		limit = 10
	}
	return s.engine.RecentBatches(ctx, limit)
}

// GetDistributionStats aggregates results across all batches.
func (s *Scheduler) GetDistributionStats(ctx context.Context) (model.DistributionStats, error) {
	return s.engine.Stats(ctx)
}

// GetFailedTasks lists failed tasks, optionally for one batch.
func (s *Scheduler) GetFailedTasks(ctx context.Context, batchID string, limit int) ([]model.DistributionTask, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.engine.FailedTasks(ctx, batchID, limit)
}

// RetryFailedTasks queues every failed task of the batch for re-execution.
func (s *Scheduler) RetryFailedTasks(ctx context.Context, batchID string) (RetryResult, error) {
	n, err := s.engine.RetryFailed(ctx, batchID)
	if err != nil {
		return RetryResult{}, err
	}
	return RetryResult{RetriedCount: n}, nil
}
