package scheduler

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yieldvault/distribution-engine/internal/accrual"
	"github.com/yieldvault/distribution-engine/internal/alert"
	"github.com/yieldvault/distribution-engine/internal/distribution"
	"github.com/yieldvault/distribution-engine/internal/lease"
	"github.com/yieldvault/distribution-engine/internal/model"
	"github.com/yieldvault/distribution-engine/internal/settlement"
	"github.com/yieldvault/distribution-engine/internal/store"
)

type gateFunc func() bool

func (g gateFunc) Check(context.Context) bool { return g() }

type captureAlerter struct {
	mu    sync.Mutex
	kinds []string
}

func (c *captureAlerter) Alert(_ context.Context, a alert.Alert) {
	c.mu.Lock()
	c.kinds = append(c.kinds, a.Kind)
	c.mu.Unlock()
}

type testEnv struct {
	sched   *Scheduler
	store   *store.MemoryStore
	locker  *lease.Memory
	alerts  *captureAlerter
	healthy bool
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store:   store.NewMemoryStore(),
		locker:  lease.NewMemory(),
		alerts:  &captureAlerter{},
		healthy: true,
	}
	gate := gateFunc(func() bool { return env.healthy })
	orch := distribution.NewOrchestrator(distribution.Config{
		ChunkSize:  10,
		MaxRetries: 3,
		RetryDelay: time.Millisecond,
		Location:   time.UTC,
	}, distribution.Deps{
		Store:   env.store,
		Batches: store.NewMemoryBatchStore(),
		Settlement: settlement.NewSimulated(settlement.Config{
			InitialReserve: decimal.NewFromInt(100),
			TransferFee:    decimal.RequireFromString("0.01"),
		}),
		Gate:    gate,
		Locker:  env.locker,
		Alerter: env.alerts,
	})

	sched, err := New(Config{Schedule: "0 0 * * *", Location: time.UTC}, orch, gate, env.alerts, nil)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	env.sched = sched
	t.Cleanup(orch.Close)

	ctx := context.Background()
	env.store.UpsertProduct(ctx, &model.Product{ID: "prod-12", APRBps: 1200, LockDays: 90})
	env.store.CreatePosition(ctx, &model.Position{
		ID:        "pos-1",
		UserID:    "user-1",
		ProductID: "prod-12",
		Principal: decimal.NewFromInt(1000),
		StartDate: time.Now().AddDate(0, 0, -10),
		EndDate:   time.Now().AddDate(0, 3, 0),
		Status:    model.PositionActive,
	})
	return env
}

func TestNew_InvalidSchedule(t *testing.T) {
	if _, err := New(Config{Schedule: "every day"}, nil, nil, nil, nil); err == nil {
		t.Error("expected error for invalid cron spec")
	}
}

func TestTriggerManualDistribution_Success(t *testing.T) {
	env := newTestEnv(t)

	res := env.sched.TriggerManualDistribution(context.Background(), nil)
	if !res.Success {
		t.Fatalf("expected success, got %q", res.Message)
	}
	if res.Batch == nil || res.Batch.Kind != model.BatchManual {
		t.Fatalf("expected a manual batch, got %+v", res.Batch)
	}
	if !strings.HasPrefix(res.Batch.ID, "manual-") {
		t.Errorf("unexpected manual batch id %s", res.Batch.ID)
	}
	if !strings.Contains(res.Message, "0.32876712") {
		t.Errorf("message should report the distributed amount, got %q", res.Message)
	}

	got, err := env.sched.GetDistributionBatch(context.Background(), res.Batch.ID)
	if err != nil || got == nil {
		t.Fatalf("batch should be queryable: %v", err)
	}
}

func TestTriggerManualDistribution_Unhealthy(t *testing.T) {
	env := newTestEnv(t)
	env.healthy = false

	res := env.sched.TriggerManualDistribution(context.Background(), []string{"pos-1"})
	if res.Success {
		t.Fatal("expected failure")
	}
	if !strings.Contains(res.Message, distribution.HealthFailureReason) {
		t.Errorf("message should name the health gate, got %q", res.Message)
	}
}

func TestTriggerManualDistribution_InProgress(t *testing.T) {
	env := newTestEnv(t)
	day, _ := accrual.PeriodWindow(time.Now(), time.UTC)
	env.locker.Acquire(context.Background(), lease.DayKey(day), time.Minute)

	res := env.sched.TriggerManualDistribution(context.Background(), nil)
	if res.Success || res.Batch != nil {
		t.Errorf("expected rejection without a batch, got %+v", res)
	}
	if !strings.Contains(res.Message, "in progress") {
		t.Errorf("unexpected message %q", res.Message)
	}
}

func TestRunScheduled_CreatesDailyBatchOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.sched.runScheduled()
	env.sched.runScheduled()

	batches, err := env.sched.GetRecentDistributionBatches(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(batches) != 1 {
		t.Fatalf("expected 1 scheduled batch, got %d", len(batches))
	}
	day, _ := accrual.PeriodWindow(time.Now(), time.UTC)
	if batches[0].ID != model.ScheduledBatchID(day) {
		t.Errorf("expected %s, got %s", model.ScheduledBatchID(day), batches[0].ID)
	}

	stats, _ := env.sched.GetDistributionStats(ctx)
	if stats.TotalBatches != 1 || !stats.SuccessRate.Equal(decimal.NewFromInt(100)) {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestQueries_MissingBatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	b, err := env.sched.GetDistributionBatch(ctx, "batch-19990101")
	if b != nil || err != nil {
		t.Errorf("expected nil, nil for a missing batch, got %v, %v", b, err)
	}
	if _, err := env.sched.RetryFailedTasks(ctx, "batch-19990101"); err == nil {
		t.Error("expected error retrying an unknown batch")
	}
	failed, err := env.sched.GetFailedTasks(ctx, "", 0)
	if err != nil || len(failed) != 0 {
		t.Errorf("expected no failed tasks, got %d (%v)", len(failed), err)
	}
}

func TestCheckHealth_AlertsWhenIdleAndUnhealthy(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.sched.checkHealth(ctx)
	if len(env.alerts.kinds) != 0 {
		t.Fatalf("healthy gate must not alert, got %v", env.alerts.kinds)
	}

	env.healthy = false
	env.sched.checkHealth(ctx)
	if len(env.alerts.kinds) != 1 || env.alerts.kinds[0] != alert.KindHealthMonitor {
		t.Errorf("expected one health monitor alert, got %v", env.alerts.kinds)
	}
}

func TestStartStop(t *testing.T) {
	env := newTestEnv(t)
	env.sched.cfg.HealthMonitorInterval = time.Millisecond
	env.sched.Start(context.Background())
	time.Sleep(5 * time.Millisecond)
	env.sched.Stop()
}
