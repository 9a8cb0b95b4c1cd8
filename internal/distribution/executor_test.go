package distribution

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/yieldvault/distribution-engine/internal/model"
	"github.com/yieldvault/distribution-engine/internal/store"
)

func newTask(positionID string) model.DistributionTask {
	return model.DistributionTask{
		ID:         "task-" + positionID,
		BatchID:    "batch-20260310",
		PositionID: positionID,
		UserID:     "user-" + positionID,
		Amount:     d(0.32876712),
		Status:     model.TaskPending,
	}
}

func TestRecorder_ConcurrentRecordsCreateOnePayout(t *testing.T) {
	st := store.NewMemoryStore()
	rec := NewRecorder(st, fixedClock{testNow}, time.UTC, nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0
	ids := make(map[string]bool)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, ok, err := rec.Record(context.Background(), newTask("pos-1"), testNow)
			if err != nil {
				t.Errorf("record: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if ok {
				created++
			}
			ids[p.ID] = true
		}()
	}
	wg.Wait()

	if created != 1 {
		t.Errorf("expected exactly one created payout, got %d", created)
	}
	if len(ids) != 1 {
		t.Errorf("all callers must see the same payout, got %d ids", len(ids))
	}
}

func TestRecorder_NextDayCreatesNewPayout(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	rec := NewRecorder(st, fixedClock{testNow}, time.UTC, nil)

	if _, created, _ := rec.Record(ctx, newTask("pos-1"), testNow); !created {
		t.Fatal("expected today's payout to be created")
	}
	if _, created, _ := rec.Record(ctx, newTask("pos-1"), testNow.AddDate(0, 0, 1)); !created {
		t.Error("a new day must get its own payout")
	}
}

func TestRecorder_WindowFollowsBatchDayNotClock(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	// The call happens the next morning, on behalf of yesterday's batch.
	rec := NewRecorder(st, fixedClock{testNow.AddDate(0, 0, 1)}, time.UTC, nil)

	p, created, err := rec.Record(ctx, newTask("pos-1"), testNow)
	if err != nil || !created {
		t.Fatalf("expected payout to be created, got created=%v err=%v", created, err)
	}
	wantStart := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	if !p.PeriodStart.Equal(wantStart) {
		t.Errorf("expected period start %s, got %s", wantStart, p.PeriodStart)
	}
	if _, err := st.FindPayoutInPeriod(ctx, "pos-1", wantStart.AddDate(0, 0, 1), wantStart.AddDate(0, 0, 2)); err == nil {
		t.Error("nothing may be recorded in the day of the call")
	}
}

func TestRecorder_DayBoundaryFollowsLocation(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	shanghai := time.FixedZone("CST", 8*3600)

	rec := NewRecorder(st, fixedClock{testNow}, shanghai, nil)

	// 15:30 UTC and 16:30 UTC fall on different Shanghai days.
	rec.Record(ctx, newTask("pos-1"), time.Date(2026, 3, 10, 15, 30, 0, 0, time.UTC))
	if _, created, _ := rec.Record(ctx, newTask("pos-1"), time.Date(2026, 3, 10, 16, 30, 0, 0, time.UTC)); !created {
		t.Error("crossing local midnight must start a new payout period")
	}
}

func TestExecute_PanicBecomesFailure(t *testing.T) {
	st := store.NewMemoryStore()
	settler := newFakeSettler()
	settler.panicOn = "pos-1"
	exec := NewTaskExecutor(st, NewRecorder(st, fixedClock{testNow}, time.UTC, nil), settler, fixedClock{testNow}, time.UTC, nil)

	task := newTask("pos-1")
	if exec.Execute(context.Background(), &task, testNow) {
		t.Fatal("expected failure")
	}
	if task.Status != model.TaskFailed || task.RetryCount != 1 || task.FailureReason == "" {
		t.Errorf("unexpected task state: %+v", task)
	}
}

func TestExecute_CompletedTaskIsNotRerun(t *testing.T) {
	st := store.NewMemoryStore()
	settler := newFakeSettler()
	exec := NewTaskExecutor(st, NewRecorder(st, fixedClock{testNow}, time.UTC, nil), settler, fixedClock{testNow}, time.UTC, nil)

	task := newTask("pos-1")
	task.Status = model.TaskCompleted
	if exec.Execute(context.Background(), &task, testNow) {
		t.Error("a completed task must not execute again")
	}
	if task.Status != model.TaskCompleted {
		t.Errorf("status must be untouched, got %s", task.Status)
	}
	if settler.callCount("pos-1") != 0 {
		t.Error("no transfer expected")
	}
}
