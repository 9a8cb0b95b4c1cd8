package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yieldvault/distribution-engine/internal/settlement"
	"github.com/yieldvault/distribution-engine/internal/store"
)

func ok(name string) Check {
	return Check{Name: name, Fn: func(context.Context) error { return nil }}
}

func TestGate_AllHealthy(t *testing.T) {
	g := NewGate(nil, time.Second, ok("a"), ok("b"))
	if !g.Check(context.Background()) {
		t.Fatal("expected healthy")
	}
	r := g.Report(context.Background())
	if len(r.Checks) != 2 {
		t.Errorf("expected 2 results, got %d", len(r.Checks))
	}
}

func TestGate_FailingCheck(t *testing.T) {
	bad := Check{Name: "bad", Fn: func(context.Context) error { return errors.New("down") }}
	g := NewGate(nil, time.Second, ok("a"), bad)

	r := g.Report(context.Background())
	if r.Healthy {
		t.Fatal("expected unhealthy")
	}
	if r.Checks[1].Healthy || r.Checks[1].Error != "down" {
		t.Errorf("unexpected result for failing check: %+v", r.Checks[1])
	}
}

func TestGate_PanicIsUnhealthy(t *testing.T) {
	boom := Check{Name: "boom", Fn: func(context.Context) error { panic("kaboom") }}
	g := NewGate(nil, time.Second, boom)
	if g.Check(context.Background()) {
		t.Error("a panicking check must fail the gate")
	}
}

func TestGate_TimeoutIsUnhealthy(t *testing.T) {
	slow := Check{Name: "slow", Fn: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	g := NewGate(nil, 10*time.Millisecond, slow)
	if g.Check(context.Background()) {
		t.Error("a check that exceeds its timeout must fail the gate")
	}
}

func TestStandardChecks(t *testing.T) {
	exec := settlement.NewSimulated(settlement.Config{
		InitialReserve: decimal.NewFromInt(5),
		TransferFee:    decimal.NewFromInt(1),
	})
	g := NewGate(nil, time.Second,
		SettlementNetwork(exec),
		FeeReserve(exec, decimal.NewFromInt(2)),
		Ledger(store.NewMemoryStore()),
	)
	ctx := context.Background()
	if !g.Check(ctx) {
		t.Fatalf("expected healthy, got %+v", g.Report(ctx))
	}

	exec.SetReachable(false)
	if g.Check(ctx) {
		t.Error("unreachable network must fail the gate")
	}
	exec.SetReachable(true)

	low := NewGate(nil, time.Second, FeeReserve(exec, decimal.NewFromInt(10)))
	if low.Check(ctx) {
		t.Error("insufficient fee reserve must fail the gate")
	}
}
