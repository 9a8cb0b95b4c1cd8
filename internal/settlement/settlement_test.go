package settlement

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yieldvault/distribution-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func fastConfig() Config {
	return Config{
		InitialReserve: d(1),
		TransferFee:    d(0.25),
	}
}

func task(amount float64) model.DistributionTask {
	return model.DistributionTask{ID: "t1", PositionID: "pos-1", UserID: "u1", Amount: d(amount)}
}

func TestSettle_DeductsFeeAndReturnsRef(t *testing.T) {
	s := NewSimulated(fastConfig())
	ctx := context.Background()

	ref, err := s.Settle(ctx, task(0.5))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(ref, "stl_") {
		t.Errorf("expected stl_ prefix, got %s", ref)
	}
	reserve, _ := s.FeeReserve(ctx)
	if !reserve.Equal(d(0.75)) {
		t.Errorf("expected reserve 0.75, got %s", reserve)
	}
	if s.Transfers() != 1 {
		t.Errorf("expected 1 transfer, got %d", s.Transfers())
	}
}

func TestSettle_ReserveExhausted(t *testing.T) {
	s := NewSimulated(fastConfig())
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if _, err := s.Settle(ctx, task(1)); err != nil {
			t.Fatalf("transfer %d: %v", i, err)
		}
	}
	if _, err := s.Settle(ctx, task(1)); !errors.Is(err, ErrInsufficientReserve) {
		t.Errorf("expected ErrInsufficientReserve, got %v", err)
	}
}

func TestSettle_Rejected(t *testing.T) {
	cfg := fastConfig()
	cfg.FailureRate = 0.5
	s := NewSimulated(cfg)
	s.rnd = func() float64 { return 0.1 }

	if _, err := s.Settle(context.Background(), task(1)); !errors.Is(err, ErrSettlementRejected) {
		t.Errorf("expected ErrSettlementRejected, got %v", err)
	}
}

func TestSettle_Timeout(t *testing.T) {
	cfg := fastConfig()
	cfg.MinLatency = time.Second
	cfg.MaxLatency = time.Second
	cfg.Timeout = 10 * time.Millisecond
	s := NewSimulated(cfg)

	start := time.Now()
	_, err := s.Settle(context.Background(), task(1))
	if !errors.Is(err, ErrSettlementTimeout) {
		t.Fatalf("expected ErrSettlementTimeout, got %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Errorf("timeout should cut the transfer short")
	}
}

func TestSettle_Unreachable(t *testing.T) {
	s := NewSimulated(fastConfig())
	s.SetReachable(false)
	ctx := context.Background()

	if err := s.Ping(ctx); !errors.Is(err, ErrNetworkUnreachable) {
		t.Errorf("expected ErrNetworkUnreachable, got %v", err)
	}
	if _, err := s.Settle(ctx, task(1)); !errors.Is(err, ErrNetworkUnreachable) {
		t.Errorf("expected ErrNetworkUnreachable, got %v", err)
	}
	s.SetReachable(true)
	if err := s.Ping(ctx); err != nil {
		t.Errorf("expected reachable, got %v", err)
	}
}

func TestSettle_NonPositiveAmount(t *testing.T) {
	s := NewSimulated(fastConfig())
	if _, err := s.Settle(context.Background(), task(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestLatencyWithinBounds(t *testing.T) {
	cfg := fastConfig()
	cfg.MinLatency = time.Second
	cfg.MaxLatency = 3 * time.Second
	s := NewSimulated(cfg)

	for _, r := range []float64{0, 0.5, 0.999} {
		s.rnd = func() float64 { return r }
		l := s.latency()
		if l < cfg.MinLatency || l > cfg.MaxLatency {
			t.Errorf("latency %s outside [%s, %s]", l, cfg.MinLatency, cfg.MaxLatency)
		}
	}
}
