// Package settlement moves value for a distribution task. Only a simulated
// network is provided; a real transfer integration implements Executor.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/yieldvault/distribution-engine/internal/model"
)

var (
	ErrSettlementTimeout   = errors.New("settlement: transfer timed out")
	ErrSettlementRejected  = errors.New("settlement: transfer rejected")
	ErrNetworkUnreachable  = errors.New("settlement: network unreachable")
	ErrInsufficientReserve = errors.New("settlement: fee reserve exhausted")
	ErrInvalidAmount       = errors.New("settlement: amount must be positive")
)

// Executor transfers the amount of a task to the position owner.
type Executor interface {
	// Settle performs the transfer and returns the settlement reference.
	Settle(ctx context.Context, task model.DistributionTask) (string, error)

	// Ping reports whether the settlement network is reachable.
	Ping(ctx context.Context) error

	// FeeReserve returns the balance available to pay transfer fees.
	FeeReserve(ctx context.Context) (decimal.Decimal, error)
}

// Config controls the behaviour of the simulated network.
type Config struct {
	MinLatency     time.Duration
	MaxLatency     time.Duration
	Timeout        time.Duration // per transfer; 0 disables
	FailureRate    float64       // probability in [0,1] that a transfer is rejected
	InitialReserve decimal.Decimal
	TransferFee    decimal.Decimal
}

// DefaultConfig returns the production simulation defaults.
func DefaultConfig() Config {
	return Config{
		MinLatency:     time.Second,
		MaxLatency:     3 * time.Second,
		Timeout:        30 * time.Second,
		InitialReserve: decimal.NewFromInt(1000),
		TransferFee:    decimal.RequireFromString("0.01"),
	}
}

// Simulated is an in-process settlement network with configurable latency
// and failure injection.
type Simulated struct {
	cfg Config
	rnd func() float64

	mu          sync.Mutex
	reserve     decimal.Decimal
	unreachable bool
	transfers   int
}

// NewSimulated creates a simulated settlement network.
func NewSimulated(cfg Config) *Simulated {
	if cfg.MaxLatency < cfg.MinLatency {
		cfg.MaxLatency = cfg.MinLatency
	}
	return &Simulated{
		cfg:     cfg,
		rnd:     rand.Float64,
		reserve: cfg.InitialReserve,
	}
}

func (s *Simulated) Settle(ctx context.Context, task model.DistributionTask) (string, error) {
	if !task.Amount.IsPositive() {
		return "", fmt.Errorf("%w: task %s amount %s", ErrInvalidAmount, task.ID, task.Amount)
	}
	if err := s.Ping(ctx); err != nil {
		return "", err
	}

	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	timer := time.NewTimer(s.latency())
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: task %s", ErrSettlementTimeout, task.ID)
		}
		return "", ctx.Err()
	}

	if s.cfg.FailureRate > 0 && s.rnd() < s.cfg.FailureRate {
		return "", fmt.Errorf("%w: task %s", ErrSettlementRejected, task.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reserve.LessThan(s.cfg.TransferFee) {
		return "", fmt.Errorf("%w: reserve %s, fee %s", ErrInsufficientReserve, s.reserve, s.cfg.TransferFee)
	}
	s.reserve = s.reserve.Sub(s.cfg.TransferFee)
	s.transfers++
	return "stl_" + uuid.NewString(), nil
}

func (s *Simulated) Ping(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unreachable {
		return ErrNetworkUnreachable
	}
	return nil
}

func (s *Simulated) FeeReserve(_ context.Context) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reserve, nil
}

// SetReachable simulates a network outage or its recovery.
func (s *Simulated) SetReachable(ok bool) {
	s.mu.Lock()
	s.unreachable = !ok
	s.mu.Unlock()
}

// Transfers returns the number of successful transfers.
func (s *Simulated) Transfers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transfers
}

func (s *Simulated) latency() time.Duration {
	spread := s.cfg.MaxLatency - s.cfg.MinLatency
	if spread <= 0 {
		return s.cfg.MinLatency
	}
	return s.cfg.MinLatency + time.Duration(s.rnd()*float64(spread))
}
