// Package health implements the pre-flight gate that must pass before a
// distribution batch moves any value. The gate is fail-closed: a check that
// errors, times out, or panics counts as unhealthy.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/yieldvault/distribution-engine/internal/metrics"
)

// Check is one named pre-flight check.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Result is the outcome of a single check.
type Result struct {
	Name     string        `json:"name"`
	Healthy  bool          `json:"healthy"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

// Report aggregates all check results.
type Report struct {
	Healthy   bool      `json:"healthy"`
	Checks    []Result  `json:"checks"`
	CheckedAt time.Time `json:"checked_at"`
}

// Gate runs a fixed set of checks.
type Gate struct {
	checks  []Check
	timeout time.Duration
	logger  *slog.Logger
}

// NewGate creates a gate. timeout bounds each individual check; zero means 10s.
func NewGate(logger *slog.Logger, timeout time.Duration, checks ...Check) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Gate{checks: checks, timeout: timeout, logger: logger}
}

// Check reports whether every check passed. Errors are logged, never returned.
func (g *Gate) Check(ctx context.Context) bool {
	return g.Report(ctx).Healthy
}

// Report runs every check and returns the per-check outcome.
func (g *Gate) Report(ctx context.Context) Report {
	report := Report{Healthy: true, CheckedAt: time.Now().UTC()}
	for _, c := range g.checks {
		res := g.run(ctx, c)
		metrics.SetHealth(c.Name, res.Healthy)
		if !res.Healthy {
			report.Healthy = false
			g.logger.Warn("health check failed",
				"event", "health_check_failed",
				"layer", "health",
				"check", c.Name,
				"error", res.Error,
			)
		}
		report.Checks = append(report.Checks, res)
	}
	return report
}

func (g *Gate) run(ctx context.Context, c Check) (res Result) {
	res.Name = c.Name
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res.Healthy = false
			res.Error = fmt.Sprintf("panic: %v", r)
		}
		res.Duration = time.Since(start)
	}()

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	if err := c.Fn(ctx); err != nil {
		res.Error = err.Error()
		return res
	}
	res.Healthy = true
	return res
}
