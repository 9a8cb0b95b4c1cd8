package distribution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/yieldvault/distribution-engine/internal/accrual"
	"github.com/yieldvault/distribution-engine/internal/metrics"
	"github.com/yieldvault/distribution-engine/internal/model"
	"github.com/yieldvault/distribution-engine/internal/store"
)

// Clock abstracts time.Now for tests.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Recorder creates at most one payout per position per calendar day.
type Recorder struct {
	store  store.Store
	clock  Clock
	loc    *time.Location
	logger *slog.Logger
}

// NewRecorder creates a payout recorder. Days are cut at midnight in loc.
func NewRecorder(st store.Store, clock Clock, loc *time.Location, logger *slog.Logger) *Recorder {
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: st, clock: clock, loc: loc, logger: logger}
}

// Record returns the payout of the task's position for the calendar day
// containing day, creating it if none exists. created is false when a payout
// for that day was already there, in which case the existing row is returned
// untouched. day is the batch day, not the time of the call, so a retry after
// midnight still settles the day it belongs to.
func (r *Recorder) Record(ctx context.Context, task model.DistributionTask, day time.Time) (*model.Payout, bool, error) {
	now := r.clock.Now()
	start, end := accrual.PeriodWindow(day, r.loc)

	existing, err := r.store.FindPayoutInPeriod(ctx, task.PositionID, start, end)
	if err == nil {
		metrics.PayoutsRecorded.WithLabelValues("existing").Inc()
		return existing, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, fmt.Errorf("find payout for position %s: %w", task.PositionID, err)
	}

	payout := &model.Payout{
		ID:          uuid.NewString(),
		PositionID:  task.PositionID,
		UserID:      task.UserID,
		Amount:      task.Amount,
		PeriodStart: start,
		PeriodEnd:   end,
		IsClaimable: true,
		CreatedAt:   now.UTC(),
	}
	if err := r.store.InsertPayout(ctx, payout); err != nil {
		if !errors.Is(err, store.ErrPayoutExists) {
			return nil, false, fmt.Errorf("insert payout for position %s: %w", task.PositionID, err)
		}
		// Lost the race against a concurrent writer; theirs is the payout of record.
		existing, err := r.store.FindPayoutInPeriod(ctx, task.PositionID, start, end)
		if err != nil {
			return nil, false, fmt.Errorf("reload payout for position %s: %w", task.PositionID, err)
		}
		metrics.PayoutsRecorded.WithLabelValues("existing").Inc()
		return existing, false, nil
	}

	metrics.PayoutsRecorded.WithLabelValues("created").Inc()
	r.logger.Info("payout recorded",
		"event", "payout_recorded",
		"layer", "distribution",
		"payout_id", payout.ID,
		"position_id", payout.PositionID,
		"amount", payout.Amount.String(),
		"period_start", start.Format(time.RFC3339),
	)
	return payout, true, nil
}
