// Package model defines the core domain types shared across the distribution engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is one user's active investment against a product. Positions are
// never deleted, only closed.
type Position struct {
	ID           string            `json:"id" db:"id"`
	UserID       string            `json:"user_id" db:"user_id"`
	ProductID    string            `json:"product_id" db:"product_id"`
	Principal    decimal.Decimal   `json:"principal" db:"principal"`
	StartDate    time.Time         `json:"start_date" db:"start_date"`
	EndDate      time.Time         `json:"end_date" db:"end_date"`
	NextPayoutAt time.Time         `json:"next_payout_at" db:"next_payout_at"`
	Status       PositionStatus    `json:"status" db:"status"`
	TotalPaid    decimal.Decimal   `json:"total_paid"` // derived: Σ payout amounts
	Metadata     map[string]string `json:"metadata,omitempty" db:"metadata"`
}

// Payout is one accrual record for one position for one calendar day.
// At most one Payout exists per (PositionID, day of PeriodStart).
type Payout struct {
	ID            string          `json:"id" db:"id"`
	PositionID    string          `json:"position_id" db:"position_id"`
	UserID        string          `json:"user_id" db:"user_id"`
	Amount        decimal.Decimal `json:"amount" db:"amount"`
	PeriodStart   time.Time       `json:"period_start" db:"period_start"`
	PeriodEnd     time.Time       `json:"period_end" db:"period_end"`
	IsClaimable   bool            `json:"is_claimable" db:"is_claimable"`
	ClaimedAt     *time.Time      `json:"claimed_at,omitempty" db:"claimed_at"`
	SettlementRef string          `json:"settlement_ref,omitempty" db:"settlement_ref"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// Settled reports whether value has already been transferred for this payout.
func (p Payout) Settled() bool {
	return p.SettlementRef != ""
}

// Product holds the yield terms of an investment product. Read-only here.
type Product struct {
	ID       string `json:"id" db:"id"`
	Name     string `json:"name" db:"name"`
	APRBps   int64  `json:"apr_bps" db:"apr_bps"` // 1200 = 12% APR
	LockDays int    `json:"lock_days" db:"lock_days"`
}

// DistributionTask distributes yield for one position within one batch.
type DistributionTask struct {
	ID            string          `json:"id"`
	BatchID       string          `json:"batch_id"`
	PositionID    string          `json:"position_id"`
	UserID        string          `json:"user_id"`
	Amount        decimal.Decimal `json:"amount"`
	Status        TaskStatus      `json:"status"`
	RetryCount    int             `json:"retry_count"`
	FailureReason string          `json:"failure_reason,omitempty"`
	SettlementRef string          `json:"settlement_ref,omitempty"`
	PayoutID      string          `json:"payout_id,omitempty"`
	Transferred   bool            `json:"transferred"` // this task moved the funds; false when it found the payout settled
	UpdatedAt     time.Time       `json:"updated_at"`
}

// DistributionBatch is one execution cycle of the engine.
type DistributionBatch struct {
	ID             string             `json:"id"`
	Kind           BatchKind          `json:"kind"`
	Date           time.Time          `json:"date"`
	TotalAmount    decimal.Decimal    `json:"total_amount"` // completed tasks only
	TotalPositions int                `json:"total_positions"`
	CompletedTasks int                `json:"completed_tasks"`
	FailedTasks    int                `json:"failed_tasks"`
	Status         BatchStatus        `json:"status"`
	FailureReason  string             `json:"failure_reason,omitempty"`
	StartedAt      time.Time          `json:"started_at"`
	CompletedAt    *time.Time         `json:"completed_at,omitempty"`
	Tasks          []DistributionTask `json:"tasks"`
}

// Clone returns a deep copy so that persisted snapshots never share the
// task slice with a batch that is still being executed.
func (b *DistributionBatch) Clone() *DistributionBatch {
	c := *b
	c.Tasks = append([]DistributionTask(nil), b.Tasks...)
	if b.CompletedAt != nil {
		at := *b.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}

// Aggregate recomputes counters and the resulting status from the task list.
// TotalAmount only includes tasks that actually completed.
func (b *DistributionBatch) Aggregate() {
	b.CompletedTasks = 0
	b.FailedTasks = 0
	b.TotalAmount = decimal.Zero
	for _, t := range b.Tasks {
		switch t.Status {
		case TaskCompleted:
			b.CompletedTasks++
			b.TotalAmount = b.TotalAmount.Add(t.Amount)
		case TaskFailed:
			b.FailedTasks++
		}
	}
	if b.FailedTasks > 0 {
		b.Status = BatchFailed
	} else {
		b.Status = BatchCompleted
	}
}

// Retryable returns the indices of failed tasks that still have retry budget.
func (b *DistributionBatch) Retryable(maxRetries int) []int {
	var idx []int
	for i, t := range b.Tasks {
		if t.Status == TaskFailed && t.RetryCount < maxRetries {
			idx = append(idx, i)
		}
	}
	return idx
}

// DistributionStats aggregates distribution results across all batches.
// TotalDistributed counts each transfer once: tasks that found their payout
// already settled by an earlier batch add nothing.
type DistributionStats struct {
	TotalDistributed decimal.Decimal `json:"total_distributed"`
	TotalBatches     int             `json:"total_batches"`
	SuccessRate      decimal.Decimal `json:"success_rate"` // percent of resolved tasks that completed
	LastDistribution *time.Time      `json:"last_distribution,omitempty"`
	PendingTasks     int             `json:"pending_tasks"`
	FailedTasks      int             `json:"failed_tasks"`
}

// SuccessRate computes completed / (completed + failed) as a percentage
// rounded to two places. Zero resolved tasks yields zero.
func SuccessRate(completed, failed int) decimal.Decimal {
	resolved := completed + failed
	if resolved == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(completed)).
		Div(decimal.NewFromInt(int64(resolved))).
		Mul(decimal.NewFromInt(100)).
		Round(2)
}
