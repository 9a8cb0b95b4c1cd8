// Package store defines the persistence interfaces for the distribution engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// product cache), and in-memory (for testing and development).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/yieldvault/distribution-engine/internal/model"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrPayoutExists is returned when a payout for the same position and
	// calendar day has already been recorded.
	ErrPayoutExists = errors.New("store: payout already recorded for period")

	// ErrStatusConflict is returned when a conditional status update finds the
	// row in a different state than expected.
	ErrStatusConflict = errors.New("store: status changed concurrently")
)

// Store is the ledger persistence interface. PostgreSQL is the source of
// truth; Redis provides a read-through product cache.
type Store interface {
	// --- Positions ---

	// CreatePosition persists a position created by order settlement.
	CreatePosition(ctx context.Context, pos *model.Position) error

	// GetPosition retrieves a position with TotalPaid derived from its payouts.
	GetPosition(ctx context.Context, id string) (*model.Position, error)

	// ListPositionsByStatus returns all positions in the given state.
	ListPositionsByStatus(ctx context.Context, status model.PositionStatus) ([]model.Position, error)

	// UpdatePositionStatus moves a position from one state to the next.
	// The transition must be allowed by the position lifecycle.
	UpdatePositionStatus(ctx context.Context, id string, from, to model.PositionStatus) error

	// AdvancePositionPayout moves the next payout time forward after a
	// distribution. An earlier time than the stored one is ignored.
	AdvancePositionPayout(ctx context.Context, id string, next time.Time) error

	// --- Products ---

	// UpsertProduct creates or replaces product terms.
	UpsertProduct(ctx context.Context, product *model.Product) error

	// GetProduct retrieves a product by its ID.
	GetProduct(ctx context.Context, id string) (*model.Product, error)

	// --- Payouts ---

	// FindPayoutInPeriod returns the payout of a position whose period
	// starts within [start, end), or ErrNotFound.
	FindPayoutInPeriod(ctx context.Context, positionID string, start, end time.Time) (*model.Payout, error)

	// InsertPayout records a new payout and its payout.recorded event.
	// Returns ErrPayoutExists if the (position, day) slot is taken.
	InsertPayout(ctx context.Context, payout *model.Payout) error

	// MarkPayoutSettled stores the settlement reference of a payout.
	MarkPayoutSettled(ctx context.Context, payoutID, settlementRef string) error

	// ListPayoutsByPosition returns all payouts for a position, oldest first.
	ListPayoutsByPosition(ctx context.Context, positionID string) ([]model.Payout, error)

	// --- Outbox ---

	// ListPendingOutbox returns unpublished events, oldest first.
	ListPendingOutbox(ctx context.Context, limit int) ([]model.OutboxMessage, error)

	// MarkOutboxPublished flags an outbox row as delivered.
	MarkOutboxPublished(ctx context.Context, id string, publishedAt time.Time) error

	// Ping performs a lightweight round-trip to the backing store.
	Ping(ctx context.Context) error
}

// periodKey is the calendar day a payout belongs to. PeriodStart is always a
// local midnight, so its own date is the day.
func periodKey(positionID string, periodStart time.Time) string {
	return positionID + "|" + periodStart.Format("2006-01-02")
}
