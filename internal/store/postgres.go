package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/yieldvault/distribution-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the ledger tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate ledger schema: %w", err)
	}
	return nil
}

// --- Positions ---

const positionColumns = `p.id, p.user_id, p.product_id, p.principal::TEXT,
	p.start_date, p.end_date, p.next_payout_at, p.status, p.metadata,
	COALESCE((SELECT SUM(po.amount) FROM payouts po WHERE po.position_id = p.id), 0)::TEXT`

func (s *PostgresStore) CreatePosition(ctx context.Context, pos *model.Position) error {
	meta, err := json.Marshal(pos.Metadata)
	if err != nil {
		return fmt.Errorf("encode position metadata: %w", err)
	}
	if pos.Metadata == nil {
		meta = []byte("{}")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO positions (id, user_id, product_id, principal, start_date, end_date, next_payout_at, status, metadata)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7, $8, $9::JSONB)`,
		pos.ID, pos.UserID, pos.ProductID, pos.Principal.String(),
		pos.StartDate, pos.EndDate, pos.NextPayoutAt, string(pos.Status), string(meta),
	)
	return err
}

func (s *PostgresStore) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions p WHERE p.id = $1`, id)
	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("position %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get position %s: %w", id, err)
	}
	return p, nil
}

func (s *PostgresStore) ListPositionsByStatus(ctx context.Context, status model.PositionStatus) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions p WHERE p.status = $1 ORDER BY p.id`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) UpdatePositionStatus(ctx context.Context, id string, from, to model.PositionStatus) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: position %s %s -> %s", model.ErrInvalidTransition, id, from, to)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE positions SET status = $3 WHERE id = $1 AND status = $2`,
		id, string(from), string(to),
	)
	if err != nil {
		return fmt.Errorf("update position %s status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("position %s not in %s: %w", id, from, ErrStatusConflict)
	}
	return nil
}

func (s *PostgresStore) AdvancePositionPayout(ctx context.Context, id string, next time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE positions SET next_payout_at = GREATEST(next_payout_at, $2) WHERE id = $1`, id, next)
	if err != nil {
		return fmt.Errorf("advance position %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("position %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- Products ---

func (s *PostgresStore) UpsertProduct(ctx context.Context, p *model.Product) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO products (id, name, apr_bps, lock_days) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, apr_bps = EXCLUDED.apr_bps, lock_days = EXCLUDED.lock_days`,
		p.ID, p.Name, p.APRBps, p.LockDays,
	)
	return err
}

func (s *PostgresStore) GetProduct(ctx context.Context, id string) (*model.Product, error) {
	var p model.Product
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, apr_bps, lock_days FROM products WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &p.APRBps, &p.LockDays)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("product %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get product %s: %w", id, err)
	}
	return &p, nil
}

// --- Payouts ---

const payoutColumns = `id, position_id, user_id, amount::TEXT, period_start, period_end,
	is_claimable, claimed_at, settlement_ref, created_at`

func (s *PostgresStore) FindPayoutInPeriod(ctx context.Context, positionID string, start, end time.Time) (*model.Payout, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+payoutColumns+` FROM payouts
		 WHERE position_id = $1 AND period_start >= $2 AND period_start < $3
		 ORDER BY period_start LIMIT 1`,
		positionID, start, end)
	p, err := scanPayout(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("payout for position %s: %w", positionID, ErrNotFound)
		}
		return nil, fmt.Errorf("find payout for position %s: %w", positionID, err)
	}
	return p, nil
}

// InsertPayout writes the payout and its payout.recorded outbox row in one
// transaction. The unique index on (position_id, period_day) turns a
// concurrent duplicate into ErrPayoutExists.
func (s *PostgresStore) InsertPayout(ctx context.Context, p *model.Payout) error {
	env, err := model.NewEventEnvelope(model.EventPayoutRecorded, p, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("encode payout event: %w", err)
	}
	msg, err := model.NewOutboxMessage(env)
	if err != nil {
		return fmt.Errorf("encode outbox message: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin payout tx: %w", err)
	}
	// Rollback is a no-op after Commit.
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO payouts (id, position_id, user_id, amount, period_start, period_end, period_day,
		                      is_claimable, claimed_at, settlement_ref, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7::DATE, $8, $9, $10, $11)`,
		p.ID, p.PositionID, p.UserID, p.Amount.String(),
		p.PeriodStart, p.PeriodEnd, periodDay(p.PeriodStart),
		p.IsClaimable, p.ClaimedAt, p.SettlementRef, p.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrPayoutExists
		}
		return fmt.Errorf("insert payout: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO outbox (id, event_type, payload, created_at) VALUES ($1, $2, $3::JSONB, $4)`,
		msg.ID, msg.EventType, string(msg.Payload), msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit payout tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkPayoutSettled(ctx context.Context, payoutID, settlementRef string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE payouts SET settlement_ref = $2 WHERE id = $1`, payoutID, settlementRef)
	if err != nil {
		return fmt.Errorf("mark payout %s settled: %w", payoutID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("payout %s: %w", payoutID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ListPayoutsByPosition(ctx context.Context, positionID string) ([]model.Payout, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+payoutColumns+` FROM payouts WHERE position_id = $1 ORDER BY period_start`, positionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payouts []model.Payout
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		payouts = append(payouts, *p)
	}
	return payouts, rows.Err()
}

// --- Outbox ---

func (s *PostgresStore) ListPendingOutbox(ctx context.Context, limit int) ([]model.OutboxMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, event_type, payload::TEXT, created_at FROM outbox
		 WHERE published_at IS NULL ORDER BY created_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []model.OutboxMessage
	for rows.Next() {
		var m model.OutboxMessage
		var payload string
		if err := rows.Scan(&m.ID, &m.EventType, &payload, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Payload = []byte(payload)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *PostgresStore) MarkOutboxPublished(ctx context.Context, id string, publishedAt time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE outbox SET published_at = $2 WHERE id = $1`, id, publishedAt)
	return err
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	var one int
	return s.pool.QueryRow(ctx, `SELECT 1`).Scan(&one)
}

// --- Scanning helpers ---

func scanPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	var principalS, totalPaidS, status string
	var meta []byte

	if err := row.Scan(&p.ID, &p.UserID, &p.ProductID, &principalS,
		&p.StartDate, &p.EndDate, &p.NextPayoutAt, &status, &meta,
		&totalPaidS); err != nil {
		return nil, err
	}

	p.Principal, _ = decimal.NewFromString(principalS)
	p.TotalPaid, _ = decimal.NewFromString(totalPaidS)
	p.Status = model.PositionStatus(status)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &p.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of position %s: %w", p.ID, err)
		}
	}
	return &p, nil
}

func scanPayout(row pgx.Row) (*model.Payout, error) {
	var p model.Payout
	var amountS string

	if err := row.Scan(&p.ID, &p.PositionID, &p.UserID, &amountS,
		&p.PeriodStart, &p.PeriodEnd, &p.IsClaimable, &p.ClaimedAt,
		&p.SettlementRef, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.Amount, _ = decimal.NewFromString(amountS)
	return &p, nil
}

// periodDay is the calendar date of a period start as a UTC midnight, the
// form pgx encodes into a DATE column.
func periodDay(start time.Time) time.Time {
	return time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
