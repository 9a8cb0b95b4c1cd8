package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/yieldvault/distribution-engine/internal/metrics"
	"github.com/yieldvault/distribution-engine/internal/model"
)

// Outbox is the part of the ledger store the relay drains.
type Outbox interface {
	ListPendingOutbox(ctx context.Context, limit int) ([]model.OutboxMessage, error)
	MarkOutboxPublished(ctx context.Context, id string, publishedAt time.Time) error
}

// Relay publishes persisted outbox rows to the broker.
type Relay struct {
	Outbox    Outbox
	Publisher Publisher
	BatchSize int
	Logger    *slog.Logger
	Now       func() time.Time
}

// RunOnce publishes a bounded batch of pending rows and marks each one
// published only after the broker accepted it. It stops on the first failure
// so the next cycle picks up the remaining rows in order.
func (r Relay) RunOnce(ctx context.Context) (int, error) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limit := r.BatchSize
	if limit <= 0 {
		limit = 100
	}

	pending, err := r.Outbox.ListPendingOutbox(ctx, limit)
	if err != nil {
		logger.Error("outbox list failed",
			"event", "outbox_list_failed",
			"layer", "worker",
			"error", err.Error(),
		)
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	if r.Now != nil {
		now = r.Now().UTC()
	}

	published := 0
	for _, row := range pending {
		var env model.EventEnvelope
		if err := json.Unmarshal(row.Payload, &env); err != nil {
			logger.Error("outbox decode failed",
				"event", "outbox_decode_failed",
				"layer", "worker",
				"outbox_id", row.ID,
				"error", err.Error(),
			)
			return published, err
		}
		topic := env.EventType
		if topic == "" {
			topic = row.EventType
		}
		if err := r.Publisher.Publish(ctx, topic, env); err != nil {
			logger.Error("outbox publish failed",
				"event", "outbox_publish_failed",
				"layer", "worker",
				"outbox_id", row.ID,
				"event_type", topic,
				"error", err.Error(),
			)
			return published, err
		}
		if err := r.Outbox.MarkOutboxPublished(ctx, row.ID, now); err != nil {
			logger.Error("outbox mark published failed",
				"event", "outbox_mark_published_failed",
				"layer", "worker",
				"outbox_id", row.ID,
				"error", err.Error(),
			)
			return published, err
		}
		published++
		metrics.OutboxPublished.Inc()
	}

	logger.Info("outbox relay cycle completed",
		"event", "outbox_relay_completed",
		"layer", "worker",
		"published_count", published,
	)
	return published, nil
}

// Run calls RunOnce every interval until ctx is cancelled.
func (r Relay) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}
