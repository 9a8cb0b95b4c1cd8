// Package alert raises operator alerts for batch-level failures.
package alert

import (
	"context"
	"log/slog"
	"time"

	"github.com/yieldvault/distribution-engine/internal/events"
	"github.com/yieldvault/distribution-engine/internal/metrics"
	"github.com/yieldvault/distribution-engine/internal/model"
)

// Kinds of alert raised by the engine.
const (
	KindHealthGate     = "health_gate_failed"
	KindBatchFailed    = "batch_failed"
	KindBatchError     = "batch_error"
	KindRecovery       = "batch_recovered"
	KindHealthMonitor  = "health_monitor"
	KindRetryExhausted = "retry_exhausted"
)

// Alert is one operator notification.
type Alert struct {
	Kind     string            `json:"kind"`
	Severity string            `json:"severity"`
	Message  string            `json:"message"`
	BatchID  string            `json:"batch_id,omitempty"`
	Fields   map[string]string `json:"fields,omitempty"`
	At       time.Time         `json:"at"`
}

// Alerter delivers alerts. Implementations must not block for long and
// must never fail the caller.
type Alerter interface {
	Alert(ctx context.Context, a Alert)
}

// LogAlerter writes alerts to the structured log.
type LogAlerter struct {
	Logger *slog.Logger
}

func (l LogAlerter) Alert(_ context.Context, a Alert) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics.AlertsTotal.WithLabelValues(a.Kind).Inc()

	attrs := []any{
		"event", "distribution_alert",
		"layer", "alert",
		"kind", a.Kind,
		"severity", a.Severity,
		"batch_id", a.BatchID,
	}
	for k, v := range a.Fields {
		attrs = append(attrs, k, v)
	}
	logger.Error(a.Message, attrs...)
}

// PublishingAlerter logs the alert and publishes it as a distribution.alert
// event.
type PublishingAlerter struct {
	Log       LogAlerter
	Publisher events.Publisher
}

func (p PublishingAlerter) Alert(ctx context.Context, a Alert) {
	if a.At.IsZero() {
		a.At = time.Now().UTC()
	}
	p.Log.Alert(ctx, a)

	env, err := model.NewEventEnvelope(model.EventDistributionAlert, a, a.At)
	if err == nil {
		err = p.Publisher.Publish(ctx, model.EventDistributionAlert, env)
	}
	if err != nil {
		logger := p.Log.Logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("alert publish failed",
			"event", "distribution_alert_publish_failed",
			"layer", "alert",
			"kind", a.Kind,
			"error", err.Error(),
		)
	}
}

var (
	_ Alerter = LogAlerter{}
	_ Alerter = PublishingAlerter{}
)
