package model

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// batchIDRegex matches: batch-{YYYYMMDD} or manual-{uuid}
// Example: batch-20250815
var batchIDRegex = regexp.MustCompile(
	`^(?:batch-(\d{8})|manual-([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}))$`,
)

// ErrInvalidBatchID is returned for identifiers that are neither a
// scheduled nor a manual batch id.
var ErrInvalidBatchID = errors.New("model: invalid batch id")

// ScheduledBatchID returns the one-per-day identifier for a scheduled run.
func ScheduledBatchID(day time.Time) string {
	return "batch-" + day.Format("20060102")
}

// NewManualBatchID returns a unique identifier for an operator-triggered run.
func NewManualBatchID() string {
	return "manual-" + uuid.NewString()
}

// BatchRef is a parsed batch identifier.
type BatchRef struct {
	ID   string
	Kind BatchKind
	Date time.Time // zero for manual batches
}

// ParseBatchID parses and validates a batch identifier.
func ParseBatchID(id string) (*BatchRef, error) {
	matches := batchIDRegex.FindStringSubmatch(id)
	if matches == nil {
		return nil, fmt.Errorf("%w: %s (expected batch-{YYYYMMDD} or manual-{uuid})", ErrInvalidBatchID, id)
	}

	if matches[1] == "" {
		return &BatchRef{ID: id, Kind: BatchManual}, nil
	}

	day, err := time.Parse("20060102", matches[1])
	if err != nil {
		return nil, fmt.Errorf("%w: invalid date %s", ErrInvalidBatchID, matches[1])
	}
	return &BatchRef{ID: id, Kind: BatchScheduled, Date: day}, nil
}
