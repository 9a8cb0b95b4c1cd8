package model

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTransition is returned when a status change is not allowed by
// the lifecycle of the entity.
var ErrInvalidTransition = errors.New("model: invalid status transition")

// PositionStatus is the lifecycle state of a position.
type PositionStatus string

const (
	PositionActive    PositionStatus = "ACTIVE"
	PositionRedeeming PositionStatus = "REDEEMING"
	PositionClosed    PositionStatus = "CLOSED"
	PositionDefaulted PositionStatus = "DEFAULTED"
)

// CanTransitionTo reports whether a position may move from s to next.
// Allowed: ACTIVE→REDEEMING→CLOSED, and ACTIVE|REDEEMING→DEFAULTED.
func (s PositionStatus) CanTransitionTo(next PositionStatus) bool {
	switch s {
	case PositionActive:
		return next == PositionRedeeming || next == PositionDefaulted
	case PositionRedeeming:
		return next == PositionClosed || next == PositionDefaulted
	default:
		return false
	}
}

// Valid reports whether s is a known position status.
func (s PositionStatus) Valid() bool {
	switch s {
	case PositionActive, PositionRedeeming, PositionClosed, PositionDefaulted:
		return true
	}
	return false
}

// TaskStatus is the lifecycle state of a distribution task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "PENDING"
	TaskProcessing TaskStatus = "PROCESSING"
	TaskCompleted  TaskStatus = "COMPLETED"
	TaskFailed     TaskStatus = "FAILED"
)

// Unresolved reports whether the task has not reached COMPLETED or FAILED.
func (s TaskStatus) Unresolved() bool {
	return s == TaskPending || s == TaskProcessing
}

// Start moves a pending or previously failed task into PROCESSING.
func (t *DistributionTask) Start(now time.Time) error {
	if t.Status != TaskPending && t.Status != TaskFailed {
		return fmt.Errorf("%w: task %s %s -> %s", ErrInvalidTransition, t.ID, t.Status, TaskProcessing)
	}
	t.Status = TaskProcessing
	t.UpdatedAt = now
	return nil
}

// Complete marks a processing task as settled.
func (t *DistributionTask) Complete(payoutID, settlementRef string, now time.Time) error {
	if t.Status != TaskProcessing {
		return fmt.Errorf("%w: task %s %s -> %s", ErrInvalidTransition, t.ID, t.Status, TaskCompleted)
	}
	t.Status = TaskCompleted
	t.PayoutID = payoutID
	t.SettlementRef = settlementRef
	t.FailureReason = ""
	t.UpdatedAt = now
	return nil
}

// Fail records a failed attempt. Each failure consumes one retry.
func (t *DistributionTask) Fail(reason string, now time.Time) {
	t.Status = TaskFailed
	t.RetryCount++
	t.FailureReason = reason
	t.UpdatedAt = now
}

// BatchStatus is the lifecycle state of a distribution batch.
type BatchStatus string

const (
	BatchProcessing BatchStatus = "PROCESSING"
	BatchCompleted  BatchStatus = "COMPLETED"
	BatchFailed     BatchStatus = "FAILED"
)

// IsTerminal reports whether the batch has finished its primary pass.
func (s BatchStatus) IsTerminal() bool {
	return s == BatchCompleted || s == BatchFailed
}

// BatchKind distinguishes the daily scheduled run from operator triggers.
type BatchKind string

const (
	BatchScheduled BatchKind = "SCHEDULED"
	BatchManual    BatchKind = "MANUAL"
)
