// Package events carries the typed notifications the engine emits for the
// surrounding application (alerting, operator dashboards, the recovery
// executor). Each event name is a distinct variant so subscribers can
// type-switch exhaustively instead of matching on strings.
package events

import (
	"time"

	"github.com/google/uuid"

	gapmodels "punchsync/internal/gapdetect/models"
	reconmodels "punchsync/internal/reconcile/models"
)

type Kind string

const (
	KindReconciliationComplete   Kind = "reconciliation_complete"
	KindIncompleteDaysDetected   Kind = "incomplete_days_detected"
	KindFullDayPollRequested     Kind = "full_day_poll_requested"
	KindAggregateGapsDetected    Kind = "aggregate_gaps_detected"
	KindCriticalAggregateGap     Kind = "critical_aggregate_gap"
	KindHighPriorityAggregateGap Kind = "high_priority_aggregate_gap"
	KindReconciliationError      Kind = "reconciliation_error"
	KindAggregateDetectionError  Kind = "aggregate_detection_error"
)

// Event is the sealed interface over all variants.
type Event interface {
	Kind() Kind
	EventID() string
	OccurredAt() time.Time
}

// Base carries the fields every variant shares.
type Base struct {
	ID string    `json:"id"`
	At time.Time `json:"at"`
}

func NewBase(at time.Time) Base {
	return Base{ID: uuid.NewString(), At: at}
}

func (b Base) EventID() string       { return b.ID }
func (b Base) OccurredAt() time.Time { return b.At }

type ReconciliationComplete struct {
	Base
	Days []reconmodels.DailyReconciliation `json:"days"`
}

func (ReconciliationComplete) Kind() Kind { return KindReconciliationComplete }

type IncompleteDaysDetected struct {
	Base
	Days []reconmodels.DailyReconciliation `json:"days"`
}

func (IncompleteDaysDetected) Kind() Kind { return KindIncompleteDaysDetected }

type FullDayPollRequested struct {
	Base
	Day reconmodels.DailyReconciliation `json:"day"`
}

func (FullDayPollRequested) Kind() Kind { return KindFullDayPollRequested }

type AggregateGapsDetected struct {
	Base
	Gaps []gapmodels.AggregateGap `json:"gaps"`
}

func (AggregateGapsDetected) Kind() Kind { return KindAggregateGapsDetected }

type CriticalAggregateGap struct {
	Base
	Gaps []gapmodels.AggregateGap `json:"gaps"`
}

func (CriticalAggregateGap) Kind() Kind { return KindCriticalAggregateGap }

type HighPriorityAggregateGap struct {
	Base
	Gaps []gapmodels.AggregateGap `json:"gaps"`
}

func (HighPriorityAggregateGap) Kind() Kind { return KindHighPriorityAggregateGap }

type ReconciliationError struct {
	Base
	Err string `json:"error"`
}

func (ReconciliationError) Kind() Kind { return KindReconciliationError }

type AggregateDetectionError struct {
	Base
	Err string `json:"error"`
}

func (AggregateDetectionError) Kind() Kind { return KindAggregateDetectionError }
