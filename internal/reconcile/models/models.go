// Package models holds the value types produced by daily reconciliation.
// Everything here is transient: recomputed from authoritative counts every
// pass, never persisted.
package models

import (
	"time"

	"punchsync/internal/punch"
)

// DateFormat is the calendar-date key format in the canonical timezone.
const DateFormat = "2006-01-02"

// DailyReconciliation classifies one calendar day as complete or incomplete
// by comparing local and remote counts over the day's window.
type DailyReconciliation struct {
	Date              string       `json:"date"`
	Window            punch.Window `json:"window"`
	LocalCount        int          `json:"local_count"`
	RemoteCount       int          `json:"remote_count"`
	MissingCount      int          `json:"missing_count"`
	CompletenessRatio float64      `json:"completeness_ratio"`
	IsComplete        bool         `json:"is_complete"`
	NeedsFullDayPoll  bool         `json:"needs_full_day_poll"`
	LastChecked       time.Time    `json:"last_checked"`
}

// PollingStrategy is the Oracle's answer to "what should be polled next".
type PollingStrategy struct {
	Tier            punch.StrategyTier `json:"tier"`
	Window          punch.Window       `json:"window"`
	ExpectedRecords int                `json:"expected_records"`
	TargetDates     []string           `json:"target_dates,omitempty"`
	Reason          string             `json:"reason"`
}

// PollingWindow flattens the strategy into the executor's input value.
func (s PollingStrategy) PollingWindow() punch.PollingWindow {
	return punch.PollingWindow{
		Window:          s.Window,
		Tier:            s.Tier,
		ExpectedRecords: s.ExpectedRecords,
		Reason:          s.Reason,
	}
}
