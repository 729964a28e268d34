// Package models holds the value types produced by aggregate gap detection.
// Gaps are ephemeral, recomputed each detection cycle.
package models

import (
	"time"

	"punchsync/internal/punch"
)

// Priority ranks how urgently a gap should be recovered.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank orders priorities for sorting; higher is more urgent.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

// AggregateGap is a local-vs-remote count deficit over one ladder slot.
type AggregateGap struct {
	SlotLabel     string       `json:"slot_label"`
	Window        punch.Window `json:"window"`
	ExpectedCount int          `json:"expected_count"`
	ActualCount   int          `json:"actual_count"`
	MissingCount  int          `json:"missing_count"`
	GapPercentage float64      `json:"gap_percentage"`
	Priority      Priority     `json:"priority"`
	DetectedAt    time.Time    `json:"detected_at"`
}
