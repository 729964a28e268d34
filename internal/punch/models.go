// Package punch holds the core domain types shared by the puller, the daily
// reconciliation service, and the aggregate gap detector.
package punch

import "time"

// Direction is the punch direction as reported by the terminal.
type Direction string

const (
	DirectionIn      Direction = "in"
	DirectionOut     Direction = "out"
	DirectionUnknown Direction = "unknown"
)

// Record is a single punch event pulled from the remote biometric network.
// RemoteID is assigned by the remote system and is the idempotency key for
// ingestion: upserting the same RemoteID twice is a no-op.
type Record struct {
	RemoteID     string    `json:"remote_id"`
	EmployeeCode string    `json:"employee_code"`
	PunchedAt    time.Time `json:"punched_at"`
	Direction    Direction `json:"direction"`
	DeviceID     string    `json:"device_id"`
	Location     string    `json:"location"`
}

// Window is a half-open [Start, End) time interval.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (w Window) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// DayWindow returns the [00:00, next day 00:00) window for the calendar day
// containing t in the given location.
func DayWindow(t time.Time, loc *time.Location) Window {
	t = t.In(loc)
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	return Window{Start: start, End: start.AddDate(0, 0, 1)}
}

// StrategyTier classifies how aggressive the next polling window is.
type StrategyTier string

const (
	TierNormal           StrategyTier = "normal"
	TierExtended         StrategyTier = "extended"
	TierRecovery         StrategyTier = "recovery"
	TierFullDay          StrategyTier = "full_day"
	TierMultiDayRecovery StrategyTier = "multi_day_recovery"
)

// PollingWindow is the single concrete window a strategy hands to the puller.
// ExpectedRecords is a logging hint only, never load-bearing for correctness.
type PollingWindow struct {
	Window
	Tier            StrategyTier `json:"tier"`
	ExpectedRecords int          `json:"expected_records"`
	Reason          string       `json:"reason"`
}
