package poller

import (
	"time"

	"punchsync/internal/punch"
	reconmodels "punchsync/internal/reconcile/models"
)

// needsDailyRecovery reports whether the oracle's latest snapshot suggests a
// multi-day backlog the fine-grained detector cannot see. Pure function over
// the snapshot; it never triggers remote calls.
func needsDailyRecovery(snapshot []reconmodels.DailyReconciliation) bool {
	for _, day := range snapshot {
		if day.NeedsFullDayPoll {
			return true
		}
	}
	return false
}

// selectWindow picks the next window to execute. The detector's fine-grained
// window wins whenever it reports anything above normal; the oracle's daily
// strategy is consulted only when the detector is quiet but the daily snapshot
// shows a backlog; otherwise the puller advances incrementally from the
// watermark.
func selectWindow(
	gapWindow punch.PollingWindow,
	gapErr error,
	dailyStrategy *reconmodels.PollingStrategy,
	watermark time.Time,
	now time.Time,
) punch.PollingWindow {
	if gapErr == nil && gapWindow.Tier != punch.TierNormal {
		return gapWindow
	}
	if dailyStrategy != nil && dailyStrategy.Tier != punch.TierNormal {
		return dailyStrategy.PollingWindow()
	}
	return incrementalWindow(watermark, now)
}

// incrementalWindow advances strictly forward from the last seen punch
// timestamp, with a trailing buffer absorbing remote write latency.
func incrementalWindow(watermark, now time.Time) punch.PollingWindow {
	end := now.Add(-trailingBuffer)
	start := watermark
	if start.IsZero() || !start.Before(end) {
		start = end.Add(-5 * time.Minute)
	}
	return punch.PollingWindow{
		Window: punch.Window{Start: start, End: end},
		Tier:   punch.TierNormal,
		Reason: "incremental from watermark",
	}
}
