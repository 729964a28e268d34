package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"punchsync/internal/punch"
	memorystore "punchsync/internal/punch/store/memory"
	reconmodels "punchsync/internal/reconcile/models"
)

// =============================================================================
// Test doubles
// =============================================================================

// fakeRemote serves a fixed record set, paged the way the appliance pages:
// total is the full window count, pages slice into it.
type fakeRemote struct {
	mu      sync.Mutex
	records []punch.Record
	failAll error
	fetches int
}

func (f *fakeRemote) Count(_ context.Context, w punch.Window) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inWindow(w)), nil
}

func (f *fakeRemote) Fetch(_ context.Context, w punch.Window, page, pageSize int) ([]punch.Record, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.failAll != nil {
		return nil, 0, f.failAll
	}

	matched := f.inWindow(w)
	start := page * pageSize
	if start >= len(matched) {
		return nil, len(matched), nil
	}
	end := start + pageSize
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], len(matched), nil
}

func (f *fakeRemote) Healthy(_ context.Context) error { return f.failAll }

func (f *fakeRemote) inWindow(w punch.Window) []punch.Record {
	var out []punch.Record
	for _, r := range f.records {
		if w.Contains(r.PunchedAt) {
			out = append(out, r)
		}
	}
	return out
}

// fixedGapStrategy returns a canned window or error.
type fixedGapStrategy struct {
	window punch.PollingWindow
	err    error
}

func (f fixedGapStrategy) OptimalPollingWindow(_ context.Context) (punch.PollingWindow, error) {
	return f.window, f.err
}

// fixedDailyStrategy returns a canned snapshot and strategy, counting how
// often the expensive strategy call happens.
type fixedDailyStrategy struct {
	mu       sync.Mutex
	snapshot []reconmodels.DailyReconciliation
	strategy reconmodels.PollingStrategy
	calls    int
}

func (f *fixedDailyStrategy) Snapshot() ([]reconmodels.DailyReconciliation, time.Time) {
	return f.snapshot, time.Time{}
}

func (f *fixedDailyStrategy) OptimalPollingStrategy(_ context.Context) (reconmodels.PollingStrategy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.strategy, nil
}

func (f *fixedDailyStrategy) strategyCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// =============================================================================
// Poller Suite
// =============================================================================

type PollerSuite struct {
	suite.Suite
	store  *memorystore.Store
	remote *fakeRemote
	now    time.Time
}

func TestPollerSuite(t *testing.T) {
	suite.Run(t, new(PollerSuite))
}

func (s *PollerSuite) SetupTest() {
	s.store = memorystore.New()
	s.remote = &fakeRemote{}
	s.now = time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
}

func (s *PollerSuite) newPoller(gaps GapStrategy, daily DailyStrategy, opts ...Option) *Poller {
	base := []Option{
		WithClock(func() time.Time { return s.now }),
		WithPageSize(10),
	}
	p, err := New(s.store, s.remote, gaps, daily, append(base, opts...)...)
	s.Require().NoError(err)
	return p
}

// seedRemote populates the fake remote with n punches ending just before now.
func (s *PollerSuite) seedRemote(n int) {
	for i := 0; i < n; i++ {
		s.remote.records = append(s.remote.records, punch.Record{
			RemoteID:  fmt.Sprintf("r-%d", i),
			PunchedAt: s.now.Add(-time.Duration(n-i) * time.Second),
			Direction: punch.DirectionIn,
		})
	}
}

func (s *PollerSuite) window(span time.Duration) punch.PollingWindow {
	return punch.PollingWindow{
		Window: punch.Window{Start: s.now.Add(-span), End: s.now},
		Tier:   punch.TierNormal,
	}
}

// =============================================================================
// Fetch
// =============================================================================

func (s *PollerSuite) TestFetch() {
	ctx := context.Background()

	s.Run("pages through the whole window", func() {
		s.seedRemote(35)
		p := s.newPoller(nil, nil)

		result := p.Fetch(ctx, s.window(time.Hour))
		s.True(result.Success)
		s.Equal(35, result.RecordsPulled)
		s.Equal(35, s.store.Len())
		s.Equal(4, s.remote.fetches) // 10+10+10+5
	})

	s.Run("re-fetching an overlapping window writes nothing new", func() {
		p := s.newPoller(nil, nil)

		result := p.Fetch(ctx, s.window(2*time.Hour))
		s.True(result.Success)
		s.Zero(result.RecordsPulled)
		s.Equal(35, s.store.Len())
	})

	s.Run("advances the watermark to the newest punch", func() {
		p := s.newPoller(nil, nil)
		_ = p.Fetch(ctx, s.window(time.Hour))
		s.Equal(s.now.Add(-time.Second), p.Watermark())
	})

	s.Run("remote failure is reported, not retried", func() {
		s.remote.failAll = errors.New("dial tcp: timeout")
		p := s.newPoller(nil, nil)

		before := s.remote.fetches
		result := p.Fetch(ctx, s.window(time.Hour))
		s.False(result.Success)
		s.Error(result.Err)
		s.Equal(before+1, s.remote.fetches)
		s.remote.failAll = nil
	})
}

// =============================================================================
// Window selection
// =============================================================================

func (s *PollerSuite) TestSelectWindow() {
	recovery := punch.PollingWindow{
		Window: punch.Window{Start: s.now.Add(-2 * time.Hour), End: s.now.Add(-time.Minute)},
		Tier:   punch.TierRecovery,
	}
	daily := &reconmodels.PollingStrategy{
		Tier:   punch.TierFullDay,
		Window: punch.DayWindow(s.now.AddDate(0, 0, -1), time.UTC),
	}
	watermark := s.now.Add(-20 * time.Minute)

	s.Run("detector recovery window wins over everything", func() {
		w := selectWindow(recovery, nil, daily, watermark, s.now)
		s.Equal(punch.TierRecovery, w.Tier)
	})

	s.Run("daily strategy wins when the detector is quiet", func() {
		w := selectWindow(s.window(5*time.Minute), nil, daily, watermark, s.now)
		s.Equal(punch.TierFullDay, w.Tier)
		s.Equal(daily.Window, w.Window)
	})

	s.Run("detector error falls through to the daily strategy", func() {
		w := selectWindow(punch.PollingWindow{}, errors.New("remote down"), daily, watermark, s.now)
		s.Equal(punch.TierFullDay, w.Tier)
	})

	s.Run("quiet detector and oracle advance from the watermark", func() {
		w := selectWindow(s.window(5*time.Minute), nil, nil, watermark, s.now)
		s.Equal(punch.TierNormal, w.Tier)
		s.Equal(watermark, w.Start)
		s.Equal(s.now.Add(-time.Minute), w.End)
	})

	s.Run("zero watermark falls back to a five minute window", func() {
		w := selectWindow(s.window(5*time.Minute), nil, nil, time.Time{}, s.now)
		s.Equal(punch.TierNormal, w.Tier)
		s.Equal(5*time.Minute, w.Duration())
	})

	s.Run("watermark ahead of the window end falls back too", func() {
		w := selectWindow(s.window(5*time.Minute), nil, nil, s.now, s.now)
		s.Equal(5*time.Minute, w.Duration())
	})
}

// =============================================================================
// Cycle
// =============================================================================

func (s *PollerSuite) TestCycle() {
	ctx := context.Background()

	s.Run("normal cycle pulls incrementally and records history", func() {
		s.seedRemote(12)
		gaps := fixedGapStrategy{window: s.window(5 * time.Minute)}
		p := s.newPoller(gaps, nil)

		record := p.Cycle(ctx)
		s.Equal(punch.TierNormal, record.Tier)
		s.Empty(record.Error)

		history := p.History()
		s.Require().Len(history, 1)
		s.Equal(record.Window, history[0].Window)
	})

	s.Run("oracle is not consulted while its snapshot is clean", func() {
		daily := &fixedDailyStrategy{
			snapshot: []reconmodels.DailyReconciliation{{Date: "2025-06-02", IsComplete: true}},
		}
		p := s.newPoller(fixedGapStrategy{window: s.window(5 * time.Minute)}, daily)

		_ = p.Cycle(ctx)
		s.Zero(daily.strategyCalls())
	})

	s.Run("oracle backlog triggers the daily strategy", func() {
		yesterday := punch.DayWindow(s.now.AddDate(0, 0, -1), time.UTC)
		daily := &fixedDailyStrategy{
			snapshot: []reconmodels.DailyReconciliation{{Date: "2025-06-01", NeedsFullDayPoll: true}},
			strategy: reconmodels.PollingStrategy{Tier: punch.TierFullDay, Window: yesterday},
		}
		p := s.newPoller(fixedGapStrategy{window: s.window(5 * time.Minute)}, daily)

		record := p.Cycle(ctx)
		s.Equal(1, daily.strategyCalls())
		s.Equal(punch.TierFullDay, record.Tier)
		s.Equal(yesterday, record.Window)
	})

	s.Run("history is bounded", func() {
		p := s.newPoller(fixedGapStrategy{window: s.window(5 * time.Minute)}, nil)
		for i := 0; i < historySize+10; i++ {
			_ = p.Cycle(ctx)
		}
		s.Len(p.History(), historySize)
	})
}
