package gapdetect

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"punchsync/internal/events"
	"punchsync/internal/gapdetect/models"
	"punchsync/internal/punch"
	memorystore "punchsync/internal/punch/store/memory"
	"punchsync/internal/remote/countcache"
)

// =============================================================================
// Test doubles
// =============================================================================

// fakeRemote serves a fixed count per window span so each ladder slot can be
// pinned independently.
type fakeRemote struct {
	mu       sync.Mutex
	bySpan   map[time.Duration]int
	failWith error
	calls    int
}

func (f *fakeRemote) Count(_ context.Context, w punch.Window) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failWith != nil {
		return 0, f.failWith
	}
	return f.bySpan[w.Duration()], nil
}

func (f *fakeRemote) Fetch(_ context.Context, _ punch.Window, _, _ int) ([]punch.Record, int, error) {
	return nil, 0, nil
}

func (f *fakeRemote) Healthy(_ context.Context) error { return f.failWith }

func (f *fakeRemote) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingBus struct {
	mu     sync.Mutex
	events []events.Event
}

func (b *recordingBus) Publish(ev events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
}

func (b *recordingBus) kinds() []events.Kind {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]events.Kind, 0, len(b.events))
	for _, ev := range b.events {
		out = append(out, ev.Kind())
	}
	return out
}

// =============================================================================
// Gap Detector Suite
// =============================================================================
// The count cache memoizes by (label, window) and the suite clock is frozen,
// so subtests that change remote counts advance the clock past the validity
// period first; otherwise they would read the previous subtest's observation.

type DetectorSuite struct {
	suite.Suite
	store    *memorystore.Store
	remote   *fakeRemote
	cache    *countcache.Memory
	bus      *recordingBus
	detector *Detector
	now      time.Time
}

func TestDetectorSuite(t *testing.T) {
	suite.Run(t, new(DetectorSuite))
}

func (s *DetectorSuite) SetupTest() {
	s.store = memorystore.New()
	s.remote = &fakeRemote{bySpan: map[time.Duration]int{}}
	s.bus = &recordingBus{}
	s.now = time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

	clock := func() time.Time { return s.now }
	s.cache = countcache.NewMemory(5*time.Minute, countcache.WithClock(clock))

	var err error
	s.detector, err = New(s.store, s.remote, s.cache, s.bus, WithClock(clock))
	s.Require().NoError(err)
}

// seedLocal inserts n punches inside the trailing window of the given span.
func (s *DetectorSuite) seedLocal(span time.Duration, n int) {
	records := make([]punch.Record, 0, n)
	start := s.now.Add(-span)
	for i := 0; i < n; i++ {
		records = append(records, punch.Record{
			RemoteID:  span.String() + "-" + time.Duration(i).String(),
			PunchedAt: start.Add(time.Duration(i) * time.Second),
		})
	}
	_, err := s.store.Upsert(context.Background(), records)
	s.Require().NoError(err)
}

// expireCache moves the clock far enough that every cached count is stale.
func (s *DetectorSuite) expireCache() {
	s.now = s.now.Add(10 * time.Minute)
}

// =============================================================================
// GapPriority
// =============================================================================

func (s *DetectorSuite) TestGapPriority() {
	s.Run("high percentage is critical", func() {
		s.Equal(models.PriorityCritical, GapPriority(51, 100))
	})

	s.Run("large absolute deficit is critical even at low percentage", func() {
		s.Equal(models.PriorityCritical, GapPriority(101, 1000))
	})

	s.Run("moderate percentage is high", func() {
		s.Equal(models.PriorityHigh, GapPriority(30, 100))
	})

	s.Run("absolute deficit escalates low percentages", func() {
		// 10% exactly, but 100 missing punches.
		s.Equal(models.PriorityHigh, GapPriority(100, 1000))
	})

	s.Run("thresholds are exclusive", func() {
		s.Equal(models.PriorityMedium, GapPriority(15, 100))
		s.Equal(models.PriorityLow, GapPriority(10, 100))
		s.Equal(models.PriorityLow, GapPriority(20, 1000))
	})

	s.Run("zero expected never panics", func() {
		s.Equal(models.PriorityLow, GapPriority(0, 0))
	})
}

// =============================================================================
// DetectAggregateGaps
// =============================================================================

func (s *DetectorSuite) TestDetectAggregateGaps() {
	ctx := context.Background()

	s.Run("no activity yields no gaps and no events", func() {
		gaps, err := s.detector.DetectAggregateGaps(ctx)
		s.Require().NoError(err)
		s.Empty(gaps)
		s.Empty(s.bus.kinds())
	})

	s.Run("deficit in one slot is reported with priority", func() {
		s.expireCache()
		s.remote.bySpan[time.Hour] = 100
		s.seedLocal(time.Hour, 40)

		gaps, err := s.detector.DetectAggregateGaps(ctx)
		s.Require().NoError(err)

		var hourGap *models.AggregateGap
		for i := range gaps {
			if gaps[i].SlotLabel == "1h" {
				hourGap = &gaps[i]
			}
		}
		s.Require().NotNil(hourGap)
		s.Equal(100, hourGap.ExpectedCount)
		s.Equal(40, hourGap.ActualCount)
		s.Equal(60, hourGap.MissingCount)
		s.InDelta(60.0, hourGap.GapPercentage, 1e-9)
		s.Equal(models.PriorityCritical, hourGap.Priority)

		kinds := s.bus.kinds()
		s.Contains(kinds, events.KindAggregateGapsDetected)
		s.Contains(kinds, events.KindCriticalAggregateGap)
	})

	s.Run("local surplus in a slot is not a gap", func() {
		s.expireCache()
		s.remote.bySpan = map[time.Duration]int{15 * time.Minute: 5}
		s.seedLocal(15*time.Minute, 10)

		gaps, err := s.detector.DetectAggregateGaps(ctx)
		s.Require().NoError(err)
		for _, g := range gaps {
			s.NotEqual("15m", g.SlotLabel)
		}
	})

	s.Run("remote failure degrades every slot to zero", func() {
		bus := &recordingBus{}
		detector, err := New(s.store, s.remote, countcache.NewMemory(time.Minute), bus,
			WithClock(func() time.Time { return s.now }))
		s.Require().NoError(err)

		s.remote.failWith = errors.New("auth failed")
		gaps, err := detector.DetectAggregateGaps(ctx)
		s.Require().NoError(err)
		s.Empty(gaps)
		s.Empty(bus.kinds())
		s.remote.failWith = nil
	})

	s.Run("strict mode aborts on remote failure", func() {
		bus := &recordingBus{}
		detector, err := New(s.store, s.remote, countcache.NewMemory(time.Minute), bus,
			WithClock(func() time.Time { return s.now }),
			WithStrictRemoteErrors(true))
		s.Require().NoError(err)

		s.remote.failWith = errors.New("auth failed")
		_, err = detector.DetectAggregateGaps(ctx)
		s.Error(err)
		s.Contains(bus.kinds(), events.KindAggregateDetectionError)
		s.remote.failWith = nil
	})
}

// =============================================================================
// Count cache
// =============================================================================

func (s *DetectorSuite) TestCountCaching() {
	ctx := context.Background()

	s.Run("second pass inside validity issues no remote calls", func() {
		s.remote.bySpan[time.Hour] = 50

		_, err := s.detector.DetectAggregateGaps(ctx)
		s.Require().NoError(err)
		firstPass := s.remote.callCount()
		s.Equal(len(ladder), firstPass)

		// Same clock reading, same windows, cache still warm.
		_, err = s.detector.DetectAggregateGaps(ctx)
		s.Require().NoError(err)
		s.Equal(firstPass, s.remote.callCount())
	})

	s.Run("expired entries are fetched again", func() {
		s.now = s.now.Add(6 * time.Minute)

		_, err := s.detector.DetectAggregateGaps(ctx)
		s.Require().NoError(err)
		s.Equal(2*len(ladder), s.remote.callCount())
	})
}

// =============================================================================
// OptimalPollingWindow
// =============================================================================

func (s *DetectorSuite) TestOptimalPollingWindow() {
	ctx := context.Background()

	s.Run("no gaps yields the minimal normal window", func() {
		w, err := s.detector.OptimalPollingWindow(ctx)
		s.Require().NoError(err)
		s.Equal(punch.TierNormal, w.Tier)
		s.Equal(s.now.Add(-time.Minute), w.End)
		s.Equal(5*time.Minute, w.Duration())
	})

	s.Run("highest priority gap drives the window", func() {
		s.expireCache()
		// 30m slot loses 60%: critical. The 24h slot also sees the same 20
		// punches missing, which alone is only medium.
		s.remote.bySpan[30*time.Minute] = 50
		s.remote.bySpan[24*time.Hour] = 1000
		s.seedLocal(30*time.Minute, 20)
		s.seedLocal(24*time.Hour, 950)

		w, err := s.detector.OptimalPollingWindow(ctx)
		s.Require().NoError(err)
		s.Equal(punch.TierRecovery, w.Tier)
		s.Equal(s.now.Add(-time.Minute), w.End)

		// Lead-in for 30 missing clamps up to the 5 minute floor.
		wantStart := s.now.Truncate(time.Minute).Add(-30 * time.Minute).Add(-5 * time.Minute)
		s.Equal(wantStart, w.Start)
		s.Equal(30, w.ExpectedRecords)
	})

	s.Run("critical windows are capped at two hours", func() {
		store := memorystore.New()
		remote := &fakeRemote{bySpan: map[time.Duration]int{24 * time.Hour: 5000}}
		detector, err := New(store, remote, countcache.NewMemory(time.Minute), events.NopPublisher{},
			WithClock(func() time.Time { return s.now }))
		s.Require().NoError(err)

		w, err := detector.OptimalPollingWindow(ctx)
		s.Require().NoError(err)
		s.Equal(punch.TierRecovery, w.Tier)
		s.Equal(120*time.Minute, w.Duration())
		// The cap moves the start forward, never the end.
		s.Equal(s.now.Add(-time.Minute), w.End)
	})

	s.Run("non critical gaps use the extended tier and cap", func() {
		store := memorystore.New()
		// 12% of a day's punches missing: medium priority.
		remote := &fakeRemote{bySpan: map[time.Duration]int{24 * time.Hour: 250}}
		seed := make([]punch.Record, 0, 220)
		start := s.now.Add(-24 * time.Hour)
		for i := 0; i < 220; i++ {
			seed = append(seed, punch.Record{
				RemoteID:  "seed-" + time.Duration(i).String(),
				PunchedAt: start.Add(time.Duration(i) * time.Minute),
			})
		}
		_, err := store.Upsert(ctx, seed)
		s.Require().NoError(err)

		detector, err := New(store, remote, countcache.NewMemory(time.Minute), events.NopPublisher{},
			WithClock(func() time.Time { return s.now }))
		s.Require().NoError(err)

		w, err := detector.OptimalPollingWindow(ctx)
		s.Require().NoError(err)
		s.Equal(punch.TierExtended, w.Tier)
		s.Equal(60*time.Minute, w.Duration())
	})
}

// =============================================================================
// Snapshot
// =============================================================================

func (s *DetectorSuite) TestSnapshot() {
	ctx := context.Background()

	s.remote.bySpan[time.Hour] = 100

	gaps, err := s.detector.DetectAggregateGaps(ctx)
	s.Require().NoError(err)
	s.Require().NotEmpty(gaps)

	snap, lastRun := s.detector.Snapshot()
	s.Equal(gaps, snap)
	s.Equal(s.now, lastRun)
}
