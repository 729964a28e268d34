// Package gapdetect implements fine-grained gap detection. It compares local
// and remote counts over a ladder of trailing windows so a missed stretch of
// punches is caught within minutes instead of aging into a missed day, which
// would then be the reconciliation service's (more expensive) problem.
package gapdetect

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"punchsync/internal/events"
	"punchsync/internal/gapdetect/models"
	"punchsync/internal/platform/metrics"
	"punchsync/internal/punch"
	"punchsync/internal/punch/ports"
	dErrors "punchsync/pkg/domain-errors"
)

// ladderSlot is one trailing window the detector checks every pass.
type ladderSlot struct {
	label string
	span  time.Duration
}

// The ladder. Slots overlap heavily (15m is a subset of 24h), which is why
// remote counts are memoized per (label, window).
var ladder = []ladderSlot{
	{"15m", 15 * time.Minute},
	{"30m", 30 * time.Minute},
	{"1h", time.Hour},
	{"3h", 3 * time.Hour},
	{"6h", 6 * time.Hour},
	{"12h", 12 * time.Hour},
	{"24h", 24 * time.Hour},
}

const (
	// Gaps whose slot starts further back than this belong to daily
	// reconciliation, not to this detector.
	detectorHorizon = 24 * time.Hour

	trailingBuffer = time.Minute

	minLeadIn = 5 * time.Minute
	maxLeadIn = 15 * time.Minute

	// Per-cycle recovery window caps. A severe but old gap is narrowed over
	// several cycles instead of being attempted in one oversized request.
	criticalWindowCap = 120 * time.Minute
	defaultWindowCap  = 60 * time.Minute
)

// Detector is the aggregate gap detector. One instance per process; the count
// cache is the only state it mutates across cycles.
type Detector struct {
	store     ports.Store
	remote    ports.RemoteSource
	cache     ports.CountCache
	publisher events.Publisher
	logger    *slog.Logger
	metrics   *metrics.Metrics
	clock     ports.Clock

	strictRemoteErrors bool

	mu        sync.Mutex
	isRunning bool
	lastGaps  []models.AggregateGap
	lastRun   time.Time
}

type Option func(*Detector)

func WithLogger(logger *slog.Logger) Option {
	return func(d *Detector) { d.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Detector) { d.metrics = m }
}

// WithClock sets the clock function for testability.
func WithClock(clock ports.Clock) Option {
	return func(d *Detector) { d.clock = clock }
}

// WithStrictRemoteErrors makes remote failures abort the pass instead of
// degrading the slot's expected count to zero.
func WithStrictRemoteErrors(strict bool) Option {
	return func(d *Detector) { d.strictRemoteErrors = strict }
}

func New(store ports.Store, remote ports.RemoteSource, cache ports.CountCache, publisher events.Publisher, opts ...Option) (*Detector, error) {
	if store == nil {
		return nil, fmt.Errorf("punch store is required")
	}
	if remote == nil {
		return nil, fmt.Errorf("remote source is required")
	}
	if cache == nil {
		return nil, fmt.Errorf("count cache is required")
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}

	d := &Detector{
		store:     store,
		remote:    remote,
		cache:     cache,
		publisher: publisher,
		logger:    slog.Default(),
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// GapPriority ranks a deficit by absolute size and percentage of expected.
func GapPriority(missing, expected int) models.Priority {
	pct := 0.0
	if expected > 0 {
		pct = float64(missing) / float64(expected) * 100
	}
	switch {
	case pct > 50 || missing > 100:
		return models.PriorityCritical
	case pct > 25 || missing > 50:
		return models.PriorityHigh
	case pct > 10 || missing > 20:
		return models.PriorityMedium
	default:
		return models.PriorityLow
	}
}

// DetectAggregateGaps runs one detection pass over the ladder. A local store
// failure aborts the pass; a remote failure degrades that slot's expected
// count to zero so one slow slot doesn't poison the remaining six.
func (d *Detector) DetectAggregateGaps(ctx context.Context) ([]models.AggregateGap, error) {
	// Anchor to the minute so passes close together share cache keys.
	now := d.clock().Truncate(time.Minute)

	var gaps []models.AggregateGap
	for _, slot := range ladder {
		window := punch.Window{Start: now.Add(-slot.span), End: now}

		expected, err := d.remoteCount(ctx, slot.label, window)
		if err != nil {
			if d.strictRemoteErrors {
				d.publisher.Publish(events.AggregateDetectionError{Base: events.NewBase(d.clock()), Err: err.Error()})
				return nil, err
			}
			d.logger.WarnContext(ctx, "remote count unavailable for slot, treating as zero",
				"slot", slot.label, "error", err)
			expected = 0
		}

		actual, err := d.store.Count(ctx, window)
		if err != nil {
			err = dErrors.Wrap(err, dErrors.CodeInternal, "local punch count failed")
			d.publisher.Publish(events.AggregateDetectionError{Base: events.NewBase(d.clock()), Err: err.Error()})
			return nil, err
		}

		missing := expected - actual
		if expected <= 0 || missing <= 0 {
			continue
		}

		gap := models.AggregateGap{
			SlotLabel:     slot.label,
			Window:        window,
			ExpectedCount: expected,
			ActualCount:   actual,
			MissingCount:  missing,
			GapPercentage: float64(missing) / float64(expected) * 100,
			Priority:      GapPriority(missing, expected),
			DetectedAt:    d.clock(),
		}
		gaps = append(gaps, gap)

		if d.metrics != nil {
			d.metrics.GapsDetected.WithLabelValues(string(gap.Priority)).Inc()
		}
	}

	d.mu.Lock()
	d.lastGaps = gaps
	d.lastRun = d.clock()
	d.mu.Unlock()

	d.emit(gaps)
	return gaps, nil
}

func (d *Detector) emit(gaps []models.AggregateGap) {
	if len(gaps) == 0 {
		return
	}
	d.publisher.Publish(events.AggregateGapsDetected{Base: events.NewBase(d.clock()), Gaps: gaps})

	var critical, high []models.AggregateGap
	for _, g := range gaps {
		switch g.Priority {
		case models.PriorityCritical:
			critical = append(critical, g)
		case models.PriorityHigh:
			high = append(high, g)
		}
	}
	if len(critical) > 0 {
		d.publisher.Publish(events.CriticalAggregateGap{Base: events.NewBase(d.clock()), Gaps: critical})
	}
	if len(high) > 0 {
		d.publisher.Publish(events.HighPriorityAggregateGap{Base: events.NewBase(d.clock()), Gaps: high})
	}
}

// remoteCount consults the cache before paying for a remote round trip.
func (d *Detector) remoteCount(ctx context.Context, label string, w punch.Window) (int, error) {
	if count, ok := d.cache.Get(ctx, label, w); ok {
		if d.metrics != nil {
			d.metrics.CountCacheHits.Inc()
		}
		return count, nil
	}
	if d.metrics != nil {
		d.metrics.CountCacheMisses.Inc()
	}

	count, err := d.remote.Count(ctx, w)
	if err != nil {
		return 0, err
	}
	d.cache.Put(ctx, label, w, count)
	return count, nil
}

// OptimalPollingWindow derives one recovery window from the current gaps. The
// window leads in before the gap start (larger deficits get more lead-in) and
// is capped per cycle; a gap too large for one window is narrowed again on the
// next cycle.
func (d *Detector) OptimalPollingWindow(ctx context.Context) (punch.PollingWindow, error) {
	gaps, err := d.DetectAggregateGaps(ctx)
	if err != nil {
		return punch.PollingWindow{}, err
	}

	now := d.clock()
	end := now.Add(-trailingBuffer)

	if len(gaps) == 0 {
		return punch.PollingWindow{
			Window: punch.Window{Start: end.Add(-5 * time.Minute), End: end},
			Tier:   punch.TierNormal,
			Reason: "no aggregate gaps",
		}, nil
	}

	horizon := now.Add(-detectorHorizon)
	var candidates []models.AggregateGap
	for _, g := range gaps {
		if !g.Window.Start.Before(horizon) {
			candidates = append(candidates, g)
		}
	}
	if len(candidates) == 0 {
		return punch.PollingWindow{
			Window: punch.Window{Start: end.Add(-5 * time.Minute), End: end},
			Tier:   punch.TierNormal,
			Reason: "gaps exist but are older than the detector horizon",
		}, nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority.Rank() != candidates[j].Priority.Rank() {
			return candidates[i].Priority.Rank() > candidates[j].Priority.Rank()
		}
		return candidates[i].MissingCount > candidates[j].MissingCount
	})
	target := candidates[0]

	leadIn := time.Duration(target.MissingCount/10) * time.Minute
	if leadIn < minLeadIn {
		leadIn = minLeadIn
	}
	if leadIn > maxLeadIn {
		leadIn = maxLeadIn
	}

	start := target.Window.Start.Add(-leadIn)

	maxSpan := defaultWindowCap
	tier := punch.TierExtended
	if target.Priority == models.PriorityCritical {
		maxSpan = criticalWindowCap
		tier = punch.TierRecovery
	}
	// Cap by moving the start forward, never the end; the next cycle picks up
	// whatever this one leaves behind.
	if end.Sub(start) > maxSpan {
		start = end.Add(-maxSpan)
	}

	return punch.PollingWindow{
		Window:          punch.Window{Start: start, End: end},
		Tier:            tier,
		ExpectedRecords: target.MissingCount,
		Reason: fmt.Sprintf("%s gap in %s slot, %d missing of %d expected",
			target.Priority, target.SlotLabel, target.MissingCount, target.ExpectedCount),
	}, nil
}

// Snapshot returns the gaps from the latest pass.
func (d *Detector) Snapshot() ([]models.AggregateGap, time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]models.AggregateGap, len(d.lastGaps))
	copy(out, d.lastGaps)
	return out, d.lastRun
}

// Run executes a detection pass on every tick until the context is cancelled.
// Overrunning passes skip the next tick instead of queueing.
func (d *Detector) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	d.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

func (d *Detector) tick(ctx context.Context) {
	d.mu.Lock()
	if d.isRunning {
		d.mu.Unlock()
		d.logger.WarnContext(ctx, "detection pass still running, skipping tick")
		return
	}
	d.isRunning = true
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.isRunning = false
		d.mu.Unlock()
	}()

	if _, err := d.DetectAggregateGaps(ctx); err != nil {
		d.logger.ErrorContext(ctx, "aggregate gap detection failed", "error", err)
	}
}
