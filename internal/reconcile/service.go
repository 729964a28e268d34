// Package reconcile implements daily reconciliation: for each of the trailing
// N calendar days it compares the local punch count against the remote count
// and decides whether the day needs a full re-pull. The remote never signals
// missed data; this service is how the engine infers it after the fact.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"punchsync/internal/events"
	"punchsync/internal/platform/metrics"
	"punchsync/internal/punch"
	"punchsync/internal/punch/ports"
	"punchsync/internal/reconcile/models"
	dErrors "punchsync/pkg/domain-errors"
)

const (
	// Days missing more than this many punches get a full-day re-pull; smaller
	// residues are cheaper to absorb through overlapping incremental polls.
	fullDayPollMissingThreshold = 50

	// Days below this completeness ratio get a full-day re-pull.
	fullDayPollRatioThreshold = 0.8

	// Incomplete days older than this are treated as unrecoverable history.
	recoverableHorizon = 1440 * time.Minute

	// A single multi-day recovery pass covers at most this many days.
	maxCriticalDays = 3

	// The trailing buffer absorbs remote write latency and clock skew.
	trailingBuffer = time.Minute

	// Span of the minimal "nothing to recover" polling window.
	normalWindowSpan = 5 * time.Minute
)

// Service is the completeness oracle. One long-lived instance per process,
// constructed and wired explicitly at application start.
type Service struct {
	store     ports.Store
	remote    ports.RemoteSource
	publisher events.Publisher
	logger    *slog.Logger
	metrics   *metrics.Metrics
	clock     ports.Clock

	loc                   *time.Location
	daysToCheck           int
	completenessThreshold float64
	strictRemoteErrors    bool

	mu        sync.Mutex
	isRunning bool
	byDate    map[string]models.DailyReconciliation
	lastRun   time.Time
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock sets the clock function for testability.
func WithClock(clock ports.Clock) Option {
	return func(s *Service) { s.clock = clock }
}

func WithLocation(loc *time.Location) Option {
	return func(s *Service) { s.loc = loc }
}

func WithDaysToCheck(days int) Option {
	return func(s *Service) { s.daysToCheck = days }
}

func WithCompletenessThreshold(threshold float64) Option {
	return func(s *Service) { s.completenessThreshold = threshold }
}

// WithStrictRemoteErrors makes remote failures abort the pass instead of
// degrading the remote count to zero.
func WithStrictRemoteErrors(strict bool) Option {
	return func(s *Service) { s.strictRemoteErrors = strict }
}

func New(store ports.Store, remote ports.RemoteSource, publisher events.Publisher, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("punch store is required")
	}
	if remote == nil {
		return nil, fmt.Errorf("remote source is required")
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}

	svc := &Service{
		store:                 store,
		remote:                remote,
		publisher:             publisher,
		logger:                slog.Default(),
		clock:                 time.Now,
		loc:                   time.Local,
		daysToCheck:           7,
		completenessThreshold: 0.95,
		byDate:                make(map[string]models.DailyReconciliation),
	}
	for _, opt := range opts {
		opt(svc)
	}
	if svc.daysToCheck < 1 {
		return nil, fmt.Errorf("days to check must be at least 1")
	}
	return svc, nil
}

// ReconcileDay classifies one calendar day. Local store failures are fatal to
// the call; remote failures degrade the remote count to zero unless strict
// mode is on, so a remote outage reads as "nothing to verify" rather than an
// emergency.
func (s *Service) ReconcileDay(ctx context.Context, day time.Time) (models.DailyReconciliation, error) {
	window := punch.DayWindow(day, s.loc)

	localCount, err := s.store.Count(ctx, window)
	if err != nil {
		return models.DailyReconciliation{}, dErrors.Wrap(err, dErrors.CodeInternal, "local punch count failed")
	}

	remoteCount, err := s.remote.Count(ctx, window)
	if err != nil {
		if s.strictRemoteErrors {
			return models.DailyReconciliation{}, dErrors.Wrap(err, dErrors.CodeUnavailable, "remote punch count failed")
		}
		s.logger.WarnContext(ctx, "remote count unavailable, treating as zero",
			"date", window.Start.Format(models.DateFormat), "error", err)
		remoteCount = 0
	}

	missing := remoteCount - localCount
	if missing < 0 {
		missing = 0
	}

	ratio := 1.0
	if remoteCount > 0 {
		ratio = float64(localCount) / float64(remoteCount)
	}

	rec := models.DailyReconciliation{
		Date:              window.Start.Format(models.DateFormat),
		Window:            window,
		LocalCount:        localCount,
		RemoteCount:       remoteCount,
		MissingCount:      missing,
		CompletenessRatio: ratio,
		IsComplete:        ratio >= s.completenessThreshold,
		LastChecked:       s.clock(),
	}
	rec.NeedsFullDayPoll = missing > 0 &&
		(missing > fullDayPollMissingThreshold ||
			ratio < fullDayPollRatioThreshold ||
			(remoteCount > 0 && localCount == 0))
	return rec, nil
}

// PerformDailyReconciliation runs ReconcileDay for today and the previous
// daysToCheck-1 days, caches the results by date, and emits the notification
// events. A local store failure aborts the pass and returns an empty result
// rather than a partial, misleading one.
func (s *Service) PerformDailyReconciliation(ctx context.Context) ([]models.DailyReconciliation, error) {
	now := s.clock().In(s.loc)

	results := make([]models.DailyReconciliation, 0, s.daysToCheck)
	for i := 0; i < s.daysToCheck; i++ {
		rec, err := s.ReconcileDay(ctx, now.AddDate(0, 0, -i))
		if err != nil {
			s.publisher.Publish(events.ReconciliationError{Base: events.NewBase(s.clock()), Err: err.Error()})
			return nil, err
		}
		results = append(results, rec)
	}

	s.mu.Lock()
	for _, rec := range results {
		s.byDate[rec.Date] = rec
	}
	s.lastRun = s.clock()
	s.mu.Unlock()

	var incomplete []models.DailyReconciliation
	for _, rec := range results {
		if !rec.IsComplete {
			incomplete = append(incomplete, rec)
		}
	}

	s.publisher.Publish(events.ReconciliationComplete{Base: events.NewBase(s.clock()), Days: results})
	if len(incomplete) > 0 {
		s.publisher.Publish(events.IncompleteDaysDetected{Base: events.NewBase(s.clock()), Days: incomplete})
	}
	for _, rec := range results {
		if rec.NeedsFullDayPoll {
			s.publisher.Publish(events.FullDayPollRequested{Base: events.NewBase(s.clock()), Day: rec})
		}
	}

	if s.metrics != nil {
		s.metrics.ReconcileCycles.Inc()
		s.metrics.IncompleteDays.Set(float64(len(incomplete)))
	}

	s.logger.InfoContext(ctx, "daily reconciliation pass complete",
		"days_checked", len(results), "incomplete", len(incomplete))
	return results, nil
}

// OptimalPollingStrategy re-runs the full reconciliation and derives the next
// polling window from the incomplete days found.
func (s *Service) OptimalPollingStrategy(ctx context.Context) (models.PollingStrategy, error) {
	days, err := s.PerformDailyReconciliation(ctx)
	if err != nil {
		return models.PollingStrategy{}, err
	}

	now := s.clock().In(s.loc)

	var incomplete []models.DailyReconciliation
	for _, d := range days {
		if !d.IsComplete {
			incomplete = append(incomplete, d)
		}
	}
	if len(incomplete) == 0 {
		return s.normalStrategy(now, normalWindowSpan, "all days complete"), nil
	}

	// Older gaps are treated as unrecoverable history, not polling targets.
	horizon := now.Add(-recoverableHorizon)
	var recent []models.DailyReconciliation
	for _, d := range incomplete {
		if d.Window.End.After(horizon) {
			recent = append(recent, d)
		}
	}
	if len(recent) == 0 {
		return s.normalStrategy(now, 10*time.Minute, "incomplete days exist but are beyond the recovery horizon"), nil
	}

	// Most recent first, then by largest deficit.
	sort.SliceStable(recent, func(i, j int) bool {
		if !recent[i].Window.Start.Equal(recent[j].Window.Start) {
			return recent[i].Window.Start.After(recent[j].Window.Start)
		}
		return recent[i].MissingCount > recent[j].MissingCount
	})

	var critical, rest []models.DailyReconciliation
	for _, d := range recent {
		if d.NeedsFullDayPoll {
			critical = append(critical, d)
		} else {
			rest = append(rest, d)
		}
	}

	switch {
	case len(critical) == 1:
		day := critical[0]
		return models.PollingStrategy{
			Tier:            punch.TierFullDay,
			Window:          day.Window,
			ExpectedRecords: day.MissingCount,
			TargetDates:     []string{day.Date},
			Reason:          fmt.Sprintf("day %s missing %d punches", day.Date, day.MissingCount),
		}, nil

	case len(critical) > 1:
		// Cap one recovery pass at the top days by the sort order above.
		targets := critical
		if len(targets) > maxCriticalDays {
			targets = targets[:maxCriticalDays]
		}
		window := targets[0].Window
		expected := 0
		dates := make([]string, 0, len(targets))
		for _, d := range targets {
			if d.Window.Start.Before(window.Start) {
				window.Start = d.Window.Start
			}
			if d.Window.End.After(window.End) {
				window.End = d.Window.End
			}
			expected += d.MissingCount
			dates = append(dates, d.Date)
		}
		return models.PollingStrategy{
			Tier:            punch.TierMultiDayRecovery,
			Window:          window,
			ExpectedRecords: expected,
			TargetDates:     dates,
			Reason:          fmt.Sprintf("%d critical days missing %d punches", len(targets), expected),
		}, nil

	default:
		// Incomplete but below the full-day threshold: stretch the normal
		// window back to the most recent such day and let overlap absorb it.
		day := rest[0]
		return models.PollingStrategy{
			Tier:            punch.TierNormal,
			Window:          punch.Window{Start: day.Window.Start, End: now.Add(-trailingBuffer)},
			ExpectedRecords: day.MissingCount,
			TargetDates:     []string{day.Date},
			Reason:          fmt.Sprintf("day %s slightly incomplete, extending normal window", day.Date),
		}, nil
	}
}

func (s *Service) normalStrategy(now time.Time, span time.Duration, reason string) models.PollingStrategy {
	end := now.Add(-trailingBuffer)
	return models.PollingStrategy{
		Tier:   punch.TierNormal,
		Window: punch.Window{Start: end.Add(-span), End: end},
		Reason: reason,
	}
}

// Snapshot returns the cached results of the latest pass, newest day first.
func (s *Service) Snapshot() ([]models.DailyReconciliation, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.DailyReconciliation, 0, len(s.byDate))
	for _, rec := range s.byDate {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date > out[j].Date })
	return out, s.lastRun
}

// Run executes a reconciliation pass on every tick until the context is
// cancelled. An overrunning pass makes the next tick a no-op rather than
// queueing behind it.
func (s *Service) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Service) tick(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		s.logger.WarnContext(ctx, "reconciliation pass still running, skipping tick")
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.isRunning = false
		s.mu.Unlock()
	}()

	if _, err := s.PerformDailyReconciliation(ctx); err != nil {
		s.logger.ErrorContext(ctx, "daily reconciliation pass failed", "error", err)
	}
}
