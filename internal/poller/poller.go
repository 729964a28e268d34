// Package poller executes polling windows against the remote source and
// persists the results. The puller itself is not gap-aware: it runs whatever
// window the strategy selection hands it, and because persistence is
// upsert-by-remote-id a recovery window may safely overlap ranges that were
// already ingested.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"punchsync/internal/platform/metrics"
	"punchsync/internal/punch"
	"punchsync/internal/punch/ports"
	reconmodels "punchsync/internal/reconcile/models"
)

const (
	trailingBuffer = time.Minute

	// Hard stop on pages per window; guards against a remote that keeps
	// reporting more totals than it serves.
	maxPagesPerWindow = 200

	historySize = 50
)

// FetchResult is the executor contract's outcome value.
type FetchResult struct {
	Success       bool
	RecordsPulled int
	Err           error
}

// CycleRecord captures one puller cycle for the ops status endpoint.
type CycleRecord struct {
	StartedAt     time.Time          `json:"started_at"`
	Window        punch.Window       `json:"window"`
	Tier          punch.StrategyTier `json:"tier"`
	Reason        string             `json:"reason"`
	RecordsPulled int                `json:"records_pulled"`
	Duration      time.Duration      `json:"duration"`
	Error         string             `json:"error,omitempty"`
}

// GapStrategy supplies the detector's fine-grained polling window.
type GapStrategy interface {
	OptimalPollingWindow(ctx context.Context) (punch.PollingWindow, error)
}

// DailyStrategy supplies the oracle's daily snapshot and recovery strategy.
type DailyStrategy interface {
	Snapshot() ([]reconmodels.DailyReconciliation, time.Time)
	OptimalPollingStrategy(ctx context.Context) (reconmodels.PollingStrategy, error)
}

// Poller is the incremental puller plus strategy selection.
type Poller struct {
	store    ports.Store
	remote   ports.RemoteSource
	gaps     GapStrategy
	daily    DailyStrategy
	logger   *slog.Logger
	metrics  *metrics.Metrics
	clock    ports.Clock
	pageSize int

	mu        sync.Mutex
	isRunning bool
	watermark time.Time
	history   []CycleRecord
}

type Option func(*Poller)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Poller) { p.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Poller) { p.metrics = m }
}

// WithClock sets the clock function for testability.
func WithClock(clock ports.Clock) Option {
	return func(p *Poller) { p.clock = clock }
}

func WithPageSize(size int) Option {
	return func(p *Poller) { p.pageSize = size }
}

func New(store ports.Store, remote ports.RemoteSource, gaps GapStrategy, daily DailyStrategy, opts ...Option) (*Poller, error) {
	if store == nil {
		return nil, fmt.Errorf("punch store is required")
	}
	if remote == nil {
		return nil, fmt.Errorf("remote source is required")
	}

	p := &Poller{
		store:    store,
		remote:   remote,
		gaps:     gaps,
		daily:    daily,
		logger:   slog.Default(),
		clock:    time.Now,
		pageSize: 200,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.pageSize < 1 {
		return nil, fmt.Errorf("page size must be at least 1")
	}
	return p, nil
}

// Fetch executes one window: pages through the remote records and upserts
// them. This is the executor contract; failures are reported in the result,
// never retried here — the next detection cycle re-observes any gap left
// behind and requests the window again.
func (p *Poller) Fetch(ctx context.Context, w punch.PollingWindow) FetchResult {
	pulled := 0
	for page := 0; page < maxPagesPerWindow; page++ {
		records, total, err := p.remote.Fetch(ctx, w.Window, page, p.pageSize)
		if err != nil {
			return FetchResult{RecordsPulled: pulled, Err: err}
		}
		if len(records) == 0 {
			break
		}

		written, err := p.store.Upsert(ctx, records)
		if err != nil {
			return FetchResult{RecordsPulled: pulled, Err: err}
		}
		pulled += written

		p.advanceWatermark(records)

		if (page+1)*p.pageSize >= total {
			break
		}
	}

	if p.metrics != nil {
		p.metrics.RecordsPulled.Add(float64(pulled))
	}
	return FetchResult{Success: true, RecordsPulled: pulled}
}

func (p *Poller) advanceWatermark(records []punch.Record) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range records {
		if r.PunchedAt.After(p.watermark) {
			p.watermark = r.PunchedAt
		}
	}
}

// Cycle selects the next window and executes it. Called from the timer loop
// and from tests.
func (p *Poller) Cycle(ctx context.Context) CycleRecord {
	started := p.clock()

	var gapWindow punch.PollingWindow
	var gapErr error
	if p.gaps != nil {
		gapWindow, gapErr = p.gaps.OptimalPollingWindow(ctx)
		if gapErr != nil {
			p.logger.WarnContext(ctx, "gap strategy unavailable, falling back", "error", gapErr)
		}
	} else {
		gapErr = fmt.Errorf("no gap strategy configured")
	}

	// The oracle's full strategy re-runs reconciliation, so it is consulted
	// only when its own snapshot already shows a backlog.
	var dailyStrategy *reconmodels.PollingStrategy
	if p.daily != nil && (gapErr != nil || gapWindow.Tier == punch.TierNormal) {
		if snapshot, _ := p.daily.Snapshot(); needsDailyRecovery(snapshot) {
			if strategy, err := p.daily.OptimalPollingStrategy(ctx); err == nil {
				dailyStrategy = &strategy
			} else {
				p.logger.WarnContext(ctx, "daily strategy unavailable", "error", err)
			}
		}
	}

	p.mu.Lock()
	watermark := p.watermark
	p.mu.Unlock()

	window := selectWindow(gapWindow, gapErr, dailyStrategy, watermark, p.clock())

	result := p.Fetch(ctx, window)
	record := CycleRecord{
		StartedAt:     started,
		Window:        window.Window,
		Tier:          window.Tier,
		Reason:        window.Reason,
		RecordsPulled: result.RecordsPulled,
		Duration:      p.clock().Sub(started),
	}
	if result.Err != nil {
		record.Error = result.Err.Error()
		p.logger.ErrorContext(ctx, "poll cycle failed",
			"tier", window.Tier, "start", window.Start, "end", window.End, "error", result.Err)
	} else {
		p.logger.InfoContext(ctx, "poll cycle complete",
			"tier", window.Tier, "start", window.Start, "end", window.End,
			"records", result.RecordsPulled, "expected", window.ExpectedRecords)
	}

	if p.metrics != nil {
		outcome := "ok"
		if result.Err != nil {
			outcome = "error"
		}
		p.metrics.PollCycles.WithLabelValues(string(window.Tier), outcome).Inc()
	}

	p.mu.Lock()
	p.history = append(p.history, record)
	if len(p.history) > historySize {
		p.history = p.history[len(p.history)-historySize:]
	}
	p.mu.Unlock()

	return record
}

// History returns recent cycle records, oldest first.
func (p *Poller) History() []CycleRecord {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]CycleRecord, len(p.history))
	copy(out, p.history)
	return out
}

// Watermark returns the last seen punch timestamp.
func (p *Poller) Watermark() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.watermark
}

// Run seeds the watermark from the store, then cycles on every tick until the
// context is cancelled. Overrunning cycles skip the next tick.
func (p *Poller) Run(ctx context.Context, interval time.Duration) error {
	if last, err := p.store.LastPunchTime(ctx); err == nil && !last.IsZero() {
		p.mu.Lock()
		p.watermark = last
		p.mu.Unlock()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	p.mu.Lock()
	if p.isRunning {
		p.mu.Unlock()
		p.logger.WarnContext(ctx, "poll cycle still running, skipping tick")
		return
	}
	p.isRunning = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.isRunning = false
		p.mu.Unlock()
	}()

	p.Cycle(ctx)
}
