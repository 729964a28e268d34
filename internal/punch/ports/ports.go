// Package ports defines the interfaces the sync engine components depend on.
// Interfaces live here because they are consumed by several services; concrete
// implementations live under punch/store, remote, and remote/countcache.
package ports

import (
	"context"
	"time"

	"punchsync/internal/punch"
)

// Store is the local punch store owned by the surrounding application. Count
// must be a bounded aggregate query over an indexed punch-time range, and
// Upsert must be idempotent by remote record id so recovery windows may
// overlap already ingested ranges.
type Store interface {
	// Count returns how many punches fall inside the window.
	Count(ctx context.Context, w punch.Window) (int, error)

	// Upsert persists records, ignoring ones whose remote id already exists.
	// Returns the number of rows actually written.
	Upsert(ctx context.Context, records []punch.Record) (int, error)

	// LastPunchTime returns the newest punch timestamp, zero when empty. The
	// incremental puller uses it as its forward watermark.
	LastPunchTime(ctx context.Context) (time.Time, error)
}

// RemoteSource is the remote biometric record-query API. Implementations
// handle authentication internally and re-authenticate when the bearer
// credential expires.
type RemoteSource interface {
	// Count returns the total number of remote records inside the window.
	Count(ctx context.Context, w punch.Window) (int, error)

	// Fetch returns one page of records inside the window plus the remote
	// total for the window. Pages are zero-based.
	Fetch(ctx context.Context, w punch.Window, page, pageSize int) ([]punch.Record, int, error)

	// Healthy probes remote reachability. Unlike Count it must surface
	// failures instead of degrading to zero.
	Healthy(ctx context.Context) error
}

// CountCache memoizes remote count observations per (slot label, window).
// Entries older than the validity period are misses.
type CountCache interface {
	Get(ctx context.Context, label string, w punch.Window) (int, bool)
	Put(ctx context.Context, label string, w punch.Window, count int)
}

// Clock abstracts time.Now for deterministic tests.
type Clock func() time.Time
