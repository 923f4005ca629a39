// Package progress implements the builder's monotonic progress counter and
// a pluggable, ticker-driven reporter, per spec.md §4.6.
package progress

import (
	"context"
	"sync/atomic"
	"time"
)

// Reporter receives periodic snapshots of build progress. Implementations
// must return quickly: Report is called from the counter's own dedicated
// goroutine and a slow Reporter delays the next sample, not the workers
// (the counter itself is never on any worker's critical path).
type Reporter interface {
	Report(Snapshot)
}

// ReporterFunc adapts a plain function to Reporter.
type ReporterFunc func(Snapshot)

// Report calls f(s).
func (f ReporterFunc) Report(s Snapshot) { f(s) }

// Snapshot is one sample of build progress.
type Snapshot struct {
	Done    uint64
	Total   uint64
	Elapsed time.Duration
	// ETA is the estimated remaining duration, computed from the average
	// rate observed so far. It is zero until at least one prefix has
	// completed.
	ETA time.Duration
}

// Counter is a single atomic count of completed prefixes (persisted or
// skipped), shared without locking across every builder worker.
type Counter struct {
	done  atomic.Uint64
	total uint64
	start time.Time
}

// NewCounter returns a Counter for a build of the given total prefix count.
func NewCounter(total uint64) *Counter {
	return &Counter{total: total, start: time.Now()}
}

// Increment adds 1 to the completed count. Safe for concurrent use by every
// builder worker; this is the only hot-path touch point.
func (c *Counter) Increment() {
	c.done.Add(1)
}

// Snapshot reads the current count without blocking any worker.
func (c *Counter) Snapshot() Snapshot {
	done := c.done.Load()
	elapsed := time.Since(c.start)

	var eta time.Duration
	if done > 0 && done < c.total {
		rate := float64(elapsed) / float64(done)
		remaining := c.total - done
		eta = time.Duration(rate * float64(remaining))
	}

	return Snapshot{Done: done, Total: c.total, Elapsed: elapsed, ETA: eta}
}

// Done reports whether every prefix has been accounted for.
func (c *Counter) Done() bool {
	return c.done.Load() >= c.total
}

// Run samples counter at the given interval and forwards each Snapshot to
// reporter, until ctx is cancelled or the counter reaches its total. It
// always reports one final snapshot before returning so a caller doesn't
// miss the 100% mark between the last tick and cancellation.
//
// Run blocks; callers that want this on a dedicated task (as spec.md §4.6
// requires) invoke it with `go progress.Run(...)`.
func Run(ctx context.Context, counter *Counter, reporter Reporter, interval time.Duration) {
	if reporter == nil {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			reporter.Report(counter.Snapshot())

			return
		case <-ticker.C:
			reporter.Report(counter.Snapshot())

			if counter.Done() {
				return
			}
		}
	}
}
