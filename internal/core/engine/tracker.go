package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/marketsync/marketsync/internal/core"
	"github.com/marketsync/marketsync/internal/observability"
)

// DefaultFlushInterval is how often tracker snapshots are emitted.
const DefaultFlushInterval = 30 * time.Second

// Tracker observes per-endpoint outcomes and periodically yields snapshots.
type Tracker interface {
	Observe(endpointTag string, outcome core.Outcome, elapsed time.Duration, retryAfter time.Duration)
	MaybeFlush(runID string, force bool) []core.EndpointSnapshot
}

// DelayAdvisor is implemented by trackers that recommend a soft delay before
// the next call to an endpoint.
type DelayAdvisor interface {
	RecommendedDelay(endpointTag string) time.Duration
}

// SnapshotSink persists tracker snapshots.
type SnapshotSink interface {
	InsertSnapshots(ctx context.Context, snapshots []core.EndpointSnapshot) error
}

type endpointStats struct {
	ok, ratelimit, waf, serverError, networkError, clientError int

	lastOKAt    *time.Time
	lastErrorAt *time.Time
	delay       time.Duration
}

func (s *endpointStats) empty() bool {
	return s.ok+s.ratelimit+s.waf+s.serverError+s.networkError+s.clientError == 0
}

// LearningTracker accumulates EndpointStats and recommends soft delays.
type LearningTracker struct {
	Clock         func() time.Time
	FlushInterval time.Duration

	mu        sync.Mutex
	stats     map[string]*endpointStats
	lastFlush time.Time
}

// NewLearningTracker returns a tracker flushing every interval.
func NewLearningTracker(interval time.Duration) *LearningTracker {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	return &LearningTracker{
		FlushInterval: interval,
		stats:         make(map[string]*endpointStats),
	}
}

// Observe records one call outcome for endpointTag.
func (t *LearningTracker) Observe(endpointTag string, outcome core.Outcome, elapsed time.Duration, retryAfter time.Duration) {
	if t == nil || endpointTag == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stats == nil {
		t.stats = make(map[string]*endpointStats)
	}
	if t.lastFlush.IsZero() {
		t.lastFlush = t.now()
	}
	stats, ok := t.stats[endpointTag]
	if !ok {
		stats = &endpointStats{}
		t.stats[endpointTag] = stats
	}

	now := t.now()
	switch outcome {
	case core.OutcomeOK:
		stats.ok++
		stats.lastOKAt = &now
		stats.delay /= 2
	case core.OutcomeRateLimit:
		stats.ratelimit++
		stats.lastErrorAt = &now
		if retryAfter > 0 {
			stats.delay = maxDuration(stats.delay, retryAfter)
		} else {
			stats.delay = clampDuration(scaleDuration(stats.delay, 1.5), 750*time.Millisecond, 10*time.Second)
		}
	case core.OutcomeWAF:
		stats.waf++
		stats.lastErrorAt = &now
		stats.delay = clampDuration(scaleDuration(stats.delay, 1.5), 5*time.Second, 15*time.Second)
	case core.OutcomeServerError:
		stats.serverError++
		stats.lastErrorAt = &now
		stats.delay = clampDuration(scaleDuration(stats.delay, 1.3), 2*time.Second, 10*time.Second)
	case core.OutcomeNetworkError:
		stats.networkError++
		stats.lastErrorAt = &now
		stats.delay = clampDuration(scaleDuration(stats.delay, 1.2), time.Second, 8*time.Second)
	case core.OutcomeClientError:
		stats.clientError++
		stats.lastErrorAt = &now
	}
}

// RecommendedDelay returns the current soft delay for endpointTag.
func (t *LearningTracker) RecommendedDelay(endpointTag string) time.Duration {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if stats, ok := t.stats[endpointTag]; ok {
		return stats.delay
	}
	return 0
}

// MaybeFlush drains counters into snapshots when the interval has elapsed or
// force is set. Timestamps and recommended delays survive the drain.
func (t *LearningTracker) MaybeFlush(runID string, force bool) []core.EndpointSnapshot {
	if t == nil {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if t.lastFlush.IsZero() {
		t.lastFlush = now
	}
	if !force && now.Sub(t.lastFlush) < t.interval() {
		return nil
	}
	t.lastFlush = now

	tags := make([]string, 0, len(t.stats))
	for tag, stats := range t.stats {
		if !stats.empty() {
			tags = append(tags, tag)
		}
	}
	sort.Strings(tags)

	snapshots := make([]core.EndpointSnapshot, 0, len(tags))
	for _, tag := range tags {
		stats := t.stats[tag]
		snapshots = append(snapshots, core.EndpointSnapshot{
			RunID:              runID,
			EndpointTag:        tag,
			Timestamp:          now.UTC(),
			OK:                 stats.ok,
			RateLimit:          stats.ratelimit,
			WAF:                stats.waf,
			ServerError:        stats.serverError,
			NetworkError:       stats.networkError,
			ClientError:        stats.clientError,
			LastErrorAt:        copyTime(stats.lastErrorAt),
			LastOKAt:           copyTime(stats.lastOKAt),
			RecommendedDelayMS: stats.delay.Milliseconds(),
		})
		stats.ok, stats.ratelimit, stats.waf = 0, 0, 0
		stats.serverError, stats.networkError, stats.clientError = 0, 0, 0
	}

	return snapshots
}

func (t *LearningTracker) interval() time.Duration {
	if t.FlushInterval <= 0 {
		return DefaultFlushInterval
	}
	return t.FlushInterval
}

func (t *LearningTracker) now() time.Time {
	if t.Clock != nil {
		return t.Clock()
	}
	return time.Now().UTC()
}

// Flusher moves tracker snapshots into a sink on a fixed cadence.
// Sink failures are logged and never returned to the caller.
type Flusher struct {
	Tracker  Tracker
	Sink     SnapshotSink
	RunID    string
	Interval time.Duration
	Logger   *logging.Logger
}

// Run polls the tracker until ctx is done, then performs a final forced flush.
func (f *Flusher) Run(ctx context.Context) {
	if f == nil || f.Tracker == nil {
		return
	}

	interval := f.Interval
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	// Poll faster than the tracker interval so flushes land close to it.
	ticker := time.NewTicker(interval / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			finalCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			f.Flush(finalCtx, true)
			cancel()
			return
		case <-ticker.C:
			f.Flush(ctx, false)
		}
	}
}

// Flush drains the tracker into the sink and returns the snapshot count.
func (f *Flusher) Flush(ctx context.Context, force bool) int {
	if f == nil || f.Tracker == nil {
		return 0
	}

	snapshots := f.Tracker.MaybeFlush(f.RunID, force)
	if len(snapshots) == 0 || f.Sink == nil {
		return len(snapshots)
	}

	if err := f.Sink.InsertSnapshots(ctx, snapshots); err != nil {
		if logger := loggerOr(f.Logger); logger != nil {
			logger.Warn("tracker_flush_failed",
				zap.String("run_id", f.RunID),
				zap.Int("snapshots", len(snapshots)),
				zap.Error(err))
		}
		return 0
	}
	return len(snapshots)
}

func loggerOr(logger *logging.Logger) *logging.Logger {
	if logger != nil {
		return logger
	}
	return observability.DefaultLogger()
}

func scaleDuration(d time.Duration, factor float64) time.Duration {
	return time.Duration(float64(d) * factor)
}

func clampDuration(d, floor, ceiling time.Duration) time.Duration {
	if d < floor {
		d = floor
	}
	if d > ceiling {
		d = ceiling
	}
	return d
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	value := t.UTC()
	return &value
}
