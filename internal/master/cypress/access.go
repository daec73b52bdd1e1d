package cypress

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"grove/internal/ids"
	"grove/internal/logging"
)

// AccessUpdate is one batched access-statistics delta.
type AccessUpdate struct {
	NodeID     ids.ID
	AccessTime time.Time
	Count      int64
}

// AccessFlushFunc submits a batch as an UpdateAccessStatistics mutation.
type AccessFlushFunc func(updates []AccessUpdate) error

// AccessTracker batches node access events and flushes them as one mutation
// under a rate limiter, so hot read paths never produce a mutation per
// access.
type AccessTracker struct {
	mu      sync.Mutex
	pending map[ids.ID]*AccessUpdate

	limiter *rate.Limiter
	flush   AccessFlushFunc
	now     func() time.Time
	logger  *slog.Logger
}

// NewAccessTracker creates a tracker flushing at most once per interval.
func NewAccessTracker(interval time.Duration, flush AccessFlushFunc, logger *slog.Logger) *AccessTracker {
	if interval <= 0 {
		interval = time.Second
	}
	return &AccessTracker{
		pending: make(map[ids.ID]*AccessUpdate),
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		flush:   flush,
		now:     time.Now,
		logger:  logging.Default(logger).With("component", "access-tracker"),
	}
}

// NoteAccess records one access; a flush happens when the limiter allows.
func (t *AccessTracker) NoteAccess(nodeID ids.ID) {
	now := t.now()
	t.mu.Lock()
	update, ok := t.pending[nodeID]
	if !ok {
		update = &AccessUpdate{NodeID: nodeID}
		t.pending[nodeID] = update
	}
	if now.After(update.AccessTime) {
		update.AccessTime = now
	}
	update.Count++
	shouldFlush := t.limiter.Allow()
	t.mu.Unlock()

	if shouldFlush {
		t.Flush()
	}
}

// Flush submits the pending batch immediately.
func (t *AccessTracker) Flush() {
	t.mu.Lock()
	if len(t.pending) == 0 {
		t.mu.Unlock()
		return
	}
	batch := make([]AccessUpdate, 0, len(t.pending))
	for _, update := range t.pending {
		batch = append(batch, *update)
	}
	t.pending = make(map[ids.ID]*AccessUpdate)
	t.mu.Unlock()

	if err := t.flush(batch); err != nil {
		t.logger.Warn("access statistics flush failed", "error", err)
	}
}

// Run flushes on the interval until the context ends; the final flush
// drains whatever is left.
func (t *AccessTracker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			t.Flush()
			return
		case <-ticker.C:
			t.Flush()
		}
	}
}
