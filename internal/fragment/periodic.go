package fragment

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"

	"grove/internal/ids"
)

// StartPeriodicUpdates launches the background session that keeps the
// chunk→peer cache warm: fresh entries are re-probed so reads keep hitting
// the cheapest peer, obsolete and unreachable entries are evicted. The
// returned stop function shuts the scheduler down.
func (r *Reader) StartPeriodicUpdates(ctx context.Context) (func() error, error) {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	_, err = scheduler.NewJob(
		gocron.DurationJob(r.cfg.PeriodicUpdateDelay),
		gocron.NewTask(func() {
			r.runPeriodicUpdate(ctx)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("schedule periodic update: %w", err)
	}
	scheduler.Start()
	return scheduler.Shutdown, nil
}

// runPeriodicUpdate is one pass of the refresh session.
func (r *Reader) runPeriodicUpdate(ctx context.Context) {
	now := r.now()

	// Partition cached chunks into fresh and obsolete.
	var fresh, obsolete []ids.ID
	r.mu.RLock()
	for chunkID, entry := range r.chunkPeers {
		entry.mu.Lock()
		age := now.Sub(entry.lastSuccessfulRead)
		entry.mu.Unlock()
		if age > r.cfg.EvictAfterSuccessfulAccessTime {
			obsolete = append(obsolete, chunkID)
		} else {
			fresh = append(fresh, chunkID)
		}
	}
	r.mu.RUnlock()

	evict := obsolete
	for _, chunkID := range fresh {
		node, ok := r.refreshChunk(ctx, chunkID)
		if !ok {
			evict = append(evict, chunkID)
			continue
		}
		r.mu.RLock()
		entry, live := r.chunkPeers[chunkID]
		r.mu.RUnlock()
		if live {
			entry.mu.Lock()
			entry.peer = node
			entry.mu.Unlock()
		}
	}

	if len(evict) > 0 {
		r.mu.Lock()
		for _, chunkID := range evict {
			delete(r.chunkPeers, chunkID)
		}
		r.mu.Unlock()
		r.logger.Debug("evicted chunk peer entries", "count", len(evict))
	}
}

// refreshChunk re-locates and re-probes one chunk, returning its current
// cheapest peer. ok is false when the chunk is gone or unprobeable.
func (r *Reader) refreshChunk(ctx context.Context, chunkID ids.ID) (NodeID, bool) {
	// Bypass the replica list cache: the point is to observe current state.
	replicas, err := r.locator.LocateReplicas(ctx, chunkID)
	if err != nil || len(replicas) == 0 {
		return 0, false
	}
	r.replicaLists.Add(chunkID, replicas)

	bestCost := 0.0
	var bestNode NodeID
	found := false
	for _, replica := range replicas {
		info, err := r.resolvePeer(ctx, replica.Node)
		if err != nil {
			continue
		}
		probeCtx, cancel := context.WithTimeout(ctx, r.cfg.ProbeChunkSetRpcTimeout)
		result, err := info.Client.ProbeChunkSet(probeCtx, []ids.ID{chunkID})
		cancel()
		if err != nil || len(result.Subresponses) == 0 || !result.Subresponses[0].HasChunk {
			continue
		}
		cost := r.cfg.NetQueueSizeFactor*float64(result.NetQueueSize) +
			r.cfg.DiskQueueSizeFactor*float64(result.Subresponses[0].DiskQueueSize)
		if !found || cost < bestCost {
			found = true
			bestCost = cost
			bestNode = replica.Node
		}
	}
	return bestNode, found
}

// entryAge is a test hook reporting the age of a cache entry.
func (r *Reader) entryAge(chunkID ids.ID, now time.Time) (time.Duration, bool) {
	r.mu.RLock()
	entry, ok := r.chunkPeers[chunkID]
	r.mu.RUnlock()
	if !ok {
		return 0, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return now.Sub(entry.lastSuccessfulRead), true
}
