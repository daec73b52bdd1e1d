package fragment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"grove/internal/ids"
	"grove/internal/logging"
)

// peerAccessEntry remembers the best known peer for one chunk. The entry has
// its own lock so field updates do not contend on the map lock.
type peerAccessEntry struct {
	mu                 sync.Mutex
	peer               NodeID
	lastSuccessfulRead time.Time
}

// Reader services fragment read requests.
type Reader struct {
	cfg      Config
	locator  ReplicaLocator
	resolver PeerResolver
	logger   *slog.Logger
	now      func() time.Time

	// chunkPeers maps chunk id -> best peer entry. Bulk traversal takes mu;
	// per-entry field updates take the entry lock.
	mu         sync.RWMutex
	chunkPeers map[ids.ID]*peerAccessEntry

	peerInfos    *expirable.LRU[NodeID, PeerInfo]
	replicaLists *expirable.LRU[ids.ID, []Replica]
}

// NewReader creates a fragment reader.
func NewReader(cfg Config, locator ReplicaLocator, resolver PeerResolver, logger *slog.Logger) *Reader {
	cfg.applyDefaults()
	return &Reader{
		cfg:          cfg,
		locator:      locator,
		resolver:     resolver,
		logger:       logging.Default(logger).With("component", "fragment-reader"),
		now:          time.Now,
		chunkPeers:   make(map[ids.ID]*peerAccessEntry),
		peerInfos:    expirable.NewLRU[NodeID, PeerInfo](cfg.CacheSize, nil, cfg.PeerInfoExpirationTimeout),
		replicaLists: expirable.NewLRU[ids.ID, []Replica](cfg.CacheSize, nil, cfg.ReplicaListExpirationTimeout),
	}
}

// ReadFragments reads every requested fragment, each from the cheapest known
// replica. The returned slice aligns index-wise with the request vector.
func (r *Reader) ReadFragments(ctx context.Context, requests []Request) ([][]byte, error) {
	s := &readSession{
		reader:    r,
		id:        ids.New(ids.TypeNull),
		requests:  requests,
		results:   make([][]byte, len(requests)),
		assigned:  make(map[ids.ID]NodeID),
		banned:    make(map[NodeID]bool),
		chunkReqs: make(map[ids.ID][]int),
	}
	if err := s.run(ctx); err != nil {
		return nil, err
	}
	return s.results, nil
}

// readSession is one ReadFragments invocation.
type readSession struct {
	reader   *Reader
	id       ids.ID
	requests []Request
	results  [][]byte

	// chunkReqs groups request indexes by chunk id.
	chunkReqs map[ids.ID][]int
	assigned  map[ids.ID]NodeID
	banned    map[NodeID]bool

	innerErrors []error
}

func (s *readSession) run(ctx context.Context) error {
	for i, req := range s.requests {
		s.chunkReqs[req.ChunkID] = append(s.chunkReqs[req.ChunkID], i)
	}

	// Fast path: chunks with a cached best peer skip probing entirely.
	pending := make(map[ids.ID]bool)
	s.reader.mu.RLock()
	for chunkID := range s.chunkReqs {
		if entry, ok := s.reader.chunkPeers[chunkID]; ok {
			entry.mu.Lock()
			s.assigned[chunkID] = entry.peer
			entry.mu.Unlock()
		} else {
			pending[chunkID] = true
		}
	}
	s.reader.mu.RUnlock()

	// First fetch round covers the fast-path assignments; chunks that fail
	// rejoin the pending pool with their stale cache entry dropped.
	if len(s.assigned) > 0 {
		failed, err := s.fetchAssigned(ctx)
		if err != nil {
			return err
		}
		for _, chunkID := range failed {
			pending[chunkID] = true
		}
	}

	wait := backoff.WithContext(backoff.NewConstantBackOff(s.reader.cfg.RetryBackoffTime), ctx)
	for attempt := 0; len(pending) > 0; attempt++ {
		if attempt >= s.reader.cfg.MaxRetryCount {
			err := fmt.Errorf("%w after %d attempts", ErrRetriesExhausted, attempt)
			if inner := joinErrors(s.innerErrors); inner != nil {
				err = fmt.Errorf("%w: %w", err, inner)
			}
			return err
		}
		if attempt > 0 {
			next := wait.NextBackOff()
			if next == backoff.Stop {
				return ctx.Err()
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(next):
			}
		}

		if err := s.assignPeers(ctx, pending); err != nil {
			return err
		}
		failed, err := s.fetchAssigned(ctx)
		if err != nil {
			return err
		}
		pending = make(map[ids.ID]bool)
		for _, chunkID := range failed {
			pending[chunkID] = true
		}
	}
	return nil
}

// assignPeers locates replicas and probes peers for every pending chunk,
// picking the cheapest peer per chunk.
func (s *readSession) assignPeers(ctx context.Context, pending map[ids.ID]bool) error {
	r := s.reader

	// Step one: replica lists.
	replicas := make(map[ids.ID][]Replica, len(pending))
	for chunkID := range pending {
		list, err := r.locateReplicas(ctx, chunkID)
		if err != nil {
			return fmt.Errorf("%w: chunk %v: %w", ErrMasterCommunicationFailed, chunkID, err)
		}
		if len(list) == 0 {
			return fmt.Errorf("%w: chunk %v has no replicas", ErrChunkUnavailable, chunkID)
		}
		replicas[chunkID] = list
	}

	// Step two: probing info, one entry per distinct peer holding at least
	// one pending chunk.
	type probeTarget struct {
		info   PeerInfo
		chunks []ids.ID
	}
	targets := make(map[NodeID]*probeTarget)
	for chunkID, list := range replicas {
		for _, replica := range list {
			if s.banned[replica.Node] {
				continue
			}
			target, ok := targets[replica.Node]
			if !ok {
				info, err := r.resolvePeer(ctx, replica.Node)
				if err != nil {
					r.peerInfos.Remove(replica.Node)
					if errors.Is(err, ErrNoSuchNetwork) {
						return err
					}
					s.innerErrors = append(s.innerErrors, err)
					continue
				}
				target = &probeTarget{info: info}
				targets[replica.Node] = target
			}
			target.chunks = append(target.chunks, chunkID)
		}
	}

	// Step three: parallel probes.
	type probeOutcome struct {
		node   NodeID
		target *probeTarget
		result *ProbeResult
		err    error
	}
	outcomes := make(chan probeOutcome, len(targets))
	for node, target := range targets {
		go func(node NodeID, target *probeTarget) {
			probeCtx, cancel := context.WithTimeout(ctx, r.cfg.ProbeChunkSetRpcTimeout)
			defer cancel()
			result, err := target.info.Client.ProbeChunkSet(probeCtx, target.chunks)
			outcomes <- probeOutcome{node: node, target: target, result: result, err: err}
		}(node, target)
	}

	// Step four: pick the cheapest peer per chunk.
	type candidate struct {
		node NodeID
		cost float64
	}
	best := make(map[ids.ID]candidate)
	for range targets {
		outcome := <-outcomes
		if outcome.err != nil {
			s.innerErrors = append(s.innerErrors,
				fmt.Errorf("probe peer %d: %w", outcome.node, outcome.err))
			s.banned[outcome.node] = true
			continue
		}
		for i, chunkID := range outcome.target.chunks {
			if i >= len(outcome.result.Subresponses) {
				break
			}
			sub := outcome.result.Subresponses[i]
			if !sub.HasChunk {
				continue
			}
			cost := r.cfg.NetQueueSizeFactor*float64(outcome.result.NetQueueSize) +
				r.cfg.DiskQueueSizeFactor*float64(sub.DiskQueueSize)
			if cur, ok := best[chunkID]; !ok || cost < cur.cost {
				best[chunkID] = candidate{node: outcome.node, cost: cost}
			}
		}
	}

	for chunkID := range pending {
		winner, ok := best[chunkID]
		if !ok {
			err := fmt.Errorf("%w: chunk %v", ErrChunkUnavailable, chunkID)
			if inner := joinErrors(s.innerErrors); inner != nil {
				err = fmt.Errorf("%w: %w", err, inner)
			}
			return err
		}
		s.assigned[chunkID] = winner.node
	}
	return nil
}

// fetchAssigned issues one GetChunkFragmentSet per assigned peer and places
// fragments at their original request indexes. It returns the chunks that
// must be retried.
func (s *readSession) fetchAssigned(ctx context.Context) ([]ids.ID, error) {
	r := s.reader

	perPeer := make(map[NodeID][]ids.ID)
	for chunkID, node := range s.assigned {
		perPeer[node] = append(perPeer[node], chunkID)
	}

	var failed []ids.ID
	for node, chunks := range perPeer {
		info, err := r.resolvePeer(ctx, node)
		if err != nil {
			s.innerErrors = append(s.innerErrors, err)
			s.requeue(&failed, chunks, node)
			continue
		}

		subrequests := make([]FragmentSubrequest, len(chunks))
		for i, chunkID := range chunks {
			sub := FragmentSubrequest{ChunkID: chunkID}
			for _, reqIdx := range s.chunkReqs[chunkID] {
				sub.Fragments = append(sub.Fragments, s.requests[reqIdx])
			}
			subrequests[i] = sub
		}

		fetchCtx, cancel := context.WithTimeout(ctx, r.cfg.GetChunkFragmentSetRpcTimeout)
		result, err := info.Client.GetChunkFragmentSet(fetchCtx, s.id, subrequests)
		cancel()
		if err != nil {
			// The peer is banned for this session; its chunks retry.
			s.innerErrors = append(s.innerErrors,
				fmt.Errorf("fetch from peer %d: %w", node, err))
			s.banned[node] = true
			s.requeue(&failed, chunks, node)
			continue
		}

		for i, chunkID := range chunks {
			if i >= len(result.Subresponses) || !result.Subresponses[i].HasChunk {
				s.innerErrors = append(s.innerErrors,
					fmt.Errorf("%w: chunk %v on peer %d", ErrNoSuchChunk, chunkID, node))
				s.requeue(&failed, []ids.ID{chunkID}, node)
				continue
			}
			fragments := result.Subresponses[i].Fragments
			for j, reqIdx := range s.chunkReqs[chunkID] {
				if j < len(fragments) {
					s.results[reqIdx] = fragments[j]
				}
			}
			r.noteSuccess(chunkID, node)
			// Fulfilled: drop the assignment so retry rounds only fetch
			// what actually failed.
			delete(s.assigned, chunkID)
		}
	}
	return failed, nil
}

// requeue drops failed assignments and stale cache entries so the next
// iteration re-locates the chunks.
func (s *readSession) requeue(failed *[]ids.ID, chunks []ids.ID, node NodeID) {
	r := s.reader
	r.mu.Lock()
	for _, chunkID := range chunks {
		delete(s.assigned, chunkID)
		r.replicaLists.Remove(chunkID)
		if entry, ok := r.chunkPeers[chunkID]; ok {
			entry.mu.Lock()
			stale := entry.peer == node
			entry.mu.Unlock()
			if stale {
				delete(r.chunkPeers, chunkID)
			}
		}
		*failed = append(*failed, chunkID)
	}
	r.mu.Unlock()
}

// noteSuccess records or migrates the chunk's best-peer entry.
func (r *Reader) noteSuccess(chunkID ids.ID, node NodeID) {
	now := r.now()
	r.mu.RLock()
	entry, ok := r.chunkPeers[chunkID]
	r.mu.RUnlock()
	if ok {
		entry.mu.Lock()
		entry.peer = node
		entry.lastSuccessfulRead = now
		entry.mu.Unlock()
		return
	}
	r.mu.Lock()
	if existing, ok := r.chunkPeers[chunkID]; ok {
		existing.mu.Lock()
		existing.peer = node
		existing.lastSuccessfulRead = now
		existing.mu.Unlock()
	} else {
		r.chunkPeers[chunkID] = &peerAccessEntry{peer: node, lastSuccessfulRead: now}
	}
	r.mu.Unlock()
}

func (r *Reader) locateReplicas(ctx context.Context, chunkID ids.ID) ([]Replica, error) {
	if list, ok := r.replicaLists.Get(chunkID); ok {
		return list, nil
	}
	list, err := r.locator.LocateReplicas(ctx, chunkID)
	if err != nil {
		return nil, err
	}
	r.replicaLists.Add(chunkID, list)
	return list, nil
}

func (r *Reader) resolvePeer(ctx context.Context, node NodeID) (PeerInfo, error) {
	if info, ok := r.peerInfos.Get(node); ok {
		return info, nil
	}
	info, err := r.resolver.ResolvePeer(ctx, node)
	if err != nil {
		return PeerInfo{}, err
	}
	r.peerInfos.Add(node, info)
	return info, nil
}

// CachedPeer reports the cached best peer for a chunk, for tests and
// introspection.
func (r *Reader) CachedPeer(chunkID ids.ID) (NodeID, bool) {
	r.mu.RLock()
	entry, ok := r.chunkPeers[chunkID]
	r.mu.RUnlock()
	if !ok {
		return 0, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.peer, true
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}
