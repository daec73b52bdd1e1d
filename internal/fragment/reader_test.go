package fragment

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"grove/internal/ids"
)

// fakePeer is an in-memory storage peer.
type fakePeer struct {
	mu        sync.Mutex
	node      NodeID
	chunks    map[ids.ID][]byte
	netQueue  int64
	diskQueue int64

	probeCalls int
	fetchCalls int
	failFetch  bool
}

func (p *fakePeer) ProbeChunkSet(ctx context.Context, chunkIDs []ids.ID) (*ProbeResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probeCalls++
	result := &ProbeResult{NetQueueSize: p.netQueue}
	for _, id := range chunkIDs {
		_, ok := p.chunks[id]
		result.Subresponses = append(result.Subresponses, ChunkProbe{
			HasChunk:      ok,
			DiskQueueSize: p.diskQueue,
		})
	}
	return result, nil
}

func (p *fakePeer) GetChunkFragmentSet(ctx context.Context, sessionID ids.ID, subrequests []FragmentSubrequest) (*FragmentSetResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fetchCalls++
	if p.failFetch {
		return nil, errors.New("peer unavailable")
	}
	result := &FragmentSetResult{}
	for _, sub := range subrequests {
		data, ok := p.chunks[sub.ChunkID]
		subresponse := FragmentSubresponse{HasChunk: ok}
		if ok {
			for _, frag := range sub.Fragments {
				end := frag.Offset + frag.Length
				if end > int64(len(data)) {
					end = int64(len(data))
				}
				subresponse.Fragments = append(subresponse.Fragments, data[frag.Offset:end])
			}
		}
		result.Subresponses = append(result.Subresponses, subresponse)
	}
	return result, nil
}

// fakeDirectory is both locator and resolver.
type fakeDirectory struct {
	mu       sync.Mutex
	peers    map[NodeID]*fakePeer
	replicas map[ids.ID][]Replica
	locErr   error
}

func (d *fakeDirectory) LocateReplicas(ctx context.Context, chunkID ids.ID) ([]Replica, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.locErr != nil {
		return nil, d.locErr
	}
	return d.replicas[chunkID], nil
}

func (d *fakeDirectory) ResolvePeer(ctx context.Context, node NodeID) (PeerInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	peer, ok := d.peers[node]
	if !ok {
		return PeerInfo{}, ErrNoSuchNetwork
	}
	return PeerInfo{Node: node, Address: "test", Client: peer}, nil
}

func newFixture() (*fakeDirectory, ids.ID, []byte) {
	chunkID := ids.New(ids.TypeChunk)
	data := []byte("0123456789abcdefghijklmnopqrstuvwxyz")
	dir := &fakeDirectory{
		peers:    make(map[NodeID]*fakePeer),
		replicas: make(map[ids.ID][]Replica),
	}
	dir.peers[1] = &fakePeer{node: 1, chunks: map[ids.ID][]byte{chunkID: data}, netQueue: 10}
	dir.peers[2] = &fakePeer{node: 2, chunks: map[ids.ID][]byte{chunkID: data}, netQueue: 1}
	dir.replicas[chunkID] = []Replica{{Node: 1}, {Node: 2}}
	return dir, chunkID, data
}

func testConfig() Config {
	return Config{
		NetQueueSizeFactor:  1,
		DiskQueueSizeFactor: 1,
		RetryBackoffTime:    time.Millisecond,
	}
}

func TestPicksLowerQueuePeer(t *testing.T) {
	dir, chunkID, data := newFixture()
	r := NewReader(testConfig(), dir, dir, nil)

	got, err := r.ReadFragments(context.Background(), []Request{
		{ChunkID: chunkID, Offset: 4, Length: 6},
	})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got[0], data[4:10]) {
		t.Fatalf("fragment: want %q got %q", data[4:10], got[0])
	}
	// Only the cheaper peer (node 2, netQueue 1) gets the fetch.
	if dir.peers[2].fetchCalls != 1 {
		t.Fatalf("peer 2 fetch calls: %d", dir.peers[2].fetchCalls)
	}
	if dir.peers[1].fetchCalls != 0 {
		t.Fatalf("peer 1 should not have been read from, got %d calls", dir.peers[1].fetchCalls)
	}
	if peer, ok := r.CachedPeer(chunkID); !ok || peer != 2 {
		t.Fatalf("cached peer: %d %v", peer, ok)
	}
}

func TestReadIsIdempotent(t *testing.T) {
	dir, chunkID, _ := newFixture()
	r := NewReader(testConfig(), dir, dir, nil)

	requests := []Request{
		{ChunkID: chunkID, Offset: 0, Length: 4},
		{ChunkID: chunkID, Offset: 10, Length: 8},
		{ChunkID: chunkID, Offset: 30, Length: 6},
	}
	first, err := r.ReadFragments(context.Background(), requests)
	if err != nil {
		t.Fatalf("first read: %v", err)
	}
	second, err := r.ReadFragments(context.Background(), requests)
	if err != nil {
		t.Fatalf("second read: %v", err)
	}
	for i := range requests {
		if !bytes.Equal(first[i], second[i]) {
			t.Fatalf("fragment %d differs between reads", i)
		}
	}
	// The second read must ride the peer cache, with no further probes.
	total := dir.peers[1].probeCalls + dir.peers[2].probeCalls
	if total != 2 {
		t.Fatalf("probe calls after cached read: %d", total)
	}
}

func TestResultsAlignWithRequests(t *testing.T) {
	dir, chunkID, data := newFixture()
	otherID := ids.New(ids.TypeChunk)
	otherData := []byte("THE-OTHER-CHUNK-PAYLOAD")
	dir.peers[1].chunks[otherID] = otherData
	dir.replicas[otherID] = []Replica{{Node: 1}}

	r := NewReader(testConfig(), dir, dir, nil)
	requests := []Request{
		{ChunkID: otherID, Offset: 0, Length: 3},
		{ChunkID: chunkID, Offset: 0, Length: 3},
		{ChunkID: otherID, Offset: 4, Length: 5},
	}
	got, err := r.ReadFragments(context.Background(), requests)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got[0], otherData[0:3]) || !bytes.Equal(got[1], data[0:3]) || !bytes.Equal(got[2], otherData[4:9]) {
		t.Fatalf("results misaligned: %q", got)
	}
}

func TestFailoverToOtherReplica(t *testing.T) {
	dir, chunkID, data := newFixture()
	// The cheap peer fails fetches; the session must ban it and fall back.
	dir.peers[2].failFetch = true

	r := NewReader(testConfig(), dir, dir, nil)
	got, err := r.ReadFragments(context.Background(), []Request{
		{ChunkID: chunkID, Offset: 0, Length: 5},
	})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got[0], data[0:5]) {
		t.Fatalf("fragment after failover: %q", got[0])
	}
	if dir.peers[1].fetchCalls == 0 {
		t.Fatal("fallback peer was never tried")
	}
}

func TestMissingChunkFailsSession(t *testing.T) {
	dir, _, _ := newFixture()
	r := NewReader(testConfig(), dir, dir, nil)

	ghost := ids.New(ids.TypeChunk)
	dir.replicas[ghost] = []Replica{{Node: 1}, {Node: 2}}
	_, err := r.ReadFragments(context.Background(), []Request{
		{ChunkID: ghost, Offset: 0, Length: 1},
	})
	if !errors.Is(err, ErrChunkUnavailable) {
		t.Fatalf("want ErrChunkUnavailable, got %v", err)
	}
}

func TestLocateFailureIsFatal(t *testing.T) {
	dir, chunkID, _ := newFixture()
	dir.locErr = errors.New("master down")
	r := NewReader(testConfig(), dir, dir, nil)

	_, err := r.ReadFragments(context.Background(), []Request{
		{ChunkID: chunkID, Offset: 0, Length: 1},
	})
	if !errors.Is(err, ErrMasterCommunicationFailed) {
		t.Fatalf("want ErrMasterCommunicationFailed, got %v", err)
	}
}

func TestCancelledSessionLeavesUsableCache(t *testing.T) {
	dir, chunkID, data := newFixture()
	r := NewReader(testConfig(), dir, dir, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.ReadFragments(ctx, []Request{{ChunkID: chunkID, Offset: 0, Length: 1}}); err == nil {
		t.Log("cancelled session completed before observing cancellation")
	}

	// A subsequent full session succeeds regardless of what the cancelled
	// one left behind.
	got, err := r.ReadFragments(context.Background(), []Request{
		{ChunkID: chunkID, Offset: 2, Length: 4},
	})
	if err != nil {
		t.Fatalf("read after cancel: %v", err)
	}
	if !bytes.Equal(got[0], data[2:6]) {
		t.Fatalf("fragment after cancel: %q", got[0])
	}
}

func TestPeriodicUpdateEvictsObsoleteEntries(t *testing.T) {
	dir, chunkID, _ := newFixture()
	cfg := testConfig()
	cfg.EvictAfterSuccessfulAccessTime = time.Minute
	r := NewReader(cfg, dir, dir, nil)

	if _, err := r.ReadFragments(context.Background(), []Request{{ChunkID: chunkID, Offset: 0, Length: 1}}); err != nil {
		t.Fatalf("read: %v", err)
	}
	if _, ok := r.CachedPeer(chunkID); !ok {
		t.Fatal("no cache entry after read")
	}

	// Age the entry past the eviction horizon.
	r.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	r.runPeriodicUpdate(context.Background())
	if _, ok := r.CachedPeer(chunkID); ok {
		t.Fatal("obsolete entry survived the periodic update")
	}
}

func TestPeriodicUpdateMigratesBestPeer(t *testing.T) {
	dir, chunkID, _ := newFixture()
	r := NewReader(testConfig(), dir, dir, nil)

	if _, err := r.ReadFragments(context.Background(), []Request{{ChunkID: chunkID, Offset: 0, Length: 1}}); err != nil {
		t.Fatalf("read: %v", err)
	}
	if peer, _ := r.CachedPeer(chunkID); peer != 2 {
		t.Fatalf("initial best peer: %d", peer)
	}

	// Peer 2's queues balloon; the refresh must migrate the entry to peer 1.
	dir.peers[2].mu.Lock()
	dir.peers[2].netQueue = 1000
	dir.peers[2].mu.Unlock()

	r.runPeriodicUpdate(context.Background())
	if peer, _ := r.CachedPeer(chunkID); peer != 1 {
		t.Fatalf("best peer after refresh: %d", peer)
	}
}
