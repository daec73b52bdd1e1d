// Package fragment implements the chunk fragment reader: given a vector of
// (chunk, offset, length) requests it locates replicas, probes peer queue
// sizes and reads each fragment from the peer predicted to be cheapest,
// caching the winning peer per chunk for subsequent reads.
package fragment

import (
	"context"
	"errors"
	"time"

	"grove/internal/ids"
)

// NodeID identifies a storage node in the replica directory.
type NodeID uint32

// Replica is one chunk replica location.
type Replica struct {
	Node         NodeID
	ReplicaIndex int
}

// Request asks for length bytes at offset of a chunk.
type Request struct {
	ChunkID ids.ID
	Offset  int64
	Length  int64
}

// ChunkProbe is the per-chunk part of a probe response.
type ChunkProbe struct {
	HasChunk      bool
	DiskQueueSize int64
}

// ProbeResult is a peer's response to ProbeChunkSet.
type ProbeResult struct {
	NetQueueSize int64
	Subresponses []ChunkProbe // aligned with the probed chunk ids
}

// FragmentSubrequest batches all fragments of one chunk for one peer.
type FragmentSubrequest struct {
	ChunkID   ids.ID
	Fragments []Request
}

// FragmentSubresponse reports per-chunk success; Fragments is aligned with
// the subrequest's fragment list.
type FragmentSubresponse struct {
	HasChunk  bool
	Fragments [][]byte
}

// FragmentSetResult is a peer's response to GetChunkFragmentSet.
type FragmentSetResult struct {
	Subresponses []FragmentSubresponse
}

// PeerClient is the RPC surface of a storage peer. The transport behind it
// is a collaborator.
type PeerClient interface {
	ProbeChunkSet(ctx context.Context, chunkIDs []ids.ID) (*ProbeResult, error)
	GetChunkFragmentSet(ctx context.Context, sessionID ids.ID, subrequests []FragmentSubrequest) (*FragmentSetResult, error)
}

// PeerInfo is a resolved peer: address and ready-to-use channel.
type PeerInfo struct {
	Node    NodeID
	Address string
	Client  PeerClient
}

// ReplicaLocator resolves a chunk id to its current replica set, normally by
// asking the master.
type ReplicaLocator interface {
	LocateReplicas(ctx context.Context, chunkID ids.ID) ([]Replica, error)
}

// PeerResolver resolves a node id to a connectable peer, normally via the
// node directory.
type PeerResolver interface {
	ResolvePeer(ctx context.Context, node NodeID) (PeerInfo, error)
}

// Error kinds visible at the session boundary.
var (
	ErrNoSuchChunk               = errors.New("no such chunk")
	ErrNoSuchNetwork             = errors.New("no suitable network for peer")
	ErrMasterCommunicationFailed = errors.New("master communication failed")
	ErrChunkUnavailable          = errors.New("no peer holds the chunk")
	ErrRetriesExhausted          = errors.New("fragment read retries exhausted")
)

// Config tunes the reader. Zero values get defaults.
type Config struct {
	NetQueueSizeFactor  float64
	DiskQueueSizeFactor float64

	MaxRetryCount    int
	RetryBackoffTime time.Duration

	ProbeChunkSetRpcTimeout       time.Duration
	GetChunkFragmentSetRpcTimeout time.Duration

	// PeerInfoExpirationTimeout bounds how long resolved peers are reused.
	PeerInfoExpirationTimeout time.Duration
	// ReplicaListExpirationTimeout bounds how long located replica lists
	// are reused.
	ReplicaListExpirationTimeout time.Duration

	// EvictAfterSuccessfulAccessTime ages out chunk→peer entries that have
	// not served a read recently.
	EvictAfterSuccessfulAccessTime time.Duration
	// PeriodicUpdateDelay is the cadence of the background refresh session.
	PeriodicUpdateDelay time.Duration

	CacheSize int
}

func (c *Config) applyDefaults() {
	if c.NetQueueSizeFactor == 0 {
		c.NetQueueSizeFactor = 0.5
	}
	if c.DiskQueueSizeFactor == 0 {
		c.DiskQueueSizeFactor = 1
	}
	if c.MaxRetryCount <= 0 {
		c.MaxRetryCount = 3
	}
	if c.RetryBackoffTime <= 0 {
		c.RetryBackoffTime = 50 * time.Millisecond
	}
	if c.ProbeChunkSetRpcTimeout <= 0 {
		c.ProbeChunkSetRpcTimeout = 5 * time.Second
	}
	if c.GetChunkFragmentSetRpcTimeout <= 0 {
		c.GetChunkFragmentSetRpcTimeout = 15 * time.Second
	}
	if c.PeerInfoExpirationTimeout <= 0 {
		c.PeerInfoExpirationTimeout = 30 * time.Second
	}
	if c.ReplicaListExpirationTimeout <= 0 {
		c.ReplicaListExpirationTimeout = 30 * time.Second
	}
	if c.EvictAfterSuccessfulAccessTime <= 0 {
		c.EvictAfterSuccessfulAccessTime = 5 * time.Minute
	}
	if c.PeriodicUpdateDelay <= 0 {
		c.PeriodicUpdateDelay = time.Minute
	}
	if c.CacheSize <= 0 {
		c.CacheSize = 16 * 1024
	}
}
