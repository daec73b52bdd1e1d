package chunkserver

import (
	"errors"
	"fmt"
	"time"

	"grove/internal/chunkmeta"
	"grove/internal/ids"
)

// NodeID identifies a storage node.
type NodeID uint32

// ReplicaState tracks a journal replica's seal progress.
type ReplicaState int

const (
	ReplicaStateGeneric ReplicaState = iota
	ReplicaStateActive
	ReplicaStateUnsealed
	ReplicaStateSealed
)

// Replica is one stored replica of a chunk. ReplicaIndex carries the
// erasure part index; for regular chunks it is zero.
type Replica struct {
	Node         NodeID
	ReplicaIndex int
	State        ReplicaState
	Medium       string
}

var (
	ErrNotConfirmed     = errors.New("chunk is not confirmed")
	ErrAlreadySealed    = errors.New("chunk is already sealed")
	ErrAlreadyConfirmed = errors.New("chunk is already confirmed")
	ErrNotJournal       = errors.New("chunk is not a journal chunk")
)

// lastSeenReplicaCount bounds the last-seen circular buffer of a regular
// chunk; erasure chunks keep one slot per part index instead.
const lastSeenReplicaCount = 16

// Chunk is the master-side chunk object.
type Chunk struct {
	ID ids.ID

	meta *chunkmeta.Meta
	misc *chunkmeta.Misc

	replicas             []Replica
	approvedReplicaCount int

	// lastSeenReplicas remembers recently reported nodes: keyed by replica
	// index for erasure chunks, a circular buffer otherwise.
	lastSeenReplicas   []NodeID
	currentLastSeenIdx int

	// parents is a multiset: a chunk list may reference the same chunk more
	// than once and each slot counts.
	parents map[ids.ID]int

	requisitionIndex           int
	aggregatedRequisitionIndex int

	// exportRefCounts is allocated lazily on first export.
	exportRefCounts []int
	exportedCount   int

	ReadQuorum         int
	WriteQuorum        int
	LogReplicaLagLimit int64

	ExpirationTime                 time.Time
	ConsistentReplicaPlacementHash uint64
	EndorsementRequired            bool

	DiskSpace int64

	confirmed     bool
	sealed        bool
	Movable       bool
	sealScheduled bool
}

// NewChunk creates an unconfirmed chunk. Journal parameters apply only to
// journal kinds.
func NewChunk(id ids.ID, readQuorum, writeQuorum int) *Chunk {
	c := &Chunk{
		ID:                         id,
		parents:                    make(map[ids.ID]int),
		requisitionIndex:           EmptyRequisitionIndex,
		aggregatedRequisitionIndex: EmptyRequisitionIndex,
		ReadQuorum:                 readQuorum,
		WriteQuorum:                writeQuorum,
		Movable:                    true,
	}
	if id.Type().IsErasure() {
		c.lastSeenReplicas = make([]NodeID, 16)
	} else {
		c.lastSeenReplicas = make([]NodeID, 0, lastSeenReplicaCount)
	}
	return c
}

// IsJournal reports whether the chunk is a journal kind.
func (c *Chunk) IsJournal() bool { return c.ID.Type().IsJournal() }

// IsErasure reports whether the chunk is an erasure kind.
func (c *Chunk) IsErasure() bool { return c.ID.Type().IsErasure() }

// IsConfirmed reports whether meta has been attached.
func (c *Chunk) IsConfirmed() bool { return c.confirmed }

// IsSealed reports whether the chunk is sealed. Non-journal chunks are
// sealed by confirmation.
func (c *Chunk) IsSealed() bool { return c.sealed }

// SealScheduled tracks queue membership in the sealer.
func (c *Chunk) SealScheduled() bool     { return c.sealScheduled }
func (c *Chunk) SetSealScheduled(v bool) { c.sealScheduled = v }

// Meta returns the chunk meta, nil before confirmation.
func (c *Chunk) Meta() *chunkmeta.Meta { return c.meta }

// Misc returns the decoded misc extension, nil before confirmation.
func (c *Chunk) Misc() *chunkmeta.Misc { return c.misc }

// RowCount returns the sealed row count.
func (c *Chunk) RowCount() int64 {
	if c.misc == nil {
		return 0
	}
	return c.misc.RowCount
}

// StoredReplicas returns the current replica set.
func (c *Chunk) StoredReplicas() []Replica { return c.replicas }

// ApprovedReplicaCount returns the number of approved replicas.
func (c *Chunk) ApprovedReplicaCount() int { return c.approvedReplicaCount }

// AddReplica registers a replica. For a journal chunk an existing replica
// with the same node and index has its state updated in place.
func (c *Chunk) AddReplica(replica Replica, approved bool) {
	if c.IsJournal() {
		for i := range c.replicas {
			if c.replicas[i].Node == replica.Node && c.replicas[i].ReplicaIndex == replica.ReplicaIndex {
				c.replicas[i].State = replica.State
				return
			}
		}
	}
	c.replicas = append(c.replicas, replica)
	if approved {
		c.approvedReplicaCount++
	}
	c.noteSeen(replica)
}

func (c *Chunk) noteSeen(replica Replica) {
	if c.IsErasure() {
		if replica.ReplicaIndex >= 0 && replica.ReplicaIndex < len(c.lastSeenReplicas) {
			c.lastSeenReplicas[replica.ReplicaIndex] = replica.Node
		}
		return
	}
	if len(c.lastSeenReplicas) < lastSeenReplicaCount {
		c.lastSeenReplicas = append(c.lastSeenReplicas, replica.Node)
		return
	}
	c.lastSeenReplicas[c.currentLastSeenIdx] = replica.Node
	c.currentLastSeenIdx = (c.currentLastSeenIdx + 1) % lastSeenReplicaCount
}

// RemoveReplica drops a replica by node and index with a swap-pop.
func (c *Chunk) RemoveReplica(node NodeID, replicaIndex int, approved bool) {
	for i := range c.replicas {
		if c.replicas[i].Node == node && c.replicas[i].ReplicaIndex == replicaIndex {
			last := len(c.replicas) - 1
			c.replicas[i] = c.replicas[last]
			c.replicas = c.replicas[:last]
			if approved {
				c.approvedReplicaCount--
				if c.approvedReplicaCount < 0 {
					panic(fmt.Sprintf("chunkserver: chunk %v approved replica count underflow", c.ID))
				}
			}
			return
		}
	}
}

// Confirm attaches the meta and populates derived fields. The misc
// extension is mandatory.
func (c *Chunk) Confirm(meta *chunkmeta.Meta) error {
	if c.confirmed {
		return ErrAlreadyConfirmed
	}
	misc, err := chunkmeta.GetMisc(meta)
	if err != nil {
		return err
	}
	c.meta = meta
	c.misc = misc
	c.confirmed = true
	c.sealed = misc.Sealed || !c.IsJournal()
	c.DiskSpace = misc.CompressedDataSize
	return nil
}

// SealInfo carries the quorum-agreed statistics of a journal chunk.
type SealInfo struct {
	RowCount             int64
	UncompressedDataSize int64
	CompressedDataSize   int64
}

// Seal freezes a confirmed journal chunk at the quorum row count, rewriting
// the misc extension.
func (c *Chunk) Seal(info SealInfo) error {
	if !c.confirmed {
		return ErrNotConfirmed
	}
	if c.sealed {
		return ErrAlreadySealed
	}
	if !c.IsJournal() {
		return ErrNotJournal
	}
	if c.misc.RowCount != 0 {
		return fmt.Errorf("journal chunk %v has premature row count %d", c.ID, c.misc.RowCount)
	}
	c.misc.RowCount = info.RowCount
	c.misc.UncompressedDataSize = info.UncompressedDataSize
	c.misc.CompressedDataSize = info.CompressedDataSize
	c.misc.Sealed = true
	chunkmeta.SetMisc(c.meta, c.misc)
	c.sealed = true
	// Disk space takes the reported uncompressed size as an approximation.
	// The sealer's seal carries only the row count, which leaves it zero.
	c.DiskSpace = info.UncompressedDataSize
	return nil
}

// IsAvailable reports whether the chunk can be read given its current
// replica set.
func (c *Chunk) IsAvailable() bool {
	switch {
	case c.IsJournal():
		sealedReplicas := 0
		for _, r := range c.replicas {
			if r.State == ReplicaStateSealed {
				sealedReplicas++
			}
		}
		return sealedReplicas >= 1 || len(c.replicas) >= c.ReadQuorum
	case c.IsErasure():
		// Available when present replica indexes cover all data parts.
		present := make(map[int]bool, len(c.replicas))
		for _, r := range c.replicas {
			present[r.ReplicaIndex] = true
		}
		for part := 0; part < c.erasureDataPartCount(); part++ {
			if !present[part] {
				return false
			}
		}
		return true
	default:
		return len(c.replicas) >= 1
	}
}

// erasureDataPartCount is fixed by the codec; the codec library itself is a
// collaborator.
func (c *Chunk) erasureDataPartCount() int { return 6 }

// AddParent records one chunk-list slot referencing this chunk.
func (c *Chunk) AddParent(parent ids.ID) {
	c.parents[parent]++
}

// RemoveParent releases one chunk-list slot.
func (c *Chunk) RemoveParent(parent ids.ID) {
	c.parents[parent]--
	if c.parents[parent] < 0 {
		panic(fmt.Sprintf("chunkserver: chunk %v parent multiset underflow", c.ID))
	}
	if c.parents[parent] == 0 {
		delete(c.parents, parent)
	}
}

// Parents returns the parent multiset.
func (c *Chunk) Parents() map[ids.ID]int { return c.parents }

// ParentSlotCount returns the total number of slots referencing the chunk.
func (c *Chunk) ParentSlotCount() int {
	total := 0
	for _, n := range c.parents {
		total += n
	}
	return total
}

// IsExported reports whether any foreign cell still imports the chunk.
func (c *Chunk) IsExported() bool { return c.exportedCount > 0 }

// Export bumps the per-cell export refcount, allocating the array lazily
// and attributing the empty requisition on the cell's first export.
func (c *Chunk) Export(cellIndex int, registry *RequisitionRegistry) {
	if c.exportRefCounts == nil {
		c.exportRefCounts = make([]int, cellIndex+1)
	}
	for len(c.exportRefCounts) <= cellIndex {
		c.exportRefCounts = append(c.exportRefCounts, 0)
	}
	c.exportRefCounts[cellIndex]++
	if c.exportRefCounts[cellIndex] == 1 {
		c.exportedCount++
		registry.Ref(EmptyRequisitionIndex)
	}
}

// Unexport drops n import references from a cell. When the count reaches
// zero the cell's requisition reference is released and the array freed if
// empty.
func (c *Chunk) Unexport(cellIndex int, n int, registry *RequisitionRegistry) error {
	if c.exportRefCounts == nil || cellIndex >= len(c.exportRefCounts) {
		return fmt.Errorf("chunk %v is not exported to cell %d", c.ID, cellIndex)
	}
	c.exportRefCounts[cellIndex] -= n
	if c.exportRefCounts[cellIndex] < 0 {
		return fmt.Errorf("chunk %v export refcount underflow for cell %d", c.ID, cellIndex)
	}
	if c.exportRefCounts[cellIndex] == 0 {
		c.exportedCount--
		registry.Unref(EmptyRequisitionIndex)
		if c.exportedCount == 0 {
			c.exportRefCounts = nil
		}
	}
	return nil
}

// ExportRefCount reports a cell's import count.
func (c *Chunk) ExportRefCount(cellIndex int) int {
	if cellIndex >= len(c.exportRefCounts) {
		return 0
	}
	return c.exportRefCounts[cellIndex]
}

// RequisitionIndex returns the chunk's own requisition slot.
func (c *Chunk) RequisitionIndex() int { return c.requisitionIndex }

// SetRequisitionIndex swaps the chunk's requisition reference.
func (c *Chunk) SetRequisitionIndex(idx int, registry *RequisitionRegistry) {
	registry.Ref(idx)
	registry.Unref(c.requisitionIndex)
	c.requisitionIndex = idx
	c.recomputeAggregatedRequisition(registry)
}

// AggregatedRequisitionIndex returns the merged requisition slot.
func (c *Chunk) AggregatedRequisitionIndex() int { return c.aggregatedRequisitionIndex }

// recomputeAggregatedRequisition merges the chunk's own requisition with the
// export baseline.
func (c *Chunk) recomputeAggregatedRequisition(registry *RequisitionRegistry) {
	merged := registry.Get(c.requisitionIndex).merge(Requisition{})
	idx := registry.GetOrCreate(merged)
	registry.Unref(c.aggregatedRequisitionIndex)
	c.aggregatedRequisitionIndex = idx
}
