package chunkserver

import (
	"fmt"
	"sort"

	"github.com/vmihailenco/msgpack/v5"

	"grove/internal/chunkmeta"
	"grove/internal/ids"
)

// Snapshot DTOs. Maps become pair slices so the encoding stays stable and
// key types stay simple.

type parentRef struct {
	Parent ids.ID
	Count  int
}

type chunkSnapshot struct {
	ID                   ids.ID
	Meta                 []byte
	ReadQuorum           int
	WriteQuorum          int
	LogReplicaLagLimit   int64
	Replicas             []Replica
	ApprovedReplicaCount int
	Parents              []parentRef
	ExportRefCounts      []int
	Requisition          Requisition
	Confirmed            bool
	Sealed               bool
	Movable              bool
	DiskSpace            int64
}

type listSnapshot struct {
	ID       ids.ID
	Children []ids.ID
	Parents  []parentRef
	Stats    Statistics
}

type managerSnapshot struct {
	Chunks []chunkSnapshot
	Lists  []listSnapshot
}

// Snapshot serializes the full chunk state in stable id order.
func (m *Manager) Snapshot() ([]byte, error) {
	snap := managerSnapshot{}

	for _, id := range sortedIDs(m.chunks) {
		c := m.chunks[id]
		cs := chunkSnapshot{
			ID:                   c.ID,
			ReadQuorum:           c.ReadQuorum,
			WriteQuorum:          c.WriteQuorum,
			LogReplicaLagLimit:   c.LogReplicaLagLimit,
			Replicas:             c.replicas,
			ApprovedReplicaCount: c.approvedReplicaCount,
			Parents:              parentPairs(c.parents),
			ExportRefCounts:      c.exportRefCounts,
			Requisition:          m.requisitions.Get(c.requisitionIndex),
			Confirmed:            c.confirmed,
			Sealed:               c.sealed,
			Movable:              c.Movable,
			DiskSpace:            c.DiskSpace,
		}
		if c.meta != nil {
			cs.Meta = c.meta.Encode()
		}
		snap.Chunks = append(snap.Chunks, cs)
	}
	for _, id := range sortedIDs(m.chunkLists) {
		l := m.chunkLists[id]
		snap.Lists = append(snap.Lists, listSnapshot{
			ID:       l.ID,
			Children: l.children,
			Parents:  parentPairs(l.parents),
			Stats:    l.stats,
		})
	}
	return msgpack.Marshal(&snap)
}

// Restore replaces the manager state with a snapshot.
func (m *Manager) Restore(data []byte) error {
	var snap managerSnapshot
	if err := msgpack.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("unmarshal chunk snapshot: %w", err)
	}

	m.chunks = make(map[ids.ID]*Chunk, len(snap.Chunks))
	m.chunkLists = make(map[ids.ID]*ChunkList, len(snap.Lists))
	m.requisitions = NewRequisitionRegistry()

	for _, cs := range snap.Chunks {
		c := NewChunk(cs.ID, cs.ReadQuorum, cs.WriteQuorum)
		c.LogReplicaLagLimit = cs.LogReplicaLagLimit
		c.replicas = cs.Replicas
		c.approvedReplicaCount = cs.ApprovedReplicaCount
		c.parents = pairParents(cs.Parents)
		c.exportRefCounts = cs.ExportRefCounts
		for _, n := range cs.ExportRefCounts {
			if n > 0 {
				c.exportedCount++
				m.requisitions.Ref(EmptyRequisitionIndex)
			}
		}
		c.requisitionIndex = m.requisitions.GetOrCreate(cs.Requisition)
		c.aggregatedRequisitionIndex = m.requisitions.GetOrCreate(cs.Requisition.merge(Requisition{}))
		c.Movable = cs.Movable
		c.DiskSpace = cs.DiskSpace
		if cs.Meta != nil {
			meta, err := chunkmeta.Decode(cs.Meta)
			if err != nil {
				return fmt.Errorf("restore chunk %v meta: %w", cs.ID, err)
			}
			misc, err := chunkmeta.GetMisc(meta)
			if err != nil {
				return fmt.Errorf("restore chunk %v misc: %w", cs.ID, err)
			}
			c.meta = meta
			c.misc = misc
		}
		c.confirmed = cs.Confirmed
		c.sealed = cs.Sealed
		m.chunks[cs.ID] = c
	}
	for _, ls := range snap.Lists {
		l := NewChunkList(ls.ID)
		l.children = ls.Children
		l.parents = pairParents(ls.Parents)
		l.stats = ls.Stats
		m.chunkLists[ls.ID] = l
	}
	return nil
}

func parentPairs(parents map[ids.ID]int) []parentRef {
	out := make([]parentRef, 0, len(parents))
	for _, id := range sortedIDs(parents) {
		out = append(out, parentRef{Parent: id, Count: parents[id]})
	}
	return out
}

func pairParents(pairs []parentRef) map[ids.ID]int {
	out := make(map[ids.ID]int, len(pairs))
	for _, p := range pairs {
		out[p.Parent] = p.Count
	}
	return out
}

func sortedIDs[V any](m map[ids.ID]V) []ids.ID {
	out := make([]ids.ID, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return ids.Compare(out[i], out[j]) < 0 })
	return out
}
