package chunkserver

import (
	"grove/internal/ids"
)

// Statistics is the cumulative summary of a chunk tree.
type Statistics struct {
	RowCount   int64
	ChunkCount int64
	DataWeight int64
	DiskSpace  int64
	Rank       int
}

// accumulate folds a child summary in.
func (s *Statistics) accumulate(child Statistics) {
	s.RowCount += child.RowCount
	s.ChunkCount += child.ChunkCount
	s.DataWeight += child.DataWeight
	s.DiskSpace += child.DiskSpace
	if child.Rank+1 > s.Rank {
		s.Rank = child.Rank + 1
	}
}

// deaccumulate removes a child summary. Rank is not lowered: it is a high
// watermark, recomputed only on full rebuilds.
func (s *Statistics) deaccumulate(child Statistics) {
	s.RowCount -= child.RowCount
	s.ChunkCount -= child.ChunkCount
	s.DataWeight -= child.DataWeight
	s.DiskSpace -= child.DiskSpace
}

// ChunkList is an ordered composite of chunks and chunk lists. It is
// ref-counted through its own parents multiset.
type ChunkList struct {
	ID       ids.ID
	children []ids.ID
	parents  map[ids.ID]int

	stats Statistics
}

// NewChunkList creates an empty chunk list.
func NewChunkList(id ids.ID) *ChunkList {
	return &ChunkList{
		ID:      id,
		parents: make(map[ids.ID]int),
	}
}

// Children returns the ordered child ids.
func (l *ChunkList) Children() []ids.ID { return l.children }

// Statistics returns the cumulative summary.
func (l *ChunkList) Statistics() Statistics { return l.stats }
