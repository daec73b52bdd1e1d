package versioned

import (
	"container/heap"
	"sort"

	minmaxheap "github.com/esote/minmaxheap"
)

// Merger combines several versioned readers whose key ranges overlap into
// one schemaful stream in strictly increasing key order. Rows with equal
// keys are resolved per column to the value with the largest write timestamp
// not dominated by a delete timestamp.
type Merger struct {
	pending []*mergeSource // not yet activated, sorted by boundary key
	active  *sourceHeap

	lastKey Key
	emitted int64
	err     error
	done    bool
}

// MergerInput is one child reader plus the minimum key it can produce.
type MergerInput struct {
	Reader      Reader
	BoundaryKey Key
}

// MergedBatch is the reusable output buffer.
type MergedBatch struct {
	Rows []SchemafulRow
}

// Reset empties the batch, keeping capacity.
func (b *MergedBatch) Reset() {
	b.Rows = b.Rows[:0]
}

// mergeSource wraps one child reader with a one-row lookahead.
type mergeSource struct {
	reader   Reader
	boundary Key

	batch RowBatch
	pos   int
	row   Row
	ok    bool
}

// advance loads the next row into the lookahead. Returns false at
// exhaustion.
func (s *mergeSource) advance() bool {
	for {
		if s.pos < len(s.batch.Rows) {
			s.row = s.batch.Rows[s.pos]
			s.pos++
			s.ok = true
			return true
		}
		if !s.reader.Read(&s.batch) {
			s.ok = false
			return false
		}
		s.pos = 0
	}
}

// sourceHeap is a min-heap of active sources ordered by current row key.
type sourceHeap struct {
	items []*mergeSource
}

func (h *sourceHeap) Len() int { return len(h.items) }
func (h *sourceHeap) Less(i, j int) bool {
	return CompareKeys(h.items[i].row.Keys, h.items[j].row.Keys) < 0
}
func (h *sourceHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *sourceHeap) Push(x any)    { h.items = append(h.items, x.(*mergeSource)) }
func (h *sourceHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}

var _ heap.Interface = (*sourceHeap)(nil)

// NewMerger creates a merger over the child readers. Children whose
// boundary key lies beyond the merge frontier stay inactive until the
// frontier reaches them.
func NewMerger(inputs []MergerInput) *Merger {
	m := &Merger{active: &sourceHeap{}}
	for _, in := range inputs {
		m.pending = append(m.pending, &mergeSource{reader: in.Reader, boundary: in.BoundaryKey})
	}
	sort.Slice(m.pending, func(i, j int) bool {
		return CompareKeys(m.pending[i].boundary, m.pending[j].boundary) < 0
	})
	minmaxheap.Init(m.active)
	return m
}

// Err returns the first child error encountered.
func (m *Merger) Err() error { return m.err }

// activateReady moves pending sources whose boundary key is at or before
// the current frontier into the heap. With an empty heap the smallest
// boundary defines the frontier.
func (m *Merger) activateReady() bool {
	for len(m.pending) > 0 {
		next := m.pending[0]
		if m.active.Len() > 0 {
			frontier := m.active.items[0].row.Keys
			if CompareKeys(next.boundary, frontier) > 0 {
				break
			}
		}
		m.pending = m.pending[1:]
		if next.advance() {
			minmaxheap.Push(m.active, next)
		} else if err := next.reader.Err(); err != nil {
			m.err = err
			return false
		}
	}
	return true
}

// mergeEqualKeys pops every source whose current key equals the frontier,
// merges their rows and re-pushes the survivors.
func (m *Merger) mergeEqualKeys() (SchemafulRow, bool) {
	frontier := m.active.items[0].row.Keys
	merger := newRowMerger(CloneKey(frontier))

	var contributors []*mergeSource
	for m.active.Len() > 0 && CompareKeys(m.active.items[0].row.Keys, frontier) == 0 {
		src := minmaxheap.Pop(m.active).(*mergeSource)
		merger.addRow(src.row)
		contributors = append(contributors, src)
	}
	for _, src := range contributors {
		if src.advance() {
			minmaxheap.Push(m.active, src)
		} else if err := src.reader.Err(); err != nil {
			m.err = err
			return SchemafulRow{}, false
		}
	}
	return merger.finish()
}

// Read fills the batch with merged rows.
func (m *Merger) Read(batch *MergedBatch) bool {
	batch.Reset()
	if m.done || m.err != nil {
		return false
	}

	for len(batch.Rows) < maxRowsPerRead {
		if !m.activateReady() {
			return false
		}
		if m.active.Len() == 0 {
			m.done = true
			break
		}
		row, ok := m.mergeEqualKeys()
		if m.err != nil {
			return false
		}
		if !ok {
			// Every version of the key is dominated by a delete.
			continue
		}
		m.lastKey = row.Keys
		m.emitted++
		batch.Rows = append(batch.Rows, row)
	}

	if len(batch.Rows) == 0 && m.done {
		return false
	}
	return true
}

// UnreadDescriptors describes the unread remainder of an interrupted merge.
// The first descriptor's lower bound is the successor of the last emitted
// key, so a resumed read is point-exact.
func (m *Merger) UnreadDescriptors() []DataSliceDescriptor {
	var lower ReadLimit
	if m.lastKey != nil {
		lower = ReadLimit{HasKey: true, Key: successorKey(m.lastKey)}
	}
	return []DataSliceDescriptor{{
		Range: ReadRange{Lower: lower},
	}}
}

// rowMerger resolves all versions of one key into a schemaful row.
type rowMerger struct {
	key       Key
	maxDelete Timestamp
	maxWrite  Timestamp
	// Latest value per column id.
	latest map[int]Value
}

func newRowMerger(key Key) *rowMerger {
	return &rowMerger{key: key, latest: make(map[int]Value)}
}

func (r *rowMerger) addRow(row Row) {
	for _, ts := range row.DeleteTimestamps {
		if ts > r.maxDelete {
			r.maxDelete = ts
		}
	}
	for _, ts := range row.WriteTimestamps {
		if ts > r.maxWrite {
			r.maxWrite = ts
		}
	}
	for _, v := range row.Values {
		if v.Timestamp > r.maxWrite {
			r.maxWrite = v.Timestamp
		}
		if cur, ok := r.latest[v.ID]; !ok || v.Timestamp > cur.Timestamp {
			r.latest[v.ID] = v
		}
	}
}

// finish emits the merged row, or reports false when the key's latest
// operation is a delete. A value whose write timestamp equals the top
// delete timestamp counts as written; well-formed inputs never produce the
// tie, so the choice only affects corrupted streams.
func (r *rowMerger) finish() (SchemafulRow, bool) {
	if r.maxWrite < r.maxDelete {
		return SchemafulRow{}, false
	}
	out := SchemafulRow{Keys: r.key}
	ids := make([]int, 0, len(r.latest))
	for id := range r.latest {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		v := r.latest[id]
		if v.Timestamp >= r.maxDelete {
			out.Values = append(out.Values, v)
		}
	}
	return out, true
}
