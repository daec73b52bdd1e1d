package versioned

import (
	"errors"
	"fmt"
	"sort"

	"grove/internal/chunkmeta"
)

// Reader yields versioned rows in non-decreasing key order. Read fills the
// batch and reports whether more data may follow; after Read returns false,
// Err distinguishes exhaustion from failure. Within one reader, methods are
// not reentrant.
type Reader interface {
	Read(batch *RowBatch) bool
	Err() error
}

var (
	ErrNotSorted          = errors.New("chunk is not sorted")
	ErrNotUniqueKeys      = errors.New("chunk does not have unique keys")
	ErrWrongFormat        = errors.New("unexpected chunk format")
	ErrCorruptedNameTable = errors.New("corrupted name table")
)

// maxRowsPerRead bounds how many rows one Read call yields.
const maxRowsPerRead = 128

// chunkState is the decoded meta shared by the reader variants.
type chunkState struct {
	source     BlockSource
	misc       *chunkmeta.Misc
	blockMetas []chunkmeta.BlockMeta
	names      []string
	keyColumns []string
}

func loadChunkState(source BlockSource, format chunkmeta.Format) (*chunkState, error) {
	meta := source.Meta()
	if meta == nil {
		return nil, fmt.Errorf("chunk has no meta")
	}
	if meta.Format != format {
		return nil, fmt.Errorf("%w: want %d got %d", ErrWrongFormat, format, meta.Format)
	}
	misc, err := chunkmeta.GetMisc(meta)
	if err != nil {
		return nil, err
	}
	blockData, ok := meta.Extension(chunkmeta.TagBlockMeta)
	if !ok {
		return nil, fmt.Errorf("chunk meta carries no block meta extension")
	}
	blocks, err := chunkmeta.DecodeBlockMetas(blockData)
	if err != nil {
		return nil, err
	}
	var names []string
	if nameData, ok := meta.Extension(chunkmeta.TagNameTable); ok {
		names, err = chunkmeta.DecodeStringList(nameData)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptedNameTable, err)
		}
	}
	var keyColumns []string
	if keyData, ok := meta.Extension(chunkmeta.TagKeyColumns); ok {
		keyColumns, err = chunkmeta.DecodeStringList(keyData)
		if err != nil {
			return nil, err
		}
	}
	return &chunkState{
		source:     source,
		misc:       misc,
		blockMetas: blocks,
		names:      names,
		keyColumns: keyColumns,
	}, nil
}

// blockLastKey decodes the boundary key of a block.
func (s *chunkState) blockLastKey(i int) (Key, error) {
	return DecodeKey(s.blockMetas[i].LastKey)
}

// firstBlockForKey returns the index of the first block whose last key is
// >= the given key; rows with that key cannot live in earlier blocks.
func (s *chunkState) firstBlockForKey(key Key) (int, error) {
	lo, hi := 0, len(s.blockMetas)
	for lo < hi {
		mid := (lo + hi) / 2
		lastKey, err := s.blockLastKey(mid)
		if err != nil {
			return 0, err
		}
		if CompareKeys(lastKey, key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, nil
}

// firstBlockForRow returns the index of the block containing the row index.
func (s *chunkState) firstBlockForRow(rowIndex int64) int {
	return sort.Search(len(s.blockMetas), func(i int) bool {
		return s.blockMetas[i].ChunkRowCount > rowIndex
	})
}

// blockStartRow returns the chunk row index of the block's first row.
func (s *chunkState) blockStartRow(i int) int64 {
	return s.blockMetas[i].ChunkRowCount - s.blockMetas[i].RowCount
}

// rangeReader reads the row-wise layout over a [lower, upper) range.
type rangeReader struct {
	state *chunkState
	rng   ReadRange

	blockIndex int
	blockData  []byte
	rowIndex   int64 // chunk row index of the next row to decode

	started   bool
	completed bool
	err       error

	lastKey Key // last emitted key, for unread descriptors
	emitted int64
}

// NewRangeReader creates a reader over the row-wise layout restricted to the
// given range. The chunk must be sorted.
func NewRangeReader(source BlockSource, rng ReadRange) (Reader, error) {
	state, err := loadChunkState(source, chunkmeta.FormatVersionedSimple)
	if err != nil {
		return nil, err
	}
	if !state.misc.Sorted {
		return nil, ErrNotSorted
	}
	return &rangeReader{state: state, rng: rng}, nil
}

func (r *rangeReader) Err() error { return r.err }

func (r *rangeReader) fail(err error) bool {
	r.err = err
	r.completed = true
	return false
}

// start positions the reader at the first block intersecting the range.
func (r *rangeReader) start() bool {
	r.started = true
	blockIndex := 0
	if r.rng.Lower.HasRowIndex {
		blockIndex = r.state.firstBlockForRow(r.rng.Lower.RowIndex)
	}
	if r.rng.Lower.HasKey {
		keyBlock, err := r.state.firstBlockForKey(r.rng.Lower.Key)
		if err != nil {
			return r.fail(err)
		}
		if keyBlock > blockIndex {
			blockIndex = keyBlock
		}
	}
	if blockIndex >= len(r.state.blockMetas) {
		r.completed = true
		return false
	}
	r.blockIndex = blockIndex
	r.rowIndex = r.state.blockStartRow(blockIndex)
	return r.loadBlock()
}

func (r *rangeReader) loadBlock() bool {
	compressed, err := r.state.source.Block(r.blockIndex)
	if err != nil {
		return r.fail(err)
	}
	payload, err := decompressBlock(compressed)
	if err != nil {
		return r.fail(err)
	}
	r.blockData = payload
	return true
}

func (r *rangeReader) Read(batch *RowBatch) bool {
	batch.Reset()
	if r.completed {
		return false
	}
	if !r.started && !r.start() {
		return false
	}

	for len(batch.Rows) < maxRowsPerRead {
		if len(r.blockData) == 0 {
			r.blockIndex++
			if r.blockIndex >= len(r.state.blockMetas) {
				r.completed = true
				break
			}
			if !r.loadBlock() {
				return false
			}
		}

		row, rest, err := consumeRow(r.blockData)
		if err != nil {
			return r.fail(err)
		}
		r.blockData = rest
		rowIndex := r.rowIndex
		r.rowIndex++

		if r.rng.Lower.HasRowIndex && rowIndex < r.rng.Lower.RowIndex {
			continue
		}
		if r.rng.Lower.HasKey && CompareKeys(row.Keys, r.rng.Lower.Key) < 0 {
			continue
		}
		if r.rng.Upper.HasRowIndex && rowIndex >= r.rng.Upper.RowIndex {
			r.completed = true
			break
		}
		if r.rng.Upper.HasKey && CompareKeys(row.Keys, r.rng.Upper.Key) >= 0 {
			r.completed = true
			break
		}

		r.lastKey = row.Keys
		r.emitted++
		batch.Rows = append(batch.Rows, row)
	}

	if len(batch.Rows) == 0 && r.completed {
		return false
	}
	return true
}

// UnreadDescriptor describes the unread suffix of an interrupted reader:
// the resumed range starts at the successor of the last emitted key.
func (r *rangeReader) UnreadDescriptor() DataSliceDescriptor {
	lower := r.rng.Lower
	if r.lastKey != nil {
		lower = ReadLimit{HasKey: true, Key: successorKey(r.lastKey)}
	}
	return DataSliceDescriptor{
		Range:    ReadRange{Lower: lower, Upper: r.rng.Upper},
		RowCount: r.state.misc.RowCount - r.emitted,
	}
}

// successorKey returns the minimal key strictly greater than k: the same
// values with a trailing null sentinel column.
func successorKey(k Key) Key {
	out := CloneKey(k)
	return append(out, Value{Kind: KindNull})
}

// lookupReader resolves a sorted list of unique keys against the row-wise
// layout. Missing keys yield sentinel rows with no values or timestamps.
type lookupReader struct {
	state *chunkState
	keys  []Key

	nextKey    int
	blockIndex int
	blockRows  []Row

	err       error
	completed bool
}

// NewLookupReader creates a point-lookup reader. The chunk must carry both
// the sorted and unique-keys markers.
func NewLookupReader(source BlockSource, keys []Key) (Reader, error) {
	state, err := loadChunkState(source, chunkmeta.FormatVersionedSimple)
	if err != nil {
		return nil, err
	}
	if !state.misc.Sorted {
		return nil, ErrNotSorted
	}
	if !state.misc.UniqueKeys {
		return nil, ErrNotUniqueKeys
	}
	return &lookupReader{state: state, keys: keys, blockIndex: -1}, nil
}

func (r *lookupReader) Err() error { return r.err }

func (r *lookupReader) loadBlock(index int) error {
	compressed, err := r.state.source.Block(index)
	if err != nil {
		return err
	}
	payload, err := decompressBlock(compressed)
	if err != nil {
		return err
	}
	r.blockRows = r.blockRows[:0]
	for len(payload) > 0 {
		row, rest, err := consumeRow(payload)
		if err != nil {
			return err
		}
		r.blockRows = append(r.blockRows, row)
		payload = rest
	}
	r.blockIndex = index
	return nil
}

// lookupOne finds the row for one key, or a sentinel miss row.
func (r *lookupReader) lookupOne(key Key) (Row, error) {
	miss := Row{Keys: key}
	blockIndex, err := r.state.firstBlockForKey(key)
	if err != nil {
		return miss, err
	}
	if blockIndex >= len(r.state.blockMetas) {
		return miss, nil
	}
	if blockIndex != r.blockIndex {
		if err := r.loadBlock(blockIndex); err != nil {
			return miss, err
		}
	}
	// Rows in a block are sorted; narrow by binary search.
	i := sort.Search(len(r.blockRows), func(i int) bool {
		return CompareKeys(r.blockRows[i].Keys, key) >= 0
	})
	if i < len(r.blockRows) && CompareKeys(r.blockRows[i].Keys, key) == 0 {
		return r.blockRows[i], nil
	}
	return miss, nil
}

func (r *lookupReader) Read(batch *RowBatch) bool {
	batch.Reset()
	if r.completed {
		return false
	}
	for r.nextKey < len(r.keys) && len(batch.Rows) < maxRowsPerRead {
		row, err := r.lookupOne(r.keys[r.nextKey])
		if err != nil {
			r.err = err
			r.completed = true
			return false
		}
		batch.Rows = append(batch.Rows, row)
		r.nextKey++
	}
	if r.nextKey >= len(r.keys) {
		r.completed = true
	}
	return len(batch.Rows) > 0
}
