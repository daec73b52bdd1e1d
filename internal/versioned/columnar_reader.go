package versioned

import (
	"encoding/binary"
	"fmt"
	"sort"

	"grove/internal/chunkmeta"
)

// columnarReader reads the column-wise layout. Each stream is decoded one
// segment at a time; a row can be assembled only when every stream has its
// segment loaded, so the per-read row limit is the minimum ready-upper row
// index across streams.
type columnarReader struct {
	state    *chunkState
	rng      ReadRange
	schema   readerSchema
	streams  []*streamReader
	rowCount int64

	rowIndex  int64 // next chunk row index to assemble
	started   bool
	completed bool
	err       error
}

// readerSchema is reconstructed from the name table and key columns.
type readerSchema struct {
	names          []string
	keyColumnCount int
}

type segmentRef struct {
	blockIndex int
	startRow   int64
	rowCount   int64
}

// streamReader decodes one column stream segment-by-segment.
type streamReader struct {
	index    int
	segments []segmentRef
	current  int // index into segments of the loaded segment, -1 before load

	// Decoded cells of the loaded segment, indexed by row - startRow.
	startRow   int64
	readyUpper int64 // first row index beyond the loaded segment

	keyValues [][]Value   // key stream: one cell per row (single column)
	cells     [][][]Value // value stream: per row, per column-in-stream, versions
	columns   int         // columns carried by a value stream
	writeTS   [][]Timestamp
	deleteTS  [][]Timestamp
	kind      streamKind
}

type streamKind int

const (
	streamKey streamKind = iota
	streamValues
	streamTimestamps
)

// NewColumnarReader creates a reader over the column-wise layout restricted
// to the given range.
func NewColumnarReader(source BlockSource, rng ReadRange) (Reader, error) {
	state, err := loadChunkState(source, chunkmeta.FormatVersionedColumnar)
	if err != nil {
		return nil, err
	}
	if !state.misc.Sorted {
		return nil, ErrNotSorted
	}
	segData, ok := source.Meta().Extension(chunkmeta.TagColumnMeta)
	if !ok {
		return nil, fmt.Errorf("columnar chunk carries no column meta extension")
	}
	segments, err := chunkmeta.DecodeColumnSegments(segData)
	if err != nil {
		return nil, err
	}

	keyCount := len(state.keyColumns)
	if keyCount == 0 {
		return nil, ErrNotSorted
	}

	// Stream count is one past the highest stream index; the last stream is
	// always the timestamp stream.
	maxStream := 0
	for _, s := range segments {
		if int(s.StreamIndex) > maxStream {
			maxStream = int(s.StreamIndex)
		}
	}
	streams := make([]*streamReader, maxStream+1)
	for i := range streams {
		streams[i] = &streamReader{index: i, current: -1}
	}
	for _, s := range segments {
		sr := streams[s.StreamIndex]
		sr.segments = append(sr.segments, segmentRef{
			blockIndex: int(s.BlockIndex),
			startRow:   s.StartRow,
			rowCount:   s.RowCount,
		})
	}
	for i, sr := range streams {
		sort.Slice(sr.segments, func(a, b int) bool {
			return sr.segments[a].startRow < sr.segments[b].startRow
		})
		switch {
		case i < keyCount:
			sr.kind = streamKey
		case i == maxStream:
			sr.kind = streamTimestamps
		default:
			sr.kind = streamValues
		}
	}

	return &columnarReader{
		state:    state,
		rng:      rng,
		schema:   readerSchema{names: state.names, keyColumnCount: keyCount},
		streams:  streams,
		rowCount: state.misc.RowCount,
	}, nil
}

func (r *columnarReader) Err() error { return r.err }

func (r *columnarReader) fail(err error) bool {
	r.err = err
	r.completed = true
	return false
}

// loadSegment decodes the stream segment covering rowIndex.
func (r *columnarReader) loadSegment(sr *streamReader, rowIndex int64) error {
	idx := sort.Search(len(sr.segments), func(i int) bool {
		seg := sr.segments[i]
		return seg.startRow+seg.rowCount > rowIndex
	})
	if idx >= len(sr.segments) {
		return fmt.Errorf("stream %d has no segment for row %d", sr.index, rowIndex)
	}
	seg := sr.segments[idx]

	compressed, err := r.state.source.Block(seg.blockIndex)
	if err != nil {
		return err
	}
	payload, err := decompressBlock(compressed)
	if err != nil {
		return err
	}

	streamIdx, n := binary.Uvarint(payload)
	if n <= 0 || int(streamIdx) != sr.index {
		return fmt.Errorf("stream block header mismatch for stream %d", sr.index)
	}
	payload = payload[n:]
	startRow, n := binary.Uvarint(payload)
	if n <= 0 || int64(startRow) != seg.startRow {
		return fmt.Errorf("stream block start row mismatch for stream %d", sr.index)
	}
	payload = payload[n:]
	rowCount, n := binary.Uvarint(payload)
	if n <= 0 || int64(rowCount) != seg.rowCount {
		return fmt.Errorf("stream block row count mismatch for stream %d", sr.index)
	}
	payload = payload[n:]

	sr.startRow = seg.startRow
	sr.readyUpper = seg.startRow + seg.rowCount
	sr.current = idx

	switch sr.kind {
	case streamKey:
		sr.keyValues = sr.keyValues[:0]
		for i := int64(0); i < seg.rowCount; i++ {
			v, rest, err := consumeValue(payload)
			if err != nil {
				return err
			}
			sr.keyValues = append(sr.keyValues, []Value{v})
			payload = rest
		}

	case streamValues:
		// Each row carries one cell list per column in the stream, so the
		// column count is the number of decoded cell lists divided by the
		// segment's row count.
		sr.cells = sr.cells[:0]
		var lists [][]Value
		for len(payload) > 0 {
			count, n := binary.Uvarint(payload)
			if n <= 0 {
				return fmt.Errorf("%w: cell count", ErrCorruptedRow)
			}
			payload = payload[n:]
			var cells []Value
			for j := uint64(0); j < count; j++ {
				v, rest, err := consumeValue(payload)
				if err != nil {
					return err
				}
				cells = append(cells, v)
				payload = rest
			}
			lists = append(lists, cells)
		}
		if seg.rowCount == 0 || int64(len(lists))%seg.rowCount != 0 {
			return fmt.Errorf("stream %d: %d cell lists across %d rows", sr.index, len(lists), seg.rowCount)
		}
		sr.columns = int(int64(len(lists)) / seg.rowCount)
		for i := int64(0); i < seg.rowCount; i++ {
			row := lists[i*int64(sr.columns) : (i+1)*int64(sr.columns)]
			sr.cells = append(sr.cells, row)
		}

	case streamTimestamps:
		sr.writeTS = sr.writeTS[:0]
		sr.deleteTS = sr.deleteTS[:0]
		for i := int64(0); i < seg.rowCount; i++ {
			var write, del []Timestamp
			count, n := binary.Uvarint(payload)
			if n <= 0 {
				return fmt.Errorf("%w: write timestamp count", ErrCorruptedRow)
			}
			payload = payload[n:]
			for j := uint64(0); j < count; j++ {
				ts, n := binary.Uvarint(payload)
				if n <= 0 {
					return fmt.Errorf("%w: write timestamp", ErrCorruptedRow)
				}
				write = append(write, ts)
				payload = payload[n:]
			}
			count, n = binary.Uvarint(payload)
			if n <= 0 {
				return fmt.Errorf("%w: delete timestamp count", ErrCorruptedRow)
			}
			payload = payload[n:]
			for j := uint64(0); j < count; j++ {
				ts, n := binary.Uvarint(payload)
				if n <= 0 {
					return fmt.Errorf("%w: delete timestamp", ErrCorruptedRow)
				}
				del = append(del, ts)
				payload = payload[n:]
			}
			sr.writeTS = append(sr.writeTS, write)
			sr.deleteTS = append(sr.deleteTS, del)
		}
	}
	return nil
}

// ensureReady loads segments so every stream covers rowIndex, returning the
// minimum ready-upper row index.
func (r *columnarReader) ensureReady(rowIndex int64) (int64, error) {
	ready := r.rowCount
	for _, sr := range r.streams {
		if sr.current < 0 || rowIndex >= sr.readyUpper {
			if err := r.loadSegment(sr, rowIndex); err != nil {
				return 0, err
			}
		}
		if sr.readyUpper < ready {
			ready = sr.readyUpper
		}
	}
	return ready, nil
}

// assembleRow builds the full row at the given chunk row index.
func (r *columnarReader) assembleRow(rowIndex int64) Row {
	var row Row
	for _, sr := range r.streams {
		i := rowIndex - sr.startRow
		switch sr.kind {
		case streamKey:
			row.Keys = append(row.Keys, sr.keyValues[i][0])
		case streamValues:
			for c := 0; c < sr.columns; c++ {
				row.Values = append(row.Values, sr.cells[i][c]...)
			}
		case streamTimestamps:
			row.WriteTimestamps = sr.writeTS[i]
			row.DeleteTimestamps = sr.deleteTS[i]
		}
	}
	return row
}

func (r *columnarReader) Read(batch *RowBatch) bool {
	batch.Reset()
	if r.completed {
		return false
	}

	if !r.started {
		r.started = true
		if r.rng.Lower.HasRowIndex {
			r.rowIndex = r.rng.Lower.RowIndex
		}
	}

	for len(batch.Rows) < maxRowsPerRead {
		if r.rowIndex >= r.rowCount {
			r.completed = true
			break
		}
		hardUpper := r.rowCount
		if r.rng.Upper.HasRowIndex && r.rng.Upper.RowIndex < hardUpper {
			hardUpper = r.rng.Upper.RowIndex
		}
		if r.rowIndex >= hardUpper {
			r.completed = true
			break
		}

		ready, err := r.ensureReady(r.rowIndex)
		if err != nil {
			return r.fail(err)
		}
		limit := ready
		if hardUpper < limit {
			limit = hardUpper
		}

		for r.rowIndex < limit && len(batch.Rows) < maxRowsPerRead {
			row := r.assembleRow(r.rowIndex)
			r.rowIndex++

			if r.rng.Lower.HasKey && CompareKeys(row.Keys, r.rng.Lower.Key) < 0 {
				continue
			}
			if r.rng.Upper.HasKey && CompareKeys(row.Keys, r.rng.Upper.Key) >= 0 {
				r.completed = true
				break
			}
			batch.Rows = append(batch.Rows, row)
		}
		if r.completed {
			break
		}
	}

	if len(batch.Rows) == 0 && r.completed {
		return false
	}
	return true
}
