package versioned

import (
	"encoding/binary"

	"grove/internal/chunkmeta"
)

// The columnar layout splits a chunk into independent column streams:
// one stream per key column, one per value-column group (columns with the
// same explicit group name share a stream, ungrouped columns get their own)
// and a dedicated timestamp stream. Each stream buffers encoded cells and is
// flushed into its own blocks; the column-meta extension records which rows
// each block covers.

type columnStream struct {
	index    int
	columns  []int // schema column indexes carried by this stream; nil for the timestamp stream
	buf      []byte
	startRow int64 // first row buffered and not yet flushed
	rowCount int64 // rows buffered
}

type columnarWriter struct {
	writerBase

	streams       []*columnStream
	columnStream  map[int]*columnStream // schema column index -> stream
	tsStream      *columnStream
	segments      []chunkmeta.ColumnSegment
	nextRow       int64
	minRangeBytes int64
}

func newColumnarWriter(base writerBase) *columnarWriter {
	w := &columnarWriter{
		writerBase:    base,
		columnStream:  make(map[int]*columnStream),
		minRangeBytes: 4 << 10,
	}

	// Key columns first, each with its own stream.
	for i := 0; i < base.schema.KeyColumnCount; i++ {
		s := &columnStream{index: len(w.streams), columns: []int{i}}
		w.streams = append(w.streams, s)
		w.columnStream[i] = s
	}
	// Value columns: explicit groups share a stream.
	groups := make(map[string]*columnStream)
	for i := base.schema.KeyColumnCount; i < len(base.schema.Columns); i++ {
		col := base.schema.Columns[i]
		var s *columnStream
		if col.Group != "" {
			s = groups[col.Group]
		}
		if s == nil {
			s = &columnStream{index: len(w.streams)}
			w.streams = append(w.streams, s)
			if col.Group != "" {
				groups[col.Group] = s
			}
		}
		s.columns = append(s.columns, i)
		w.columnStream[i] = s
	}
	// The timestamp stream closes the set.
	w.tsStream = &columnStream{index: len(w.streams)}
	w.streams = append(w.streams, w.tsStream)
	return w
}

func (w *columnarWriter) Write(rows []Row) error {
	// Rows are processed in sub-ranges; after each sub-range the largest
	// stream is flushed if it exceeds the block size or the total buffered
	// bytes exceed the writer budget.
	for len(rows) > 0 {
		target := w.nextRangeTarget()
		var used int64
		i := 0
		for i < len(rows) && used < target {
			if err := w.encodeRow(rows[i]); err != nil {
				return err
			}
			used = w.bufferedBytes()
			i++
		}
		rows = rows[i:]
		if err := w.maybeFlushLargest(); err != nil {
			return err
		}
	}
	return nil
}

// nextRangeTarget recomputes the byte budget for the next sub-range.
func (w *columnarWriter) nextRangeTarget() int64 {
	total := w.bufferedBytes()
	largest := w.largestStream()
	var largestSize int64
	if largest != nil {
		largestSize = int64(len(largest.buf))
	}
	target := w.cfg.MaxBufferSize - total
	if rest := w.cfg.BlockSize - largestSize; rest < target {
		target = rest
	}
	if target < w.minRangeBytes {
		target = w.minRangeBytes
	}
	return w.bufferedBytes() + target
}

func (w *columnarWriter) bufferedBytes() int64 {
	var total int64
	for _, s := range w.streams {
		total += int64(len(s.buf))
	}
	return total
}

func (w *columnarWriter) largestStream() *columnStream {
	var largest *columnStream
	for _, s := range w.streams {
		if s.rowCount == 0 {
			continue
		}
		if largest == nil || len(s.buf) > len(largest.buf) {
			largest = s
		}
	}
	return largest
}

func (w *columnarWriter) encodeRow(row Row) error {
	if err := w.acceptRow(row); err != nil {
		return err
	}

	// Key cells.
	for i := 0; i < w.schema.KeyColumnCount; i++ {
		s := w.columnStream[i]
		w.noteRow(s)
		before := len(s.buf)
		s.buf = appendValue(s.buf, row.Keys[i])
		w.addDataWeight(len(s.buf) - before)
	}

	// Value cells, bucketed per stream in schema column order.
	for _, s := range w.streams[w.schema.KeyColumnCount : len(w.streams)-1] {
		w.noteRow(s)
		for _, colIdx := range s.columns {
			var cells []Value
			for _, v := range row.Values {
				if v.ID == colIdx {
					cells = append(cells, v)
				}
			}
			before := len(s.buf)
			s.buf = binary.AppendUvarint(s.buf, uint64(len(cells)))
			for _, v := range cells {
				s.buf = appendValue(s.buf, v)
			}
			w.addDataWeight(len(s.buf) - before)
		}
	}

	// Timestamp lists.
	s := w.tsStream
	w.noteRow(s)
	s.buf = binary.AppendUvarint(s.buf, uint64(len(row.WriteTimestamps)))
	for _, ts := range row.WriteTimestamps {
		s.buf = binary.AppendUvarint(s.buf, ts)
	}
	s.buf = binary.AppendUvarint(s.buf, uint64(len(row.DeleteTimestamps)))
	for _, ts := range row.DeleteTimestamps {
		s.buf = binary.AppendUvarint(s.buf, ts)
	}

	w.nextRow++
	return nil
}

func (w *columnarWriter) noteRow(s *columnStream) {
	if s.rowCount == 0 {
		s.startRow = w.nextRow
	}
	s.rowCount++
}

func (w *columnarWriter) maybeFlushLargest() error {
	for {
		largest := w.largestStream()
		if largest == nil {
			return nil
		}
		overBlock := int64(len(largest.buf)) >= w.cfg.BlockSize
		overBudget := w.bufferedBytes() >= w.cfg.MaxBufferSize
		if !overBlock && !overBudget {
			return nil
		}
		if err := w.flushStream(largest); err != nil {
			return err
		}
	}
}

// flushStream emits the stream's buffered rows as one block.
func (w *columnarWriter) flushStream(s *columnStream) error {
	if s.rowCount == 0 {
		return nil
	}
	payload := make([]byte, 0, len(s.buf)+24)
	payload = binary.AppendUvarint(payload, uint64(s.index))
	payload = binary.AppendUvarint(payload, uint64(s.startRow))
	payload = binary.AppendUvarint(payload, uint64(s.rowCount))
	payload = append(payload, s.buf...)

	compressed := compressBlock(payload)
	if err := w.sink.WriteBlock(compressed); err != nil {
		return err
	}
	blockIndex := int32(len(w.blockMetas))
	w.recordBlock(len(payload), len(compressed), s.rowCount, nil)
	w.segments = append(w.segments, chunkmeta.ColumnSegment{
		StreamIndex: int32(s.index),
		BlockIndex:  blockIndex,
		StartRow:    s.startRow,
		RowCount:    s.rowCount,
	})

	s.buf = s.buf[:0]
	s.rowCount = 0
	return nil
}

func (w *columnarWriter) Close() error {
	if w.closed {
		return nil
	}
	for _, s := range w.streams {
		if err := w.flushStream(s); err != nil {
			return err
		}
	}
	w.closed = true
	meta := w.buildMeta(chunkmeta.FormatVersionedColumnar, func(m *chunkmeta.Meta) {
		m.SetExtension(chunkmeta.TagColumnMeta, chunkmeta.EncodeColumnSegments(w.segments))
	})
	return w.sink.Finish(meta)
}

func (w *columnarWriter) DataSize() int64 {
	return w.compressedSize + w.bufferedBytes()
}
