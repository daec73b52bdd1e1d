package versioned

import (
	"fmt"
	"math/rand"

	"grove/internal/chunkmeta"
)

// OptimizeFor selects the physical chunk layout.
type OptimizeFor int

const (
	// OptimizeForLookup selects the row-wise ("simple") layout.
	OptimizeForLookup OptimizeFor = iota
	// OptimizeForScan selects the column-wise layout.
	OptimizeForScan
)

// WriterConfig configures a chunk writer. Zero values get defaults.
type WriterConfig struct {
	BlockSize     int64
	MaxBufferSize int64

	// SampleRate is the per-row key sampling probability. The first row of a
	// chunk is always sampled.
	SampleRate float64
	SampleSeed int64

	OptimizeFor OptimizeFor
}

func (c *WriterConfig) applyDefaults() {
	if c.BlockSize <= 0 {
		c.BlockSize = 256 << 10
	}
	if c.MaxBufferSize <= 0 {
		c.MaxBufferSize = 16 << 20
	}
	if c.SampleRate < 0 {
		c.SampleRate = 0
	}
}

// Writer encodes a sorted stream of versioned rows into chunk blocks.
// Keys must be strictly increasing across and within Write calls.
type Writer interface {
	Write(rows []Row) error
	Close() error

	// DataSize returns compressed bytes written so far plus the current
	// in-memory buffer; multi-chunk writers use it to decide when to roll.
	DataSize() int64
	// MetaSize returns the accumulated block-meta and sample byte count.
	MetaSize() int64
	RowCount() int64
}

// NewWriter creates a writer for the configured layout.
func NewWriter(cfg WriterConfig, schema *Schema, sink ChunkSink) (Writer, error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	base := writerBase{
		cfg:          cfg,
		schema:       schema,
		sink:         sink,
		rng:          rand.New(rand.NewSource(cfg.SampleSeed)),
		minTimestamp: MaxTimestamp,
	}
	switch cfg.OptimizeFor {
	case OptimizeForLookup:
		return &simpleWriter{writerBase: base}, nil
	case OptimizeForScan:
		return newColumnarWriter(base), nil
	default:
		return nil, fmt.Errorf("unknown layout %d", cfg.OptimizeFor)
	}
}

// writerBase carries the contract shared by both layouts: key ordering,
// sampling, boundary keys and misc statistics.
type writerBase struct {
	cfg    WriterConfig
	schema *Schema
	sink   ChunkSink
	rng    *rand.Rand

	rowCount       int64
	dataWeight     int64
	compressedSize int64
	uncompressed   int64
	maxBlockSize   int64
	minTimestamp   Timestamp
	maxTimestamp   Timestamp

	firstKey Key
	lastKey  Key

	blockMetas []chunkmeta.BlockMeta
	samples    [][]byte
	metaSize   int64

	closed bool
}

// acceptRow validates ordering and schema, updates statistics and sampling.
func (w *writerBase) acceptRow(row Row) error {
	if err := w.schema.validateRow(row); err != nil {
		return err
	}
	if w.lastKey != nil && CompareKeys(w.lastKey, row.Keys) >= 0 {
		return fmt.Errorf("%w: %v then %v", ErrKeyOrder, w.lastKey, row.Keys)
	}
	if w.firstKey == nil {
		w.firstKey = CloneKey(row.Keys)
	}
	w.lastKey = CloneKey(row.Keys)

	for _, ts := range row.WriteTimestamps {
		if ts < w.minTimestamp {
			w.minTimestamp = ts
		}
		if ts > w.maxTimestamp {
			w.maxTimestamp = ts
		}
	}
	for _, ts := range row.DeleteTimestamps {
		if ts < w.minTimestamp {
			w.minTimestamp = ts
		}
		if ts > w.maxTimestamp {
			w.maxTimestamp = ts
		}
	}

	// The first row is always sampled.
	if w.rowCount == 0 || (w.cfg.SampleRate > 0 && w.rng.Float64() < w.cfg.SampleRate) {
		sample := EncodeKey(row.Keys)
		w.samples = append(w.samples, sample)
		w.metaSize += int64(len(sample))
	}

	w.rowCount++
	return nil
}

func (w *writerBase) addDataWeight(encodedLen int) {
	w.dataWeight += int64(encodedLen) + 1
}

// recordBlock registers a flushed block's meta.
func (w *writerBase) recordBlock(uncompressedLen, compressedLen int, rowCount int64, lastKey Key) {
	meta := chunkmeta.BlockMeta{
		BlockIndex:       int32(len(w.blockMetas)),
		ChunkRowCount:    w.rowCount,
		RowCount:         rowCount,
		UncompressedSize: int64(uncompressedLen),
		CompressedSize:   int64(compressedLen),
		Offset:           w.compressedSize,
	}
	if lastKey != nil {
		meta.LastKey = EncodeKey(lastKey)
	}
	w.blockMetas = append(w.blockMetas, meta)
	w.compressedSize += int64(compressedLen)
	w.uncompressed += int64(uncompressedLen)
	if int64(uncompressedLen) > w.maxBlockSize {
		w.maxBlockSize = int64(uncompressedLen)
	}
	w.metaSize += int64(len(meta.LastKey)) + 48
}

// buildMeta assembles the terminal chunk meta.
func (w *writerBase) buildMeta(format chunkmeta.Format, extra func(*chunkmeta.Meta)) *chunkmeta.Meta {
	meta := chunkmeta.New(chunkmeta.TypeTable, format)
	minTS := w.minTimestamp
	if w.rowCount == 0 || minTS == MaxTimestamp {
		minTS = NullTimestamp
	}
	chunkmeta.SetMisc(meta, &chunkmeta.Misc{
		RowCount:               w.rowCount,
		UncompressedDataSize:   w.uncompressed,
		CompressedDataSize:     w.compressedSize,
		DataWeight:             w.dataWeight,
		MaxBlockSize:           w.maxBlockSize,
		MinTimestamp:           int64(minTS),
		MaxTimestamp:           int64(w.maxTimestamp),
		Sorted:                 true,
		UniqueKeys:             true,
		FirstOverlayedRowIndex: -1,
	})
	meta.SetExtension(chunkmeta.TagBlockMeta, chunkmeta.EncodeBlockMetas(w.blockMetas))
	meta.SetExtension(chunkmeta.TagNameTable, chunkmeta.EncodeStringList(w.schema.ColumnNames()))
	meta.SetExtension(chunkmeta.TagKeyColumns, chunkmeta.EncodeStringList(w.schema.KeyColumns()))
	meta.SetExtension(chunkmeta.TagSamples, chunkmeta.EncodeSamples(w.samples))
	if w.firstKey != nil {
		boundary := chunkmeta.BoundaryKeys{
			MinKey: EncodeKey(w.firstKey),
			MaxKey: EncodeKey(w.lastKey),
		}
		meta.SetExtension(chunkmeta.TagBoundaryKeys, boundary.Encode())
	}
	if extra != nil {
		extra(meta)
	}
	return meta
}

func (w *writerBase) MetaSize() int64 { return w.metaSize }
func (w *writerBase) RowCount() int64 { return w.rowCount }

// simpleWriter is the row-wise layout: whole rows appended to one block
// buffer, flushed when the buffer exceeds the block size.
type simpleWriter struct {
	writerBase

	blockBuf      []byte
	blockRowCount int64
}

func (w *simpleWriter) Write(rows []Row) error {
	if w.closed {
		return fmt.Errorf("writer is closed")
	}
	for _, row := range rows {
		if err := w.acceptRow(row); err != nil {
			return err
		}
		before := len(w.blockBuf)
		w.blockBuf = appendRow(w.blockBuf, row)
		w.addDataWeight(len(w.blockBuf) - before)
		w.blockRowCount++

		if int64(len(w.blockBuf)) >= w.cfg.BlockSize {
			if err := w.flushBlock(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *simpleWriter) flushBlock() error {
	if w.blockRowCount == 0 {
		return nil
	}
	compressed := compressBlock(w.blockBuf)
	if err := w.sink.WriteBlock(compressed); err != nil {
		return err
	}
	w.recordBlock(len(w.blockBuf), len(compressed), w.blockRowCount, w.lastKey)
	w.blockBuf = w.blockBuf[:0]
	w.blockRowCount = 0
	return nil
}

func (w *simpleWriter) Close() error {
	if w.closed {
		return nil
	}
	if err := w.flushBlock(); err != nil {
		return err
	}
	w.closed = true
	return w.sink.Finish(w.buildMeta(chunkmeta.FormatVersionedSimple, nil))
}

func (w *simpleWriter) DataSize() int64 {
	return w.compressedSize + int64(len(w.blockBuf))
}
