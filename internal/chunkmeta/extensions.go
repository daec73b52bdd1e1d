package chunkmeta

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Misc is the miscellaneous extension carried by every confirmed chunk.
type Misc struct {
	RowCount               int64
	UncompressedDataSize   int64
	CompressedDataSize     int64
	DataWeight             int64
	MaxBlockSize           int64
	CompressionCodec       int32
	ValueCount             int64
	SystemBlockCount       int32
	MinTimestamp           int64
	MaxTimestamp           int64
	Sorted                 bool
	UniqueKeys             bool
	Sealed                 bool
	StripedErasure         bool
	Overlayed              bool
	FirstOverlayedRowIndex int64 // -1 when absent
}

const (
	miscRowCount             = 1
	miscUncompressedDataSize = 2
	miscCompressedDataSize   = 3
	miscDataWeight           = 4
	miscMaxBlockSize         = 5
	miscCompressionCodec     = 6
	miscValueCount           = 7
	miscSystemBlockCount     = 8
	miscMinTimestamp         = 9
	miscMaxTimestamp         = 10
	miscSorted               = 11
	miscUniqueKeys           = 12
	miscSealed               = 13
	miscStripedErasure       = 14
	miscOverlayed            = 15
	miscFirstOverlayedRowIdx = 16
)

// Encode serializes the misc extension.
func (m *Misc) Encode() []byte {
	var buf []byte
	appendVarintField := func(num protowire.Number, v uint64) {
		buf = protowire.AppendTag(buf, num, protowire.VarintType)
		buf = protowire.AppendVarint(buf, v)
	}
	appendVarintField(miscRowCount, uint64(m.RowCount))
	appendVarintField(miscUncompressedDataSize, uint64(m.UncompressedDataSize))
	appendVarintField(miscCompressedDataSize, uint64(m.CompressedDataSize))
	appendVarintField(miscDataWeight, uint64(m.DataWeight))
	appendVarintField(miscMaxBlockSize, uint64(m.MaxBlockSize))
	appendVarintField(miscCompressionCodec, uint64(m.CompressionCodec))
	appendVarintField(miscValueCount, uint64(m.ValueCount))
	appendVarintField(miscSystemBlockCount, uint64(m.SystemBlockCount))
	appendVarintField(miscMinTimestamp, uint64(m.MinTimestamp))
	appendVarintField(miscMaxTimestamp, uint64(m.MaxTimestamp))
	appendVarintField(miscSorted, boolBit(m.Sorted))
	appendVarintField(miscUniqueKeys, boolBit(m.UniqueKeys))
	appendVarintField(miscSealed, boolBit(m.Sealed))
	appendVarintField(miscStripedErasure, boolBit(m.StripedErasure))
	appendVarintField(miscOverlayed, boolBit(m.Overlayed))
	if m.FirstOverlayedRowIndex >= 0 {
		appendVarintField(miscFirstOverlayedRowIdx, uint64(m.FirstOverlayedRowIndex))
	}
	return buf
}

func boolBit(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// DecodeMisc parses a misc extension.
func DecodeMisc(data []byte) (*Misc, error) {
	m := &Misc{FirstOverlayedRowIndex: -1}
	err := eachVarintField(data, "misc", func(num protowire.Number, v uint64) {
		switch num {
		case miscRowCount:
			m.RowCount = int64(v)
		case miscUncompressedDataSize:
			m.UncompressedDataSize = int64(v)
		case miscCompressedDataSize:
			m.CompressedDataSize = int64(v)
		case miscDataWeight:
			m.DataWeight = int64(v)
		case miscMaxBlockSize:
			m.MaxBlockSize = int64(v)
		case miscCompressionCodec:
			m.CompressionCodec = int32(v)
		case miscValueCount:
			m.ValueCount = int64(v)
		case miscSystemBlockCount:
			m.SystemBlockCount = int32(v)
		case miscMinTimestamp:
			m.MinTimestamp = int64(v)
		case miscMaxTimestamp:
			m.MaxTimestamp = int64(v)
		case miscSorted:
			m.Sorted = v != 0
		case miscUniqueKeys:
			m.UniqueKeys = v != 0
		case miscSealed:
			m.Sealed = v != 0
		case miscStripedErasure:
			m.StripedErasure = v != 0
		case miscOverlayed:
			m.Overlayed = v != 0
		case miscFirstOverlayedRowIdx:
			m.FirstOverlayedRowIndex = int64(v)
		}
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// GetMisc decodes the misc extension from a meta blob.
func GetMisc(m *Meta) (*Misc, error) {
	data, ok := m.Extension(TagMisc)
	if !ok {
		return nil, ErrMissingMisc
	}
	return DecodeMisc(data)
}

// SetMisc encodes and stores the misc extension.
func SetMisc(m *Meta, misc *Misc) {
	m.SetExtension(TagMisc, misc.Encode())
}

// BlockMeta describes one encoded block.
type BlockMeta struct {
	BlockIndex       int32
	ChunkRowCount    int64 // cumulative row count up to and including this block
	RowCount         int64
	UncompressedSize int64
	CompressedSize   int64
	Offset           int64
	LastKey          []byte // encoded boundary key of the block
}

const (
	blockMetaIndex            = 1
	blockMetaChunkRowCount    = 2
	blockMetaRowCount         = 3
	blockMetaUncompressedSize = 4
	blockMetaCompressedSize   = 5
	blockMetaOffset           = 6
	blockMetaLastKey          = 7

	blockMetaExtBlock = 1
)

func (b *BlockMeta) encode() []byte {
	var buf []byte
	appendVarint := func(num protowire.Number, v uint64) {
		buf = protowire.AppendTag(buf, num, protowire.VarintType)
		buf = protowire.AppendVarint(buf, v)
	}
	appendVarint(blockMetaIndex, uint64(b.BlockIndex))
	appendVarint(blockMetaChunkRowCount, uint64(b.ChunkRowCount))
	appendVarint(blockMetaRowCount, uint64(b.RowCount))
	appendVarint(blockMetaUncompressedSize, uint64(b.UncompressedSize))
	appendVarint(blockMetaCompressedSize, uint64(b.CompressedSize))
	appendVarint(blockMetaOffset, uint64(b.Offset))
	if b.LastKey != nil {
		buf = protowire.AppendTag(buf, blockMetaLastKey, protowire.BytesType)
		buf = protowire.AppendBytes(buf, b.LastKey)
	}
	return buf
}

func decodeBlockMeta(data []byte) (BlockMeta, error) {
	var b BlockMeta
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return b, fmt.Errorf("%w: block meta tag", ErrCorruptedMeta)
		}
		data = data[n:]
		if num == blockMetaLastKey && typ == protowire.BytesType {
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return b, fmt.Errorf("%w: block last key", ErrCorruptedMeta)
			}
			b.LastKey = v
			data = data[n:]
			continue
		}
		if typ != protowire.VarintType {
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return b, fmt.Errorf("%w: block meta field %d", ErrCorruptedMeta, num)
			}
			data = data[n:]
			continue
		}
		v, n := protowire.ConsumeVarint(data)
		if n < 0 {
			return b, fmt.Errorf("%w: block meta varint", ErrCorruptedMeta)
		}
		switch num {
		case blockMetaIndex:
			b.BlockIndex = int32(v)
		case blockMetaChunkRowCount:
			b.ChunkRowCount = int64(v)
		case blockMetaRowCount:
			b.RowCount = int64(v)
		case blockMetaUncompressedSize:
			b.UncompressedSize = int64(v)
		case blockMetaCompressedSize:
			b.CompressedSize = int64(v)
		case blockMetaOffset:
			b.Offset = int64(v)
		}
		data = data[n:]
	}
	return b, nil
}

// EncodeBlockMetas serializes the block meta extension.
func EncodeBlockMetas(blocks []BlockMeta) []byte {
	var buf []byte
	for i := range blocks {
		body := blocks[i].encode()
		buf = protowire.AppendTag(buf, blockMetaExtBlock, protowire.BytesType)
		buf = protowire.AppendBytes(buf, body)
	}
	return buf
}

// DecodeBlockMetas parses the block meta extension.
func DecodeBlockMetas(data []byte) ([]BlockMeta, error) {
	var blocks []BlockMeta
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: block metas tag", ErrCorruptedMeta)
		}
		data = data[n:]
		if num != blockMetaExtBlock {
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("%w: block metas field %d", ErrCorruptedMeta, num)
			}
			data = data[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: block meta body", ErrCorruptedMeta)
		}
		b, err := decodeBlockMeta(v)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
		data = data[n:]
	}
	return blocks, nil
}

// BoundaryKeys is the min/max key extension of a sorted chunk.
type BoundaryKeys struct {
	MinKey []byte
	MaxKey []byte
}

const (
	boundaryMin = 1
	boundaryMax = 2
)

// Encode serializes the boundary keys extension.
func (b *BoundaryKeys) Encode() []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, boundaryMin, protowire.BytesType)
	buf = protowire.AppendBytes(buf, b.MinKey)
	buf = protowire.AppendTag(buf, boundaryMax, protowire.BytesType)
	buf = protowire.AppendBytes(buf, b.MaxKey)
	return buf
}

// DecodeBoundaryKeys parses the boundary keys extension.
func DecodeBoundaryKeys(data []byte) (*BoundaryKeys, error) {
	b := &BoundaryKeys{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: boundary keys tag", ErrCorruptedMeta)
		}
		data = data[n:]
		if typ != protowire.BytesType {
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("%w: boundary keys field %d", ErrCorruptedMeta, num)
			}
			data = data[n:]
			continue
		}
		v, vn := protowire.ConsumeBytes(data)
		if vn < 0 {
			return nil, fmt.Errorf("%w: boundary key value", ErrCorruptedMeta)
		}
		switch num {
		case boundaryMin:
			b.MinKey = v
		case boundaryMax:
			b.MaxKey = v
		}
		data = data[vn:]
	}
	return b, nil
}

// EncodeStringList serializes a list of strings (name table, key columns).
func EncodeStringList(values []string) []byte {
	var buf []byte
	for _, v := range values {
		buf = protowire.AppendTag(buf, 1, protowire.BytesType)
		buf = protowire.AppendString(buf, v)
	}
	return buf
}

// DecodeStringList parses a list of strings.
func DecodeStringList(data []byte) ([]string, error) {
	var out []string
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: string list tag", ErrCorruptedMeta)
		}
		data = data[n:]
		if num != 1 {
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("%w: string list field %d", ErrCorruptedMeta, num)
			}
			data = data[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: string list value", ErrCorruptedMeta)
		}
		out = append(out, string(v))
		data = data[n:]
	}
	return out, nil
}

// EncodeSamples serializes sampled keys.
func EncodeSamples(samples [][]byte) []byte {
	var buf []byte
	for _, s := range samples {
		buf = protowire.AppendTag(buf, 1, protowire.BytesType)
		buf = protowire.AppendBytes(buf, s)
	}
	return buf
}

// DecodeSamples parses sampled keys.
func DecodeSamples(data []byte) ([][]byte, error) {
	var out [][]byte
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: samples tag", ErrCorruptedMeta)
		}
		data = data[n:]
		if num != 1 {
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("%w: samples field %d", ErrCorruptedMeta, num)
			}
			data = data[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: sample value", ErrCorruptedMeta)
		}
		out = append(out, v)
		data = data[n:]
	}
	return out, nil
}

// eachVarintField iterates varint fields, skipping others.
func eachVarintField(data []byte, what string, fn func(num protowire.Number, v uint64)) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("%w: %s tag", ErrCorruptedMeta, what)
		}
		data = data[n:]
		if typ != protowire.VarintType {
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("%w: %s field %d", ErrCorruptedMeta, what, num)
			}
			data = data[n:]
			continue
		}
		v, n := protowire.ConsumeVarint(data)
		if n < 0 {
			return fmt.Errorf("%w: %s varint", ErrCorruptedMeta, what)
		}
		fn(num, v)
		data = data[n:]
	}
	return nil
}

// ColumnSegment locates one column stream segment inside a block.
type ColumnSegment struct {
	StreamIndex int32
	BlockIndex  int32
	StartRow    int64
	RowCount    int64
}

const (
	columnSegStream   = 1
	columnSegBlock    = 2
	columnSegStartRow = 3
	columnSegRowCount = 4

	columnMetaSegment = 1
)

// EncodeColumnSegments serializes the column meta extension.
func EncodeColumnSegments(segments []ColumnSegment) []byte {
	var buf []byte
	for _, s := range segments {
		var body []byte
		body = protowire.AppendTag(body, columnSegStream, protowire.VarintType)
		body = protowire.AppendVarint(body, uint64(s.StreamIndex))
		body = protowire.AppendTag(body, columnSegBlock, protowire.VarintType)
		body = protowire.AppendVarint(body, uint64(s.BlockIndex))
		body = protowire.AppendTag(body, columnSegStartRow, protowire.VarintType)
		body = protowire.AppendVarint(body, uint64(s.StartRow))
		body = protowire.AppendTag(body, columnSegRowCount, protowire.VarintType)
		body = protowire.AppendVarint(body, uint64(s.RowCount))

		buf = protowire.AppendTag(buf, columnMetaSegment, protowire.BytesType)
		buf = protowire.AppendBytes(buf, body)
	}
	return buf
}

// DecodeColumnSegments parses the column meta extension.
func DecodeColumnSegments(data []byte) ([]ColumnSegment, error) {
	var out []ColumnSegment
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: column meta tag", ErrCorruptedMeta)
		}
		data = data[n:]
		if num != columnMetaSegment || typ != protowire.BytesType {
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("%w: column meta field %d", ErrCorruptedMeta, num)
			}
			data = data[n:]
			continue
		}
		body, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: column segment body", ErrCorruptedMeta)
		}
		data = data[n:]

		var seg ColumnSegment
		err := eachVarintField(body, "column segment", func(num protowire.Number, v uint64) {
			switch num {
			case columnSegStream:
				seg.StreamIndex = int32(v)
			case columnSegBlock:
				seg.BlockIndex = int32(v)
			case columnSegStartRow:
				seg.StartRow = int64(v)
			case columnSegRowCount:
				seg.RowCount = int64(v)
			}
		})
		if err != nil {
			return nil, err
		}
		out = append(out, seg)
	}
	return out, nil
}
