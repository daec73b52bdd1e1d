package changelog

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// On-disk layout.
//
// Data file:
//
//	[header{signature u64, metaSize u32, sealedRecordCount u32}]
//	[meta, padded to 8]
//	[record{recordID u32, dataSize u32, checksum u64} payload-padded-to-8]*
//
// Index file:
//
//	[header{signature u64, indexRecordCount u32, padding u32}]
//	[entry{recordID u32, padding u32, filePosition u64}]*
//
// All integers are little-endian. Checksums are xxhash64 over the unpadded
// payload. Record payloads and the meta blob are padded to 8-byte alignment
// so record headers always start aligned.
const (
	// DataSignature spells "YTCD0003" when read as little-endian bytes.
	DataSignature uint64 = 0x3330303044435459
	// IndexSignature spells "YTCI0003".
	IndexSignature uint64 = 0x3330303049435459

	// UnsealedRecordCount is the sealedRecordCount sentinel of an open log.
	UnsealedRecordCount uint32 = 0xFFFFFFFF

	dataHeaderSize   = 16
	indexHeaderSize  = 16
	recordHeaderSize = 16
	indexEntrySize   = 16

	alignment = 8
)

func alignUp(n int64) int64 {
	return (n + alignment - 1) &^ (alignment - 1)
}

type dataHeader struct {
	signature         uint64
	metaSize          uint32
	sealedRecordCount uint32
}

func encodeDataHeader(h dataHeader) [dataHeaderSize]byte {
	var buf [dataHeaderSize]byte
	binary.LittleEndian.PutUint64(buf[0:8], h.signature)
	binary.LittleEndian.PutUint32(buf[8:12], h.metaSize)
	binary.LittleEndian.PutUint32(buf[12:16], h.sealedRecordCount)
	return buf
}

func decodeDataHeader(buf []byte) dataHeader {
	return dataHeader{
		signature:         binary.LittleEndian.Uint64(buf[0:8]),
		metaSize:          binary.LittleEndian.Uint32(buf[8:12]),
		sealedRecordCount: binary.LittleEndian.Uint32(buf[12:16]),
	}
}

type indexHeader struct {
	signature   uint64
	recordCount uint32
}

func encodeIndexHeader(h indexHeader) [indexHeaderSize]byte {
	var buf [indexHeaderSize]byte
	binary.LittleEndian.PutUint64(buf[0:8], h.signature)
	binary.LittleEndian.PutUint32(buf[8:12], h.recordCount)
	return buf
}

func decodeIndexHeader(buf []byte) indexHeader {
	return indexHeader{
		signature:   binary.LittleEndian.Uint64(buf[0:8]),
		recordCount: binary.LittleEndian.Uint32(buf[8:12]),
	}
}

type recordHeader struct {
	recordID uint32
	dataSize uint32
	checksum uint64
}

func encodeRecordHeader(h recordHeader) [recordHeaderSize]byte {
	var buf [recordHeaderSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], h.recordID)
	binary.LittleEndian.PutUint32(buf[4:8], h.dataSize)
	binary.LittleEndian.PutUint64(buf[8:16], h.checksum)
	return buf
}

func decodeRecordHeader(buf []byte) recordHeader {
	return recordHeader{
		recordID: binary.LittleEndian.Uint32(buf[0:4]),
		dataSize: binary.LittleEndian.Uint32(buf[4:8]),
		checksum: binary.LittleEndian.Uint64(buf[8:16]),
	}
}

// indexEntry maps a record id to its byte position in the data file.
type indexEntry struct {
	recordID     uint32
	filePosition int64
}

func encodeIndexEntry(e indexEntry) [indexEntrySize]byte {
	var buf [indexEntrySize]byte
	binary.LittleEndian.PutUint32(buf[0:4], e.recordID)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(e.filePosition))
	return buf
}

func decodeIndexEntry(buf []byte) indexEntry {
	return indexEntry{
		recordID:     binary.LittleEndian.Uint32(buf[0:4]),
		filePosition: int64(binary.LittleEndian.Uint64(buf[8:16])),
	}
}

func checksum(payload []byte) uint64 {
	return xxhash.Sum64(payload)
}
