package versioned

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
)

// Block framing: [uncompressedSize u32][checksum u64][zstd frame].
// The checksum covers the uncompressed payload, so corruption introduced by
// either the store or the codec is caught after decompression.
const blockFrameHeaderSize = 12

var (
	zstdEncoderOnce sync.Once
	zstdEncoder     *zstd.Encoder
	zstdDecoderOnce sync.Once
	zstdDecoder     *zstd.Decoder
)

func blockEncoder() *zstd.Encoder {
	zstdEncoderOnce.Do(func() {
		var err error
		zstdEncoder, err = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.SpeedDefault),
			zstd.WithEncoderConcurrency(1),
		)
		if err != nil {
			panic(fmt.Sprintf("versioned: create zstd encoder: %v", err))
		}
	})
	return zstdEncoder
}

func blockDecoder() *zstd.Decoder {
	zstdDecoderOnce.Do(func() {
		var err error
		zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		if err != nil {
			panic(fmt.Sprintf("versioned: create zstd decoder: %v", err))
		}
	})
	return zstdDecoder
}

// compressBlock frames and compresses a block payload.
func compressBlock(payload []byte) []byte {
	frame := make([]byte, blockFrameHeaderSize, blockFrameHeaderSize+len(payload)/2+64)
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint64(frame[4:12], xxhash.Sum64(payload))
	return blockEncoder().EncodeAll(payload, frame)
}

// decompressBlock unframes and decompresses a block, validating the
// checksum.
func decompressBlock(frame []byte) ([]byte, error) {
	if len(frame) < blockFrameHeaderSize {
		return nil, fmt.Errorf("block frame too short: %d bytes", len(frame))
	}
	uncompressedSize := binary.LittleEndian.Uint32(frame[0:4])
	sum := binary.LittleEndian.Uint64(frame[4:12])
	payload, err := blockDecoder().DecodeAll(frame[blockFrameHeaderSize:], make([]byte, 0, uncompressedSize))
	if err != nil {
		return nil, fmt.Errorf("decompress block: %w", err)
	}
	if uint32(len(payload)) != uncompressedSize {
		return nil, fmt.Errorf("block size mismatch: want %d got %d", uncompressedSize, len(payload))
	}
	if xxhash.Sum64(payload) != sum {
		return nil, fmt.Errorf("block checksum mismatch")
	}
	return payload, nil
}
