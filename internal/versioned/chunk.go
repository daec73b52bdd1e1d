package versioned

import (
	"errors"
	"fmt"

	"grove/internal/chunkmeta"
)

// ChunkSink receives the encoded blocks of one chunk and, at close, its
// meta. The byte-addressable store behind it is a collaborator; writers only
// see this interface.
type ChunkSink interface {
	WriteBlock(compressed []byte) error
	Finish(meta *chunkmeta.Meta) error
}

// BlockSource serves the encoded blocks of one chunk to readers.
type BlockSource interface {
	Meta() *chunkmeta.Meta
	Block(index int) ([]byte, error)
}

var ErrNoSuchBlock = errors.New("no such block")

// MemoryChunk buffers a whole chunk in memory. It implements both ChunkSink
// and BlockSource and is the unit-test double for the object store.
type MemoryChunk struct {
	blocks [][]byte
	meta   *chunkmeta.Meta
}

// NewMemoryChunk creates an empty in-memory chunk.
func NewMemoryChunk() *MemoryChunk {
	return &MemoryChunk{}
}

func (c *MemoryChunk) WriteBlock(compressed []byte) error {
	buf := append([]byte(nil), compressed...)
	c.blocks = append(c.blocks, buf)
	return nil
}

func (c *MemoryChunk) Finish(meta *chunkmeta.Meta) error {
	if c.meta != nil {
		return errors.New("chunk already finished")
	}
	c.meta = meta
	return nil
}

func (c *MemoryChunk) Meta() *chunkmeta.Meta {
	return c.meta
}

func (c *MemoryChunk) Block(index int) ([]byte, error) {
	if index < 0 || index >= len(c.blocks) {
		return nil, fmt.Errorf("%w: %d of %d", ErrNoSuchBlock, index, len(c.blocks))
	}
	return c.blocks[index], nil
}

// BlockCount returns the number of written blocks.
func (c *MemoryChunk) BlockCount() int {
	return len(c.blocks)
}
