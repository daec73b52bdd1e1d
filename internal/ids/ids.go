// Package ids defines the 128-bit object identifiers shared by every
// subsystem: chunks, chunk lists, namespace nodes, transactions and locks.
// An ID embeds an object type tag and a shard index, so the kind and the
// placement of an object are recoverable from the identifier alone.
package ids

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ObjectType tags the kind of object an ID refers to.
type ObjectType uint16

const (
	TypeNull ObjectType = 0

	// Chunk kinds.
	TypeChunk               ObjectType = 100
	TypeChunkList           ObjectType = 101
	TypeErasureChunk        ObjectType = 102
	TypeJournalChunk        ObjectType = 103
	TypeErasureJournalChunk ObjectType = 104

	// Namespace object kinds.
	TypeTransaction ObjectType = 200
	TypeLock        ObjectType = 201

	TypeStringNode   ObjectType = 300
	TypeInt64Node    ObjectType = 301
	TypeDoubleNode   ObjectType = 302
	TypeMapNode      ObjectType = 303
	TypeListNode     ObjectType = 304
	TypeLinkNode     ObjectType = 305
	TypeDocumentNode ObjectType = 306
)

// IsChunk reports whether the type is one of the chunk kinds.
func (t ObjectType) IsChunk() bool {
	switch t {
	case TypeChunk, TypeErasureChunk, TypeJournalChunk, TypeErasureJournalChunk:
		return true
	}
	return false
}

// IsJournal reports whether the type is a journal chunk kind.
func (t ObjectType) IsJournal() bool {
	return t == TypeJournalChunk || t == TypeErasureJournalChunk
}

// IsErasure reports whether the type is an erasure-coded chunk kind.
func (t ObjectType) IsErasure() bool {
	return t == TypeErasureChunk || t == TypeErasureJournalChunk
}

func (t ObjectType) String() string {
	switch t {
	case TypeNull:
		return "null"
	case TypeChunk:
		return "chunk"
	case TypeChunkList:
		return "chunk_list"
	case TypeErasureChunk:
		return "erasure_chunk"
	case TypeJournalChunk:
		return "journal_chunk"
	case TypeErasureJournalChunk:
		return "erasure_journal_chunk"
	case TypeTransaction:
		return "transaction"
	case TypeLock:
		return "lock"
	case TypeStringNode:
		return "string_node"
	case TypeInt64Node:
		return "int64_node"
	case TypeDoubleNode:
		return "double_node"
	case TypeMapNode:
		return "map_node"
	case TypeListNode:
		return "list_node"
	case TypeLinkNode:
		return "link_node"
	case TypeDocumentNode:
		return "document_node"
	default:
		return fmt.Sprintf("unknown(%d)", uint16(t))
	}
}

// ShardCount is the number of shards an ID's low bits can select.
const ShardCount = 64

// ID is a 128-bit object identifier.
//
// Layout (little-endian within each field):
//
//	bytes  0..3   entropy low; the low 6 bits select the shard
//	bytes  4..5   object type tag
//	bytes  6..7   cell tag (reserved, zero for local objects)
//	bytes  8..15  entropy high
type ID [16]byte

// Nil is the zero ID.
var Nil ID

// New generates a fresh ID of the given type with random entropy.
func New(t ObjectType) ID {
	u := uuid.Must(uuid.NewRandom())
	var id ID
	copy(id[0:4], u[0:4])
	binary.LittleEndian.PutUint16(id[4:6], uint16(t))
	// Cell tag stays zero.
	copy(id[8:16], u[8:16])
	return id
}

// NewInShard generates a fresh ID of the given type pinned to a shard.
func NewInShard(t ObjectType, shard int) ID {
	id := New(t)
	id[0] = (id[0] &^ 0x3F) | byte(shard&0x3F)
	return id
}

// Type returns the object type tag embedded in the ID.
func (id ID) Type() ObjectType {
	return ObjectType(binary.LittleEndian.Uint16(id[4:6]))
}

// Shard returns the shard index selected by the ID's low bits.
func (id ID) Shard() int {
	return int(id[0] & 0x3F)
}

// IsNil reports whether the ID is the zero value.
func (id ID) IsNil() bool {
	return id == Nil
}

// Compare orders IDs bytewise. This is the stable comparator used wherever
// iteration order affects replicated state.
func Compare(a, b ID) int {
	return bytes.Compare(a[:], b[:])
}

// String renders the ID as four dash-separated hex quads, low part first.
func (id ID) String() string {
	var sb strings.Builder
	for i := 0; i < 16; i += 4 {
		if i > 0 {
			sb.WriteByte('-')
		}
		sb.WriteString(hex.EncodeToString(id[i : i+4]))
	}
	return sb.String()
}

// Parse parses the String representation back into an ID.
func Parse(value string) (ID, error) {
	parts := strings.Split(value, "-")
	if len(parts) != 4 {
		return Nil, fmt.Errorf("invalid id %q: want 4 quads", value)
	}
	var id ID
	for i, part := range parts {
		b, err := hex.DecodeString(part)
		if err != nil || len(b) != 4 {
			return Nil, fmt.Errorf("invalid id %q: bad quad %d", value, i)
		}
		copy(id[i*4:i*4+4], b)
	}
	return id, nil
}
