// Package chunkmeta defines the immutable structured blob attached to every
// chunk: a type/format pair plus a set of extensions keyed by integer tag.
// The blob and each extension are encoded with the protobuf wire format so
// unknown extensions pass through untouched.
package chunkmeta

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Type distinguishes the chunk's payload family.
type Type int32

const (
	TypeUnknown Type = 0
	TypeTable   Type = 1
	TypeJournal Type = 2
)

// Format identifies the physical block layout of a table chunk.
type Format int32

const (
	FormatNone                 Format = 0
	FormatSchemalessHorizontal Format = 1
	FormatUnversionedColumnar  Format = 2
	FormatVersionedSimple      Format = 3
	FormatVersionedColumnar    Format = 4
)

// Extension tags.
const (
	TagMisc         = 1
	TagTableSchema  = 2
	TagNameTable    = 3
	TagBlockMeta    = 4
	TagColumnMeta   = 5
	TagBoundaryKeys = 6
	TagSamples      = 7
	TagKeyColumns   = 8
)

var (
	ErrCorruptedMeta   = errors.New("corrupted chunk meta")
	ErrMissingMisc     = errors.New("chunk meta carries no misc extension")
	ErrUnknownEncoding = errors.New("unknown chunk meta encoding")
)

// Meta is the decoded chunk meta blob.
type Meta struct {
	Type   Type
	Format Format

	extensions map[int][]byte
}

// New creates an empty Meta of the given type and format.
func New(t Type, f Format) *Meta {
	return &Meta{Type: t, Format: f, extensions: make(map[int][]byte)}
}

// SetExtension stores raw extension bytes under a tag.
func (m *Meta) SetExtension(tag int, data []byte) {
	if m.extensions == nil {
		m.extensions = make(map[int][]byte)
	}
	m.extensions[tag] = data
}

// Extension returns the raw extension bytes under a tag.
func (m *Meta) Extension(tag int) ([]byte, bool) {
	data, ok := m.extensions[tag]
	return data, ok
}

// HasExtension reports whether a tag is present.
func (m *Meta) HasExtension(tag int) bool {
	_, ok := m.extensions[tag]
	return ok
}

// Wire field numbers of the envelope.
const (
	fieldType      = 1
	fieldFormat    = 2
	fieldExtension = 3

	extFieldTag  = 1
	extFieldData = 2
)

// Encode serializes the meta envelope.
func (m *Meta) Encode() []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, fieldType, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(m.Type))
	buf = protowire.AppendTag(buf, fieldFormat, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(m.Format))

	// Deterministic extension order.
	for tag := 0; tag <= maxTag(m.extensions); tag++ {
		data, ok := m.extensions[tag]
		if !ok {
			continue
		}
		var ext []byte
		ext = protowire.AppendTag(ext, extFieldTag, protowire.VarintType)
		ext = protowire.AppendVarint(ext, uint64(tag))
		ext = protowire.AppendTag(ext, extFieldData, protowire.BytesType)
		ext = protowire.AppendBytes(ext, data)

		buf = protowire.AppendTag(buf, fieldExtension, protowire.BytesType)
		buf = protowire.AppendBytes(buf, ext)
	}
	return buf
}

func maxTag(extensions map[int][]byte) int {
	max := -1
	for tag := range extensions {
		if tag > max {
			max = tag
		}
	}
	return max
}

// Decode parses a meta envelope.
func Decode(data []byte) (*Meta, error) {
	m := &Meta{extensions: make(map[int][]byte)}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: tag", ErrCorruptedMeta)
		}
		data = data[n:]
		switch num {
		case fieldType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: type", ErrCorruptedMeta)
			}
			m.Type = Type(v)
			data = data[n:]
		case fieldFormat:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: format", ErrCorruptedMeta)
			}
			m.Format = Format(v)
			data = data[n:]
		case fieldExtension:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: extension", ErrCorruptedMeta)
			}
			tag, extData, err := decodeExtension(v)
			if err != nil {
				return nil, err
			}
			m.extensions[tag] = extData
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d", ErrCorruptedMeta, num)
			}
			data = data[n:]
		}
	}
	return m, nil
}

func decodeExtension(data []byte) (int, []byte, error) {
	var tag int
	var extData []byte
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return 0, nil, fmt.Errorf("%w: extension tag", ErrCorruptedMeta)
		}
		data = data[n:]
		switch num {
		case extFieldTag:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return 0, nil, fmt.Errorf("%w: extension tag value", ErrCorruptedMeta)
			}
			tag = int(v)
			data = data[n:]
		case extFieldData:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return 0, nil, fmt.Errorf("%w: extension data", ErrCorruptedMeta)
			}
			extData = v
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return 0, nil, fmt.Errorf("%w: extension field %d", ErrCorruptedMeta, num)
			}
			data = data[n:]
		}
	}
	return tag, extData, nil
}
