package versioned

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Row and key serialization used inside blocks and in block-meta boundary
// keys. Integers are varints, doubles are 8-byte little-endian, byte
// payloads are length-prefixed.

var ErrCorruptedRow = errors.New("corrupted row data")

func appendValue(buf []byte, v Value) []byte {
	buf = binary.AppendUvarint(buf, uint64(v.ID))
	buf = binary.AppendUvarint(buf, v.Timestamp)
	buf = append(buf, byte(v.Kind))
	switch v.Kind {
	case KindNull:
	case KindInt64:
		buf = binary.AppendVarint(buf, v.Int64)
	case KindUint64:
		buf = binary.AppendUvarint(buf, v.Uint64)
	case KindDouble:
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v.Double))
	case KindBoolean:
		b := byte(0)
		if v.Boolean {
			b = 1
		}
		buf = append(buf, b)
	case KindString, KindAny:
		buf = binary.AppendUvarint(buf, uint64(len(v.Bytes)))
		buf = append(buf, v.Bytes...)
	default:
		panic(fmt.Sprintf("versioned: cannot encode kind %v", v.Kind))
	}
	return buf
}

func consumeValue(data []byte) (Value, []byte, error) {
	var v Value
	id, n := binary.Uvarint(data)
	if n <= 0 {
		return v, nil, fmt.Errorf("%w: value id", ErrCorruptedRow)
	}
	data = data[n:]
	ts, n := binary.Uvarint(data)
	if n <= 0 {
		return v, nil, fmt.Errorf("%w: value timestamp", ErrCorruptedRow)
	}
	data = data[n:]
	if len(data) < 1 {
		return v, nil, fmt.Errorf("%w: value kind", ErrCorruptedRow)
	}
	v.ID = int(id)
	v.Timestamp = ts
	v.Kind = ValueKind(data[0])
	data = data[1:]

	switch v.Kind {
	case KindNull:
	case KindInt64:
		i, n := binary.Varint(data)
		if n <= 0 {
			return v, nil, fmt.Errorf("%w: int64 payload", ErrCorruptedRow)
		}
		v.Int64 = i
		data = data[n:]
	case KindUint64:
		u, n := binary.Uvarint(data)
		if n <= 0 {
			return v, nil, fmt.Errorf("%w: uint64 payload", ErrCorruptedRow)
		}
		v.Uint64 = u
		data = data[n:]
	case KindDouble:
		if len(data) < 8 {
			return v, nil, fmt.Errorf("%w: double payload", ErrCorruptedRow)
		}
		v.Double = math.Float64frombits(binary.LittleEndian.Uint64(data))
		data = data[8:]
	case KindBoolean:
		if len(data) < 1 {
			return v, nil, fmt.Errorf("%w: boolean payload", ErrCorruptedRow)
		}
		v.Boolean = data[0] != 0
		data = data[1:]
	case KindString, KindAny:
		l, n := binary.Uvarint(data)
		if n <= 0 || uint64(len(data)-n) < l {
			return v, nil, fmt.Errorf("%w: bytes payload", ErrCorruptedRow)
		}
		v.Bytes = append([]byte(nil), data[n:n+int(l)]...)
		data = data[n+int(l):]
	default:
		return v, nil, fmt.Errorf("%w: kind %d", ErrCorruptedRow, v.Kind)
	}
	return v, data, nil
}

// EncodeKey serializes a key.
func EncodeKey(k Key) []byte {
	buf := binary.AppendUvarint(nil, uint64(len(k)))
	for _, v := range k {
		buf = appendValue(buf, v)
	}
	return buf
}

// DecodeKey parses a serialized key.
func DecodeKey(data []byte) (Key, error) {
	count, n := binary.Uvarint(data)
	if n <= 0 {
		return nil, fmt.Errorf("%w: key count", ErrCorruptedRow)
	}
	data = data[n:]
	key := make(Key, 0, count)
	for i := uint64(0); i < count; i++ {
		v, rest, err := consumeValue(data)
		if err != nil {
			return nil, err
		}
		key = append(key, v)
		data = rest
	}
	return key, nil
}

func appendRow(buf []byte, row Row) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(row.Keys)))
	for _, v := range row.Keys {
		buf = appendValue(buf, v)
	}
	buf = binary.AppendUvarint(buf, uint64(len(row.WriteTimestamps)))
	for _, ts := range row.WriteTimestamps {
		buf = binary.AppendUvarint(buf, ts)
	}
	buf = binary.AppendUvarint(buf, uint64(len(row.DeleteTimestamps)))
	for _, ts := range row.DeleteTimestamps {
		buf = binary.AppendUvarint(buf, ts)
	}
	buf = binary.AppendUvarint(buf, uint64(len(row.Values)))
	for _, v := range row.Values {
		buf = appendValue(buf, v)
	}
	return buf
}

func consumeRow(data []byte) (Row, []byte, error) {
	var row Row

	keyCount, n := binary.Uvarint(data)
	if n <= 0 {
		return row, nil, fmt.Errorf("%w: key count", ErrCorruptedRow)
	}
	data = data[n:]
	row.Keys = make(Key, 0, keyCount)
	for i := uint64(0); i < keyCount; i++ {
		v, rest, err := consumeValue(data)
		if err != nil {
			return row, nil, err
		}
		row.Keys = append(row.Keys, v)
		data = rest
	}

	consumeTimestamps := func(data []byte) ([]Timestamp, []byte, error) {
		count, n := binary.Uvarint(data)
		if n <= 0 {
			return nil, nil, fmt.Errorf("%w: timestamp count", ErrCorruptedRow)
		}
		data = data[n:]
		var out []Timestamp
		for i := uint64(0); i < count; i++ {
			ts, n := binary.Uvarint(data)
			if n <= 0 {
				return nil, nil, fmt.Errorf("%w: timestamp", ErrCorruptedRow)
			}
			out = append(out, ts)
			data = data[n:]
		}
		return out, data, nil
	}

	var err error
	row.WriteTimestamps, data, err = consumeTimestamps(data)
	if err != nil {
		return row, nil, err
	}
	row.DeleteTimestamps, data, err = consumeTimestamps(data)
	if err != nil {
		return row, nil, err
	}

	valueCount, n := binary.Uvarint(data)
	if n <= 0 {
		return row, nil, fmt.Errorf("%w: value count", ErrCorruptedRow)
	}
	data = data[n:]
	row.Values = make([]Value, 0, valueCount)
	for i := uint64(0); i < valueCount; i++ {
		v, rest, err := consumeValue(data)
		if err != nil {
			return row, nil, err
		}
		row.Values = append(row.Values, v)
		data = rest
	}
	return row, data, nil
}
