// Package versioned implements the versioned table chunk formats: sorted
// rows carrying multiple timestamped values per key, encoded into compressed
// blocks in either a row-wise or a column-wise physical layout, plus the
// overlapping-range merger that combines several chunk readers into one
// schemaful stream.
package versioned

import (
	"bytes"
	"errors"
	"fmt"
)

// ValueKind enumerates the typed value kinds a column can hold.
type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindInt64
	KindUint64
	KindDouble
	KindBoolean
	KindString
	KindAny
)

func (k ValueKind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindInt64:
		return "int64"
	case KindUint64:
		return "uint64"
	case KindDouble:
		return "double"
	case KindBoolean:
		return "boolean"
	case KindString:
		return "string"
	case KindAny:
		return "any"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Timestamp orders versions of a value. Larger is newer.
type Timestamp = uint64

// NullTimestamp is the absent timestamp.
const NullTimestamp Timestamp = 0

// MaxTimestamp reads "latest committed version".
const MaxTimestamp Timestamp = ^Timestamp(0)

// Value is one typed cell. ID is the column id in the reader's name table;
// Timestamp is set on versioned (non-key) values.
type Value struct {
	ID        int
	Timestamp Timestamp
	Kind      ValueKind

	// Exactly one of the following carries the payload, per Kind.
	Int64   int64
	Uint64  uint64
	Double  float64
	Boolean bool
	Bytes   []byte // string and any payloads
}

// Key is the key prefix of a row.
type Key []Value

// Row is one versioned row: a key prefix, an unordered list of timestamped
// values and the row's write/delete timestamp lists (descending).
type Row struct {
	Keys             Key
	Values           []Value
	WriteTimestamps  []Timestamp
	DeleteTimestamps []Timestamp
}

var (
	ErrKeyOrder        = errors.New("keys are not strictly increasing")
	ErrTooManyVersions = errors.New("too many timestamps per row")
	ErrSchemaViolation = errors.New("row does not match schema")
)

// MaxTimestampCountPerRow bounds the write and delete timestamp lists.
const MaxTimestampCountPerRow = 1<<16 - 1

// CompareValues orders two typed values. Null sorts before everything;
// values of different kinds order by kind tag (the schema makes mixed kinds
// per column impossible in well-formed data).
func CompareValues(a, b Value) int {
	if a.Kind == KindNull || b.Kind == KindNull {
		switch {
		case a.Kind == KindNull && b.Kind == KindNull:
			return 0
		case a.Kind == KindNull:
			return -1
		default:
			return 1
		}
	}
	if a.Kind != b.Kind {
		return int(a.Kind) - int(b.Kind)
	}
	switch a.Kind {
	case KindInt64:
		switch {
		case a.Int64 < b.Int64:
			return -1
		case a.Int64 > b.Int64:
			return 1
		}
		return 0
	case KindUint64:
		switch {
		case a.Uint64 < b.Uint64:
			return -1
		case a.Uint64 > b.Uint64:
			return 1
		}
		return 0
	case KindDouble:
		switch {
		case a.Double < b.Double:
			return -1
		case a.Double > b.Double:
			return 1
		}
		return 0
	case KindBoolean:
		switch {
		case !a.Boolean && b.Boolean:
			return -1
		case a.Boolean && !b.Boolean:
			return 1
		}
		return 0
	case KindString, KindAny:
		return bytes.Compare(a.Bytes, b.Bytes)
	default:
		panic(fmt.Sprintf("versioned: uncomparable kind %v", a.Kind))
	}
}

// CompareKeys orders two keys lexicographically by column. A shorter key
// that is a prefix of a longer one sorts first.
func CompareKeys(a, b Key) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if c := CompareValues(a[i], b[i]); c != 0 {
			return c
		}
	}
	return len(a) - len(b)
}

// CloneKey deep-copies a key.
func CloneKey(k Key) Key {
	out := make(Key, len(k))
	for i, v := range k {
		out[i] = v
		if v.Bytes != nil {
			out[i].Bytes = append([]byte(nil), v.Bytes...)
		}
	}
	return out
}

// SchemafulRow is a merged row: one value per column, no version lists.
type SchemafulRow struct {
	Keys   Key
	Values []Value
}

// RowBatch is the reusable buffer readers fill.
type RowBatch struct {
	Rows []Row
}

// Reset empties the batch, keeping capacity.
func (b *RowBatch) Reset() {
	b.Rows = b.Rows[:0]
}

// ReadLimit bounds a read range on one side. Zero value means unbounded.
type ReadLimit struct {
	HasRowIndex bool
	RowIndex    int64

	HasKey bool
	Key    Key
}

// ReadRange is a [lower, upper) read range.
type ReadRange struct {
	Lower ReadLimit
	Upper ReadLimit
}

// DataSliceDescriptor identifies an unread suffix of a read range so an
// interrupted read can be resumed point-exactly.
type DataSliceDescriptor struct {
	Range    ReadRange
	RowCount int64
}
