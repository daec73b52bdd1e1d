package versioned

import (
	"errors"
	"fmt"
	"testing"

	"grove/internal/chunkmeta"
)

func testSchema() *Schema {
	return &Schema{
		Columns: []Column{
			{Name: "key", Kind: KindInt64},
			{Name: "value", Kind: KindString},
			{Name: "score", Kind: KindInt64},
		},
		KeyColumnCount: 1,
	}
}

func intKey(k int64) Key {
	return Key{{ID: 0, Kind: KindInt64, Int64: k}}
}

func strValue(id int, ts Timestamp, s string) Value {
	return Value{ID: id, Timestamp: ts, Kind: KindString, Bytes: []byte(s)}
}

func intValue(id int, ts Timestamp, v int64) Value {
	return Value{ID: id, Timestamp: ts, Kind: KindInt64, Int64: v}
}

// makeRow builds a row with one value per populated column.
func makeRow(k int64, ts Timestamp, value string) Row {
	return Row{
		Keys:            intKey(k),
		Values:          []Value{strValue(1, ts, value)},
		WriteTimestamps: []Timestamp{ts},
	}
}

func writeChunk(t *testing.T, cfg WriterConfig, rows []Row) *MemoryChunk {
	t.Helper()
	chunk := NewMemoryChunk()
	w, err := NewWriter(cfg, testSchema(), chunk)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if err := w.Write(rows); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	return chunk
}

func readAll(t *testing.T, r Reader) []Row {
	t.Helper()
	var out []Row
	var batch RowBatch
	for r.Read(&batch) {
		out = append(out, batch.Rows...)
	}
	if err := r.Err(); err != nil {
		t.Fatalf("reader error: %v", err)
	}
	return out
}

func manyRows(n int) []Row {
	rows := make([]Row, n)
	for i := range rows {
		rows[i] = makeRow(int64(i), Timestamp(100+i), fmt.Sprintf("value-%04d", i))
	}
	return rows
}

func TestSimpleWriteReadRoundTrip(t *testing.T) {
	rows := manyRows(500)
	chunk := writeChunk(t, WriterConfig{BlockSize: 1024}, rows)
	if chunk.BlockCount() < 2 {
		t.Fatalf("expected several blocks, got %d", chunk.BlockCount())
	}

	r, err := NewRangeReader(chunk, ReadRange{})
	if err != nil {
		t.Fatalf("new reader: %v", err)
	}
	got := readAll(t, r)
	if len(got) != len(rows) {
		t.Fatalf("row count: want %d got %d", len(rows), len(got))
	}
	for i := range rows {
		if CompareKeys(got[i].Keys, rows[i].Keys) != 0 {
			t.Fatalf("row %d key mismatch", i)
		}
		if string(got[i].Values[0].Bytes) != string(rows[i].Values[0].Bytes) {
			t.Fatalf("row %d value mismatch", i)
		}
	}
}

func TestWriterMetaStatistics(t *testing.T) {
	rows := manyRows(100)
	chunk := writeChunk(t, WriterConfig{}, rows)

	misc, err := chunkmeta.GetMisc(chunk.Meta())
	if err != nil {
		t.Fatalf("misc: %v", err)
	}
	if misc.RowCount != 100 || !misc.Sorted || !misc.UniqueKeys {
		t.Fatalf("misc: %+v", misc)
	}
	if misc.MinTimestamp != 100 || misc.MaxTimestamp != 199 {
		t.Fatalf("timestamp bounds: %d..%d", misc.MinTimestamp, misc.MaxTimestamp)
	}
	if !chunk.Meta().HasExtension(chunkmeta.TagBoundaryKeys) {
		t.Fatal("missing boundary keys")
	}
	if !chunk.Meta().HasExtension(chunkmeta.TagSamples) {
		t.Fatal("missing samples")
	}

	samples, err := chunkmeta.DecodeSamples(mustExtension(t, chunk, chunkmeta.TagSamples))
	if err != nil {
		t.Fatalf("samples: %v", err)
	}
	// The first row is always sampled even at rate zero.
	if len(samples) == 0 {
		t.Fatal("no samples recorded")
	}
	first, err := DecodeKey(samples[0])
	if err != nil {
		t.Fatalf("decode sample: %v", err)
	}
	if CompareKeys(first, intKey(0)) != 0 {
		t.Fatalf("first sample is not the first key")
	}
}

func mustExtension(t *testing.T, c *MemoryChunk, tag int) []byte {
	t.Helper()
	data, ok := c.Meta().Extension(tag)
	if !ok {
		t.Fatalf("missing extension %d", tag)
	}
	return data
}

func TestWriterEnforcesKeyOrder(t *testing.T) {
	chunk := NewMemoryChunk()
	w, err := NewWriter(WriterConfig{}, testSchema(), chunk)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if err := w.Write([]Row{makeRow(5, 1, "a")}); err != nil {
		t.Fatalf("write: %v", err)
	}
	err = w.Write([]Row{makeRow(5, 2, "b")})
	if !errors.Is(err, ErrKeyOrder) {
		t.Fatalf("equal key accepted: %v", err)
	}
	err = w.Write([]Row{makeRow(3, 2, "c")})
	if !errors.Is(err, ErrKeyOrder) {
		t.Fatalf("smaller key accepted: %v", err)
	}
}

func TestRangeReaderKeyLimits(t *testing.T) {
	rows := manyRows(200)
	chunk := writeChunk(t, WriterConfig{BlockSize: 512}, rows)

	r, err := NewRangeReader(chunk, ReadRange{
		Lower: ReadLimit{HasKey: true, Key: intKey(50)},
		Upper: ReadLimit{HasKey: true, Key: intKey(60)},
	})
	if err != nil {
		t.Fatalf("new reader: %v", err)
	}
	got := readAll(t, r)
	if len(got) != 10 {
		t.Fatalf("want 10 rows, got %d", len(got))
	}
	if got[0].Keys[0].Int64 != 50 || got[9].Keys[0].Int64 != 59 {
		t.Fatalf("range bounds: %d..%d", got[0].Keys[0].Int64, got[9].Keys[0].Int64)
	}
}

func TestRangeReaderRowIndexLimits(t *testing.T) {
	rows := manyRows(100)
	chunk := writeChunk(t, WriterConfig{BlockSize: 512}, rows)

	r, err := NewRangeReader(chunk, ReadRange{
		Lower: ReadLimit{HasRowIndex: true, RowIndex: 20},
		Upper: ReadLimit{HasRowIndex: true, RowIndex: 30},
	})
	if err != nil {
		t.Fatalf("new reader: %v", err)
	}
	got := readAll(t, r)
	if len(got) != 10 {
		t.Fatalf("want 10 rows, got %d", len(got))
	}
	if got[0].Keys[0].Int64 != 20 {
		t.Fatalf("first row: %d", got[0].Keys[0].Int64)
	}
}

func TestLookupReader(t *testing.T) {
	rows := manyRows(300)
	chunk := writeChunk(t, WriterConfig{BlockSize: 512}, rows)

	keys := []Key{intKey(0), intKey(7), intKey(123), intKey(299), intKey(1000)}
	r, err := NewLookupReader(chunk, keys)
	if err != nil {
		t.Fatalf("new lookup reader: %v", err)
	}
	got := readAll(t, r)
	if len(got) != len(keys) {
		t.Fatalf("want %d rows, got %d", len(keys), len(got))
	}
	for i, k := range keys {
		if CompareKeys(got[i].Keys, k) != 0 {
			t.Fatalf("lookup %d: key mismatch", i)
		}
	}
	// Hits carry values, the miss is a sentinel.
	if len(got[2].Values) != 1 || string(got[2].Values[0].Bytes) != "value-0123" {
		t.Fatalf("lookup hit: %+v", got[2])
	}
	if len(got[4].Values) != 0 || len(got[4].WriteTimestamps) != 0 {
		t.Fatalf("lookup miss should be a sentinel row: %+v", got[4])
	}
}

func TestColumnarWriteReadRoundTrip(t *testing.T) {
	rows := make([]Row, 400)
	for i := range rows {
		rows[i] = Row{
			Keys: intKey(int64(i)),
			Values: []Value{
				strValue(1, Timestamp(10+i), fmt.Sprintf("v%d", i)),
				intValue(2, Timestamp(10+i), int64(i*i)),
			},
			WriteTimestamps: []Timestamp{Timestamp(10 + i)},
		}
	}
	chunk := NewMemoryChunk()
	w, err := NewWriter(WriterConfig{BlockSize: 2048, OptimizeFor: OptimizeForScan}, testSchema(), chunk)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	// Feed in several calls to exercise sub-range processing.
	for i := 0; i < len(rows); i += 97 {
		end := i + 97
		if end > len(rows) {
			end = len(rows)
		}
		if err := w.Write(rows[i:end]); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if chunk.Meta().Format != chunkmeta.FormatVersionedColumnar {
		t.Fatalf("format: %v", chunk.Meta().Format)
	}

	r, err := NewColumnarReader(chunk, ReadRange{})
	if err != nil {
		t.Fatalf("new columnar reader: %v", err)
	}
	got := readAll(t, r)
	if len(got) != len(rows) {
		t.Fatalf("row count: want %d got %d", len(rows), len(got))
	}
	for i := range rows {
		if CompareKeys(got[i].Keys, rows[i].Keys) != 0 {
			t.Fatalf("row %d key mismatch", i)
		}
		if len(got[i].Values) != 2 {
			t.Fatalf("row %d: %d values", i, len(got[i].Values))
		}
		if string(got[i].Values[0].Bytes) != fmt.Sprintf("v%d", i) {
			t.Fatalf("row %d string value mismatch", i)
		}
		if got[i].Values[1].Int64 != int64(i*i) {
			t.Fatalf("row %d int value mismatch", i)
		}
		if len(got[i].WriteTimestamps) != 1 || got[i].WriteTimestamps[0] != Timestamp(10+i) {
			t.Fatalf("row %d timestamps: %v", i, got[i].WriteTimestamps)
		}
	}
}

func TestColumnarReaderKeyRange(t *testing.T) {
	rows := manyRows(100)
	chunk := NewMemoryChunk()
	w, err := NewWriter(WriterConfig{BlockSize: 1024, OptimizeFor: OptimizeForScan}, testSchema(), chunk)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if err := w.Write(rows); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	r, err := NewColumnarReader(chunk, ReadRange{
		Lower: ReadLimit{HasKey: true, Key: intKey(10)},
		Upper: ReadLimit{HasKey: true, Key: intKey(15)},
	})
	if err != nil {
		t.Fatalf("new reader: %v", err)
	}
	got := readAll(t, r)
	if len(got) != 5 {
		t.Fatalf("want 5 rows, got %d", len(got))
	}
}

func mergeAll(t *testing.T, m *Merger) []SchemafulRow {
	t.Helper()
	var out []SchemafulRow
	var batch MergedBatch
	for m.Read(&batch) {
		out = append(out, batch.Rows...)
	}
	if err := m.Err(); err != nil {
		t.Fatalf("merger error: %v", err)
	}
	return out
}

func TestMergerWithDeletes(t *testing.T) {
	// Input A: key 1 written at ts 10. Input B: key 1 deleted at 15 then
	// rewritten at 20. The merge must keep the ts-20 value.
	a := writeChunk(t, WriterConfig{}, []Row{makeRow(1, 10, "a")})
	b := writeChunk(t, WriterConfig{}, []Row{{
		Keys:             intKey(1),
		Values:           []Value{strValue(1, 20, "b")},
		WriteTimestamps:  []Timestamp{20},
		DeleteTimestamps: []Timestamp{15},
	}})

	ra, err := NewRangeReader(a, ReadRange{})
	if err != nil {
		t.Fatalf("reader a: %v", err)
	}
	rb, err := NewRangeReader(b, ReadRange{})
	if err != nil {
		t.Fatalf("reader b: %v", err)
	}

	m := NewMerger([]MergerInput{
		{Reader: ra, BoundaryKey: intKey(1)},
		{Reader: rb, BoundaryKey: intKey(1)},
	})
	got := mergeAll(t, m)
	if len(got) != 1 {
		t.Fatalf("want 1 merged row, got %d", len(got))
	}
	if len(got[0].Values) != 1 || string(got[0].Values[0].Bytes) != "b" {
		t.Fatalf("merged value: %+v", got[0].Values)
	}
}

func TestMergerDeleteDominates(t *testing.T) {
	a := writeChunk(t, WriterConfig{}, []Row{makeRow(1, 10, "a"), makeRow(2, 10, "keep")})
	b := writeChunk(t, WriterConfig{}, []Row{{
		Keys:             intKey(1),
		DeleteTimestamps: []Timestamp{30},
	}})

	ra, _ := NewRangeReader(a, ReadRange{})
	rb, _ := NewRangeReader(b, ReadRange{})
	m := NewMerger([]MergerInput{
		{Reader: ra, BoundaryKey: intKey(1)},
		{Reader: rb, BoundaryKey: intKey(1)},
	})
	got := mergeAll(t, m)
	if len(got) != 1 {
		t.Fatalf("deleted key leaked: %d rows", len(got))
	}
	if got[0].Keys[0].Int64 != 2 {
		t.Fatalf("surviving key: %d", got[0].Keys[0].Int64)
	}
}

func TestMergerLatestTimestampWins(t *testing.T) {
	// Timestamps t1 < t2 < d < t3 for one key spread over three inputs:
	// the merged value is the one written at t3.
	mk := func(ts Timestamp, v string, del ...Timestamp) *MemoryChunk {
		row := Row{Keys: intKey(7)}
		if v != "" {
			row.Values = []Value{strValue(1, ts, v)}
			row.WriteTimestamps = []Timestamp{ts}
		}
		row.DeleteTimestamps = del
		return writeChunk(t, WriterConfig{}, []Row{row})
	}
	c1 := mk(10, "t1")
	c2 := mk(20, "t2")
	c3 := mk(40, "t3", 30)

	var inputs []MergerInput
	for _, c := range []*MemoryChunk{c1, c2, c3} {
		r, err := NewRangeReader(c, ReadRange{})
		if err != nil {
			t.Fatalf("reader: %v", err)
		}
		inputs = append(inputs, MergerInput{Reader: r, BoundaryKey: intKey(7)})
	}
	got := mergeAll(t, NewMerger(inputs))
	if len(got) != 1 || string(got[0].Values[0].Bytes) != "t3" {
		t.Fatalf("merge: %+v", got)
	}
}

func TestMergerStrictlyIncreasingOutput(t *testing.T) {
	a := writeChunk(t, WriterConfig{BlockSize: 256}, manyRows(50))
	var oddRows []Row
	for i := 1; i < 100; i += 2 {
		oddRows = append(oddRows, makeRow(int64(i), Timestamp(1000+i), fmt.Sprintf("odd-%d", i)))
	}
	b := writeChunk(t, WriterConfig{BlockSize: 256}, oddRows)

	ra, _ := NewRangeReader(a, ReadRange{})
	rb, _ := NewRangeReader(b, ReadRange{})
	m := NewMerger([]MergerInput{
		{Reader: ra, BoundaryKey: intKey(0)},
		{Reader: rb, BoundaryKey: intKey(1)},
	})
	got := mergeAll(t, m)
	for i := 1; i < len(got); i++ {
		if CompareKeys(got[i-1].Keys, got[i].Keys) >= 0 {
			t.Fatalf("output keys not strictly increasing at %d", i)
		}
	}
	// Keys 0..49 from a, odd keys 51..99 only from b: 50 + 25.
	if len(got) != 75 {
		t.Fatalf("merged row count: want 75 got %d", len(got))
	}
	// Overlapping odd keys below 50 take the newer (ts 1000+) value.
	for _, row := range got {
		k := row.Keys[0].Int64
		if k < 50 && k%2 == 1 {
			if string(row.Values[0].Bytes) != fmt.Sprintf("odd-%d", k) {
				t.Fatalf("key %d: expected newer value, got %q", k, row.Values[0].Bytes)
			}
		}
	}
}

func TestMergerUnreadDescriptors(t *testing.T) {
	a := writeChunk(t, WriterConfig{}, manyRows(300))
	ra, _ := NewRangeReader(a, ReadRange{})
	m := NewMerger([]MergerInput{{Reader: ra, BoundaryKey: intKey(0)}})

	var batch MergedBatch
	if !m.Read(&batch) || len(batch.Rows) == 0 {
		t.Fatal("first read empty")
	}
	last := batch.Rows[len(batch.Rows)-1].Keys

	descs := m.UnreadDescriptors()
	if len(descs) == 0 || !descs[0].Range.Lower.HasKey {
		t.Fatalf("descriptors: %+v", descs)
	}
	resume := descs[0].Range.Lower.Key
	if CompareKeys(resume, last) <= 0 {
		t.Fatal("resume key does not follow the last emitted key")
	}
	// Nothing strictly between last and its successor.
	next := Key{{ID: 0, Kind: KindInt64, Int64: last[0].Int64 + 1}}
	if CompareKeys(resume, next) >= 0 {
		t.Fatal("successor key overshoots the next real key")
	}
}
