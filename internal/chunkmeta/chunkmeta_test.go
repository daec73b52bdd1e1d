package chunkmeta

import (
	"bytes"
	"errors"
	"reflect"
	"testing"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	m := New(TypeTable, FormatVersionedSimple)
	SetMisc(m, &Misc{
		RowCount:               1234,
		UncompressedDataSize:   1 << 20,
		CompressedDataSize:     1 << 18,
		DataWeight:             999,
		MaxBlockSize:           4096,
		Sorted:                 true,
		UniqueKeys:             true,
		MinTimestamp:           100,
		MaxTimestamp:           900,
		FirstOverlayedRowIndex: -1,
	})
	m.SetExtension(TagNameTable, EncodeStringList([]string{"k", "v"}))

	decoded, err := Decode(m.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Type != TypeTable || decoded.Format != FormatVersionedSimple {
		t.Fatalf("envelope: got %v/%v", decoded.Type, decoded.Format)
	}

	misc, err := GetMisc(decoded)
	if err != nil {
		t.Fatalf("get misc: %v", err)
	}
	if misc.RowCount != 1234 || !misc.Sorted || !misc.UniqueKeys || misc.MaxTimestamp != 900 {
		t.Fatalf("misc round trip: %+v", misc)
	}
	if misc.FirstOverlayedRowIndex != -1 {
		t.Fatalf("absent overlay index should decode as -1, got %d", misc.FirstOverlayedRowIndex)
	}

	names, err := DecodeStringList(mustExt(t, decoded, TagNameTable))
	if err != nil {
		t.Fatalf("name table: %v", err)
	}
	if !reflect.DeepEqual(names, []string{"k", "v"}) {
		t.Fatalf("name table: %v", names)
	}
}

func mustExt(t *testing.T, m *Meta, tag int) []byte {
	t.Helper()
	data, ok := m.Extension(tag)
	if !ok {
		t.Fatalf("missing extension %d", tag)
	}
	return data
}

func TestMissingMisc(t *testing.T) {
	m := New(TypeJournal, FormatNone)
	decoded, err := Decode(m.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, err := GetMisc(decoded); !errors.Is(err, ErrMissingMisc) {
		t.Fatalf("want ErrMissingMisc, got %v", err)
	}
}

func TestBlockMetasRoundTrip(t *testing.T) {
	blocks := []BlockMeta{
		{BlockIndex: 0, ChunkRowCount: 10, RowCount: 10, UncompressedSize: 100, CompressedSize: 60, Offset: 0, LastKey: []byte("key-a")},
		{BlockIndex: 1, ChunkRowCount: 25, RowCount: 15, UncompressedSize: 150, CompressedSize: 80, Offset: 60, LastKey: []byte("key-b")},
	}
	decoded, err := DecodeBlockMetas(EncodeBlockMetas(blocks))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded) != 2 {
		t.Fatalf("want 2 blocks, got %d", len(decoded))
	}
	for i := range blocks {
		if decoded[i].BlockIndex != blocks[i].BlockIndex ||
			decoded[i].ChunkRowCount != blocks[i].ChunkRowCount ||
			!bytes.Equal(decoded[i].LastKey, blocks[i].LastKey) {
			t.Fatalf("block %d: want %+v got %+v", i, blocks[i], decoded[i])
		}
	}
}

func TestBoundaryKeysRoundTrip(t *testing.T) {
	b := &BoundaryKeys{MinKey: []byte("aaa"), MaxKey: []byte("zzz")}
	decoded, err := DecodeBoundaryKeys(b.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(decoded.MinKey, b.MinKey) || !bytes.Equal(decoded.MaxKey, b.MaxKey) {
		t.Fatalf("boundary keys: %+v", decoded)
	}
}

func TestSamplesRoundTrip(t *testing.T) {
	samples := [][]byte{[]byte("s1"), []byte("s2"), []byte("s3")}
	decoded, err := DecodeSamples(EncodeSamples(samples))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded) != 3 || !bytes.Equal(decoded[1], []byte("s2")) {
		t.Fatalf("samples: %v", decoded)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := Decode([]byte{0xff, 0xff, 0xff}); err == nil {
		t.Fatal("decode of garbage succeeded")
	}
}
