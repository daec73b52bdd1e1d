package ids

import (
	"testing"
)

func TestNewEmbedsType(t *testing.T) {
	for _, typ := range []ObjectType{
		TypeChunk, TypeJournalChunk, TypeChunkList, TypeMapNode, TypeTransaction,
	} {
		id := New(typ)
		if id.Type() != typ {
			t.Fatalf("type: want %v got %v", typ, id.Type())
		}
		if id.IsNil() {
			t.Fatal("fresh id is nil")
		}
	}
}

func TestNewInShard(t *testing.T) {
	for shard := 0; shard < ShardCount; shard++ {
		id := NewInShard(TypeChunk, shard)
		if id.Shard() != shard {
			t.Fatalf("shard: want %d got %d", shard, id.Shard())
		}
		if id.Type() != TypeChunk {
			t.Fatalf("shard pinning clobbered the type tag")
		}
	}
}

func TestParseRoundTrip(t *testing.T) {
	id := New(TypeJournalChunk)
	parsed, err := Parse(id.String())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed != id {
		t.Fatalf("round trip: want %v got %v", id, parsed)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	for _, bad := range []string{"", "zz", "1-2-3", "xxxxxxxx-00000000-00000000-00000000"} {
		if _, err := Parse(bad); err == nil {
			t.Fatalf("parse(%q): want error", bad)
		}
	}
}

func TestKindPredicates(t *testing.T) {
	cases := []struct {
		typ            ObjectType
		chunk, journal bool
		erasure        bool
	}{
		{TypeChunk, true, false, false},
		{TypeErasureChunk, true, false, true},
		{TypeJournalChunk, true, true, false},
		{TypeErasureJournalChunk, true, true, true},
		{TypeChunkList, false, false, false},
		{TypeMapNode, false, false, false},
	}
	for _, c := range cases {
		if c.typ.IsChunk() != c.chunk || c.typ.IsJournal() != c.journal || c.typ.IsErasure() != c.erasure {
			t.Fatalf("%v: predicates wrong", c.typ)
		}
	}
}

func TestCompareIsTotal(t *testing.T) {
	a := New(TypeChunk)
	b := New(TypeChunk)
	if Compare(a, a) != 0 {
		t.Fatal("compare(a,a) != 0")
	}
	if Compare(a, b) == 0 && a != b {
		t.Fatal("distinct ids compare equal")
	}
	if Compare(a, b) != -Compare(b, a) {
		t.Fatal("compare is not antisymmetric")
	}
}
