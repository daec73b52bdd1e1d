package wire

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

// eventRecorder captures the event stream as printable tokens.
type eventRecorder struct {
	events []string
}

func (r *eventRecorder) record(s string) error {
	r.events = append(r.events, s)
	return nil
}

func (r *eventRecorder) OnBeginMap() error            { return r.record("{") }
func (r *eventRecorder) OnKeyedItem(key string) error { return r.record("key:" + key) }
func (r *eventRecorder) OnEndMap() error              { return r.record("}") }
func (r *eventRecorder) OnBeginList() error           { return r.record("[") }
func (r *eventRecorder) OnListItem() error            { return r.record("item") }
func (r *eventRecorder) OnEndList() error             { return r.record("]") }
func (r *eventRecorder) OnBool(v bool) error          { return r.record("bool") }
func (r *eventRecorder) OnInt64(v int64) error        { return r.record("int64") }
func (r *eventRecorder) OnUint64(v uint64) error      { return r.record("uint64") }
func (r *eventRecorder) OnDouble(v float64) error     { return r.record("double") }
func (r *eventRecorder) OnString(v string) error      { return r.record("str:" + v) }
func (r *eventRecorder) OnBytes(v []byte) error       { return r.record("bytes") }

var innerType = NewMessageType("Inner",
	&Field{Name: "id", Number: 1, Kind: KindUint64, Required: true},
	&Field{Name: "label", Number: 2, Kind: KindString},
)

var outerType = NewMessageType("Outer",
	&Field{Name: "name", Number: 1, Kind: KindString, Required: true},
	&Field{Name: "count", Number: 2, Kind: KindInt64},
	&Field{Name: "ratio", Number: 3, Kind: KindDouble},
	&Field{Name: "flags", Number: 4, Kind: KindBool},
	&Field{Name: "tags", Number: 5, Kind: KindString, Repeated: true},
	&Field{Name: "inner", Number: 6, Kind: KindMessage, Message: innerType},
	&Field{Name: "items", Number: 7, Kind: KindMessage, Message: innerType, Repeated: true},
	&Field{Name: "payload", Number: 8, Kind: KindBytes},
)

// writeSample drives a full event stream through the writer.
func writeSample(t *testing.T, w *Writer) {
	t.Helper()
	steps := []func() error{
		w.OnBeginMap,
		func() error { return w.OnKeyedItem("name") },
		func() error { return w.OnString("alpha") },
		func() error { return w.OnKeyedItem("count") },
		func() error { return w.OnInt64(-12) },
		func() error { return w.OnKeyedItem("ratio") },
		func() error { return w.OnDouble(0.25) },
		func() error { return w.OnKeyedItem("tags") },
		w.OnBeginList,
		w.OnListItem,
		func() error { return w.OnString("x") },
		w.OnListItem,
		func() error { return w.OnString("y") },
		w.OnEndList,
		func() error { return w.OnKeyedItem("inner") },
		w.OnBeginMap,
		func() error { return w.OnKeyedItem("id") },
		func() error { return w.OnUint64(7) },
		func() error { return w.OnKeyedItem("label") },
		func() error { return w.OnString("seven") },
		w.OnEndMap,
		func() error { return w.OnKeyedItem("items") },
		w.OnBeginList,
		w.OnListItem,
		w.OnBeginMap,
		func() error { return w.OnKeyedItem("id") },
		func() error { return w.OnUint64(1) },
		w.OnEndMap,
		w.OnListItem,
		w.OnBeginMap,
		func() error { return w.OnKeyedItem("id") },
		func() error { return w.OnUint64(2) },
		w.OnEndMap,
		w.OnEndList,
		w.OnEndMap,
	}
	for i, step := range steps {
		if err := step(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}
}

func TestWriteParseRoundTrip(t *testing.T) {
	w := NewWriter(outerType)
	writeSample(t, w)
	data, err := w.Bytes()
	if err != nil {
		t.Fatalf("bytes: %v", err)
	}

	rec := &eventRecorder{}
	if err := Parse(data, outerType, rec); err != nil {
		t.Fatalf("parse: %v", err)
	}

	want := []string{
		"{",
		"key:name", "str:alpha",
		"key:count", "int64",
		"key:ratio", "double",
		"key:tags", "[", "item", "str:x", "item", "str:y", "]",
		"key:inner", "{", "key:id", "uint64", "key:label", "str:seven", "}",
		"key:items", "[",
		"item", "{", "key:id", "uint64", "}",
		"item", "{", "key:id", "uint64", "}",
		"]",
		"}",
	}
	if !reflect.DeepEqual(rec.events, want) {
		t.Fatalf("events:\n got %v\nwant %v", rec.events, want)
	}
}

func TestTranscodeIdentity(t *testing.T) {
	w := NewWriter(outerType)
	writeSample(t, w)
	data, err := w.Bytes()
	if err != nil {
		t.Fatalf("bytes: %v", err)
	}

	// Parsing into a second writer must reproduce the bytes exactly.
	w2 := NewWriter(outerType)
	if err := Parse(data, outerType, w2); err != nil {
		t.Fatalf("parse into writer: %v", err)
	}
	data2, err := w2.Bytes()
	if err != nil {
		t.Fatalf("bytes 2: %v", err)
	}
	if !reflect.DeepEqual(data, data2) {
		t.Fatalf("transcode not identical: %d vs %d bytes", len(data), len(data2))
	}
}

func TestMissingRequiredField(t *testing.T) {
	w := NewWriter(outerType)
	if err := w.OnBeginMap(); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := w.OnKeyedItem("count"); err != nil {
		t.Fatalf("keyed: %v", err)
	}
	if err := w.OnInt64(1); err != nil {
		t.Fatalf("int: %v", err)
	}
	err := w.OnEndMap()
	if !errors.Is(err, ErrMissingRequired) {
		t.Fatalf("want ErrMissingRequired, got %v", err)
	}
}

func TestDuplicateFieldRejected(t *testing.T) {
	w := NewWriter(outerType)
	_ = w.OnBeginMap()
	_ = w.OnKeyedItem("name")
	_ = w.OnString("a")
	err := w.OnKeyedItem("name")
	if !errors.Is(err, ErrDuplicateField) {
		t.Fatalf("want ErrDuplicateField, got %v", err)
	}
}

func TestUnknownFieldRejected(t *testing.T) {
	w := NewWriter(outerType)
	_ = w.OnBeginMap()
	err := w.OnKeyedItem("bogus")
	if !errors.Is(err, ErrUnknownField) {
		t.Fatalf("want ErrUnknownField, got %v", err)
	}
}

func TestListOnScalarFieldRejected(t *testing.T) {
	w := NewWriter(outerType)
	_ = w.OnBeginMap()
	_ = w.OnKeyedItem("count")
	err := w.OnBeginList()
	if !errors.Is(err, ErrNotRepeated) {
		t.Fatalf("want ErrNotRepeated, got %v", err)
	}
}

func TestKindMismatchRejected(t *testing.T) {
	w := NewWriter(outerType)
	_ = w.OnBeginMap()
	_ = w.OnKeyedItem("count")
	err := w.OnString("not an int")
	if !errors.Is(err, ErrKindMismatch) {
		t.Fatalf("want ErrKindMismatch, got %v", err)
	}
}

func TestErrorCarriesPath(t *testing.T) {
	w := NewWriter(outerType)
	_ = w.OnBeginMap()
	_ = w.OnKeyedItem("inner")
	_ = w.OnBeginMap()
	err := w.OnKeyedItem("nope")
	if err == nil || !strings.Contains(err.Error(), "/inner") {
		t.Fatalf("error should carry path /inner, got %v", err)
	}
}

func TestParseRequiredMissing(t *testing.T) {
	// Encode an Inner with only the required id field, leaving label out.
	inner := NewWriter(innerType)
	_ = inner.OnBeginMap()
	_ = inner.OnKeyedItem("id")
	_ = inner.OnUint64(1)
	_ = inner.OnEndMap()
	data, err := inner.Bytes()
	if err != nil {
		t.Fatalf("bytes: %v", err)
	}

	// Re-parsing against a schema where "label" is required must fail.
	strictInner := NewMessageType("Inner",
		&Field{Name: "id", Number: 1, Kind: KindUint64, Required: true},
		&Field{Name: "label", Number: 2, Kind: KindString, Required: true},
	)
	err = Parse(data, strictInner, &eventRecorder{})
	if !errors.Is(err, ErrMissingRequired) {
		t.Fatalf("want ErrMissingRequired, got %v", err)
	}
}

func TestParseRejectsUnknownTag(t *testing.T) {
	w := NewWriter(outerType)
	writeSample(t, w)
	data, _ := w.Bytes()

	// A schema lacking most fields sees unknown tags.
	tiny := NewMessageType("Tiny",
		&Field{Name: "name", Number: 1, Kind: KindString},
	)
	err := Parse(data, tiny, &eventRecorder{})
	if !errors.Is(err, ErrUnknownTag) {
		t.Fatalf("want ErrUnknownTag, got %v", err)
	}
}
