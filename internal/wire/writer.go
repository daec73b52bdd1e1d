package wire

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

var (
	ErrUnknownField    = errors.New("unknown field")
	ErrDuplicateField  = errors.New("duplicate non-repeated field")
	ErrNotRepeated     = errors.New("list for non-repeated field")
	ErrMissingRequired = errors.New("missing required field")
	ErrBadEvent        = errors.New("event not valid here")
	ErrKindMismatch    = errors.New("value kind does not match field kind")
)

// Writer is a Consumer that validates events against a message schema and
// produces the wire encoding. Each nested message accumulates into its own
// buffer so the length prefix is emitted exactly once when the map closes.
type Writer struct {
	root   *MessageType
	stack  []*writerFrame
	path   path
	result []byte
	done   bool
}

type writerFrame struct {
	msg    *MessageType
	buf    []byte
	seen   map[protowire.Number]bool
	field  *Field // set between OnKeyedItem and the value event
	inList bool
	index  int // list element index, for the path
}

// NewWriter creates a Writer for the given root message type. Feed it events
// starting with OnBeginMap; after the matching OnEndMap, Bytes() returns the
// encoding.
func NewWriter(root *MessageType) *Writer {
	return &Writer{root: root}
}

// Bytes returns the encoded message. It errors until the root map is closed.
func (w *Writer) Bytes() ([]byte, error) {
	if !w.done {
		return nil, fmt.Errorf("wire writer: root map not closed")
	}
	return w.result, nil
}

func (w *Writer) top() *writerFrame {
	if len(w.stack) == 0 {
		return nil
	}
	return w.stack[len(w.stack)-1]
}

func (w *Writer) errorf(base error, format string, args ...any) error {
	return fmt.Errorf("%w at %s: %s", base, w.path.String(), fmt.Sprintf(format, args...))
}

func (w *Writer) OnBeginMap() error {
	top := w.top()
	if top == nil {
		if w.done {
			return w.errorf(ErrBadEvent, "message already complete")
		}
		w.stack = append(w.stack, &writerFrame{
			msg:  w.root,
			seen: make(map[protowire.Number]bool),
		})
		return nil
	}
	if top.field == nil {
		return w.errorf(ErrBadEvent, "map without field")
	}
	if top.field.Kind != KindMessage {
		return w.errorf(ErrKindMismatch, "field %q is %v, not message", top.field.Name, top.field.Kind)
	}
	if top.field.Repeated && !top.inList {
		return w.errorf(ErrBadEvent, "repeated field %q outside list", top.field.Name)
	}
	w.stack = append(w.stack, &writerFrame{
		msg:  top.field.Message,
		seen: make(map[protowire.Number]bool),
	})
	return nil
}

func (w *Writer) OnEndMap() error {
	top := w.top()
	if top == nil || top.field != nil {
		return w.errorf(ErrBadEvent, "end map")
	}
	for _, num := range top.msg.requiredNumbers() {
		if !top.seen[num] {
			return w.errorf(ErrMissingRequired, "field %q in %s",
				top.msg.FieldByNumber(num).Name, top.msg.Name)
		}
	}
	w.stack = w.stack[:len(w.stack)-1]
	parent := w.top()
	if parent == nil {
		w.result = top.buf
		w.done = true
		return nil
	}
	// Patch the nested message into the parent with its length prefix.
	parent.buf = protowire.AppendTag(parent.buf, parent.field.Number, protowire.BytesType)
	parent.buf = protowire.AppendBytes(parent.buf, top.buf)
	w.finishValue(parent)
	return nil
}

func (w *Writer) OnKeyedItem(key string) error {
	top := w.top()
	if top == nil || top.field != nil {
		return w.errorf(ErrBadEvent, "keyed item %q", key)
	}
	field := top.msg.FieldByName(key)
	if field == nil {
		return w.errorf(ErrUnknownField, "%q in %s", key, top.msg.Name)
	}
	if top.seen[field.Number] {
		return w.errorf(ErrDuplicateField, "%q in %s", key, top.msg.Name)
	}
	top.seen[field.Number] = true
	top.field = field
	w.path.push(key)
	return nil
}

func (w *Writer) OnBeginList() error {
	top := w.top()
	if top == nil || top.field == nil || top.inList {
		return w.errorf(ErrBadEvent, "begin list")
	}
	if !top.field.Repeated {
		return w.errorf(ErrNotRepeated, "field %q", top.field.Name)
	}
	top.inList = true
	top.index = 0
	return nil
}

func (w *Writer) OnListItem() error {
	top := w.top()
	if top == nil || !top.inList {
		return w.errorf(ErrBadEvent, "list item")
	}
	w.path.push(fmt.Sprintf("%d", top.index))
	top.index++
	return nil
}

func (w *Writer) OnEndList() error {
	top := w.top()
	if top == nil || !top.inList {
		return w.errorf(ErrBadEvent, "end list")
	}
	top.inList = false
	top.field = nil
	w.path.pop()
	return nil
}

// finishValue clears per-value state after a scalar or nested message lands.
// In a list the popped segment is the element index and the field segment
// stays until OnEndList; otherwise the field segment itself is popped.
func (w *Writer) finishValue(top *writerFrame) {
	w.path.pop()
	if !top.inList {
		top.field = nil
	}
}

func (w *Writer) scalarField(kind Kind) (*writerFrame, *Field, error) {
	top := w.top()
	if top == nil || top.field == nil {
		return nil, nil, w.errorf(ErrBadEvent, "%v value", kind)
	}
	if top.field.Kind != kind {
		return nil, nil, w.errorf(ErrKindMismatch, "field %q is %v, got %v",
			top.field.Name, top.field.Kind, kind)
	}
	if top.field.Repeated && !top.inList {
		return nil, nil, w.errorf(ErrBadEvent, "repeated field %q outside list", top.field.Name)
	}
	return top, top.field, nil
}

func (w *Writer) OnBool(value bool) error {
	top, field, err := w.scalarField(KindBool)
	if err != nil {
		return err
	}
	top.buf = protowire.AppendTag(top.buf, field.Number, protowire.VarintType)
	var v uint64
	if value {
		v = 1
	}
	top.buf = protowire.AppendVarint(top.buf, v)
	w.finishValue(top)
	return nil
}

func (w *Writer) OnInt64(value int64) error {
	top, field, err := w.scalarField(KindInt64)
	if err != nil {
		return err
	}
	top.buf = protowire.AppendTag(top.buf, field.Number, protowire.VarintType)
	top.buf = protowire.AppendVarint(top.buf, uint64(value))
	w.finishValue(top)
	return nil
}

func (w *Writer) OnUint64(value uint64) error {
	top, field, err := w.scalarField(KindUint64)
	if err != nil {
		return err
	}
	top.buf = protowire.AppendTag(top.buf, field.Number, protowire.VarintType)
	top.buf = protowire.AppendVarint(top.buf, value)
	w.finishValue(top)
	return nil
}

func (w *Writer) OnDouble(value float64) error {
	top, field, err := w.scalarField(KindDouble)
	if err != nil {
		return err
	}
	top.buf = protowire.AppendTag(top.buf, field.Number, protowire.Fixed64Type)
	top.buf = protowire.AppendFixed64(top.buf, math.Float64bits(value))
	w.finishValue(top)
	return nil
}

func (w *Writer) OnString(value string) error {
	top, field, err := w.scalarField(KindString)
	if err != nil {
		return err
	}
	top.buf = protowire.AppendTag(top.buf, field.Number, protowire.BytesType)
	top.buf = protowire.AppendString(top.buf, value)
	w.finishValue(top)
	return nil
}

func (w *Writer) OnBytes(value []byte) error {
	top, field, err := w.scalarField(KindBytes)
	if err != nil {
		return err
	}
	top.buf = protowire.AppendTag(top.buf, field.Number, protowire.BytesType)
	top.buf = protowire.AppendBytes(top.buf, value)
	w.finishValue(top)
	return nil
}

var _ Consumer = (*Writer)(nil)
