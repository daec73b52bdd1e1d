package wire

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

var (
	ErrTruncated    = errors.New("truncated wire data")
	ErrUnknownTag   = errors.New("unknown field tag")
	ErrWireType     = errors.New("unexpected wire type")
	ErrDuplicateTag = errors.New("duplicate non-repeated field tag")
)

// Parse decodes wire bytes against the schema and replays them as tree
// events on the consumer. Repeated fields synthesize list boundaries around
// runs of consecutive occurrences; duplicate non-repeated fields and unknown
// tags are errors. Required fields must all be present.
func Parse(data []byte, msg *MessageType, consumer Consumer) error {
	r := &reader{consumer: consumer}
	return r.parseMessage(data, msg)
}

type reader struct {
	consumer Consumer
	path     path
}

func (r *reader) errorf(base error, format string, args ...any) error {
	return fmt.Errorf("%w at %s: %s", base, r.path.String(), fmt.Sprintf(format, args...))
}

func (r *reader) parseMessage(data []byte, msg *MessageType) error {
	if err := r.consumer.OnBeginMap(); err != nil {
		return err
	}

	seen := make(map[protowire.Number]bool)
	var listField *Field
	listIndex := 0

	closeList := func() error {
		if listField == nil {
			return nil
		}
		listField = nil
		r.path.pop()
		return r.consumer.OnEndList()
	}

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return r.errorf(ErrTruncated, "tag")
		}
		data = data[n:]

		field := msg.FieldByNumber(num)
		if field == nil {
			return r.errorf(ErrUnknownTag, "%d in %s", num, msg.Name)
		}
		if typ != field.Kind.wireType() {
			return r.errorf(ErrWireType, "field %q: want %v got %v",
				field.Name, field.Kind.wireType(), typ)
		}

		if field.Repeated {
			if listField != field {
				if err := closeList(); err != nil {
					return err
				}
				if seen[num] {
					// A repeated field restarted after an interleaved tag;
					// the tree form cannot express two lists for one key.
					return r.errorf(ErrDuplicateTag, "repeated field %q split by other fields", field.Name)
				}
				seen[num] = true
				if err := r.consumer.OnKeyedItem(field.Name); err != nil {
					return err
				}
				r.path.push(field.Name)
				if err := r.consumer.OnBeginList(); err != nil {
					return err
				}
				listField = field
				listIndex = 0
			}
			if err := r.consumer.OnListItem(); err != nil {
				return err
			}
			r.path.push(fmt.Sprintf("%d", listIndex))
			listIndex++
		} else {
			if err := closeList(); err != nil {
				return err
			}
			if seen[num] {
				return r.errorf(ErrDuplicateTag, "field %q in %s", field.Name, msg.Name)
			}
			seen[num] = true
			if err := r.consumer.OnKeyedItem(field.Name); err != nil {
				return err
			}
			r.path.push(field.Name)
		}

		rest, err := r.parseValue(data, field)
		if err != nil {
			return err
		}
		data = rest
		r.path.pop()
	}

	if err := closeList(); err != nil {
		return err
	}
	for _, num := range msg.requiredNumbers() {
		if !seen[num] {
			return r.errorf(ErrMissingRequired, "field %q in %s",
				msg.FieldByNumber(num).Name, msg.Name)
		}
	}
	return r.consumer.OnEndMap()
}

// parseValue consumes one value of the field's kind from data and emits the
// matching event, returning the remaining bytes.
func (r *reader) parseValue(data []byte, field *Field) ([]byte, error) {
	switch field.Kind {
	case KindBool:
		v, n := protowire.ConsumeVarint(data)
		if n < 0 {
			return nil, r.errorf(ErrTruncated, "bool")
		}
		return data[n:], r.consumer.OnBool(v != 0)

	case KindInt64:
		v, n := protowire.ConsumeVarint(data)
		if n < 0 {
			return nil, r.errorf(ErrTruncated, "int64")
		}
		return data[n:], r.consumer.OnInt64(int64(v))

	case KindUint64:
		v, n := protowire.ConsumeVarint(data)
		if n < 0 {
			return nil, r.errorf(ErrTruncated, "uint64")
		}
		return data[n:], r.consumer.OnUint64(v)

	case KindDouble:
		v, n := protowire.ConsumeFixed64(data)
		if n < 0 {
			return nil, r.errorf(ErrTruncated, "double")
		}
		return data[n:], r.consumer.OnDouble(math.Float64frombits(v))

	case KindString:
		v, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return nil, r.errorf(ErrTruncated, "string")
		}
		return data[n:], r.consumer.OnString(string(v))

	case KindBytes:
		v, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return nil, r.errorf(ErrTruncated, "bytes")
		}
		return data[n:], r.consumer.OnBytes(v)

	case KindMessage:
		v, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return nil, r.errorf(ErrTruncated, "message")
		}
		if err := r.parseMessage(v, field.Message); err != nil {
			return nil, err
		}
		return data[n:], nil

	default:
		return nil, r.errorf(ErrWireType, "field %q has kind %v", field.Name, field.Kind)
	}
}
