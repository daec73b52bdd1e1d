// Package wire implements a bidirectional, streaming transcoder between a
// tagged-tree event consumer and a length-prefixed protobuf wire encoding.
// Schemas are declared in code as MessageType values; no generated code is
// involved. The Writer consumes tree events and produces wire bytes; the
// Reader parses wire bytes and replays them as tree events.
package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Kind enumerates the scalar and composite kinds a field can carry.
type Kind int

const (
	KindBool Kind = iota + 1
	KindInt64
	KindUint64
	KindDouble
	KindString
	KindBytes
	KindMessage
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInt64:
		return "int64"
	case KindUint64:
		return "uint64"
	case KindDouble:
		return "double"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindMessage:
		return "message"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// wireType returns the protobuf wire type used to encode the kind.
func (k Kind) wireType() protowire.Type {
	switch k {
	case KindBool, KindInt64, KindUint64:
		return protowire.VarintType
	case KindDouble:
		return protowire.Fixed64Type
	case KindString, KindBytes, KindMessage:
		return protowire.BytesType
	default:
		panic(fmt.Sprintf("wire: no wire type for %v", k))
	}
}

// Field describes one message field.
type Field struct {
	Name     string
	Number   protowire.Number
	Kind     Kind
	Repeated bool
	Required bool

	// Message is the nested message type; set iff Kind == KindMessage.
	Message *MessageType
}

// MessageType is a declared message schema.
type MessageType struct {
	Name   string
	fields []*Field

	byName   map[string]*Field
	byNumber map[protowire.Number]*Field
}

// NewMessageType builds a MessageType from field declarations. Duplicate
// names or numbers panic: schemas are static program data.
func NewMessageType(name string, fields ...*Field) *MessageType {
	mt := &MessageType{
		Name:     name,
		fields:   fields,
		byName:   make(map[string]*Field, len(fields)),
		byNumber: make(map[protowire.Number]*Field, len(fields)),
	}
	for _, f := range fields {
		if f.Kind == KindMessage && f.Message == nil {
			panic(fmt.Sprintf("wire: message field %s.%s has no message type", name, f.Name))
		}
		if _, ok := mt.byName[f.Name]; ok {
			panic(fmt.Sprintf("wire: duplicate field name %s.%s", name, f.Name))
		}
		if _, ok := mt.byNumber[f.Number]; ok {
			panic(fmt.Sprintf("wire: duplicate field number %s.%d", name, f.Number))
		}
		mt.byName[f.Name] = f
		mt.byNumber[f.Number] = f
	}
	return mt
}

// FieldByName returns the field with the given name, or nil.
func (mt *MessageType) FieldByName(name string) *Field {
	return mt.byName[name]
}

// FieldByNumber returns the field with the given tag number, or nil.
func (mt *MessageType) FieldByNumber(n protowire.Number) *Field {
	return mt.byNumber[n]
}

// requiredNumbers returns the numbers of all required fields.
func (mt *MessageType) requiredNumbers() []protowire.Number {
	var out []protowire.Number
	for _, f := range mt.fields {
		if f.Required {
			out = append(out, f.Number)
		}
	}
	return out
}
