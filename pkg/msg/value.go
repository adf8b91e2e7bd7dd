package msg

import (
	"bytes"
	"fmt"
)

// TypeID identifies the wire type of a value.
type TypeID uint8

const (
	TypeInt32 TypeID = iota + 1
	TypeInt64
	TypeFloat32
	TypeFloat64
	TypeBool
	TypeString
	TypeMessage
	TypeList
	TypeUInt64
	TypeBytes
)

var typeNames = map[TypeID]string{
	TypeInt32:   "int32",
	TypeInt64:   "int64",
	TypeFloat32: "float32",
	TypeFloat64: "float64",
	TypeBool:    "bool",
	TypeString:  "string",
	TypeMessage: "message",
	TypeList:    "list",
	TypeUInt64:  "uint64",
	TypeBytes:   "bytes",
}

func (t TypeID) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// ParseType maps a schema type name to its TypeID.
func ParseType(name string) (TypeID, error) {
	for id, n := range typeNames {
		if n == name {
			return id, nil
		}
	}
	return 0, fmt.Errorf("unknown field type %q", name)
}

// Value holds a single value of any supported type. Only the member that
// matches Type is meaningful.
type Value struct {
	Type    TypeID
	Int32   int32
	Int64   int64
	UInt64  uint64
	Float32 float32
	Float64 float64
	Bool    bool
	String  string
	Bytes   []byte
	Message []Field
	List    []Value
}

// Field is a numbered member of a message.
type Field struct {
	Number uint32
	Value  Value
}

// Object is a schema-typed record: a Value of type TypeMessage.
type Object = Value

// NewObject builds a record from its fields.
func NewObject(fields ...Field) Object {
	return Value{Type: TypeMessage, Message: fields}
}

func Int32(v int32) Value     { return Value{Type: TypeInt32, Int32: v} }
func Int64(v int64) Value     { return Value{Type: TypeInt64, Int64: v} }
func UInt64(v uint64) Value   { return Value{Type: TypeUInt64, UInt64: v} }
func Float32(v float32) Value { return Value{Type: TypeFloat32, Float32: v} }
func Float64(v float64) Value { return Value{Type: TypeFloat64, Float64: v} }
func Bool(v bool) Value       { return Value{Type: TypeBool, Bool: v} }
func String(v string) Value   { return Value{Type: TypeString, String: v} }
func Bytes(v []byte) Value    { return Value{Type: TypeBytes, Bytes: v} }
func List(items ...Value) Value {
	return Value{Type: TypeList, List: items}
}

// F is shorthand for a message field.
func F(number uint32, v Value) Field {
	return Field{Number: number, Value: v}
}

// Get returns the first field with the given number.
func (v Value) Get(number uint32) (Value, bool) {
	for _, f := range v.Message {
		if f.Number == number {
			return f.Value, true
		}
	}
	return Value{}, false
}

// Equal reports whether two values carry the same data. Nil and empty
// slices compare equal.
func (v Value) Equal(o Value) bool {
	if v.Type != o.Type {
		return false
	}
	switch v.Type {
	case TypeInt32:
		return v.Int32 == o.Int32
	case TypeInt64:
		return v.Int64 == o.Int64
	case TypeUInt64:
		return v.UInt64 == o.UInt64
	case TypeFloat32:
		return v.Float32 == o.Float32
	case TypeFloat64:
		return v.Float64 == o.Float64
	case TypeBool:
		return v.Bool == o.Bool
	case TypeString:
		return v.String == o.String
	case TypeBytes:
		return bytes.Equal(v.Bytes, o.Bytes)
	case TypeMessage:
		if len(v.Message) != len(o.Message) {
			return false
		}
		for i := range v.Message {
			if v.Message[i].Number != o.Message[i].Number || !v.Message[i].Value.Equal(o.Message[i].Value) {
				return false
			}
		}
		return true
	case TypeList:
		if len(v.List) != len(o.List) {
			return false
		}
		for i := range v.List {
			if !v.List[i].Equal(o.List[i]) {
				return false
			}
		}
		return true
	}
	return true
}
