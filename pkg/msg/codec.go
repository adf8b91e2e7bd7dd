package msg

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

type EncodeError struct {
	Message string
}

func (e *EncodeError) Error() string {
	return e.Message
}

type DecodeError struct {
	Message string
}

func (e *DecodeError) Error() string {
	return e.Message
}

// Encode encodes a value into the binary record format.
func Encode(value Value) ([]byte, error) {
	return appendValue(make([]byte, 0, EncodedSize(value)), value)
}

func appendValue(buf []byte, value Value) ([]byte, error) {
	buf = append(buf, byte(value.Type))

	switch value.Type {
	case TypeInt32:
		buf = binary.LittleEndian.AppendUint32(buf, uint32(value.Int32))

	case TypeInt64:
		buf = binary.LittleEndian.AppendUint64(buf, uint64(value.Int64))

	case TypeUInt64:
		buf = binary.LittleEndian.AppendUint64(buf, value.UInt64)

	case TypeFloat32:
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(value.Float32))

	case TypeFloat64:
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(value.Float64))

	case TypeBool:
		if value.Bool {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}

	case TypeString:
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(value.String)))
		buf = append(buf, value.String...)

	case TypeBytes:
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(value.Bytes)))
		buf = append(buf, value.Bytes...)

	case TypeMessage:
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(value.Message)))
		for _, field := range value.Message {
			buf = binary.LittleEndian.AppendUint32(buf, field.Number)
			var err error
			if buf, err = appendValue(buf, field.Value); err != nil {
				return nil, err
			}
		}

	case TypeList:
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(value.List)))
		for _, item := range value.List {
			var err error
			if buf, err = appendValue(buf, item); err != nil {
				return nil, err
			}
		}

	default:
		return nil, &EncodeError{Message: fmt.Sprintf("unknown type: %d", value.Type)}
	}

	return buf, nil
}

// EncodedSize returns the number of bytes Encode produces for value.
func EncodedSize(value Value) int {
	size := 1
	switch value.Type {
	case TypeInt32, TypeFloat32:
		size += 4
	case TypeInt64, TypeUInt64, TypeFloat64:
		size += 8
	case TypeBool:
		size++
	case TypeString:
		size += 4 + len(value.String)
	case TypeBytes:
		size += 4 + len(value.Bytes)
	case TypeMessage:
		size += 4
		for _, field := range value.Message {
			size += 4 + EncodedSize(field.Value)
		}
	case TypeList:
		size += 4
		for _, item := range value.List {
			size += EncodedSize(item)
		}
	}
	return size
}

// Decode decodes one value and returns the number of bytes consumed.
func Decode(data []byte) (Value, int, error) {
	if len(data) < 1 {
		return Value{}, 0, &DecodeError{Message: "insufficient data"}
	}

	valueType := TypeID(data[0])
	offset := 1

	switch valueType {
	case TypeInt32:
		if len(data[offset:]) < 4 {
			return Value{}, 0, &DecodeError{Message: "insufficient data for int32"}
		}
		return Int32(int32(binary.LittleEndian.Uint32(data[offset:]))), offset + 4, nil

	case TypeInt64:
		if len(data[offset:]) < 8 {
			return Value{}, 0, &DecodeError{Message: "insufficient data for int64"}
		}
		return Int64(int64(binary.LittleEndian.Uint64(data[offset:]))), offset + 8, nil

	case TypeUInt64:
		if len(data[offset:]) < 8 {
			return Value{}, 0, &DecodeError{Message: "insufficient data for uint64"}
		}
		return UInt64(binary.LittleEndian.Uint64(data[offset:])), offset + 8, nil

	case TypeFloat32:
		if len(data[offset:]) < 4 {
			return Value{}, 0, &DecodeError{Message: "insufficient data for float32"}
		}
		return Float32(math.Float32frombits(binary.LittleEndian.Uint32(data[offset:]))), offset + 4, nil

	case TypeFloat64:
		if len(data[offset:]) < 8 {
			return Value{}, 0, &DecodeError{Message: "insufficient data for float64"}
		}
		return Float64(math.Float64frombits(binary.LittleEndian.Uint64(data[offset:]))), offset + 8, nil

	case TypeBool:
		if len(data[offset:]) < 1 {
			return Value{}, 0, &DecodeError{Message: "insufficient data for bool"}
		}
		return Bool(data[offset] != 0), offset + 1, nil

	case TypeString, TypeBytes:
		if len(data[offset:]) < 4 {
			return Value{}, 0, &DecodeError{Message: fmt.Sprintf("insufficient data for %s length", valueType)}
		}
		length := int(binary.LittleEndian.Uint32(data[offset:]))
		offset += 4
		if len(data[offset:]) < length {
			return Value{}, 0, &DecodeError{Message: fmt.Sprintf("insufficient data for %s content", valueType)}
		}
		if valueType == TypeString {
			return String(string(data[offset : offset+length])), offset + length, nil
		}
		b := make([]byte, length)
		copy(b, data[offset:offset+length])
		return Bytes(b), offset + length, nil

	case TypeMessage:
		if len(data[offset:]) < 4 {
			return Value{}, 0, &DecodeError{Message: "insufficient data for message field count"}
		}
		fieldCount := int(binary.LittleEndian.Uint32(data[offset:]))
		offset += 4
		// every field takes at least five bytes
		if fieldCount > len(data[offset:])/5 {
			return Value{}, 0, &DecodeError{Message: "message field count exceeds data"}
		}
		fields := make([]Field, 0, fieldCount)

		for i := 0; i < fieldCount; i++ {
			if len(data[offset:]) < 4 {
				return Value{}, 0, &DecodeError{Message: "insufficient data for field number"}
			}
			number := binary.LittleEndian.Uint32(data[offset:])
			offset += 4

			value, n, err := Decode(data[offset:])
			if err != nil {
				return Value{}, 0, err
			}
			fields = append(fields, Field{Number: number, Value: value})
			offset += n
		}
		return Value{Type: TypeMessage, Message: fields}, offset, nil

	case TypeList:
		if len(data[offset:]) < 4 {
			return Value{}, 0, &DecodeError{Message: "insufficient data for list length"}
		}
		length := int(binary.LittleEndian.Uint32(data[offset:]))
		offset += 4
		if length > len(data[offset:]) {
			return Value{}, 0, &DecodeError{Message: "list length exceeds data"}
		}
		items := make([]Value, 0, length)

		for i := 0; i < length; i++ {
			value, n, err := Decode(data[offset:])
			if err != nil {
				return Value{}, 0, err
			}
			items = append(items, value)
			offset += n
		}
		return Value{Type: TypeList, List: items}, offset, nil

	default:
		return Value{}, 0, &DecodeError{Message: fmt.Sprintf("unknown type: %d", valueType)}
	}
}

// AppendRecord appends obj to buf as a uvarint length-prefixed record.
func AppendRecord(buf []byte, obj Object) ([]byte, error) {
	if obj.Type != TypeMessage {
		return nil, &EncodeError{Message: fmt.Sprintf("record must be a message, got %s", obj.Type)}
	}
	buf = binary.AppendUvarint(buf, uint64(EncodedSize(obj)))
	return appendValue(buf, obj)
}

// ReadRecords decodes a stream written by AppendRecord.
func ReadRecords(data []byte) ([]Object, error) {
	var records []Object
	for len(data) > 0 {
		rec, rest, err := ReadRecord(data)
		if err != nil {
			return nil, fmt.Errorf("failed to read record %d: %w", len(records), err)
		}
		records = append(records, rec)
		data = rest
	}
	return records, nil
}

// ReadRecord decodes the first length-prefixed record in data and returns
// the remainder.
func ReadRecord(data []byte) (Object, []byte, error) {
	length, n := binary.Uvarint(data)
	if n <= 0 {
		return Value{}, nil, &DecodeError{Message: "invalid record length prefix"}
	}
	data = data[n:]
	if uint64(len(data)) < length {
		return Value{}, nil, &DecodeError{Message: "truncated record"}
	}
	obj, used, err := Decode(data[:length])
	if err != nil {
		return Value{}, nil, err
	}
	if uint64(used) != length {
		return Value{}, nil, &DecodeError{Message: "record length mismatch"}
	}
	if obj.Type != TypeMessage {
		return Value{}, nil, &DecodeError{Message: fmt.Sprintf("record must be a message, got %s", obj.Type)}
	}
	return obj, data[length:], nil
}

// IsDecodeError reports whether err originates from malformed input.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}
