package msg

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"

	"tabledb/pkg/dberrors"
)

// FromJSON converts a decoded JSON object keyed by field name into a record.
// Fields are emitted in schema order so equal documents encode identically.
func FromJSON(s *Schema, doc map[string]any) (Object, error) {
	for name := range doc {
		if _, ok := s.FieldByName(name); !ok {
			return Value{}, fmt.Errorf("%w: %s: unknown field %q", dberrors.ErrSchemaViolation, s.Name, name)
		}
	}

	obj := NewObject()
	for _, def := range s.Fields {
		raw, ok := doc[def.Name]
		if !ok || raw == nil {
			continue
		}
		var (
			v   Value
			err error
		)
		if def.Repeated {
			items, isList := raw.([]any)
			if !isList {
				return Value{}, fmt.Errorf("%w: %s.%s: expected array", dberrors.ErrSchemaViolation, s.Name, def.Name)
			}
			list := make([]Value, 0, len(items))
			for _, item := range items {
				iv, err := scalarFromJSON(def, item)
				if err != nil {
					return Value{}, fmt.Errorf("%s.%s: %w", s.Name, def.Name, err)
				}
				list = append(list, iv)
			}
			v = List(list...)
		} else if v, err = scalarFromJSON(def, raw); err != nil {
			return Value{}, fmt.Errorf("%s.%s: %w", s.Name, def.Name, err)
		}
		obj.Message = append(obj.Message, F(def.ID, v))
	}

	if err := s.Validate(obj); err != nil {
		return Value{}, err
	}
	return obj, nil
}

func scalarFromJSON(def FieldDef, raw any) (Value, error) {
	mismatch := func() (Value, error) {
		return Value{}, fmt.Errorf("%w: expected %s, got %T", dberrors.ErrSchemaViolation, def.Type, raw)
	}

	switch def.Type {
	case TypeString:
		s, ok := raw.(string)
		if !ok {
			return mismatch()
		}
		return String(s), nil
	case TypeBytes:
		s, ok := raw.(string)
		if !ok {
			return mismatch()
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return Value{}, fmt.Errorf("%w: bytes field is not base64: %v", dberrors.ErrSchemaViolation, err)
		}
		return Bytes(b), nil
	case TypeBool:
		b, ok := raw.(bool)
		if !ok {
			return mismatch()
		}
		return Bool(b), nil
	case TypeMessage:
		m, ok := raw.(map[string]any)
		if !ok {
			return mismatch()
		}
		return FromJSON(def.Schema, m)
	}

	f, ok := jsonNumber(raw)
	if !ok {
		return mismatch()
	}
	switch def.Type {
	case TypeInt32:
		if f != math.Trunc(f) || f < math.MinInt32 || f > math.MaxInt32 {
			return Value{}, fmt.Errorf("%w: %v does not fit int32", dberrors.ErrSchemaViolation, f)
		}
		return Int32(int32(f)), nil
	case TypeInt64:
		if f != math.Trunc(f) {
			return Value{}, fmt.Errorf("%w: %v is not an integer", dberrors.ErrSchemaViolation, f)
		}
		return Int64(int64(f)), nil
	case TypeUInt64:
		if f != math.Trunc(f) || f < 0 {
			return Value{}, fmt.Errorf("%w: %v is not an unsigned integer", dberrors.ErrSchemaViolation, f)
		}
		return UInt64(uint64(f)), nil
	case TypeFloat32:
		return Float32(float32(f)), nil
	case TypeFloat64:
		return Float64(f), nil
	}
	return mismatch()
}

func jsonNumber(raw any) (float64, bool) {
	switch n := raw.(type) {
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// ToJSON renders a record as a JSON-friendly map keyed by field name.
// Fields unknown to the schema are keyed by their number.
func ToJSON(s *Schema, obj Object) map[string]any {
	out := make(map[string]any, len(obj.Message))
	for _, field := range obj.Message {
		def, ok := s.FieldByID(field.Number)
		if !ok {
			out[fmt.Sprintf("%d", field.Number)] = valueToJSON(nil, field.Value)
			continue
		}
		out[def.Name] = valueToJSON(def.Schema, field.Value)
	}
	return out
}

func valueToJSON(s *Schema, v Value) any {
	switch v.Type {
	case TypeInt32:
		return v.Int32
	case TypeInt64:
		return v.Int64
	case TypeUInt64:
		return v.UInt64
	case TypeFloat32:
		return v.Float32
	case TypeFloat64:
		return v.Float64
	case TypeBool:
		return v.Bool
	case TypeString:
		return v.String
	case TypeBytes:
		return base64.StdEncoding.EncodeToString(v.Bytes)
	case TypeList:
		items := make([]any, 0, len(v.List))
		for _, item := range v.List {
			items = append(items, valueToJSON(s, item))
		}
		return items
	case TypeMessage:
		if s != nil {
			return ToJSON(s, v)
		}
		out := make(map[string]any, len(v.Message))
		for _, f := range v.Message {
			out[fmt.Sprintf("%d", f.Number)] = valueToJSON(nil, f.Value)
		}
		return out
	}
	return nil
}
