package msg

import (
	"fmt"

	"tabledb/pkg/dberrors"
)

// FieldDef describes one numbered field of a schema.
type FieldDef struct {
	ID       uint32  `json:"id"`
	Name     string  `json:"name"`
	Type     TypeID  `json:"type"`
	Repeated bool    `json:"repeated,omitempty"`
	Optional bool    `json:"optional,omitempty"`
	Schema   *Schema `json:"schema,omitempty"`
}

// Schema is the immutable record layout of a table.
type Schema struct {
	Name   string     `json:"name"`
	Fields []FieldDef `json:"fields"`
}

// FieldByID looks up a field definition by number.
func (s *Schema) FieldByID(id uint32) (FieldDef, bool) {
	for _, f := range s.Fields {
		if f.ID == id {
			return f, true
		}
	}
	return FieldDef{}, false
}

// FieldByName looks up a field definition by name.
func (s *Schema) FieldByName(name string) (FieldDef, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldDef{}, false
}

// Check verifies the schema itself is well formed.
func (s *Schema) Check() error {
	if s == nil {
		return fmt.Errorf("%w: nil schema", dberrors.ErrInvalidArgument)
	}
	ids := make(map[uint32]struct{}, len(s.Fields))
	names := make(map[string]struct{}, len(s.Fields))
	for _, f := range s.Fields {
		if _, dup := ids[f.ID]; dup {
			return fmt.Errorf("%w: schema %q: duplicate field id %d", dberrors.ErrInvalidArgument, s.Name, f.ID)
		}
		if _, dup := names[f.Name]; dup {
			return fmt.Errorf("%w: schema %q: duplicate field name %q", dberrors.ErrInvalidArgument, s.Name, f.Name)
		}
		ids[f.ID] = struct{}{}
		names[f.Name] = struct{}{}

		if _, ok := typeNames[f.Type]; !ok || f.Type == TypeList {
			return fmt.Errorf("%w: schema %q: field %q has invalid type %s", dberrors.ErrInvalidArgument, s.Name, f.Name, f.Type)
		}
		if f.Type == TypeMessage {
			if f.Schema == nil {
				return fmt.Errorf("%w: schema %q: message field %q has no schema", dberrors.ErrInvalidArgument, s.Name, f.Name)
			}
			if err := f.Schema.Check(); err != nil {
				return err
			}
		}
	}
	return nil
}

// Validate checks that obj conforms to the schema. Violations wrap
// dberrors.ErrSchemaViolation.
func (s *Schema) Validate(obj Object) error {
	if obj.Type != TypeMessage {
		return fmt.Errorf("%w: record is %s, not a message", dberrors.ErrSchemaViolation, obj.Type)
	}

	seen := make(map[uint32]struct{}, len(obj.Message))
	for _, field := range obj.Message {
		def, ok := s.FieldByID(field.Number)
		if !ok {
			return fmt.Errorf("%w: %s: unknown field %d", dberrors.ErrSchemaViolation, s.Name, field.Number)
		}
		if _, dup := seen[field.Number]; dup {
			return fmt.Errorf("%w: %s.%s: field set twice", dberrors.ErrSchemaViolation, s.Name, def.Name)
		}
		seen[field.Number] = struct{}{}

		if def.Repeated {
			if field.Value.Type != TypeList {
				return fmt.Errorf("%w: %s.%s: repeated field is %s, not a list", dberrors.ErrSchemaViolation, s.Name, def.Name, field.Value.Type)
			}
			for _, item := range field.Value.List {
				if err := s.checkValue(def, item); err != nil {
					return err
				}
			}
			continue
		}
		if err := s.checkValue(def, field.Value); err != nil {
			return err
		}
	}

	for _, def := range s.Fields {
		if def.Optional || def.Repeated {
			continue
		}
		if _, ok := seen[def.ID]; !ok {
			return fmt.Errorf("%w: %s.%s: required field missing", dberrors.ErrSchemaViolation, s.Name, def.Name)
		}
	}
	return nil
}

func (s *Schema) checkValue(def FieldDef, v Value) error {
	if v.Type != def.Type {
		return fmt.Errorf("%w: %s.%s: expected %s, got %s", dberrors.ErrSchemaViolation, s.Name, def.Name, def.Type, v.Type)
	}
	if def.Type == TypeMessage {
		return def.Schema.Validate(v)
	}
	return nil
}
