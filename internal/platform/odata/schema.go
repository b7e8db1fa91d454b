// Package odata implements the subset of OData v4 query semantics the
// measurement entity set needs: query-option parsing, $filter compilation to
// SQL for the supported dialects, key-segment parsing, JSON envelopes and the
// CSDL $metadata document.
package odata

import "strings"

// EdmType is the primitive type of an entity property.
type EdmType int

const (
	EdmInt64 EdmType = iota
	EdmDouble
	EdmString
	EdmDateTimeOffset
	EdmBoolean
)

// String returns the CSDL type name.
func (t EdmType) String() string {
	switch t {
	case EdmInt64:
		return "Edm.Int64"
	case EdmDouble:
		return "Edm.Double"
	case EdmString:
		return "Edm.String"
	case EdmDateTimeOffset:
		return "Edm.DateTimeOffset"
	case EdmBoolean:
		return "Edm.Boolean"
	}
	return "Edm.Untyped"
}

// Property maps an entity property to its column.
type Property struct {
	Name      string
	Column    string
	Type      EdmType
	Nullable  bool
	MaxLength int
}

// Schema describes one entity set and the table backing it.
type Schema struct {
	Namespace  string
	Container  string
	EntitySet  string
	EntityType string
	Table      string
	Key        string
	Properties []Property
}

// Property looks up a property by name. OData identifiers are case-sensitive.
func (s *Schema) Property(name string) (Property, bool) {
	for _, p := range s.Properties {
		if p.Name == name {
			return p, true
		}
	}
	return Property{}, false
}

// KeyProperty returns the key property.
func (s *Schema) KeyProperty() Property {
	p, _ := s.Property(s.Key)
	return p
}

// Columns returns the comma-separated column list in property order.
func (s *Schema) Columns() string {
	cols := make([]string, len(s.Properties))
	for i, p := range s.Properties {
		cols[i] = p.Column
	}
	return strings.Join(cols, ", ")
}

// QualifiedType returns Namespace.EntityType.
func (s *Schema) QualifiedType() string {
	return s.Namespace + "." + s.EntityType
}
