// Package dictionary validates the shape of a dictionary (key layout,
// attributes, lifetime, range) described by a YAML configuration document.
// It is a pure data validator: it never touches the network, a file, or the
// registry.
package dictionary

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the two ways a dictionary configuration can be
// rejected: the document is malformed, or a value's declared type doesn't
// match what's expected.
var (
	ErrConfigInvalid = errors.New("dictionary: invalid configuration")
	ErrTypeMismatch  = errors.New("dictionary: type mismatch")
)

// UnderlyingType is the fixed set of representable attribute kinds. Date and
// DateTime collapse onto the same underlying width as UInt16/UInt32, UUID
// onto a 16-byte fixed width, matching the source table this is grounded on.
type UnderlyingType string

const (
	TypeUInt8    UnderlyingType = "UInt8"
	TypeUInt16   UnderlyingType = "UInt16"
	TypeUInt32   UnderlyingType = "UInt32"
	TypeUInt64   UnderlyingType = "UInt64"
	TypeInt8     UnderlyingType = "Int8"
	TypeInt16    UnderlyingType = "Int16"
	TypeInt32    UnderlyingType = "Int32"
	TypeInt64    UnderlyingType = "Int64"
	TypeFloat32  UnderlyingType = "Float32"
	TypeFloat64  UnderlyingType = "Float64"
	TypeString   UnderlyingType = "String"
	TypeDate     UnderlyingType = "Date"
	TypeDateTime UnderlyingType = "DateTime"
	TypeUUID     UnderlyingType = "UUID"
	TypeDecimal32  UnderlyingType = "Decimal32"
	TypeDecimal64  UnderlyingType = "Decimal64"
	TypeDecimal128 UnderlyingType = "Decimal128"
)

// fixedWidths gives the fixed in-memory size, in bytes, of every type whose
// width does not depend on its value. String is deliberately absent: its
// size is undefined (variable-length).
var fixedWidths = map[UnderlyingType]int{
	TypeUInt8: 1, TypeInt8: 1,
	TypeUInt16: 2, TypeInt16: 2, TypeDate: 2,
	TypeUInt32: 4, TypeInt32: 4, TypeFloat32: 4, TypeDateTime: 4,
	TypeUInt64: 8, TypeInt64: 8, TypeFloat64: 8,
	TypeUUID:      16,
	TypeDecimal32: 4, TypeDecimal64: 8, TypeDecimal128: 16,
}

// integerRepresentable lists the types range_min/range_max may use — an
// integer, Date, or DateTime, mirroring isValueRepresentedByInteger().
var integerRepresentable = map[UnderlyingType]bool{
	TypeUInt8: true, TypeUInt16: true, TypeUInt32: true, TypeUInt64: true,
	TypeInt8: true, TypeInt16: true, TypeInt32: true, TypeInt64: true,
	TypeDate: true, TypeDateTime: true,
}

var namedTypes = map[string]UnderlyingType{
	string(TypeUInt8): TypeUInt8, string(TypeUInt16): TypeUInt16,
	string(TypeUInt32): TypeUInt32, string(TypeUInt64): TypeUInt64,
	string(TypeInt8): TypeInt8, string(TypeInt16): TypeInt16,
	string(TypeInt32): TypeInt32, string(TypeInt64): TypeInt64,
	string(TypeFloat32): TypeFloat32, string(TypeFloat64): TypeFloat64,
	string(TypeString): TypeString, string(TypeDate): TypeDate,
	string(TypeDateTime): TypeDateTime, string(TypeUUID): TypeUUID,
}

// ParseUnderlyingType resolves a type name to its UnderlyingType, applying
// the Decimal32/64/128 prefix rule after the static name table misses.
func ParseUnderlyingType(name string) (UnderlyingType, error) {
	if t, ok := namedTypes[name]; ok {
		return t, nil
	}

	if strings.HasPrefix(name, "Decimal") {
		switch strings.TrimPrefix(name, "Decimal") {
		case "32":
			return TypeDecimal32, nil
		case "64":
			return TypeDecimal64, nil
		case "128":
			return TypeDecimal128, nil
		}
	}

	return "", fmt.Errorf("%w: unknown type %q", ErrConfigInvalid, name)
}

// FixedWidth returns the fixed in-memory width of t, or ok=false if t is
// variable-length (String) or otherwise has no fixed width.
func FixedWidth(t UnderlyingType) (size int, ok bool) {
	size, ok = fixedWidths[t]

	return size, ok
}

// Attribute is one entry in the dictionary's attribute list.
type Attribute struct {
	Name             string
	Type             string
	UnderlyingType   UnderlyingType
	Expression       string
	DefaultExpression string
	NullValue        string
	Hierarchical     bool
	Injective        bool
	IsObjectID       bool
}

// TypedSpecialAttribute is the id / range_min / range_max shape: an
// optionally-named, optionally-expression-backed value of a given type.
type TypedSpecialAttribute struct {
	Name       string
	Expression string
	Type       string
	Underlying UnderlyingType
}

// Structure is the validated schema: exactly one of ID or Key, an optional
// matched-type range, and a non-empty attribute list.
type Structure struct {
	ID    *TypedSpecialAttribute
	Key   []Attribute
	RangeMin *TypedSpecialAttribute
	RangeMax *TypedSpecialAttribute
	Attributes []Attribute
}

// Config is the YAML grammar this component validates against, carried as
// YAML rather than XML.
type Config struct {
	Name      string          `yaml:"name"`
	Source    string          `yaml:"source"`
	Layout    string          `yaml:"layout"`
	Structure StructureConfig `yaml:"structure"`
	Lifetime  LifetimeConfig  `yaml:"lifetime"`
}

// StructureConfig is the raw structure.* section of Config.
type StructureConfig struct {
	ID        *SpecialAttrConfig `yaml:"id"`
	Key       []AttrConfig       `yaml:"key"`
	RangeMin  *SpecialAttrConfig `yaml:"range_min"`
	RangeMax  *SpecialAttrConfig `yaml:"range_max"`
	Attribute []AttrConfig       `yaml:"attribute"`
}

// SpecialAttrConfig is the raw id/range_min/range_max shape.
type SpecialAttrConfig struct {
	Name       string `yaml:"name"`
	Expression string `yaml:"expression"`
	Type       string `yaml:"type"`
}

// AttrConfig is one raw attribute entry. Only the keys the source
// recognizes (name, type, expression, null_value, hierarchical, injective,
// is_object_id) are meaningful; an unrecognized key is a decode-time no-op
// under yaml.v3, so validation re-checks the recognized set explicitly is
// not required here — the grammar has no open map to police.
type AttrConfig struct {
	Name         string `yaml:"name"`
	Type         string `yaml:"type"`
	Expression   string `yaml:"expression"`
	NullValue    string `yaml:"null_value"`
	Hierarchical bool   `yaml:"hierarchical"`
	Injective    bool   `yaml:"injective"`
	IsObjectID   bool   `yaml:"is_object_id"`
}

// LifetimeConfig is the reload lifetime range consumed by the registry.
type LifetimeConfig struct {
	Min uint `yaml:"min"`
	Max uint `yaml:"max"`
}

const rangeDefaultType = "Date"

// Parse validates cfg and returns the resulting Structure, or an error
// tagged with ErrConfigInvalid / ErrTypeMismatch.
func Parse(cfg Config) (*Structure, error) {
	hasID := cfg.Structure.ID != nil
	hasKey := len(cfg.Structure.Key) > 0

	if hasID && hasKey {
		return nil, fmt.Errorf("%w: only one of 'id' and 'key' should be specified", ErrConfigInvalid)
	}

	if !hasID && !hasKey {
		return nil, fmt.Errorf("%w: dictionary structure should specify either 'id' or 'key'", ErrConfigInvalid)
	}

	s := &Structure{}

	if hasID {
		id, err := parseSpecialAttribute(*cfg.Structure.ID, "UInt64")
		if err != nil {
			return nil, err
		}

		if id.Name == "" {
			return nil, fmt.Errorf("%w: 'id' cannot be empty", ErrConfigInvalid)
		}

		s.ID = id

		rangeMin, err := parseOptionalRange(cfg.Structure.RangeMin)
		if err != nil {
			return nil, err
		}

		rangeMax, err := parseOptionalRange(cfg.Structure.RangeMax)
		if err != nil {
			return nil, err
		}

		if (rangeMin == nil) != (rangeMax == nil) {
			return nil, fmt.Errorf("%w: dictionary structure should have both 'range_min' and 'range_max' either specified or not", ErrConfigInvalid)
		}

		if rangeMin != nil && rangeMax != nil {
			if rangeMin.Type != rangeMax.Type {
				return nil, fmt.Errorf("%w: 'range_min' type %s does not match 'range_max' type %s",
					ErrTypeMismatch, rangeMin.Type, rangeMax.Type)
			}

			if !integerRepresentable[rangeMin.Underlying] {
				return nil, fmt.Errorf("%w: 'range_min'/'range_max' type must be an integer, Date, or DateTime, got %s",
					ErrConfigInvalid, rangeMin.Type)
			}
		}

		s.RangeMin, s.RangeMax = rangeMin, rangeMax
	} else {
		key, err := parseAttributes(cfg.Structure.Key)
		if err != nil {
			return nil, err
		}

		if len(key) == 0 {
			return nil, fmt.Errorf("%w: empty 'key' supplied", ErrConfigInvalid)
		}

		s.Key = key
	}

	attrs, err := parseAttributes(cfg.Structure.Attribute)
	if err != nil {
		return nil, err
	}

	if len(attrs) == 0 {
		return nil, fmt.Errorf("%w: dictionary has no attributes defined", ErrConfigInvalid)
	}

	s.Attributes = attrs

	return s, nil
}

func parseSpecialAttribute(c SpecialAttrConfig, defaultType string) (*TypedSpecialAttribute, error) {
	if c.Name == "" && c.Expression != "" {
		return nil, fmt.Errorf("%w: special attribute name is empty but expression is set", ErrConfigInvalid)
	}

	typeName := c.Type
	if typeName == "" {
		typeName = defaultType
	}

	underlying, err := ParseUnderlyingType(typeName)
	if err != nil {
		return nil, err
	}

	return &TypedSpecialAttribute{
		Name:       c.Name,
		Expression: c.Expression,
		Type:       typeName,
		Underlying: underlying,
	}, nil
}

func parseOptionalRange(c *SpecialAttrConfig) (*TypedSpecialAttribute, error) {
	if c == nil {
		return nil, nil
	}

	return parseSpecialAttribute(*c, rangeDefaultType)
}

func parseAttributes(cfgs []AttrConfig) ([]Attribute, error) {
	hasHierarchy := false

	attrs := make([]Attribute, 0, len(cfgs))

	for _, c := range cfgs {
		if c.Name == "" {
			return nil, fmt.Errorf("%w: attribute 'name' cannot be empty", ErrConfigInvalid)
		}

		underlying, err := ParseUnderlyingType(c.Type)
		if err != nil {
			return nil, err
		}

		if c.Hierarchical && hasHierarchy {
			return nil, fmt.Errorf("%w: only one hierarchical attribute supported", ErrConfigInvalid)
		}

		hasHierarchy = hasHierarchy || c.Hierarchical

		attrs = append(attrs, Attribute{
			Name:           c.Name,
			Type:           c.Type,
			UnderlyingType: underlying,
			Expression:     c.Expression,
			NullValue:      c.NullValue,
			Hierarchical:   c.Hierarchical,
			Injective:      c.Injective,
			IsObjectID:     c.IsObjectID,
		})
	}

	return attrs, nil
}

// ValidateKeyTypes compares actual, ordered type names, against the
// structure's declared key (or the single UInt64 id type).
func (s *Structure) ValidateKeyTypes(actual []string) error {
	expected := s.keyTypeNames()

	if len(actual) != len(expected) {
		return fmt.Errorf("%w: key structure does not match, expected %s", ErrTypeMismatch, s.GetKeyDescription())
	}

	for i, want := range expected {
		if actual[i] != want {
			return fmt.Errorf("%w: key type at position %d does not match, expected %s, found %s",
				ErrTypeMismatch, i, want, actual[i])
		}
	}

	return nil
}

func (s *Structure) keyTypeNames() []string {
	if s.ID != nil {
		return []string{"UInt64"}
	}

	names := make([]string, len(s.Key))
	for i, a := range s.Key {
		names[i] = a.Type
	}

	return names
}

// GetKeyDescription renders "UInt64" for the id case, or "(T1, T2, …)" for
// a composite key.
func (s *Structure) GetKeyDescription() string {
	if s.ID != nil {
		return "UInt64"
	}

	names := make([]string, len(s.Key))
	for i, a := range s.Key {
		names[i] = a.Type
	}

	return "(" + strings.Join(names, ", ") + ")"
}

// GetKeySize sums the per-attribute fixed widths of the key. The id form
// always reports 8 bytes (a UInt64). ok is false if any key attribute is
// variable-length.
func (s *Structure) GetKeySize() (size int, ok bool) {
	if s.ID != nil {
		return 8, true
	}

	total := 0

	for _, a := range s.Key {
		width, fixed := fixedWidths[a.UnderlyingType]
		if !fixed {
			return 0, false
		}

		total += width
	}

	return total, true
}
