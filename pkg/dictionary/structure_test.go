package dictionary

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validAttrs() []AttrConfig {
	return []AttrConfig{{Name: "name", Type: "String"}}
}

func TestParse_BothIDAndKeyIsConfigInvalid(t *testing.T) {
	cfg := Config{Structure: StructureConfig{
		ID:        &SpecialAttrConfig{Name: "id"},
		Key:       []AttrConfig{{Name: "k", Type: "UInt32"}},
		Attribute: validAttrs(),
	}}

	_, err := Parse(cfg)
	require.ErrorIs(t, err, ErrConfigInvalid)
}

func TestParse_NeitherIDNorKeyIsConfigInvalid(t *testing.T) {
	cfg := Config{Structure: StructureConfig{Attribute: validAttrs()}}

	_, err := Parse(cfg)
	require.ErrorIs(t, err, ErrConfigInvalid)
}

func TestParse_RangeTypeMismatch(t *testing.T) {
	cfg := Config{Structure: StructureConfig{
		ID:        &SpecialAttrConfig{Name: "id"},
		RangeMin:  &SpecialAttrConfig{Name: "rmin", Type: "Date"},
		RangeMax:  &SpecialAttrConfig{Name: "rmax", Type: "DateTime"},
		Attribute: validAttrs(),
	}}

	_, err := Parse(cfg)
	require.ErrorIs(t, err, ErrTypeMismatch)
}

func TestParse_TwoHierarchicalAttributesIsConfigInvalid(t *testing.T) {
	cfg := Config{Structure: StructureConfig{
		ID: &SpecialAttrConfig{Name: "id"},
		Attribute: []AttrConfig{
			{Name: "a", Type: "String", Hierarchical: true},
			{Name: "b", Type: "String", Hierarchical: true},
		},
	}}

	_, err := Parse(cfg)
	require.ErrorIs(t, err, ErrConfigInvalid)
}

func TestParse_ValidIDDictionary(t *testing.T) {
	cfg := Config{Structure: StructureConfig{
		ID:        &SpecialAttrConfig{Name: "id"},
		Attribute: validAttrs(),
	}}

	s, err := Parse(cfg)
	require.NoError(t, err)
	assert.Equal(t, "UInt64", s.GetKeyDescription())

	size, ok := s.GetKeySize()
	assert.True(t, ok)
	assert.Equal(t, 8, size)
}

func TestParse_ValidCompositeKeyDictionary(t *testing.T) {
	cfg := Config{Structure: StructureConfig{
		Key: []AttrConfig{
			{Name: "region", Type: "UInt32"},
			{Name: "code", Type: "UInt16"},
		},
		Attribute: validAttrs(),
	}}

	s, err := Parse(cfg)
	require.NoError(t, err)
	assert.Equal(t, "(UInt32, UInt16)", s.GetKeyDescription())

	size, ok := s.GetKeySize()
	assert.True(t, ok)
	assert.Equal(t, 6, size)

	require.NoError(t, s.ValidateKeyTypes([]string{"UInt32", "UInt16"}))
	assert.ErrorIs(t, s.ValidateKeyTypes([]string{"UInt32"}), ErrTypeMismatch)
	assert.ErrorIs(t, s.ValidateKeyTypes([]string{"UInt16", "UInt32"}), ErrTypeMismatch)
}

func TestParse_VariableLengthKeyHasUndefinedSize(t *testing.T) {
	cfg := Config{Structure: StructureConfig{
		Key:       []AttrConfig{{Name: "name", Type: "String"}},
		Attribute: validAttrs(),
	}}

	s, err := Parse(cfg)
	require.NoError(t, err)

	_, ok := s.GetKeySize()
	assert.False(t, ok)
}

func TestParseUnderlyingType_DecimalPrefixRule(t *testing.T) {
	for typeName, want := range map[string]UnderlyingType{
		"Decimal32":  TypeDecimal32,
		"Decimal64":  TypeDecimal64,
		"Decimal128": TypeDecimal128,
	} {
		got, err := ParseUnderlyingType(typeName)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := ParseUnderlyingType("Decimal256")
	require.ErrorIs(t, err, ErrConfigInvalid)
}
