package encoding

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttributesRoundTrip(t *testing.T) {
	attrs := map[string]any{
		"name": "trip_distance",
		"tags": []any{"taxi", "nyc"},
		"spec": map[string]any{"window": float64(3), "ok": true},
	}
	s, err := EncodeAttributes(attrs)
	require.NoError(t, err)

	got, err := DecodeAttributes(s)
	require.NoError(t, err)
	assert.Equal(t, attrs, got)

	empty, err := EncodeAttributes(nil)
	require.NoError(t, err)
	assert.Equal(t, "{}", empty)

	got, err = DecodeAttributes("")
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = DecodeAttributes("{not json")
	assert.Error(t, err)
}

func TestValidateAttributes(t *testing.T) {
	assert.NoError(t, ValidateAttributes(nil))
	assert.NoError(t, ValidateAttributes(map[string]any{"a": []any{1, "x"}}))
	assert.ErrorIs(t, ValidateAttributes(map[string]any{"": 1}), ErrInvalidAttributes)
	assert.ErrorIs(t, ValidateAttributes(map[string]any{"f": func() {}}), ErrInvalidAttributes)

	deep := map[string]any{}
	cur := deep
	for i := 0; i < maxAttributeDepth+2; i++ {
		next := map[string]any{}
		cur["n"] = next
		cur = next
	}
	assert.ErrorIs(t, ValidateAttributes(deep), ErrInvalidAttributes)
}

func TestFlattenText(t *testing.T) {
	attrs := map[string]any{
		"b":    "second",
		"a":    "first",
		"tags": []any{"x", float64(2)},
		"skip": true,
	}
	assert.Equal(t, "first second x 2", FlattenText(attrs))
	assert.Empty(t, FlattenText(nil))
}
