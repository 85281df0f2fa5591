package encoding

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ErrInvalidAttributes is returned when an attribute document cannot be stored
var ErrInvalidAttributes = errors.New("invalid attributes")

// maxAttributeDepth bounds nesting of attribute documents
const maxAttributeDepth = 32

// EncodeAttributes encodes an attribute document to its JSON column value.
// A nil document encodes to "{}".
func EncodeAttributes(attrs map[string]any) (string, error) {
	if attrs == nil {
		return "{}", nil
	}
	data, err := json.Marshal(attrs)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidAttributes, err)
	}
	return string(data), nil
}

// DecodeAttributes decodes a JSON column value. Empty input yields an empty map.
func DecodeAttributes(s string) (map[string]any, error) {
	attrs := map[string]any{}
	if strings.TrimSpace(s) == "" {
		return attrs, nil
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	if err := dec.Decode(&attrs); err != nil {
		return nil, fmt.Errorf("failed to decode attributes: %w", err)
	}
	return attrs, nil
}

// ValidateAttributes checks that a document has non-empty keys, bounded
// nesting and only JSON-representable values.
func ValidateAttributes(attrs map[string]any) error {
	return validateValue(attrs, 0)
}

func validateValue(v any, depth int) error {
	if depth > maxAttributeDepth {
		return fmt.Errorf("%w: nesting deeper than %d", ErrInvalidAttributes, maxAttributeDepth)
	}
	switch val := v.(type) {
	case nil, string, bool, float64, float32, int, int32, int64, uint, uint32, uint64, json.Number:
		return nil
	case map[string]any:
		for k, child := range val {
			if k == "" {
				return fmt.Errorf("%w: empty key", ErrInvalidAttributes)
			}
			if err := validateValue(child, depth+1); err != nil {
				return err
			}
		}
		return nil
	case []any:
		for _, child := range val {
			if err := validateValue(child, depth+1); err != nil {
				return err
			}
		}
		return nil
	case []string:
		return nil
	default:
		return fmt.Errorf("%w: unsupported value type %T", ErrInvalidAttributes, v)
	}
}

// FlattenText concatenates the searchable text of an attribute document:
// every string value and number, visited in key order.
func FlattenText(attrs map[string]any) string {
	var parts []string
	flatten(attrs, &parts)
	return strings.Join(parts, " ")
}

func flatten(v any, parts *[]string) {
	switch val := v.(type) {
	case string:
		if val != "" {
			*parts = append(*parts, val)
		}
	case float64:
		*parts = append(*parts, strconv.FormatFloat(val, 'f', -1, 64))
	case int:
		*parts = append(*parts, strconv.Itoa(val))
	case int64:
		*parts = append(*parts, strconv.FormatInt(val, 10))
	case json.Number:
		*parts = append(*parts, val.String())
	case []string:
		for _, s := range val {
			flatten(s, parts)
		}
	case []any:
		for _, child := range val {
			flatten(child, parts)
		}
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			flatten(val[k], parts)
		}
	}
}
