package closing

import (
	"encoding/json"
	"fmt"
)

// DefaultDimensions are always grouped on, ahead of any configured extras.
var DefaultDimensions = []string{"cost_center", "finance_book", "project"}

// DimensionKey is the canonical encoding of an ordered tuple of optional
// dimension values. The encoding is the JSON array of the values with null for
// an absent value, e.g. ["Main",null,null]. It is comparable, usable as a JSON
// object key and decodes back to the exact tuple as long as every value is
// valid UTF-8; json.Marshal folds invalid bytes to U+FFFD, so the aggregator
// rejects such values before building keys.
type DimensionKey string

// NewDimensionKey encodes the tuple. A nil element is the absent value.
func NewDimensionKey(values ...*string) DimensionKey {
	if values == nil {
		values = []*string{}
	}
	raw, err := json.Marshal(values)
	if err != nil {
		// []*string always marshals.
		panic(err)
	}
	return DimensionKey(raw)
}

// ParseDimensionKey validates and normalises an encoded key.
func ParseDimensionKey(s string) (DimensionKey, error) {
	var values []*string
	if err := json.Unmarshal([]byte(s), &values); err != nil {
		return "", fmt.Errorf("closing: parse dimension key %q: %w", s, err)
	}
	return NewDimensionKey(values...), nil
}

// Values decodes the tuple.
func (k DimensionKey) Values() []*string {
	var values []*string
	if err := json.Unmarshal([]byte(k), &values); err != nil {
		return nil
	}
	return values
}

// Tags maps the tuple onto dimension names; absent values are omitted.
func (k DimensionKey) Tags(dimensions []string) map[string]string {
	values := k.Values()
	tags := make(map[string]string, len(values))
	for i, v := range values {
		if v == nil || i >= len(dimensions) {
			continue
		}
		tags[dimensions[i]] = *v
	}
	return tags
}

// Len reports the tuple arity.
func (k DimensionKey) Len() int {
	return len(k.Values())
}
