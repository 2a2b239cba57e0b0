package features

import (
	"fmt"
	"sort"

	json "github.com/goccy/go-json"
)

// Record maps feature names to scalar values. Missing keys, extra keys and
// missing values are all allowed.
type Record map[string]Value

// NewRecord builds a record from plain Go values.
func NewRecord(fields map[string]any) (Record, error) {
	r := make(Record, len(fields))
	for name, x := range fields {
		v, err := FromAny(x)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", name, err)
		}
		if v.IsMissing() {
			continue
		}
		r[name] = v
	}
	return r, nil
}

// ParseRecord decodes a flat JSON object. Null fields are dropped.
func ParseRecord(data []byte) (Record, error) {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	if fields == nil {
		return nil, fmt.Errorf("decode record: expected an object")
	}
	return NewRecord(fields)
}

func (r *Record) UnmarshalJSON(data []byte) error {
	parsed, err := ParseRecord(data)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Keys returns the field names in sorted order.
func (r Record) Keys() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (r Record) Equal(other Record) bool {
	if len(r) != len(other) {
		return false
	}
	for k, v := range r {
		o, ok := other[k]
		if !ok || !v.Equal(o) {
			return false
		}
	}
	return true
}
