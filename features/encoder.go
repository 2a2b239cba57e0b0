package features

import (
	"fmt"

	"tabmodel/schema"
)

type Option func(*Encoder)

// WithTextEncoder registers a text strategy under the name used by schemas.
func WithTextEncoder(name string, enc TextEncoder) Option {
	return func(e *Encoder) {
		e.strategies[name] = enc
	}
}

// Encoder is bound to one schema. It holds no mutable state after
// construction and may be shared by concurrent callers.
type Encoder struct {
	schema     *schema.Schema
	strategies map[string]TextEncoder
	enums      []map[string]int
	text       []TextEncoder
}

func NewEncoder(s *schema.Schema, opts ...Option) (*Encoder, error) {
	e := &Encoder{
		schema:     s,
		strategies: defaultTextEncoders(),
		enums:      make([]map[string]int, s.NumFeatures()),
		text:       make([]TextEncoder, s.NumFeatures()),
	}
	for _, opt := range opts {
		opt(e)
	}
	for i := 0; i < s.NumFeatures(); i++ {
		f := s.Feature(i)
		switch f.Kind {
		case schema.KindEnum:
			slots := make(map[string]int, len(f.Values))
			for j, v := range f.Values {
				slots[v] = j
			}
			e.enums[i] = slots
		case schema.KindText:
			name := f.TextEncoding
			if name == "" {
				name = HashTextEncoding
			}
			enc, ok := e.strategies[name]
			if !ok {
				return nil, fmt.Errorf("feature %q: unknown text encoding %q", f.Name, name)
			}
			e.text[i] = enc
		}
	}
	return e, nil
}

func (e *Encoder) Schema() *schema.Schema {
	return e.schema
}

func (e *Encoder) Dimension() int {
	return e.schema.EncodedDimension()
}

// Encode builds a fresh feature vector for r.
func (e *Encoder) Encode(r Record) []float64 {
	return e.EncodeInto(r, make([]float64, e.schema.EncodedDimension()))
}

// EncodeInto writes the feature vector for r into dst, reallocating when dst
// is too short, and returns the vector. It never fails: missing or
// unparsable numbers encode as 0 and unseen categories set the unknown slot.
func (e *Encoder) EncodeInto(r Record, dst []float64) []float64 {
	dim := e.schema.EncodedDimension()
	if cap(dst) < dim {
		dst = make([]float64, dim)
	}
	dst = dst[:dim]
	for i := range dst {
		dst[i] = 0
	}

	for i := 0; i < e.schema.NumFeatures(); i++ {
		f := e.schema.Feature(i)
		offset := e.schema.Offset(i)
		v := r[f.Name]
		switch f.Kind {
		case schema.KindNumber:
			if x, ok := v.Float(); ok {
				dst[offset] = x
			}
		case schema.KindEnum:
			slot := len(f.Values)
			if s, ok := v.Text(); ok {
				if j, known := e.enums[i][s]; known {
					slot = j
				}
			}
			dst[offset+slot] = 1
		case schema.KindText:
			if s, ok := v.Text(); ok {
				dst[offset] = notNaN(e.text[i].EncodeText(s))
			}
		}
	}
	return dst
}

// Unknowns lists the enum features of r that resolve to the unknown slot,
// including absent ones.
func (e *Encoder) Unknowns(r Record) []string {
	var names []string
	for i := 0; i < e.schema.NumFeatures(); i++ {
		f := e.schema.Feature(i)
		if f.Kind != schema.KindEnum {
			continue
		}
		s, ok := r[f.Name].Text()
		if !ok {
			names = append(names, f.Name)
			continue
		}
		if _, known := e.enums[i][s]; !known {
			names = append(names, f.Name)
		}
	}
	return names
}
