package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Record is one upserted payload: the primary id, the dense vector,
// and arbitrary scalar fields. It is a dynamic JSON object — numbers
// are kept as json.Number so the engine can tell an Integer (filter-
// indexable) from a Float (stored but never indexed). Strings, bools,
// nulls, arrays and nested objects round-trip through the scalar
// store untouched.
type Record map[string]any

// Reserved field names: carried in the payload but never treated as
// scalar data.
const (
	FieldID        = "id"
	FieldVectors   = "vectors"
	FieldIndexType = "index_type"
)

// ParseRecord decodes a JSON payload into a Record, preserving number
// fidelity via json.Number.
func ParseRecord(data []byte) (Record, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var rec Record
	if err := dec.Decode(&rec); err != nil {
		return nil, fmt.Errorf("%w: malformed record payload: %v", ErrBadRequest, err)
	}
	return rec, nil
}

// Marshal renders the record back to canonical single-line JSON.
// json.Number fields serialize verbatim, so a parse/marshal round
// trip is lossless.
func (r Record) Marshal() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal record: %v", ErrInternal, err)
	}
	return data, nil
}

// ID extracts the primary key.
func (r Record) ID() (uint64, error) {
	n, ok := r[FieldID].(json.Number)
	if !ok {
		return 0, fmt.Errorf("%w: record has no numeric %q field", ErrBadRequest, FieldID)
	}
	id, err := parseUintNumber(n)
	if err != nil {
		return 0, fmt.Errorf("%w: record id %q is not a u64", ErrBadRequest, n.String())
	}
	return id, nil
}

// Vector extracts the dense vector.
func (r Record) Vector() ([]float32, error) {
	raw, ok := r[FieldVectors].([]any)
	if !ok || len(raw) == 0 {
		return nil, fmt.Errorf("%w: record has no %q array", ErrBadRequest, FieldVectors)
	}
	vec := make([]float32, len(raw))
	for i, v := range raw {
		n, ok := v.(json.Number)
		if !ok {
			return nil, fmt.Errorf("%w: vector element %d is not a number", ErrBadRequest, i)
		}
		f, err := n.Float64()
		if err != nil {
			return nil, fmt.Errorf("%w: vector element %d: %v", ErrBadRequest, i, err)
		}
		vec[i] = float32(f)
	}
	return vec, nil
}

// IndexType extracts the target index kind string ("" when absent).
func (r Record) IndexType() string {
	s, _ := r[FieldIndexType].(string)
	return s
}

// IntFields returns every integer-valued scalar field, the slice of
// the record the filter index covers. Floats, strings and everything
// else are excluded, as are the reserved fields.
func (r Record) IntFields() map[string]int64 {
	out := make(map[string]int64)
	for field, value := range r {
		if field == FieldID || field == FieldVectors || field == FieldIndexType {
			continue
		}
		n, ok := value.(json.Number)
		if !ok {
			continue
		}
		if v, isInt := intValue(n); isInt {
			out[field] = v
		}
	}
	return out
}

// intValue reports whether n is an integer literal (no fraction, no
// exponent) and returns its value. "3.0" is a Float, not an Integer:
// the distinction is purely syntactic.
func intValue(n json.Number) (int64, bool) {
	s := n.String()
	if strings.ContainsAny(s, ".eE") {
		return 0, false
	}
	v, err := n.Int64()
	if err != nil {
		return 0, false
	}
	return v, true
}

func parseUintNumber(n json.Number) (uint64, error) {
	s := n.String()
	if strings.ContainsAny(s, ".eE") {
		return 0, fmt.Errorf("not an unsigned integer: %s", s)
	}
	return strconv.ParseUint(s, 10, 64)
}
