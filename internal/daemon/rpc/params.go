package rpc

import (
	"encoding/json"
	"fmt"
	"math"
)

// Params is a request's params object with typed accessors. A missing,
// null, or non-object params value behaves as an empty object for the
// optional accessors.
type Params struct {
	raw    json.RawMessage
	fields map[string]json.RawMessage
	object bool
}

// ParseParams wraps raw request params.
func ParseParams(raw json.RawMessage) Params {
	p := Params{raw: raw}
	if err := json.Unmarshal(raw, &p.fields); err == nil && p.fields != nil {
		p.object = true
	}
	return p
}

// Raw returns the params exactly as received.
func (p Params) Raw() json.RawMessage { return p.raw }

func (p Params) field(key string) (json.RawMessage, bool) {
	v, ok := p.fields[key]
	if !ok || string(v) == "null" {
		return nil, false
	}
	return v, true
}

// String returns a required string field.
func (p Params) String(key string) (string, error) {
	if !p.object {
		return "", fmt.Errorf("missing `%s`", key)
	}
	if s, ok := p.OptString(key); ok {
		return s, nil
	}
	return "", fmt.Errorf("missing or invalid `%s`", key)
}

// OptString returns a string field if present and a string.
func (p Params) OptString(key string) (string, bool) {
	v, ok := p.field(key)
	if !ok {
		return "", false
	}
	var s string
	if json.Unmarshal(v, &s) != nil {
		return "", false
	}
	return s, true
}

// OptStringPtr is OptString as a pointer, nil when absent.
func (p Params) OptStringPtr(key string) *string {
	if s, ok := p.OptString(key); ok {
		return &s
	}
	return nil
}

// OptUint64 returns a non-negative integer field.
func (p Params) OptUint64(key string) (uint64, bool) {
	v, ok := p.field(key)
	if !ok {
		return 0, false
	}
	var n uint64
	if json.Unmarshal(v, &n) != nil {
		return 0, false
	}
	return n, true
}

// OptUint32 returns a non-negative integer field that fits in 32 bits.
func (p Params) OptUint32(key string) (uint32, bool) {
	n, ok := p.OptUint64(key)
	if !ok || n > math.MaxUint32 {
		return 0, false
	}
	return uint32(n), true
}

// OptBool returns a boolean field.
func (p Params) OptBool(key string) (bool, bool) {
	v, ok := p.field(key)
	if !ok {
		return false, false
	}
	var b bool
	if json.Unmarshal(v, &b) != nil {
		return false, false
	}
	return b, true
}

// OptStrings returns the string elements of an array field, skipping
// elements of other types.
func (p Params) OptStrings(key string) ([]string, bool) {
	v, ok := p.field(key)
	if !ok {
		return nil, false
	}
	var items []json.RawMessage
	if json.Unmarshal(v, &items) != nil {
		return nil, false
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		var s string
		if json.Unmarshal(item, &s) == nil {
			out = append(out, s)
		}
	}
	return out, true
}

// Strings returns a required array-of-strings field.
func (p Params) Strings(key string) ([]string, error) {
	if s, ok := p.OptStrings(key); ok {
		return s, nil
	}
	return nil, fmt.Errorf("missing `%s`", key)
}

// OptValue returns any field's raw JSON.
func (p Params) OptValue(key string) (json.RawMessage, bool) {
	return p.field(key)
}

// Value returns any required field's raw JSON.
func (p Params) Value(key string) (json.RawMessage, error) {
	if v, ok := p.field(key); ok {
		return v, nil
	}
	return nil, fmt.Errorf("missing `%s`", key)
}

// Decode unmarshals a field into v. An absent field decodes JSON null.
func (p Params) Decode(key string, v any) error {
	raw, ok := p.fields[key]
	if !ok {
		raw = json.RawMessage("null")
	}
	return json.Unmarshal(raw, v)
}
