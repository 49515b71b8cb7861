package model

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

type ValueType string

const (
	STRING    ValueType = "string"
	NUMBER    ValueType = "number"
	BOOL      ValueType = "bool"
	TIMESTAMP ValueType = "timestamp"
	LIST      ValueType = "list"
	NULL      ValueType = "null"
)

// FieldValue is a tagged union of the value kinds an event or entity field
// can hold. Only the member selected by Type is meaningful.
type FieldValue struct {
	Type ValueType
	Str  string
	Num  float64
	Bool bool
	Time time.Time
	List []FieldValue
}

func String(s string) FieldValue { return FieldValue{Type: STRING, Str: s} }

func Number(n float64) FieldValue { return FieldValue{Type: NUMBER, Num: n} }

func Bool(b bool) FieldValue { return FieldValue{Type: BOOL, Bool: b} }

func Timestamp(t time.Time) FieldValue { return FieldValue{Type: TIMESTAMP, Time: t.UTC()} }

func List(items ...FieldValue) FieldValue { return FieldValue{Type: LIST, List: items} }

func Null() FieldValue { return FieldValue{Type: NULL} }

func (v FieldValue) IsNull() bool {
	return v.Type == NULL || v.Type == ""
}

// FromNative converts a decoded JSON value (or a plain Go scalar) into a
// FieldValue. Objects are rejected, callers flatten them first.
func FromNative(v any) (FieldValue, error) {
	switch val := v.(type) {
	case nil:
		return Null(), nil
	case FieldValue:
		return val, nil
	case string:
		return String(val), nil
	case bool:
		return Bool(val), nil
	case float64:
		return Number(val), nil
	case float32:
		return Number(float64(val)), nil
	case int:
		return Number(float64(val)), nil
	case int32:
		return Number(float64(val)), nil
	case int64:
		return Number(float64(val)), nil
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return FieldValue{}, fmt.Errorf("invalid number %s", val)
		}
		return Number(f), nil
	case time.Time:
		return Timestamp(val), nil
	case []string:
		items := make([]FieldValue, 0, len(val))
		for _, s := range val {
			items = append(items, String(s))
		}
		return List(items...), nil
	case []any:
		items := make([]FieldValue, 0, len(val))
		for i, item := range val {
			fv, err := FromNative(item)
			if err != nil {
				return FieldValue{}, fmt.Errorf("list item %d: %w", i, err)
			}
			items = append(items, fv)
		}
		return List(items...), nil
	default:
		return FieldValue{}, fmt.Errorf("unsupported value of type %T", v)
	}
}

// Native returns the plain Go representation used by templates and scripts.
// Timestamps become RFC3339 strings.
func (v FieldValue) Native() any {
	switch v.Type {
	case STRING:
		return v.Str
	case NUMBER:
		return v.Num
	case BOOL:
		return v.Bool
	case TIMESTAMP:
		return v.Time.Format(time.RFC3339Nano)
	case LIST:
		out := make([]any, 0, len(v.List))
		for _, item := range v.List {
			out = append(out, item.Native())
		}
		return out
	default:
		return nil
	}
}

// Coerce converts a value to the requested type where a lossless reading
// exists (RFC3339 strings to timestamps). It reports false otherwise.
func (v FieldValue) Coerce(t ValueType) (FieldValue, bool) {
	if v.Type == t {
		return v, true
	}
	if t == TIMESTAMP && v.Type == STRING {
		ts, err := time.Parse(time.RFC3339Nano, v.Str)
		if err != nil {
			return v, false
		}
		return Timestamp(ts), true
	}
	return v, false
}

func (v FieldValue) Equal(o FieldValue) bool {
	if v.IsNull() && o.IsNull() {
		return true
	}
	if v.Type != o.Type {
		return false
	}
	switch v.Type {
	case STRING:
		return v.Str == o.Str
	case NUMBER:
		return v.Num == o.Num
	case BOOL:
		return v.Bool == o.Bool
	case TIMESTAMP:
		return v.Time.Equal(o.Time)
	case LIST:
		if len(v.List) != len(o.List) {
			return false
		}
		for i := range v.List {
			if !v.List[i].Equal(o.List[i]) {
				return false
			}
		}
		return true
	}
	return false
}

func (v FieldValue) String() string {
	switch v.Type {
	case STRING:
		return v.Str
	case LIST:
		parts := make([]string, 0, len(v.List))
		for _, item := range v.List {
			parts = append(parts, item.String())
		}
		return "[" + strings.Join(parts, ",") + "]"
	case NULL, "":
		return "null"
	default:
		return fmt.Sprintf("%v", v.Native())
	}
}

type wireValue struct {
	Type  ValueType       `json:"type"`
	Value json.RawMessage `json:"value,omitempty"`
}

func (v FieldValue) MarshalJSON() ([]byte, error) {
	t := v.Type
	if t == "" {
		t = NULL
	}
	var raw []byte
	var err error
	switch t {
	case LIST:
		items := v.List
		if items == nil {
			items = []FieldValue{}
		}
		raw, err = json.Marshal(items)
	case NULL:
		return json.Marshal(wireValue{Type: NULL})
	default:
		raw, err = json.Marshal(v.Native())
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireValue{Type: t, Value: raw})
}

func (v *FieldValue) UnmarshalJSON(data []byte) error {
	var w wireValue
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch w.Type {
	case NULL, "":
		*v = Null()
		return nil
	case STRING:
		var s string
		if err := json.Unmarshal(w.Value, &s); err != nil {
			return err
		}
		*v = String(s)
	case NUMBER:
		var n float64
		if err := json.Unmarshal(w.Value, &n); err != nil {
			return err
		}
		*v = Number(n)
	case BOOL:
		var b bool
		if err := json.Unmarshal(w.Value, &b); err != nil {
			return err
		}
		*v = Bool(b)
	case TIMESTAMP:
		var s string
		if err := json.Unmarshal(w.Value, &s); err != nil {
			return err
		}
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return err
		}
		*v = Timestamp(ts)
	case LIST:
		var items []FieldValue
		if err := json.Unmarshal(w.Value, &items); err != nil {
			return err
		}
		*v = List(items...)
	default:
		return fmt.Errorf("unknown value type %q", w.Type)
	}
	return nil
}

// Fields maps flattened (dot separated) field names to values.
type Fields map[string]FieldValue

// FlattenPayload converts a schema-less payload into Fields. Nested objects
// become dotted names, objects nested inside lists are not representable.
func FlattenPayload(payload map[string]any) (Fields, error) {
	out := make(Fields)
	if err := flatten("", payload, out); err != nil {
		return nil, err
	}
	return out, nil
}

func flatten(prefix string, in map[string]any, out Fields) error {
	for k, v := range in {
		if k == "" {
			return fmt.Errorf("empty field name under %q", prefix)
		}
		name := k
		if prefix != "" {
			name = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			if err := flatten(name, nested, out); err != nil {
				return err
			}
			continue
		}
		fv, err := FromNative(v)
		if err != nil {
			return fmt.Errorf("field %s: %w", name, err)
		}
		out[name] = fv
	}
	return nil
}

// Native rebuilds the nested plain-Go view of the fields. A dotted name whose
// parent is itself a scalar field is kept flat.
func (f Fields) Native() map[string]any {
	out := make(map[string]any, len(f))
	names := make([]string, 0, len(f))
	for k := range f {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, name := range names {
		val := f[name].Native()
		parts := strings.Split(name, ".")
		cur := out
		placed := true
		for _, part := range parts[:len(parts)-1] {
			next, exists := cur[part]
			if !exists {
				m := make(map[string]any)
				cur[part] = m
				cur = m
				continue
			}
			m, ok := next.(map[string]any)
			if !ok {
				out[name] = val
				placed = false
				break
			}
			cur = m
		}
		if placed {
			cur[parts[len(parts)-1]] = val
		}
	}
	return out
}

func (f Fields) Clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}
