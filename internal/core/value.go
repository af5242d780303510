package core

import (
	"bytes"
	"encoding/json"
	"math"
	"sort"
	"strconv"
)

// Kind identifies the dynamic type held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindList
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return "unknown"
	}
}

// Value is a loosely-typed context value: null, bool, number, string, list or map.
// The zero Value is null.
type Value struct {
	kind Kind
	b    bool
	n    float64
	raw  string
	s    string
	list []Value
	m    map[string]Value
}

func Null() Value { return Value{} }
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }
func Number(n float64) Value { return Value{kind: KindNumber, n: n} }
func String(s string) Value { return Value{kind: KindString, s: s} }
func List(values ...Value) Value { return Value{kind: KindList, list: values} }
func Map(entries map[string]Value) Value { return Value{kind: KindMap, m: entries} }

func integer(i int64) Value {
	return Value{kind: KindNumber, n: float64(i), raw: strconv.FormatInt(i, 10)}
}

func unsigned(u uint64) Value {
	return Value{kind: KindNumber, n: float64(u), raw: strconv.FormatUint(u, 10)}
}

// ValueOf converts a Go value, typically decoded JSON, into a Value.
// Types outside the JSON data model are converted through a JSON round trip.
func ValueOf(v any) Value {
	switch t := v.(type) {
	case nil:
		return Null()
	case Value:
		return t
	case bool:
		return Bool(t)
	case string:
		return String(t)
	case int:
		return integer(int64(t))
	case int8:
		return integer(int64(t))
	case int16:
		return integer(int64(t))
	case int32:
		return integer(int64(t))
	case int64:
		return integer(t)
	case uint:
		return unsigned(uint64(t))
	case uint8:
		return unsigned(uint64(t))
	case uint16:
		return unsigned(uint64(t))
	case uint32:
		return unsigned(uint64(t))
	case uint64:
		return unsigned(t)
	case float32:
		return Number(float64(t))
	case float64:
		return Number(t)
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return String(t.String())
		}
		return Value{kind: KindNumber, n: f, raw: t.String()}
	case []Value:
		return List(t...)
	case []any:
		out := make([]Value, len(t))
		for i, item := range t {
			out[i] = ValueOf(item)
		}
		return List(out...)
	case []string:
		out := make([]Value, len(t))
		for i, item := range t {
			out[i] = String(item)
		}
		return List(out...)
	case map[string]Value:
		return Map(t)
	case map[string]any:
		out := make(map[string]Value, len(t))
		for k, item := range t {
			out[k] = ValueOf(item)
		}
		return Map(out)
	case map[string]string:
		out := make(map[string]Value, len(t))
		for k, item := range t {
			out[k] = String(item)
		}
		return Map(out)
	}

	encoded, err := json.Marshal(v)
	if err != nil {
		return Null()
	}
	var decoded Value
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		return Null()
	}
	return decoded
}

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }
func (v Value) Bool() bool { return v.b }
func (v Value) Float() float64 { return v.n }
func (v Value) Str() string { return v.s }
func (v Value) Items() []Value { return v.list }

// Field returns the entry for key when v is a map.
func (v Value) Field(key string) (Value, bool) {
	if v.kind != KindMap {
		return Value{}, false
	}
	item, ok := v.m[key]
	return item, ok
}

// Entries returns the underlying map of a map value. Callers must not mutate it.
func (v Value) Entries() map[string]Value {
	return v.m
}

// Select walks path through nested maps. An empty path, a missing key, a
// non-map intermediate or a null leaf all report absence.
func (v Value) Select(path []string) (Value, bool) {
	if len(path) == 0 {
		return Value{}, false
	}

	current := v
	for _, key := range path {
		next, ok := current.Field(key)
		if !ok {
			return Value{}, false
		}
		current = next
	}

	if current.IsNull() {
		return Value{}, false
	}
	return current, true
}

// Interface converts v back into plain Go values (nil, bool, float64, string, []any, map[string]any).
func (v Value) Interface() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		return v.n
	case KindString:
		return v.s
	case KindList:
		out := make([]any, len(v.list))
		for i, item := range v.list {
			out[i] = item.Interface()
		}
		return out
	case KindMap:
		out := make(map[string]any, len(v.m))
		for k, item := range v.m {
			out[k] = item.Interface()
		}
		return out
	default:
		return nil
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	v.encode(&buf)
	return buf.Bytes(), nil
}

func (v *Value) UnmarshalJSON(data []byte) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()

	var decoded any
	if err := decoder.Decode(&decoded); err != nil {
		return err
	}
	*v = ValueOf(decoded)
	return nil
}

func (v Value) encode(buf *bytes.Buffer) {
	switch v.kind {
	case KindBool:
		buf.WriteString(strconv.FormatBool(v.b))
	case KindNumber:
		buf.WriteString(v.numberText())
	case KindString:
		writeQuoted(buf, v.s)
	case KindList:
		buf.WriteByte('[')
		for i, item := range v.list {
			if i > 0 {
				buf.WriteByte(',')
			}
			item.encode(buf)
		}
		buf.WriteByte(']')
	case KindMap:
		keys := make([]string, 0, len(v.m))
		for k := range v.m {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeQuoted(buf, k)
			buf.WriteByte(':')
			v.m[k].encode(buf)
		}
		buf.WriteByte('}')
	default:
		buf.WriteString("null")
	}
}

func writeQuoted(buf *bytes.Buffer, s string) {
	encoder := json.NewEncoder(buf)
	encoder.SetEscapeHTML(false)
	_ = encoder.Encode(s)
	// Encode terminates every value with a newline.
	buf.Truncate(buf.Len() - 1)
}

func (v Value) numberText() string {
	if v.raw != "" {
		return v.raw
	}
	if math.IsNaN(v.n) || math.IsInf(v.n, 0) {
		return "null"
	}
	encoded, err := json.Marshal(v.n)
	if err != nil {
		return strconv.FormatFloat(v.n, 'g', -1, 64)
	}
	return string(encoded)
}

// coerceString renders a non-null value as the string compared against
// condition literals. Strings pass through; everything else is JSON encoded.
func coerceString(v Value) (string, bool) {
	switch v.kind {
	case KindNull:
		return "", false
	case KindString:
		return v.s, true
	default:
		encoded, _ := v.MarshalJSON()
		return string(encoded), true
	}
}

// coerceStringSet renders a list value, or a string holding a JSON array, as
// a set of strings. Null elements are dropped.
func coerceStringSet(v Value) (map[string]struct{}, bool) {
	var items []Value
	switch v.kind {
	case KindList:
		items = v.list
	case KindString:
		var parsed Value
		if err := parsed.UnmarshalJSON([]byte(v.s)); err != nil || parsed.kind != KindList {
			return nil, false
		}
		items = parsed.list
	default:
		return nil, false
	}

	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		if s, ok := coerceString(item); ok {
			set[s] = struct{}{}
		}
	}
	return set, true
}
