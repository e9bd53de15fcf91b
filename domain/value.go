package domain

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// ValueKind tags the variant held by a Value.
type ValueKind string

const (
	KindNull          ValueKind = "null"
	KindBool          ValueKind = "bool"
	KindInt           ValueKind = "int"
	KindFloat         ValueKind = "float"
	KindString        ValueKind = "string"
	KindSymbol        ValueKind = "symbol"
	KindList          ValueKind = "list"
	KindSet           ValueKind = "set"
	KindMap           ValueKind = "map"
	KindRef           ValueKind = "ref"
	KindUnpersistable ValueKind = "unpersistable"
)

// Value is an attribute value. References to other aggregates are held by id
// only, never by embedding the referenced object.
type Value struct {
	Kind  ValueKind
	Bool  bool
	Int   int64
	Float float64
	// Str holds string, symbol, ref id and the unpersistable description.
	Str  string
	List []Value
	Map  map[string]Value
}

// Referencer is implemented by anything that can be stored as a reference.
type Referencer interface {
	GetID() string
	GetType() AggregateType
}

func Null() Value                  { return Value{Kind: KindNull} }
func Bool(b bool) Value            { return Value{Kind: KindBool, Bool: b} }
func Int(i int64) Value            { return Value{Kind: KindInt, Int: i} }
func Float(f float64) Value        { return Value{Kind: KindFloat, Float: f} }
func String(s string) Value        { return Value{Kind: KindString, Str: s} }
func Symbol(s string) Value        { return Value{Kind: KindSymbol, Str: s} }
func Ref(id string) Value          { return Value{Kind: KindRef, Str: id} }
func Unpersistable(d string) Value { return Value{Kind: KindUnpersistable, Str: d} }
func List(items ...Value) Value    { return Value{Kind: KindList, List: nilIfEmpty(items)} }
func Map(m map[string]Value) Value { return Value{Kind: KindMap, Map: nonNilMap(m)} }

// Set returns a set value. Elements are deduplicated and kept in canonical
// order so equal sets always encode identically.
func Set(items ...Value) Value {
	seen := make(map[string]Value, len(items))
	for _, item := range items {
		seen[item.key()] = item
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Value, 0, len(keys))
	for _, k := range keys {
		out = append(out, seen[k])
	}
	return Value{Kind: KindSet, List: nilIfEmpty(out)}
}

// ValueOf converts a plain Go value into a Value.
func ValueOf(x any) (Value, error) {
	switch v := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return v, nil
	case Referencer:
		if !KnownAggregateType(v.GetType()) {
			return Value{}, &SerializationError{Reason: fmt.Sprintf("unregistered reference type %q", v.GetType())}
		}
		return Ref(v.GetID()), nil
	case bool:
		return Bool(v), nil
	case string:
		return String(v), nil
	case int:
		return Int(int64(v)), nil
	case int32:
		return Int(int64(v)), nil
	case int64:
		return Int(v), nil
	case float32:
		return Float(float64(v)), nil
	case float64:
		return Float(v), nil
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return Int(i), nil
		}
		f, err := v.Float64()
		if err != nil {
			return Value{}, &SerializationError{Reason: fmt.Sprintf("bad number %q", v.String()), Err: err}
		}
		return Float(f), nil
	case []any:
		items := make([]Value, 0, len(v))
		for _, item := range v {
			converted, err := ValueOf(item)
			if err != nil {
				return Value{}, err
			}
			items = append(items, converted)
		}
		return List(items...), nil
	case map[string]any:
		if tagged, ok, err := taggedValue(v); ok {
			return tagged, err
		}
		m := make(map[string]Value, len(v))
		for k, item := range v {
			converted, err := ValueOf(item)
			if err != nil {
				return Value{}, err
			}
			m[k] = converted
		}
		return Map(m), nil
	}

	if reflect.TypeOf(x).Kind() == reflect.Func {
		return Unpersistable(fmt.Sprintf("%T", x)), nil
	}
	return Value{}, &SerializationError{Reason: fmt.Sprintf("unsupported attribute value of type %T", x)}
}

// taggedValue reads the {"t": kind, "v": data} form written by MarshalJSON
// after it has been decoded as generic JSON. Maps with other keys, or whose
// "t" names no kind, are left to be treated as plain maps.
func taggedValue(m map[string]any) (Value, bool, error) {
	kind, ok := m["t"].(string)
	if !ok || !knownKind(ValueKind(kind)) {
		return Value{}, false, nil
	}
	for k := range m {
		if k != "t" && k != "v" {
			return Value{}, false, nil
		}
	}

	raw, err := json.Marshal(m)
	if err != nil {
		return Value{}, true, &SerializationError{Reason: "encode tagged value", Err: err}
	}
	var out Value
	if err := out.UnmarshalJSON(raw); err != nil {
		return Value{}, true, &SerializationError{Reason: "decode tagged value", Err: err}
	}
	if out.Kind == KindSet {
		out = Set(out.List...)
	}
	return out, true, nil
}

func knownKind(k ValueKind) bool {
	switch k {
	case KindNull, KindBool, KindInt, KindFloat, KindString, KindSymbol,
		KindList, KindSet, KindMap, KindRef, KindUnpersistable:
		return true
	}
	return false
}

// Equal reports whether two values hold the same data.
func (v Value) Equal(o Value) bool {
	return v.key() == o.key()
}

// Interface returns the value as plain Go data, used by read models.
func (v Value) Interface() any {
	switch v.Kind {
	case KindBool:
		return v.Bool
	case KindInt:
		return v.Int
	case KindFloat:
		return v.Float
	case KindString, KindSymbol, KindRef, KindUnpersistable:
		return v.Str
	case KindList, KindSet:
		out := make([]any, 0, len(v.List))
		for _, item := range v.List {
			out = append(out, item.Interface())
		}
		return out
	case KindMap:
		out := make(map[string]any, len(v.Map))
		for k, item := range v.Map {
			out[k] = item.Interface()
		}
		return out
	default:
		return nil
	}
}

// Refs returns the ids of every reference nested in the value.
func (v Value) Refs() []string {
	var ids []string
	switch v.Kind {
	case KindRef:
		ids = append(ids, v.Str)
	case KindList, KindSet:
		for _, item := range v.List {
			ids = append(ids, item.Refs()...)
		}
	case KindMap:
		keys := sortedKeys(v.Map)
		for _, k := range keys {
			ids = append(ids, v.Map[k].Refs()...)
		}
	}
	return ids
}

// key is a canonical textual form used for set ordering and equality.
func (v Value) key() string {
	var b strings.Builder
	v.writeKey(&b)
	return b.String()
}

func (v Value) writeKey(b *strings.Builder) {
	b.WriteString(string(v.Kind))
	b.WriteByte('(')
	switch v.Kind {
	case KindBool:
		b.WriteString(strconv.FormatBool(v.Bool))
	case KindInt:
		b.WriteString(strconv.FormatInt(v.Int, 10))
	case KindFloat:
		b.WriteString(strconv.FormatFloat(v.Float, 'g', -1, 64))
	case KindString, KindSymbol, KindRef, KindUnpersistable:
		b.WriteString(strconv.Quote(v.Str))
	case KindList, KindSet:
		for i, item := range v.List {
			if i > 0 {
				b.WriteByte(',')
			}
			item.writeKey(b)
		}
	case KindMap:
		for i, k := range sortedKeys(v.Map) {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.Quote(k))
			b.WriteByte(':')
			v.Map[k].writeKey(b)
		}
	}
	b.WriteByte(')')
}

type wireValue struct {
	T ValueKind       `json:"t"`
	V json.RawMessage `json:"v,omitempty"`
}

// MarshalJSON encodes the value as {"t": kind, "v": data}.
func (v Value) MarshalJSON() ([]byte, error) {
	var data any
	switch v.Kind {
	case KindNull:
	case KindBool:
		data = v.Bool
	case KindInt:
		data = v.Int
	case KindFloat:
		data = v.Float
	case KindString, KindSymbol, KindRef, KindUnpersistable:
		data = v.Str
	case KindList, KindSet:
		data = v.List
	case KindMap:
		data = v.Map
	default:
		return nil, &SerializationError{Reason: fmt.Sprintf("unknown value kind %q", v.Kind)}
	}

	w := wireValue{T: v.Kind}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, &SerializationError{Reason: "encode value", Err: err}
		}
		w.V = raw
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the tagged form written by MarshalJSON.
func (v *Value) UnmarshalJSON(data []byte) error {
	var w wireValue
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	out := Value{Kind: w.T}
	var err error
	switch w.T {
	case KindNull:
	case KindBool:
		err = decodeOptional(w.V, &out.Bool)
	case KindInt:
		err = decodeOptional(w.V, &out.Int)
	case KindFloat:
		err = decodeOptional(w.V, &out.Float)
	case KindString, KindSymbol, KindRef, KindUnpersistable:
		err = decodeOptional(w.V, &out.Str)
	case KindList, KindSet:
		err = decodeOptional(w.V, &out.List)
		out.List = nilIfEmpty(out.List)
	case KindMap:
		err = decodeOptional(w.V, &out.Map)
		out.Map = nonNilMap(out.Map)
	default:
		return fmt.Errorf("unknown value kind %q", w.T)
	}
	if err != nil {
		return fmt.Errorf("decode %s value: %w", w.T, err)
	}

	*v = out
	return nil
}

func decodeOptional(raw json.RawMessage, target any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, target)
}

func nilIfEmpty(items []Value) []Value {
	if len(items) == 0 {
		return nil
	}
	return items
}

func nonNilMap(m map[string]Value) map[string]Value {
	if m == nil {
		return map[string]Value{}
	}
	return m
}

func sortedKeys(m map[string]Value) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// CloneAttributes copies an attribute map so callers cannot alias aggregate state.
func CloneAttributes(in map[string]Value) map[string]Value {
	out := make(map[string]Value, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
