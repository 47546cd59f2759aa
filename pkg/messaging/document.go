package messaging

import (
	"bytes"
	"encoding"
	"encoding/json"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strings"
)

// Field is a single key/value pair of a Document.
type Field struct {
	Key   string
	Value any
}

// Document is a mapping that keeps insertion order, so the same message
// always serializes to the same bytes.
type Document []Field

// DocumentFromMap builds a Document from m with keys in sorted order.
func DocumentFromMap(m map[string]any) Document {
	keys := slices.Sorted(maps.Keys(m))
	doc := make(Document, 0, len(keys))
	for _, k := range keys {
		doc = append(doc, Field{Key: k, Value: m[k]})
	}
	return doc
}

// Get returns the value stored under key.
func (d Document) Get(key string) (any, bool) {
	for _, f := range d {
		if f.Key == key {
			return f.Value, true
		}
	}
	return nil, false
}

// Lookup lets a Document be the target of a named reference.
func (d Document) Lookup(name string) (any, bool) {
	return d.Get(name)
}

// Set replaces the value under key in place, or appends it.
func (d *Document) Set(key string, value any) {
	for i := range *d {
		if (*d)[i].Key == key {
			(*d)[i].Value = value
			return
		}
	}
	*d = append(*d, Field{Key: key, Value: value})
}

// Keys returns the keys in order.
func (d Document) Keys() []string {
	keys := make([]string, len(d))
	for i, f := range d {
		keys[i] = f.Key
	}
	return keys
}

// Clone returns a shallow copy.
func (d Document) Clone() Document {
	if d == nil {
		return Document{}
	}
	return slices.Clone(d)
}

// Map returns the fields as an unordered map.
func (d Document) Map() map[string]any {
	m := make(map[string]any, len(d))
	for _, f := range d {
		m[f.Key] = f.Value
	}
	return m
}

// Merge returns a copy of d with the entries of other set on top of it.
// other may be anything AsDocument accepts. ok is false when other is not a
// mapping.
func (d Document) Merge(other any) (merged Document, ok bool) {
	merged = d.Clone()
	fields, ok := AsDocument(other)
	if !ok {
		return merged, false
	}
	for _, f := range fields {
		merged.Set(f.Key, f.Value)
	}
	return merged, true
}

var (
	jsonMarshalerType = reflect.TypeFor[json.Marshaler]()
	textMarshalerType = reflect.TypeFor[encoding.TextMarshaler]()
)

// AsDocument returns v as a Document when v is a mapping: a Document, a
// string-keyed map (keys sorted) or a struct. Struct fields keep declaration
// order and are named, skipped and omitted per their json tags, so the result
// marshals like the struct would. Field values keep their Go types. Types
// with their own JSON or text encoding are not mappings.
func AsDocument(v any) (Document, bool) {
	switch x := v.(type) {
	case nil:
		return nil, false
	case Document:
		return x, true
	case map[string]any:
		return DocumentFromMap(x), true
	}

	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() || ownEncoding(rv.Type()) {
			return nil, false
		}
		rv = rv.Elem()
	}
	if ownEncoding(rv.Type()) {
		return nil, false
	}

	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		m := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			m[iter.Key().String()] = iter.Value().Interface()
		}
		return DocumentFromMap(m), true
	case reflect.Struct:
		return structDocument(rv), true
	default:
		return nil, false
	}
}

func ownEncoding(t reflect.Type) bool {
	pt := reflect.PointerTo(t)
	return t.Implements(jsonMarshalerType) || t.Implements(textMarshalerType) ||
		pt.Implements(jsonMarshalerType) || pt.Implements(textMarshalerType)
}

type structField struct {
	name      string
	index     []int
	omitEmpty bool
	omitZero  bool
}

// jsonFields lists the fields encoding/json would write for t, in order.
// Fields of embedded structs are promoted unless a shallower field, or an
// earlier promoted one, has the same name.
func jsonFields(t reflect.Type) []structField {
	return collectFields(t, map[reflect.Type]bool{})
}

func collectFields(t reflect.Type, visiting map[reflect.Type]bool) []structField {
	if visiting[t] {
		return nil
	}
	visiting[t] = true
	defer delete(visiting, t)

	own := make(map[string]bool, t.NumField())
	for i := range t.NumField() {
		if name, _, ok := namedField(t.Field(i)); ok {
			own[name] = true
		}
	}

	fields := make([]structField, 0, t.NumField())
	taken := make(map[string]bool, t.NumField())
	for i := range t.NumField() {
		sf := t.Field(i)
		if name, opts, ok := namedField(sf); ok {
			taken[name] = true
			fields = append(fields, structField{
				name:      name,
				index:     []int{i},
				omitEmpty: hasTagOption(opts, "omitempty"),
				omitZero:  hasTagOption(opts, "omitzero"),
			})
			continue
		}
		if ft, ok := embeddedStruct(sf); ok {
			for _, inner := range collectFields(ft, visiting) {
				if own[inner.name] || taken[inner.name] {
					continue
				}
				taken[inner.name] = true
				inner.index = append([]int{i}, inner.index...)
				fields = append(fields, inner)
			}
		}
	}
	return fields
}

// namedField reports the JSON name of a field written under its own key.
func namedField(sf reflect.StructField) (name, opts string, ok bool) {
	tag := sf.Tag.Get("json")
	if tag == "-" {
		return "", "", false
	}
	name, opts, _ = strings.Cut(tag, ",")
	if _, embedded := embeddedStruct(sf); embedded && name == "" {
		return "", "", false
	}
	if !sf.IsExported() {
		return "", "", false
	}
	if name == "" {
		name = sf.Name
	}
	return name, opts, true
}

// embeddedStruct reports whether sf is an untagged embedded struct whose
// fields are promoted.
func embeddedStruct(sf reflect.StructField) (reflect.Type, bool) {
	if !sf.Anonymous || sf.Tag.Get("json") == "-" {
		return nil, false
	}
	if name, _, _ := strings.Cut(sf.Tag.Get("json"), ","); name != "" {
		return nil, false
	}
	ft := sf.Type
	if ft.Kind() == reflect.Pointer {
		ft = ft.Elem()
	}
	if ft.Kind() != reflect.Struct || ownEncoding(ft) {
		return nil, false
	}
	return ft, true
}

// structDocument lists the JSON fields of rv with their Go values. Fields
// promoted through an unexported embedded struct cannot be read by reflection
// and take their value from the struct's JSON encoding instead.
func structDocument(rv reflect.Value) Document {
	fields := jsonFields(rv.Type())
	doc := make(Document, 0, len(fields))
	var encoded Document
	for _, f := range fields {
		fv, err := rv.FieldByIndexErr(f.index)
		if err != nil {
			// nil embedded pointer
			continue
		}
		if (f.omitEmpty && isEmptyValue(fv)) || (f.omitZero && fv.IsZero()) {
			continue
		}
		if fv.CanInterface() {
			doc = append(doc, Field{Key: f.name, Value: fv.Interface()})
			continue
		}
		if encoded == nil {
			encoded = encodedFields(rv)
		}
		if v, ok := encoded.Get(f.name); ok {
			doc = append(doc, Field{Key: f.name, Value: v})
		}
	}
	return doc
}

func encodedFields(rv reflect.Value) Document {
	raw, err := json.Marshal(rv.Interface())
	if err != nil {
		return Document{}
	}
	v, err := DecodeOrdered(raw)
	if err != nil {
		return Document{}
	}
	doc, ok := v.(Document)
	if !ok {
		return Document{}
	}
	return doc
}

func hasTagOption(opts, option string) bool {
	for opts != "" {
		var name string
		name, opts, _ = strings.Cut(opts, ",")
		if name == option {
			return true
		}
	}
	return false
}

// isEmptyValue mirrors the omitempty rule of encoding/json.
func isEmptyValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Array, reflect.Map, reflect.Slice, reflect.String:
		return v.Len() == 0
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64,
		reflect.Interface, reflect.Pointer:
		return v.IsZero()
	default:
		return false
	}
}

func (d Document) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range d {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(f.Key)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		value, err := json.Marshal(f.Value)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f.Key, err)
		}
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (d *Document) UnmarshalJSON(data []byte) error {
	v, err := DecodeOrdered(data)
	if err != nil {
		return err
	}
	if v == nil {
		*d = nil
		return nil
	}
	doc, ok := v.(Document)
	if !ok {
		return fmt.Errorf("cannot decode %T into a document", v)
	}
	*d = doc
	return nil
}

// DecodeOrdered decodes JSON keeping object key order: objects become
// Documents, arrays []any and numbers json.Number.
func DecodeOrdered(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	v, err := decodeValue(dec)
	if err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("unexpected data after top-level value")
	}
	return v, nil
}

func decodeValue(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			doc := Document{}
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, ok := keyTok.(string)
				if !ok {
					return nil, fmt.Errorf("unexpected object key %v", keyTok)
				}
				value, err := decodeValue(dec)
				if err != nil {
					return nil, err
				}
				doc = append(doc, Field{Key: key, Value: value})
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return doc, nil
		case '[':
			arr := []any{}
			for dec.More() {
				value, err := decodeValue(dec)
				if err != nil {
					return nil, err
				}
				arr = append(arr, value)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return arr, nil
		default:
			return nil, fmt.Errorf("unexpected delimiter %v", t)
		}
	default:
		return tok, nil
	}
}
