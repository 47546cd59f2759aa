package messaging

import (
	"reflect"
	"time"
)

// TimestampLayout renders milliseconds and a numeric offset. UTC renders
// with a Z instead; see Timestamp.
const (
	TimestampLayout = "2006-01-02T15:04:05.000-07:00"
	utcLayout       = "2006-01-02T15:04:05.000Z"
)

// Timestamp is a point in time bound to the configured zone. It serializes
// with TimestampLayout. Only UTC zones are written with a Z; other zones at
// offset zero, such as GMT, are written as +00:00.
type Timestamp struct {
	time.Time
}

func (t Timestamp) layout() string {
	name, offset := t.Zone()
	if offset == 0 && (name == "UTC" || name == "UCT") {
		return utcLayout
	}
	return TimestampLayout
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	b := make([]byte, 0, len(TimestampLayout)+2)
	b = append(b, '"')
	b = t.AppendFormat(b, t.layout())
	b = append(b, '"')
	return b, nil
}

func (t Timestamp) String() string {
	return t.Format(t.layout())
}

// ConvertTimes walks v and returns a structurally equivalent copy in which
// every time value is a Timestamp in loc. Documents, string-keyed maps and
// slices are recursed into; order is preserved and no value is dropped.
// Structs become Documents of their JSON fields (see AsDocument).
func ConvertTimes(v any, loc *time.Location) any {
	switch x := v.(type) {
	case nil:
		return nil
	case time.Time:
		return Timestamp{x.In(loc)}
	case *time.Time:
		if x == nil {
			return nil
		}
		return Timestamp{x.In(loc)}
	case Timestamp:
		return Timestamp{x.In(loc)}
	case Document:
		out := make(Document, len(x))
		for i, f := range x {
			out[i] = Field{Key: f.Key, Value: ConvertTimes(f.Value, loc)}
		}
		return out
	case map[string]any:
		if x == nil {
			return x
		}
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = ConvertTimes(val, loc)
		}
		return out
	case []any:
		if x == nil {
			return x
		}
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = ConvertTimes(val, loc)
		}
		return out
	case []byte, string:
		return v
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		if rv.IsNil() || rv.Type().Key().Kind() != reflect.String {
			return v
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = ConvertTimes(iter.Value().Interface(), loc)
		}
		return out
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return v
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return v
		}
		out := make([]any, rv.Len())
		for i := range rv.Len() {
			out[i] = ConvertTimes(rv.Index(i).Interface(), loc)
		}
		return out
	case reflect.Struct, reflect.Pointer:
		if doc, ok := AsDocument(v); ok {
			return ConvertTimes(doc, loc)
		}
		return v
	default:
		return v
	}
}
