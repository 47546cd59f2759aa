package publish

import (
	"encoding/json"
	"fmt"
	"reflect"
	"slices"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/ava-labs/lifecycle-publisher/pkg/messaging"
)

// Serializer turns an entity into the message blob. options are the spec's
// SerializerOptions and are never nil.
type Serializer interface {
	Serialize(entity any, options map[string]any) (any, error)
}

// SerializerFunc adapts a function to Serializer.
type SerializerFunc func(entity any, options map[string]any) (any, error)

func (f SerializerFunc) Serialize(entity any, options map[string]any) (any, error) {
	return f(entity, options)
}

// Serializer options understood by Attributes.
const (
	OptionOnly   = "only"
	OptionExcept = "except"
	OptionRoot   = "root"
)

// Attributes returns a Serializer that picks fields out of the entity. Fields
// are paths over the entity's JSON field names ("name", "customer.email",
// "items.0.sku") and become the keys of the blob, in the given order; missing
// fields are null. Picked values keep their Go types, so times are converted
// like any other time in the message and integers stay exact. Paths using
// gjson query syntax are read from the entity's JSON form.
//
// Options: "only" and "except" ([]string) narrow the field list, "root"
// (string) nests the blob under that key.
func Attributes(fields ...string) Serializer {
	return SerializerFunc(func(entity any, options map[string]any) (any, error) {
		only, err := stringList(options, OptionOnly)
		if err != nil {
			return nil, err
		}
		except, err := stringList(options, OptionExcept)
		if err != nil {
			return nil, err
		}

		src := &attributeSource{entity: entity}
		doc := messaging.Document{}
		for _, field := range fields {
			if only != nil && !slices.Contains(only, field) {
				continue
			}
			if slices.Contains(except, field) {
				continue
			}
			value, err := src.get(field)
			if err != nil {
				return nil, err
			}
			doc = append(doc, messaging.Field{Key: field, Value: value})
		}

		if root, ok := options[OptionRoot].(string); ok && root != "" {
			return messaging.Document{{Key: root, Value: doc}}, nil
		}
		return doc, nil
	})
}

type attributeSource struct {
	entity any
	raw    []byte
}

func (s *attributeSource) get(field string) (any, error) {
	if plainPath(field) {
		if v, ok := lookupPath(s.entity, strings.Split(field, ".")); ok {
			return v, nil
		}
	}

	if s.raw == nil {
		raw, err := json.Marshal(s.entity)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s: %w", entityName(s.entity), err)
		}
		if !gjson.ValidBytes(raw) {
			return nil, fmt.Errorf("entity %s did not marshal to valid JSON", entityName(s.entity))
		}
		s.raw = raw
	}

	res := gjson.GetBytes(s.raw, field)
	if !res.Exists() {
		return nil, nil
	}
	if res.Raw == "" {
		return res.Value(), nil
	}
	v, err := messaging.DecodeOrdered([]byte(res.Raw))
	if err != nil {
		return nil, fmt.Errorf("field %q of %s: %w", field, entityName(s.entity), err)
	}
	return v, nil
}

func plainPath(field string) bool {
	if field == "" || strings.ContainsAny(field, `\*?#|@!=<>%[]{}(),"`) {
		return false
	}
	return !slices.Contains(strings.Split(field, "."), "")
}

// lookupPath walks v through mappings (see messaging.AsDocument) and list
// indexes. ok is false when a step cannot be resolved.
func lookupPath(v any, path []string) (any, bool) {
	for _, key := range path {
		if doc, ok := messaging.AsDocument(v); ok {
			if v, ok = doc.Get(key); !ok {
				return nil, false
			}
			continue
		}

		rv := reflect.Indirect(reflect.ValueOf(v))
		if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
			return nil, false
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return nil, false
		}
		i, err := strconv.Atoi(key)
		if err != nil || i < 0 || i >= rv.Len() {
			return nil, false
		}
		v = rv.Index(i).Interface()
	}
	return v, true
}

func stringList(options map[string]any, key string) ([]string, error) {
	switch v := options[key].(type) {
	case nil:
		return nil, nil
	case []string:
		return v, nil
	case string:
		return []string{v}, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("serializer option %q: expected strings, got %T", key, item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("serializer option %q: expected a list of strings, got %T", key, v)
	}
}
