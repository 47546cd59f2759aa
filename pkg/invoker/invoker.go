// Package invoker resolves "callable or named accessor" references against a
// target value.
//
// A Ref is a tagged variant: a literal value, a function, or the name of an
// accessor exposed by the target. Conditions, message sources and encoders
// are all expressed as Refs and resolved through Invoke or InvokeWith.
//
// Named lookups are resolved in this order:
//   - targets implementing Accessor are asked directly,
//   - exported methods (the name is also tried in CamelCase, so "full_name"
//     matches FullName),
//   - exported struct fields,
//   - keys of string-keyed maps.
//
// A named method may take zero arguments or a single argument, which receives
// the invocation argument. It may return a value, an error, or both.
package invoker

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"unicode"
)

// Kind identifies the variant held by a Ref.
type Kind uint8

const (
	KindNone Kind = iota
	KindLiteral
	KindFunc
	KindName
)

func (k Kind) String() string {
	switch k {
	case KindLiteral:
		return "literal"
	case KindFunc:
		return "func"
	case KindName:
		return "name"
	default:
		return "none"
	}
}

// Func is a callable reference. It receives the invocation argument, which
// defaults to the target itself.
type Func func(arg any) (any, error)

// Ref is a literal value, a callable, or the name of an accessor on a target.
// The zero Ref holds nothing and reports IsZero.
type Ref struct {
	kind  Kind
	value any
	fn    Func
	name  string
}

// Literal returns a Ref that always resolves to v.
func Literal(v any) Ref {
	return Ref{kind: KindLiteral, value: v}
}

// Call returns a Ref that invokes fn. A nil fn yields the zero Ref.
func Call(fn Func) Ref {
	if fn == nil {
		return Ref{}
	}
	return Ref{kind: KindFunc, fn: fn}
}

// Predicate returns a Ref around a boolean condition.
func Predicate(fn func(arg any) bool) Ref {
	if fn == nil {
		return Ref{}
	}
	return Call(func(arg any) (any, error) {
		return fn(arg), nil
	})
}

// Name returns a Ref to the accessor called name. An empty name yields the
// zero Ref.
func Name(name string) Ref {
	if name == "" {
		return Ref{}
	}
	return Ref{kind: KindName, name: name}
}

func (r Ref) Kind() Kind   { return r.kind }
func (r Ref) IsZero() bool { return r.kind == KindNone }

// Name returns the accessor name for KindName refs and "" otherwise.
func (r Ref) Name() string { return r.name }

func (r Ref) String() string {
	switch r.kind {
	case KindLiteral:
		return fmt.Sprintf("literal(%v)", r.value)
	case KindFunc:
		return "func"
	case KindName:
		return "name(" + r.name + ")"
	default:
		return "none"
	}
}

// Accessor is implemented by targets that expose named values without
// relying on reflection.
type Accessor interface {
	Lookup(name string) (any, bool)
}

var (
	// ErrMethodNotFound is matched by every MethodNotFoundError.
	ErrMethodNotFound = errors.New("method not found")
	ErrEmptyRef       = errors.New("empty reference")
)

// MethodNotFoundError reports a named accessor missing from its target.
type MethodNotFoundError struct {
	Type string
	Name string
}

func (e *MethodNotFoundError) Error() string {
	return fmt.Sprintf("method %s not found for %s", e.Name, e.Type)
}

func (e *MethodNotFoundError) Is(target error) bool {
	return target == ErrMethodNotFound
}

// Invoke resolves ref against target, passing target as the argument.
func Invoke(target any, ref Ref) (any, error) {
	return InvokeWith(target, ref, target)
}

// InvokeWith resolves ref against target. Callables and single-argument
// named methods receive arg.
func InvokeWith(target any, ref Ref, arg any) (any, error) {
	switch ref.kind {
	case KindLiteral:
		return ref.value, nil
	case KindFunc:
		return ref.fn(arg)
	case KindName:
		return lookup(target, ref.name, arg)
	default:
		return nil, ErrEmptyRef
	}
}

// Truthy reports whether v counts as true for a condition: nil and false are
// false, everything else is true.
func Truthy(v any) bool {
	switch b := v.(type) {
	case nil:
		return false
	case bool:
		return b
	case *bool:
		return b != nil && *b
	default:
		return true
	}
}

// TypeName returns the display name of v's type, dereferencing pointers.
func TypeName(v any) string {
	t := reflect.TypeOf(v)
	if t == nil {
		return "nil"
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Name() != "" {
		return t.Name()
	}
	return t.String()
}

func lookup(target any, name string, arg any) (any, error) {
	if a, ok := target.(Accessor); ok {
		v, found := a.Lookup(name)
		if !found {
			return nil, notFound(target, name)
		}
		return callValue(v, arg)
	}

	rv := reflect.ValueOf(target)
	if !rv.IsValid() {
		return nil, notFound(target, name)
	}

	for _, candidate := range candidates(name) {
		if m := rv.MethodByName(candidate); m.IsValid() {
			return callMethod(m, arg, target, name)
		}
	}

	ev := rv
	for ev.Kind() == reflect.Pointer || ev.Kind() == reflect.Interface {
		if ev.IsNil() {
			return nil, notFound(target, name)
		}
		ev = ev.Elem()
	}

	switch ev.Kind() {
	case reflect.Struct:
		for _, candidate := range candidates(name) {
			f, ok := ev.Type().FieldByName(candidate)
			if !ok || !f.IsExported() {
				continue
			}
			return ev.FieldByIndex(f.Index).Interface(), nil
		}
	case reflect.Map:
		if ev.Type().Key().Kind() != reflect.String {
			break
		}
		v := ev.MapIndex(reflect.ValueOf(name).Convert(ev.Type().Key()))
		if v.IsValid() {
			return callValue(v.Interface(), arg)
		}
	}

	return nil, notFound(target, name)
}

func notFound(target any, name string) error {
	return &MethodNotFoundError{Type: TypeName(target), Name: name}
}

// candidates returns name followed by its CamelCase form when they differ.
func candidates(name string) []string {
	camel := camelize(name)
	if camel == name {
		return []string{name}
	}
	return []string{name, camel}
}

func camelize(name string) string {
	var b strings.Builder
	upper := true
	for _, r := range name {
		if r == '_' {
			upper = true
			continue
		}
		if upper {
			b.WriteRune(unicode.ToUpper(r))
			upper = false
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

func callMethod(m reflect.Value, arg any, target any, name string) (any, error) {
	mt := m.Type()

	var in []reflect.Value
	switch mt.NumIn() {
	case 0:
	case 1:
		av, err := argValue(mt.In(0), arg)
		if err != nil {
			return nil, fmt.Errorf("method %s on %s: %w", name, TypeName(target), err)
		}
		in = []reflect.Value{av}
	default:
		return nil, fmt.Errorf("method %s on %s takes %d arguments", name, TypeName(target), mt.NumIn())
	}

	out := m.Call(in)
	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		if mt.Out(0).Implements(errorType) {
			return nil, asError(out[0])
		}
		return out[0].Interface(), nil
	case 2:
		if !mt.Out(1).Implements(errorType) {
			return nil, fmt.Errorf("method %s on %s: second result must be an error", name, TypeName(target))
		}
		return out[0].Interface(), asError(out[1])
	default:
		return nil, fmt.Errorf("method %s on %s returns %d values", name, TypeName(target), len(out))
	}
}

func argValue(t reflect.Type, arg any) (reflect.Value, error) {
	if arg == nil {
		switch t.Kind() {
		case reflect.Interface, reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
			return reflect.Zero(t), nil
		}
		return reflect.Value{}, fmt.Errorf("cannot pass nil as %s", t)
	}
	av := reflect.ValueOf(arg)
	if !av.Type().AssignableTo(t) {
		return reflect.Value{}, fmt.Errorf("cannot pass %s as %s", av.Type(), t)
	}
	return av, nil
}

func asError(v reflect.Value) error {
	if v.IsNil() {
		return nil
	}
	return v.Interface().(error)
}

func callValue(v any, arg any) (any, error) {
	switch fn := v.(type) {
	case Func:
		return fn(arg)
	case func(any) (any, error):
		return fn(arg)
	case func(any) any:
		return fn(arg), nil
	default:
		return v, nil
	}
}
