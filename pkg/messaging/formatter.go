package messaging

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
	_ "time/tzdata" // zone names must resolve on hosts without a tz database

	"github.com/tidwall/gjson"

	"github.com/ava-labs/lifecycle-publisher/pkg/invoker"
)

// EncoderFunc turns a formatted payload into wire bytes. The payload is
// handed over as a parsed gjson.Result so encoders can pick fields by path.
type EncoderFunc func(payload gjson.Result) ([]byte, error)

// Encoder wraps fn in a Ref usable as a spec or message encoder.
func Encoder(fn EncoderFunc) invoker.Ref {
	if fn == nil {
		return invoker.Ref{}
	}
	return invoker.Call(encoderFunc(fn))
}

func encoderFunc(fn EncoderFunc) invoker.Func {
	return func(arg any) (any, error) {
		payload, ok := arg.(gjson.Result)
		if !ok {
			return nil, fmt.Errorf("encoder expects gjson.Result, got %T", arg)
		}
		return fn(payload)
	}
}

var defaultEncoders = invoker.NewRegistry()

// RegisterEncoder makes fn resolvable through invoker.Name(name) by every
// Formatter using the default encoder registry. Named encoders survive async
// dispatch, function encoders do not.
func RegisterEncoder(name string, fn EncoderFunc) {
	if fn == nil {
		defaultEncoders.Register(name, nil)
		return
	}
	defaultEncoders.Register(name, encoderFunc(fn))
}

// Formatter serializes composed messages. Time values are moved into the
// configured zone before serialization.
type Formatter struct {
	store     *Store
	encoders  invoker.Accessor
	locations sync.Map // zone name -> *time.Location
}

type FormatterOption func(*Formatter)

// WithFormatterStore reads configuration from s instead of the default store.
func WithFormatterStore(s *Store) FormatterOption {
	return func(f *Formatter) {
		f.store = s
	}
}

// WithEncoders resolves named encoders against a instead of the default
// registry.
func WithEncoders(a invoker.Accessor) FormatterOption {
	return func(f *Formatter) {
		f.encoders = a
	}
}

func NewFormatter(opts ...FormatterOption) *Formatter {
	f := &Formatter{
		store:    DefaultStore(),
		encoders: defaultEncoders,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Format serializes payload. override, when not empty, replaces the
// configured message format. encoder is only used by FormatWithEncoding.
func (f *Formatter) Format(payload any, encoder invoker.Ref, override MessageFormat) ([]byte, error) {
	cfg := f.store.Load()

	format := override
	if format == "" {
		format = cfg.MessageFormat
	}
	if format != FormatJSON && format != FormatWithEncoding {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMessageFormat, format)
	}

	loc, err := f.location(cfg.Timezone)
	if err != nil {
		return nil, err
	}
	converted := ConvertTimes(payload, loc)

	raw, err := json.Marshal(converted)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	if format == FormatJSON {
		return raw, nil
	}

	if encoder.IsZero() {
		return nil, ErrMissingEncoder
	}
	out, err := invoker.InvokeWith(f.encoders, encoder, gjson.ParseBytes(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return encodedBytes(out)
}

// ConvertTimes moves every time value in v into the configured zone.
func (f *Formatter) ConvertTimes(v any) (any, error) {
	loc, err := f.location(f.store.Load().Timezone)
	if err != nil {
		return nil, err
	}
	return ConvertTimes(v, loc), nil
}

func (f *Formatter) location(name string) (*time.Location, error) {
	if name == "" {
		name = DefaultTimezone
	}
	if loc, ok := f.locations.Load(name); ok {
		return loc.(*time.Location), nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", name, err)
	}
	f.locations.Store(name, loc)
	return loc, nil
}

func encodedBytes(out any) ([]byte, error) {
	switch v := out.(type) {
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	case string:
		return []byte(v), nil
	case fmt.Stringer:
		return []byte(v.String()), nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrInvalidEncoderOutput, out)
	}
}
