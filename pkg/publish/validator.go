package publish

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Keys of the mapping returned by Validate.
const (
	ErrKeyMessageOptions    = "message_options"
	ErrKeyTopic             = "topic"
	ErrKeyEventTypes        = "event_types"
	ErrKeyMessageAttributes = "message_attributes"
)

var ErrInvalidSpecification = errors.New("invalid publish options")

// InvalidSpecificationError is returned by Register when Validate rejects
// the specs. Errors maps a field to a human readable message.
type InvalidSpecificationError struct {
	Errors map[string]string
}

func (e *InvalidSpecificationError) Error() string {
	keys := make([]string, 0, len(e.Errors))
	for k := range e.Errors {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + ": " + e.Errors[k]
	}
	return fmt.Sprintf("%s: %s", ErrInvalidSpecification, strings.Join(parts, "; "))
}

func (e *InvalidSpecificationError) Is(target error) bool {
	return target == ErrInvalidSpecification
}

// Validate checks a set of specs and returns field -> message for the first
// failing category, or an empty map when the specs are valid. Categories are
// checked in order: the input must be a []Spec or []*Spec, every spec needs a
// topic, event types must be a non-empty subset of AcceptedEventTypes when
// given, and every spec needs a message or a serializer.
func Validate(specs any) map[string]string {
	errs := map[string]string{}

	list, ok := specList(specs)
	if !ok {
		errs[ErrKeyMessageOptions] = "Message options should be an array"
		return errs
	}

	checks := []struct {
		key   string
		msg   string
		valid func(Spec) bool
	}{
		{
			key:   ErrKeyTopic,
			msg:   "Topic name missing",
			valid: func(s Spec) bool { return strings.TrimSpace(s.Topic) != "" },
		},
		{
			key:   ErrKeyEventTypes,
			msg:   "Event types must be a non-empty array with types " + joinEventTypes(AcceptedEventTypes),
			valid: validEventTypes,
		},
		{
			key:   ErrKeyMessageAttributes,
			msg:   "Either serializer or message should be specified",
			valid: func(s Spec) bool { return !s.Message.IsZero() || s.Serializer != nil },
		},
	}

	for _, c := range checks {
		if !slices.ContainsFunc(list, func(s Spec) bool { return !c.valid(s) }) {
			continue
		}
		errs[c.key] = c.msg
		return errs
	}
	return errs
}

func specList(specs any) ([]Spec, bool) {
	switch v := specs.(type) {
	case []Spec:
		return v, true
	case []*Spec:
		list := make([]Spec, 0, len(v))
		for _, s := range v {
			if s == nil {
				list = append(list, Spec{})
				continue
			}
			list = append(list, *s)
		}
		return list, true
	default:
		return nil, false
	}
}

func validEventTypes(s Spec) bool {
	if s.EventTypes == nil {
		return true
	}
	if len(s.EventTypes) == 0 {
		return false
	}
	for _, t := range s.EventTypes {
		if !slices.Contains(AcceptedEventTypes, t) {
			return false
		}
	}
	return true
}

func joinEventTypes(types []EventType) string {
	parts := make([]string, len(types))
	for i, t := range types {
		parts[i] = string(t)
	}
	return strings.Join(parts, ",")
}
