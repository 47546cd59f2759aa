package publish

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ava-labs/lifecycle-publisher/pkg/invoker"
)

func validSpec() Spec {
	return Spec{
		Topic:      "t1",
		EventTypes: []EventType{EventCreate},
		Message:    invoker.Literal(map[string]any{"a": 1}),
	}
}

func TestValidate(t *testing.T) {
	withSpec := func(mutate func(*Spec)) []Spec {
		s := validSpec()
		mutate(&s)
		return []Spec{validSpec(), s}
	}

	tests := []struct {
		name     string
		specs    any
		expected map[string]string
	}{
		{
			name:     "valid",
			specs:    []Spec{validSpec()},
			expected: map[string]string{},
		},
		{
			name:     "empty list",
			specs:    []Spec{},
			expected: map[string]string{},
		},
		{
			name:     "pointer list",
			specs:    []*Spec{{Topic: "t1", Serializer: Attributes("name")}},
			expected: map[string]string{},
		},
		{
			name:     "absent event types default to all",
			specs:    withSpec(func(s *Spec) { s.EventTypes = nil }),
			expected: map[string]string{},
		},
		{
			name:     "serializer instead of message",
			specs:    withSpec(func(s *Spec) { s.Message = invoker.Ref{}; s.Serializer = Attributes("name") }),
			expected: map[string]string{},
		},
		{
			name:     "not a list",
			specs:    map[string]any{"topic": "t1"},
			expected: map[string]string{ErrKeyMessageOptions: "Message options should be an array"},
		},
		{
			name:     "nil",
			specs:    nil,
			expected: map[string]string{ErrKeyMessageOptions: "Message options should be an array"},
		},
		{
			name:     "single spec",
			specs:    validSpec(),
			expected: map[string]string{ErrKeyMessageOptions: "Message options should be an array"},
		},
		{
			name:     "missing topic",
			specs:    withSpec(func(s *Spec) { s.Topic = "" }),
			expected: map[string]string{ErrKeyTopic: "Topic name missing"},
		},
		{
			name:     "blank topic",
			specs:    withSpec(func(s *Spec) { s.Topic = "  " }),
			expected: map[string]string{ErrKeyTopic: "Topic name missing"},
		},
		{
			name:     "empty event types",
			specs:    withSpec(func(s *Spec) { s.EventTypes = []EventType{} }),
			expected: map[string]string{ErrKeyEventTypes: "Event types must be a non-empty array with types create,update"},
		},
		{
			name:     "unknown event type",
			specs:    withSpec(func(s *Spec) { s.EventTypes = []EventType{EventCreate, "destroy"} }),
			expected: map[string]string{ErrKeyEventTypes: "Event types must be a non-empty array with types create,update"},
		},
		{
			name:     "missing message source",
			specs:    withSpec(func(s *Spec) { s.Message = invoker.Ref{} }),
			expected: map[string]string{ErrKeyMessageAttributes: "Either serializer or message should be specified"},
		},
		{
			name: "first failing category wins",
			specs: withSpec(func(s *Spec) {
				s.Topic = ""
				s.EventTypes = []EventType{"destroy"}
				s.Message = invoker.Ref{}
			}),
			expected: map[string]string{ErrKeyTopic: "Topic name missing"},
		},
		{
			name: "event types checked before message source",
			specs: withSpec(func(s *Spec) {
				s.EventTypes = []EventType{}
				s.Message = invoker.Ref{}
			}),
			expected: map[string]string{ErrKeyEventTypes: "Event types must be a non-empty array with types create,update"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Validate(tt.specs))
		})
	}
}

func TestInvalidSpecificationError(t *testing.T) {
	err := &InvalidSpecificationError{Errors: map[string]string{
		ErrKeyTopic: "Topic name missing",
	}}

	assert.ErrorIs(t, err, ErrInvalidSpecification)
	assert.Equal(t, "invalid publish options: topic: Topic name missing", err.Error())
}
