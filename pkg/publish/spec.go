package publish

import (
	"github.com/ava-labs/lifecycle-publisher/pkg/invoker"
	"github.com/ava-labs/lifecycle-publisher/pkg/messaging"
)

// EventType is a lifecycle transition that can trigger a message.
type EventType string

const (
	EventCreate EventType = "create"
	EventUpdate EventType = "update"
)

// AcceptedEventTypes lists every event a Spec may subscribe to, in order.
var AcceptedEventTypes = []EventType{EventCreate, EventUpdate}

// Spec declares one message published for an entity type. Specs are
// validated once by Register and are not modified afterwards.
type Spec struct {
	Topic string

	// EventTypes the spec fires on. A nil slice means every accepted event;
	// an empty non-nil slice is rejected.
	EventTypes []EventType

	// Message resolves the blob against the entity. When both Message and
	// Serializer are set, Message wins.
	Message           invoker.Ref
	Serializer        Serializer
	SerializerOptions map[string]any

	// Condition must resolve to a truthy value for the spec to fire.
	Condition invoker.Ref

	Metadata        map[string]any
	ProducerOptions map[string]any
	DispatchMethod  messaging.DispatchMethod
	Encoder         invoker.Ref
	MessageFormat   messaging.MessageFormat
	EmbedBlob       bool
}

// firesOn reports whether event is one of the spec's event types.
func (s Spec) firesOn(event EventType) bool {
	types := s.EventTypes
	if types == nil {
		types = AcceptedEventTypes
	}
	for _, t := range types {
		if t == event {
			return true
		}
	}
	return false
}

// EntityNamer lets an entity choose the name published in the "entity"
// metadata field. Other entities are named after their Go type.
type EntityNamer interface {
	EntityName() string
}

func entityName(entity any) string {
	if n, ok := entity.(EntityNamer); ok {
		return n.EntityName()
	}
	return invoker.TypeName(entity)
}
