package messaging

import (
	"context"
	"maps"
	"time"

	"github.com/ava-labs/lifecycle-publisher/pkg/invoker"
)

// BrokerClient transmits a formatted payload to a topic. Implementations
// wrap failures worth retrying with ErrTransientDelivery.
type BrokerClient interface {
	Send(ctx context.Context, topic string, payload []byte, options map[string]any) error
}

// Message is one outbound unit. It is built per dispatch and never shared.
type Message struct {
	topic         string
	blob          any
	metadata      Document
	options       map[string]any
	encoder       invoker.Ref
	messageFormat MessageFormat
	embedBlob     bool
	now           func() time.Time
}

type MessageOption func(*Message)

// WithClock sets the source of the message timestamp.
func WithClock(now func() time.Time) MessageOption {
	return func(m *Message) {
		if now != nil {
			m.now = now
		}
	}
}

func NewMessage(p Parameters, opts ...MessageOption) *Message {
	m := &Message{
		topic:         p.Topic,
		blob:          p.Blob,
		metadata:      p.Metadata.Clone(),
		options:       maps.Clone(p.Options),
		encoder:       p.Encoder,
		messageFormat: p.MessageFormat,
		embedBlob:     p.EmbedBlob,
		now:           time.Now,
	}
	if m.options == nil {
		m.options = map[string]any{}
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Message) Topic() string           { return m.topic }
func (m *Message) Blob() any               { return m.blob }
func (m *Message) Metadata() Document      { return m.metadata.Clone() }
func (m *Message) Options() map[string]any { return maps.Clone(m.options) }

// Payload composes the wire document: metadata, then timestamp, then the
// blob. With embedBlob a mapping blob is merged into the document instead of
// nested under "blob"; other blobs still go under "blob".
func (m *Message) Payload() Document {
	doc := m.metadata.Clone()
	doc.Set("timestamp", m.now())
	if m.embedBlob {
		if merged, ok := doc.Merge(m.blob); ok {
			return merged
		}
	}
	doc.Set("blob", m.blob)
	return doc
}

// Encode formats the composed payload.
func (m *Message) Encode(formatter *Formatter) ([]byte, error) {
	payload, err := formatter.Format(m.Payload(), m.encoder, m.messageFormat)
	if err != nil {
		return nil, &FormatError{Topic: m.topic, Err: err}
	}
	return payload, nil
}

// Send formats the message and hands it to broker. It makes exactly one
// broker call; retries belong to the caller.
func (m *Message) Send(ctx context.Context, broker BrokerClient, formatter *Formatter) error {
	payload, err := m.Encode(formatter)
	if err != nil {
		return err
	}
	return broker.Send(ctx, m.topic, payload, maps.Clone(m.options))
}
