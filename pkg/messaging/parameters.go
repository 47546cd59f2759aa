package messaging

import (
	"encoding/json"
	"fmt"

	"github.com/ava-labs/lifecycle-publisher/pkg/invoker"
)

// Parameters is everything needed to build a Message. It is the unit handed
// to background processors, so it round-trips through JSON.
type Parameters struct {
	Topic         string
	Blob          any
	Metadata      Document
	Options       map[string]any
	Encoder       invoker.Ref
	MessageFormat MessageFormat
	EmbedBlob     bool
}

type wireParameters struct {
	Topic         string          `json:"topic"`
	Blob          json.RawMessage `json:"blob"`
	Metadata      Document        `json:"metadata"`
	Options       map[string]any  `json:"options"`
	Encoder       string          `json:"encoder,omitempty"`
	MessageFormat MessageFormat   `json:"message_format,omitempty"`
	EmbedBlob     bool            `json:"embed_blob,omitempty"`
}

// Serializable reports whether p can be handed to a job queue. Only named
// encoders can be restored on the other side.
func (p Parameters) Serializable() error {
	switch p.Encoder.Kind() {
	case invoker.KindNone, invoker.KindName:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnserializableEncoder, p.Encoder)
	}
}

func (p Parameters) MarshalJSON() ([]byte, error) {
	if err := p.Serializable(); err != nil {
		return nil, err
	}
	blob, err := json.Marshal(p.Blob)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal blob: %w", err)
	}
	metadata := p.Metadata
	if metadata == nil {
		metadata = Document{}
	}
	options := p.Options
	if options == nil {
		options = map[string]any{}
	}
	return json.Marshal(wireParameters{
		Topic:         p.Topic,
		Blob:          blob,
		Metadata:      metadata,
		Options:       options,
		Encoder:       p.Encoder.Name(),
		MessageFormat: p.MessageFormat,
		EmbedBlob:     p.EmbedBlob,
	})
}

func (p *Parameters) UnmarshalJSON(data []byte) error {
	var w wireParameters
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	var blob any
	if len(w.Blob) > 0 {
		var err error
		blob, err = DecodeOrdered(w.Blob)
		if err != nil {
			return fmt.Errorf("failed to decode blob: %w", err)
		}
	}

	*p = Parameters{
		Topic:         w.Topic,
		Blob:          blob,
		Metadata:      w.Metadata,
		Options:       w.Options,
		Encoder:       invoker.Name(w.Encoder),
		MessageFormat: w.MessageFormat,
		EmbedBlob:     w.EmbedBlob,
	}
	return nil
}
