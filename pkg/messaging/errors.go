package messaging

import (
	"errors"
	"fmt"
)

var (
	ErrUnsupportedMessageFormat = errors.New("message format not supported")
	ErrMissingEncoder           = errors.New("message format requires an encoder")
	ErrInvalidEncoderOutput     = errors.New("encoder returned unsupported output")

	// ErrTransientDelivery is wrapped by broker clients for failures worth
	// retrying (timeouts, unavailable brokers, full queues).
	ErrTransientDelivery = errors.New("transient delivery failure")

	ErrMissingBroker          = errors.New("broker client not configured")
	ErrMisconfiguredProcessor = errors.New("background processor misconfigured")
	ErrUnknownDispatchMethod  = errors.New("unknown dispatch method")
	ErrUnserializableEncoder  = errors.New("encoder cannot cross an async job boundary")
)

// DeliveryError is returned by a synchronous dispatch once it gives up.
type DeliveryError struct {
	Topic    string
	Attempts int
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("failed to deliver message to topic %s after %d attempt(s): %v", e.Topic, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// FormatError reports a message that could not be serialized. It is never
// retried.
type FormatError struct {
	Topic string
	Err   error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("failed to format message for topic %s: %v", e.Topic, e.Err)
}

func (e *FormatError) Unwrap() error {
	return e.Err
}
