package jobs

import (
	"context"

	"github.com/ava-labs/lifecycle-publisher/pkg/messaging"
)

// Deliverer sends message parameters straight to the broker.
// *messaging.Dispatcher implements it.
type Deliverer interface {
	Dispatch(ctx context.Context, params messaging.Parameters, method messaging.DispatchMethod) error
}

var _ Deliverer = (*messaging.Dispatcher)(nil)

// DeliveryHandler performs an async dispatch job: the message is rebuilt from
// the job parameters and delivered synchronously, so the kill switch and the
// retry bound apply to queued messages too.
type DeliveryHandler struct {
	deliverer Deliverer
}

var _ Handler = (*DeliveryHandler)(nil)

func NewDeliveryHandler(d Deliverer) *DeliveryHandler {
	return &DeliveryHandler{deliverer: d}
}

func (h *DeliveryHandler) Perform(ctx context.Context, params messaging.Parameters) error {
	return h.deliverer.Dispatch(ctx, params, messaging.DispatchSync)
}
