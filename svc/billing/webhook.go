package billing

import (
	"context"
	"log/slog"

	"github.com/quantdrill/billing/pkg/logger"
)

// Ack is the acknowledgement of a webhook delivery.
type Ack struct {
	EventID string  `json:"event_id"`
	Type    string  `json:"type"`
	Outcome Outcome `json:"outcome"`
}

// Dispatcher is the entry point for processor webhooks.
type Dispatcher struct {
	verifier EventVerifier
	service  *Service
	events   EventLog
	log      *slog.Logger
}

// NewDispatcher wires a verifier to the service. A nil event log falls back
// to an in-memory one.
func NewDispatcher(verifier EventVerifier, service *Service, events EventLog, log *slog.Logger) *Dispatcher {
	if verifier == nil || service == nil {
		panic("billing: dispatcher requires a verifier and a service")
	}
	if events == nil {
		events = NewMemoryEventLog(0)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		verifier: verifier,
		service:  service,
		events:   events,
		log:      log.With(logger.Component("billing.webhook")),
	}
}

// Handle authenticates and applies one delivery. It returns
// ErrInvalidSignature or ErrMalformedPayload for deliveries that must be
// rejected; any other error means the processor should redeliver.
func (d *Dispatcher) Handle(ctx context.Context, payload []byte, signature string) (Ack, error) {
	ev, err := d.verifier.Verify(payload, signature)
	if err != nil {
		d.log.WarnContext(ctx, "webhook rejected", logger.Error(err))
		return Ack{}, err
	}
	ack := Ack{EventID: ev.ID, Type: ev.Type}
	log := d.log.With(logger.EventID(ev.ID), logger.EventType(ev.Type))

	seen, err := d.events.Seen(ctx, ev.ID)
	if err != nil {
		// handlers are idempotent, so an unavailable log only costs work
		log.WarnContext(ctx, "event log unavailable", logger.Error(err))
	}
	if seen {
		ack.Outcome = OutcomeDuplicate
		return ack, nil
	}

	outcome, err := d.service.HandleEvent(ctx, ev)
	if err != nil {
		return Ack{}, err
	}
	if err := d.events.Mark(ctx, ev.ID); err != nil {
		log.WarnContext(ctx, "failed to mark event processed", logger.Error(err))
	}
	ack.Outcome = outcome
	return ack, nil
}
