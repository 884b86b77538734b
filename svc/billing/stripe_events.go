package billing

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// StripeSignatureHeader carries the webhook signature.
const StripeSignatureHeader = "Stripe-Signature"

// StripeVerifier authenticates Stripe webhooks with the endpoint secret.
type StripeVerifier struct {
	secret string
}

// NewStripeVerifier returns a verifier for the given endpoint secret.
func NewStripeVerifier(secret string) *StripeVerifier {
	return &StripeVerifier{secret: secret}
}

// Verify implements EventVerifier.
func (v *StripeVerifier) Verify(payload []byte, signature string) (Event, error) {
	if strings.TrimSpace(signature) == "" {
		return Event{}, fmt.Errorf("%w: missing signature", ErrInvalidSignature)
	}
	// The signature covers the exact bytes received, so nothing is parsed
	// before it is checked.
	if err := webhook.ValidatePayload(payload, signature, v.secret); err != nil {
		return Event{}, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}

	var raw stripe.Event
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Event{}, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	if raw.ID == "" || raw.Type == "" {
		return Event{}, fmt.Errorf("%w: event id and type are required", ErrMalformedPayload)
	}
	return decodeStripeEvent(&raw)
}

type stripeCheckoutObject struct {
	ClientReferenceID string            `json:"client_reference_id"`
	Customer          stripeRef         `json:"customer"`
	Subscription      stripeRef         `json:"subscription"`
	Mode              string            `json:"mode"`
	Metadata          map[string]string `json:"metadata"`
}

type stripeSubscriptionObject struct {
	ID                string            `json:"id"`
	Customer          stripeRef         `json:"customer"`
	Status            string            `json:"status"`
	CancelAtPeriodEnd bool              `json:"cancel_at_period_end"`
	Metadata          map[string]string `json:"metadata"`
	Items             struct {
		Data []struct {
			CurrentPeriodEnd int64 `json:"current_period_end"`
			Price            struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

type stripeInvoiceObject struct {
	ID           string    `json:"id"`
	Customer     stripeRef `json:"customer"`
	Subscription stripeRef `json:"subscription"`
	AttemptCount int       `json:"attempt_count"`
	Parent       *struct {
		SubscriptionDetails *struct {
			Subscription stripeRef         `json:"subscription"`
			Metadata     map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []struct {
			Period struct {
				End int64 `json:"end"`
			} `json:"period"`
			Pricing *struct {
				PriceDetails *struct {
					Price string `json:"price"`
				} `json:"price_details"`
			} `json:"pricing"`
		} `json:"data"`
	} `json:"lines"`
}

// stripeRef accepts both an id string and an expanded object.
type stripeRef string

// UnmarshalJSON implements json.Unmarshaler.
func (r *stripeRef) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*r = ""
		return nil
	}
	var id string
	if err := json.Unmarshal(b, &id); err == nil {
		*r = stripeRef(id)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*r = stripeRef(obj.ID)
	return nil
}

func decodeStripeEvent(raw *stripe.Event) (Event, error) {
	ev := Event{
		ID:        raw.ID,
		Type:      string(raw.Type),
		Kind:      stripeKind(raw.Type),
		CreatedAt: time.Unix(raw.Created, 0).UTC(),
	}
	if ev.Kind == EventUnhandled {
		return ev, nil
	}
	if raw.Data == nil || len(raw.Data.Raw) == 0 {
		return Event{}, fmt.Errorf("%w: event %s has no data object", ErrMalformedPayload, raw.ID)
	}

	var err error
	switch ev.Kind {
	case EventCheckoutCompleted:
		err = decodeCheckout(raw.Data.Raw, &ev)
	case EventSubscriptionChanged, EventSubscriptionDeleted:
		err = decodeSubscription(raw.Data.Raw, &ev)
	case EventPaymentFailed, EventPaymentSucceeded:
		err = decodeInvoice(raw.Data.Raw, &ev)
	}
	if err != nil {
		return Event{}, err
	}
	return ev, nil
}

func stripeKind(t stripe.EventType) EventKind {
	switch t {
	case stripe.EventTypeCheckoutSessionCompleted:
		return EventCheckoutCompleted
	case stripe.EventTypeCustomerSubscriptionCreated, stripe.EventTypeCustomerSubscriptionUpdated:
		return EventSubscriptionChanged
	case stripe.EventTypeCustomerSubscriptionDeleted:
		return EventSubscriptionDeleted
	case stripe.EventTypeInvoicePaymentFailed:
		return EventPaymentFailed
	case stripe.EventTypeInvoicePaid:
		return EventPaymentSucceeded
	}
	return EventUnhandled
}

func decodeCheckout(data json.RawMessage, ev *Event) error {
	var obj stripeCheckoutObject
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("%w: checkout session: %w", ErrMalformedPayload, err)
	}
	if obj.Mode != "" && obj.Mode != "subscription" {
		ev.Kind = EventUnhandled
		return nil
	}
	ev.AccountID = obj.Metadata["account_id"]
	if ev.AccountID == "" {
		ev.AccountID = obj.ClientReferenceID
	}
	ev.PlanRef = obj.Metadata["plan_ref"]
	ev.CustomerRef = string(obj.Customer)
	ev.SubscriptionRef = string(obj.Subscription)
	if ev.SubscriptionRef == "" {
		return fmt.Errorf("%w: checkout session without subscription", ErrMalformedPayload)
	}
	return nil
}

func decodeSubscription(data json.RawMessage, ev *Event) error {
	var obj stripeSubscriptionObject
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("%w: subscription: %w", ErrMalformedPayload, err)
	}
	if obj.ID == "" {
		return fmt.Errorf("%w: subscription without id", ErrMalformedPayload)
	}
	ev.SubscriptionRef = obj.ID
	ev.CustomerRef = string(obj.Customer)
	ev.ExternalStatus = ExternalStatus(obj.Status)
	ev.CancelAtPeriodEnd = obj.CancelAtPeriodEnd
	ev.AccountID = obj.Metadata["account_id"]
	ev.PlanRef = obj.Metadata["plan_ref"]
	if len(obj.Items.Data) > 0 {
		item := obj.Items.Data[0]
		ev.PriceRef = item.Price.ID
		if item.CurrentPeriodEnd > 0 {
			ev.PeriodEnd = time.Unix(item.CurrentPeriodEnd, 0).UTC()
		}
	}
	return nil
}

func decodeInvoice(data json.RawMessage, ev *Event) error {
	var obj stripeInvoiceObject
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("%w: invoice: %w", ErrMalformedPayload, err)
	}
	if obj.ID == "" {
		return fmt.Errorf("%w: invoice without id", ErrMalformedPayload)
	}
	ev.InvoiceRef = obj.ID
	ev.AttemptCount = obj.AttemptCount
	ev.CustomerRef = string(obj.Customer)
	ev.SubscriptionRef = string(obj.Subscription)
	if p := obj.Parent; p != nil && p.SubscriptionDetails != nil {
		if ev.SubscriptionRef == "" {
			ev.SubscriptionRef = string(p.SubscriptionDetails.Subscription)
		}
		ev.AccountID = p.SubscriptionDetails.Metadata["account_id"]
		ev.PlanRef = p.SubscriptionDetails.Metadata["plan_ref"]
	}
	if len(obj.Lines.Data) > 0 {
		line := obj.Lines.Data[0]
		if line.Period.End > 0 {
			ev.PeriodEnd = time.Unix(line.Period.End, 0).UTC()
		}
		if line.Pricing != nil && line.Pricing.PriceDetails != nil {
			ev.PriceRef = line.Pricing.PriceDetails.Price
		}
	}
	if ev.SubscriptionRef == "" {
		// one-off invoices have no bearing on entitlements
		ev.Kind = EventUnhandled
	}
	return nil
}
