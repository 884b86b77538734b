package billing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
)

// StripeProcessor executes gateway calls against the Stripe API.
type StripeProcessor struct {
	api *client.API
}

// NewStripeProcessor wraps a configured Stripe client.
func NewStripeProcessor(api *client.API) *StripeProcessor {
	if api == nil {
		panic("billing: stripe processor requires a client")
	}
	return &StripeProcessor{api: api}
}

// NewStripeClient returns a Stripe client for the given secret key. Network
// retries are left to the caller, who retries with the same idempotency key.
func NewStripeClient(secretKey string) *client.API {
	cfg := &stripe.BackendConfig{MaxNetworkRetries: stripe.Int64(0)}
	b := stripe.GetBackendWithConfig(stripe.APIBackend, cfg)
	u := stripe.GetBackendWithConfig(stripe.UploadsBackend, cfg)
	return client.New(secretKey, &stripe.Backends{API: b, Connect: b, Uploads: u})
}

// Execute implements Processor.
func (p *StripeProcessor) Execute(ctx context.Context, call Call) (*ExternalResult, error) {
	var (
		res *ExternalResult
		err error
	)
	switch call.Op {
	case OpCreateCustomer:
		res, err = p.createCustomer(ctx, call)
	case OpCreateSubscription:
		res, err = p.createSubscription(ctx, call)
	case OpRetrieveSubscription:
		res, err = p.retrieveSubscription(ctx, call)
	case OpCancelAtPeriodEnd:
		res, err = p.setCancelAtPeriodEnd(ctx, call, true)
	case OpResumeSubscription:
		res, err = p.setCancelAtPeriodEnd(ctx, call, false)
	case OpChangePrice:
		res, err = p.changePrice(ctx, call)
	case OpCancelImmediately:
		res, err = p.cancelImmediately(ctx, call)
	default:
		return nil, fmt.Errorf("%w: unsupported operation %q", ErrProcessorRejected, call.Op)
	}
	if err != nil {
		return nil, classifyStripeError(call.Op, err)
	}
	return res, nil
}

// CustomerEmail returns the e-mail stored on a Stripe customer.
func (p *StripeProcessor) CustomerEmail(ctx context.Context, customerRef string) (string, error) {
	params := &stripe.CustomerParams{}
	params.Context = ctx
	c, err := p.api.Customers.Get(customerRef, params)
	if err != nil {
		return "", classifyStripeError("get_customer", err)
	}
	if c.Email == "" {
		return "", fmt.Errorf("%w: customer %s has no e-mail", ErrProcessorRejected, customerRef)
	}
	return c.Email, nil
}

func (p *StripeProcessor) createCustomer(ctx context.Context, call Call) (*ExternalResult, error) {
	params := &stripe.CustomerParams{}
	if call.Params.Email != "" {
		params.Email = stripe.String(call.Params.Email)
	}
	params.AddMetadata("account_id", call.AccountID)
	prepare(ctx, &params.Params, call)

	c, err := p.api.Customers.New(params)
	if err != nil {
		return nil, err
	}
	return &ExternalResult{CustomerRef: c.ID}, nil
}

func (p *StripeProcessor) createSubscription(ctx context.Context, call Call) (*ExternalResult, error) {
	params := &stripe.SubscriptionParams{
		Customer:        stripe.String(call.Params.CustomerRef),
		Items:           []*stripe.SubscriptionItemsParams{{Price: stripe.String(call.Params.PriceRef)}},
		PaymentBehavior: stripe.String("default_incomplete"),
	}
	params.AddMetadata("account_id", call.AccountID)
	params.AddMetadata("plan_ref", call.Params.PlanRef)
	params.AddExpand("latest_invoice")
	prepare(ctx, &params.Params, call)

	sub, err := p.api.Subscriptions.New(params)
	if err != nil {
		return nil, err
	}
	return subscriptionResult(sub), nil
}

func (p *StripeProcessor) retrieveSubscription(ctx context.Context, call Call) (*ExternalResult, error) {
	sub, err := p.getSubscription(ctx, call.Params.SubscriptionRef)
	if err != nil {
		return nil, err
	}
	return subscriptionResult(sub), nil
}

func (p *StripeProcessor) setCancelAtPeriodEnd(ctx context.Context, call Call, cancel bool) (*ExternalResult, error) {
	params := &stripe.SubscriptionParams{CancelAtPeriodEnd: stripe.Bool(cancel)}
	if cancel && call.Params.Reason != "" {
		params.AddMetadata("cancel_reason", call.Params.Reason)
	}
	prepare(ctx, &params.Params, call)

	sub, err := p.api.Subscriptions.Update(call.Params.SubscriptionRef, params)
	if err != nil {
		return nil, err
	}
	return subscriptionResult(sub), nil
}

func (p *StripeProcessor) changePrice(ctx context.Context, call Call) (*ExternalResult, error) {
	cur, err := p.getSubscription(ctx, call.Params.SubscriptionRef)
	if err != nil {
		return nil, err
	}
	if cur.Items == nil || len(cur.Items.Data) == 0 {
		return nil, fmt.Errorf("%w: subscription %s has no items", ErrProcessorRejected, cur.ID)
	}

	params := &stripe.SubscriptionParams{
		Items: []*stripe.SubscriptionItemsParams{{
			ID:    stripe.String(cur.Items.Data[0].ID),
			Price: stripe.String(call.Params.PriceRef),
		}},
		ProrationBehavior: stripe.String("create_prorations"),
	}
	params.AddMetadata("plan_ref", call.Params.PlanRef)
	prepare(ctx, &params.Params, call)

	sub, err := p.api.Subscriptions.Update(cur.ID, params)
	if err != nil {
		return nil, err
	}
	return subscriptionResult(sub), nil
}

func (p *StripeProcessor) cancelImmediately(ctx context.Context, call Call) (*ExternalResult, error) {
	params := &stripe.SubscriptionCancelParams{}
	prepare(ctx, &params.Params, call)

	sub, err := p.api.Subscriptions.Cancel(call.Params.SubscriptionRef, params)
	if err != nil {
		return nil, err
	}
	return subscriptionResult(sub), nil
}

func (p *StripeProcessor) getSubscription(ctx context.Context, ref string) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	params.AddExpand("latest_invoice")
	return p.api.Subscriptions.Get(ref, params)
}

func prepare(ctx context.Context, params *stripe.Params, call Call) {
	params.Context = ctx
	if call.IdempotencyKey != "" {
		params.SetIdempotencyKey(call.IdempotencyKey)
	}
}

func subscriptionResult(sub *stripe.Subscription) *ExternalResult {
	res := &ExternalResult{
		SubscriptionRef:   sub.ID,
		Status:            ExternalStatus(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	if sub.Customer != nil {
		res.CustomerRef = sub.Customer.ID
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		if item.Price != nil {
			res.PriceRef = item.Price.ID
		}
		if item.CurrentPeriodEnd > 0 {
			res.CurrentPeriodEnd = time.Unix(item.CurrentPeriodEnd, 0).UTC()
		}
	}
	if sub.LatestInvoice != nil {
		res.RedirectURL = sub.LatestInvoice.HostedInvoiceURL
	}
	return res
}

// classifyStripeError maps API errors to the gateway taxonomy. Rate limits,
// idempotency conflicts on in-flight requests and server errors are
// transient; other API errors are permanent.
func classifyStripeError(op Operation, err error) error {
	var se *stripe.Error
	if !errors.As(err, &se) {
		return fmt.Errorf("%w: stripe %s: %w", ErrProcessorUnavailable, op, err)
	}
	switch {
	case se.HTTPStatusCode >= http.StatusInternalServerError,
		se.HTTPStatusCode == http.StatusTooManyRequests,
		se.HTTPStatusCode == http.StatusConflict:
		return fmt.Errorf("%w: stripe %s: %w", ErrProcessorUnavailable, op, err)
	}
	return fmt.Errorf("%w: stripe %s: %w", ErrProcessorRejected, op, err)
}
