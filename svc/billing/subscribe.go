package billing

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/quantdrill/billing/pkg/logger"
)

// SubscribeResult is the outcome of a subscribe request. A first purchase
// returns a redirect target where the holder pays; in-place changes are
// confirmed directly.
type SubscribeResult struct {
	Record      Record `json:"record"`
	RedirectURL string `json:"redirect_url,omitempty"`
	Confirmed   bool   `json:"confirmed"`
}

// SubscribeOption customises a subscribe request.
type SubscribeOption func(*subscribeOptions)

type subscribeOptions struct {
	email string
}

// WithCustomerEmail sets the e-mail used when the external customer is
// created.
func WithCustomerEmail(email string) SubscribeOption {
	return func(o *subscribeOptions) { o.email = email }
}

// Subscribe moves the account onto planRef. Repeating the call with the same
// plan is safe: it returns the subscription created by the first call.
func (s *Service) Subscribe(ctx context.Context, accountID, planRef string, opts ...SubscribeOption) (SubscribeResult, error) {
	var o subscribeOptions
	for _, opt := range opts {
		opt(&o)
	}

	plan, err := s.catalog.Plan(planRef)
	if err != nil {
		return SubscribeResult{}, err
	}
	cur, err := s.Record(ctx, accountID)
	if err != nil {
		return SubscribeResult{}, err
	}

	switch {
	case cur.Status == StatusIncomplete && cur.PlanRef == planRef:
		res, err := s.gateway.Perform(ctx, accountID, OpRetrieveSubscription, Params{SubscriptionRef: cur.SubscriptionRef})
		if err != nil {
			return SubscribeResult{}, err
		}
		return SubscribeResult{Record: cur, RedirectURL: res.RedirectURL}, nil

	case cur.Status == StatusCanceling:
		rec, err := s.Resume(ctx, accountID)
		if err != nil {
			return SubscribeResult{}, err
		}
		if rec.PlanRef != planRef {
			if rec, err = s.ChangePlan(ctx, accountID, planRef); err != nil {
				return SubscribeResult{}, err
			}
		}
		return SubscribeResult{Record: rec, Confirmed: true}, nil

	case cur.Status.IsPaid():
		if cur.PlanRef == planRef {
			return SubscribeResult{Record: cur, Confirmed: true}, nil
		}
		rec, err := s.ChangePlan(ctx, accountID, planRef)
		if err != nil {
			return SubscribeResult{}, err
		}
		return SubscribeResult{Record: rec, Confirmed: true}, nil
	}

	customerRef, err := s.ensureCustomer(ctx, cur, o.email)
	if err != nil {
		return SubscribeResult{}, err
	}

	res, err := s.gateway.Perform(ctx, accountID, OpCreateSubscription, Params{
		CustomerRef: customerRef,
		PriceRef:    plan.PriceRef,
		PlanRef:     plan.Ref,
		Email:       o.email,
	})
	if err != nil {
		return SubscribeResult{}, err
	}

	var orphan string
	rec, _, err := s.mutate(ctx, accountID, func(cur Record) (*Mutation, error) {
		orphan = ""
		switch {
		case cur.SubscriptionRef == res.SubscriptionRef:
			return nil, nil
		case cur.Status.IsPaid():
			orphan = res.SubscriptionRef
			return nil, ErrAlreadySubscribed
		case cur.Status == StatusIncomplete:
			orphan = cur.SubscriptionRef
		}
		return s.transit(ctx, cur, TriggerSubscribe, Input{
			CustomerRef:     customerRef,
			SubscriptionRef: res.SubscriptionRef,
			PlanRef:         plan.Ref,
			PeriodEnd:       res.CurrentPeriodEnd,
		})
	})
	if orphan != "" {
		s.cancelOrphan(ctx, accountID, orphan)
	}
	if err != nil {
		return SubscribeResult{}, err
	}

	s.log.InfoContext(ctx, "subscription created",
		logger.AccountID(accountID), logger.SubscriptionRef(res.SubscriptionRef), logger.Status(string(rec.Status)))
	return SubscribeResult{Record: rec, RedirectURL: res.RedirectURL}, nil
}

// ensureCustomer returns the account's external customer, creating and
// binding it on first use.
func (s *Service) ensureCustomer(ctx context.Context, cur Record, email string) (string, error) {
	if cur.CustomerRef != "" {
		return cur.CustomerRef, nil
	}
	res, err := s.gateway.Perform(ctx, cur.AccountID, OpCreateCustomer, Params{Email: email})
	if err != nil {
		return "", err
	}
	if res.CustomerRef == "" {
		return "", fmt.Errorf("%w: empty customer reference", ErrProcessorRejected)
	}

	rec, _, err := s.mutate(ctx, cur.AccountID, func(cur Record) (*Mutation, error) {
		return s.transit(ctx, cur, TriggerAttachCustomer, Input{CustomerRef: res.CustomerRef})
	})
	if err != nil {
		return "", err
	}
	return rec.CustomerRef, nil
}

// cancelOrphan terminates an external subscription the record does not
// reference, so it is never billed.
func (s *Service) cancelOrphan(ctx context.Context, accountID, subscriptionRef string) {
	_, err := s.gateway.Perform(ctx, accountID, OpCancelImmediately, Params{
		SubscriptionRef: subscriptionRef,
		Reason:          "superseded",
	})
	if err != nil {
		s.log.ErrorContext(ctx, "failed to cancel orphaned subscription",
			logger.AccountID(accountID), logger.SubscriptionRef(subscriptionRef), logger.Error(err))
		return
	}
	s.record(ctx, accountID, "subscription.orphan_canceled", subscriptionRef, nil)
}

// Cancel schedules the subscription to end with the current period. Access
// continues until then. Cancelling twice is a no-op.
func (s *Service) Cancel(ctx context.Context, accountID, reason string) (Record, error) {
	cur, err := s.Record(ctx, accountID)
	if err != nil {
		return Record{}, err
	}
	switch {
	case cur.Status == StatusCanceling:
		return cur, nil
	case !cur.Status.IsPaid():
		return Record{}, ErrNoSubscription
	}

	sub := cur.SubscriptionRef
	res, err := s.gateway.Perform(ctx, accountID, OpCancelAtPeriodEnd, Params{
		SubscriptionRef: sub,
		Reason:          reason,
		Revision:        cur.Version,
	})
	if err != nil {
		return Record{}, err
	}
	rec, _, err := s.mutate(ctx, accountID, func(cur Record) (*Mutation, error) {
		if err := sameSubscription(cur, sub); err != nil {
			return nil, err
		}
		if cur.Status == StatusCanceling {
			return nil, nil
		}
		return s.transit(ctx, cur, TriggerRequestCancel, Input{PeriodEnd: res.CurrentPeriodEnd, Reason: reason})
	})
	return rec, err
}

// Resume rescinds a scheduled cancellation.
func (s *Service) Resume(ctx context.Context, accountID string) (Record, error) {
	cur, err := s.Record(ctx, accountID)
	if err != nil {
		return Record{}, err
	}
	switch {
	case cur.Status == StatusCanceling:
	case cur.Status.IsPaid():
		return cur, nil
	default:
		return Record{}, ErrNoSubscription
	}

	sub := cur.SubscriptionRef
	res, err := s.gateway.Perform(ctx, accountID, OpResumeSubscription, Params{SubscriptionRef: sub, Revision: cur.Version})
	if err != nil {
		return Record{}, err
	}
	rec, _, err := s.mutate(ctx, accountID, func(cur Record) (*Mutation, error) {
		if err := sameSubscription(cur, sub); err != nil {
			return nil, err
		}
		if cur.Status != StatusCanceling {
			return nil, nil
		}
		return s.transit(ctx, cur, TriggerRescindCancel, Input{PeriodEnd: res.CurrentPeriodEnd})
	})
	return rec, err
}

// ChangePlan swaps the price of the live subscription in place. The status is
// unaffected.
func (s *Service) ChangePlan(ctx context.Context, accountID, planRef string) (Record, error) {
	plan, err := s.catalog.Plan(planRef)
	if err != nil {
		return Record{}, err
	}
	cur, err := s.Record(ctx, accountID)
	if err != nil {
		return Record{}, err
	}
	switch {
	case !cur.Status.IsPaid():
		return Record{}, ErrNoSubscription
	case cur.PlanRef == planRef:
		return cur, nil
	}

	sub := cur.SubscriptionRef
	res, err := s.gateway.Perform(ctx, accountID, OpChangePrice, Params{
		SubscriptionRef: sub,
		PriceRef:        plan.PriceRef,
		PlanRef:         plan.Ref,
		Revision:        cur.Version,
	})
	if err != nil {
		return Record{}, err
	}
	rec, _, err := s.mutate(ctx, accountID, func(cur Record) (*Mutation, error) {
		if err := sameSubscription(cur, sub); err != nil {
			return nil, err
		}
		return s.transit(ctx, cur, TriggerChangePlan, Input{PlanRef: plan.Ref, PeriodEnd: res.CurrentPeriodEnd})
	})
	return rec, err
}

// sameSubscription fails when the record moved to another subscription while
// a processor call was in flight. The whole operation can then be retried.
func sameSubscription(cur Record, sub string) error {
	if cur.SubscriptionRef != sub {
		return fmt.Errorf("%w: subscription changed from %s to %q", ErrVersionConflict, sub, cur.SubscriptionRef)
	}
	return nil
}

// Entitlement is the read model the product uses to gate premium content.
type Entitlement struct {
	AccountID        string    `json:"account_id"`
	PlanRef          string    `json:"plan_ref,omitempty"`
	PlanName         string    `json:"plan_name,omitempty"`
	Status           Status    `json:"status"`
	HasAccess        bool      `json:"has_access"`
	Features         []Feature `json:"features"`
	CurrentPeriodEnd time.Time `json:"current_period_end,omitzero"`
	CancelAt         time.Time `json:"cancel_at,omitzero"`
}

// Entitlement returns what the account may use right now.
func (s *Service) Entitlement(ctx context.Context, accountID string) (Entitlement, error) {
	rec, err := s.Record(ctx, accountID)
	if err != nil {
		return Entitlement{}, err
	}
	e := Entitlement{
		AccountID:        rec.AccountID,
		PlanRef:          rec.PlanRef,
		Status:           rec.Status,
		HasAccess:        rec.HasAccess(s.now()),
		Features:         []Feature{},
		CurrentPeriodEnd: rec.CurrentPeriodEnd,
	}
	if rec.Status == StatusCanceling && rec.Cancellation != nil {
		e.CancelAt = rec.Cancellation.EffectiveAt
	}
	if rec.PlanRef == "" {
		return e, nil
	}
	plan, err := s.catalog.Plan(rec.PlanRef)
	switch {
	case errors.Is(err, ErrPlanNotFound):
		s.log.WarnContext(ctx, "record references a plan missing from the catalog",
			logger.AccountID(accountID), logger.Status(string(rec.Status)))
		return e, nil
	case err != nil:
		return Entitlement{}, err
	}
	e.PlanName = plan.Name
	if e.HasAccess {
		e.Features = append(e.Features, plan.Features...)
	}
	return e, nil
}

// HasAccess reports whether the account may use premium features now.
func (s *Service) HasAccess(ctx context.Context, accountID string) (bool, error) {
	rec, err := s.Record(ctx, accountID)
	if err != nil {
		return false, err
	}
	return rec.HasAccess(s.now()), nil
}

// HasFeature reports whether the account may use feature now.
func (s *Service) HasFeature(ctx context.Context, accountID string, feature Feature) (bool, error) {
	e, err := s.Entitlement(ctx, accountID)
	if err != nil {
		return false, err
	}
	return slices.Contains(e.Features, feature), nil
}
