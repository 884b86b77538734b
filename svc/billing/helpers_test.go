package billing_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"

	"github.com/quantdrill/billing/pkg/logger"
	"github.com/quantdrill/billing/svc/billing"
)

const webhookSecret = "whsec_test_secret"

var epoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: epoch} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

func testPlans() []billing.Plan {
	return []billing.Plan{
		{
			Ref:      "pro_monthly",
			Name:     "Pro",
			PriceRef: "price_pro_m",
			Price:    billing.Money{Amount: 2900, Currency: "usd"},
			Interval: billing.IntervalMonthly,
			Features: []billing.Feature{"mock_interviews", "solutions"},
			Public:   true,
		},
		{
			Ref:      "pro_annual",
			Name:     "Pro Annual",
			PriceRef: "price_pro_a",
			Price:    billing.Money{Amount: 29000, Currency: "usd"},
			Interval: billing.IntervalAnnual,
			Features: []billing.Feature{"mock_interviews", "solutions", "company_sets"},
			Public:   true,
		},
		{
			Ref:      "legacy",
			Name:     "Legacy",
			PriceRef: "price_legacy",
			Price:    billing.Money{Amount: 1500, Currency: "usd"},
			Interval: billing.IntervalMonthly,
			Features: []billing.Feature{"solutions"},
		},
	}
}

func testCatalog(t *testing.T) *billing.Catalog {
	t.Helper()
	c, err := billing.NewCatalog(context.Background(), billing.NewInMemSource(testPlans()...))
	require.NoError(t, err)
	return c
}

// fakeProcessor emulates the processor, including replay of idempotent calls.
type fakeProcessor struct {
	mu        sync.Mutex
	seq       int
	periodEnd time.Time
	byKey     map[string]billing.ExternalResult
	subs      map[string]billing.ExternalResult
	calls     []billing.Call
	created   []string
	errs      map[billing.Operation]error
	delay     time.Duration
}

func newFakeProcessor(periodEnd time.Time) *fakeProcessor {
	return &fakeProcessor{
		periodEnd: periodEnd,
		byKey:     make(map[string]billing.ExternalResult),
		subs:      make(map[string]billing.ExternalResult),
		errs:      make(map[billing.Operation]error),
	}
}

func (p *fakeProcessor) Execute(ctx context.Context, call billing.Call) (*billing.ExternalResult, error) {
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, call)
	if err := p.errs[call.Op]; err != nil {
		return nil, err
	}
	if res, ok := p.byKey[call.IdempotencyKey]; ok {
		return &res, nil
	}
	res, err := p.apply(call)
	if err != nil {
		return nil, err
	}
	p.byKey[call.IdempotencyKey] = res
	return &res, nil
}

func (p *fakeProcessor) apply(call billing.Call) (billing.ExternalResult, error) {
	if call.Op == billing.OpCreateCustomer {
		p.seq++
		return billing.ExternalResult{CustomerRef: fmt.Sprintf("cus_%d", p.seq)}, nil
	}
	if call.Op == billing.OpCreateSubscription {
		p.seq++
		ref := fmt.Sprintf("sub_%d", p.seq)
		res := billing.ExternalResult{
			CustomerRef:      call.Params.CustomerRef,
			SubscriptionRef:  ref,
			Status:           billing.ExternalIncomplete,
			PriceRef:         call.Params.PriceRef,
			CurrentPeriodEnd: p.periodEnd,
			RedirectURL:      "https://pay.example.com/" + ref,
		}
		p.subs[ref] = res
		p.created = append(p.created, ref)
		return res, nil
	}

	sub, ok := p.subs[call.Params.SubscriptionRef]
	if !ok {
		return billing.ExternalResult{}, fmt.Errorf("%w: no such subscription %q", billing.ErrProcessorRejected, call.Params.SubscriptionRef)
	}
	switch call.Op {
	case billing.OpCancelAtPeriodEnd:
		sub.CancelAtPeriodEnd = true
	case billing.OpResumeSubscription:
		sub.CancelAtPeriodEnd = false
	case billing.OpChangePrice:
		sub.PriceRef = call.Params.PriceRef
	case billing.OpCancelImmediately:
		if sub.Status == billing.ExternalCanceled {
			return billing.ExternalResult{}, fmt.Errorf("%w: subscription already canceled", billing.ErrProcessorRejected)
		}
		sub.Status = billing.ExternalCanceled
	}
	p.subs[sub.SubscriptionRef] = sub
	return sub, nil
}

func (p *fakeProcessor) failWith(op billing.Operation, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.errs, op)
		return
	}
	p.errs[op] = err
}

func (p *fakeProcessor) count(op billing.Operation) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

func (p *fakeProcessor) subscription(ref string) billing.ExternalResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.subs[ref]
}

func (p *fakeProcessor) createdSubscriptions() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.created...)
}

type processorFunc func(ctx context.Context, call billing.Call) (*billing.ExternalResult, error)

func (f processorFunc) Execute(ctx context.Context, call billing.Call) (*billing.ExternalResult, error) {
	return f(ctx, call)
}

type noticeRecorder struct {
	mu      sync.Mutex
	notices []billing.Notice
}

func (r *noticeRecorder) Notify(_ context.Context, n billing.Notice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
	return nil
}

func (r *noticeRecorder) kinds() []billing.NoticeKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]billing.NoticeKind, 0, len(r.notices))
	for _, n := range r.notices {
		out = append(out, n.Kind)
	}
	return out
}

type harness struct {
	svc       *billing.Service
	store     *billing.MemoryStore
	proc      *fakeProcessor
	clock     *clock
	notices   *noticeRecorder
	periodEnd time.Time
	events    int
}

func newHarness(t *testing.T, opts ...billing.ServiceOption) *harness {
	t.Helper()
	h := &harness{
		store:     billing.NewMemoryStore(),
		clock:     newClock(),
		notices:   &noticeRecorder{},
		periodEnd: epoch.Add(30 * 24 * time.Hour),
	}
	h.proc = newFakeProcessor(h.periodEnd)
	gw := billing.NewGateway(h.proc,
		billing.WithGatewayClock(h.clock.Now),
		billing.WithGatewayLogger(logger.Nop()),
	)
	opts = append([]billing.ServiceOption{
		billing.WithStore(h.store),
		billing.WithClock(h.clock.Now),
		billing.WithNotifier(h.notices),
		billing.WithLogger(logger.Nop()),
	}, opts...)
	h.svc = billing.NewService(gw, testCatalog(t), opts...)
	return h
}

func (h *harness) nextEventID() string {
	h.events++
	return fmt.Sprintf("evt_%d", h.events)
}

// activate subscribes the account and completes checkout.
func (h *harness) activate(t *testing.T, accountID, planRef string) billing.Record {
	t.Helper()
	ctx := context.Background()
	res, err := h.svc.Subscribe(ctx, accountID, planRef)
	require.NoError(t, err)

	_, err = h.svc.HandleEvent(ctx, h.checkoutEvent(res.Record))
	require.NoError(t, err)
	rec, err := h.svc.Record(ctx, accountID)
	require.NoError(t, err)
	require.Equal(t, billing.StatusActive, rec.Status)
	return rec
}

func (h *harness) checkoutEvent(rec billing.Record) billing.Event {
	return billing.Event{
		ID:              h.nextEventID(),
		Type:            "checkout.session.completed",
		Kind:            billing.EventCheckoutCompleted,
		CreatedAt:       h.clock.Now(),
		CustomerRef:     rec.CustomerRef,
		SubscriptionRef: rec.SubscriptionRef,
		PeriodEnd:       h.periodEnd,
	}
}

func (h *harness) failureEvent(rec billing.Record, invoiceRef string, attempt int) billing.Event {
	return billing.Event{
		ID:              h.nextEventID(),
		Type:            "invoice.payment_failed",
		Kind:            billing.EventPaymentFailed,
		CreatedAt:       h.clock.Now(),
		CustomerRef:     rec.CustomerRef,
		SubscriptionRef: rec.SubscriptionRef,
		InvoiceRef:      invoiceRef,
		AttemptCount:    attempt,
	}
}

func (h *harness) subscriptionEvent(rec billing.Record, status billing.ExternalStatus, at time.Time) billing.Event {
	return billing.Event{
		ID:              h.nextEventID(),
		Type:            "customer.subscription.updated",
		Kind:            billing.EventSubscriptionChanged,
		CreatedAt:       at,
		CustomerRef:     rec.CustomerRef,
		SubscriptionRef: rec.SubscriptionRef,
		PriceRef:        "price_pro_m",
		ExternalStatus:  status,
		PeriodEnd:       h.periodEnd,
	}
}

func (h *harness) auditTypes(t *testing.T, accountID string) []string {
	t.Helper()
	entries, err := h.svc.AuditTrail(context.Background(), accountID, 0)
	require.NoError(t, err)
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.EventType)
	}
	return out
}

// stripePayload builds a Stripe event body around obj.
func stripePayload(t *testing.T, id, eventType string, created time.Time, obj any) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"id":          id,
		"object":      "event",
		"type":        eventType,
		"created":     created.Unix(),
		"api_version": "2025-06-30.basil",
		"data":        map[string]any{"object": obj},
	})
	require.NoError(t, err)
	return raw
}

func sign(payload []byte) string {
	return stripe.GenerateTestSignedPayload(&stripe.UnsignedPayload{
		Payload:   payload,
		Secret:    webhookSecret,
		Timestamp: time.Now(),
	}).Header
}
