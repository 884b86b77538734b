package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/quantdrill/billing/pkg/logger"
)

// Gateway is the only path to the payment processor. Every call carries an
// idempotency token derived from the account, the operation, its relevant
// params and a coarse time bucket, so a retried user action or a redelivered
// webhook never produces a second external mutation.
type Gateway struct {
	processor Processor
	bucket    time.Duration
	timeout   time.Duration
	now       func() time.Time
	log       *slog.Logger
	flight    singleflight.Group
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithIdempotencyBucket sets the width of the time bucket mixed into tokens.
// Identical calls inside one bucket share a token.
func WithIdempotencyBucket(d time.Duration) GatewayOption {
	return func(g *Gateway) {
		if d > 0 {
			g.bucket = d
		}
	}
}

// WithProcessorTimeout bounds a single processor call.
func WithProcessorTimeout(d time.Duration) GatewayOption {
	return func(g *Gateway) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithGatewayClock overrides the clock used for time buckets.
func WithGatewayClock(now func() time.Time) GatewayOption {
	return func(g *Gateway) {
		if now != nil {
			g.now = now
		}
	}
}

// WithGatewayLogger sets the logger.
func WithGatewayLogger(log *slog.Logger) GatewayOption {
	return func(g *Gateway) {
		if log != nil {
			g.log = log
		}
	}
}

// NewGateway wraps a processor. It panics if processor is nil.
func NewGateway(processor Processor, opts ...GatewayOption) *Gateway {
	if processor == nil {
		panic("billing: gateway requires a processor")
	}
	g := &Gateway{
		processor: processor,
		bucket:    10 * time.Minute,
		timeout:   10 * time.Second,
		now:       time.Now,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.log = g.log.With(logger.Component("billing.gateway"))
	return g
}

// Token returns the idempotency token for a call made now.
func (g *Gateway) Token(accountID string, op Operation, p Params) string {
	bucket := g.now().UTC().Truncate(g.bucket).Unix()
	parts := []string{string(op), accountID}
	parts = append(parts, op.tokenFields(p)...)
	parts = append(parts, strconv.FormatInt(bucket, 10))
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// Perform executes one processor call. Concurrent identical calls are
// collapsed into a single request and share its result. The gateway never
// retries on its own; a timeout or transport failure is reported as
// ErrProcessorUnavailable and the caller decides.
func (g *Gateway) Perform(ctx context.Context, accountID string, op Operation, p Params) (*ExternalResult, error) {
	if accountID == "" {
		return nil, ErrInvalidAccountID
	}
	call := Call{
		Op:             op,
		AccountID:      accountID,
		Params:         p,
		IdempotencyKey: g.Token(accountID, op, p),
	}

	// The shared request must outlive any single caller.
	ch := g.flight.DoChan(call.IdempotencyKey, func() (any, error) {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.timeout)
		defer cancel()
		return g.execute(cctx, call)
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrProcessorUnavailable, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		out := *res.Val.(*ExternalResult)
		return &out, nil
	}
}

func (g *Gateway) execute(ctx context.Context, call Call) (*ExternalResult, error) {
	start := time.Now()
	res, err := g.processor.Execute(ctx, call)
	attrs := []any{
		logger.AccountID(call.AccountID),
		logger.Operation(string(call.Op)),
		logger.Duration(time.Since(start)),
	}
	if err != nil {
		err = classifyProcessorError(err)
		g.log.WarnContext(ctx, "processor call failed", append(attrs, logger.Error(err))...)
		return nil, err
	}
	if res == nil {
		res = &ExternalResult{}
	}
	g.log.DebugContext(ctx, "processor call completed", attrs...)
	return res, nil
}

// classifyProcessorError treats anything not explicitly rejected as transient.
func classifyProcessorError(err error) error {
	if errors.Is(err, ErrProcessorUnavailable) || errors.Is(err, ErrProcessorRejected) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrProcessorUnavailable, err)
}
