package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/ksred/polar-ops/internal/metrics"
	"github.com/ksred/polar-ops/internal/types"
)

// Guarded bounds every call to the wrapped gateway with a timeout and a
// shared rate limit. A timeout is reported as a transient failure.
type Guarded struct {
	next    Gateway
	timeout time.Duration
	limiter *rate.Limiter
}

func NewGuarded(next Gateway, timeout time.Duration, ratePerSecond float64, burst int) *Guarded {
	limit := rate.Inf
	if ratePerSecond > 0 {
		limit = rate.Limit(ratePerSecond)
	}
	if burst <= 0 {
		burst = 1
	}
	return &Guarded{
		next:    next,
		timeout: timeout,
		limiter: rate.NewLimiter(limit, burst),
	}
}

func (g *Guarded) SubmitOrder(ctx context.Context, o Order) (*Report, error) {
	var rep *Report
	err := g.call(ctx, "submit", func(ctx context.Context) error {
		var err error
		rep, err = g.next.SubmitOrder(ctx, o)
		return err
	})
	if err != nil {
		log.Warn().
			Str("component", "gateway").
			Str("client_order_id", o.ClientOrderID).
			Err(err).
			Msg("order submission failed")
	}
	return rep, err
}

func (g *Guarded) QueryOrder(ctx context.Context, clientOrderID string) (*Report, error) {
	var rep *Report
	err := g.call(ctx, "query", func(ctx context.Context) error {
		var err error
		rep, err = g.next.QueryOrder(ctx, clientOrderID)
		return err
	})
	return rep, err
}

func (g *Guarded) call(ctx context.Context, op string, fn func(context.Context) error) error {
	start := time.Now()
	if err := g.limiter.Wait(ctx); err != nil {
		metrics.RecordGatewayCall(op, "throttled", time.Since(start))
		return Transient(op, err)
	}

	callCtx := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	err := fn(callCtx)
	var ge *types.GatewayError
	switch {
	case err == nil:
		metrics.RecordGatewayCall(op, "ok", time.Since(start))
	case errors.Is(err, ErrOrderNotFound):
		metrics.RecordGatewayCall(op, "not_found", time.Since(start))
	case errors.As(err, &ge):
		metrics.RecordGatewayCall(op, string(ge.Kind), time.Since(start))
	case callCtx.Err() != nil:
		metrics.RecordGatewayCall(op, "timeout", time.Since(start))
		err = Transient(op, err)
	default:
		// Unclassified errors are treated as connectivity failures.
		metrics.RecordGatewayCall(op, "error", time.Since(start))
		err = Transient(op, err)
	}
	return err
}
