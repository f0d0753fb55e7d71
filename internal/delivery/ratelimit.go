package delivery

import (
	"context"
	"encoding/json"

	"golang.org/x/time/rate"
)

// RateLimited caps the rate at which the wrapped sender is called.
type RateLimited struct {
	next Sender
	lim  *rate.Limiter
}

func NewRateLimited(next Sender, perSecond float64, burst int) *RateLimited {
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{next: next, lim: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (r *RateLimited) Send(ctx context.Context, payload json.RawMessage) (Receipt, error) {
	if err := r.lim.Wait(ctx); err != nil {
		return Receipt{}, err
	}
	return r.next.Send(ctx, payload)
}
