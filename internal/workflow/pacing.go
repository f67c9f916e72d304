package workflow

import (
	"context"
	"math/rand/v2"
	"time"

	"golang.org/x/time/rate"
)

// pacer spaces out requests to a source: a token bucket guarantees the
// minimum gap and a random jitter of up to max-min is added on top. The first
// Wait returns immediately.
type pacer struct {
	limiter *rate.Limiter
	jitter  time.Duration
	started bool
}

func newPacer(minDelay, maxDelay time.Duration) *pacer {
	limit := rate.Inf
	if minDelay > 0 {
		limit = rate.Every(minDelay)
	}
	var jitter time.Duration
	if maxDelay > minDelay {
		jitter = maxDelay - minDelay
	}
	return &pacer{limiter: rate.NewLimiter(limit, 1), jitter: jitter}
}

// Wait blocks until the next request may be made or ctx is done.
func (p *pacer) Wait(ctx context.Context) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	if !p.started {
		p.started = true
		return nil
	}
	if p.jitter <= 0 {
		return nil
	}
	t := time.NewTimer(rand.N(p.jitter))
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
