package gateway

import (
	"context"
	"time"

	"github.com/tdnguyen/chatgate/internal/chat"
	"github.com/tdnguyen/chatgate/internal/fault"
	"github.com/tdnguyen/chatgate/internal/reliability"
)

// Retrying wraps an adapter with bounded retries for retryable failure
// kinds. A retry is only attempted while no delta has reached the caller:
// once partial output is delivered the stream cannot be restarted without
// duplicating text, so any later failure is terminal.
type Retrying struct {
	inner       Adapter
	maxAttempts int
	base        time.Duration
	cap         time.Duration
}

func NewRetrying(inner Adapter, maxRetries int, base, cap time.Duration) *Retrying {
	return &Retrying{
		inner:       inner,
		maxAttempts: maxRetries + 1,
		base:        base,
		cap:         cap,
	}
}

func (r *Retrying) Name() string { return r.inner.Name() }

func (r *Retrying) Stream(ctx context.Context, model string, msgs []chat.Message, onDelta DeltaHandler) (Result, error) {
	var lastErr error
	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := reliability.ExponentialBackoff(attempt-1, r.base, r.cap)
			select {
			case <-ctx.Done():
				return Result{}, ctx.Err()
			case <-time.After(backoff):
			}
		}

		delivered := false
		wrapped := func(delta string) error {
			delivered = true
			if onDelta == nil {
				return nil
			}
			return onDelta(delta)
		}

		res, err := r.inner.Stream(ctx, model, msgs, wrapped)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return Result{}, err
		}
		if delivered || !fault.KindOf(err).Retryable() {
			return Result{}, err
		}
		lastErr = err
	}
	return Result{}, lastErr
}
