package transport

import (
	"context"
	"time"

	"github.com/ChuLiYu/sitepresence/pkg/types"
	"github.com/cenkalti/backoff"
)

// RetryPolicy is the fast in-call retry layer. It is separate from the
// queue's cross-session retries.
type RetryPolicy struct {
	Timeout  time.Duration // per attempt
	Attempts int           // total attempts, including the first
	Delay    time.Duration // fixed pause between attempts
}

// DefaultRetryPolicy returns 2 attempts of 30s each, 2s apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Timeout: 30 * time.Second, Attempts: 2, Delay: 2 * time.Second}
}

// Retrying wraps a Sender with RetryPolicy. Validation failures are never retried.
type Retrying struct {
	next   Sender
	policy RetryPolicy
}

// WithRetry wraps next.
func WithRetry(next Sender, policy RetryPolicy) *Retrying {
	if policy.Attempts < 1 {
		policy.Attempts = 1
	}
	return &Retrying{next: next, policy: policy}
}

// Send implements Sender.
func (r *Retrying) Send(ctx context.Context, ev types.TransitionEvent) error {
	if err := ValidateEvent(ev); err != nil {
		return err
	}

	attempt := 0
	op := func() error {
		attempt++
		actx, cancel := r.attemptContext(ctx)
		defer cancel()

		err := r.next.Send(actx, ev)
		if err == nil {
			return nil
		}
		if IsValidation(err) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(r.policy.Delay), uint64(r.policy.Attempts-1)),
		ctx,
	)

	notify := func(err error, wait time.Duration) {
		log.Warn("Send attempt failed, retrying",
			"site_id", ev.SiteID,
			"attempt", attempt,
			"wait", wait,
			"error", err)
	}

	return backoff.RetryNotify(op, b, notify)
}

func (r *Retrying) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.policy.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.policy.Timeout)
}
