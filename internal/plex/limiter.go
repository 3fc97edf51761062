// SPDX-License-Identifier: MIT

package plex

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// limiter is the process-wide admission gate for media-server calls: a token
// bucket enforcing a minimum inter-call delay plus a cap on in-flight
// requests. Collectors and the session monitor share one instance through
// the client.
type limiter struct {
	bucket *rate.Limiter
	sem    *semaphore.Weighted
}

func newLimiter(minDelay time.Duration, maxConcurrent int) *limiter {
	if minDelay <= 0 {
		minDelay = 100 * time.Millisecond
	}
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &limiter{
		bucket: rate.NewLimiter(rate.Every(minDelay), 1),
		sem:    semaphore.NewWeighted(int64(maxConcurrent)),
	}
}

// do runs fn under the admission gate, retrying transient failures with
// exponential backoff. 4xx responses are permanent; context cancellation
// aborts immediately.
func (l *limiter) do(ctx context.Context, retries int, fn func(context.Context) error) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer l.sem.Release(1)

	op := func() (struct{}, error) {
		if err := l.bucket.Wait(ctx); err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		err := fn(ctx)
		if err != nil && Permanent(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 10 * time.Second

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(retries)+1),
	)
	return err
}
