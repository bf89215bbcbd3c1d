// Package retry implements the bounded, per-error-kind retry policy shared by
// the embedding client and the answer synthesizer.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"filing-analyzer/internal/apperr"
)

// Rule bounds retries for one error kind. MaxRetries counts retries, not
// attempts: a rule with MaxRetries 1 allows two calls in total.
type Rule struct {
	MaxRetries int
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// TransientOnly skips retries for errors of this kind that are not
	// flagged transient (e.g. a 400 from the embedding service).
	TransientOnly bool
}

// Policy maps error kinds to retry rules. Kinds without a rule are never
// retried. A Policy is safe for concurrent use; per-call state lives in Do.
type Policy struct {
	Rules map[apperr.Kind]Rule
	// Sleep waits between attempts; tests replace it to avoid real delays.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnRetry is called before each wait.
	OnRetry func(kind apperr.Kind, retry int, wait time.Duration, err error)
}

// GenerationPolicy retries a timeout once and rate limiting a bounded number
// of times with exponential backoff. Auth errors are never retried.
func GenerationPolicy(rateLimitRetries int) *Policy {
	return &Policy{
		Rules: map[apperr.Kind]Rule{
			apperr.KindGenerationTimeout: {MaxRetries: 1, Initial: time.Second, Max: time.Second, Multiplier: 1},
			apperr.KindRateLimited:       {MaxRetries: rateLimitRetries, Initial: 2 * time.Second, Max: 30 * time.Second, Multiplier: 2},
		},
	}
}

// EmbeddingPolicy retries transient embedding faults only.
func EmbeddingPolicy(maxRetries int) *Policy {
	return &Policy{
		Rules: map[apperr.Kind]Rule{
			apperr.KindEmbedding:   {MaxRetries: maxRetries, Initial: 500 * time.Millisecond, Max: 10 * time.Second, Multiplier: 2, TransientOnly: true},
			apperr.KindRateLimited: {MaxRetries: maxRetries, Initial: 2 * time.Second, Max: 30 * time.Second, Multiplier: 2},
		},
	}
}

// Do runs op until it succeeds, returns an error with no applicable rule, or
// exhausts the retries for the kind it failed with. The last error is
// returned unchanged.
func (p *Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	retries := make(map[apperr.Kind]int)
	schedules := make(map[apperr.Kind]*backoff.ExponentialBackOff)

	for {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}

		kind := apperr.KindOf(err)
		rule, ok := p.Rules[kind]
		if !ok || retries[kind] >= rule.MaxRetries {
			return err
		}
		if rule.TransientOnly && !apperr.IsTransient(err) {
			return err
		}

		sched, ok := schedules[kind]
		if !ok {
			sched = newSchedule(rule)
			schedules[kind] = sched
		}
		wait := sched.NextBackOff()
		retries[kind]++

		if p.OnRetry != nil {
			p.OnRetry(kind, retries[kind], wait, err)
		}
		if serr := p.sleep(ctx, wait); serr != nil {
			return err
		}
	}
}

func (p *Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func newSchedule(rule Rule) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = rule.Initial
	b.MaxInterval = rule.Max
	b.Multiplier = rule.Multiplier
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	// Deterministic schedule; bursts are already smoothed by the rate limiters.
	b.RandomizationFactor = 0
	b.Reset()
	return b
}
