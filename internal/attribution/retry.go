package attribution

import (
	"math/rand"
	"time"
)

const (
	defaultRetryBase   = 30 * time.Second
	defaultRetryCap    = 30 * time.Minute
	defaultRetryJitter = 0.2
)

// RetryPolicy decides when a failed operation may run again. Backoff is
// exponential in the per-operation attempt count, capped, with symmetric
// jitter so many agents recovering from the same outage do not retry in
// lockstep.
type RetryPolicy struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter float64
}

// DefaultRetryPolicy returns the production policy: 30s base, 30m cap,
// +/-20% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Base: defaultRetryBase, Cap: defaultRetryCap, Jitter: defaultRetryJitter}
}

// Backoff returns the un-jittered wait after the given number of failed
// attempts. Zero attempts means no wait.
func (rp RetryPolicy) Backoff(attempts int) time.Duration {
	if attempts <= 0 {
		return 0
	}
	d := rp.Base
	for i := 1; i < attempts; i++ {
		if d >= rp.Cap/2 {
			return rp.Cap
		}
		d *= 2
	}
	if d > rp.Cap {
		d = rp.Cap
	}
	return d
}

// ShouldRetry reports whether op may be attempted at now. Retries are always
// permitted when the record carries no failure for op; otherwise the jittered
// backoff window since the last failure must have elapsed.
//
// The jitter is seeded from the failure timestamp so repeated evaluations of
// the same failure agree with each other while different agents still spread
// out.
func (rp RetryPolicy) ShouldRetry(p ReferralProgress, op Operation, now time.Time) bool {
	le := p.LastError
	if le == nil || le.Operation != op {
		return true
	}
	wait := rp.Backoff(p.Attempts(op))
	if rp.Jitter > 0 {
		rng := rand.New(rand.NewSource(le.At.UnixNano()))
		factor := 1 + rp.Jitter*(2*rng.Float64()-1)
		wait = time.Duration(float64(wait) * factor)
	}
	return !now.Before(le.At.Add(wait))
}
