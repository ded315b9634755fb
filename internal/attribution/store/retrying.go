package store

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/cryptogarden/attribution/internal/attribution"
	pkgerrors "github.com/cryptogarden/attribution/pkg/errors"
)

const defaultStoreRetryElapsed = 5 * time.Second

// Retrying wraps a store with short exponential-backoff retries. A progress
// write is the durability boundary of the whole workflow, so a transient
// Redis blip must not lose it.
type Retrying struct {
	inner      attribution.Store
	maxElapsed time.Duration
}

// NewRetrying wraps inner. maxElapsed bounds the total retry time per call;
// zero selects a 5s default.
func NewRetrying(inner attribution.Store, maxElapsed time.Duration) *Retrying {
	if maxElapsed <= 0 {
		maxElapsed = defaultStoreRetryElapsed
	}
	return &Retrying{inner: inner, maxElapsed: maxElapsed}
}

func (r *Retrying) newBackoff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxElapsedTime = r.maxElapsed
	return backoff.WithContext(bo, ctx)
}

// Load retries transient read failures. ErrNotFound is final, not retried.
func (r *Retrying) Load(ctx context.Context) (attribution.ReferralProgress, error) {
	var p attribution.ReferralProgress
	err := backoff.Retry(func() error {
		var err error
		p, err = r.inner.Load(ctx)
		if errors.Is(err, pkgerrors.ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}, r.newBackoff(ctx))
	return p, err
}

// Save retries transient write failures.
func (r *Retrying) Save(ctx context.Context, p attribution.ReferralProgress) error {
	return backoff.Retry(func() error {
		return r.inner.Save(ctx, p)
	}, r.newBackoff(ctx))
}

// Delete retries transient delete failures.
func (r *Retrying) Delete(ctx context.Context) error {
	return backoff.Retry(func() error {
		return r.inner.Delete(ctx)
	}, r.newBackoff(ctx))
}
