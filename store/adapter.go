package store

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// ErrUnavailable is returned by Adapter methods when the backing store
// could not be reached after exhausting the retry budget.
var ErrUnavailable = errors.New("store: persistent store unavailable")

// RetryPolicy bounds the exponential backoff applied to transient storage
// failures, matching spec.md's "retry with bounded exponential backoff"
// requirement for C1.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 50 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 2 * time.Second
	}
	return p
}

// WithRetry runs op with exponential backoff and jitter, bounded by policy,
// and wraps an exhausted retry budget as ErrUnavailable.
func WithRetry(ctx context.Context, log *zap.Logger, policy RetryPolicy, op func(ctx context.Context) error) error {
	policy = policy.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	var lastErr error
	delay := policy.BaseDelay
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		log.Warn("store: operation failed, retrying", zap.Int("attempt", attempt), zap.Error(lastErr))
		if attempt == policy.MaxAttempts {
			break
		}
		jitter := time.Duration(rand.Int63n(int64(delay) / 2))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay + jitter):
		}
		delay *= 2
		if delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

// Adapter composes the three storage backends behind the single narrow
// interface the rest of the cluster depends on.
type Adapter struct {
	SQL     *SQLStore
	KV      *KVStore
	Secrets *SecretCache
	Policy  RetryPolicy
	log     *zap.Logger
}

// NewAdapter wires the three backends together.
func NewAdapter(sql *SQLStore, kv *KVStore, secrets *SecretCache, policy RetryPolicy, log *zap.Logger) *Adapter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Adapter{SQL: sql, KV: kv, Secrets: secrets, Policy: policy, log: log}
}

// Retry wraps a single storage call in the adapter's configured retry
// policy; it is the seam every C1 call listed in spec.md routes through.
func (a *Adapter) Retry(ctx context.Context, op func(ctx context.Context) error) error {
	return WithRetry(ctx, a.log, a.Policy, op)
}
