package repository

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"
)

// RetryPolicy configures exponential backoff for RetryStore.
type RetryPolicy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryPolicy is used when a zero policy is supplied.
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries:    3,
	InitialDelay:  100 * time.Millisecond,
	MaxDelay:      2 * time.Second,
	BackoffFactor: 2.0,
}

// RetryStore wraps a KeyValueStore and retries failed calls with backoff.
// ErrNotFound and context errors are returned immediately.
type RetryStore struct {
	inner  KeyValueStore
	policy RetryPolicy
}

// NewRetryStore wraps inner with policy.
func NewRetryStore(inner KeyValueStore, policy RetryPolicy) *RetryStore {
	if policy.BackoffFactor <= 0 {
		policy.BackoffFactor = DefaultRetryPolicy.BackoffFactor
	}
	if policy.InitialDelay <= 0 {
		policy.InitialDelay = DefaultRetryPolicy.InitialDelay
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = DefaultRetryPolicy.MaxDelay
	}
	if policy.MaxDelay < policy.InitialDelay {
		policy.MaxDelay = policy.InitialDelay
	}
	return &RetryStore{inner: inner, policy: policy}
}

func (s *RetryStore) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := s.do(ctx, "get", key, func() error {
		v, err := s.inner.Get(ctx, key)
		out = v
		return err
	})
	return out, err
}

func (s *RetryStore) Update(ctx context.Context, key string, value []byte) error {
	return s.do(ctx, "update", key, func() error {
		return s.inner.Update(ctx, key, value)
	})
}

func (s *RetryStore) Close() error {
	return s.inner.Close()
}

func (s *RetryStore) do(ctx context.Context, op, key string, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || !isRetryable(err) || attempt >= s.policy.MaxRetries {
			return err
		}
		delay := calculateBackoff(s.policy, attempt)
		slog.Debug("storage: retrying", "op", op, "key", key, "attempt", attempt+1, "delay", delay, "err", err)
		if !sleepWithBackoff(ctx, delay) {
			return err
		}
	}
}

// sleepWithBackoff waits for delay and reports false if ctx ended first.
func sleepWithBackoff(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// calculateBackoff computes the delay for a given attempt using exponential backoff.
func calculateBackoff(policy RetryPolicy, attempt int) time.Duration {
	delay := float64(policy.InitialDelay) * math.Pow(policy.BackoffFactor, float64(attempt))
	if time.Duration(delay) > policy.MaxDelay {
		return policy.MaxDelay
	}
	return time.Duration(delay)
}

func isRetryable(err error) bool {
	return !errors.Is(err, ErrNotFound) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}
