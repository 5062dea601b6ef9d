package storage

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dshills/varindex/pkg/types"
)

// RetryConfig configures exponential backoff for store I/O
type RetryConfig struct {
	MaxRetries int           // Maximum number of retries after the first attempt
	BaseDelay  time.Duration // Initial delay between retries
	MaxDelay   time.Duration // Maximum delay between retries
	Multiplier float64       // Exponential backoff multiplier
}

// DefaultRetryConfig returns the retry policy used for batch store access
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 5,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   5 * time.Second,
		Multiplier: 2.0,
	}
}

func (c RetryConfig) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.BaseDelay
	eb.MaxInterval = c.MaxDelay
	if c.Multiplier > 0 {
		eb.Multiplier = c.Multiplier
	}
	eb.MaxElapsedTime = 0 // bounded by MaxRetries instead
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(max(c.MaxRetries, 0))), ctx)
}

// IsRetryable reports whether a store error may succeed on a later attempt.
// Schema and conflict errors, invalid mutations, failed conditions, missing
// rows and context cancellation are permanent. A batch error is retryable when any of its
// mutations failed for a retryable reason.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if types.IsSchemaError(err) || types.IsConflictError(err) {
		return false
	}

	var be *BatchError
	if errors.As(err, &be) {
		for _, f := range be.Failures() {
			if IsRetryable(f.Err) {
				return true
			}
		}
		return false
	}

	return !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrInvalidMutation) && !errors.Is(err, ErrConditionFailed)
}

// RetryNotify is called before each retry with the error that triggered it
type RetryNotify func(op string, err error, next time.Duration)

// Retry runs fn until it succeeds, fails permanently or retries run out
func Retry[T any](ctx context.Context, cfg RetryConfig, op string, notify RetryNotify, fn func() (T, error)) (T, error) {
	operation := func() (T, error) {
		res, err := fn()
		if err != nil && !IsRetryable(err) {
			return res, backoff.Permanent(err)
		}
		return res, err
	}

	var n backoff.Notify
	if notify != nil {
		n = func(err error, d time.Duration) { notify(op, err, d) }
	}
	return backoff.RetryNotifyWithData(operation, cfg.backOff(ctx), n)
}

// RetryingStore wraps a Store so scans, reads and batch writes are retried.
// ConditionalPut is passed through untouched: after an ambiguous failure
// only the caller can tell whether its own write landed.
type RetryingStore struct {
	Store
	cfg    RetryConfig
	notify RetryNotify
}

// WithRetry wraps store with the given retry policy
func WithRetry(store Store, cfg RetryConfig, notify RetryNotify) *RetryingStore {
	return &RetryingStore{Store: store, cfg: cfg, notify: notify}
}

// Unwrap returns the wrapped store
func (s *RetryingStore) Unwrap() Store {
	return s.Store
}

func (s *RetryingStore) Scan(ctx context.Context, table string, opts ScanOptions) (*Page, error) {
	return Retry(ctx, s.cfg, "scan", s.notify, func() (*Page, error) {
		return s.Store.Scan(ctx, table, opts)
	})
}

func (s *RetryingStore) Get(ctx context.Context, table string, key []byte, columns ...string) (*Row, error) {
	return Retry(ctx, s.cfg, "get", s.notify, func() (*Row, error) {
		return s.Store.Get(ctx, table, key, columns...)
	})
}

// BatchMutate retries the whole batch; every mutation is idempotent
func (s *RetryingStore) BatchMutate(ctx context.Context, table string, mutations []Mutation) error {
	_, err := Retry(ctx, s.cfg, "batch_mutate", s.notify, func() (struct{}, error) {
		return struct{}{}, s.Store.BatchMutate(ctx, table, mutations)
	})
	return err
}
