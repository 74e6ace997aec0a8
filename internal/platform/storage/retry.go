package storage

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// RetryPolicy retries transient storage failures with linear backoff:
// attempt n waits n * Backoff before running. Non-transient errors
// propagate immediately.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// DefaultRetryPolicy matches the historical behavior: three attempts,
// a quarter second apart at first.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Backoff: 250 * time.Millisecond}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.Backoff < 0 {
		p.Backoff = 0
	}
	return p
}

// Do runs fn until it succeeds, fails non-transiently, attempts run
// out, or the context ends.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	p = p.withDefaults()
	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(time.Duration(attempt-1) * p.Backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err = fn(); err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
	}
	return err
}

// RetryingStore wraps a Store with a RetryPolicy. Retry attempts are
// logged so operators can see flapping connections.
type RetryingStore struct {
	inner  Store
	policy RetryPolicy
	logger zerolog.Logger
}

// WithRetry wraps store with the given policy.
func WithRetry(store Store, policy RetryPolicy, logger zerolog.Logger) *RetryingStore {
	return &RetryingStore{inner: store, policy: policy.withDefaults(), logger: logger}
}

func (s *RetryingStore) run(ctx context.Context, op string, fn func() error) error {
	attempt := 0
	return s.policy.Do(ctx, func() error {
		attempt++
		err := fn()
		if err != nil && IsTransient(err) && attempt < s.policy.MaxAttempts {
			s.logger.Warn().Err(err).Str("op", op).Int("attempt", attempt).Msg("transient storage error, retrying")
		}
		return err
	})
}

func (s *RetryingStore) ExecuteQuery(ctx context.Context, sql string, params ...interface{}) (*QueryResult, error) {
	var res *QueryResult
	err := s.run(ctx, "query", func() error {
		var err error
		res, err = s.inner.ExecuteQuery(ctx, sql, params...)
		return err
	})
	return res, err
}

func (s *RetryingStore) ExecuteCommand(ctx context.Context, sql string, params ...interface{}) (*CommandResult, error) {
	var res *CommandResult
	err := s.run(ctx, "command", func() error {
		var err error
		res, err = s.inner.ExecuteCommand(ctx, sql, params...)
		return err
	})
	return res, err
}

func (s *RetryingStore) ExecuteTransaction(ctx context.Context, commands []Command) (*TxResult, error) {
	var res *TxResult
	err := s.run(ctx, "transaction", func() error {
		var err error
		res, err = s.inner.ExecuteTransaction(ctx, commands)
		return err
	})
	return res, err
}
