package kv

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sethvargo/go-retry"
)

// RetryConfig bounds RunInTransaction. Zero values select defaults.
type RetryConfig struct {
	MaxRetries uint64
	BaseDelay  time.Duration
}

// TxnFunc is the body of a transaction run by RunInTransaction.
type TxnFunc func(ctx context.Context, tx *Transaction) error

// RunInTransaction begins a transaction, runs fn and commits. When fn or the
// commit fails with an isolation conflict the whole attempt is repeated in a
// fresh transaction with Fibonacci backoff. Any other error aborts and is
// returned as is. The last transaction attempted is returned.
func (c *Coordinate) RunInTransaction(ctx context.Context, opts Options, rc RetryConfig, fn TxnFunc) (*Transaction, error) {
	if rc.MaxRetries == 0 {
		rc.MaxRetries = defaultRetryMax
	}
	if rc.BaseDelay <= 0 {
		rc.BaseDelay = defaultRetryBase
	}
	backoff := retry.WithMaxRetries(rc.MaxRetries, retry.NewFibonacci(rc.BaseDelay))

	var last *Transaction
	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attemptOpts := opts
		if attempt > 0 {
			// an id can only be registered once
			attemptOpts.ID = ""
		}
		attempt++

		tx, err := c.Begin(attemptOpts)
		if err != nil {
			return err
		}
		last = tx

		if err := fn(ctx, tx); err != nil {
			if abortErr := c.Abort(ctx, tx, err.Error()); abortErr != nil {
				return errors.WithStack(errors.CombineErrors(err, abortErr))
			}
			return retryable(err)
		}
		return retryable(c.Commit(ctx, tx))
	})
	return last, err
}

func retryable(err error) error {
	if IsConflict(err) {
		return retry.RetryableError(err)
	}
	return err
}
