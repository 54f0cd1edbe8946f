package transaction

import (
	"context"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/sethvargo/go-retry"
	"github.com/tinysync/statesync/kv/transaction/commit"
	"go.uber.org/zap"
)

const (
	retryBaseBackoff = 2 * time.Millisecond
	retryMaxBackoff  = 100 * time.Millisecond
)

// errConflict marks an attempt that should be retried.
var errConflict = errors.New("transaction: commit conflict")

// RetryOnConflict runs build on a fresh transaction and commits it, starting over with a new transaction while
// the commit resolves Conflict, at most maxRetries more times. It returns the last Result. build should Require
// the keys it reads so that a retry sees their new versions; an error from build aborts without committing.
//
// Failed is not retried.
func RetryOnConflict(ctx context.Context, engine *Engine, maxRetries uint64, build func(txn *Txn) error) (commit.Result, error) {
	var (
		result   commit.Result
		attempts int
	)
	b := retry.NewExponential(retryBaseBackoff)
	b = retry.WithCappedDuration(retryMaxBackoff, b)
	b = retry.WithMaxRetries(maxRetries, b)
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempts++
		txn := engine.Begin()
		defer txn.Close()
		if err := build(txn); err != nil {
			return err
		}
		r, err := txn.Commit(ctx)
		if err != nil {
			return err
		}
		result = r
		if r.Outcome == commit.Conflict {
			log.Debug("commit conflict, retrying", zap.String("txn", txn.ID().String()), zap.Int("attempt", attempts))
			return retry.RetryableError(errConflict)
		}
		return nil
	})
	if err != nil && errors.Cause(err) != errConflict {
		return result, err
	}
	return result, nil
}
