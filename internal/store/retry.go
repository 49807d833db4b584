package store

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"
)

// GetWithRetry reads a document, retrying transient failures up to retries
// extra times with a constant delay. ErrNotFound is returned immediately.
func GetWithRetry(ctx context.Context, s Store, path string, retries int, delay time.Duration) (Snapshot, error) {
	var snap Snapshot
	op := func() error {
		var err error
		snap, err = s.GetDocument(ctx, path)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrNotFound) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(delay), uint64(max(retries, 0))),
		ctx,
	)
	if err := backoff.Retry(op, policy); err != nil {
		return snap, err
	}
	return snap, nil
}
