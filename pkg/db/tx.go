package db

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Backoff: 50 * time.Millisecond}
}

// Transaction runs fn in a transaction, starting over with a fresh one when the
// database reports a serialization conflict. The last error is returned once
// attempts are exhausted; callers classify it with IsSerializationFailure.
func Transaction(ctx context.Context, db *gorm.DB, policy RetryPolicy, fn func(tx *gorm.DB) error) error {
	attempts := policy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = db.WithContext(ctx).Transaction(fn)
		if err == nil || !IsSerializationFailure(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		wait := policy.Backoff * time.Duration(1<<(attempt-1))
		if wait <= 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}
