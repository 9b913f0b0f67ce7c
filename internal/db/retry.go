package db

import (
	"time"

	"go.mongodb.org/mongo-driver/mongo"
)

// Operation is a function that performs an action and returns an error if it fails.
type Operation func() error

// Retryable decides whether a failed attempt should be retried.
type Retryable func(err error) bool

const DefaultMaxRetries = 3

// Try executes an operation with default retry settings for duplicate key
// errors (insert races on generated IDs).
func Try(op Operation) error {
	return WithRetries(op, DefaultMaxRetries, mongo.IsDuplicateKeyError)
}

// TryBatch executes a batch write with retries on transient errors. The
// whole operation is re-run on failure, never a subset of it: bulk repairs
// must be retried wholesale to avoid divergent partial states across a
// sweep run. Individual updates inside the batch are conditional, so a
// re-run after a partial application changes nothing already applied.
func TryBatch(op Operation) error {
	return WithRetries(op, DefaultMaxRetries, IsTransientError)
}

// WithRetries executes an operation up to maxRetries additional times as
// long as the failure is classified retryable, with a simple incremental
// backoff between attempts.
func WithRetries(op Operation, maxRetries int, retryable Retryable) error {
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = op()
		if err == nil {
			return nil
		}
		if attempt == maxRetries {
			break
		}
		if retryable(err) {
			time.Sleep(time.Duration(50*(attempt+1)) * time.Millisecond)
		} else {
			return err
		}
	}
	return err
}

// IsTransientError reports whether a MongoDB error is worth retrying:
// network interruptions and timeouts. Anything else fails fast.
func IsTransientError(err error) bool {
	return mongo.IsNetworkError(err) || mongo.IsTimeout(err)
}
