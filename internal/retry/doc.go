// Package retry runs an operation with bounded retries and a backoff
// between attempts.
//
// The pool uses it to re-run a unit of work on a freshly selected server
// (constant backoff of pool.retryBackoff, pool.maxRetries retries) and the
// Redis server source uses it for its initial load (exponential backoff
// with jitter).
//
//	err := retry.Do(ctx, &retry.Config{
//	    MaxRetries: 2,
//	    Backoff:    retry.NewConstantBackoff(500 * time.Millisecond),
//	}, func(attempt int) error {
//	    return work(ctx)
//	}, nil)
package retry
