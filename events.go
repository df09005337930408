package queue

import "context"

// RetryingJob is delivered when a job failed and is released for another
// attempt. If the attempts are exhausted, AbortedJob is delivered instead.
type RetryingJob struct {
	Err error
	Job *QueuedJob
	// Attempts is the number of the attempt that failed, starting from 1.
	Attempts int
}

// AbortedJob is delivered when a job failed or timed out on its last attempt,
// or when its payload could not be decoded. The job is then in the failed
// record.
type AbortedJob struct {
	Err error
	Job *QueuedJob
}

// RetryListener receives RetryingJob events. See UseRetryListener.
type RetryListener func(ctx context.Context, event RetryingJob)

// AbortListener receives AbortedJob events. See UseAbortListener.
type AbortListener func(ctx context.Context, event AbortedJob)
