package queue

import (
	"context"
	"time"
)

// Driver is the interface for queue backends. Every method addresses a named
// queue; an empty name means "default".
//
// Drivers are plain storage: they never decide on retries. Pop hands out an
// envelope and reserves it, then the worker either deletes it or releases it
// back with a delay.
type Driver interface {
	// Push enqueues the job for immediate availability and returns its id.
	Push(ctx context.Context, job Job, queue string) (string, error)
	// Later enqueues the job so that it becomes available after the delay.
	Later(ctx context.Context, delay time.Duration, job Job, queue string) (string, error)
	// Pop reserves and returns the next eligible envelope. It returns ErrEmpty
	// when nothing is eligible.
	Pop(ctx context.Context, queue string) (*QueuedJob, error)
	// Delete removes an envelope permanently.
	Delete(ctx context.Context, id string, queue string) (bool, error)
	// Release makes a reserved envelope available again after the delay and
	// counts the failed attempt.
	Release(ctx context.Context, id string, delay time.Duration, queue string) (bool, error)
	// Size returns the number of envelopes not held by a worker.
	Size(ctx context.Context, queue string) (int64, error)
	// Clear removes every envelope of the queue and returns how many there were.
	Clear(ctx context.Context, queue string) (int64, error)
}

// Restorer is implemented by drivers that can hand a popped envelope back to
// the head of its queue without counting an attempt. The worker restores the
// envelope it holds when it is stopped mid-attempt.
type Restorer interface {
	Restore(ctx context.Context, env *QueuedJob) (bool, error)
}

// PayloadCodec is implemented by drivers that serialize jobs. The worker
// decodes popped payloads with the same codec.
type PayloadCodec interface {
	PayloadCodec() Codec
}

func queueOrDefault(queue string) string {
	if queue == "" {
		return defaultQueue
	}
	return queue
}

func targetQueue(job Job, queue string) string {
	if queue == "" {
		return job.Meta().QueueName()
	}
	return queue
}
