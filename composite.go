package queue

import (
	"context"
	"sync/atomic"

	"github.com/pkg/errors"
)

var (
	_ Job = (*chainJob)(nil)
	_ Job = (*batchJob)(nil)
)

const (
	chainClass = "queue.chain"
	batchClass = "queue.batch"
)

// chainJob runs its members strictly in order on one worker and aborts at the
// first failure.
type chainJob struct {
	JobMeta
	Jobs []Job
}

func (c *chainJob) Handle(ctx context.Context) error {
	for i, job := range c.Jobs {
		if err := runJob(ctx, job); err != nil {
			return errors.Wrapf(err, "chain aborted at job %d of %d", i+1, len(c.Jobs))
		}
	}
	return nil
}

// batchJob runs every member and reports each outcome to the batch. It never
// fails on behalf of a member.
type batchJob struct {
	JobMeta
	BatchID string
	Jobs    []Job

	// batch is attached in process, see Manager.attachBatch.
	batch *JobBatch
}

// Handle reports the outcomes only once every member ran, and only if the
// attempt was not abandoned meanwhile. A retried attempt runs every member
// again.
func (b *batchJob) Handle(ctx context.Context) error {
	outcomes := make([]bool, 0, len(b.Jobs))
	for _, job := range b.Jobs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		outcomes = append(outcomes, runJob(ctx, job) == nil)
	}
	if b.batch == nil {
		return nil
	}
	if a := attemptFrom(ctx); a != nil && !a.settle() {
		return ctx.Err()
	}
	for _, ok := range outcomes {
		b.batch.JobCompleted(ok)
	}
	return nil
}

// attempt is settled once, either by the job committing its side effects or
// by the worker abandoning it.
type attempt struct {
	settled int32
}

type attemptKey struct{}

func (a *attempt) settle() bool {
	return atomic.CompareAndSwapInt32(&a.settled, 0, 1)
}

func withAttempt(ctx context.Context, a *attempt) context.Context {
	return context.WithValue(ctx, attemptKey{}, a)
}

func attemptFrom(ctx context.Context) *attempt {
	a, _ := ctx.Value(attemptKey{}).(*attempt)
	return a
}
