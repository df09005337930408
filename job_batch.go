package queue

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// JobBatch groups jobs that run as a unit with aggregate callbacks. Unlike a
// chain, a batch keeps going when a member fails.
//
// Callbacks live in memory only. They fire in the process that dispatched the
// batch, which is the worker process in the single-worker deployments this
// package targets.
type JobBatch struct {
	// ID identifies the batch.
	ID string
	// Jobs are the members, in insertion order.
	Jobs []Job
	// CreatedAt is when the batch was built.
	CreatedAt time.Time

	mu       sync.Mutex
	pending  int
	failed   int
	finished func()
	success  func()
	failure  func()
}

// NewBatch creates a batch holding the given jobs.
func NewBatch(jobs ...Job) *JobBatch {
	b := &JobBatch{ID: uuid.NewString(), CreatedAt: time.Now()}
	for _, job := range jobs {
		b.Add(job)
	}
	return b
}

// Add appends a member to the batch.
func (b *JobBatch) Add(job Job) *JobBatch {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Jobs = append(b.Jobs, job)
	b.pending++
	return b
}

// Then sets the callback fired when every member finished, successfully or not.
func (b *JobBatch) Then(fn func()) *JobBatch {
	b.mu.Lock()
	b.finished = fn
	b.mu.Unlock()
	return b
}

// OnSuccess sets the callback fired when every member succeeded.
func (b *JobBatch) OnSuccess(fn func()) *JobBatch {
	b.mu.Lock()
	b.success = fn
	b.mu.Unlock()
	return b
}

// OnFailure sets the callback fired when at least one member failed.
func (b *JobBatch) OnFailure(fn func()) *JobBatch {
	b.mu.Lock()
	b.failure = fn
	b.mu.Unlock()
	return b
}

// JobCompleted records the outcome of one member. When the last pending
// member completes, the finished callback fires, followed by exactly one of
// the success or failure callbacks. Calls after that are ignored.
func (b *JobBatch) JobCompleted(success bool) {
	b.mu.Lock()
	if b.pending == 0 {
		b.mu.Unlock()
		return
	}
	b.pending--
	if !success {
		b.failed++
	}
	if b.pending > 0 {
		b.mu.Unlock()
		return
	}
	finished, outcome := b.finished, b.success
	if b.failed > 0 {
		outcome = b.failure
	}
	b.mu.Unlock()

	if finished != nil {
		finished()
	}
	if outcome != nil {
		outcome()
	}
}

// PendingJobs returns the number of members that have not completed yet.
func (b *JobBatch) PendingJobs() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending
}

// FailedJobs returns the number of members that failed.
func (b *JobBatch) FailedJobs() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failed
}

// Finished reports whether every member completed.
func (b *JobBatch) Finished() bool {
	return b.PendingJobs() == 0
}

// Successful reports whether every member completed without failure.
func (b *JobBatch) Successful() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending == 0 && b.failed == 0
}
