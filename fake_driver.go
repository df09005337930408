package queue

import (
	"context"
	"reflect"
	"sync"
	"time"
)

var _ Driver = (*FakeDriver)(nil)

// FakeDriver records what was pushed without running or storing it. Register
// it as a connection in tests that only need to assert dispatching.
type FakeDriver struct {
	mu      sync.Mutex
	pushed  []Job
	delayed []DelayedJob
}

// DelayedJob is a job recorded by FakeDriver.Later.
type DelayedJob struct {
	Job   Job
	Delay time.Duration
	Queue string
}

// Push records the job.
func (f *FakeDriver) Push(ctx context.Context, job Job, queue string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job.Meta().Queue = targetQueue(job, queue)
	f.pushed = append(f.pushed, job)
	return job.Meta().ID(), nil
}

// Later records the job and its delay.
func (f *FakeDriver) Later(ctx context.Context, delay time.Duration, job Job, queue string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	queue = targetQueue(job, queue)
	job.Meta().Queue = queue
	f.pushed = append(f.pushed, job)
	f.delayed = append(f.delayed, DelayedJob{Job: job, Delay: delay, Queue: queue})
	return job.Meta().ID(), nil
}

// Pop always returns ErrEmpty.
func (f *FakeDriver) Pop(ctx context.Context, queue string) (*QueuedJob, error) {
	return nil, ErrEmpty
}

// Delete reports success.
func (f *FakeDriver) Delete(ctx context.Context, id string, queue string) (bool, error) {
	return true, nil
}

// Release reports success.
func (f *FakeDriver) Release(ctx context.Context, id string, delay time.Duration, queue string) (bool, error) {
	return true, nil
}

// Size returns the number of recorded jobs targeting the queue.
func (f *FakeDriver) Size(ctx context.Context, queue string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, job := range f.pushed {
		if job.Meta().QueueName() == queueOrDefault(queue) {
			n++
		}
	}
	return n, nil
}

// Clear forgets the recorded jobs of the queue.
func (f *FakeDriver) Clear(ctx context.Context, queue string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	queue = queueOrDefault(queue)
	var kept []Job
	for _, job := range f.pushed {
		if job.Meta().QueueName() != queue {
			kept = append(kept, job)
		}
	}
	var keptDelayed []DelayedJob
	for _, d := range f.delayed {
		if d.Queue != queue {
			keptDelayed = append(keptDelayed, d)
		}
	}
	n := int64(len(f.pushed) - len(kept))
	f.pushed, f.delayed = kept, keptDelayed
	return n, nil
}

// Pushed returns every recorded job, delayed ones included, oldest first.
func (f *FakeDriver) Pushed() []Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Job(nil), f.pushed...)
}

// Delayed returns the jobs recorded through Later.
func (f *FakeDriver) Delayed() []DelayedJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]DelayedJob(nil), f.delayed...)
}

// CountPushed returns how many recorded jobs have the same concrete type as
// the given one.
func (f *FakeDriver) CountPushed(job Job) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	want := reflect.TypeOf(job)
	n := 0
	for _, pushed := range f.pushed {
		if reflect.TypeOf(pushed) == want {
			n++
		}
	}
	return n
}

// HasPushed reports whether a job of the same concrete type was recorded.
func (f *FakeDriver) HasPushed(job Job) bool {
	return f.CountPushed(job) > 0
}

// Reset forgets everything.
func (f *FakeDriver) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushed = nil
	f.delayed = nil
}
