package queue

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

var _ Driver = (*SyncDriver)(nil)

// SyncDriver executes jobs inline at push time. Nothing is ever stored, so it
// cannot be worked and Pop always reports ErrEmpty. It suits tests and local
// development.
type SyncDriver struct {
	Logger log.Logger

	mu        sync.Mutex
	processed []string
}

// Push runs the job immediately. When it fails, the job's Failed hook is
// called and the error is returned to the caller.
func (s *SyncDriver) Push(ctx context.Context, job Job, queue string) (string, error) {
	id := job.Meta().ID()
	job.Meta().Attempts = 1
	if err := runJob(ctx, job); err != nil {
		fail(ctx, job, err)
		_ = level.Warn(s.logger()).Log("msg", "sync job failed", "job", id, "queue", targetQueue(job, queue), "err", err)
		return id, err
	}
	s.mu.Lock()
	s.processed = append(s.processed, id)
	s.mu.Unlock()
	return id, nil
}

// Later blocks for the delay, then runs the job like Push.
func (s *SyncDriver) Later(ctx context.Context, delay time.Duration, job Job, queue string) (string, error) {
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return job.Meta().ID(), ctx.Err()
		}
	}
	return s.Push(ctx, job, queue)
}

// Pop always returns ErrEmpty.
func (s *SyncDriver) Pop(ctx context.Context, queue string) (*QueuedJob, error) {
	return nil, ErrEmpty
}

// Delete reports success. There is nothing to delete.
func (s *SyncDriver) Delete(ctx context.Context, id string, queue string) (bool, error) {
	return true, nil
}

// Release reports success. There is nothing to release.
func (s *SyncDriver) Release(ctx context.Context, id string, delay time.Duration, queue string) (bool, error) {
	return true, nil
}

// Size is always zero.
func (s *SyncDriver) Size(ctx context.Context, queue string) (int64, error) {
	return 0, nil
}

// Clear is always zero.
func (s *SyncDriver) Clear(ctx context.Context, queue string) (int64, error) {
	return 0, nil
}

// Processed returns the ids of the jobs that ran successfully, oldest first.
func (s *SyncDriver) Processed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.processed...)
}

func (s *SyncDriver) logger() log.Logger {
	if s.Logger == nil {
		return log.NewNopLogger()
	}
	return s.Logger
}
