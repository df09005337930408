package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	defaultQueue      = "default"
	defaultTries      = 3
	defaultTimeout    = 60 * time.Second
	defaultRetryAfter = 90 * time.Second
)

// Job is a unit of work that can be pushed onto a queue. Concrete jobs embed
// JobMeta to satisfy the Meta method, and implement Handle.
//
//  type SendWelcomeEmail struct {
//    queue.JobMeta
//    UserID int
//  }
//
//  func (s *SendWelcomeEmail) Handle(ctx context.Context) error {
//    return mailer.Send(ctx, s.UserID, "welcome")
//  }
type Job interface {
	// Handle executes the job. Any error returned is treated as a failed attempt.
	Handle(ctx context.Context) error
	// Meta returns the scheduling metadata of the job.
	Meta() *JobMeta
}

// BeforeHook is implemented by jobs that want to run something before Handle.
type BeforeHook interface {
	Before(ctx context.Context) error
}

// AfterHook is implemented by jobs that want to run something after a
// successful Handle.
type AfterHook interface {
	After(ctx context.Context) error
}

// FailedHook is implemented by jobs that need to know when they are given up.
// It is called once, after the last attempt failed.
type FailedHook interface {
	Failed(ctx context.Context, err error)
}

// JobMeta holds the queue configuration and runtime state of a job. The zero
// value is usable: empty fields fall back to the package defaults.
type JobMeta struct {
	// Queue is the target queue name. Defaults to "default".
	Queue string `json:"-"`
	// Connection is the name of the manager connection. Empty means the
	// manager's default connection.
	Connection string `json:"-"`
	// Delay postpones the first attempt.
	Delay time.Duration `json:"-"`
	// Tries is the maximum number of attempts. Defaults to 3.
	Tries int `json:"-"`
	// Timeout bounds a single attempt. Zero means the worker's timeout.
	Timeout time.Duration `json:"-"`
	// RetryAfter is how long a failed attempt stays invisible before the
	// next one. Defaults to 90 seconds.
	RetryAfter time.Duration `json:"-"`
	// JobID identifies the job. Generated lazily, see ID.
	JobID string `json:"-"`
	// Attempts is set by the worker before each execution. It starts from 1.
	Attempts int `json:"-"`
}

// Meta implements Job.
func (m *JobMeta) Meta() *JobMeta {
	return m
}

// ID returns the job identifier, generating it on first access.
func (m *JobMeta) ID() string {
	if m.JobID == "" {
		m.JobID = uuid.NewString()
	}
	return m.JobID
}

// QueueName returns the target queue, or "default".
func (m *JobMeta) QueueName() string {
	if m.Queue == "" {
		return defaultQueue
	}
	return m.Queue
}

// MaxTries returns the configured number of attempts, or 3.
func (m *JobMeta) MaxTries() int {
	if m.Tries <= 0 {
		return defaultTries
	}
	return m.Tries
}

// RetryDelay returns the configured retry-after interval, or 90 seconds.
func (m *JobMeta) RetryDelay() time.Duration {
	if m.RetryAfter <= 0 {
		return defaultRetryAfter
	}
	return m.RetryAfter
}

// runJob executes the before, handle and after steps of a job in order and
// stops at the first error.
func runJob(ctx context.Context, job Job) error {
	if b, ok := job.(BeforeHook); ok {
		if err := b.Before(ctx); err != nil {
			return err
		}
	}
	if err := job.Handle(ctx); err != nil {
		return err
	}
	if a, ok := job.(AfterHook); ok {
		if err := a.After(ctx); err != nil {
			return err
		}
	}
	return nil
}

func fail(ctx context.Context, job Job, err error) {
	if f, ok := job.(FailedHook); ok {
		f.Failed(ctx, err)
	}
}
