package queue

import "time"

// Option tunes the JobMeta of a job. See Adjust.
type Option func(meta *JobMeta)

// Adjust applies the options to the job's metadata and returns the job, so
// that it can be used inline:
//
//  manager.Push(ctx, queue.Adjust(job, queue.Delay(3*time.Minute), queue.Tries(5)), "")
func Adjust(job Job, opts ...Option) Job {
	meta := job.Meta()
	for _, f := range opts {
		f(meta)
	}
	return job
}

// OnQueue is an Option that sets the target queue.
func OnQueue(name string) Option {
	return func(meta *JobMeta) {
		meta.Queue = name
	}
}

// OnConnection is an Option that pins the job to a manager connection.
func OnConnection(name string) Option {
	return func(meta *JobMeta) {
		meta.Connection = name
	}
}

// Delay is an Option that defers the first attempt for the given duration.
func Delay(duration time.Duration) Option {
	return func(meta *JobMeta) {
		meta.Delay = duration
	}
}

// ScheduleAt is an Option that defers the first attempt until the time given.
func ScheduleAt(t time.Time) Option {
	return func(meta *JobMeta) {
		meta.Delay = time.Until(t)
	}
}

// Tries is an Option that sets how many times the job is attempted before it
// is recorded as failed.
func Tries(tries int) Option {
	return func(meta *JobMeta) {
		meta.Tries = tries
	}
}

// Timeout is an Option that bounds each attempt of the job. It takes
// precedence over the worker's timeout.
func Timeout(timeout time.Duration) Option {
	return func(meta *JobMeta) {
		meta.Timeout = timeout
	}
}

// RetryAfter is an Option that sets the delay before a failed attempt becomes
// visible again.
func RetryAfter(d time.Duration) Option {
	return func(meta *JobMeta) {
		meta.RetryAfter = d
	}
}

// JobID is an Option that outsources the generation of the job id to the caller.
func JobID(id string) Option {
	return func(meta *JobMeta) {
		meta.JobID = id
	}
}
