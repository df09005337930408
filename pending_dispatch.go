package queue

import (
	"context"
	"time"
)

// PendingDispatch collects the queue, connection and delay of a dispatch
// before the job is pushed. Obtain one from Manager.On, Manager.Using or
// Manager.Dispatch.
//
//  manager.On("emails").Delay(time.Minute).Push(ctx, &SendWelcomeEmail{UserID: 1})
type PendingDispatch struct {
	manager    *Manager
	job        Job
	queue      string
	connection string
	delay      time.Duration
}

// On sets the target queue.
func (p *PendingDispatch) On(queue string) *PendingDispatch {
	p.queue = queue
	return p
}

// OnConnection sets the connection.
func (p *PendingDispatch) OnConnection(connection string) *PendingDispatch {
	p.connection = connection
	return p
}

// Delay postpones the first attempt.
func (p *PendingDispatch) Delay(delay time.Duration) *PendingDispatch {
	p.delay = delay
	return p
}

// Push applies the collected settings to the job and pushes it.
func (p *PendingDispatch) Push(ctx context.Context, job Job) (string, error) {
	p.job = job
	meta := job.Meta()
	if p.queue != "" {
		meta.Queue = p.queue
	}
	if p.connection != "" {
		meta.Connection = p.connection
	}
	if p.delay > 0 {
		return p.manager.Later(ctx, p.delay, job, "")
	}
	return p.manager.Push(ctx, job, "")
}

// Dispatch pushes the job given to Manager.Dispatch. It returns ErrNoJobs
// when there is none.
func (p *PendingDispatch) Dispatch(ctx context.Context) (string, error) {
	if p.job == nil {
		return "", ErrNoJobs
	}
	return p.Push(ctx, p.job)
}
