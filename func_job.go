package queue

import "context"

// Func creates a job from a callback in one line.
//
// The callback is not serializable, so such jobs can only go through
// connections that never encode them, like the sync and fake drivers.
func Func(callback func(ctx context.Context) error) *FuncJob {
	return &FuncJob{callback: callback}
}

// FuncJob is a job implemented with a callback.
type FuncJob struct {
	JobMeta
	callback func(ctx context.Context) error
}

// Handle implements Job.
func (f *FuncJob) Handle(ctx context.Context) error {
	if f.callback == nil {
		return nil
	}
	return f.callback(ctx)
}
