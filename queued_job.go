package queue

import "time"

// QueuedJob is the envelope a driver stores for each pushed job.
type QueuedJob struct {
	// ID identifies the envelope within its driver. It equals the job id for
	// the memory and database drivers.
	ID string `json:"id"`
	// Queue is the queue the envelope belongs to.
	Queue string `json:"queue"`
	// Payload is the serialized job, as produced by the driver's Codec.
	Payload []byte `json:"payload"`
	// Attempts counts how many times the job has been released back after a
	// failed attempt. The worker runs attempt Attempts+1.
	Attempts int `json:"attempts"`
	// AvailableAt is the earliest time the envelope may be popped. Nil means now.
	AvailableAt *time.Time `json:"available_at,omitempty"`
	// CreatedAt is when the envelope was pushed.
	CreatedAt time.Time `json:"created_at"`
	// ReservedAt is set while a worker holds the envelope.
	ReservedAt *time.Time `json:"reserved_at,omitempty"`
}

// IsAvailable reports whether the envelope's availability time has passed.
func (q *QueuedJob) IsAvailable(now time.Time) bool {
	return q.AvailableAt == nil || !now.Before(*q.AvailableAt)
}

// IsReserved reports whether a worker holds the envelope.
func (q *QueuedJob) IsReserved() bool {
	return q.ReservedAt != nil
}

// IsEligible reports whether the envelope can be popped at the given time.
func (q *QueuedJob) IsEligible(now time.Time) bool {
	return !q.IsReserved() && q.IsAvailable(now)
}

func availableAt(now time.Time, delay time.Duration) *time.Time {
	if delay <= 0 {
		return nil
	}
	t := now.Add(delay)
	return &t
}
