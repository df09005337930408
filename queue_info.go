package queue

// QueueInfo describes the state of a queue.
type QueueInfo struct {
	// Waiting is the number of envelopes not held by a worker, as reported by
	// Driver.Size.
	Waiting int64
	// Failed is the length of the manager's failed record.
	Failed int64
}
