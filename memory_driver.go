package queue

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"
)

var (
	_ Driver   = (*MemoryDriver)(nil)
	_ Restorer = (*MemoryDriver)(nil)
)

// MemoryDriver keeps envelopes in process memory. Each queue is an ordered
// list scanned in insertion order, and popped envelopes move to a reserved
// set until they are deleted or released. Everything is lost on restart.
//
// MemoryDriver is safe for concurrent use.
type MemoryDriver struct {
	// Codec serializes the jobs. Defaults to GobCodec.
	Codec  Codec
	Logger log.Logger

	mu       sync.Mutex
	ready    map[string][]*QueuedJob
	reserved map[string]map[string]*QueuedJob
	clock    func() time.Time
}

// NewMemoryDriver creates an empty MemoryDriver.
func NewMemoryDriver(codec Codec) *MemoryDriver {
	return &MemoryDriver{Codec: codec}
}

// PayloadCodec implements PayloadCodec.
func (m *MemoryDriver) PayloadCodec() Codec {
	if m.Codec == nil {
		return GobCodec{}
	}
	return m.Codec
}

// Push appends the job to the queue.
func (m *MemoryDriver) Push(ctx context.Context, job Job, queue string) (string, error) {
	return m.Later(ctx, 0, job, queue)
}

// Later appends the job to the queue, invisible until the delay has passed.
func (m *MemoryDriver) Later(ctx context.Context, delay time.Duration, job Job, queue string) (string, error) {
	queue = targetQueue(job, queue)
	id := job.Meta().ID()
	payload, err := m.PayloadCodec().Marshal(job)
	if err != nil {
		return "", errors.Wrapf(err, "memory push to %s failed", queue)
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ready == nil {
		m.ready = make(map[string][]*QueuedJob)
	}
	m.ready[queue] = append(m.ready[queue], &QueuedJob{
		ID:          id,
		Queue:       queue,
		Payload:     payload,
		AvailableAt: availableAt(now, delay),
		CreatedAt:   now,
	})
	return id, nil
}

// Pop reserves the first available envelope in insertion order.
func (m *MemoryDriver) Pop(ctx context.Context, queue string) (*QueuedJob, error) {
	queue = queueOrDefault(queue)
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	for i, env := range m.ready[queue] {
		if !env.IsAvailable(now) {
			continue
		}
		m.ready[queue] = append(m.ready[queue][:i:i], m.ready[queue][i+1:]...)
		reservedAt := now
		env.ReservedAt = &reservedAt
		if m.reserved == nil {
			m.reserved = make(map[string]map[string]*QueuedJob)
		}
		if m.reserved[queue] == nil {
			m.reserved[queue] = make(map[string]*QueuedJob)
		}
		m.reserved[queue][env.ID] = env
		_ = level.Debug(m.logger()).Log("msg", "popped job", "job", env.ID, "queue", queue)
		copied := *env
		return &copied, nil
	}
	return nil, ErrEmpty
}

// Delete removes the envelope whether it is reserved or not.
func (m *MemoryDriver) Delete(ctx context.Context, id string, queue string) (bool, error) {
	queue = queueOrDefault(queue)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.reserved[queue][id]; ok {
		delete(m.reserved[queue], id)
		return true, nil
	}
	for i, env := range m.ready[queue] {
		if env.ID == id {
			m.ready[queue] = append(m.ready[queue][:i:i], m.ready[queue][i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

// Release puts a reserved envelope back at the tail of the queue with one
// more attempt counted. It returns false if the envelope is not reserved.
func (m *MemoryDriver) Release(ctx context.Context, id string, delay time.Duration, queue string) (bool, error) {
	queue = queueOrDefault(queue)
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	env, ok := m.reserved[queue][id]
	if !ok {
		return false, nil
	}
	delete(m.reserved[queue], id)
	env.ReservedAt = nil
	env.Attempts++
	env.AvailableAt = availableAt(now, delay)
	m.ready[queue] = append(m.ready[queue], env)
	return true, nil
}

// Restore puts a reserved envelope back at the head of the queue, attempts
// unchanged. It returns false if the envelope is not reserved.
func (m *MemoryDriver) Restore(ctx context.Context, env *QueuedJob) (bool, error) {
	queue := queueOrDefault(env.Queue)

	m.mu.Lock()
	defer m.mu.Unlock()
	held, ok := m.reserved[queue][env.ID]
	if !ok {
		return false, nil
	}
	delete(m.reserved[queue], env.ID)
	held.ReservedAt = nil
	m.ready[queue] = append([]*QueuedJob{held}, m.ready[queue]...)
	return true, nil
}

// Size counts the envelopes that are not reserved, including delayed ones.
func (m *MemoryDriver) Size(ctx context.Context, queue string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.ready[queueOrDefault(queue)])), nil
}

// Clear drops the queue, reserved envelopes included.
func (m *MemoryDriver) Clear(ctx context.Context, queue string) (int64, error) {
	queue = queueOrDefault(queue)

	m.mu.Lock()
	defer m.mu.Unlock()
	n := int64(len(m.ready[queue]) + len(m.reserved[queue]))
	delete(m.ready, queue)
	delete(m.reserved, queue)
	return n, nil
}

func (m *MemoryDriver) now() time.Time {
	if m.clock != nil {
		return m.clock()
	}
	return time.Now()
}

func (m *MemoryDriver) logger() log.Logger {
	if m.Logger == nil {
		return log.NewNopLogger()
	}
	return m.Logger
}
