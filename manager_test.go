package queue

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMemoryManager(opts ...func(*Manager)) (*Manager, *MemoryDriver) {
	driver := NewMemoryDriver(nil)
	opts = append([]func(*Manager){UseConnection("memory", driver), UseDefaultConnection("memory")}, opts...)
	return NewManager(opts...), driver
}

func work(t *testing.T, m *Manager, opts WorkOptions) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if opts.Sleep == 0 {
		opts.Sleep = 5 * time.Millisecond
	}
	return m.Work(ctx, opts)
}

type brokenDriver struct {
	FakeDriver
}

func (b *brokenDriver) Pop(ctx context.Context, queue string) (*QueuedJob, error) {
	return nil, errors.New("connection reset")
}

func TestNewManager_connections(t *testing.T) {
	m := NewManager()
	assert.Equal(t, []string{"memory", "sync"}, m.Connections())
	assert.Equal(t, "sync", m.DefaultConnection())

	driver, err := m.Connection("")
	require.NoError(t, err)
	assert.IsType(t, &SyncDriver{}, driver)

	_, err = m.Connection("nope")
	assert.ErrorIs(t, err, ErrConnectionNotFound)
	assert.ErrorIs(t, m.SetDefaultConnection("nope"), ErrConnectionNotFound)

	fake := &FakeDriver{}
	m.RegisterConnection("fake", fake)
	require.NoError(t, m.SetDefaultConnection("fake"))
	driver, err = m.Connection("")
	require.NoError(t, err)
	assert.Same(t, fake, driver)
}

func TestNewManager_options(t *testing.T) {
	m := NewManager(UseDefaultConnection("unknown"))
	assert.Equal(t, "sync", m.DefaultConnection())

	registry := testRegistry()
	m = NewManager(UseCodec(registry), UseDefaultConnection("memory"))
	driver, err := m.Connection("")
	require.NoError(t, err)
	assert.Same(t, registry, driver.(*MemoryDriver).PayloadCodec())
}

func TestManager_push(t *testing.T) {
	ctx := context.Background()
	m, memory := newMemoryManager()
	fake := &FakeDriver{}
	m.RegisterConnection("fake", fake)

	_, err := m.Push(ctx, &greetJob{}, "")
	require.NoError(t, err)
	_, err = m.Push(ctx, Adjust(&greetJob{}, OnConnection("fake")), "emails")
	require.NoError(t, err)
	_, err = m.Push(ctx, Adjust(&greetJob{}, OnConnection("nope")), "")
	assert.ErrorIs(t, err, ErrConnectionNotFound)

	size, err := memory.Size(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), size)
	require.Len(t, fake.Pushed(), 1)
	assert.Equal(t, "emails", fake.Pushed()[0].Meta().Queue)
}

func TestManager_pushHonorsDelay(t *testing.T) {
	ctx := context.Background()
	m, _ := newMemoryManager()

	_, err := m.Push(ctx, Adjust(&greetJob{}, Delay(time.Hour)), "")
	require.NoError(t, err)
	size, err := m.Size(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), size)
	_, err = m.Pop(ctx, "")
	assert.ErrorIs(t, err, ErrEmpty)

	_, err = m.Later(ctx, time.Hour, &greetJob{}, "")
	require.NoError(t, err)
	n, err := m.Clear(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestManager_bulk(t *testing.T) {
	ctx := context.Background()
	m, _ := newMemoryManager()

	ids, err := m.Bulk(ctx, []Job{&greetJob{}, &greetJob{}, &greetJob{}}, "bulk")
	require.NoError(t, err)
	assert.Len(t, ids, 3)
	assert.NotEqual(t, ids[0], ids[1])

	ids, err = m.Bulk(ctx, []Job{&greetJob{}, Adjust(&greetJob{}, OnConnection("nope")), &greetJob{}}, "bulk")
	assert.ErrorIs(t, err, ErrConnectionNotFound)
	assert.Len(t, ids, 1)

	size, err := m.Size(ctx, "bulk")
	require.NoError(t, err)
	assert.Equal(t, int64(4), size)
}

func TestManager_workProcessesInOrder(t *testing.T) {
	events.reset()
	ctx := context.Background()
	m, _ := newMemoryManager()
	for _, name := range []string{"a", "b", "c"} {
		_, err := m.Push(ctx, &greetJob{Name: name}, "")
		require.NoError(t, err)
	}

	require.NoError(t, work(t, m, WorkOptions{MaxJobs: 3}))
	assert.Equal(t, []string{"greet:a", "greet:b", "greet:c"}, events.all())
	size, err := m.Size(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, size)
	assert.Empty(t, m.Failed())
}

func TestManager_workRetryBound(t *testing.T) {
	events.reset()
	ctx := context.Background()

	var retries []RetryingJob
	var aborts []AbortedJob
	m, _ := newMemoryManager(
		UseRetryListener(func(ctx context.Context, event RetryingJob) { retries = append(retries, event) }),
		UseAbortListener(func(ctx context.Context, event AbortedJob) { aborts = append(aborts, event) }),
	)
	id, err := m.Push(ctx, Adjust(&failingJob{Name: "x"}, Tries(3), RetryAfter(time.Millisecond)), "")
	require.NoError(t, err)

	require.NoError(t, work(t, m, WorkOptions{MaxJobs: 3}))
	assert.Equal(t, []string{"fail:x:1", "fail:x:2", "fail:x:3", "failed:x"}, events.all())

	require.Len(t, retries, 2)
	assert.Equal(t, 1, retries[0].Attempts)
	assert.Equal(t, 2, retries[1].Attempts)
	require.Len(t, aborts, 1)
	assert.ErrorIs(t, aborts[0].Err, errBoom)

	failed := m.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, id, failed[0].Envelope.ID)
	assert.Equal(t, "memory", failed[0].Connection)
	assert.Equal(t, 2, failed[0].Envelope.Attempts)
	assert.ErrorIs(t, failed[0].Err, errBoom)

	size, err := m.Size(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, size)

	info, err := m.Info(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, QueueInfo{Waiting: 0, Failed: 1}, info)

	assert.Equal(t, 1, m.FlushFailed())
	assert.Empty(t, m.Failed())
}

func TestManager_workRecoversFlakyJob(t *testing.T) {
	events.reset()
	m, _ := newMemoryManager()
	_, err := m.Push(context.Background(), Adjust(&flakyJob{SucceedOn: 2}, RetryAfter(time.Millisecond)), "")
	require.NoError(t, err)

	require.NoError(t, work(t, m, WorkOptions{MaxJobs: 2}))
	assert.Equal(t, []string{"flaky:1", "flaky:2"}, events.all())
	assert.Empty(t, m.Failed())
}

func TestManager_workTimeout(t *testing.T) {
	cases := []struct {
		name        string
		job         Job
		workTimeout time.Duration
	}{
		{"worker timeout", Adjust(&sleepyJob{Sleep: time.Second}, Tries(1)), 50 * time.Millisecond},
		{"job timeout wins", Adjust(&sleepyJob{Sleep: time.Second}, Tries(1), Timeout(50*time.Millisecond)), time.Minute},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			m, _ := newMemoryManager()
			_, err := m.Push(context.Background(), c.job, "")
			require.NoError(t, err)

			start := time.Now()
			require.NoError(t, work(t, m, WorkOptions{MaxJobs: 1, Timeout: c.workTimeout}))
			assert.Less(t, int64(time.Since(start)), int64(500*time.Millisecond))

			failed := m.Failed()
			require.Len(t, failed, 1)
			assert.ErrorIs(t, failed[0].Err, ErrJobTimeout)
		})
	}
}

func TestManager_workRecoversPanic(t *testing.T) {
	m, _ := newMemoryManager()
	_, err := m.Push(context.Background(), Adjust(&panicJob{}, Tries(1)), "")
	require.NoError(t, err)

	require.NoError(t, work(t, m, WorkOptions{MaxJobs: 1}))
	failed := m.Failed()
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].Err.Error(), "kaboom")
}

func TestManager_workRecordsUndecodablePayload(t *testing.T) {
	events.reset()
	ctx := context.Background()
	strict := NewMemoryDriver(NewRegistry())
	m := NewManager(UseConnection("strict", strict))

	_, err := strict.Push(ctx, &greetJob{Name: "smuggled"}, "")
	require.NoError(t, err)

	require.NoError(t, work(t, m, WorkOptions{Connection: "strict", MaxJobs: 1}))
	assert.Empty(t, events.all())
	failed := m.Failed()
	require.Len(t, failed, 1)
	assert.ErrorIs(t, failed[0].Err, ErrModuleNotAllowed)

	size, err := strict.Size(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestManager_workRefusals(t *testing.T) {
	m := NewManager()
	assert.ErrorIs(t, work(t, m, WorkOptions{}), ErrSyncWorker)
	assert.ErrorIs(t, work(t, m, WorkOptions{Connection: "sync"}), ErrSyncWorker)
	assert.ErrorIs(t, work(t, m, WorkOptions{Connection: "nope"}), ErrConnectionNotFound)
}

func TestManager_workStopsOnDriverFailure(t *testing.T) {
	m := NewManager(UseConnection("broken", &brokenDriver{}))
	err := work(t, m, WorkOptions{Connection: "broken"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestManager_workStopsOnCancel(t *testing.T) {
	m, _ := newMemoryManager()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	assert.NoError(t, m.Work(ctx, WorkOptions{Sleep: time.Hour}))
	assert.Less(t, int64(time.Since(start)), int64(time.Second))
}

func TestManager_chain(t *testing.T) {
	ctx := context.Background()

	_, err := NewManager().Chain(ctx, nil)
	assert.ErrorIs(t, err, ErrNoJobs)

	t.Run("in order", func(t *testing.T) {
		events.reset()
		m, _ := newMemoryManager()
		_, err := m.Chain(ctx, []Job{&greetJob{Name: "1"}, &hookedJob{}, &greetJob{Name: "3"}})
		require.NoError(t, err)
		require.NoError(t, work(t, m, WorkOptions{MaxJobs: 1}))
		assert.Equal(t, []string{"greet:1", "before", "handle", "after", "greet:3"}, events.all())
	})

	t.Run("aborts at first failure", func(t *testing.T) {
		events.reset()
		m, _ := newMemoryManager()
		_, err := m.Chain(ctx, []Job{&greetJob{Name: "1"}, &failingJob{Name: "2"}, &greetJob{Name: "3"}})
		require.NoError(t, err)
		require.NoError(t, work(t, m, WorkOptions{MaxJobs: 1}))
		assert.Equal(t, []string{"greet:1", "fail:2:0"}, events.all())

		// released for another attempt of the whole chain
		size, err := m.Size(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, int64(1), size)
	})

	t.Run("takes the queue of its first member", func(t *testing.T) {
		fake := &FakeDriver{}
		m := NewManager(UseConnection("fake", fake))
		_, err := m.Chain(ctx, []Job{Adjust(&greetJob{}, OnQueue("emails"), OnConnection("fake"))})
		require.NoError(t, err)
		require.Len(t, fake.Pushed(), 1)
		assert.Equal(t, "emails", fake.Pushed()[0].Meta().Queue)
	})
}

func TestManager_batch(t *testing.T) {
	ctx := context.Background()

	t.Run("worker fires callbacks", func(t *testing.T) {
		events.reset()
		m, _ := newMemoryManager()
		var finished, success, failure int
		batch := m.Batch(&greetJob{Name: "1"}, &failingJob{Name: "2"}, &greetJob{Name: "3"}).
			Then(func() { finished++ }).
			OnSuccess(func() { success++ }).
			OnFailure(func() { failure++ })

		_, err := m.DispatchBatch(ctx, batch, "")
		require.NoError(t, err)
		assert.Equal(t, 3, batch.PendingJobs())

		require.NoError(t, work(t, m, WorkOptions{MaxJobs: 1}))
		assert.Equal(t, []string{"greet:1", "fail:2:0", "greet:3"}, events.all())
		assert.Equal(t, 0, batch.PendingJobs())
		assert.Equal(t, 1, batch.FailedJobs())
		assert.Equal(t, []int{1, 0, 1}, []int{finished, success, failure})
		assert.Empty(t, m.batches)
		assert.Empty(t, m.Failed())
	})

	t.Run("sync connection runs inline", func(t *testing.T) {
		events.reset()
		m := NewManager()
		var success int
		batch := m.Batch(&greetJob{Name: "1"}, &greetJob{Name: "2"}).OnSuccess(func() { success++ })

		_, err := m.DispatchBatch(ctx, batch, "")
		require.NoError(t, err)
		assert.Equal(t, 1, success)
		assert.True(t, batch.Successful())
		assert.Empty(t, m.batches)
	})

	t.Run("empty batch", func(t *testing.T) {
		_, err := NewManager().DispatchBatch(ctx, NewBatch(), "")
		assert.ErrorIs(t, err, ErrNoJobs)
	})
}

func TestManager_metrics(t *testing.T) {
	ctx := context.Background()
	gauge := newRecordingGauge()
	counter := recordingCounter{newRecordingGauge()}
	m, _ := newMemoryManager(UseGauge(gauge, time.Millisecond), UseCounter(counter))

	_, err := m.Push(ctx, Adjust(&failingJob{Name: "x"}, Tries(1)), "")
	require.NoError(t, err)
	_, err = m.Push(ctx, &greetJob{}, "")
	require.NoError(t, err)

	require.NoError(t, work(t, m, WorkOptions{MaxJobs: 2}))

	_, ok := gauge.value("connection", "memory", "queue", "default", "channel", "waiting")
	assert.True(t, ok)
	_, ok = gauge.value("connection", "memory", "queue", "default", "channel", "failed")
	assert.True(t, ok)

	failed, _ := counter.value("connection", "memory", "queue", "default", "status", "failed")
	assert.Equal(t, float64(1), failed)
	succeeded, _ := counter.value("connection", "memory", "queue", "default", "status", "succeeded")
	assert.Equal(t, float64(1), succeeded)
}

func TestManager_process(t *testing.T) {
	events.reset()
	ctx := context.Background()
	m, _ := newMemoryManager()
	_, err := m.Push(ctx, &greetJob{Name: "direct"}, "")
	require.NoError(t, err)

	env, err := m.Pop(ctx, "")
	require.NoError(t, err)
	require.NoError(t, m.Process(ctx, "memory", env, 0))
	assert.Equal(t, []string{"greet:direct"}, events.all())

	assert.ErrorIs(t, m.Process(ctx, "nope", env, 0), ErrConnectionNotFound)
}

func TestManager_workHandsBackJobWhenStopped(t *testing.T) {
	events.reset()
	var retries, aborts int
	m, memory := newMemoryManager(
		UseRetryListener(func(ctx context.Context, event RetryingJob) { retries++ }),
		UseAbortListener(func(ctx context.Context, event AbortedJob) { aborts++ }),
	)
	id, err := m.Push(context.Background(), Adjust(&sleepyJob{Sleep: 300 * time.Millisecond}, Tries(1)), "")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	require.NoError(t, m.Work(ctx, WorkOptions{Sleep: 5 * time.Millisecond, Timeout: time.Minute}))
	assert.Less(t, int64(time.Since(start)), int64(250*time.Millisecond))

	assert.Empty(t, m.Failed())
	assert.Zero(t, retries)
	assert.Zero(t, aborts)

	env, err := memory.Pop(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, id, env.ID)
	assert.Equal(t, 0, env.Attempts)
}

func TestManager_stoppedWorkerSkipsFailedHook(t *testing.T) {
	events.reset()
	m, memory := newMemoryManager()
	_, err := m.Push(context.Background(), Adjust(&failingJob{Name: "x"}, Tries(1)), "")
	require.NoError(t, err)
	env, err := memory.Pop(context.Background(), "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, m.Process(ctx, "memory", env, time.Minute))

	assert.NotContains(t, events.all(), "failed:x")
	assert.Empty(t, m.Failed())
	size, err := memory.Size(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), size)
}

func TestManager_abandonedBatchAttemptDoesNotReport(t *testing.T) {
	events.reset()
	m, _ := newMemoryManager()
	var finished int
	batch := m.Batch(&greetJob{Name: "1"}, &sleepyJob{Sleep: 200 * time.Millisecond}).
		Then(func() { finished++ })
	_, err := m.DispatchBatch(context.Background(), batch, "")
	require.NoError(t, err)

	require.NoError(t, work(t, m, WorkOptions{MaxJobs: 1, Timeout: 50 * time.Millisecond}))
	time.Sleep(300 * time.Millisecond)

	assert.Equal(t, 2, batch.PendingJobs())
	assert.False(t, batch.Finished())
	assert.Zero(t, finished)
	size, err := m.Size(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), size)
}
