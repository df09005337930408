package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/go-kit/kit/metrics"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

const (
	syncConnection   = "sync"
	memoryConnection = "memory"

	defaultSleep                    = 3 * time.Second
	defaultCheckQueueLengthInterval = 15 * time.Second
)

// Manager is the entry point of the package. It holds the named connections,
// pushes jobs through them, and runs the worker loop that executes popped
// jobs with a timeout, releases failed ones for retry and records the ones
// that exhausted their attempts.
//
// Connections must be registered before any worker starts. Registering while
// a worker polls is not supported.
type Manager struct {
	logger                   log.Logger
	codec                    Codec
	rwLock                   sync.RWMutex
	connections              map[string]Driver
	defaultConnection        string
	queueLengthGauge         metrics.Gauge
	checkQueueLengthInterval time.Duration
	processedCounter         metrics.Counter
	onRetry                  RetryListener
	onAbort                  AbortListener

	failedLock sync.Mutex
	failed     []FailedJob

	batchLock sync.Mutex
	batches   map[string]*JobBatch
}

// FailedJob is an entry of the failed record.
type FailedJob struct {
	// Connection is the connection the envelope was popped from.
	Connection string
	// Envelope is the envelope as it was popped.
	Envelope *QueuedJob
	// Err is the error of the last attempt, or the decoding error.
	Err error
	// FailedAt is when the job was given up.
	FailedAt time.Time
}

// WorkOptions configures a worker loop. See Manager.Work.
type WorkOptions struct {
	// Connection to poll. Empty means the default connection.
	Connection string
	// Queue to poll. Empty means "default".
	Queue string
	// Sleep is the pause after an empty poll. Defaults to 3 seconds.
	Sleep time.Duration
	// MaxJobs stops the loop after that many jobs. Zero means no limit.
	MaxJobs int
	// Timeout bounds each attempt, unless the job sets its own. Defaults to
	// 60 seconds.
	Timeout time.Duration
}

// UseLogger is an option for NewManager that feeds the manager with a Logger of choice.
func UseLogger(logger log.Logger) func(*Manager) {
	return func(manager *Manager) {
		manager.logger = logger
	}
}

// UseCodec is an option for NewManager that sets the codec of the built-in
// memory connection and of drivers that do not carry their own.
func UseCodec(codec Codec) func(*Manager) {
	return func(manager *Manager) {
		manager.codec = codec
	}
}

// UseConnection is an option for NewManager that registers a connection.
func UseConnection(name string, driver Driver) func(*Manager) {
	return func(manager *Manager) {
		manager.connections[name] = driver
	}
}

// UseDefaultConnection is an option for NewManager that selects the default
// connection. Unknown names are ignored with a warning.
func UseDefaultConnection(name string) func(*Manager) {
	return func(manager *Manager) {
		manager.defaultConnection = name
	}
}

// UseGauge is an option for NewManager that periodically reports the queue
// length and the failed record length of every running worker.
func UseGauge(gauge metrics.Gauge, interval time.Duration) func(*Manager) {
	return func(manager *Manager) {
		manager.queueLengthGauge = gauge
		manager.checkQueueLengthInterval = interval
	}
}

// UseCounter is an option for NewManager that counts processed jobs, labelled
// by connection, queue and status ("succeeded", "retried", "failed").
func UseCounter(counter metrics.Counter) func(*Manager) {
	return func(manager *Manager) {
		manager.processedCounter = counter
	}
}

// UseRetryListener is an option for NewManager that is notified before a
// failed job is released for another attempt.
func UseRetryListener(listener RetryListener) func(*Manager) {
	return func(manager *Manager) {
		manager.onRetry = listener
	}
}

// UseAbortListener is an option for NewManager that is notified when a job
// lands in the failed record.
func UseAbortListener(listener AbortListener) func(*Manager) {
	return func(manager *Manager) {
		manager.onAbort = listener
	}
}

// NewManager creates a Manager. The "sync" and "memory" connections are
// always registered, and "sync" is the default connection unless told
// otherwise.
func NewManager(opts ...func(*Manager)) *Manager {
	m := &Manager{
		logger:            log.NewNopLogger(),
		connections:       make(map[string]Driver),
		defaultConnection: syncConnection,
		batches:           make(map[string]*JobBatch),
	}
	for _, f := range opts {
		f(m)
	}
	if _, ok := m.connections[syncConnection]; !ok {
		m.connections[syncConnection] = &SyncDriver{Logger: m.logger}
	}
	if _, ok := m.connections[memoryConnection]; !ok {
		m.connections[memoryConnection] = &MemoryDriver{Codec: m.codec, Logger: m.logger}
	}
	if _, ok := m.connections[m.defaultConnection]; !ok {
		_ = level.Warn(m.logger).Log("msg", "unknown default connection, falling back to sync", "connection", m.defaultConnection)
		m.defaultConnection = syncConnection
	}
	return m
}

// RegisterConnection adds or replaces a named connection.
func (m *Manager) RegisterConnection(name string, driver Driver) {
	m.rwLock.Lock()
	defer m.rwLock.Unlock()
	m.connections[name] = driver
}

// SetDefaultConnection selects the connection used when neither the job nor
// the caller names one.
func (m *Manager) SetDefaultConnection(name string) error {
	m.rwLock.Lock()
	defer m.rwLock.Unlock()
	if _, ok := m.connections[name]; !ok {
		return errors.Wrapf(ErrConnectionNotFound, "connection %q", name)
	}
	m.defaultConnection = name
	return nil
}

// DefaultConnection returns the name of the default connection.
func (m *Manager) DefaultConnection() string {
	m.rwLock.RLock()
	defer m.rwLock.RUnlock()
	return m.defaultConnection
}

// Connection returns the driver registered under the name. An empty name
// means the default connection.
func (m *Manager) Connection(name string) (Driver, error) {
	m.rwLock.RLock()
	defer m.rwLock.RUnlock()
	if name == "" {
		name = m.defaultConnection
	}
	driver, ok := m.connections[name]
	if !ok {
		return nil, errors.Wrapf(ErrConnectionNotFound, "connection %q", name)
	}
	return driver, nil
}

// Connections lists the registered connection names in alphabetical order.
func (m *Manager) Connections() []string {
	m.rwLock.RLock()
	defer m.rwLock.RUnlock()
	names := make([]string, 0, len(m.connections))
	for name := range m.connections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Push sends the job to its connection. The queue argument overrides the
// job's queue when not empty. A job with a positive Delay goes through Later.
func (m *Manager) Push(ctx context.Context, job Job, queue string) (string, error) {
	if delay := job.Meta().Delay; delay > 0 {
		return m.Later(ctx, delay, job, queue)
	}
	driver, err := m.Connection(job.Meta().Connection)
	if err != nil {
		return "", err
	}
	return driver.Push(ctx, job, queue)
}

// Later sends the job to its connection, available after the delay.
func (m *Manager) Later(ctx context.Context, delay time.Duration, job Job, queue string) (string, error) {
	driver, err := m.Connection(job.Meta().Connection)
	if err != nil {
		return "", err
	}
	return driver.Later(ctx, delay, job, queue)
}

// Bulk pushes the jobs one by one. It stops at the first error and returns
// the ids pushed so far along with it.
func (m *Manager) Bulk(ctx context.Context, jobs []Job, queue string) ([]string, error) {
	ids := make([]string, 0, len(jobs))
	for _, job := range jobs {
		id, err := m.Push(ctx, job, queue)
		if err != nil {
			return ids, errors.Wrapf(err, "bulk push stopped after %d of %d jobs", len(ids), len(jobs))
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Chain pushes the jobs as one unit that runs them in order on a single
// worker and stops at the first failure. The chain takes the queue and
// connection of its first member.
func (m *Manager) Chain(ctx context.Context, jobs []Job) (string, error) {
	if len(jobs) == 0 {
		return "", ErrNoJobs
	}
	chain := &chainJob{Jobs: jobs}
	chain.Queue = jobs[0].Meta().Queue
	chain.Connection = jobs[0].Meta().Connection
	return m.Push(ctx, chain, "")
}

// Batch creates a batch of the jobs. Configure its callbacks, then send it
// with DispatchBatch.
func (m *Manager) Batch(jobs ...Job) *JobBatch {
	return NewBatch(jobs...)
}

// DispatchBatch pushes the batch as one unit that runs every member and
// reports each outcome to the batch. The batch stays registered in the
// manager until it finishes, so that a worker of this manager fires its
// callbacks.
func (m *Manager) DispatchBatch(ctx context.Context, batch *JobBatch, queue string) (string, error) {
	if len(batch.Jobs) == 0 {
		return "", ErrNoJobs
	}
	job := &batchJob{BatchID: batch.ID, Jobs: batch.Jobs, batch: batch}
	job.Queue = batch.Jobs[0].Meta().Queue
	job.Connection = batch.Jobs[0].Meta().Connection

	m.batchLock.Lock()
	m.batches[batch.ID] = batch
	m.batchLock.Unlock()

	id, err := m.Push(ctx, job, queue)
	if err != nil || batch.Finished() {
		m.forgetBatch(batch.ID)
	}
	return id, err
}

// On starts a dispatch to the given queue.
func (m *Manager) On(queue string) *PendingDispatch {
	return &PendingDispatch{manager: m, queue: queue}
}

// Using starts a dispatch through the given connection.
func (m *Manager) Using(connection string) *PendingDispatch {
	return &PendingDispatch{manager: m, connection: connection}
}

// Dispatch starts a dispatch of the job.
func (m *Manager) Dispatch(job Job) *PendingDispatch {
	return &PendingDispatch{manager: m, job: job}
}

// Pop reserves the next eligible envelope of the default connection.
func (m *Manager) Pop(ctx context.Context, queue string) (*QueuedJob, error) {
	driver, err := m.Connection("")
	if err != nil {
		return nil, err
	}
	return driver.Pop(ctx, queue)
}

// Size returns the size of the queue on the default connection.
func (m *Manager) Size(ctx context.Context, queue string) (int64, error) {
	driver, err := m.Connection("")
	if err != nil {
		return 0, err
	}
	return driver.Size(ctx, queue)
}

// Clear empties the queue on the default connection.
func (m *Manager) Clear(ctx context.Context, queue string) (int64, error) {
	driver, err := m.Connection("")
	if err != nil {
		return 0, err
	}
	return driver.Clear(ctx, queue)
}

// Info describes the queue on the default connection.
func (m *Manager) Info(ctx context.Context, queue string) (QueueInfo, error) {
	name := m.DefaultConnection()
	driver, err := m.Connection(name)
	if err != nil {
		return QueueInfo{}, err
	}
	return m.info(ctx, name, driver, queue)
}

// Failed returns a snapshot of the failed record, oldest first.
func (m *Manager) Failed() []FailedJob {
	m.failedLock.Lock()
	defer m.failedLock.Unlock()
	return append([]FailedJob(nil), m.failed...)
}

// FlushFailed empties the failed record and returns how many entries it held.
func (m *Manager) FlushFailed() int {
	m.failedLock.Lock()
	defer m.failedLock.Unlock()
	n := len(m.failed)
	m.failed = nil
	return n
}

// Work runs a worker loop and blocks until the context is done, MaxJobs jobs
// were processed, or the driver fails. Failing jobs never stop the loop.
//
// Each attempt runs on its own goroutine with a context that is cancelled at
// the timeout. A job that ignores its context keeps running in the
// background after it has been recorded as timed out; Go cannot preempt it.
// An abandoned batch attempt no longer reports to its batch.
//
// When ctx ends during an attempt, the envelope is handed back without
// counting the attempt, see Restorer.
func (m *Manager) Work(ctx context.Context, opts WorkOptions) error {
	if opts.Connection == "" {
		opts.Connection = m.DefaultConnection()
	}
	driver, err := m.Connection(opts.Connection)
	if err != nil {
		return err
	}
	if _, ok := driver.(*SyncDriver); ok {
		return errors.Wrapf(ErrSyncWorker, "connection %q", opts.Connection)
	}
	opts.Queue = queueOrDefault(opts.Queue)
	if opts.Sleep <= 0 {
		opts.Sleep = defaultSleep
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	if m.queueLengthGauge != nil {
		interval := m.checkQueueLengthInterval
		if interval <= 0 {
			interval = defaultCheckQueueLengthInterval
		}
		g.Go(func() error {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				m.gauge(ctx, opts.Connection, driver, opts.Queue)
				select {
				case <-ticker.C:
				case <-ctx.Done():
					return nil
				}
			}
		})
	}

	g.Go(func() error {
		defer cancel()
		return m.loop(ctx, driver, opts)
	})
	return g.Wait()
}

func (m *Manager) loop(ctx context.Context, driver Driver, opts WorkOptions) error {
	_ = level.Info(m.logger).Log("msg", "worker started", "connection", opts.Connection, "queue", opts.Queue)
	defer level.Info(m.logger).Log("msg", "worker stopped", "connection", opts.Connection, "queue", opts.Queue)

	processed := 0
	for opts.MaxJobs <= 0 || processed < opts.MaxJobs {
		if ctx.Err() != nil {
			return nil
		}
		env, err := driver.Pop(ctx, opts.Queue)
		if errors.Is(err, ErrEmpty) {
			timer := time.NewTimer(opts.Sleep)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			_ = level.Error(m.logger).Log("msg", "worker stopped on driver failure", "connection", opts.Connection, "queue", opts.Queue, "err", err)
			return errors.Wrapf(err, "worker on %s/%s", opts.Connection, opts.Queue)
		}
		if err := m.Process(ctx, opts.Connection, env, opts.Timeout); err != nil {
			_ = level.Error(m.logger).Log("msg", "worker stopped on driver failure", "connection", opts.Connection, "queue", opts.Queue, "err", err)
			return err
		}
		processed++
	}
	return nil
}

// Process runs one popped envelope of the connection to completion: decode,
// execute within the timeout, then delete, release or record it as failed.
// It returns an error only when the driver fails; job failures are handled.
func (m *Manager) Process(ctx context.Context, connection string, env *QueuedJob, timeout time.Duration) error {
	driver, err := m.Connection(connection)
	if err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger := log.With(m.logger, "connection", connection, "queue", env.Queue, "job", env.ID)

	job, err := m.codecOf(driver).Unmarshal(env.Payload)
	if err != nil {
		_ = level.Warn(logger).Log("msg", "undecodable payload moved to the failed record", "err", err)
		m.recordFailure(ctx, connection, env, err)
		if _, err := driver.Delete(context.Background(), env.ID, env.Queue); err != nil {
			return errors.Wrapf(err, "failed to delete job %s", env.ID)
		}
		return nil
	}

	meta := job.Meta()
	if meta.JobID == "" {
		meta.JobID = env.ID
	}
	meta.Attempts = env.Attempts + 1
	if meta.Timeout > 0 {
		timeout = meta.Timeout
	}
	m.attachBatch(job)

	err = m.execute(ctx, job, timeout)
	if errors.Is(err, errInterrupted) {
		_ = level.Info(logger).Log("msg", "worker stopped mid-attempt, job handed back", "attempts", meta.Attempts)
		return m.restore(driver, env)
	}
	if err == nil {
		_ = level.Debug(logger).Log("msg", "job succeeded", "attempts", meta.Attempts)
		m.count(connection, env.Queue, "succeeded")
		m.releaseBatch(job)
		if _, err := driver.Delete(context.Background(), env.ID, env.Queue); err != nil {
			return errors.Wrapf(err, "failed to delete job %s", env.ID)
		}
		return nil
	}

	if meta.Attempts < meta.MaxTries() {
		_ = level.Info(logger).Log("err", errors.Wrapf(err, "job failed %d times, retrying", meta.Attempts))
		m.count(connection, env.Queue, "retried")
		if m.onRetry != nil {
			m.onRetry(ctx, RetryingJob{Err: err, Job: env, Attempts: meta.Attempts})
		}
		if _, err := driver.Release(context.Background(), env.ID, meta.RetryDelay(), env.Queue); err != nil {
			return errors.Wrapf(err, "failed to release job %s", env.ID)
		}
		return nil
	}

	_ = level.Warn(logger).Log("err", errors.Wrapf(err, "job failed after %d attempts, aborted", meta.Attempts))
	m.count(connection, env.Queue, "failed")
	fail(ctx, job, err)
	m.releaseBatch(job)
	m.recordFailure(ctx, connection, env, err)
	if _, err := driver.Delete(context.Background(), env.ID, env.Queue); err != nil {
		return errors.Wrapf(err, "failed to delete job %s", env.ID)
	}
	return nil
}

// execute runs one attempt. It returns errInterrupted when ctx ends before
// the attempt does, and ErrJobTimeout when the attempt outlives its timeout.
func (m *Manager) execute(ctx context.Context, job Job, timeout time.Duration) error {
	a := &attempt{}
	attemptCtx, cancel := context.WithTimeout(withAttempt(ctx, a), timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- errors.Errorf("job panicked: %v", r)
			}
		}()
		done <- runJob(attemptCtx, job)
	}()

	var err error
	select {
	case err = <-done:
	case <-attemptCtx.Done():
		if a.settle() {
			err = attemptCtx.Err()
		} else {
			// the job already committed its outcome and is returning
			err = <-done
		}
	}
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return errors.Wrap(errInterrupted, ctx.Err().Error())
	}
	if attemptCtx.Err() == context.DeadlineExceeded && errors.Is(err, context.DeadlineExceeded) {
		return errors.Wrapf(ErrJobTimeout, "job %s exceeded %s", job.Meta().ID(), timeout)
	}
	return err
}

// restore hands the envelope back without counting the attempt. Drivers that
// cannot do so release it immediately instead.
func (m *Manager) restore(driver Driver, env *QueuedJob) error {
	var err error
	if r, ok := driver.(Restorer); ok {
		_, err = r.Restore(context.Background(), env)
	} else {
		_, err = driver.Release(context.Background(), env.ID, 0, env.Queue)
	}
	return errors.Wrapf(err, "failed to hand back job %s", env.ID)
}

func (m *Manager) recordFailure(ctx context.Context, connection string, env *QueuedJob, err error) {
	m.failedLock.Lock()
	m.failed = append(m.failed, FailedJob{
		Connection: connection,
		Envelope:   env,
		Err:        err,
		FailedAt:   time.Now(),
	})
	m.failedLock.Unlock()
	if m.onAbort != nil {
		m.onAbort(ctx, AbortedJob{Err: err, Job: env})
	}
}

func (m *Manager) codecOf(driver Driver) Codec {
	if p, ok := driver.(PayloadCodec); ok {
		return p.PayloadCodec()
	}
	if m.codec != nil {
		return m.codec
	}
	return GobCodec{}
}

func (m *Manager) attachBatch(job Job) {
	b, ok := job.(*batchJob)
	if !ok || b.batch != nil {
		return
	}
	m.batchLock.Lock()
	b.batch = m.batches[b.BatchID]
	m.batchLock.Unlock()
}

func (m *Manager) releaseBatch(job Job) {
	if b, ok := job.(*batchJob); ok && b.batch != nil && b.batch.Finished() {
		m.forgetBatch(b.BatchID)
	}
}

func (m *Manager) forgetBatch(id string) {
	m.batchLock.Lock()
	delete(m.batches, id)
	m.batchLock.Unlock()
}

func (m *Manager) info(ctx context.Context, connection string, driver Driver, queue string) (QueueInfo, error) {
	waiting, err := driver.Size(ctx, queue)
	if err != nil {
		return QueueInfo{}, err
	}
	var failed int64
	m.failedLock.Lock()
	for _, f := range m.failed {
		if f.Connection == connection && f.Envelope.Queue == queueOrDefault(queue) {
			failed++
		}
	}
	m.failedLock.Unlock()
	return QueueInfo{Waiting: waiting, Failed: failed}, nil
}

func (m *Manager) gauge(ctx context.Context, connection string, driver Driver, queue string) {
	queueInfo, err := m.info(ctx, connection, driver, queue)
	if err != nil {
		if ctx.Err() == nil {
			_ = level.Warn(m.logger).Log("msg", "failed to collect queue length", "connection", connection, "queue", queue, "err", err)
		}
		return
	}
	m.queueLengthGauge.With("connection", connection, "queue", queue, "channel", "waiting").Set(float64(queueInfo.Waiting))
	m.queueLengthGauge.With("connection", connection, "queue", queue, "channel", "failed").Set(float64(queueInfo.Failed))
}

func (m *Manager) count(connection, queue, status string) {
	if m.processedCounter == nil {
		return
	}
	m.processedCounter.With("connection", connection, "queue", queue, "status", status).Add(1)
}
