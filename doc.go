// Package queue provides a background job queue with pluggable backends,
// retries, delayed dispatch, chains and batches.
//
// It is recommended to read documentation on the core package before getting started on the queue package.
//
// Introduction
//
// A job is a unit of work that runs outside the request that created it:
// sending a welcome email, resizing an upload, calling a slow API. Jobs are
// pushed through a Manager onto a named connection, stored by the
// connection's driver, and executed by a worker loop that polls the driver.
// A failing job is retried after a delay until its attempts are exhausted,
// then it is moved to the failed record for an operator to inspect.
//
// Simple Usage
//
// A job is any struct that embeds queue.JobMeta and implements Handle.
//
//  type SendWelcomeEmail struct {
//    queue.JobMeta
//    UserID int `json:"user_id"`
//  }
//
//  func (s *SendWelcomeEmail) Handle(ctx context.Context) error {
//    return mailer.Send(ctx, s.UserID, "welcome")
//  }
//
// Jobs may also implement Before, After and Failed hooks. The metadata can be
// tuned with the Adjust helper. For example, we want to run the job after 3
// minutes with at most 5 attempts:
//
//  job := queue.Adjust(&SendWelcomeEmail{UserID: 1}, queue.Delay(3*time.Minute), queue.Tries(5))
//  manager.Push(ctx, job, "emails")
//
// Or with the fluent builder:
//
//  manager.On("emails").Delay(3 * time.Minute).Push(ctx, &SendWelcomeEmail{UserID: 1})
//
// Drivers
//
// Five drivers are bundled. SyncDriver runs jobs inline and is the default
// connection. MemoryDriver keeps jobs in process memory. RedisDriver uses a
// list per queue plus a sorted set for delayed jobs. DatabaseDriver uses a
// "jobs" table through bun, on Postgres or SQLite. FakeDriver records pushes
// for tests.
//
// Popped envelopes are reserved until the worker deletes or releases them.
// RedisDriver is the exception: it does not track reservations, so Delete
// and Release are no-ops and a failed job is not retried there.
//
// Serialization
//
// Drivers store bytes produced by a Codec. GobCodec captures any job type
// registered with gob.Register and suits trusted, same-binary setups. The
// Registry codec writes a JSON document naming the job type and only decodes
// types explicitly registered under an allowlisted module:
//
//  registry := queue.NewRegistry("app.jobs")
//  registry.Register(func() queue.Job { return &SendWelcomeEmail{} })
//  driver := &queue.RedisDriver{RedisClient: client, Codec: registry}
//
// Workers
//
// Manager.Work polls one queue of one connection. Each attempt runs on its own
// goroutine with a context that expires at the timeout. Note that a job
// ignoring its context cannot be stopped: it is recorded as timed out and
// keeps running in the background. Jobs should therefore honor ctx, and be
// idempotent since they may be retried.
//
// Integrate
//
// The queue package exports configuration in this format:
//
//  queue:
//    default: memory
//    checkQueueLengthIntervalSecond: 15
//    connections:
//      memory:
//        driver: memory
//      redis:
//        driver: redis
//        redisName: default
//        codec: registry
//    workers:
//      - connection: redis
//        queue: default
//        sleepSecond: 3
//        timeoutSecond: 60
//
// While manually constructing the queue.Manager is absolutely feasible, users can use the bundled dependency provider
// without breaking a sweat. Using this approach, the configured workers are started and stopped with the application.
//
//  var c *core.C
//  c.Provide(otredis.Providers()) // to provide the redis driver
//  c.Provide(queue.Providers(queue.WithRegistry(registry)))
//
// A module is also bundled, providing the queue command (work, size, clear and failed).
//
//  c.AddModuleFunc(queue.New)
//
// Events
//
// When an attempt fails and the job can be retried, the listener set with
// UseRetryListener receives a RetryingJob. When the job is given up, the
// listener set with UseAbortListener receives an AbortedJob.
//
// Metrics
//
// To gain visibility on the length of the queues, inject a gauge into the core and alias it to queue.Gauge. The
// queue length of every worked queue will be periodically reported to metrics collector (Presumably Prometheus).
// Likewise, a queue.Counter counts processed jobs by outcome.
//
//  c.Provide(di.Deps{func(appName contract.AppName, env contract.Env) queue.Gauge {
//    return prometheus.NewGaugeFrom(
//      stdprometheus.GaugeOpts{
//        Namespace: appName.String(),
//        Subsystem: env.String(),
//        Name:      "queue_length",
//        Help:      "The gauge of queue length",
//      }, []string{"connection", "queue", "channel"},
//    )
//  }})
package queue
