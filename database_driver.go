package queue

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/driver/sqliteshim"
)

var (
	_ Driver   = (*DatabaseDriver)(nil)
	_ Restorer = (*DatabaseDriver)(nil)
)

type jobRecord struct {
	bun.BaseModel `bun:"table:jobs,alias:j"`

	ID          string     `bun:"id,pk,type:varchar(36)"`
	Queue       string     `bun:"queue,notnull,type:varchar(255)"`
	Payload     []byte     `bun:"payload"`
	Attempts    int        `bun:"attempts,notnull"`
	AvailableAt *time.Time `bun:"available_at"`
	CreatedAt   time.Time  `bun:"created_at,notnull"`
	ReservedAt  *time.Time `bun:"reserved_at"`
}

func (r *jobRecord) envelope() *QueuedJob {
	return &QueuedJob{
		ID:          r.ID,
		Queue:       r.Queue,
		Payload:     r.Payload,
		Attempts:    r.Attempts,
		AvailableAt: r.AvailableAt,
		CreatedAt:   r.CreatedAt,
		ReservedAt:  r.ReservedAt,
	}
}

// DatabaseDriver stores envelopes as rows of the "jobs" table. Pop selects
// and reserves the oldest eligible row inside one transaction; on Postgres the
// select takes a row lock with SKIP LOCKED so concurrent workers never
// reserve the same row.
//
// The row id is the job id, so a job value can be stored once. Pushing it
// again fails on the primary key; clear its JobID, or push a new value, to
// enqueue it twice.
type DatabaseDriver struct {
	DB     *bun.DB
	Logger log.Logger
	// Codec serializes the jobs. Defaults to GobCodec.
	Codec Codec

	clock func() time.Time
}

// OpenDatabase opens a bun database from a DSN. "postgres://" and
// "postgresql://" DSNs use pgdriver. "sqlite://" DSNs use sqliteshim with the
// remainder of the DSN as the file name, or a shared in-memory database when
// it is empty.
func OpenDatabase(dsn string) (*bun.DB, error) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
		return bun.NewDB(sqldb, pgdialect.New()), nil
	case strings.HasPrefix(dsn, "sqlite://"):
		name := strings.TrimPrefix(dsn, "sqlite://")
		if name == "" {
			name = "file::memory:?cache=shared"
		}
		sqldb, err := sql.Open(sqliteshim.ShimName, name)
		if err != nil {
			return nil, errors.Wrap(err, "failed to open sqlite database")
		}
		sqldb.SetMaxOpenConns(1)
		return bun.NewDB(sqldb, sqlitedialect.New()), nil
	default:
		return nil, errors.Errorf("unsupported database dsn %q, want postgres:// or sqlite://", dsn)
	}
}

// NewDatabaseDriver creates the jobs table and its queue index if they are
// missing, and returns the driver.
func NewDatabaseDriver(ctx context.Context, db *bun.DB, codec Codec) (*DatabaseDriver, error) {
	if _, err := db.NewCreateTable().Model((*jobRecord)(nil)).IfNotExists().Exec(ctx); err != nil {
		return nil, errors.Wrap(err, "failed to create jobs table")
	}
	_, err := db.NewCreateIndex().
		Model((*jobRecord)(nil)).
		Index("jobs_queue_index").
		Column("queue").
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create jobs queue index")
	}
	return &DatabaseDriver{DB: db, Codec: codec}, nil
}

// PayloadCodec implements PayloadCodec.
func (d *DatabaseDriver) PayloadCodec() Codec {
	if d.Codec == nil {
		return GobCodec{}
	}
	return d.Codec
}

// Push inserts the job as an immediately available row.
func (d *DatabaseDriver) Push(ctx context.Context, job Job, queue string) (string, error) {
	return d.Later(ctx, 0, job, queue)
}

// Later inserts the job with available_at set to now plus the delay.
func (d *DatabaseDriver) Later(ctx context.Context, delay time.Duration, job Job, queue string) (string, error) {
	queue = targetQueue(job, queue)
	id := job.Meta().ID()
	payload, err := d.PayloadCodec().Marshal(job)
	if err != nil {
		return "", errors.Wrapf(err, "failed to serialize job %s", id)
	}
	now := d.now()
	record := &jobRecord{
		ID:          id,
		Queue:       queue,
		Payload:     payload,
		AvailableAt: availableAt(now, delay),
		CreatedAt:   now,
	}
	if _, err := d.DB.NewInsert().Model(record).Exec(ctx); err != nil {
		return "", errors.Wrapf(err, "failed to insert job %s into %s", id, queue)
	}
	return id, nil
}

// Pop reserves the oldest eligible row of the queue.
func (d *DatabaseDriver) Pop(ctx context.Context, queue string) (*QueuedJob, error) {
	queue = queueOrDefault(queue)
	now := d.now()

	var record jobRecord
	err := d.DB.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		q := tx.NewSelect().
			Model(&record).
			Where("queue = ?", queue).
			Where("reserved_at IS NULL").
			WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
				return q.Where("available_at IS NULL").WhereOr("available_at <= ?", now)
			}).
			OrderExpr("created_at ASC, id ASC").
			Limit(1)
		if d.DB.Dialect().Name() == dialect.PG {
			q = q.For("UPDATE SKIP LOCKED")
		}
		if err := q.Scan(ctx); err != nil {
			return err
		}

		res, err := tx.NewUpdate().
			Model((*jobRecord)(nil)).
			Set("reserved_at = ?", now).
			Where("id = ?", record.ID).
			Where("reserved_at IS NULL").
			Exec(ctx)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return sql.ErrNoRows
		}
		record.ReservedAt = &now
		return nil
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to pop from %s", queue)
	}
	_ = level.Debug(d.logger()).Log("msg", "popped job", "job", record.ID, "queue", queue)
	return record.envelope(), nil
}

// Delete removes the row.
func (d *DatabaseDriver) Delete(ctx context.Context, id string, queue string) (bool, error) {
	res, err := d.DB.NewDelete().
		Model((*jobRecord)(nil)).
		Where("id = ?", id).
		Where("queue = ?", queueOrDefault(queue)).
		Exec(ctx)
	if err != nil {
		return false, errors.Wrapf(err, "failed to delete job %s", id)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Release clears the reservation of the row, counts one more attempt and
// makes it available after the delay.
func (d *DatabaseDriver) Release(ctx context.Context, id string, delay time.Duration, queue string) (bool, error) {
	q := d.DB.NewUpdate().
		Model((*jobRecord)(nil)).
		Set("reserved_at = NULL").
		Set("attempts = attempts + 1").
		Where("id = ?", id).
		Where("queue = ?", queueOrDefault(queue))
	if at := availableAt(d.now(), delay); at != nil {
		q = q.Set("available_at = ?", *at)
	} else {
		q = q.Set("available_at = NULL")
	}
	res, err := q.Exec(ctx)
	if err != nil {
		return false, errors.Wrapf(err, "failed to release job %s", id)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Restore clears the reservation of the row, attempts and availability
// unchanged.
func (d *DatabaseDriver) Restore(ctx context.Context, env *QueuedJob) (bool, error) {
	res, err := d.DB.NewUpdate().
		Model((*jobRecord)(nil)).
		Set("reserved_at = NULL").
		Where("id = ?", env.ID).
		Where("queue = ?", queueOrDefault(env.Queue)).
		Exec(ctx)
	if err != nil {
		return false, errors.Wrapf(err, "failed to restore job %s", env.ID)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Size counts the unreserved rows of the queue, delayed ones included.
func (d *DatabaseDriver) Size(ctx context.Context, queue string) (int64, error) {
	n, err := d.DB.NewSelect().
		Model((*jobRecord)(nil)).
		Where("queue = ?", queueOrDefault(queue)).
		Where("reserved_at IS NULL").
		Count(ctx)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to count %s", queueOrDefault(queue))
	}
	return int64(n), nil
}

// Clear deletes every row of the queue.
func (d *DatabaseDriver) Clear(ctx context.Context, queue string) (int64, error) {
	res, err := d.DB.NewDelete().
		Model((*jobRecord)(nil)).
		Where("queue = ?", queueOrDefault(queue)).
		Exec(ctx)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to clear %s", queueOrDefault(queue))
	}
	return res.RowsAffected()
}

func (d *DatabaseDriver) now() time.Time {
	if d.clock != nil {
		return d.clock().UTC()
	}
	return time.Now().UTC()
}

func (d *DatabaseDriver) logger() log.Logger {
	if d.Logger == nil {
		return log.NewNopLogger()
	}
	return d.Logger
}
