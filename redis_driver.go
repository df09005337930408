package queue

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
)

var (
	_ Driver   = (*RedisDriver)(nil)
	_ Restorer = (*RedisDriver)(nil)
)

// RedisDriver stores envelopes in redis. Each queue is a list holding the
// ready envelopes, plus a sorted set of delayed envelopes scored by the unix
// time they become available. Pop moves due delayed envelopes onto the list
// before popping its head.
//
// Popped envelopes are not tracked. Delete and Release are no-ops that report
// success, so a retried job is not re-queued and a worker crash loses the
// job it was holding.
type RedisDriver struct {
	Logger        log.Logger
	RedisClient   redis.UniversalClient
	ChannelConfig ChannelConfig
	// Codec serializes the jobs. Defaults to GobCodec.
	Codec Codec
}

type redisRecord struct {
	ID        string  `json:"id"`
	Payload   string  `json:"payload"`
	Attempts  int     `json:"attempts"`
	CreatedAt float64 `json:"created_at"`
}

// PayloadCodec implements PayloadCodec.
func (r *RedisDriver) PayloadCodec() Codec {
	if r.Codec == nil {
		return GobCodec{}
	}
	return r.Codec
}

// Push appends the job to the ready list.
func (r *RedisDriver) Push(ctx context.Context, job Job, queue string) (string, error) {
	queue = targetQueue(job, queue)
	id, member, err := r.record(job, time.Now())
	if err != nil {
		return "", err
	}
	if err := r.RedisClient.RPush(ctx, r.ChannelConfig.Waiting(queue), member).Err(); err != nil {
		return "", errors.Wrapf(err, "failed to push job %s to %s", id, queue)
	}
	return id, nil
}

// Later adds the job to the delayed set, scored by its availability time.
func (r *RedisDriver) Later(ctx context.Context, delay time.Duration, job Job, queue string) (string, error) {
	if delay <= 0 {
		return r.Push(ctx, job, queue)
	}
	queue = targetQueue(job, queue)
	now := time.Now()
	id, member, err := r.record(job, now)
	if err != nil {
		return "", err
	}
	err = r.RedisClient.ZAdd(ctx, r.ChannelConfig.Delayed(queue), &redis.Z{
		Score:  unixSeconds(now.Add(delay)),
		Member: member,
	}).Err()
	if err != nil {
		return "", errors.Wrapf(err, "failed to delay job %s on %s", id, queue)
	}
	return id, nil
}

// Pop migrates due delayed envelopes to the ready list and pops its head.
// A delayed member is moved only by the caller whose ZREM removed it, so
// concurrent pollers never duplicate it.
func (r *RedisDriver) Pop(ctx context.Context, queue string) (*QueuedJob, error) {
	now := time.Now()
	if err := r.migrate(ctx, queue, now); err != nil {
		return nil, err
	}

	raw, err := r.RedisClient.LPop(ctx, r.ChannelConfig.Waiting(queue)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to pop from %s", queueOrDefault(queue))
	}

	var rec redisRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, errors.Wrap(err, "corrupted redis record")
	}
	payload, err := hex.DecodeString(rec.Payload)
	if err != nil {
		return nil, errors.Wrap(err, "corrupted redis payload")
	}
	_ = level.Debug(r.logger()).Log("msg", "popped job", "job", rec.ID, "queue", queueOrDefault(queue))
	return &QueuedJob{
		ID:         rec.ID,
		Queue:      queueOrDefault(queue),
		Payload:    payload,
		Attempts:   rec.Attempts,
		CreatedAt:  fromUnixSeconds(rec.CreatedAt),
		ReservedAt: &now,
	}, nil
}

// Delete is a no-op. The envelope already left redis when it was popped.
func (r *RedisDriver) Delete(ctx context.Context, id string, queue string) (bool, error) {
	return true, nil
}

// Release is a no-op, the envelope is not put back. See RedisDriver.
func (r *RedisDriver) Release(ctx context.Context, id string, delay time.Duration, queue string) (bool, error) {
	_ = level.Debug(r.logger()).Log("msg", "release is not supported by the redis driver", "job", id, "queue", queueOrDefault(queue))
	return true, nil
}

// Restore pushes the popped envelope back to the head of the ready list with
// its attempts unchanged.
func (r *RedisDriver) Restore(ctx context.Context, env *QueuedJob) (bool, error) {
	member, err := json.Marshal(redisRecord{
		ID:        env.ID,
		Payload:   hex.EncodeToString(env.Payload),
		Attempts:  env.Attempts,
		CreatedAt: unixSeconds(env.CreatedAt),
	})
	if err != nil {
		return false, errors.Wrapf(err, "failed to serialize job %s", env.ID)
	}
	if err := r.RedisClient.LPush(ctx, r.ChannelConfig.Waiting(env.Queue), member).Err(); err != nil {
		return false, errors.Wrapf(err, "failed to restore job %s", env.ID)
	}
	return true, nil
}

// Size returns the length of the ready list. Delayed envelopes are not counted.
func (r *RedisDriver) Size(ctx context.Context, queue string) (int64, error) {
	n, err := r.RedisClient.LLen(ctx, r.ChannelConfig.Waiting(queue)).Result()
	if err != nil {
		return 0, errors.Wrapf(err, "failed to measure %s", queueOrDefault(queue))
	}
	return n, nil
}

// Clear deletes the ready list and the delayed set and returns the number of
// ready envelopes removed.
func (r *RedisDriver) Clear(ctx context.Context, queue string) (int64, error) {
	n, err := r.Size(ctx, queue)
	if err != nil {
		return 0, err
	}
	if err := r.RedisClient.Del(ctx, r.ChannelConfig.Waiting(queue), r.ChannelConfig.Delayed(queue)).Err(); err != nil {
		return 0, errors.Wrapf(err, "failed to clear %s", queueOrDefault(queue))
	}
	return n, nil
}

func (r *RedisDriver) migrate(ctx context.Context, queue string, now time.Time) error {
	delayed := r.ChannelConfig.Delayed(queue)
	due, err := r.RedisClient.ZRangeByScore(ctx, delayed, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatFloat(unixSeconds(now), 'f', -1, 64),
	}).Result()
	if err != nil {
		return errors.Wrapf(err, "failed to scan delayed jobs of %s", queueOrDefault(queue))
	}
	for _, member := range due {
		removed, err := r.RedisClient.ZRem(ctx, delayed, member).Result()
		if err != nil {
			return errors.Wrapf(err, "failed to migrate delayed job of %s", queueOrDefault(queue))
		}
		if removed == 0 {
			continue
		}
		if err := r.RedisClient.RPush(ctx, r.ChannelConfig.Waiting(queue), member).Err(); err != nil {
			return errors.Wrapf(err, "failed to migrate delayed job of %s", queueOrDefault(queue))
		}
	}
	return nil
}

func (r *RedisDriver) record(job Job, now time.Time) (string, string, error) {
	id := job.Meta().ID()
	payload, err := r.PayloadCodec().Marshal(job)
	if err != nil {
		return "", "", errors.Wrapf(err, "failed to serialize job %s", id)
	}
	member, err := json.Marshal(redisRecord{
		ID:        id,
		Payload:   hex.EncodeToString(payload),
		CreatedAt: unixSeconds(now),
	})
	if err != nil {
		return "", "", errors.Wrapf(err, "failed to serialize job %s", id)
	}
	return id, string(member), nil
}

func (r *RedisDriver) logger() log.Logger {
	if r.Logger == nil {
		return log.NewNopLogger()
	}
	return r.Logger
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func fromUnixSeconds(s float64) time.Time {
	return time.Unix(0, int64(s*float64(time.Second)))
}
