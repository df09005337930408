package queue

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisDriver(t *testing.T) (*RedisDriver, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{s.Addr()}})
	t.Cleanup(func() { _ = client.Close() })
	return &RedisDriver{RedisClient: client}, s
}

func TestRedisDriver_fifo(t *testing.T) {
	ctx := context.Background()
	driver, _ := newTestRedisDriver(t)

	for _, name := range []string{"a", "b", "c"} {
		_, err := driver.Push(ctx, &greetJob{Name: name}, "")
		require.NoError(t, err)
	}
	size, err := driver.Size(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(3), size)

	var names []string
	for i := 0; i < 3; i++ {
		env, err := driver.Pop(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, "default", env.Queue)
		assert.NotNil(t, env.ReservedAt)
		job, err := driver.PayloadCodec().Unmarshal(env.Payload)
		require.NoError(t, err)
		names = append(names, job.(*greetJob).Name)
	}
	assert.Equal(t, []string{"a", "b", "c"}, names)

	_, err = driver.Pop(ctx, "")
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestRedisDriver_record(t *testing.T) {
	ctx := context.Background()
	driver, s := newTestRedisDriver(t)
	driver.Codec = testRegistry()

	id, err := driver.Push(ctx, &greetJob{Name: "ada"}, "emails")
	require.NoError(t, err)

	members, err := s.List("fastpy:queue:emails")
	require.NoError(t, err)
	require.Len(t, members, 1)

	var rec map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(members[0]), &rec))
	assert.Equal(t, id, rec["id"])
	assert.Equal(t, float64(0), rec["attempts"])
	assert.NotZero(t, rec["created_at"])
	payload, err := hex.DecodeString(rec["payload"].(string))
	require.NoError(t, err)
	assert.Contains(t, string(payload), `"class":"testjobs.Greet"`)
}

func TestRedisDriver_delayed(t *testing.T) {
	ctx := context.Background()
	driver, s := newTestRedisDriver(t)

	later, err := driver.Later(ctx, 50*time.Millisecond, &greetJob{Name: "later"}, "")
	require.NoError(t, err)
	_, err = driver.Later(ctx, time.Hour, &greetJob{Name: "much later"}, "")
	require.NoError(t, err)
	assert.True(t, s.Exists("fastpy:queue:default:delayed"))

	size, err := driver.Size(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(0), size)
	_, err = driver.Pop(ctx, "")
	assert.ErrorIs(t, err, ErrEmpty)

	time.Sleep(60 * time.Millisecond)
	env, err := driver.Pop(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, later, env.ID)

	_, err = driver.Pop(ctx, "")
	assert.ErrorIs(t, err, ErrEmpty)
	members, err := s.ZMembers("fastpy:queue:default:delayed")
	require.NoError(t, err)
	assert.Len(t, members, 1)
}

func TestRedisDriver_laterWithoutDelayPushes(t *testing.T) {
	ctx := context.Background()
	driver, _ := newTestRedisDriver(t)
	_, err := driver.Later(ctx, 0, &greetJob{}, "")
	require.NoError(t, err)
	size, err := driver.Size(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), size)
}

func TestRedisDriver_deleteAndReleaseAreNoops(t *testing.T) {
	ctx := context.Background()
	driver, _ := newTestRedisDriver(t)
	id, err := driver.Push(ctx, &greetJob{}, "")
	require.NoError(t, err)
	_, err = driver.Pop(ctx, "")
	require.NoError(t, err)

	ok, err := driver.Release(ctx, id, 0, "")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = driver.Delete(ctx, id, "")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = driver.Pop(ctx, "")
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestRedisDriver_restore(t *testing.T) {
	ctx := context.Background()
	driver, _ := newTestRedisDriver(t)

	first, err := driver.Push(ctx, &greetJob{Name: "first"}, "")
	require.NoError(t, err)
	_, err = driver.Push(ctx, &greetJob{Name: "second"}, "")
	require.NoError(t, err)

	env, err := driver.Pop(ctx, "")
	require.NoError(t, err)
	ok, err := driver.Restore(ctx, env)
	require.NoError(t, err)
	assert.True(t, ok)

	again, err := driver.Pop(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, first, again.ID)
	assert.Equal(t, env.Payload, again.Payload)
	assert.Equal(t, 0, again.Attempts)
	assert.WithinDuration(t, env.CreatedAt, again.CreatedAt, time.Millisecond)
}

func TestRedisDriver_clear(t *testing.T) {
	ctx := context.Background()
	driver, s := newTestRedisDriver(t)
	driver.ChannelConfig = ChannelConfig{Prefix: "app:"}

	for i := 0; i < 2; i++ {
		_, err := driver.Push(ctx, &greetJob{}, "jobs")
		require.NoError(t, err)
	}
	_, err := driver.Later(ctx, time.Hour, &greetJob{}, "jobs")
	require.NoError(t, err)

	n, err := driver.Clear(ctx, "jobs")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.False(t, s.Exists("app:jobs"))
	assert.False(t, s.Exists("app:jobs:delayed"))
}

func TestRedisDriver_driverFailure(t *testing.T) {
	ctx := context.Background()
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:       []string{"127.0.0.1:1"},
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()
	driver := &RedisDriver{RedisClient: client}

	_, err := driver.Pop(ctx, "")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrEmpty)
}

func TestChannelConfig(t *testing.T) {
	cases := []struct {
		conf    ChannelConfig
		queue   string
		waiting string
		delayed string
	}{
		{ChannelConfig{}, "", "fastpy:queue:default", "fastpy:queue:default:delayed"},
		{ChannelConfig{}, "emails", "fastpy:queue:emails", "fastpy:queue:emails:delayed"},
		{ChannelConfig{Prefix: "{app:prod}:", DelayedSuffix: ":later"}, "emails", "{app:prod}:emails", "{app:prod}:emails:later"},
	}
	for _, c := range cases {
		assert.Equal(t, c.waiting, c.conf.Waiting(c.queue))
		assert.Equal(t, c.delayed, c.conf.Delayed(c.queue))
	}
}
