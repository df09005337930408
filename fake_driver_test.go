package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeDriver(t *testing.T) {
	events.reset()
	ctx := context.Background()
	fake := &FakeDriver{}

	_, err := fake.Push(ctx, &greetJob{Name: "a"}, "")
	require.NoError(t, err)
	_, err = fake.Push(ctx, &greetJob{Name: "b"}, "emails")
	require.NoError(t, err)
	_, err = fake.Later(ctx, time.Minute, &failingJob{Name: "c"}, "emails")
	require.NoError(t, err)

	assert.Empty(t, events.all())
	assert.Len(t, fake.Pushed(), 3)
	assert.Equal(t, 2, fake.CountPushed(&greetJob{}))
	assert.True(t, fake.HasPushed(&failingJob{}))
	assert.False(t, fake.HasPushed(&hookedJob{}))

	delayed := fake.Delayed()
	require.Len(t, delayed, 1)
	assert.Equal(t, time.Minute, delayed[0].Delay)
	assert.Equal(t, "emails", delayed[0].Queue)

	size, err := fake.Size(ctx, "emails")
	require.NoError(t, err)
	assert.Equal(t, int64(2), size)

	n, err := fake.Clear(ctx, "emails")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Len(t, fake.Pushed(), 1)
	assert.Empty(t, fake.Delayed())

	_, err = fake.Pop(ctx, "")
	assert.ErrorIs(t, err, ErrEmpty)

	fake.Reset()
	assert.Empty(t, fake.Pushed())
}
