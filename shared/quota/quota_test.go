package quota

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCounter(t *testing.T) (*Counter, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	c := NewCounter(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	c.now = func() time.Time { return time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC) }
	return c, mr
}

func TestUsageSeedsFromLoader(t *testing.T) {
	c, mr := newCounter(t)
	ctx := context.Background()

	calls := 0
	load := func(_ context.Context, userID uint, since time.Time) (int64, error) {
		calls++
		assert.Equal(t, uint(5), userID)
		assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), since)
		return 3, nil
	}

	n, err := c.Usage(ctx, 5, load)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.True(t, mr.Exists("quota:5:2026-03"))

	require.NoError(t, c.Record(ctx, 5))
	n, err = c.Usage(ctx, 5, load)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	assert.Equal(t, 1, calls)
}

func TestAllow(t *testing.T) {
	c, _ := newCounter(t)
	ctx := context.Background()
	load := func(context.Context, uint, time.Time) (int64, error) { return 2, nil }

	ok, err := c.Allow(ctx, 1, 3, load)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, c.Record(ctx, 1))
	ok, err = c.Allow(ctx, 1, 3, load)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = c.Allow(ctx, 1, -1, load)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRelease(t *testing.T) {
	c, mr := newCounter(t)
	ctx := context.Background()
	march := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

	require.NoError(t, c.Release(ctx, 9, march))
	assert.False(t, mr.Exists("quota:9:2026-03"))

	require.NoError(t, c.Record(ctx, 9))
	require.NoError(t, c.Record(ctx, 9))
	require.NoError(t, c.Release(ctx, 9, march))
	v, err := mr.Get("quota:9:2026-03")
	require.NoError(t, err)
	assert.Equal(t, "1", v)

	require.NoError(t, c.Release(ctx, 9, march))
	require.NoError(t, c.Release(ctx, 9, march))
	v, _ = mr.Get("quota:9:2026-03")
	assert.Equal(t, "0", v)

	require.NoError(t, c.Release(ctx, 9, march.AddDate(0, -1, 0)))
	assert.False(t, mr.Exists("quota:9:2026-02"))
}
