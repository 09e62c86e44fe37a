package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryThrottle(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{now: time.Date(2024, 5, 10, 14, 0, 0, 0, time.UTC)}
	th := NewMemoryThrottle(5*time.Second, clock.Now)

	ok, err := th.Allow(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = th.Allow(ctx, "a")
	assert.False(t, ok)
	ok, _ = th.Allow(ctx, "b")
	assert.True(t, ok)

	clock.Advance(5 * time.Second)
	ok, _ = th.Allow(ctx, "a")
	assert.True(t, ok)
}

func TestRedisThrottle(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	th := NewRedisThrottle(client, 5*time.Second)

	ok, err := th.Allow(ctx, "order-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, mr.Exists("pixsales:check:order-1"))

	ok, err = th.Allow(ctx, "order-1")
	require.NoError(t, err)
	assert.False(t, ok)

	mr.FastForward(6 * time.Second)
	ok, err = th.Allow(ctx, "order-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisThrottleErrorFailsOpenInDriver(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	mr.Close()

	f := newFixture(t)
	d := New(f.engine, Options{Throttle: NewRedisThrottle(client, time.Second)})
	o := f.create(t, "ebook")

	out, err := d.CheckNow(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, o.ID, out.Order.ID)
}
