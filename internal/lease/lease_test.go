package lease

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "engine:leader"

func testRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestTryAcquireIsExclusive(t *testing.T) {
	_, client := testRedis(t)
	ctx := context.Background()

	a := New(client, testKey, time.Second)
	b := New(client, testKey, time.Second)

	ok, err := a.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, a.Held())

	ok, err = b.TryAcquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, b.Held())
}

func TestAcquireSucceedsAfterExpiry(t *testing.T) {
	mr, client := testRedis(t)
	ctx := context.Background()

	a := New(client, testKey, 50*time.Millisecond)
	ok, err := a.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	b := New(client, testKey, 50*time.Millisecond)
	ok, err = b.TryAcquire(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	// The holder dies silently; its key expires after the TTL.
	mr.FastForward(100 * time.Millisecond)

	ok, err = b.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "expired lease is up for grabs")
}

func TestKeepAliveRenewsAndDetectsLoss(t *testing.T) {
	mr, client := testRedis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	l := New(client, testKey, 90*time.Millisecond)
	ok, err := l.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	done := make(chan error, 1)
	go func() { done <- l.KeepAlive(ctx) }()

	// Let a few renewals pass, then hand the key to another process.
	time.Sleep(120 * time.Millisecond)
	require.True(t, l.Held())
	require.NoError(t, mr.Set(testKey, "someone-else"))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrNotHeld)
	case <-time.After(time.Second):
		t.Fatal("keepalive did not notice the stolen lease")
	}
	assert.False(t, l.Held())
}

func TestReleaseIsOwnerOnly(t *testing.T) {
	mr, client := testRedis(t)
	ctx := context.Background()

	a := New(client, testKey, time.Second)
	b := New(client, testKey, time.Second)

	ok, err := a.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	// A non-holder must not delete the key out from under the leader.
	assert.ErrorIs(t, b.Release(ctx), ErrNotHeld)
	got, err := mr.Get(testKey)
	require.NoError(t, err)
	assert.Equal(t, a.ID(), got)

	require.NoError(t, a.Release(ctx))
	assert.False(t, a.Held())

	ok, err = b.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "released lease is free immediately")
}

func TestAcquireLoopStopsWithContext(t *testing.T) {
	_, client := testRedis(t)

	a := New(client, testKey, time.Second)
	ok, err := a.TryAcquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	b := New(client, testKey, time.Second)
	assert.Error(t, b.AcquireLoop(ctx))
	assert.False(t, b.Held())
}
