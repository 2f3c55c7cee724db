package redlock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) redis.UniversalClient {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestLockExcludesSecondHolder(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	first := NewLocker(client, "reconcile:mch_1", "holder-a")
	second := NewLocker(client, "reconcile:mch_1", "holder-b")

	require.NoError(t, first.Lock(ctx, time.Minute))
	assert.Error(t, second.Lock(ctx, time.Minute))

	require.NoError(t, first.Unlock(ctx))
	assert.NoError(t, second.Lock(ctx, time.Minute))
}

func TestUnlockRequiresHolder(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	holder := NewLocker(client, "reconcile:mch_2", "holder-a")
	impostor := NewLocker(client, "reconcile:mch_2", "holder-b")

	require.NoError(t, holder.Lock(ctx, time.Minute))
	assert.Error(t, impostor.Unlock(ctx))
	assert.NoError(t, holder.Unlock(ctx))
}

func TestWaitLockAcquiresAfterRelease(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	first := NewLocker(client, "reconcile:mch_3", "holder-a")
	require.NoError(t, first.Lock(ctx, time.Minute))

	done := make(chan error, 1)
	go func() {
		second := NewLocker(client, "reconcile:mch_3", "holder-b")
		done <- second.WaitLock(ctx, time.Minute, 2*time.Second)
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, first.Unlock(ctx))

	assert.NoError(t, <-done)
}
