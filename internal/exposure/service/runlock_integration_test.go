//go:build integration

package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chainalert/internal/exposure/service"
	"chainalert/pkg/testutil/containers"
)

func TestRedisRunLocker(t *testing.T) {
	rc := containers.NewRedisContainer(t)
	t.Cleanup(func() {
		_ = rc.Client.Close()
		_ = rc.Container.Terminate(context.Background())
	})

	ctx := context.Background()
	locker := service.NewRedisRunLocker(rc.Client)

	t.Run("exclusive per key", func(t *testing.T) {
		require.NoError(t, rc.FlushAll(ctx))

		ok, err := locker.Acquire(ctx, "propagate:alice", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = locker.Acquire(ctx, "propagate:alice", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok, "second acquire of a held lock must fail")

		// A different reporter's run is unaffected.
		ok, err = locker.Acquire(ctx, "propagate:bob", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("release frees the key", func(t *testing.T) {
		require.NoError(t, rc.FlushAll(ctx))

		ok, err := locker.Acquire(ctx, "propagate:carol", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		require.NoError(t, locker.Release(ctx, "propagate:carol"))

		ok, err = locker.Acquire(ctx, "propagate:carol", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("lock expires with its ttl", func(t *testing.T) {
		require.NoError(t, rc.FlushAll(ctx))

		ok, err := locker.Acquire(ctx, "propagate:dora", 500*time.Millisecond)
		require.NoError(t, err)
		require.True(t, ok)

		assert.Eventually(t, func() bool {
			ok, err := locker.Acquire(ctx, "propagate:dora", time.Minute)
			return err == nil && ok
		}, 5*time.Second, 100*time.Millisecond, "lock should expire and become acquirable")
	})
}
