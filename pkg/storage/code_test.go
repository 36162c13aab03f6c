package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/simple-grid/pkg/core"
)

// ──────────────────────────────────────────────────────────────────────────────
// GormCodeStore
// ──────────────────────────────────────────────────────────────────────────────

func TestGormCodeStore_PutIfAbsent(t *testing.T) {
	ctx := context.Background()
	store := NewGormCodeStore(newTestStorage(t).DB())

	ok, err := store.PutIfAbsent(ctx, "tar:job-1", []byte("first"))
	require.NoError(t, err)
	assert.True(t, ok, "first write should store the archive")

	ok, err = store.PutIfAbsent(ctx, "tar:job-1", []byte("second"))
	require.NoError(t, err)
	assert.False(t, ok, "second write should be skipped")

	data, err := store.Get(ctx, "tar:job-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), data)
}

func TestGormCodeStore_GetMissing(t *testing.T) {
	store := NewGormCodeStore(newTestStorage(t).DB())

	_, err := store.Get(context.Background(), "tar:nope")
	assert.ErrorIs(t, err, core.ErrArchiveNotFound)
}

// ──────────────────────────────────────────────────────────────────────────────
// GormHostLocker
// ──────────────────────────────────────────────────────────────────────────────

func TestGormHostLocker_AcquireRelease(t *testing.T) {
	ctx := context.Background()
	locker := NewGormHostLocker(newTestStorage(t).DB(), time.Minute)

	lease, err := locker.Acquire(ctx, "host-a", time.Second)
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, "host-a", 60*time.Millisecond)
	assert.ErrorIs(t, err, core.ErrLockTimeout)

	other, err := locker.Acquire(ctx, "host-b", time.Second)
	require.NoError(t, err, "scopes are independent")
	require.NoError(t, other.Release(ctx))

	require.NoError(t, lease.Release(ctx))
	lease, err = locker.Acquire(ctx, "host-a", time.Second)
	require.NoError(t, err)
	require.NoError(t, lease.Release(ctx))
}

func TestGormHostLocker_TakesOverExpiredLock(t *testing.T) {
	ctx := context.Background()
	db := newTestStorage(t).DB()
	locker := NewGormHostLocker(db, time.Minute)

	stale := &core.HostLock{Scope: "host-a", Owner: "dead", ExpiresAt: time.Now().Add(-time.Second)}
	require.NoError(t, db.Create(stale).Error)

	lease, err := locker.Acquire(ctx, "host-a", time.Second)
	require.NoError(t, err)

	var row core.HostLock
	require.NoError(t, db.First(&row, "scope = ?", "host-a").Error)
	assert.NotEqual(t, "dead", row.Owner)
	require.NoError(t, lease.Release(ctx))
}

func TestGormHostLocker_ReleaseAfterTakeoverKeepsNewOwner(t *testing.T) {
	ctx := context.Background()
	db := newTestStorage(t).DB()
	locker := NewGormHostLocker(db, time.Minute)

	first, err := locker.Acquire(ctx, "host-a", time.Second)
	require.NoError(t, err)

	// Simulate the first holder stalling past its TTL.
	require.NoError(t, db.Model(&core.HostLock{}).
		Where("scope = ?", "host-a").
		Update("expires_at", time.Now().Add(-time.Second)).Error)

	second, err := locker.Acquire(ctx, "host-a", time.Second)
	require.NoError(t, err)

	require.NoError(t, first.Release(ctx))

	_, err = locker.Acquire(ctx, "host-a", 60*time.Millisecond)
	assert.ErrorIs(t, err, core.ErrLockTimeout, "stale release must not free the new holder's lock")
	require.NoError(t, second.Release(ctx))
}

func TestGormHostLocker_MutualExclusion(t *testing.T) {
	ctx := context.Background()
	locker := NewGormHostLocker(newTestStorage(t).DB(), time.Minute)

	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := locker.Acquire(ctx, "host-a", 5*time.Second)
			if !assert.NoError(t, err) {
				return
			}
			n := inside.Add(1)
			for {
				m := maxInside.Load()
				if n <= m || maxInside.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			inside.Add(-1)
			assert.NoError(t, lease.Release(ctx))
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, maxInside.Load())
}

func TestGormHostLocker_ContextCancelled(t *testing.T) {
	locker := NewGormHostLocker(newTestStorage(t).DB(), time.Minute)

	held, err := locker.Acquire(context.Background(), "host-a", time.Second)
	require.NoError(t, err)
	defer held.Release(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = locker.Acquire(ctx, "host-a", 5*time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
