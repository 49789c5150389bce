package history

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func appendN(t *testing.T, m *Manager, userID uint64, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, err := m.Append(context.Background(), userID, RoleUserInput, ChatPayload("m")); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
}

func TestFlushKey_MovesPendingToDurable(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	m := env.manager(t, Options{Policy: WriteBehind, BatchThreshold: 100})
	f := NewFlusher(env.cache, env.durable, FlusherOptions{})
	k := Key{UserID: testUser, Stream: StreamChat}

	appendN(t, m, testUser, 3)
	assert.Equal(t, int64(0), env.durableCount(t, StreamChat))

	n, err := f.FlushKey(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, int64(3), env.durableCount(t, StreamChat))
	assert.Equal(t, int64(0), env.pendingLen(t, k))

	// nothing changes for readers
	page, err := m.ReadPage(ctx, testUser, 10, "")
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 2, 1}, seqs(page.Records))
	require.NoError(t, m.Invalidate(ctx, testUser))
	page, err = m.ReadPage(ctx, testUser, 10, "")
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 2, 1}, seqs(page.Records))
}

func TestFlushKey_ReflushIsIdempotent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	m := env.manager(t, Options{Policy: WriteBehind, BatchThreshold: 100})
	f := NewFlusher(env.cache, env.durable, FlusherOptions{})
	k := Key{UserID: testUser, Stream: StreamChat}

	appendN(t, m, testUser, 3)
	raw, err := env.drv.ListRange(ctx, pendingKey(k), 0, -1)
	require.NoError(t, err)

	_, err = f.FlushKey(ctx, k)
	require.NoError(t, err)

	// a crash between insert and drop leaves the batch buffered
	for _, v := range raw {
		_, err := env.mr.RPush(pendingKey(k), string(v))
		require.NoError(t, err)
	}
	_, err = f.FlushKey(ctx, k)
	require.NoError(t, err)

	assert.Equal(t, int64(3), env.durableCount(t, StreamChat))
	assert.Equal(t, int64(0), env.pendingLen(t, k))
}

func TestFlushKey_FailedInsertKeepsBuffer(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	faulty := &faultyDurable{DurableStore: env.repo, batchErr: errTierDown}
	m := env.manager(t, Options{Policy: WriteBehind, BatchThreshold: 100})
	f := NewFlusher(env.cache, faulty, FlusherOptions{})
	k := Key{UserID: testUser, Stream: StreamChat}

	appendN(t, m, testUser, 3)

	_, err := f.FlushKey(ctx, k)
	require.Error(t, err)
	assert.True(t, IsTier(err, TierDurable))
	assert.Equal(t, int64(3), env.pendingLen(t, k))
	assert.Equal(t, int64(0), env.durableCount(t, StreamChat))

	// still readable while the durable tier is down
	page, err := m.ReadPage(ctx, testUser, 10, "")
	require.NoError(t, err)
	assert.Len(t, page.Records, 3)

	faulty.mu.Lock()
	faulty.batchErr = nil
	faulty.mu.Unlock()

	n, err := f.FlushKey(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, int64(3), env.durableCount(t, StreamChat))
}

func TestFlushKey_Batches(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	faulty := &faultyDurable{DurableStore: env.repo}
	m := env.manager(t, Options{Policy: WriteBehind, BatchThreshold: 100})
	f := NewFlusher(env.cache, faulty, FlusherOptions{BatchSize: 2})

	appendN(t, m, testUser, 5)

	n, err := f.FlushKey(ctx, Key{UserID: testUser, Stream: StreamChat})
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, 3, faulty.batchCalls)
}

func TestFlushKey_OneRunPerKey(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	faulty := &faultyDurable{DurableStore: env.repo, gate: make(chan struct{})}
	m := env.manager(t, Options{Policy: WriteBehind, BatchThreshold: 100})
	f := NewFlusher(env.cache, faulty, FlusherOptions{})
	k := Key{UserID: testUser, Stream: StreamChat}

	appendN(t, m, testUser, 4)

	var wg sync.WaitGroup
	flush := func() {
		defer wg.Done()
		if _, err := f.FlushKey(ctx, k); err != nil {
			t.Errorf("flush: %v", err)
		}
	}
	wg.Add(1)
	go flush()
	assert.Eventually(t, func() bool {
		faulty.mu.Lock()
		defer faulty.mu.Unlock()
		return faulty.inflight == 1
	}, time.Second, 5*time.Millisecond)

	wg.Add(2)
	go flush()
	go flush()
	time.Sleep(20 * time.Millisecond)
	close(faulty.gate)
	wg.Wait()

	assert.Equal(t, 1, faulty.maxInflight)
	assert.Equal(t, 1, faulty.batchCalls)
	assert.Equal(t, int64(4), env.durableCount(t, StreamChat))
}

func TestSweep_FlushesEveryUser(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.users = staticUsers{testUser: true, 8: true, 9: true}
	m := env.manager(t, Options{Policy: WriteBehind, BatchThreshold: 100})
	f := NewFlusher(env.cache, env.durable, FlusherOptions{Concurrency: 2})

	for _, u := range []uint64{testUser, 8, 9} {
		appendN(t, m, u, 2)
	}

	n, err := f.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	var rows int64
	require.NoError(t, env.db.Model(&ChatRow{}).Count(&rows).Error)
	assert.Equal(t, int64(6), rows)

	keys, err := env.cache.pendingKeys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestFlusher_TriggeredAtThreshold(t *testing.T) {
	env := newTestEnv(t)
	f := NewFlusher(env.cache, env.durable, FlusherOptions{Interval: time.Hour})
	require.NoError(t, f.Start(context.Background()))
	t.Cleanup(f.Stop)

	m := env.manager(t, Options{Policy: WriteBehind, BatchThreshold: 3, Trigger: f})
	k := Key{UserID: testUser, Stream: StreamChat}

	appendN(t, m, testUser, 2)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(0), env.durableCount(t, StreamChat))

	appendN(t, m, testUser, 1)
	assert.Eventually(t, func() bool {
		return env.durableCount(t, StreamChat) == 3 && env.pendingLen(t, k) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFlusher_PeriodicSweep(t *testing.T) {
	env := newTestEnv(t)
	f := NewFlusher(env.cache, env.durable, FlusherOptions{Interval: time.Second})
	require.NoError(t, f.Start(context.Background()))
	t.Cleanup(f.Stop)

	m := env.manager(t, Options{Policy: WriteBehind, BatchThreshold: 100, Trigger: f})
	appendN(t, m, testUser, 2)

	assert.Eventually(t, func() bool {
		return env.durableCount(t, StreamChat) == 2
	}, 3*time.Second, 20*time.Millisecond)
}

func TestFlusher_StartTwice(t *testing.T) {
	env := newTestEnv(t)
	f := NewFlusher(env.cache, env.durable, FlusherOptions{Interval: time.Hour})
	require.NoError(t, f.Start(context.Background()))
	assert.Error(t, f.Start(context.Background()))
	f.Stop()
	f.Stop()
}
