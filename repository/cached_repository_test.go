package repository

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"talk-voting-backend/cache"
	"talk-voting-backend/models"
)

type countingStore struct {
	*MemoryStore
	gets int
}

func (c *countingStore) GetSession(ctx context.Context, id string) (*models.VotingSession, error) {
	c.gets++
	return c.MemoryStore.GetSession(ctx, id)
}

func newCachedStore(t *testing.T) (*CachedStore, *countingStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	backing := &countingStore{MemoryStore: NewMemoryStore()}
	bloom := cache.NewBloomFilter(client, "voting_sessions", 4, 1<<16)
	return NewCachedStore(backing, client, bloom, time.Minute, nil), backing, mr
}

func TestCachedStoreCachesEndedSessionsOnly(t *testing.T) {
	ctx := context.Background()
	store, backing, mr := newCachedStore(t)

	require.NoError(t, store.CreateSession(ctx, session("active", "e1", "t1", base)))
	require.NoError(t, store.CreateSession(ctx, session("done", "e1", "t1", base)))
	ended := models.SessionEnded
	require.NoError(t, store.UpdateSession(ctx, "done", SessionPatch{Status: &ended}))

	for i := 0; i < 3; i++ {
		got, err := store.GetSession(ctx, "active")
		require.NoError(t, err)
		assert.Equal(t, models.SessionActive, got.Status)
	}
	assert.Equal(t, 3, backing.gets)
	assert.False(t, mr.Exists(sessionCacheKeyPrefix+"active"))

	backing.gets = 0
	for i := 0; i < 3; i++ {
		got, err := store.GetSession(ctx, "done")
		require.NoError(t, err)
		assert.Equal(t, models.SessionEnded, got.Status)
	}
	assert.Equal(t, 1, backing.gets)
	assert.True(t, mr.Exists(sessionCacheKeyPrefix+"done"))
}

func TestCachedStoreInvalidatesOnUpdate(t *testing.T) {
	ctx := context.Background()
	store, _, mr := newCachedStore(t)

	require.NoError(t, store.CreateSession(ctx, session("s1", "e1", "t1", base)))
	ended := models.SessionEnded
	require.NoError(t, store.UpdateSession(ctx, "s1", SessionPatch{Status: &ended}))
	_, err := store.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.True(t, mr.Exists(sessionCacheKeyPrefix+"s1"))

	endedAt := base.Add(time.Minute)
	require.NoError(t, store.UpdateSession(ctx, "s1", SessionPatch{EndedAt: &endedAt}))
	assert.False(t, mr.Exists(sessionCacheKeyPrefix+"s1"))

	got, err := store.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, got.EndedAt)
	assert.True(t, got.EndedAt.Equal(endedAt))
}

func TestCachedStoreBloomFilterAfterWarm(t *testing.T) {
	ctx := context.Background()
	store, backing, _ := newCachedStore(t)

	// 直接写入底层存储，模拟重启前创建的会话
	require.NoError(t, backing.MemoryStore.CreateSession(ctx, session("legacy", "e1", "t1", base)))

	// 预热前不拦截
	_, err := store.GetSession(ctx, "unknown")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, backing.gets)

	require.NoError(t, store.Warm(ctx))

	backing.gets = 0
	_, err = store.GetSession(ctx, "unknown")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, backing.gets)

	got, err := store.GetSession(ctx, "legacy")
	require.NoError(t, err)
	assert.Equal(t, "legacy", got.ID)

	require.NoError(t, store.CreateSession(ctx, session("fresh", "e1", "t1", base)))
	_, err = store.GetSession(ctx, "fresh")
	assert.NoError(t, err)
}

func TestCachedStoreFallsBackWhenRedisDown(t *testing.T) {
	ctx := context.Background()
	store, _, mr := newCachedStore(t)
	require.NoError(t, store.CreateSession(ctx, session("s1", "e1", "t1", base)))
	require.NoError(t, store.Warm(ctx))

	mr.Close()

	got, err := store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", got.ID)
}
