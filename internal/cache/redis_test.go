package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plc-monitor/internal/storage"
)

func newTestCache(t *testing.T, ttl time.Duration) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	c, err := NewRedisCache(context.Background(), mr.Addr(), "", 0, ttl)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, mr
}

func TestNewRedisCacheUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := NewRedisCache(ctx, addr, "", 0, time.Hour)
	assert.ErrorContains(t, err, "failed to connect to Redis")
}

func TestBlobRoundTrip(t *testing.T) {
	c, _ := newTestCache(t, time.Hour)
	ctx := context.Background()
	blob := c.Blob("plc:history")

	_, err := blob.Load(ctx)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, blob.Save(ctx, []byte(`{"temperature":[]}`)))
	data, err := blob.Load(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"temperature":[]}`, string(data))

	require.NoError(t, c.Ping(ctx))
	assert.Contains(t, c.GetStats(), "total_conns")
}

func TestRecentAnomaliesNewestFirst(t *testing.T) {
	c, _ := newTestCache(t, time.Hour)
	ctx := context.Background()
	base := time.Now()
	c.now = func() time.Time { return base.Add(3 * time.Second) }

	for i := 0; i < 3; i++ {
		ts := base.Add(time.Duration(i) * time.Second)
		require.NoError(t, c.StoreAnomaly(ctx, "CH0", ts, map[string]int{"seq": i}))
	}
	require.NoError(t, c.StoreAnomaly(ctx, "CH1", base, map[string]int{"seq": 9}))

	got, err := c.RecentAnomalies(ctx, "CH0", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)

	var first struct{ Seq int }
	require.NoError(t, json.Unmarshal(got[0], &first))
	assert.Equal(t, 2, first.Seq)

	all, err := c.RecentAnomalies(ctx, "CH0", 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	none, err := c.RecentAnomalies(ctx, "CH7", 10)
	require.NoError(t, err)
	assert.Empty(t, none)

	zero, err := c.RecentAnomalies(ctx, "CH0", 0)
	require.NoError(t, err)
	assert.Empty(t, zero)
}

func TestAnomaliesExpire(t *testing.T) {
	c, mr := newTestCache(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, c.StoreAnomaly(ctx, "CH0", time.Now(), map[string]bool{"anomaly": true}))
	mr.FastForward(2 * time.Minute)

	got, err := c.RecentAnomalies(ctx, "CH0", 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStoreAnomalyTrimsOldIndexEntries(t *testing.T) {
	c, mr := newTestCache(t, time.Minute)
	ctx := context.Background()
	now := time.Now()
	c.now = func() time.Time { return now }

	require.NoError(t, c.StoreAnomaly(ctx, "CH0", now.Add(-2*time.Minute), 1))
	require.NoError(t, c.StoreAnomaly(ctx, "CH0", now, 2))

	members, err := mr.ZMembers(anomalyListKey("CH0"))
	require.NoError(t, err)
	assert.Len(t, members, 1)
}
