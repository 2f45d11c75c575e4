package cache

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/offsync/internal/model"
	"github.com/roach88/offsync/internal/store"
	"github.com/roach88/offsync/internal/testutil"
)

func createTestCache(t *testing.T, opts ...Option) (*Store, *testutil.FakeClock, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	clock := testutil.NewFakeClock(time.Time{})
	opts = append([]Option{WithClock(clock)}, opts...)
	return New(st, opts...), clock, st
}

func TestPutGet_RoundTrip(t *testing.T) {
	c, _, _ := createTestCache(t, WithMaxBytes(1024))
	ctx := context.Background()

	values := map[string][]byte{
		"forms/permit":   []byte(`{"fields":["name","address"]}`),
		"guides/voting":  []byte("plain text"),
		"binary/blob":    {0x00, 0xff, 0x10},
		"empty/document": {},
	}
	for k, v := range values {
		require.NoError(t, c.Put(ctx, k, v, 0))
	}

	for k, v := range values {
		got, err := c.Get(ctx, k)
		require.NoError(t, err, k)
		assert.Equal(t, v, got.Value, k)
		assert.Equal(t, int64(len(v)), got.SizeBytes)
	}
}

func TestGet_Miss(t *testing.T) {
	c, _, _ := createTestCache(t)

	_, err := c.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestGet_UpdatesAccessMetadata(t *testing.T) {
	c, clock, _ := createTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "k", []byte("v"), 0))
	clock.Advance(time.Minute)

	first, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.AccessCount)
	assert.True(t, first.LastAccessedAt.Equal(clock.Now()))

	clock.Advance(time.Minute)
	second, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.AccessCount)
	assert.True(t, second.LastAccessedAt.Equal(clock.Now()))
}

func TestPut_OverwriteKeepsAccessHistory(t *testing.T) {
	c, _, _ := createTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "k", []byte("v1"), 0))
	for i := 0; i < 3; i++ {
		_, err := c.Get(ctx, "k")
		require.NoError(t, err)
	}

	require.NoError(t, c.Put(ctx, "k", []byte("v2"), 0))
	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got.Value)
	assert.Equal(t, int64(4), got.AccessCount)
}

func TestGet_ExpiredIsMissAndPurged(t *testing.T) {
	var reasons []EvictReason
	c, clock, _ := createTestCache(t, WithEvictHook(func(_ model.EntryMeta, r EvictReason) {
		reasons = append(reasons, r)
	}))
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "k", []byte("value"), time.Minute))

	clock.Advance(59 * time.Second)
	_, err := c.Get(ctx, "k")
	require.NoError(t, err)

	clock.Advance(time.Second)
	_, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)
	assert.Equal(t, []EvictReason{EvictExpired}, reasons)

	u, err := c.Usage(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), u.Entries)
	assert.Equal(t, int64(0), u.Bytes)
}

func TestPut_DefaultAndNegativeTTL(t *testing.T) {
	c, clock, _ := createTestCache(t, WithDefaultTTL(time.Hour))
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "default", []byte("v"), 0))
	require.NoError(t, c.Put(ctx, "forever", []byte("v"), -1))

	clock.Advance(2 * time.Hour)

	_, err := c.Get(ctx, "default")
	assert.ErrorIs(t, err, ErrMiss)

	got, err := c.Get(ctx, "forever")
	require.NoError(t, err)
	assert.True(t, got.ExpiresAt.IsZero())
}

func TestInvalidate(t *testing.T) {
	c, _, _ := createTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "k", []byte("v"), 0))
	require.NoError(t, c.Invalidate(ctx, "k"))
	require.NoError(t, c.Invalidate(ctx, "k"), "invalidating an absent key is not an error")

	_, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestEnumerate_PrefixSortedLiveOnly(t *testing.T) {
	c, clock, _ := createTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "forms/b", []byte("v"), 0))
	require.NoError(t, c.Put(ctx, "forms/a", []byte("v"), 0))
	require.NoError(t, c.Put(ctx, "forms/short", []byte("v"), time.Second))
	require.NoError(t, c.Put(ctx, "guides/x", []byte("v"), 0))
	clock.Advance(time.Second)

	keys, err := c.Enumerate(ctx, "forms/")
	require.NoError(t, err)
	assert.Equal(t, []string{"forms/a", "forms/b"}, keys)

	all, err := c.Enumerate(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestKeysAreNFCNormalized(t *testing.T) {
	c, _, _ := createTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "forms/caf\u00e9", []byte("v"), 0))

	got, err := c.Get(ctx, "forms/cafe\u0301")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got.Value)
}

// capacity = 3 entries; k1 read five times; inserting k4 must evict one of
// the cold entries and keep k1.
func TestEviction_CapacityThreeEntries(t *testing.T) {
	var evicted []string
	c, clock, _ := createTestCache(t,
		WithMaxEntries(3),
		WithEvictHook(func(m model.EntryMeta, r EvictReason) {
			assert.Equal(t, EvictCapacity, r)
			evicted = append(evicted, m.Key)
		}),
	)
	ctx := context.Background()

	for _, k := range []string{"k1", "k2", "k3"} {
		require.NoError(t, c.Put(ctx, k, []byte(k), 0))
		clock.Advance(time.Second)
	}
	for i := 0; i < 5; i++ {
		_, err := c.Get(ctx, "k1")
		require.NoError(t, err)
	}

	require.NoError(t, c.Put(ctx, "k4", []byte("k4"), 0))

	require.Len(t, evicted, 1)
	assert.Contains(t, []string{"k2", "k3"}, evicted[0])

	keys, err := c.Enumerate(ctx, "")
	require.NoError(t, err)
	assert.Len(t, keys, 3)
	assert.Contains(t, keys, "k1")
	assert.Contains(t, keys, "k4")
}

// A (old, read often) must outlive B (newer, read once) when A's score is
// strictly higher.
func TestEviction_FrequencyBeatsRecencyWhenScoreHigher(t *testing.T) {
	c, clock, _ := createTestCache(t, WithMaxBytes(20), WithHalfLife(time.Hour))
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "A", make([]byte, 8), 0))
	for i := 0; i < 10; i++ {
		_, err := c.Get(ctx, "A")
		require.NoError(t, err)
	}

	clock.Advance(10 * time.Minute)
	require.NoError(t, c.Put(ctx, "B", make([]byte, 8), 0))
	_, err := c.Get(ctx, "B")
	require.NoError(t, err)

	now := clock.Now()
	a := model.EntryMeta{AccessCount: 10, LastAccessedAt: now.Add(-10 * time.Minute)}
	b := model.EntryMeta{AccessCount: 1, LastAccessedAt: now}
	require.Greater(t, Score(a, now, time.Hour), Score(b, now, time.Hour))

	require.NoError(t, c.Put(ctx, "C", make([]byte, 8), 0))

	_, err = c.Get(ctx, "B")
	assert.ErrorIs(t, err, ErrMiss, "B should be evicted")
	_, err = c.Get(ctx, "A")
	assert.NoError(t, err, "A should be retained")
}

func TestEviction_RecencyDecayEventuallyWins(t *testing.T) {
	c, clock, _ := createTestCache(t, WithMaxEntries(2), WithHalfLife(time.Minute))
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "stale", []byte("v"), 0))
	for i := 0; i < 5; i++ {
		_, err := c.Get(ctx, "stale")
		require.NoError(t, err)
	}

	// Ten half-lives shrink a count of 6 well below a fresh single read.
	clock.Advance(10 * time.Minute)
	require.NoError(t, c.Put(ctx, "fresh", []byte("v"), 0))
	_, err := c.Get(ctx, "fresh")
	require.NoError(t, err)

	require.NoError(t, c.Put(ctx, "new", []byte("v"), 0))

	_, err = c.Get(ctx, "stale")
	assert.ErrorIs(t, err, ErrMiss)
	_, err = c.Get(ctx, "fresh")
	assert.NoError(t, err)
}

func TestEviction_ExpiredEntriesGoFirst(t *testing.T) {
	c, clock, _ := createTestCache(t, WithMaxEntries(2))
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "hot-but-expired", []byte("v"), time.Second))
	for i := 0; i < 10; i++ {
		_, err := c.Get(ctx, "hot-but-expired")
		require.NoError(t, err)
	}
	require.NoError(t, c.Put(ctx, "cold", []byte("v"), 0))

	clock.Advance(2 * time.Second)
	require.NoError(t, c.Put(ctx, "new", []byte("v"), 0))

	keys, err := c.Enumerate(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"cold", "new"}, keys)
}

func TestCapacityInvariantHoldsAfterEveryPut(t *testing.T) {
	const maxBytes = 100
	c, clock, _ := createTestCache(t, WithMaxBytes(maxBytes))
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		key := string(rune('a' + i%26))
		if i >= 26 {
			key += "2"
		}
		require.NoError(t, c.Put(ctx, key, make([]byte, 7+i%13), 0))
		clock.Advance(time.Second)

		u, err := c.Usage(ctx)
		require.NoError(t, err)
		require.LessOrEqual(t, u.Bytes, int64(maxBytes), "after put %d", i)
	}
}

func TestPut_TooLarge(t *testing.T) {
	c, _, _ := createTestCache(t, WithMaxBytes(4))

	err := c.Put(context.Background(), "big", []byte("12345"), 0)
	assert.ErrorIs(t, err, ErrEntryTooLarge)
}

func TestPut_EmptyKey(t *testing.T) {
	c, _, _ := createTestCache(t)
	assert.ErrorIs(t, c.Put(context.Background(), "", []byte("v"), 0), ErrEmptyKey)
}

func TestPurge(t *testing.T) {
	c, clock, _ := createTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "a", []byte("v"), time.Second))
	require.NoError(t, c.Put(ctx, "b", []byte("v"), time.Second))
	require.NoError(t, c.Put(ctx, "c", []byte("v"), 0))
	clock.Advance(time.Second)

	n, err := c.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	u, err := c.Usage(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), u.Entries)
}

func TestConcurrentPutGet(t *testing.T) {
	c, _, _ := createTestCache(t, WithMaxEntries(10))
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				key := string(rune('a' + (w+i)%15))
				assert.NoError(t, c.Put(ctx, key, []byte{byte(i)}, 0))
				if _, err := c.Get(ctx, key); err != nil {
					assert.ErrorIs(t, err, ErrMiss)
				}
			}
		}(w)
	}
	wg.Wait()

	u, err := c.Usage(ctx)
	require.NoError(t, err)
	assert.LessOrEqual(t, u.Entries, int64(10))
}
