package impl

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zks-assess/config"
	"github.com/zks-assess/models"
	"github.com/zks-assess/services"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client, func()) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	cleanup := func() {
		client.Close()
		mr.Close()
	}

	return mr, client, cleanup
}

func searchCacheTestConfig() *config.RedisConfig {
	return &config.RedisConfig{
		EnableSearchCache: true,
		SearchCacheTTL:    60,
	}
}

func cachedFusedChunks() []models.FusedChunk {
	return []models.FusedChunk{
		{
			RankedChunk: models.RankedChunk{
				ChunkID:    uuid.MustParse("11111111-1111-1111-1111-111111111111"),
				DocumentID: uuid.MustParse("22222222-2222-2222-2222-222222222222"),
				Content:    "Obveznik provodi mjere upravljanja rizicima.",
				DocTitle:   "ZKS",
				DocType:    models.DocTypeZKS,
				ControlIDs: []string{"POL-001"},
				PageAnchor: 12,
				PageStart:  12,
				PageEnd:    13,
				Language:   "hr",
				Score:      1.0,
			},
			TierSource: models.TierSourceBoth,
			RRFScore:   0.016,
			Tier1Rank:  1,
			Tier2Rank:  2,
		},
	}
}

func TestSearchCache_RoundTrip(t *testing.T) {
	_, client, cleanup := setupTestRedis(t)
	defer cleanup()

	cache := NewSearchCacheWithRedis(client, searchCacheTestConfig())
	ctx := context.Background()

	_, ok := cache.GetSearchResults(ctx, "missing")
	assert.False(t, ok)

	want := cachedFusedChunks()
	require.NoError(t, cache.SetSearchResults(ctx, "key-1", want))

	got, ok := cache.GetSearchResults(ctx, "key-1")
	require.True(t, ok)
	assert.Equal(t, want, got)
}

func TestSearchCache_TTLExpiry(t *testing.T) {
	mr, client, cleanup := setupTestRedis(t)
	defer cleanup()

	cache := NewSearchCacheWithRedis(client, searchCacheTestConfig())
	ctx := context.Background()

	require.NoError(t, cache.SetSearchResults(ctx, "key-1", cachedFusedChunks()))

	_, ok := cache.GetSearchResults(ctx, "key-1")
	require.True(t, ok)

	mr.FastForward(61 * time.Second)

	_, ok = cache.GetSearchResults(ctx, "key-1")
	assert.False(t, ok)
}

func TestSearchCache_Invalidate(t *testing.T) {
	mr, client, cleanup := setupTestRedis(t)
	defer cleanup()

	cache := NewSearchCacheWithRedis(client, searchCacheTestConfig())
	ctx := context.Background()

	require.NoError(t, cache.SetSearchResults(ctx, "key-1", cachedFusedChunks()))
	require.NoError(t, cache.SetSearchResults(ctx, "key-2", nil))
	// A foreign key outside the search namespace must survive invalidation.
	require.NoError(t, client.Set(ctx, "ingest:job:1", "queued", 0).Err())

	require.NoError(t, cache.InvalidateSearchResults(ctx))

	_, ok := cache.GetSearchResults(ctx, "key-1")
	assert.False(t, ok)
	_, ok = cache.GetSearchResults(ctx, "key-2")
	assert.False(t, ok)
	assert.True(t, mr.Exists("ingest:job:1"))
}

func TestSearchCache_CorruptEntryIsDropped(t *testing.T) {
	mr, client, cleanup := setupTestRedis(t)
	defer cleanup()

	cache := NewSearchCacheWithRedis(client, searchCacheTestConfig())
	ctx := context.Background()

	require.NoError(t, client.Set(ctx, "search:bad", "{not json", 0).Err())

	_, ok := cache.GetSearchResults(ctx, "bad")
	assert.False(t, ok)
	assert.False(t, mr.Exists("search:bad"))
}

func TestSearchCache_Disabled(t *testing.T) {
	cache := NewSearchCache(&config.RedisConfig{EnableSearchCache: false})
	ctx := context.Background()

	require.NoError(t, cache.SetSearchResults(ctx, "key-1", cachedFusedChunks()))
	_, ok := cache.GetSearchResults(ctx, "key-1")
	assert.False(t, ok)
	assert.False(t, cache.IsHealthy(ctx))
}

func TestSearchCache_MemoryFallback(t *testing.T) {
	cache := NewSearchCacheWithRedis(nil, searchCacheTestConfig())
	ctx := context.Background()

	want := cachedFusedChunks()
	require.NoError(t, cache.SetSearchResults(ctx, "key-1", want))

	got, ok := cache.GetSearchResults(ctx, "key-1")
	require.True(t, ok)
	assert.Equal(t, want, got)
	assert.True(t, cache.IsHealthy(ctx))

	require.NoError(t, cache.InvalidateSearchResults(ctx))
	_, ok = cache.GetSearchResults(ctx, "key-1")
	assert.False(t, ok)
}

func TestSearchCacheKey(t *testing.T) {
	orgA := uuid.MustParse("33333333-3333-3333-3333-333333333333")
	orgB := uuid.MustParse("44444444-4444-4444-4444-444444444444")
	scopeA := services.ChunkScope{OrganizationID: orgA, IncludeGlobal: true}

	t.Run("normalizes case and whitespace", func(t *testing.T) {
		a := SearchCacheKey("Koje   mjere propisuje ZKS?", scopeA, 8, "")
		b := SearchCacheKey("koje mjere propisuje zks?", scopeA, 8, "")
		assert.Equal(t, a, b)
	})

	t.Run("control ids compare case-insensitively", func(t *testing.T) {
		a := SearchCacheKey("q", scopeA, 8, "pol-001")
		b := SearchCacheKey("q", scopeA, 8, "POL-001")
		assert.Equal(t, a, b)
	})

	t.Run("scope and k partition the keyspace", func(t *testing.T) {
		base := SearchCacheKey("q", scopeA, 8, "")
		assert.NotEqual(t, base, SearchCacheKey("q", services.ChunkScope{OrganizationID: orgB, IncludeGlobal: true}, 8, ""))
		assert.NotEqual(t, base, SearchCacheKey("q", services.ChunkScope{OrganizationID: orgA, IncludeGlobal: false}, 8, ""))
		assert.NotEqual(t, base, SearchCacheKey("q", scopeA, 5, ""))
		assert.NotEqual(t, base, SearchCacheKey("q", scopeA, 8, "POL-001"))
	})
}
