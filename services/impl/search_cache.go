package impl

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zks-assess/config"
	"github.com/zks-assess/models"
	"github.com/zks-assess/services"
)

const (
	// searchCachePrefix namespaces all search result keys
	searchCachePrefix = "search"

	// defaultSearchCacheTTL is the fallback TTL for cached results (2 minutes)
	defaultSearchCacheTTL = 120
)

// searchCacheImpl caches fused (pre-rerank) retrieval results in Redis,
// falling back to an in-memory map when Redis is unavailable. Correctness
// never depends on it: every entry is invalidated when the corpus changes
// and expires on a short TTL regardless.
type searchCacheImpl struct {
	// In-memory cache (fallback when Redis is unavailable)
	memCache map[string]searchCacheEntry
	mu       sync.RWMutex

	// Redis cache (production)
	redis *redis.Client

	config   *config.RedisConfig
	enabled  bool
	useRedis bool
}

type searchCacheEntry struct {
	data      []byte
	expiresAt time.Time
}

// NewSearchCache connects to Redis if configured, falling back to the
// in-memory cache without error when the connection fails.
func NewSearchCache(cfg *config.RedisConfig) services.CacheService {
	if cfg == nil || !cfg.EnableSearchCache {
		return &searchCacheImpl{enabled: false}
	}

	svc := &searchCacheImpl{
		memCache: make(map[string]searchCacheEntry),
		config:   cfg,
		enabled:  true,
		useRedis: false,
	}

	if cfg.Host != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Password: cfg.Password,
			DB:       cfg.DB,
		})

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := redisClient.Ping(ctx).Err(); err == nil {
			svc.redis = redisClient
			svc.useRedis = true
		}
		// If Redis fails, fall back to in-memory (no error)
	}

	return svc
}

// NewSearchCacheWithRedis wires an existing Redis client, used by tests and
// by callers that share one client across services.
func NewSearchCacheWithRedis(redisClient *redis.Client, cfg *config.RedisConfig) services.CacheService {
	if cfg == nil || !cfg.EnableSearchCache {
		return &searchCacheImpl{enabled: false}
	}
	return &searchCacheImpl{
		memCache: make(map[string]searchCacheEntry),
		redis:    redisClient,
		config:   cfg,
		enabled:  true,
		useRedis: redisClient != nil,
	}
}

func (s *searchCacheImpl) GetSearchResults(ctx context.Context, key string) ([]models.FusedChunk, bool) {
	if !s.enabled {
		return nil, false
	}

	prefixedKey := s.prefixKey(key)

	if s.useRedis && s.redis != nil {
		data, err := s.redis.Get(ctx, prefixedKey).Bytes()
		if err == nil {
			var results []models.FusedChunk
			if err := json.Unmarshal(data, &results); err != nil {
				// Invalid cache data - delete it
				s.redis.Del(ctx, prefixedKey)
				return nil, false
			}
			return results, true
		}
		if err != redis.Nil {
			// Redis error - fall back to memory cache
			return s.getFromMemCache(prefixedKey)
		}
		return nil, false // Cache miss
	}

	return s.getFromMemCache(prefixedKey)
}

func (s *searchCacheImpl) getFromMemCache(prefixedKey string) ([]models.FusedChunk, bool) {
	s.mu.RLock()
	entry, exists := s.memCache[prefixedKey]
	s.mu.RUnlock()

	if !exists {
		return nil, false
	}

	if time.Now().After(entry.expiresAt) {
		s.mu.Lock()
		delete(s.memCache, prefixedKey)
		s.mu.Unlock()
		return nil, false
	}

	var results []models.FusedChunk
	if err := json.Unmarshal(entry.data, &results); err != nil {
		return nil, false
	}
	return results, true
}

func (s *searchCacheImpl) SetSearchResults(ctx context.Context, key string, results []models.FusedChunk) error {
	if !s.enabled {
		return nil
	}

	data, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("failed to marshal search results for caching: %w", err)
	}

	ttl := time.Duration(defaultSearchCacheTTL) * time.Second
	if s.config != nil && s.config.SearchCacheTTL > 0 {
		ttl = time.Duration(s.config.SearchCacheTTL) * time.Second
	}

	prefixedKey := s.prefixKey(key)

	if s.useRedis && s.redis != nil {
		if err := s.redis.Set(ctx, prefixedKey, data, ttl).Err(); err != nil {
			// Redis error - fall back to memory cache
			s.setInMemCache(prefixedKey, data, ttl)
		}
		return nil
	}

	s.setInMemCache(prefixedKey, data, ttl)
	return nil
}

func (s *searchCacheImpl) setInMemCache(prefixedKey string, data []byte, ttl time.Duration) {
	s.mu.Lock()
	s.memCache[prefixedKey] = searchCacheEntry{
		data:      data,
		expiresAt: time.Now().Add(ttl),
	}
	s.mu.Unlock()
}

// InvalidateSearchResults drops every cached result set. Called whenever the
// chunk corpus changes, since any cached ranking may now be stale.
func (s *searchCacheImpl) InvalidateSearchResults(ctx context.Context) error {
	if !s.enabled {
		return nil
	}

	if s.useRedis && s.redis != nil {
		pattern := fmt.Sprintf("%s:*", searchCachePrefix)
		var cursor uint64
		for {
			keys, newCursor, err := s.redis.Scan(ctx, cursor, pattern, 100).Result()
			if err != nil {
				break // Redis error - silently fail
			}
			if len(keys) > 0 {
				s.redis.Del(ctx, keys...)
			}
			cursor = newCursor
			if cursor == 0 {
				break
			}
		}
	}

	// Always clear the in-memory cache as well
	s.mu.Lock()
	s.memCache = make(map[string]searchCacheEntry)
	s.mu.Unlock()

	return nil
}

func (s *searchCacheImpl) IsHealthy(ctx context.Context) bool {
	if !s.enabled {
		return false
	}
	if s.useRedis && s.redis != nil {
		return s.redis.Ping(ctx).Err() == nil
	}
	return true
}

func (s *searchCacheImpl) prefixKey(key string) string {
	return fmt.Sprintf("%s:%s", searchCachePrefix, key)
}

// SearchCacheKey derives a deterministic key from the normalized query and
// every input that changes the fused result set. Tenancy is part of the key
// so organizations can never see each other's cached rankings.
func SearchCacheKey(query string, scope services.ChunkScope, k int, controlID string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(query)), " ")
	keyData := fmt.Sprintf("%s|%s|%v|%d|%s",
		normalized,
		scope.OrganizationID,
		scope.IncludeGlobal,
		k,
		strings.ToUpper(controlID),
	)
	hash := sha256.Sum256([]byte(keyData))
	return hex.EncodeToString(hash[:16])
}
