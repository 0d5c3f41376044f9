package impl

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zks-assess/models"
	"github.com/zks-assess/services"
)

type fakeChunkStore struct {
	controlResults  []models.RankedChunk
	fullTextResults []models.RankedChunk
	vectorResults   []models.RankedChunk
	focusedResults  []models.RankedChunk

	controlErr  error
	fullTextErr error
	vectorErr   error

	controlCalls  []string
	fullTextCalls []string
	vectorFilters []*models.DocType
}

func (f *fakeChunkStore) ReplaceChunks(ctx context.Context, documentID uuid.UUID, chunks []models.DocumentChunk) error {
	return nil
}

func (f *fakeChunkStore) DeleteByDocument(ctx context.Context, documentID uuid.UUID) error {
	return nil
}

func (f *fakeChunkStore) GetChunksByDocument(ctx context.Context, documentID uuid.UUID) ([]models.DocumentChunk, error) {
	return nil, nil
}

func (f *fakeChunkStore) CountChunks(ctx context.Context, documentID uuid.UUID) (int64, error) {
	return 0, nil
}

func (f *fakeChunkStore) SearchByControlID(ctx context.Context, scope services.ChunkScope, controlID string, prefixExpansion bool, limit int) ([]models.RankedChunk, error) {
	f.controlCalls = append(f.controlCalls, controlID)
	return f.controlResults, f.controlErr
}

func (f *fakeChunkStore) SearchFullText(ctx context.Context, scope services.ChunkScope, query string, limit int) ([]models.RankedChunk, error) {
	f.fullTextCalls = append(f.fullTextCalls, query)
	return f.fullTextResults, f.fullTextErr
}

func (f *fakeChunkStore) SearchByVector(ctx context.Context, scope services.ChunkScope, embedding []float32, limit int, docTypeFilter *models.DocType, excludeIDs []uuid.UUID) ([]models.RankedChunk, error) {
	f.vectorFilters = append(f.vectorFilters, docTypeFilter)
	if f.vectorErr != nil {
		return nil, f.vectorErr
	}
	if docTypeFilter != nil {
		return f.focusedResults, nil
	}
	return f.vectorResults, nil
}

type fakeEmbedder struct {
	vec   []float32
	err   error
	calls int
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = f.vec
	}
	return out, nil
}

func (f *fakeEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.vec, nil
}

func (f *fakeEmbedder) Dimension() int { return len(f.vec) }

func (f *fakeEmbedder) ModelName() string { return "fake-embedder" }

type spyCache struct {
	entries map[string][]models.FusedChunk
	sets    int
	hits    int
}

func newSpyCache() *spyCache {
	return &spyCache{entries: map[string][]models.FusedChunk{}}
}

func (c *spyCache) GetSearchResults(ctx context.Context, key string) ([]models.FusedChunk, bool) {
	results, ok := c.entries[key]
	if ok {
		c.hits++
	}
	return results, ok
}

func (c *spyCache) SetSearchResults(ctx context.Context, key string, results []models.FusedChunk) error {
	c.entries[key] = results
	c.sets++
	return nil
}

func (c *spyCache) InvalidateSearchResults(ctx context.Context) error {
	c.entries = map[string][]models.FusedChunk{}
	return nil
}

func (c *spyCache) IsHealthy(ctx context.Context) bool { return true }

func searchTestOrg() uuid.UUID {
	return uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000001")
}

func TestSearchService_ModeSelection(t *testing.T) {
	t.Run("full-text mode without a control token", func(t *testing.T) {
		store := &fakeChunkStore{
			fullTextResults: []models.RankedChunk{rankedChunk(chunkA, 1, models.DocTypeZKS)},
			vectorResults:   []models.RankedChunk{rankedChunk(chunkB, 2, models.DocTypeNIS2)},
		}
		svc := NewSearchService(store, &fakeEmbedder{vec: []float32{1, 0}}, newSpyCache(), models.DefaultRetrievalConfig())

		resp, err := svc.Search(context.Background(), models.SearchRequest{
			Query: "Koje mjere upravljanja rizicima propisuje zakon?",
			OrgID: searchTestOrg(),
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"Koje mjere upravljanja rizicima propisuje zakon?"}, store.fullTextCalls)
		assert.Empty(t, store.controlCalls)
		assert.Len(t, resp.Results, 2)
		assert.True(t, resp.TierAnalysis.Tier1Used)
		assert.True(t, resp.TierAnalysis.Tier2Used)
		assert.Equal(t, 1, resp.TierAnalysis.Tier1Count)
		assert.Equal(t, 1, resp.TierAnalysis.Tier2Count)
		assert.False(t, resp.Cached)
	})

	t.Run("control token in the query selects control mode", func(t *testing.T) {
		store := &fakeChunkStore{
			controlResults: []models.RankedChunk{rankedChunk(chunkA, 12, models.DocTypeZKS, "POL-001")},
		}
		svc := NewSearchService(store, &fakeEmbedder{vec: []float32{1, 0}}, newSpyCache(), models.DefaultRetrievalConfig())

		resp, err := svc.Search(context.Background(), models.SearchRequest{
			Query: "How do we comply with POL-001?",
			OrgID: searchTestOrg(),
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"POL-001"}, store.controlCalls)
		assert.Empty(t, store.fullTextCalls)
		require.NotEmpty(t, resp.Results)
		assert.Equal(t, chunkA, resp.Results[0].ChunkID.String())
	})

	t.Run("explicit control id wins and is upcased", func(t *testing.T) {
		store := &fakeChunkStore{}
		svc := NewSearchService(store, &fakeEmbedder{vec: []float32{1, 0}}, newSpyCache(), models.DefaultRetrievalConfig())

		_, err := svc.Search(context.Background(), models.SearchRequest{
			Query:     "kako dokumentirati kontrolu",
			ControlID: "nadz-042",
			OrgID:     searchTestOrg(),
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"NADZ-042"}, store.controlCalls)
	})
}

func TestSearchService_ControlFocus(t *testing.T) {
	exact := func(id string, anchor int) models.RankedChunk {
		rc := rankedChunk(id, anchor, models.DocTypePrilogB, "POL-001")
		rc.ExactControlMatch = true
		return rc
	}

	t.Run("four exact matches refocus tier 2 on ZKS", func(t *testing.T) {
		store := &fakeChunkStore{
			controlResults: []models.RankedChunk{
				exact(chunkA, 1),
				exact(chunkB, 2),
				exact(chunkC, 3),
				exact("44444444-4444-4444-4444-444444444444", 4),
			},
			vectorResults:  []models.RankedChunk{rankedChunk("55555555-5555-5555-5555-555555555555", 9, models.DocTypeCustom)},
			focusedResults: []models.RankedChunk{rankedChunk("66666666-6666-6666-6666-666666666666", 30, models.DocTypeZKS)},
		}
		svc := NewSearchService(store, &fakeEmbedder{vec: []float32{1, 0}}, newSpyCache(), models.DefaultRetrievalConfig())

		resp, err := svc.Search(context.Background(), models.SearchRequest{
			Query: "POL-001", OrgID: searchTestOrg(),
		})
		require.NoError(t, err)

		require.Len(t, store.vectorFilters, 2)
		assert.Nil(t, store.vectorFilters[0])
		require.NotNil(t, store.vectorFilters[1])
		assert.Equal(t, models.DocTypeZKS, *store.vectorFilters[1])

		assert.True(t, resp.TierAnalysis.ControlFocused)
		ids := make([]string, 0, len(resp.Results))
		for _, r := range resp.Results {
			ids = append(ids, r.ChunkID.String())
		}
		assert.Contains(t, ids, "66666666-6666-6666-6666-666666666666")
		assert.NotContains(t, ids, "55555555-5555-5555-5555-555555555555")
	})

	t.Run("three exact matches leave tier 2 unfocused", func(t *testing.T) {
		store := &fakeChunkStore{
			controlResults: []models.RankedChunk{exact(chunkA, 1), exact(chunkB, 2), exact(chunkC, 3)},
			vectorResults:  []models.RankedChunk{rankedChunk("55555555-5555-5555-5555-555555555555", 9, models.DocTypeZKS)},
		}
		svc := NewSearchService(store, &fakeEmbedder{vec: []float32{1, 0}}, newSpyCache(), models.DefaultRetrievalConfig())

		resp, err := svc.Search(context.Background(), models.SearchRequest{
			Query: "POL-001", OrgID: searchTestOrg(),
		})
		require.NoError(t, err)
		require.Len(t, store.vectorFilters, 1)
		assert.Nil(t, store.vectorFilters[0])
		assert.False(t, resp.TierAnalysis.ControlFocused)
	})
}

func TestSearchService_Degradation(t *testing.T) {
	t.Run("embedder outage serves tier 1 only and skips the cache", func(t *testing.T) {
		store := &fakeChunkStore{
			fullTextResults: []models.RankedChunk{rankedChunk(chunkA, 1, models.DocTypeZKS)},
		}
		cache := newSpyCache()
		svc := NewSearchService(store, &fakeEmbedder{err: models.ErrModelUnavailable}, cache, models.DefaultRetrievalConfig())

		resp, err := svc.Search(context.Background(), models.SearchRequest{
			Query: "mjere upravljanja rizicima", OrgID: searchTestOrg(),
		})
		require.NoError(t, err)
		require.Len(t, resp.Results, 1)
		assert.Equal(t, models.TierSourceLexical, resp.Results[0].TierSource)
		assert.True(t, resp.TierAnalysis.Tier1Used)
		assert.False(t, resp.TierAnalysis.Tier2Used)
		assert.Equal(t, 0, cache.sets)
	})

	t.Run("both tiers failing is an error", func(t *testing.T) {
		store := &fakeChunkStore{fullTextErr: errors.New("connection refused")}
		svc := NewSearchService(store, &fakeEmbedder{err: models.ErrModelUnavailable}, newSpyCache(), models.DefaultRetrievalConfig())

		_, err := svc.Search(context.Background(), models.SearchRequest{
			Query: "mjere", OrgID: searchTestOrg(),
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "both tiers")
	})
}

func TestSearchService_Cache(t *testing.T) {
	store := &fakeChunkStore{
		fullTextResults: []models.RankedChunk{rankedChunk(chunkA, 1, models.DocTypeZKS)},
		vectorResults:   []models.RankedChunk{rankedChunk(chunkB, 2, models.DocTypeNIS2)},
	}
	embedder := &fakeEmbedder{vec: []float32{1, 0}}
	cache := newSpyCache()
	svc := NewSearchService(store, embedder, cache, models.DefaultRetrievalConfig())

	req := models.SearchRequest{Query: "mjere upravljanja rizicima", OrgID: searchTestOrg()}

	first, err := svc.Search(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Equal(t, 1, cache.sets)

	second, err := svc.Search(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, 1, cache.hits)

	// The second pass never touched the store or the embedder.
	assert.Len(t, store.fullTextCalls, 1)
	assert.Equal(t, 1, embedder.calls)
	assert.Equal(t, first.Results, second.Results)
	assert.Equal(t, first.TierAnalysis, second.TierAnalysis)
}

func TestSearchService_KClamping(t *testing.T) {
	tier1 := make([]models.RankedChunk, 0, 3)
	for i, id := range []string{chunkA, chunkB, chunkC} {
		tier1 = append(tier1, rankedChunk(id, i+1, models.DocTypeZKS))
	}
	store := &fakeChunkStore{fullTextResults: tier1}
	svc := NewSearchService(store, &fakeEmbedder{vec: []float32{1, 0}}, newSpyCache(), models.DefaultRetrievalConfig())

	resp, err := svc.Search(context.Background(), models.SearchRequest{
		Query: "mjere", K: 1, OrgID: searchTestOrg(),
	})
	require.NoError(t, err)
	assert.Len(t, resp.Results, 1)
}
