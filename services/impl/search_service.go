package impl

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zks-assess/models"
	"github.com/zks-assess/services"
)

type searchServiceImpl struct {
	store    services.ChunkStore
	embedder services.EmbeddingClient
	cache    services.CacheService
	fuser    *Fuser
	cfg      models.RetrievalConfig
}

func NewSearchService(store services.ChunkStore, embedder services.EmbeddingClient, cache services.CacheService, cfg models.RetrievalConfig) services.SearchService {
	if cfg.Tier1Limit <= 0 {
		cfg = models.DefaultRetrievalConfig()
	}
	return &searchServiceImpl{
		store:    store,
		embedder: embedder,
		cache:    cache,
		fuser:    NewFuser(cfg),
		cfg:      cfg,
	}
}

// Search runs the two-layer retrieval pipeline: Tier 1 (lexical) and Tier 2
// (semantic) in parallel, RRF fusion, then heuristic reranking down to k.
// One failed tier degrades the result set; both failing is an error.
func (s *searchServiceImpl) Search(ctx context.Context, req models.SearchRequest) (*models.SearchResponse, error) {
	start := time.Now()

	k := req.K
	if k <= 0 {
		k = s.cfg.FinalK
	}
	if k > s.cfg.RerankTopN {
		k = s.cfg.RerankTopN
	}

	scope := services.ChunkScope{OrganizationID: req.OrgID, IncludeGlobal: true}
	controlID := resolveControlID(req)

	cacheKey := SearchCacheKey(req.Query, scope, k, controlID)
	if s.cache != nil {
		if fused, ok := s.cache.GetSearchResults(ctx, cacheKey); ok {
			return s.respond(req.Query, controlID, fused, k, true, start), nil
		}
	}

	var (
		tier1     []models.RankedChunk
		tier2     []models.RankedChunk
		embedding []float32
		tier1Err  error
		tier2Err  error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Errors are captured, not returned: a failed tier must not cancel
		// its healthy sibling.
		if controlID != "" {
			tier1, tier1Err = s.store.SearchByControlID(gctx, scope, controlID, s.cfg.ControlPrefixExpansion, s.cfg.Tier1Limit)
		} else {
			tier1, tier1Err = s.store.SearchFullText(gctx, scope, req.Query, s.cfg.Tier1Limit)
		}
		return nil
	})
	g.Go(func() error {
		embedding, tier2Err = s.embedder.EmbedQuery(gctx, req.Query)
		if tier2Err != nil {
			return nil
		}
		tier2, tier2Err = s.store.SearchByVector(gctx, scope, embedding, s.cfg.Tier2Limit, nil, nil)
		return nil
	})
	_ = g.Wait()

	if tier1Err != nil && tier2Err != nil {
		return nil, fmt.Errorf("retrieval failed on both tiers: %w (tier2: %v)", tier1Err, tier2Err)
	}
	if tier1Err != nil {
		log.Printf("[SEARCH] tier1 degraded: %v", tier1Err)
		tier1 = nil
	}
	if tier2Err != nil {
		log.Printf("[SEARCH] tier2 degraded: %v", tier2Err)
		tier2 = nil
	}

	// A control-heavy Tier 1 means the catalog answered the question; point
	// Tier 2 at the framework text instead of duplicating catalog chunks.
	if tier2Err == nil && countExactMatches(tier1) >= s.cfg.ControlFocusThreshold {
		zks := models.DocTypeZKS
		focused, err := s.store.SearchByVector(ctx, scope, embedding, s.cfg.Tier2Limit, &zks, nil)
		if err == nil {
			tier2 = focused
		} else {
			log.Printf("[SEARCH] control-focused tier2 failed, keeping unfocused results: %v", err)
		}
	}

	fused := s.fuser.Fuse(tier1, tier2)

	// Degraded result sets are never cached; a cache hit always means both
	// tiers contributed.
	if s.cache != nil && tier1Err == nil && tier2Err == nil {
		if err := s.cache.SetSearchResults(ctx, cacheKey, fused); err != nil {
			log.Printf("[SEARCH] cache write failed: %v", err)
		}
	}

	return s.respond(req.Query, controlID, fused, k, false, start), nil
}

func (s *searchServiceImpl) respond(query, controlID string, fused []models.FusedChunk, k int, cached bool, start time.Time) *models.SearchResponse {
	results := s.fuser.Rerank(query, controlID, fused, k)
	return &models.SearchResponse{
		Results:      results,
		TierAnalysis: s.analyzeTiers(fused),
		Cached:       cached,
		TookMs:       time.Since(start).Milliseconds(),
	}
}

// analyzeTiers derives tier statistics from the fused list. Fusion never
// drops entries, so these counts equal the raw tier result counts.
func (s *searchServiceImpl) analyzeTiers(fused []models.FusedChunk) models.TierAnalysis {
	analysis := models.TierAnalysis{}
	exact := 0
	for i := range fused {
		switch fused[i].TierSource {
		case models.TierSourceLexical:
			analysis.Tier1Count++
		case models.TierSourceSemantic:
			analysis.Tier2Count++
		case models.TierSourceBoth:
			analysis.Tier1Count++
			analysis.Tier2Count++
		}
		if fused[i].ExactControlMatch && fused[i].TierSource != models.TierSourceSemantic {
			exact++
		}
	}
	analysis.Tier1Used = analysis.Tier1Count > 0
	analysis.Tier2Used = analysis.Tier2Count > 0
	analysis.ControlFocused = exact >= s.cfg.ControlFocusThreshold
	return analysis
}

// resolveControlID picks the Tier-1 control target: an explicit request
// parameter wins, otherwise the first control token appearing in the query.
func resolveControlID(req models.SearchRequest) string {
	if id := strings.ToUpper(strings.TrimSpace(req.ControlID)); id != "" {
		return id
	}
	return controlIDPattern.FindString(req.Query)
}

func countExactMatches(ranked []models.RankedChunk) int {
	n := 0
	for i := range ranked {
		if ranked[i].ExactControlMatch {
			n++
		}
	}
	return n
}
