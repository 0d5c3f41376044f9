package impl

import (
	"fmt"
	"sort"
	"strings"

	"github.com/zks-assess/models"
)

// Fuser combines Tier-1 and Tier-2 ranked lists with Reciprocal Rank Fusion
// and reranks the head of the fused list by heuristic relevance signals.
// Given fixed inputs the output ordering is deterministic.
type Fuser struct {
	cfg models.RetrievalConfig
}

func NewFuser(cfg models.RetrievalConfig) *Fuser {
	if cfg.RRFK <= 0 {
		cfg = models.DefaultRetrievalConfig()
	}
	return &Fuser{cfg: cfg}
}

// Fuse merges the two tier lists keyed by (chunk_id, page_anchor), so the
// same chunk surfaced by both tiers contributes both RRF terms exactly once.
func (f *Fuser) Fuse(tier1, tier2 []models.RankedChunk) []models.FusedChunk {
	merged := make(map[string]*models.FusedChunk, len(tier1)+len(tier2))
	order := make([]string, 0, len(tier1)+len(tier2))

	for i, rc := range tier1 {
		key := fuseKey(rc)
		if existing, ok := merged[key]; ok {
			// Duplicate inside one tier keeps its best rank.
			if existing.Tier1Rank != 0 {
				continue
			}
			existing.Tier1Rank = i + 1
			continue
		}
		fc := &models.FusedChunk{
			RankedChunk: rc,
			TierSource:  models.TierSourceLexical,
			Tier1Rank:   i + 1,
		}
		merged[key] = fc
		order = append(order, key)
	}

	for i, rc := range tier2 {
		key := fuseKey(rc)
		if existing, ok := merged[key]; ok {
			if existing.Tier2Rank != 0 {
				continue
			}
			existing.Tier2Rank = i + 1
			if existing.Tier1Rank != 0 {
				existing.TierSource = models.TierSourceBoth
			}
			continue
		}
		fc := &models.FusedChunk{
			RankedChunk: rc,
			TierSource:  models.TierSourceSemantic,
			Tier2Rank:   i + 1,
		}
		merged[key] = fc
		order = append(order, key)
	}

	fused := make([]models.FusedChunk, 0, len(order))
	for _, key := range order {
		fc := merged[key]
		fc.RRFScore = f.combinedRRF(fc.Tier1Rank, fc.Tier2Rank)
		fused = append(fused, *fc)
	}

	sort.Slice(fused, func(i, j int) bool {
		if fused[i].RRFScore != fused[j].RRFScore {
			return fused[i].RRFScore > fused[j].RRFScore
		}
		return lessByIdentity(&fused[i], &fused[j])
	})
	return fused
}

// combinedRRF is w1/(k+r1) + (1-w1)/(k+r2); a missing rank contributes
// nothing, so an empty Tier 2 leaves the Tier-1 ordering intact.
func (f *Fuser) combinedRRF(tier1Rank, tier2Rank int) float64 {
	score := 0.0
	if tier1Rank > 0 {
		score += f.cfg.Tier1Weight / float64(f.cfg.RRFK+tier1Rank)
	}
	if tier2Rank > 0 {
		score += (1 - f.cfg.Tier1Weight) / float64(f.cfg.RRFK+tier2Rank)
	}
	return score
}

// Rerank boosts the top fused results by query-aware signals and returns the
// final context window of k chunks (k <= 0 uses the configured final_k). A
// caller-supplied control id participates like a control token found in the
// query.
func (f *Fuser) Rerank(query, controlID string, fused []models.FusedChunk, k int) []models.FusedChunk {
	topN := f.cfg.RerankTopN
	if topN <= 0 || topN > len(fused) {
		topN = len(fused)
	}
	head := make([]models.FusedChunk, topN)
	copy(head, fused[:topN])

	queryControls := make(map[string]struct{})
	for _, id := range ExtractControlIDs(query) {
		queryControls[id] = struct{}{}
	}
	if controlID != "" {
		queryControls[strings.ToUpper(controlID)] = struct{}{}
	}
	queryLower := strings.ToLower(query)

	for i := range head {
		head[i].FinalScore = head[i].RRFScore * f.rerankBoost(&head[i], queryControls, queryLower)
	}

	sort.Slice(head, func(i, j int) bool {
		if head[i].FinalScore != head[j].FinalScore {
			return head[i].FinalScore > head[j].FinalScore
		}
		return lessByIdentity(&head[i], &head[j])
	})

	if k <= 0 {
		k = f.cfg.FinalK
	}
	if k <= 0 || k > len(head) {
		k = len(head)
	}
	return head[:k]
}

func (f *Fuser) rerankBoost(fc *models.FusedChunk, queryControls map[string]struct{}, queryLower string) float64 {
	boost := 1.0

	if len(queryControls) > 0 {
		for _, id := range fc.ControlIDs {
			if _, ok := queryControls[id]; ok {
				boost *= 2.0
				break
			}
		}
	}

	switch fc.TierSource {
	case models.TierSourceLexical:
		boost *= 1.5
	case models.TierSourceBoth:
		boost *= 1.3
	}

	if (fc.DocType == models.DocTypeZKS || fc.DocType == models.DocTypeNIS2) &&
		strings.Contains(queryLower, "framework") {
		boost *= 1.2
	}

	if fc.DocType == models.DocTypePrilogB || fc.DocType == models.DocTypePrilogC {
		for _, term := range []string{"control", "measure", "kontrola", "mjera"} {
			if strings.Contains(queryLower, term) {
				boost *= 1.2
				break
			}
		}
	}

	return boost
}

func fuseKey(rc models.RankedChunk) string {
	return fmt.Sprintf("%s_%d", rc.ChunkID, rc.PageAnchor)
}

// lessByIdentity is the deterministic tie-break: chunk id, then page anchor.
func lessByIdentity(a, b *models.FusedChunk) bool {
	if a.ChunkID != b.ChunkID {
		return a.ChunkID.String() < b.ChunkID.String()
	}
	return a.PageAnchor < b.PageAnchor
}
