package impl

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/zks-assess/models"
	"github.com/zks-assess/services"
)

type chunkStoreImpl struct {
	db *gorm.DB
}

func NewChunkStore(db *gorm.DB) services.ChunkStore {
	return &chunkStoreImpl{
		db: db,
	}
}

// chunkRow is the scan target shared by all three search queries.
type chunkRow struct {
	ChunkID           uuid.UUID      `gorm:"column:chunk_id"`
	DocumentID        uuid.UUID      `gorm:"column:document_id"`
	Content           string         `gorm:"column:content"`
	DocTitle          string         `gorm:"column:doc_title"`
	DocType           models.DocType `gorm:"column:doc_type"`
	ControlIDs        datatypes.JSON `gorm:"column:control_ids"`
	PageAnchor        int            `gorm:"column:page_anchor"`
	PageStart         int            `gorm:"column:page_start"`
	PageEnd           int            `gorm:"column:page_end"`
	Language          string         `gorm:"column:language"`
	Score             float64        `gorm:"column:score"`
	ExactControlMatch bool           `gorm:"column:exact_control_match"`
}

// selectColumns projects the chunk columns every search query returns; the
// caller appends its own score and exact_control_match expressions.
const selectColumns = `
	c.id AS chunk_id,
	c.processed_document_id AS document_id,
	c.content,
	d.title AS doc_title,
	c.doc_type,
	c.control_ids,
	c.page_anchor,
	c.page_start,
	c.page_end,
	COALESCE(c.chunk_metadata->>'language', 'hr') AS language`

// scopeClause restricts reads to the caller's organization plus, optionally,
// the shared global corpus. Every search query must include it.
func scopeClause(scope services.ChunkScope) (string, []interface{}) {
	if scope.IncludeGlobal {
		return "(d.organization_id = ? OR d.is_global = true)", []interface{}{scope.OrganizationID}
	}
	return "d.organization_id = ?", []interface{}{scope.OrganizationID}
}

func (s *chunkStoreImpl) ReplaceChunks(ctx context.Context, documentID uuid.UUID, chunks []models.DocumentChunk) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("processed_document_id = ?", documentID).Delete(&models.DocumentChunk{}).Error; err != nil {
			return fmt.Errorf("failed to delete existing chunks: %w", err)
		}
		if len(chunks) == 0 {
			return nil
		}
		if err := tx.CreateInBatches(chunks, 200).Error; err != nil {
			return fmt.Errorf("failed to insert chunks: %w", err)
		}
		return nil
	})
}

func (s *chunkStoreImpl) DeleteByDocument(ctx context.Context, documentID uuid.UUID) error {
	if err := s.db.WithContext(ctx).Where("processed_document_id = ?", documentID).Delete(&models.DocumentChunk{}).Error; err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	return nil
}

func (s *chunkStoreImpl) GetChunksByDocument(ctx context.Context, documentID uuid.UUID) ([]models.DocumentChunk, error) {
	var chunks []models.DocumentChunk
	if err := s.db.WithContext(ctx).
		Where("processed_document_id = ?", documentID).
		Order("chunk_index ASC").
		Find(&chunks).Error; err != nil {
		return nil, fmt.Errorf("failed to load chunks: %w", err)
	}
	return chunks, nil
}

func (s *chunkStoreImpl) CountChunks(ctx context.Context, documentID uuid.UUID) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&models.DocumentChunk{}).
		Where("processed_document_id = ?", documentID).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return count, nil
}

func (s *chunkStoreImpl) SearchByControlID(ctx context.Context, scope services.ChunkScope, controlID string, prefixExpansion bool, limit int) ([]models.RankedChunk, error) {
	controlID = strings.ToUpper(strings.TrimSpace(controlID))
	exactJSON := fmt.Sprintf(`["%s"]`, controlID)

	scopeSQL, args := scopeClause(scope)

	var matchSQL string
	queryArgs := []interface{}{exactJSON, exactJSON}
	if prefixExpansion {
		// POL-001 also surfaces the rest of the POL- family at half score.
		family := controlID
		if i := strings.Index(controlID, "-"); i > 0 {
			family = controlID[:i]
		}
		matchSQL = `(c.control_ids @> ?::jsonb OR EXISTS (
			SELECT 1 FROM jsonb_array_elements_text(c.control_ids) AS e(cid)
			WHERE e.cid LIKE ?
		))`
		queryArgs = append(queryArgs, exactJSON, family+"-%")
	} else {
		matchSQL = "c.control_ids @> ?::jsonb"
		queryArgs = append(queryArgs, exactJSON)
	}
	queryArgs = append(queryArgs, args...)
	queryArgs = append(queryArgs, limit)

	query := fmt.Sprintf(`
		SELECT %s,
			CASE WHEN c.control_ids @> ?::jsonb THEN 1.0 ELSE 0.5 END AS score,
			c.control_ids @> ?::jsonb AS exact_control_match
		FROM compliance.document_chunks c
		JOIN compliance.processed_documents d ON d.id = c.processed_document_id
		WHERE %s AND %s
		ORDER BY score DESC, c.page_anchor ASC, c.id ASC
		LIMIT ?`, selectColumns, matchSQL, scopeSQL)

	return s.scanRanked(ctx, query, queryArgs...)
}

func (s *chunkStoreImpl) SearchFullText(ctx context.Context, scope services.ChunkScope, query string, limit int) ([]models.RankedChunk, error) {
	scopeSQL, args := scopeClause(scope)

	// The tsvector column is generated with the 'simple' configuration:
	// Postgres ships no Croatian stemmer, and 'simple' keeps hr/en corpora
	// searchable with plain token matching.
	sql := fmt.Sprintf(`
		SELECT %s,
			ts_rank_cd(c.content_tsvector, plainto_tsquery('simple', ?)) AS score,
			false AS exact_control_match
		FROM compliance.document_chunks c
		JOIN compliance.processed_documents d ON d.id = c.processed_document_id
		WHERE %s AND c.content_tsvector @@ plainto_tsquery('simple', ?)
		ORDER BY score DESC, c.page_anchor ASC, c.id ASC
		LIMIT ?`, selectColumns, scopeSQL)

	queryArgs := []interface{}{query}
	queryArgs = append(queryArgs, args...)
	queryArgs = append(queryArgs, query, limit)

	return s.scanRanked(ctx, sql, queryArgs...)
}

func (s *chunkStoreImpl) SearchByVector(ctx context.Context, scope services.ChunkScope, embedding []float32, limit int, docTypeFilter *models.DocType, excludeIDs []uuid.UUID) ([]models.RankedChunk, error) {
	scopeSQL, args := scopeClause(scope)

	conditions := []string{scopeSQL, "c.embedding IS NOT NULL"}
	queryArgs := []interface{}{pgvector.NewVector(embedding)}
	queryArgs = append(queryArgs, args...)

	if docTypeFilter != nil {
		conditions = append(conditions, "c.doc_type = ?")
		queryArgs = append(queryArgs, *docTypeFilter)
	}
	if len(excludeIDs) > 0 {
		conditions = append(conditions, "c.id NOT IN ?")
		queryArgs = append(queryArgs, excludeIDs)
	}
	queryArgs = append(queryArgs, limit)

	// Cosine similarity scaled by the provenance boost so framework texts
	// outrank supporting standards at equal similarity.
	sql := fmt.Sprintf(`
		SELECT %s,
			(1 - (c.embedding <=> ?::vector)) * %s AS score,
			false AS exact_control_match
		FROM compliance.document_chunks c
		JOIN compliance.processed_documents d ON d.id = c.processed_document_id
		WHERE %s
		ORDER BY score DESC, c.page_anchor ASC, c.id ASC
		LIMIT ?`, selectColumns, docTypeBoostCase(), strings.Join(conditions, " AND "))

	return s.scanRanked(ctx, sql, queryArgs...)
}

func (s *chunkStoreImpl) scanRanked(ctx context.Context, query string, args ...interface{}) ([]models.RankedChunk, error) {
	var rows []chunkRow
	if err := s.db.WithContext(ctx).Raw(query, args...).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("chunk search failed: %w", err)
	}

	ranked := make([]models.RankedChunk, len(rows))
	for i, row := range rows {
		ranked[i] = models.RankedChunk{
			ChunkID:           row.ChunkID,
			DocumentID:        row.DocumentID,
			Content:           row.Content,
			DocTitle:          row.DocTitle,
			DocType:           row.DocType,
			ControlIDs:        models.StringsFromJSON(row.ControlIDs),
			PageAnchor:        row.PageAnchor,
			PageStart:         row.PageStart,
			PageEnd:           row.PageEnd,
			Language:          row.Language,
			Score:             row.Score,
			ExactControlMatch: row.ExactControlMatch,
		}
	}
	return ranked, nil
}

// EnsureSearchObjects creates the database objects AutoMigrate cannot: the
// pgvector extension, the generated tsvector column and the search indexes.
// Idempotent; runs at startup after migration.
func EnsureSearchObjects(db *gorm.DB) error {
	statements := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		// 'simple' keeps Croatian and English corpora searchable with plain
		// token matching; Postgres ships no Croatian stemmer.
		`ALTER TABLE compliance.document_chunks
			ADD COLUMN IF NOT EXISTS content_tsvector tsvector
			GENERATED ALWAYS AS (to_tsvector('simple', content)) STORED`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_tsvector
			ON compliance.document_chunks USING gin (content_tsvector)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_control_ids
			ON compliance.document_chunks USING gin (control_ids jsonb_path_ops)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_embedding
			ON compliance.document_chunks USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_scope
			ON compliance.processed_documents (organization_id, is_global)`,
	}
	for _, stmt := range statements {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("failed to ensure search objects: %w", err)
		}
	}
	return nil
}

// docTypeBoostCase renders the boost table as a SQL CASE expression. Values
// come from the same table the Go side uses, so the two cannot diverge.
func docTypeBoostCase() string {
	var b strings.Builder
	b.WriteString("CASE c.doc_type ")
	for _, dt := range models.AllDocTypes {
		fmt.Fprintf(&b, "WHEN '%s' THEN %.2f ", dt, models.DocTypeBoost(dt))
	}
	fmt.Fprintf(&b, "ELSE %.2f END", models.DocTypeBoost(models.DocTypeCustom))
	return b.String()
}
