package impl

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zks-assess/models"
	"github.com/zks-assess/services"
)

type stubDocumentRows struct {
	doc         *models.ProcessedDocument
	statuses    []models.DocumentStatus
	diagnostics []map[string]interface{}
}

func (s *stubDocumentRows) Load(ctx context.Context, documentID uuid.UUID) (*models.ProcessedDocument, error) {
	if s.doc == nil || s.doc.ID != documentID {
		return nil, fmt.Errorf("document %s: %w", documentID, models.ErrNotFound)
	}
	copied := *s.doc
	return &copied, nil
}

func (s *stubDocumentRows) SetStatus(ctx context.Context, documentID uuid.UUID, status models.DocumentStatus, diagnostics map[string]interface{}) error {
	s.statuses = append(s.statuses, status)
	s.diagnostics = append(s.diagnostics, diagnostics)
	return nil
}

// recordingChunkStore keeps the last replaced chunk set per document, the
// same swap semantics the Postgres store implements transactionally.
type recordingChunkStore struct {
	chunks       map[uuid.UUID][]models.DocumentChunk
	replaceCalls int
}

var _ services.ChunkStore = (*recordingChunkStore)(nil)

func newRecordingChunkStore() *recordingChunkStore {
	return &recordingChunkStore{chunks: map[uuid.UUID][]models.DocumentChunk{}}
}

func (r *recordingChunkStore) ReplaceChunks(ctx context.Context, documentID uuid.UUID, chunks []models.DocumentChunk) error {
	r.replaceCalls++
	stored := make([]models.DocumentChunk, len(chunks))
	copy(stored, chunks)
	r.chunks[documentID] = stored
	return nil
}

func (r *recordingChunkStore) DeleteByDocument(ctx context.Context, documentID uuid.UUID) error {
	delete(r.chunks, documentID)
	return nil
}

func (r *recordingChunkStore) GetChunksByDocument(ctx context.Context, documentID uuid.UUID) ([]models.DocumentChunk, error) {
	return r.chunks[documentID], nil
}

func (r *recordingChunkStore) CountChunks(ctx context.Context, documentID uuid.UUID) (int64, error) {
	return int64(len(r.chunks[documentID])), nil
}

func (r *recordingChunkStore) SearchByControlID(ctx context.Context, scope services.ChunkScope, controlID string, prefixExpansion bool, limit int) ([]models.RankedChunk, error) {
	return nil, nil
}

func (r *recordingChunkStore) SearchFullText(ctx context.Context, scope services.ChunkScope, query string, limit int) ([]models.RankedChunk, error) {
	return nil, nil
}

func (r *recordingChunkStore) SearchByVector(ctx context.Context, scope services.ChunkScope, embedding []float32, limit int, docTypeFilter *models.DocType, excludeIDs []uuid.UUID) ([]models.RankedChunk, error) {
	return nil, nil
}

type stubExtractor struct {
	pages []models.PageText
	err   error
}

func (s *stubExtractor) Extract(data []byte, mimeType string) ([]models.PageText, error) {
	return s.pages, s.err
}

type stubDraftChunker struct {
	drafts []models.ChunkDraft
}

func (s *stubDraftChunker) Chunk(pages []models.PageText, fileName string, docType models.DocType) []models.ChunkDraft {
	return s.drafts
}

type ingestEmbedder struct {
	batches int
}

func (e *ingestEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.batches++
	vectors := make([][]float32, len(texts))
	for i := range texts {
		vectors[i] = []float32{float32(i), 1, 0, 0}
	}
	return vectors, nil
}

func (e *ingestEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0, 0, 0}, nil
}

func (e *ingestEmbedder) Dimension() int    { return 4 }
func (e *ingestEmbedder) ModelName() string { return "e5-test" }

func ingestionDrafts() []models.ChunkDraft {
	return []models.ChunkDraft{
		{Content: "Politika informacijske sigurnosti.", PageStart: 1, PageEnd: 1, PageAnchor: 1, ControlIDs: []string{"POL-001"}, DocType: models.DocTypeZKS, Language: "hr"},
		{Content: "Upravljanje pristupom i ovlastima.", PageStart: 1, PageEnd: 2, PageAnchor: 2, ControlIDs: []string{"TEH-001"}, DocType: models.DocTypeZKS, Language: "hr"},
		{Content: "Nadzor i revizija sustava.", PageStart: 2, PageEnd: 2, PageAnchor: 2, DocType: models.DocTypeZKS, Language: "hr"},
	}
}

type ingestionFixture struct {
	svc      *ingestionServiceImpl
	rows     *stubDocumentRows
	store    *recordingChunkStore
	extract  *stubExtractor
	chunker  *stubDraftChunker
	embedder *ingestEmbedder
	cache    *spyCache
	doc      *models.ProcessedDocument
}

func newIngestionFixture(t *testing.T) *ingestionFixture {
	t.Helper()

	path := filepath.Join(t.TempDir(), "politika.txt")
	require.NoError(t, os.WriteFile(path, []byte("Politika informacijske sigurnosti."), 0o644))

	metadata, err := models.ConvertToJSON(map[string]interface{}{"file_path": path})
	require.NoError(t, err)

	doc := &models.ProcessedDocument{
		ID:                 uuid.New(),
		Title:              "Politika informacijske sigurnosti",
		FileName:           "politika.txt",
		MimeType:           "text/plain",
		DocumentType:       models.DocTypeZKS,
		Source:             "upload",
		Scope:              models.DocumentScopeOrganization,
		ProcessingMetadata: metadata,
	}

	f := &ingestionFixture{
		rows:     &stubDocumentRows{doc: doc},
		store:    newRecordingChunkStore(),
		extract:  &stubExtractor{pages: []models.PageText{{PageNumber: 1, Text: "Politika."}, {PageNumber: 2, Text: "Nadzor."}}},
		chunker:  &stubDraftChunker{drafts: ingestionDrafts()},
		embedder: &ingestEmbedder{},
		cache:    newSpyCache(),
		doc:      doc,
	}
	f.svc = &ingestionServiceImpl{
		docs:     f.rows,
		store:    f.store,
		extract:  f.extract,
		chunker:  f.chunker,
		embedder: f.embedder,
		cache:    f.cache,
	}
	return f
}

func TestIngestionService_ProcessDocument(t *testing.T) {
	f := newIngestionFixture(t)

	require.NoError(t, f.svc.ProcessDocument(context.Background(), f.doc.ID))

	chunks := f.store.chunks[f.doc.ID]
	require.Len(t, chunks, 3)
	for i, chunk := range chunks {
		assert.Equal(t, f.doc.ID, chunk.ProcessedDocumentID)
		assert.Equal(t, i, chunk.ChunkIndex)
		assert.Equal(t, ingestionDrafts()[i].Content, chunk.Content)
	}
	assert.Equal(t, []string{"POL-001"}, models.StringsFromJSON(chunks[0].ControlIDs))
	assert.Equal(t, "e5-test", models.MetadataFromJSON(chunks[0].ChunkMetadata)["embedding_model"])

	require.Equal(t, []models.DocumentStatus{models.DocumentStatusProcessing, models.DocumentStatusCompleted}, f.rows.statuses)
	completed := f.rows.diagnostics[len(f.rows.diagnostics)-1]
	assert.Equal(t, 3, completed["chunk_count"])
	assert.Equal(t, 2, completed["page_count"])
}

func TestIngestionService_ReingestReplacesChunks(t *testing.T) {
	f := newIngestionFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.ProcessDocument(ctx, f.doc.ID))
	firstRun := f.store.chunks[f.doc.ID]
	require.Len(t, firstRun, 3)

	// Redelivered job: the chunk set converges, it never accumulates.
	require.NoError(t, f.svc.ProcessDocument(ctx, f.doc.ID))

	secondRun := f.store.chunks[f.doc.ID]
	require.Len(t, secondRun, 3)
	assert.Equal(t, 2, f.store.replaceCalls)
	for i := range secondRun {
		assert.Equal(t, ingestionDrafts()[i].Content, secondRun[i].Content)
		// Rows are rewritten, not reused.
		assert.NotEqual(t, firstRun[i].ID, secondRun[i].ID)
	}
}

func TestIngestionService_InvalidatesSearchCache(t *testing.T) {
	f := newIngestionFixture(t)
	ctx := context.Background()
	require.NoError(t, f.cache.SetSearchResults(ctx, "stale-query", []models.FusedChunk{{}}))

	require.NoError(t, f.svc.ProcessDocument(ctx, f.doc.ID))

	assert.Empty(t, f.cache.entries)
}

func TestIngestionService_ExtractionFailureMarksFailed(t *testing.T) {
	f := newIngestionFixture(t)
	f.extract.err = fmt.Errorf("pdf open: %w", models.ErrCorruptDocument)

	err := f.svc.ProcessDocument(context.Background(), f.doc.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrCorruptDocument))

	assert.Equal(t, 0, f.store.replaceCalls)
	require.Equal(t, []models.DocumentStatus{models.DocumentStatusProcessing, models.DocumentStatusFailed}, f.rows.statuses)
	failure := f.rows.diagnostics[len(f.rows.diagnostics)-1]
	require.NotNil(t, failure)
	assert.Contains(t, failure["error"], "pdf open")
	assert.NotEmpty(t, failure["failed_at"])
}

func TestIngestionService_EmptyChunkSetFails(t *testing.T) {
	f := newIngestionFixture(t)
	f.chunker.drafts = nil

	err := f.svc.ProcessDocument(context.Background(), f.doc.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrExtractionFailed))
	assert.Equal(t, 0, f.store.replaceCalls)
}

func TestIngestionService_MissingFilePath(t *testing.T) {
	f := newIngestionFixture(t)
	metadata, err := models.ConvertToJSON(map[string]interface{}{})
	require.NoError(t, err)
	f.doc.ProcessingMetadata = metadata

	err = f.svc.ProcessDocument(context.Background(), f.doc.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrExtractionFailed))
	assert.Equal(t, models.DocumentStatusFailed, f.rows.statuses[len(f.rows.statuses)-1])
}

func TestIngestionService_UnknownDocument(t *testing.T) {
	f := newIngestionFixture(t)

	err := f.svc.ProcessDocument(context.Background(), uuid.New())
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrNotFound))
	assert.Empty(t, f.rows.statuses)
}
