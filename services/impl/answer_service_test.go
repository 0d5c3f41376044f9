package impl

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zks-assess/models"
	"github.com/zks-assess/services"
)

type fakeSearchService struct {
	resp    *models.SearchResponse
	err     error
	calls   int
	lastReq models.SearchRequest
}

func (f *fakeSearchService) Search(ctx context.Context, req models.SearchRequest) (*models.SearchResponse, error) {
	f.calls++
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

type fakeGenerator struct {
	text       string
	err        error
	deltas     []services.GenerateDelta
	calls      int
	lastPrompt string
	lastOpts   services.GenerateOptions
}

func (f *fakeGenerator) Generate(ctx context.Context, prompt string, opts services.GenerateOptions) (string, error) {
	f.calls++
	f.lastPrompt = prompt
	f.lastOpts = opts
	if f.err != nil {
		return "", f.err
	}
	return f.text, nil
}

func (f *fakeGenerator) GenerateStream(ctx context.Context, prompt string, opts services.GenerateOptions) (<-chan services.GenerateDelta, error) {
	f.calls++
	f.lastPrompt = prompt
	f.lastOpts = opts
	if f.err != nil {
		return nil, f.err
	}
	ch := make(chan services.GenerateDelta, len(f.deltas))
	for _, d := range f.deltas {
		ch <- d
	}
	close(ch)
	return ch, nil
}

func (f *fakeGenerator) ModelName() string { return "test-generator" }

func answerTestSearchResponse() *models.SearchResponse {
	return &models.SearchResponse{
		Results: []models.FusedChunk{
			fusedSource("ZKS Guide", 12, 14, 13, "POL-001"),
			fusedSource("Prilog B", 3, 5, 4),
		},
		TierAnalysis: models.TierAnalysis{
			Tier1Used:  true,
			Tier2Used:  true,
			Tier1Count: 2,
			Tier2Count: 1,
		},
	}
}

func TestAnswerService_AnswerWithCitations(t *testing.T) {
	t.Run("returns validated answer with corrected citation", func(t *testing.T) {
		search := &fakeSearchService{resp: answerTestSearchResponse()}
		generator := &fakeGenerator{text: "Obveznik provodi mjere. [Source: ZKS Guide, p. 11]"}
		svc := NewAnswerService(search, generator)

		resp, err := svc.AnswerWithCitations(context.Background(), models.AnswerRequest{
			Query:    "Koje mjere provodi obveznik?",
			Language: "hr",
		})

		require.NoError(t, err)
		assert.Equal(t, models.CitationStatusValidated, resp.ValidationStatus)
		assert.Contains(t, resp.Response, "[Source: ZKS Guide, p. 13]")
		require.Len(t, resp.Citations, 1)
		assert.Equal(t, 13, resp.Citations[0].CorrectedPage)
		assert.Len(t, resp.SourceChunks, 2)
		assert.Equal(t, search.resp.TierAnalysis, resp.TierAnalysis)
	})

	t.Run("passes retrieval parameters through", func(t *testing.T) {
		search := &fakeSearchService{resp: answerTestSearchResponse()}
		generator := &fakeGenerator{text: "Odgovor."}
		svc := NewAnswerService(search, generator)

		_, err := svc.AnswerWithCitations(context.Background(), models.AnswerRequest{
			Query:     "Što zahtijeva POL-001?",
			ControlID: "POL-001",
			OrgID:     searchTestOrg(),
		})

		require.NoError(t, err)
		assert.Equal(t, "Što zahtijeva POL-001?", search.lastReq.Query)
		assert.Equal(t, "POL-001", search.lastReq.ControlID)
		assert.Equal(t, searchTestOrg(), search.lastReq.OrgID)
		assert.Equal(t, defaultMaxSources, search.lastReq.K)
	})

	t.Run("max sources overrides the retrieval k", func(t *testing.T) {
		search := &fakeSearchService{resp: answerTestSearchResponse()}
		generator := &fakeGenerator{text: "Odgovor."}
		svc := NewAnswerService(search, generator)

		_, err := svc.AnswerWithCitations(context.Background(), models.AnswerRequest{
			Query:      "upit",
			MaxSources: 3,
		})

		require.NoError(t, err)
		assert.Equal(t, 3, search.lastReq.K)
	})

	t.Run("no retrieved sources skips generation", func(t *testing.T) {
		search := &fakeSearchService{resp: &models.SearchResponse{Results: []models.FusedChunk{}}}
		generator := &fakeGenerator{text: "should never be used"}
		svc := NewAnswerService(search, generator)

		resp, err := svc.AnswerWithCitations(context.Background(), models.AnswerRequest{Query: "upit", Language: "hr"})

		require.NoError(t, err)
		assert.Equal(t, models.CitationStatusNoSources, resp.ValidationStatus)
		assert.Contains(t, resp.Response, "nisu pronađeni relevantni izvori")
		assert.Empty(t, resp.SourceChunks)
		assert.Equal(t, 0, generator.calls)
	})

	t.Run("english no-sources message", func(t *testing.T) {
		search := &fakeSearchService{resp: &models.SearchResponse{}}
		generator := &fakeGenerator{}
		svc := NewAnswerService(search, generator)

		resp, err := svc.AnswerWithCitations(context.Background(), models.AnswerRequest{Query: "query", Language: "en"})

		require.NoError(t, err)
		assert.Contains(t, resp.Response, "No relevant sources were found")
	})

	t.Run("search failure propagates", func(t *testing.T) {
		search := &fakeSearchService{err: errors.New("retrieval failed on both tiers")}
		svc := NewAnswerService(search, &fakeGenerator{})

		_, err := svc.AnswerWithCitations(context.Background(), models.AnswerRequest{Query: "upit"})
		assert.Error(t, err)
	})

	t.Run("generation failure propagates model unavailability", func(t *testing.T) {
		search := &fakeSearchService{resp: answerTestSearchResponse()}
		generator := &fakeGenerator{err: models.ErrModelUnavailable}
		svc := NewAnswerService(search, generator)

		_, err := svc.AnswerWithCitations(context.Background(), models.AnswerRequest{Query: "upit"})
		assert.ErrorIs(t, err, models.ErrModelUnavailable)
	})
}

func TestBuildAnswerPrompt(t *testing.T) {
	sources := answerTestSearchResponse().Results

	t.Run("croatian citation instruction", func(t *testing.T) {
		prompt := buildAnswerPrompt("Koje su obveze?", "hr", sources)

		assert.Contains(t, prompt, "CONTEXT SOURCES:")
		assert.Contains(t, prompt, "--- Source 1: ZKS Guide")
		assert.Contains(t, prompt, "page 13")
		assert.Contains(t, prompt, "Controls: POL-001")
		assert.Contains(t, prompt, "--- Source 2: Prilog B")
		assert.Contains(t, prompt, "QUESTION:\nKoje su obveze?")
		assert.Contains(t, prompt, "[Izvor: <naslov dokumenta>, str. <stranica>]")
		assert.NotContains(t, prompt, "[Source: <document title>")
	})

	t.Run("english citation instruction", func(t *testing.T) {
		prompt := buildAnswerPrompt("What applies?", "en", sources)

		assert.Contains(t, prompt, "[Source: <document title>, p. <page>]")
		assert.NotContains(t, prompt, "[Izvor:")
	})
}

func collectStreamEvents(t *testing.T, events <-chan models.StreamEvent) []models.StreamEvent {
	t.Helper()
	var got []models.StreamEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return got
			}
			got = append(got, ev)
		case <-timeout:
			t.Fatal("stream did not close in time")
		}
	}
}

func TestAnswerService_StreamAnswer(t *testing.T) {
	t.Run("streams content then validated metadata then done", func(t *testing.T) {
		search := &fakeSearchService{resp: answerTestSearchResponse()}
		generator := &fakeGenerator{deltas: []services.GenerateDelta{
			{Content: "Prema vodiču obveznik provodi mjere. "},
			{Content: "[Izvor: ZKS Guide, str. 11]"},
			{Done: true},
		}}
		svc := NewAnswerService(search, generator)

		events, err := svc.StreamAnswer(context.Background(), models.AnswerRequest{Query: "upit", Language: "hr"})
		require.NoError(t, err)

		got := collectStreamEvents(t, events)
		require.Len(t, got, 4)

		assert.Equal(t, models.StreamEventContent, got[0].Type)
		assert.Equal(t, models.StreamEventContent, got[1].Type)
		assert.Equal(t, "[Izvor: ZKS Guide, str. 11]", got[1].Content)

		require.Equal(t, models.StreamEventMetadata, got[2].Type)
		require.NotNil(t, got[2].Metadata)
		assert.Equal(t, models.CitationStatusValidated, got[2].Metadata.ValidationStatus)
		assert.Contains(t, got[2].Metadata.Response, "[Izvor: ZKS Guide, str. 13]")
		require.Len(t, got[2].Metadata.Citations, 1)
		assert.Equal(t, 13, got[2].Metadata.Citations[0].CorrectedPage)

		assert.Equal(t, models.StreamEventDone, got[3].Type)
		for _, ev := range got {
			assert.Positive(t, ev.Timestamp)
		}
	})

	t.Run("mid-stream failure ends with an error event", func(t *testing.T) {
		search := &fakeSearchService{resp: answerTestSearchResponse()}
		generator := &fakeGenerator{deltas: []services.GenerateDelta{
			{Content: "Prvi dio "},
			{Err: errors.New("generation stream interrupted")},
		}}
		svc := NewAnswerService(search, generator)

		events, err := svc.StreamAnswer(context.Background(), models.AnswerRequest{Query: "upit"})
		require.NoError(t, err)

		got := collectStreamEvents(t, events)
		require.Len(t, got, 2)
		assert.Equal(t, models.StreamEventContent, got[0].Type)
		assert.Equal(t, models.StreamEventError, got[1].Type)
		assert.Contains(t, got[1].Error, "interrupted")
	})

	t.Run("no sources streams the refusal with metadata", func(t *testing.T) {
		search := &fakeSearchService{resp: &models.SearchResponse{}}
		generator := &fakeGenerator{}
		svc := NewAnswerService(search, generator)

		events, err := svc.StreamAnswer(context.Background(), models.AnswerRequest{Query: "upit", Language: "en"})
		require.NoError(t, err)

		got := collectStreamEvents(t, events)
		require.Len(t, got, 3)
		assert.Equal(t, models.StreamEventContent, got[0].Type)
		assert.True(t, strings.HasPrefix(got[0].Content, "No relevant sources"))
		require.Equal(t, models.StreamEventMetadata, got[1].Type)
		assert.Equal(t, models.CitationStatusNoSources, got[1].Metadata.ValidationStatus)
		assert.Equal(t, models.StreamEventDone, got[2].Type)
		assert.Equal(t, 0, generator.calls)
	})

	t.Run("synchronous generator failure returns an error", func(t *testing.T) {
		search := &fakeSearchService{resp: answerTestSearchResponse()}
		generator := &fakeGenerator{err: models.ErrModelUnavailable}
		svc := NewAnswerService(search, generator)

		events, err := svc.StreamAnswer(context.Background(), models.AnswerRequest{Query: "upit"})
		assert.ErrorIs(t, err, models.ErrModelUnavailable)
		assert.Nil(t, events)
	})
}
