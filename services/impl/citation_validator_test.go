package impl

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zks-assess/models"
)

func fusedSource(title string, pageStart, pageEnd, pageAnchor int, controls ...string) models.FusedChunk {
	return models.FusedChunk{
		RankedChunk: models.RankedChunk{
			ChunkID:    uuid.New(),
			DocTitle:   title,
			PageStart:  pageStart,
			PageEnd:    pageEnd,
			PageAnchor: pageAnchor,
			ControlIDs: controls,
		},
		TierSource: models.TierSourceSemantic,
	}
}

func TestCitationValidator_PageDriftCorrection(t *testing.T) {
	v := NewCitationValidator()
	sources := []models.FusedChunk{fusedSource("ZKS Guide", 12, 14, 13)}

	report := v.Validate("Odgovor se temelji na propisu. [Source: ZKS Guide, p. 11]", sources)

	require.Len(t, report.Citations, 1)
	c := report.Citations[0]
	assert.True(t, c.Valid)
	assert.Equal(t, 11, c.CitedPage)
	assert.Equal(t, 13, c.CorrectedPage)
	assert.Equal(t, 1, report.Valid)
	assert.Equal(t, 1, report.Corrected)
	assert.Equal(t, 0, report.Rejected)
	assert.Contains(t, report.Text, "[Source: ZKS Guide, p. 13]")
	assert.NotContains(t, report.Text, "p. 11")
}

func TestCitationValidator_CroatianForm(t *testing.T) {
	v := NewCitationValidator()
	sources := []models.FusedChunk{fusedSource("ZKS Vodič", 4, 6, 5)}

	report := v.Validate("Prema vodiču [Izvor: ZKS Vodič, str. 5] obveznik mora voditi evidenciju.", sources)

	require.Len(t, report.Citations, 1)
	assert.True(t, report.Citations[0].Valid)
	assert.Equal(t, 5, report.Citations[0].CorrectedPage)
	assert.Equal(t, 0, report.Corrected)
	assert.Contains(t, report.Text, "str. 5]")
}

func TestCitationValidator_ToleranceBounds(t *testing.T) {
	v := NewCitationValidator()
	sources := []models.FusedChunk{fusedSource("Prilog B", 10, 12, 11)}

	t.Run("accepts every page within one of the range", func(t *testing.T) {
		for page := 9; page <= 13; page++ {
			text := fmt.Sprintf("Tekst [Source: Prilog B, p. %d]", page)
			report := v.Validate(text, sources)
			require.Len(t, report.Citations, 1)
			assert.True(t, report.Citations[0].Valid, "page %d", page)
			assert.Equal(t, 11, report.Citations[0].CorrectedPage, "page %d", page)
		}
	})

	t.Run("rejects outside the tolerance", func(t *testing.T) {
		report := v.Validate("Tekst [Source: Prilog B, p. 14]", sources)
		require.Len(t, report.Citations, 1)
		assert.False(t, report.Citations[0].Valid)
		assert.Equal(t, 1, report.Rejected)
		// Best guess still points at the candidate's anchor.
		assert.Equal(t, 11, report.Citations[0].CorrectedPage)
	})

	t.Run("all citations rejected flips the status to error", func(t *testing.T) {
		report := v.Validate("Tekst [Source: Prilog B, p. 14]", sources)
		assert.Equal(t, models.CitationStatusError, report.Status)
	})

	t.Run("one surviving citation keeps the report validated", func(t *testing.T) {
		text := "Ovo [Source: Prilog B, p. 11] i ono [Source: Prilog B, p. 14]."
		report := v.Validate(text, sources)
		require.Len(t, report.Citations, 2)
		assert.Equal(t, 1, report.Valid)
		assert.Equal(t, 1, report.Rejected)
		assert.Equal(t, models.CitationStatusValidated, report.Status)
	})
}

func TestCitationValidator_TitleMatching(t *testing.T) {
	v := NewCitationValidator()
	sources := []models.FusedChunk{fusedSource("Zakon o kibernetičkoj sigurnosti", 1, 3, 2)}

	t.Run("case insensitive contains", func(t *testing.T) {
		report := v.Validate("[Source: zakon o KIBERNETIČKOJ sigurnosti, p. 2]", sources)
		require.Len(t, report.Citations, 1)
		assert.True(t, report.Citations[0].Valid)
	})

	t.Run("partial title matches", func(t *testing.T) {
		report := v.Validate("[Izvor: kibernetičkoj sigurnosti, str. 2]", sources)
		require.Len(t, report.Citations, 1)
		assert.True(t, report.Citations[0].Valid)
	})

	t.Run("unknown title is rejected with cited page kept", func(t *testing.T) {
		report := v.Validate("[Source: GDPR Handbook, p. 2]", sources)
		require.Len(t, report.Citations, 1)
		assert.False(t, report.Citations[0].Valid)
		assert.Equal(t, 2, report.Citations[0].CorrectedPage)
	})
}

func TestCitationValidator_ControlIDFallback(t *testing.T) {
	v := NewCitationValidator()
	sources := []models.FusedChunk{fusedSource("Prilog B", 10, 12, 11, "POL-001")}

	t.Run("shared control id rescues a wrong page", func(t *testing.T) {
		text := "Kontrola POL-001 zahtijeva politiku. [Source: Prilog B, p. 99]"
		report := v.Validate(text, sources)

		require.Len(t, report.Citations, 1)
		assert.True(t, report.Citations[0].Valid)
		assert.Equal(t, 11, report.Citations[0].CorrectedPage)
		assert.Contains(t, report.Text, "p. 11]")
	})

	t.Run("no shared control id stays rejected", func(t *testing.T) {
		text := "Kontrola NADZ-042 zahtijeva nadzor. [Source: Prilog B, p. 99]"
		report := v.Validate(text, sources)

		require.Len(t, report.Citations, 1)
		assert.False(t, report.Citations[0].Valid)
	})
}

func TestCitationValidator_MultipleCitations(t *testing.T) {
	v := NewCitationValidator()
	sources := []models.FusedChunk{
		fusedSource("ZKS Guide", 12, 14, 13),
		fusedSource("Prilog B", 3, 5, 4),
	}

	text := "Prvo [Source: ZKS Guide, p. 12] pa zatim [Izvor: Prilog B, str. 6]."
	report := v.Validate(text, sources)

	require.Len(t, report.Citations, 2)
	assert.Equal(t, 2, report.Valid)
	assert.Equal(t, 2, report.Corrected)
	assert.Contains(t, report.Text, "[Source: ZKS Guide, p. 13]")
	assert.Contains(t, report.Text, "[Izvor: Prilog B, str. 4]")
}

func TestCitationValidator_NoSources(t *testing.T) {
	v := NewCitationValidator()

	report := v.Validate("Tekst [Source: ZKS Guide, p. 1]", nil)

	assert.Equal(t, models.CitationStatusNoSources, report.Status)
	assert.Empty(t, report.Citations)
}

func TestCitationValidator_NoCitations(t *testing.T) {
	v := NewCitationValidator()
	sources := []models.FusedChunk{fusedSource("ZKS Guide", 1, 2, 1)}

	report := v.Validate("Odgovor bez ijednog navoda.", sources)

	assert.Equal(t, models.CitationStatusValidated, report.Status)
	assert.Empty(t, report.Citations)
	assert.Equal(t, "Odgovor bez ijednog navoda.", report.Text)
}
