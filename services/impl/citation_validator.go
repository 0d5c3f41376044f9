package impl

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/zks-assess/models"
)

// citationPattern matches both citation forms emitted by the generator:
// [Source: <title>, p. <n>] and [Izvor: <title>, str. <n>]. The title is
// matched lazily so commas inside document titles survive.
var citationPattern = regexp.MustCompile(`\[(?:Source|Izvor):\s*(.+?),\s*(?:p|str)\.\s*(\d+)\s*\]`)

// citationContextWindow is how far around a citation the validator looks for
// control ids when page matching fails.
const citationContextWindow = 150

// CitationValidator checks citations in generated text against the source
// chunks actually supplied to the generator. It corrects page drift within
// one page of the chunk's range and substitutes the canonical page anchor;
// it never invents a source that was not retrieved.
type CitationValidator struct{}

func NewCitationValidator() *CitationValidator {
	return &CitationValidator{}
}

// Validate extracts all citations, validates each against the sources and
// rewrites valid ones onto their canonical page anchor.
func (v *CitationValidator) Validate(text string, sources []models.FusedChunk) models.CitationReport {
	report := models.CitationReport{
		Text:      text,
		Citations: []models.Citation{},
		Status:    models.CitationStatusValidated,
	}
	if len(sources) == 0 {
		report.Status = models.CitationStatusNoSources
		return report
	}

	matches := citationPattern.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return report
	}

	for _, m := range matches {
		raw := text[m[0]:m[1]]
		title := strings.TrimSpace(text[m[2]:m[3]])
		page, err := strconv.Atoi(text[m[4]:m[5]])
		if err != nil {
			continue
		}

		citation := models.Citation{
			Raw:       raw,
			DocTitle:  title,
			CitedPage: page,
			Position:  m[0],
		}
		v.resolve(&citation, text, sources)
		report.Citations = append(report.Citations, citation)

		if citation.Valid {
			report.Valid++
			if citation.CorrectedPage != citation.CitedPage {
				report.Corrected++
			}
		} else {
			report.Rejected++
		}
	}

	// An answer whose every citation failed validation is not grounded in
	// the retrieved sources at all.
	if report.Rejected > 0 && report.Valid == 0 {
		report.Status = models.CitationStatusError
	}

	report.Text = v.rewrite(text, report.Citations)
	return report
}

// resolve finds the cited chunk among the sources. Page tolerance is one
// page on either side of the chunk's range; failing that, a shared control
// id in the citation's surrounding text still identifies the chunk.
func (v *CitationValidator) resolve(c *models.Citation, text string, sources []models.FusedChunk) {
	candidates := titleCandidates(c.DocTitle, sources)
	if len(candidates) == 0 {
		c.Valid = false
		c.CorrectedPage = c.CitedPage
		return
	}

	best := -1
	bestDist := 0
	for i, cand := range candidates {
		if c.CitedPage < cand.PageStart-1 || c.CitedPage > cand.PageEnd+1 {
			continue
		}
		dist := absInt(c.CitedPage - cand.PageAnchor)
		if best == -1 || dist < bestDist ||
			(dist == bestDist && cand.PageAnchor < candidates[best].PageAnchor) {
			best = i
			bestDist = dist
		}
	}
	if best >= 0 {
		c.Valid = true
		c.CorrectedPage = candidates[best].PageAnchor
		return
	}

	// Page mismatch: a control id shared between the citation's context and
	// a candidate chunk still pins the source.
	contextIDs := ExtractControlIDs(contextAround(text, c.Position))
	if len(contextIDs) > 0 {
		for _, cand := range candidates {
			if sharesControlID(contextIDs, cand.ControlIDs) {
				c.Valid = true
				c.CorrectedPage = cand.PageAnchor
				return
			}
		}
	}

	// Best guess for the caller: the first candidate's anchor.
	c.Valid = false
	c.CorrectedPage = candidates[0].PageAnchor
}

// rewrite replaces cited page numbers with canonical anchors for valid
// citations, walking backwards so positions stay correct.
func (v *CitationValidator) rewrite(text string, citations []models.Citation) string {
	for i := len(citations) - 1; i >= 0; i-- {
		c := citations[i]
		if !c.Valid || c.CorrectedPage == c.CitedPage {
			continue
		}
		corrected := rewriteCitationPage(c.Raw, c.CorrectedPage)
		text = text[:c.Position] + corrected + text[c.Position+len(c.Raw):]
	}
	return text
}

// rewriteCitationPage splices the corrected page into the raw citation using
// the digit submatch bounds.
func rewriteCitationPage(raw string, page int) string {
	m := citationPattern.FindStringSubmatchIndex(raw)
	if m == nil {
		return raw
	}
	return raw[:m[4]] + strconv.Itoa(page) + raw[m[5]:]
}

func titleCandidates(title string, sources []models.FusedChunk) []models.FusedChunk {
	needle := strings.ToLower(title)
	var out []models.FusedChunk
	for _, s := range sources {
		have := strings.ToLower(s.DocTitle)
		if have == "" {
			continue
		}
		if strings.Contains(have, needle) || strings.Contains(needle, have) {
			out = append(out, s)
		}
	}
	return out
}

func contextAround(text string, pos int) string {
	lo := pos - citationContextWindow
	if lo < 0 {
		lo = 0
	}
	hi := pos + citationContextWindow
	if hi > len(text) {
		hi = len(text)
	}
	return text[lo:hi]
}

func sharesControlID(a, b []string) bool {
	set := make(map[string]struct{}, len(a))
	for _, id := range a {
		set[id] = struct{}{}
	}
	for _, id := range b {
		if _, ok := set[id]; ok {
			return true
		}
	}
	return false
}

func absInt(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
