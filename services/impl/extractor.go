package impl

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"github.com/zks-assess/models"
	"github.com/zks-assess/services"
)

// syntheticPageSize is the approximate character budget of one synthesized
// page for formats without intrinsic pagination (DOCX, TXT).
const syntheticPageSize = 2500

type textExtractor struct{}

// NewTextExtractor creates the extractor for PDF, DOCX and plain text.
func NewTextExtractor() services.TextExtractor {
	return &textExtractor{}
}

func (e *textExtractor) Extract(data []byte, mimeType string) ([]models.PageText, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty document: %w", models.ErrCorruptDocument)
	}

	// Strip charset and other parameters.
	if idx := strings.Index(mimeType, ";"); idx >= 0 {
		mimeType = mimeType[:idx]
	}
	mimeType = strings.TrimSpace(strings.ToLower(mimeType))

	switch mimeType {
	case "application/pdf":
		return extractPDF(data)
	case "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		"application/msword":
		// Legacy binary .doc is not parseable here; modern uploads under the
		// msword MIME are almost always zip-packaged DOCX.
		return extractDOCX(data)
	case "text/plain":
		return extractPlainText(data)
	default:
		return nil, fmt.Errorf("mime type %q: %w", mimeType, models.ErrUnsupportedFormat)
	}
}

// extractPDF reads per-page plain text. The pdf library panics on some
// malformed inputs, so the whole pass runs under a recover.
func extractPDF(data []byte) (pages []models.PageText, err error) {
	defer func() {
		if r := recover(); r != nil {
			pages = nil
			err = fmt.Errorf("pdf parse panic: %v: %w", r, models.ErrCorruptDocument)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("pdf open: %v: %w", err, models.ErrCorruptDocument)
	}

	total := reader.NumPage()
	if total == 0 {
		return nil, fmt.Errorf("pdf has no pages: %w", models.ErrExtractionFailed)
	}

	pages = make([]models.PageText, 0, total)
	for num := 1; num <= total; num++ {
		page := reader.Page(num)
		if page.V.IsNull() {
			continue
		}
		text, perr := page.GetPlainText(nil)
		if perr != nil {
			// A single unreadable page does not fail the document.
			continue
		}
		pages = append(pages, models.PageText{
			PageNumber: num,
			Text:       normalizeText(text),
		})
	}

	if !hasExtractableText(pages) {
		return nil, fmt.Errorf("pdf yielded no text: %w", models.ErrExtractionFailed)
	}
	return pages, nil
}

// docx XML shapes; only the text-bearing elements are mapped.
type docxDocument struct {
	Body docxBody `xml:"body"`
}

type docxBody struct {
	Paragraphs []docxParagraph `xml:"p"`
}

type docxParagraph struct {
	Runs []docxRun `xml:"r"`
}

type docxRun struct {
	Texts  []string   `xml:"t"`
	Tabs   []struct{} `xml:"tab"`
	Breaks []struct{} `xml:"br"`
}

func extractDOCX(data []byte) ([]models.PageText, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("docx open: %v: %w", err, models.ErrUnsupportedFormat)
	}

	var docFile *zip.File
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			docFile = f
			break
		}
	}
	if docFile == nil {
		return nil, fmt.Errorf("docx missing word/document.xml: %w", models.ErrCorruptDocument)
	}

	rc, err := docFile.Open()
	if err != nil {
		return nil, fmt.Errorf("docx document.xml open: %v: %w", err, models.ErrCorruptDocument)
	}
	defer rc.Close()

	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("docx document.xml read: %v: %w", err, models.ErrCorruptDocument)
	}

	var doc docxDocument
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("docx xml parse: %v: %w", err, models.ErrCorruptDocument)
	}

	var sb strings.Builder
	for _, p := range doc.Body.Paragraphs {
		var line strings.Builder
		for _, r := range p.Runs {
			for range r.Tabs {
				line.WriteByte('\t')
			}
			for _, t := range r.Texts {
				line.WriteString(t)
			}
			for range r.Breaks {
				line.WriteByte('\n')
			}
		}
		sb.WriteString(strings.TrimRight(line.String(), " \t"))
		sb.WriteString("\n\n")
	}

	text := normalizeText(sb.String())
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("docx yielded no text: %w", models.ErrExtractionFailed)
	}
	return synthesizePages(text), nil
}

func extractPlainText(data []byte) ([]models.PageText, error) {
	if !utf8.Valid(data) {
		// Salvage what we can; invalid sequences become replacement runes.
		data = bytes.ToValidUTF8(data, []byte("�"))
	}
	text := normalizeText(string(data))
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("plain text yielded no text: %w", models.ErrExtractionFailed)
	}
	return synthesizePages(text), nil
}

// synthesizePages splits paginationless text into ~2,500-char 1-indexed
// pages along paragraph boundaries. Oversized single paragraphs occupy a
// page on their own rather than being split mid-paragraph.
func synthesizePages(text string) []models.PageText {
	paragraphs := strings.Split(text, "\n\n")

	var pages []models.PageText
	var current strings.Builder
	flush := func() {
		if current.Len() == 0 {
			return
		}
		pages = append(pages, models.PageText{
			PageNumber: len(pages) + 1,
			Text:       strings.TrimSpace(current.String()),
		})
		current.Reset()
	}

	for _, para := range paragraphs {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if current.Len() > 0 && current.Len()+len(para)+2 > syntheticPageSize {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
	}
	flush()

	if len(pages) == 0 {
		pages = append(pages, models.PageText{PageNumber: 1, Text: strings.TrimSpace(text)})
	}
	return pages
}

// normalizeText collapses Windows line endings and strips NUL bytes, which
// Postgres text columns reject.
func normalizeText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = strings.ReplaceAll(s, "\x00", "")
	return s
}

func hasExtractableText(pages []models.PageText) bool {
	for _, p := range pages {
		if strings.TrimSpace(p.Text) != "" {
			return true
		}
	}
	return false
}
