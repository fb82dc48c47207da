package documents

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"

	"code.sajari.com/docconv"
	"github.com/gen2brain/go-fitz"
	"golang.org/x/text/encoding/charmap"
)

// Method identifies which extraction path produced the text
type Method string

const (
	MethodPDF  Method = "pdf_text"
	MethodDOCX Method = "docx"
	MethodText Method = "text"
)

const (
	// minPageChars is the normalized length below which a page counts as empty.
	minPageChars = 20
	// ocrEmptyRatio is the share of empty pages that flags a PDF for OCR.
	ocrEmptyRatio = 0.6
)

// Page is the normalized text of one page
type Page struct {
	Number  int
	Text    string
	CharLen int
	HasText bool
}

// Extraction is the output of the Extractor
type Extraction struct {
	Method      Method
	Pages       []Page
	FullText    string
	Diagnostics Diagnostics
}

// Diagnostics is stored as the structure JSON of the extracted text
type Diagnostics struct {
	Extraction ExtractionInfo `json:"extraction"`
	Pages      []PageStat     `json:"pages"`
	Stats      Stats          `json:"stats"`
}

// ExtractionInfo records which tool ran and what went wrong
type ExtractionInfo struct {
	Method    Method   `json:"method"`
	Tool      string   `json:"tool"`
	Errors    []string `json:"errors"`
	OCRNeeded bool     `json:"ocr_needed"`
	OCRReason *string  `json:"ocr_reason"`
}

// PageStat summarises one page
type PageStat struct {
	Page    int  `json:"page"`
	CharLen int  `json:"char_len"`
	HasText bool `json:"has_text"`
}

// Stats summarises the whole document
type Stats struct {
	NumPages   int `json:"num_pages"`
	TotalChars int `json:"total_chars"`
	EmptyPages int `json:"empty_pages"`
}

// Extractor turns raw document bytes into normalized page text
type Extractor struct {
	pdf  func(data []byte) ([]string, []string, error)
	docx func(data []byte) (string, error)
}

// NewExtractor creates an extractor backed by go-fitz for PDF and docconv for DOCX
func NewExtractor() *Extractor {
	return &Extractor{pdf: fitzPages, docx: docconvText}
}

// Extract classifies the payload by content first and MIME type second. It
// never fails: parse errors fall back to plain text decoding and are
// recorded in the diagnostics.
func (e *Extractor) Extract(data []byte, mimeType string) *Extraction {
	switch sniff(data, mimeType) {
	case MethodPDF:
		ex, err := e.extractPDF(data)
		if err != nil {
			return extractPlain(data, fmt.Sprintf("PDF extraction failed: %v", err))
		}
		return ex
	case MethodDOCX:
		ex, err := e.extractDOCX(data)
		if err != nil {
			return extractPlain(data, fmt.Sprintf("DOCX extraction failed: %v", err))
		}
		return ex
	default:
		return extractPlain(data, "")
	}
}

func sniff(data []byte, mimeType string) Method {
	switch {
	case bytes.HasPrefix(data, []byte("%PDF-")):
		return MethodPDF
	case bytes.HasPrefix(data, []byte("PK")):
		return MethodDOCX
	}
	mimeType = strings.ToLower(mimeType)
	switch {
	case strings.Contains(mimeType, "pdf"):
		return MethodPDF
	case strings.Contains(mimeType, "wordprocessingml"):
		return MethodDOCX
	}
	return MethodText
}

func (e *Extractor) extractPDF(data []byte) (*Extraction, error) {
	raw, pageErrs, err := e.pdf(data)
	if err != nil {
		return nil, err
	}

	ex := newExtraction(MethodPDF, "go-fitz")
	ex.Diagnostics.Extraction.Errors = append(ex.Diagnostics.Extraction.Errors, pageErrs...)
	for i, text := range raw {
		ex.addPage(i+1, normalizeText(text))
	}
	ex.finish()

	n := ex.Diagnostics.Stats.NumPages
	empty := ex.Diagnostics.Stats.EmptyPages
	if n > 0 && float64(empty)/float64(n) >= ocrEmptyRatio {
		reason := fmt.Sprintf("%d/%d pages had little/no text", empty, n)
		ex.Diagnostics.Extraction.OCRNeeded = true
		ex.Diagnostics.Extraction.OCRReason = &reason
	}
	return ex, nil
}

func (e *Extractor) extractDOCX(data []byte) (*Extraction, error) {
	body, err := e.docx(data)
	if err != nil {
		return nil, err
	}

	var paras []string
	for _, line := range strings.Split(body, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			paras = append(paras, line)
		}
	}

	ex := newExtraction(MethodDOCX, "docconv")
	ex.addPage(1, normalizeText(strings.Join(paras, "\n\n")))
	ex.finish()
	return ex, nil
}

// extractPlain decodes UTF-8, falling back to ISO-8859-1 for invalid input
func extractPlain(data []byte, note string) *Extraction {
	tool := "utf-8"
	var text string
	if utf8.Valid(data) {
		text = string(data)
	} else {
		tool = "latin-1"
		decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(data)
		if err != nil {
			decoded = bytes.ToValidUTF8(data, nil)
		}
		text = string(decoded)
	}

	ex := newExtraction(MethodText, tool)
	if note != "" {
		ex.Diagnostics.Extraction.Errors = append(ex.Diagnostics.Extraction.Errors, note)
	}
	ex.addPage(1, normalizeText(text))
	ex.finish()
	return ex
}

func newExtraction(method Method, tool string) *Extraction {
	return &Extraction{
		Method: method,
		Diagnostics: Diagnostics{
			Extraction: ExtractionInfo{Method: method, Tool: tool, Errors: []string{}},
			Pages:      []PageStat{},
		},
	}
}

func (ex *Extraction) addPage(number int, text string) {
	n := utf8.RuneCountInString(text)
	p := Page{Number: number, Text: text, CharLen: n, HasText: n >= minPageChars}
	ex.Pages = append(ex.Pages, p)
	ex.Diagnostics.Pages = append(ex.Diagnostics.Pages, PageStat{Page: number, CharLen: n, HasText: p.HasText})
}

func (ex *Extraction) finish() {
	texts := make([]string, 0, len(ex.Pages))
	stats := Stats{NumPages: len(ex.Pages)}
	for _, p := range ex.Pages {
		stats.TotalChars += p.CharLen
		if !p.HasText {
			stats.EmptyPages++
		}
		texts = append(texts, p.Text)
	}
	ex.Diagnostics.Stats = stats
	ex.FullText = strings.TrimSpace(strings.Join(texts, "\n\n"))
}

// fitzPages extracts text page by page; a failing page yields empty text
func fitzPages(data []byte) ([]string, []string, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open PDF: %w", err)
	}
	defer doc.Close()

	pages := make([]string, doc.NumPage())
	var errs []string
	for i := range pages {
		text, err := doc.Text(i)
		if err != nil {
			errs = append(errs, fmt.Sprintf("page %d: %v", i+1, err))
			continue
		}
		pages[i] = text
	}
	return pages, errs, nil
}

func docconvText(data []byte) (string, error) {
	body, _, err := docconv.ConvertDocx(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to convert DOCX: %w", err)
	}
	return body, nil
}
