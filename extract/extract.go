// Package extract turns uploaded document bytes into plain text plus
// per-page structure, falling back to OCR when native extraction yields
// too little.
package extract

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/ancrage-ai/ancrage/internal/apperr"
)

// Extraction methods recorded on the document.
const (
	MethodText     = "text"
	MethodOCR      = "ocr"
	MethodHybrid   = "hybrid"
	MethodFallback = "fallback"
)

// minCharsPerPage is the native-text density below which a paginated
// document is considered scanned and sent to OCR.
const minCharsPerPage = 100

// charsPerPage is the assumed density for estimating page counts of
// unpaginated formats (txt, docx, xlsx).
const charsPerPage = 2500

// PageText is the extracted text of a single page or page-equivalent unit.
type PageText struct {
	Number int
	Text   string
}

// Result is the outcome of extracting one document.
type Result struct {
	Text       string
	Method     string
	PageCount  int
	HasImages  bool
	ImageCount int
	Pages      []PageText
}

// OCRClient extracts text from a document image or scanned page.
// Implementations return markdown-flavoured text.
type OCRClient interface {
	ExtractText(ctx context.Context, data []byte, mimeType string) (string, error)
}

// Extractor dispatches on file extension. OCR is optional; without it,
// low-density documents come back with Method=fallback.
type Extractor struct {
	ocr OCRClient
	log *slog.Logger
}

func New(ocr OCRClient, log *slog.Logger) *Extractor {
	if log == nil {
		log = slog.Default()
	}
	return &Extractor{ocr: ocr, log: log}
}

// SupportedExtensions lists the formats Extract accepts, lowercase
// without the leading dot.
func SupportedExtensions() []string {
	return []string{"pdf", "docx", "pptx", "xlsx", "txt", "md", "rtf", "png", "jpg", "jpeg", "tiff"}
}

// Supported reports whether ext (without dot, any case) can be extracted.
func Supported(ext string) bool {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	for _, s := range SupportedExtensions() {
		if s == ext {
			return true
		}
	}
	return false
}

// Extract produces text from raw document bytes. The returned text never
// contains NUL bytes. PageCount is at least 1 for any non-empty result.
func (e *Extractor) Extract(ctx context.Context, data []byte, ext string) (*Result, error) {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))

	var (
		res *Result
		err error
	)
	switch ext {
	case "pdf":
		res, err = e.extractPDF(ctx, data)
	case "docx":
		res, err = e.extractDOCX(ctx, data)
	case "pptx":
		res, err = e.extractPPTX(ctx, data)
	case "xlsx":
		res, err = e.extractXLSX(ctx, data)
	case "txt", "md":
		res, err = e.extractPlainText(data)
	case "rtf":
		res, err = e.extractRTF(data)
	case "png", "jpg", "jpeg", "tiff":
		res, err = e.extractImage(ctx, data, ext)
	default:
		return nil, apperr.E(apperr.KindValidation, "extract",
			fmt.Errorf("%w: .%s", apperr.ErrUnsupportedFormat, ext))
	}
	if err != nil {
		return nil, err
	}

	res.Text = sanitize(res.Text)
	for i := range res.Pages {
		res.Pages[i].Text = sanitize(res.Pages[i].Text)
	}
	if res.PageCount == 0 {
		res.PageCount = estimatePages(res.Text)
	}
	return res, nil
}

// needsOCR reports whether native extraction is too thin to trust.
func needsOCR(text string, pageCount int) bool {
	if pageCount < 1 {
		pageCount = 1
	}
	return len(strings.TrimSpace(text))/pageCount < minCharsPerPage
}

// estimatePages approximates a page count for unpaginated formats.
func estimatePages(text string) int {
	n := int(math.Ceil(float64(len(text)) / charsPerPage))
	if n < 1 {
		n = 1
	}
	return n
}

// sanitize strips NUL bytes, which SQLite text columns reject.
func sanitize(s string) string {
	if !strings.ContainsRune(s, 0) {
		return s
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// joinPages flattens per-page texts into one document string.
func joinPages(pages []PageText) string {
	parts := make([]string, 0, len(pages))
	for _, p := range pages {
		if t := strings.TrimSpace(p.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n\n")
}
