package extract

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/ancrage-ai/ancrage/internal/apperr"
)

// extractPDF walks the PDF page by page. Scanned documents yield almost
// no native text; those are handed to OCR when a client is configured.
func (e *Extractor) extractPDF(ctx context.Context, data []byte) (*Result, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, apperr.E(apperr.KindPermanent, "extract.pdf",
			fmt.Errorf("%w: %v", apperr.ErrExtractionFailed, err))
	}

	totalPages := reader.NumPage()
	pages := make([]PageText, 0, totalPages)

	for i := 1; i <= totalPages; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// Skip pages that fail to decode.
			e.log.Debug("pdf page extraction failed", "page", i, "error", err)
			continue
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		pages = append(pages, PageText{Number: i, Text: text})
	}

	native := joinPages(pages)
	res := &Result{
		Text:      native,
		Method:    MethodText,
		PageCount: totalPages,
		Pages:     pages,
	}
	if totalPages < 1 {
		res.PageCount = 1
	}

	if !needsOCR(native, res.PageCount) {
		return res, nil
	}

	if e.ocr == nil {
		res.Method = MethodFallback
		e.log.Warn("pdf has low text density and no ocr client is configured",
			"chars", len(native), "pages", res.PageCount)
		return res, nil
	}

	ocrText, err := e.ocr.ExtractText(ctx, data, "application/pdf")
	if err != nil {
		if apperr.Retriable(err) {
			return nil, err
		}
		res.Method = MethodFallback
		e.log.Warn("pdf ocr failed, keeping native text", "error", err)
		return res, nil
	}

	ocrText = strings.TrimSpace(ocrText)
	if ocrText == "" {
		res.Method = MethodFallback
		return res, nil
	}

	if native == "" {
		res.Method = MethodOCR
	} else {
		res.Method = MethodHybrid
	}
	res.Text = ocrText
	res.Pages = []PageText{{Number: 1, Text: ocrText}}
	return res, nil
}
