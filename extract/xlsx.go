package extract

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/ancrage-ai/ancrage/internal/apperr"
)

// extractXLSX renders each sheet as a markdown table under a heading.
// Empty sheets are skipped; a workbook with no data at all is a
// permanent extraction failure.
func (e *Extractor) extractXLSX(ctx context.Context, data []byte) (*Result, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, apperr.E(apperr.KindPermanent, "extract.xlsx",
			fmt.Errorf("%w: %v", apperr.ErrExtractionFailed, err))
	}
	defer f.Close()

	pages := make([]PageText, 0, len(f.GetSheetList()))
	for i, sheet := range f.GetSheetList() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rows, err := f.GetRows(sheet)
		if err != nil || len(rows) == 0 {
			continue
		}

		var b strings.Builder
		b.WriteString("## " + sheet + "\n\n")
		for j, row := range rows {
			b.WriteString("| " + strings.Join(row, " | ") + " |\n")
			if j == 0 {
				seps := make([]string, len(row))
				for k := range seps {
					seps[k] = "---"
				}
				b.WriteString("| " + strings.Join(seps, " | ") + " |\n")
			}
		}
		pages = append(pages, PageText{Number: i + 1, Text: b.String()})
	}

	if len(pages) == 0 {
		return nil, apperr.E(apperr.KindPermanent, "extract.xlsx",
			fmt.Errorf("%w: workbook has no data", apperr.ErrEmptyDocument))
	}

	return &Result{
		Text:      joinPages(pages),
		Method:    MethodText,
		PageCount: len(pages),
		Pages:     pages,
	}, nil
}
