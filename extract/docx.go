package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/ancrage-ai/ancrage/internal/apperr"
)

// Simplified WordprocessingML structures. Only paragraphs, styles, and
// tables are read; everything else is ignored.
type docxDocument struct {
	XMLName xml.Name `xml:"document"`
	Body    docxBody `xml:"body"`
}

type docxBody struct {
	Paras  []docxPara  `xml:"p"`
	Tables []docxTable `xml:"tbl"`
}

type docxPara struct {
	PPr  *docxParaPr `xml:"pPr"`
	Runs []docxRun   `xml:"r"`
}

type docxParaPr struct {
	PStyle *docxPStyle `xml:"pStyle"`
}

type docxPStyle struct {
	Val string `xml:"val,attr"`
}

type docxRun struct {
	Text []docxText `xml:"t"`
}

type docxText struct {
	Content string `xml:",chardata"`
}

type docxTable struct {
	Rows []docxRow `xml:"tr"`
}

type docxRow struct {
	Cells []docxCell `xml:"tc"`
}

type docxCell struct {
	Paras []docxPara `xml:"p"`
}

// extractDOCX reads word/document.xml out of the OOXML container.
// Heading-styled paragraphs become markdown headings so downstream
// chunking can split on them; tables become pipe rows.
func (e *Extractor) extractDOCX(ctx context.Context, data []byte) (*Result, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, apperr.E(apperr.KindPermanent, "extract.docx",
			fmt.Errorf("%w: %v", apperr.ErrExtractionFailed, err))
	}

	docXML, err := readZipFile(zr, "word/document.xml")
	if err != nil {
		return nil, apperr.E(apperr.KindPermanent, "extract.docx",
			fmt.Errorf("%w: word/document.xml: %v", apperr.ErrExtractionFailed, err))
	}

	var doc docxDocument
	if err := xml.Unmarshal(docXML, &doc); err != nil {
		return nil, apperr.E(apperr.KindPermanent, "extract.docx",
			fmt.Errorf("%w: %v", apperr.ErrExtractionFailed, err))
	}

	var b strings.Builder
	for _, para := range doc.Body.Paras {
		text := paraText(para)
		if text == "" {
			continue
		}
		if level := headingLevel(para); level > 0 {
			b.WriteString(strings.Repeat("#", level) + " " + text + "\n\n")
		} else {
			b.WriteString(text + "\n\n")
		}
	}
	for _, tbl := range doc.Body.Tables {
		b.WriteString(tableMarkdown(tbl))
		b.WriteString("\n")
	}

	text := strings.TrimSpace(b.String())
	imageCount := countMediaImages(zr, "word/media/")

	return &Result{
		Text:       text,
		Method:     MethodText,
		HasImages:  imageCount > 0,
		ImageCount: imageCount,
	}, nil
}

func paraText(para docxPara) string {
	var b strings.Builder
	for _, run := range para.Runs {
		for _, t := range run.Text {
			b.WriteString(t.Content)
		}
	}
	return strings.TrimSpace(b.String())
}

// headingLevel returns the markdown level for a heading-styled paragraph,
// or 0 for body text.
func headingLevel(para docxPara) int {
	if para.PPr == nil || para.PPr.PStyle == nil {
		return 0
	}
	style := strings.ToLower(para.PPr.PStyle.Val)
	if strings.HasPrefix(style, "title") || strings.HasPrefix(style, "titre") {
		return 1
	}
	if !strings.HasPrefix(style, "heading") && !strings.HasPrefix(style, "titre") {
		return 0
	}
	for i := 1; i <= 6; i++ {
		if strings.Contains(style, fmt.Sprintf("%d", i)) {
			return i
		}
	}
	return 1
}

func tableMarkdown(tbl docxTable) string {
	var b strings.Builder
	for i, row := range tbl.Rows {
		cells := make([]string, 0, len(row.Cells))
		for _, cell := range row.Cells {
			var ct strings.Builder
			for _, p := range cell.Paras {
				if t := paraText(p); t != "" {
					if ct.Len() > 0 {
						ct.WriteString(" ")
					}
					ct.WriteString(t)
				}
			}
			cells = append(cells, ct.String())
		}
		b.WriteString("| " + strings.Join(cells, " | ") + " |\n")
		if i == 0 {
			seps := make([]string, len(cells))
			for j := range seps {
				seps[j] = "---"
			}
			b.WriteString("| " + strings.Join(seps, " | ") + " |\n")
		}
	}
	return b.String()
}

func readZipFile(zr *zip.Reader, name string) ([]byte, error) {
	for _, f := range zr.File {
		if f.Name == name {
			rc, err := f.Open()
			if err != nil {
				return nil, err
			}
			defer rc.Close()
			return io.ReadAll(rc)
		}
	}
	return nil, fmt.Errorf("%s not found in archive", name)
}

// countMediaImages counts embedded raster images under the given
// container prefix (word/media/, ppt/media/).
func countMediaImages(zr *zip.Reader, prefix string) int {
	n := 0
	for _, f := range zr.File {
		if !strings.HasPrefix(f.Name, prefix) {
			continue
		}
		switch strings.ToLower(path.Ext(f.Name)) {
		case ".png", ".jpg", ".jpeg", ".gif", ".bmp", ".tiff", ".tif", ".emf", ".wmf":
			n++
		}
	}
	return n
}
