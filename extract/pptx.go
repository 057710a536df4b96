package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/ancrage-ai/ancrage/internal/apperr"
)

// Simplified DrawingML slide structure.
type pptxSlide struct {
	CSld struct {
		SpTree struct {
			SPs []pptxShape `xml:"sp"`
		} `xml:"spTree"`
	} `xml:"cSld"`
}

type pptxShape struct {
	TxBody *pptxTxBody `xml:"txBody"`
}

type pptxTxBody struct {
	Paras []pptxPara `xml:"p"`
}

type pptxPara struct {
	Runs []pptxRun `xml:"r"`
}

type pptxRun struct {
	Text string `xml:"t"`
}

// extractPPTX treats each slide as a page. Slides are read in numeric
// order regardless of ZIP entry ordering.
func (e *Extractor) extractPPTX(ctx context.Context, data []byte) (*Result, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, apperr.E(apperr.KindPermanent, "extract.pptx",
			fmt.Errorf("%w: %v", apperr.ErrExtractionFailed, err))
	}

	slides := make(map[int]*zip.File)
	for _, f := range zr.File {
		if strings.HasPrefix(f.Name, "ppt/slides/slide") && strings.HasSuffix(f.Name, ".xml") {
			if num := slideNumber(f.Name); num > 0 {
				slides[num] = f
			}
		}
	}

	nums := make([]int, 0, len(slides))
	for n := range slides {
		nums = append(nums, n)
	}
	sort.Ints(nums)

	pages := make([]PageText, 0, len(nums))
	for _, num := range nums {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rc, err := slides[num].Open()
		if err != nil {
			continue
		}
		slideXML, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			continue
		}
		text := slideText(slideXML)
		if text == "" {
			continue
		}
		pages = append(pages, PageText{Number: num, Text: fmt.Sprintf("## Diapositive %d\n\n%s", num, text)})
	}

	imageCount := countMediaImages(zr, "ppt/media/")
	pageCount := len(slides)
	if pageCount < 1 {
		pageCount = 1
	}

	return &Result{
		Text:       joinPages(pages),
		Method:     MethodText,
		PageCount:  pageCount,
		HasImages:  imageCount > 0,
		ImageCount: imageCount,
		Pages:      pages,
	}, nil
}

func slideText(data []byte) string {
	var slide pptxSlide
	if err := xml.Unmarshal(data, &slide); err != nil {
		return ""
	}

	var parts []string
	for _, sp := range slide.CSld.SpTree.SPs {
		if sp.TxBody == nil {
			continue
		}
		for _, para := range sp.TxBody.Paras {
			var line strings.Builder
			for _, run := range para.Runs {
				line.WriteString(run.Text)
			}
			if t := strings.TrimSpace(line.String()); t != "" {
				parts = append(parts, t)
			}
		}
	}
	return strings.Join(parts, "\n")
}

func slideNumber(name string) int {
	name = strings.TrimPrefix(name, "ppt/slides/slide")
	name = strings.TrimSuffix(name, ".xml")
	var num int
	fmt.Sscanf(name, "%d", &num)
	return num
}
