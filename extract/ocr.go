package extract

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/ancrage-ai/ancrage/internal/apperr"
	"github.com/ancrage-ai/ancrage/llm"
)

// ocrPrompt asks the vision model for structured markdown so headings
// and tables survive into chunking.
const ocrPrompt = `Extrais tout le texte de ce document. Préserve la structure :
- les tableaux en tableaux markdown
- les titres avec des niveaux de titre markdown (#, ##, ...)
- les listes au format markdown
- les schémas décrits dans des blocs [Schéma : ...]
- la numérotation des articles et sections`

// VisionOCR extracts text from scanned documents through a vision LLM.
// It implements OCRClient.
type VisionOCR struct {
	provider  llm.VisionProvider
	maxTokens int
}

func NewVisionOCR(provider llm.VisionProvider) *VisionOCR {
	return &VisionOCR{provider: provider, maxTokens: 4096}
}

func (o *VisionOCR) ExtractText(ctx context.Context, data []byte, mimeType string) (string, error) {
	b64 := base64.StdEncoding.EncodeToString(data)

	resp, err := o.provider.ChatWithImages(ctx, llm.VisionChatRequest{
		Messages: []llm.VisionMessage{
			{
				Role: "user",
				Content: []llm.ContentPart{
					{Type: "text", Text: ocrPrompt},
					{
						Type:     "image_url",
						ImageURL: &llm.ImageURL{URL: "data:" + mimeType + ";base64," + b64},
					},
				},
			},
		},
		MaxTokens: o.maxTokens,
	})
	if err != nil {
		return "", apperr.E(apperr.KindTransient, "ocr",
			fmt.Errorf("%w: %v", apperr.ErrExtractionFailed, err))
	}
	return resp.Content, nil
}

// extractImage handles raster uploads (scans, photos of documents).
// There is no native text path; without OCR the result is an empty
// fallback that validation downstream rejects.
func (e *Extractor) extractImage(ctx context.Context, data []byte, ext string) (*Result, error) {
	if e.ocr == nil {
		e.log.Warn("image upload without ocr client", "extension", ext)
		return &Result{Method: MethodFallback, PageCount: 1, HasImages: true, ImageCount: 1}, nil
	}

	text, err := e.ocr.ExtractText(ctx, data, imageMIME(ext))
	if err != nil {
		if apperr.Retriable(err) {
			return nil, err
		}
		return &Result{Method: MethodFallback, PageCount: 1, HasImages: true, ImageCount: 1}, nil
	}

	text = strings.TrimSpace(text)
	return &Result{
		Text:       text,
		Method:     MethodOCR,
		PageCount:  1,
		HasImages:  true,
		ImageCount: 1,
		Pages:      []PageText{{Number: 1, Text: text}},
	}, nil
}

func imageMIME(ext string) string {
	switch strings.ToLower(ext) {
	case "png":
		return "image/png"
	case "jpg", "jpeg":
		return "image/jpeg"
	case "tiff", "tif":
		return "image/tiff"
	default:
		return "application/octet-stream"
	}
}
