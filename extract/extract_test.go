package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/xuri/excelize/v2"

	"github.com/ancrage-ai/ancrage/internal/apperr"
)

type fakeOCR struct {
	text string
	err  error
	n    int
}

func (f *fakeOCR) ExtractText(ctx context.Context, data []byte, mimeType string) (string, error) {
	f.n++
	return f.text, f.err
}

func TestSupported(t *testing.T) {
	tests := []struct {
		ext  string
		want bool
	}{
		{"pdf", true},
		{".PDF", true},
		{"docx", true},
		{"md", true},
		{"jpeg", true},
		{"exe", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := Supported(tt.ext); got != tt.want {
			t.Errorf("Supported(%q) = %v, want %v", tt.ext, got, tt.want)
		}
	}
}

func TestExtractUnsupportedExtension(t *testing.T) {
	e := New(nil, nil)
	_, err := e.Extract(context.Background(), []byte("data"), "exe")
	if !errors.Is(err, apperr.ErrUnsupportedFormat) {
		t.Fatalf("error = %v, want ErrUnsupportedFormat", err)
	}
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Errorf("kind = %v, want validation", apperr.KindOf(err))
	}
}

func TestExtractPlainText(t *testing.T) {
	e := New(nil, nil)
	res, err := e.Extract(context.Background(), []byte("  Le bail commercial dure neuf ans.  "), "txt")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if res.Text != "Le bail commercial dure neuf ans." {
		t.Errorf("text = %q", res.Text)
	}
	if res.Method != MethodText {
		t.Errorf("method = %q, want %q", res.Method, MethodText)
	}
	if res.PageCount != 1 {
		t.Errorf("page count = %d, want 1", res.PageCount)
	}
}

func TestExtractStripsNULBytes(t *testing.T) {
	e := New(nil, nil)
	res, err := e.Extract(context.Background(), []byte("avant\x00après"), "txt")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if strings.ContainsRune(res.Text, 0) {
		t.Error("text still contains NUL bytes")
	}
	if res.Text != "avantaprès" {
		t.Errorf("text = %q", res.Text)
	}
}

func TestExtractEstimatesPages(t *testing.T) {
	e := New(nil, nil)
	long := strings.Repeat("mot ", 1500) // ~6000 chars
	res, err := e.Extract(context.Background(), []byte(long), "txt")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if res.PageCount != 3 {
		t.Errorf("page count = %d, want 3", res.PageCount)
	}
}

func TestExtractRTF(t *testing.T) {
	rtf := `{\rtf1\ansi{\fonttbl{\f0 Arial;}}\f0\fs24 Article 12\par La dur\'e9e du bail.\par}`
	e := New(nil, nil)
	res, err := e.Extract(context.Background(), []byte(rtf), "rtf")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if !strings.Contains(res.Text, "Article 12") {
		t.Errorf("missing body text: %q", res.Text)
	}
	if strings.Contains(res.Text, "Arial") {
		t.Errorf("font table leaked into text: %q", res.Text)
	}
	if !strings.Contains(res.Text, "durée") {
		t.Errorf("hex escape not decoded: %q", res.Text)
	}
}

func buildDOCX(t *testing.T, documentXML string, media []string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("word/document.xml")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte(documentXML)); err != nil {
		t.Fatal(err)
	}
	for _, name := range media {
		mw, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		mw.Write([]byte("notarealimage"))
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

const docxSample = `<?xml version="1.0"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
  <w:body>
    <w:p><w:pPr><w:pStyle w:val="Heading1"/></w:pPr><w:r><w:t>Obligations du preneur</w:t></w:r></w:p>
    <w:p><w:r><w:t>Le preneur doit payer le loyer </w:t></w:r><w:r><w:t>aux termes convenus.</w:t></w:r></w:p>
    <w:p><w:pPr><w:pStyle w:val="Heading2"/></w:pPr><w:r><w:t>Charges</w:t></w:r></w:p>
    <w:p><w:r><w:t>Les charges sont refacturées.</w:t></w:r></w:p>
    <w:tbl>
      <w:tr><w:tc><w:p><w:r><w:t>Poste</w:t></w:r></w:p></w:tc><w:tc><w:p><w:r><w:t>Montant</w:t></w:r></w:p></w:tc></w:tr>
      <w:tr><w:tc><w:p><w:r><w:t>Loyer</w:t></w:r></w:p></w:tc><w:tc><w:p><w:r><w:t>1000</w:t></w:r></w:p></w:tc></w:tr>
    </w:tbl>
  </w:body>
</w:document>`

func TestExtractDOCX(t *testing.T) {
	data := buildDOCX(t, docxSample, []string{"word/media/image1.png", "word/media/image2.jpeg"})

	e := New(nil, nil)
	res, err := e.Extract(context.Background(), data, "docx")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}

	if !strings.Contains(res.Text, "# Obligations du preneur") {
		t.Errorf("heading 1 not rendered: %q", res.Text)
	}
	if !strings.Contains(res.Text, "## Charges") {
		t.Errorf("heading 2 not rendered: %q", res.Text)
	}
	if !strings.Contains(res.Text, "Le preneur doit payer le loyer aux termes convenus.") {
		t.Errorf("runs not joined: %q", res.Text)
	}
	if !strings.Contains(res.Text, "| Loyer | 1000 |") {
		t.Errorf("table not rendered: %q", res.Text)
	}
	if res.ImageCount != 2 || !res.HasImages {
		t.Errorf("images = %d (has=%v), want 2", res.ImageCount, res.HasImages)
	}
	if res.Method != MethodText {
		t.Errorf("method = %q", res.Method)
	}
}

func TestExtractDOCXMissingDocumentXML(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, _ := zw.Create("word/other.xml")
	w.Write([]byte("<x/>"))
	zw.Close()

	e := New(nil, nil)
	_, err := e.Extract(context.Background(), buf.Bytes(), "docx")
	if !errors.Is(err, apperr.ErrExtractionFailed) {
		t.Fatalf("error = %v, want ErrExtractionFailed", err)
	}
}

func buildPPTX(t *testing.T, slides map[int]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for num, text := range slides {
		w, err := zw.Create(fmt.Sprintf("ppt/slides/slide%d.xml", num))
		if err != nil {
			t.Fatal(err)
		}
		xml := `<p:sld xmlns:p="s" xmlns:a="d"><p:cSld><p:spTree><p:sp><p:txBody>` +
			`<a:p><a:r><a:t>` + text + `</a:t></a:r></a:p>` +
			`</p:txBody></p:sp></p:spTree></p:cSld></p:sld>`
		w.Write([]byte(xml))
	}
	zw.Close()
	return buf.Bytes()
}

func TestExtractPPTXOrdersSlides(t *testing.T) {
	data := buildPPTX(t, map[int]string{
		2: "Deuxième diapositive",
		1: "Première diapositive",
	})

	e := New(nil, nil)
	res, err := e.Extract(context.Background(), data, "pptx")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}

	first := strings.Index(res.Text, "Première")
	second := strings.Index(res.Text, "Deuxième")
	if first < 0 || second < 0 || first > second {
		t.Errorf("slides out of order: %q", res.Text)
	}
	if res.PageCount != 2 {
		t.Errorf("page count = %d, want 2", res.PageCount)
	}
	if len(res.Pages) != 2 || res.Pages[0].Number != 1 || res.Pages[1].Number != 2 {
		t.Errorf("pages = %+v", res.Pages)
	}
}

func TestExtractXLSX(t *testing.T) {
	f := excelize.NewFile()
	f.SetCellValue("Sheet1", "A1", "Poste")
	f.SetCellValue("Sheet1", "B1", "Montant")
	f.SetCellValue("Sheet1", "A2", "Loyer")
	f.SetCellValue("Sheet1", "B2", 1000)
	buf, err := f.WriteToBuffer()
	if err != nil {
		t.Fatal(err)
	}

	e := New(nil, nil)
	res, err := e.Extract(context.Background(), buf.Bytes(), "xlsx")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if !strings.Contains(res.Text, "## Sheet1") {
		t.Errorf("sheet heading missing: %q", res.Text)
	}
	if !strings.Contains(res.Text, "| Poste | Montant |") {
		t.Errorf("header row missing: %q", res.Text)
	}
	if !strings.Contains(res.Text, "| Loyer | 1000 |") {
		t.Errorf("data row missing: %q", res.Text)
	}
}

func TestExtractXLSXEmptyWorkbook(t *testing.T) {
	f := excelize.NewFile()
	buf, err := f.WriteToBuffer()
	if err != nil {
		t.Fatal(err)
	}

	e := New(nil, nil)
	_, err = e.Extract(context.Background(), buf.Bytes(), "xlsx")
	if !errors.Is(err, apperr.ErrEmptyDocument) {
		t.Fatalf("error = %v, want ErrEmptyDocument", err)
	}
}

func TestExtractImageWithOCR(t *testing.T) {
	ocr := &fakeOCR{text: "# Facture\n\nTotal TTC : 119 250 FCFA"}
	e := New(ocr, nil)

	res, err := e.Extract(context.Background(), []byte("png-bytes"), "png")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if res.Method != MethodOCR {
		t.Errorf("method = %q, want %q", res.Method, MethodOCR)
	}
	if !strings.Contains(res.Text, "Facture") {
		t.Errorf("text = %q", res.Text)
	}
	if ocr.n != 1 {
		t.Errorf("ocr calls = %d, want 1", ocr.n)
	}
	if !res.HasImages || res.ImageCount != 1 {
		t.Errorf("images = %d (has=%v), want 1", res.ImageCount, res.HasImages)
	}
}

func TestExtractImageWithoutOCRFallsBack(t *testing.T) {
	e := New(nil, nil)
	res, err := e.Extract(context.Background(), []byte("png-bytes"), "jpg")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if res.Method != MethodFallback {
		t.Errorf("method = %q, want %q", res.Method, MethodFallback)
	}
	if res.Text != "" {
		t.Errorf("text = %q, want empty", res.Text)
	}
	if !res.HasImages || res.ImageCount != 1 {
		t.Errorf("images = %d (has=%v), want 1", res.ImageCount, res.HasImages)
	}
}

func TestExtractImageTransientOCRErrorPropagates(t *testing.T) {
	ocr := &fakeOCR{err: apperr.E(apperr.KindTransient, "ocr", errors.New("429"))}
	e := New(ocr, nil)

	_, err := e.Extract(context.Background(), []byte("png"), "png")
	if err == nil {
		t.Fatal("expected transient error to propagate")
	}
	if !apperr.Retriable(err) {
		t.Errorf("error not retriable: %v", err)
	}
}

func TestNeedsOCR(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		pages int
		want  bool
	}{
		{"dense", strings.Repeat("a", 500), 1, false},
		{"sparse", "abc", 1, true},
		{"sparse multipage", strings.Repeat("a", 150), 3, true},
		{"dense multipage", strings.Repeat("a", 900), 3, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := needsOCR(tt.text, tt.pages); got != tt.want {
				t.Errorf("needsOCR = %v, want %v", got, tt.want)
			}
		})
	}
}
