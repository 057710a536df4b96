package chunker

import (
	"reflect"
	"strings"
	"testing"
)

func TestChunkShortDocument(t *testing.T) {
	c := New(DefaultConfig())
	chunks := c.Chunk(Document{Text: "Le bail commercial est conclu pour neuf ans."})

	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	ch := chunks[0]
	if ch.Index != 0 {
		t.Errorf("index = %d, want 0", ch.Index)
	}
	if ch.Language != "fr" {
		t.Errorf("language = %q, want fr", ch.Language)
	}
	if ch.TokenCount <= 0 {
		t.Error("token count should be positive")
	}
	if ch.VectorID == "" {
		t.Error("vector id should be assigned")
	}
	if ch.Page != 1 {
		t.Errorf("page = %d, want 1", ch.Page)
	}
}

func TestChunkEmptyDocument(t *testing.T) {
	c := New(DefaultConfig())
	if chunks := c.Chunk(Document{Text: "   \n\n  "}); chunks != nil {
		t.Fatalf("expected no chunks, got %d", len(chunks))
	}
}

func TestChunkDeterministic(t *testing.T) {
	doc := Document{Text: strings.Repeat("Le preneur verse le loyer chaque mois. ", 80)}
	c := New(DefaultConfig())

	a := c.Chunk(doc)
	b := c.Chunk(doc)
	if !reflect.DeepEqual(a, b) {
		t.Fatal("identical input must produce identical chunks")
	}
	if a[0].VectorID != b[0].VectorID {
		t.Error("vector ids must be deterministic")
	}
}

func TestChunkRespectsSize(t *testing.T) {
	cfg := Config{Size: 300, Overlap: 60, MaxSize: 600, MinOverlap: 20}
	c := New(cfg)

	var b strings.Builder
	for i := 0; i < 40; i++ {
		b.WriteString("Le locataire entretient les lieux loués en bon père de famille.\n\n")
	}
	chunks := c.Chunk(Document{Text: b.String()})

	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for _, ch := range chunks {
		if len(ch.Text) > cfg.MaxSize {
			t.Errorf("chunk %d exceeds max size: %d chars", ch.Index, len(ch.Text))
		}
	}
	// Dense 0-based indices.
	for i, ch := range chunks {
		if ch.Index != i {
			t.Errorf("chunk at position %d has index %d", i, ch.Index)
		}
	}
}

func TestChunkOverlapCarried(t *testing.T) {
	cfg := Config{Size: 200, Overlap: 80, MaxSize: 400, MinOverlap: 10}
	c := New(cfg)

	var b strings.Builder
	for i := 0; i < 30; i++ {
		b.WriteString("Chaque clause du contrat engage les deux parties signataires.\n\n")
	}
	chunks := c.Chunk(Document{Text: b.String()})
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}

	// The second chunk must start with text that closes the first.
	head := chunks[1].Text
	if idx := strings.Index(head, "\n\n"); idx > 0 {
		head = head[:idx]
	}
	if !strings.HasSuffix(strings.TrimSpace(chunks[0].Text), strings.TrimSpace(head)) {
		t.Errorf("chunk 1 does not open with the tail of chunk 0:\nchunk0 end: %q\nchunk1 head: %q",
			tailOf(chunks[0].Text, 120), head)
	}
}

func tailOf(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

func TestChunkKeepsTableWhole(t *testing.T) {
	table := "| Poste | Montant |\n| --- | --- |\n| Loyer | 1000 |\n| Charges | 250 |"
	text := strings.Repeat("Texte introductif sur la répartition des charges locatives. ", 10) +
		"\n\n" + table + "\n\n" +
		strings.Repeat("Texte de conclusion sur la révision triennale du loyer. ", 10)

	c := New(Config{Size: 400, Overlap: 50, MaxSize: 2000, MinOverlap: 20})
	chunks := c.Chunk(Document{Text: text})

	found := false
	for _, ch := range chunks {
		if strings.Contains(ch.Text, "| Loyer | 1000 |") {
			found = true
			if !strings.Contains(ch.Text, "| Charges | 250 |") {
				t.Error("table split across chunks")
			}
			if !ch.HasTable {
				t.Error("HasTable not set on table chunk")
			}
		}
	}
	if !found {
		t.Fatal("table content missing from output")
	}
}

func TestChunkMaxSizeHoldsWithOverlapAndTable(t *testing.T) {
	// An atomic table just under MaxSize must not blow the cap once the
	// carried overlap is prepended.
	cfg := Config{Size: 1000, Overlap: 200, MaxSize: 2000, MinOverlap: 50}
	c := New(cfg)

	var table strings.Builder
	for i := 0; i < 19; i++ {
		table.WriteString("| Ligne budgétaire numéro ")
		table.WriteString(strings.Repeat("x", 30))
		table.WriteString(" | Montant annuel en francs CFA 1250000 |\n")
	}
	text := strings.Repeat("Le présent contrat détaille la répartition des charges entre bailleur et preneur. ", 16) +
		"\n\n" + strings.TrimRight(table.String(), "\n")

	chunks := c.Chunk(Document{Text: text})
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for _, ch := range chunks {
		if len(ch.Text) > cfg.MaxSize {
			t.Errorf("chunk %d has %d chars, exceeds MaxSize=%d", ch.Index, len(ch.Text), cfg.MaxSize)
		}
	}
}

func TestChunkPageAttribution(t *testing.T) {
	c := New(DefaultConfig())
	chunks := c.Chunk(Document{Pages: []Page{
		{Number: 1, Text: "Contenu de la première page du contrat."},
		{Number: 2, Text: "Contenu de la deuxième page du contrat."},
	}})

	if len(chunks) == 0 {
		t.Fatal("expected chunks")
	}
	if chunks[0].Page != 1 {
		t.Errorf("first chunk page = %d, want 1", chunks[0].Page)
	}
}

func TestChunkCharOffsets(t *testing.T) {
	c := New(Config{Size: 250, Overlap: 40, MaxSize: 500, MinOverlap: 10})
	var b strings.Builder
	for i := 0; i < 20; i++ {
		b.WriteString("La sous-location est interdite sauf accord écrit du bailleur.\n\n")
	}
	chunks := c.Chunk(Document{Text: b.String()})

	prevEnd := 0
	for _, ch := range chunks {
		if ch.CharStart < 0 || ch.CharEnd <= ch.CharStart {
			t.Errorf("chunk %d has bad offsets [%d, %d)", ch.Index, ch.CharStart, ch.CharEnd)
		}
		if ch.CharEnd < prevEnd {
			t.Errorf("chunk %d ends before its predecessor", ch.Index)
		}
		prevEnd = ch.CharEnd
	}
}

func TestChunkOCRDocument(t *testing.T) {
	text := "Le loca-\ntaire occupe les lieux.\n\n-----\n\nArticle 5 du bail\\-n commercial."
	c := New(DefaultConfig())
	chunks := c.Chunk(Document{Text: text, FromOCR: true})

	if len(chunks) == 0 {
		t.Fatal("expected chunks")
	}
	joined := ""
	for _, ch := range chunks {
		if !ch.HasOCR {
			t.Error("HasOCR not propagated")
		}
		joined += ch.Text + "\n"
	}
	if !strings.Contains(joined, "locataire") {
		t.Errorf("hyphenated line break not rejoined: %q", joined)
	}
	if strings.Contains(joined, "-----") {
		t.Errorf("rule line not removed: %q", joined)
	}
	if strings.Contains(joined, `\-n`) {
		t.Errorf("escaped fragment not removed: %q", joined)
	}
}

func TestCleanOCRArtifacts(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"hyphen break", "immeu-\nble", "immeuble"},
		{"dash marker", "montant --Mo total", "montant  total"},
		{"escaped fragment", `clause \-e finale`, "clause  finale"},
		{"blank run", "a\n\n\n\n\nb", "a\n\nb"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CleanOCRArtifacts(tt.in); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDetectLanguage(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{"french", "Le bailleur et le preneur conviennent que le loyer est payable dans les dix jours.", "fr"},
		{"english", "The landlord and the tenant agree that the rent is payable within ten days.", "en"},
		{"empty defaults to french", "", "fr"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectLanguage(tt.text); got != tt.want {
				t.Errorf("DetectLanguage = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsHeading(t *testing.T) {
	tests := []struct {
		line string
		want bool
	}{
		{"# Dispositions générales", true},
		{"1.2 Obligations du preneur", true},
		{"Article 12", true},
		{"Article premier", true},
		{"Chapitre III", true},
		{"Annexe B", true},
		{"DISPOSITIONS FINALES", true},
		{"Le loyer est payable mensuellement.", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsHeading(tt.line); got != tt.want {
			t.Errorf("IsHeading(%q) = %v, want %v", tt.line, got, tt.want)
		}
	}
}

func TestEstimateTokens(t *testing.T) {
	if got := EstimateTokens("un deux trois quatre"); got != 6 {
		t.Errorf("EstimateTokens = %d, want 6", got)
	}
	if got := EstimateTokens(""); got != 0 {
		t.Errorf("EstimateTokens empty = %d, want 0", got)
	}
}
