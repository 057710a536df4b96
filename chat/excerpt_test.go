package chat

import (
	"strings"
	"testing"
)

func TestBestExcerptPicksOverlappingSentence(t *testing.T) {
	content := "Le bail est conclu pour une durée de neuf années. " +
		"Le loyer est payable trimestriellement. " +
		"Les charges locatives incombent au preneur."
	words := significantWords("La durée du bail est de neuf années entières.")

	got := bestExcerpt(content, words)
	if got == "" {
		t.Fatal("expected a non-empty excerpt")
	}
	if !strings.Contains(got, "neuf années") {
		t.Errorf("excerpt = %q, want the sentence about the lease term", got)
	}
}

func TestBestExcerptNoOverlap(t *testing.T) {
	content := "Le chat dort sur le canapé du salon."
	words := significantWords("calcul quantique et supraconducteurs")

	if got := bestExcerpt(content, words); got != "" {
		t.Errorf("excerpt = %q, want empty when nothing overlaps", got)
	}
}

func TestBestExcerptEmptyInputs(t *testing.T) {
	if got := bestExcerpt("", map[string]bool{"bail": true}); got != "" {
		t.Errorf("empty content gave %q", got)
	}
	if got := bestExcerpt("Une phrase complète.", nil); got != "" {
		t.Errorf("nil answer words gave %q", got)
	}
}

func TestBestExcerptRespectsLengthBudget(t *testing.T) {
	content := "Première phrase sur les moteurs électriques. " +
		"Deuxième phrase sur les tensions nominales. " +
		"Troisième phrase sur la conformité sécurité. " +
		"Quatrième phrase sur les schémas de câblage. " +
		"Cinquième phrase sur les procédures installation."
	words := significantWords("moteurs tensions sécurité câblage installation nominales")

	got := bestExcerpt(content, words)
	if len(got) > excerptMaxLen {
		t.Errorf("excerpt length %d exceeds %d", len(got), excerptMaxLen)
	}
}

func TestSignificantWordsFiltersFrenchStopWords(t *testing.T) {
	words := significantWords("Le moteur fonctionne dans cette configuration pour assurer la sécurité.")

	for _, want := range []string{"moteur", "fonctionne", "configuration", "sécurité"} {
		if !words[want] {
			t.Errorf("missing %q", want)
		}
	}
	for _, reject := range []string{"dans", "cette", "pour", "le", "la"} {
		if words[reject] {
			t.Errorf("stop word %q kept", reject)
		}
	}
}

func TestTruncateExcerptCutsAtWordBoundary(t *testing.T) {
	long := strings.Repeat("mot ", 120)
	got := truncateExcerpt(long)
	if len(got) > excerptMaxLen+len("…") {
		t.Errorf("length = %d", len(got))
	}
	if !strings.HasSuffix(got, "…") {
		t.Errorf("missing ellipsis: %q", got)
	}

	short := "Texte court."
	if got := truncateExcerpt(short); got != short {
		t.Errorf("short text altered: %q", got)
	}
}

func TestRefineExcerptsFallsBackToPrefix(t *testing.T) {
	sources := []Source{{Excerpt: "Contenu sans rapport avec la réponse générée ici même."}}
	out := refineExcerpts(sources, "quantique supraconducteurs qubits")
	if out[0].Excerpt == "" {
		t.Error("fallback excerpt is empty")
	}
}
