package eval

import (
	"strings"
	"unicode"

	"github.com/ancrage-ai/ancrage/chat"
)

// normalizeText folds Unicode variants commonly emitted by LLMs so
// substring matching works reliably: Unicode whitespace to ASCII
// space, Unicode hyphens to ASCII hyphen, zero-width characters
// stripped.
func normalizeText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case unicode.IsSpace(r):
			b.WriteByte(' ')
		case r == '\u2010' || r == '\u2011' || r == '\u2012' || r == '\u2013' || r == '\u2014':
			b.WriteByte('-')
		case r == '\u200B' || r == '\u200C' || r == '\u200D' || r == '\uFEFF':
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// factCoverage reports the fraction of expected facts present in the
// answer. Matching tolerates spacing and hyphenation differences so
// "bail commercial" matches "bail-commercial".
func factCoverage(answer string, expectedFacts []string) float64 {
	if answer == "" || len(expectedFacts) == 0 {
		return 0
	}

	normalized := normalizeText(strings.ToLower(answer))
	spaceless := strings.ReplaceAll(normalized, " ", "")
	hyphenless := strings.ReplaceAll(spaceless, "-", "")

	found := 0
	for _, fact := range expectedFacts {
		for _, alt := range strings.Split(fact, "|") {
			alt = normalizeText(strings.ToLower(strings.TrimSpace(alt)))
			if alt == "" {
				continue
			}
			altNoSpace := strings.ReplaceAll(alt, " ", "")
			altNoHyphen := strings.ReplaceAll(altNoSpace, "-", "")
			if strings.Contains(normalized, alt) ||
				strings.Contains(spaceless, altNoSpace) ||
				strings.Contains(hyphenless, altNoHyphen) {
				found++
				break
			}
		}
	}
	return float64(found) / float64(len(expectedFacts))
}

// sourceRelevance reports the fraction of retrieved sources whose
// excerpt overlaps the question vocabulary by at least 30%.
func sourceRelevance(question string, sources []chat.Source) float64 {
	if len(sources) == 0 {
		return 0
	}
	words := questionWords(question)
	if len(words) == 0 {
		return 0.5
	}

	relevant := 0
	for _, src := range sources {
		text := strings.ToLower(src.Excerpt + " " + src.Heading)
		matched := 0
		for _, w := range words {
			if strings.Contains(text, w) {
				matched++
			}
		}
		if float64(matched)/float64(len(words)) >= 0.3 {
			relevant++
		}
	}
	return clamp(float64(relevant) / float64(len(sources)))
}

// hedgeIndicators are French phrases signalling the model answered
// from general knowledge rather than the supplied passages.
var hedgeIndicators = []string{
	"de manière générale",
	"en règle générale",
	"il est communément admis",
	"à titre indicatif",
	"selon mes connaissances",
	"d'après mes connaissances",
	"habituellement",
	"généralement parlant",
}

// groundedness scores how strictly the answer sticks to the supplied
// passages: penalties for general-knowledge hedging, credit for
// citing sources.
func groundedness(answer string, sources []chat.Source) float64 {
	if answer == "" {
		return 0
	}
	lower := strings.ToLower(normalizeText(answer))

	score := 1.0
	for _, indicator := range hedgeIndicators {
		if strings.Contains(lower, indicator) {
			score -= 0.2
		}
	}

	cited := 0
	for _, src := range sources {
		if src.Cited {
			cited++
		}
	}
	if cited > 3 {
		cited = 3
	}
	score += 0.1 * float64(cited)

	return clamp(score)
}

// questionWords returns the lowercased significant words of the
// question, skipping short function words.
func questionWords(question string) []string {
	var words []string
	for _, w := range strings.FieldsFunc(strings.ToLower(question), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len([]rune(w)) >= 4 {
			words = append(words, w)
		}
	}
	return words
}
