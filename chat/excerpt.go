package chat

import (
	"strings"
	"unicode"
)

// excerptMaxLen is the approximate maximum character length for a
// source excerpt shown alongside an answer.
const excerptMaxLen = 300

// refineExcerpts shrinks each source excerpt to the one or two
// sentences most related to the generated answer, so the citations
// panel shows the passage that supported the claim rather than the
// whole chunk. Sources with no overlap keep a truncated prefix.
func refineExcerpts(sources []Source, answer string) []Source {
	words := significantWords(answer)
	for i, src := range sources {
		if best := bestExcerpt(src.Excerpt, words); best != "" {
			sources[i].Excerpt = best
		} else {
			sources[i].Excerpt = truncateExcerpt(src.Excerpt)
		}
	}
	return sources
}

// bestExcerpt returns the sentence of content with the highest word
// overlap against answerWords, extended with its best-scoring
// neighbour when the pair still fits the length budget. Empty when
// nothing overlaps.
func bestExcerpt(content string, answerWords map[string]bool) string {
	if len(answerWords) == 0 || content == "" {
		return ""
	}

	sentences := splitSentences(content)
	if len(sentences) == 0 {
		return ""
	}

	scores := make([]int, len(sentences))
	bestIdx, bestScore := 0, 0
	for i, s := range sentences {
		for w := range significantWords(s) {
			if answerWords[w] {
				scores[i]++
			}
		}
		if scores[i] > bestScore {
			bestIdx, bestScore = i, scores[i]
		}
	}
	if bestScore == 0 {
		return ""
	}

	result := sentences[bestIdx]
	if len(result) < excerptMaxLen && len(sentences) > 1 {
		adjIdx, adjScore := -1, 0
		for _, delta := range []int{1, -1} {
			if j := bestIdx + delta; j >= 0 && j < len(sentences) && scores[j] > adjScore {
				adjIdx, adjScore = j, scores[j]
			}
		}
		if adjIdx >= 0 && adjScore > 0 {
			combined := result + " " + sentences[adjIdx]
			if adjIdx < bestIdx {
				combined = sentences[adjIdx] + " " + result
			}
			if len(combined) <= excerptMaxLen {
				result = combined
			}
		}
	}
	return result
}

// truncateExcerpt cuts content at the last word boundary before the
// length budget.
func truncateExcerpt(content string) string {
	content = strings.TrimSpace(content)
	if len(content) <= excerptMaxLen {
		return content
	}
	cut := content[:excerptMaxLen]
	if i := strings.LastIndexByte(cut, ' '); i > 0 {
		cut = cut[:i]
	}
	return cut + "…"
}

// significantWords returns the set of lowercased words of 4 runes or
// more, excluding common French function words.
func significantWords(text string) map[string]bool {
	words := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len([]rune(w)) >= 4 && !excerptStopWords[w] {
			words[w] = true
		}
	}
	return words
}

// splitSentences splits at period, question or exclamation marks
// followed by whitespace or end of text.
func splitSentences(text string) []string {
	var sentences []string
	var cur strings.Builder

	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		cur.WriteRune(runes[i])
		if runes[i] == '.' || runes[i] == '?' || runes[i] == '!' {
			if i+1 >= len(runes) || unicode.IsSpace(runes[i+1]) {
				if s := strings.TrimSpace(cur.String()); s != "" {
					sentences = append(sentences, s)
				}
				cur.Reset()
			}
		}
	}
	if s := strings.TrimSpace(cur.String()); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

// excerptStopWords are common French function words excluded from
// overlap scoring.
var excerptStopWords = map[string]bool{
	"dans": true, "pour": true, "avec": true, "sans": true,
	"cette": true, "cettes": true, "sont": true, "être": true,
	"avoir": true, "fait": true, "faire": true, "plus": true,
	"moins": true, "ainsi": true, "selon": true, "entre": true,
	"leur": true, "leurs": true, "vous": true, "nous": true,
	"elle": true, "elles": true, "comme": true, "mais": true,
	"donc": true, "tous": true, "tout": true, "toute": true,
	"toutes": true, "autre": true, "autres": true, "même": true,
	"aussi": true, "alors": true, "quand": true, "lorsque": true,
	"dont": true, "afin": true, "peut": true, "doit": true,
	"document": true, "documents": true, "article": true,
}
