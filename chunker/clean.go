package chunker

import (
	"regexp"
	"strings"
)

// OCR output from scanned documents carries recurring artifacts:
// stray escape sequences, orphan dash runs, and words broken across
// line ends with a hyphen.
var (
	// "\-n", "\-e" style escaped fragments.
	escapedFragmentRe = regexp.MustCompile(`\\-[a-zA-Z]\b`)
	// "--Mo", "--x" marker noise glued to a short token.
	dashMarkerRe = regexp.MustCompile(`--[A-Za-z]{1,3}\b`)
	// Dash or underscore runs standing alone on a line.
	ruleLineRe = regexp.MustCompile(`(?m)^[\s]*[-_—]{3,}[\s]*$`)
	// Word broken across a line end: "loca-\ntaire" -> "locataire".
	hyphenBreakRe = regexp.MustCompile(`(\p{L})-\n(\p{L})`)
	// Three or more blank lines collapse to one blank line.
	blankRunRe = regexp.MustCompile(`\n{3,}`)
)

// CleanOCRArtifacts normalizes OCR output before chunking.
func CleanOCRArtifacts(text string) string {
	text = hyphenBreakRe.ReplaceAllString(text, "$1$2")
	text = escapedFragmentRe.ReplaceAllString(text, "")
	text = dashMarkerRe.ReplaceAllString(text, "")
	text = ruleLineRe.ReplaceAllString(text, "")
	text = blankRunRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

var frenchStopwords = map[string]bool{
	"le": true, "la": true, "les": true, "de": true, "des": true, "du": true,
	"et": true, "un": true, "une": true, "dans": true, "pour": true,
	"que": true, "qui": true, "est": true, "sont": true, "au": true,
	"aux": true, "avec": true, "sur": true, "par": true, "ne": true,
	"pas": true, "ce": true, "cette": true, "son": true, "ses": true,
}

var englishStopwords = map[string]bool{
	"the": true, "of": true, "and": true, "to": true, "in": true,
	"is": true, "that": true, "for": true, "it": true, "with": true,
	"as": true, "on": true, "are": true, "this": true, "be": true,
	"by": true, "at": true, "or": true, "an": true, "was": true,
	"from": true, "not": true, "have": true, "has": true,
}

// DetectLanguage classifies text as "fr" or "en" by stopword counts.
// Ties and empty input default to "fr", the dominant corpus language.
func DetectLanguage(text string) string {
	fr, en := 0, 0
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,;:!?()[]\"'«»")
		if frenchStopwords[w] {
			fr++
		}
		if englishStopwords[w] {
			en++
		}
	}
	if en > fr {
		return "en"
	}
	return "fr"
}
