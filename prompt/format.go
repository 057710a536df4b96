package prompt

import "strings"

// Format is the suggested response shape inferred from the question.
type Format string

const (
	FormatTable         Format = "TABLE"
	FormatList          Format = "LIST"
	FormatNumbered      Format = "NUMBERED"
	FormatCode          Format = "CODE"
	FormatComparison    Format = "COMPARISON"
	FormatChronological Format = "CHRONOLOGICAL"
	FormatStepByStep    Format = "STEP_BY_STEP"
	FormatDefault       Format = "DEFAULT"
)

var formatHints = map[Format]string{
	FormatTable:         "présente la réponse sous forme de tableau markdown.",
	FormatList:          "présente la réponse sous forme de liste à puces.",
	FormatNumbered:      "présente la réponse sous forme de liste numérotée.",
	FormatCode:          "présente les éléments techniques dans des blocs de code.",
	FormatComparison:    "présente la réponse comme une comparaison point par point.",
	FormatChronological: "présente la réponse dans l'ordre chronologique.",
	FormatStepByStep:    "présente la réponse comme une procédure étape par étape.",
}

// formatCues maps question phrasings to formats. First match wins, so
// the more specific cues come first.
var formatCues = []struct {
	format Format
	cues   []string
}{
	{FormatStepByStep, []string{"étape par étape", "pas à pas", "procédure", "démarche à suivre", "comment faire", "comment procéder"}},
	{FormatChronological, []string{"chronolog", "dans quel ordre", "historique", "évolution dans le temps"}},
	{FormatComparison, []string{"compar", "différence", "versus", " vs ", "par rapport à"}},
	{FormatTable, []string{"tableau", "sous forme de table"}},
	{FormatNumbered, []string{"liste numérotée", "numérote", "dans l'ordre"}},
	{FormatList, []string{"liste", "énumèr", "énumér", "quels sont les", "quelles sont les"}},
	{FormatCode, []string{"code", "script", "requête sql", "exemple de commande", "expression régulière"}},
}

// DetectFormat infers the response format from the question wording.
func DetectFormat(question string) Format {
	q := " " + strings.ToLower(question) + " "
	for _, fc := range formatCues {
		for _, cue := range fc.cues {
			if strings.Contains(q, cue) {
				return fc.format
			}
		}
	}
	return FormatDefault
}
