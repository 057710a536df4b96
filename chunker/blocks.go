package chunker

import (
	"regexp"
	"strings"
)

type blockKind int

const (
	kindPara blockKind = iota
	kindHeading
	kindTable
	kindCode
	kindList
)

// block is a structural unit of the input text with its offsets in the
// assembled document.
type block struct {
	text  string
	kind  blockKind
	page  int
	start int
	end   int
}

// headingPatterns cover the heading styles seen in the documents this
// service ingests: markdown from OCR and DOCX conversion, numbered
// clauses, and the French statutory vocabulary.
var headingPatterns = []*regexp.Regexp{
	// Markdown: "# Titre", "## Sous-titre"
	regexp.MustCompile(`^#{1,6}\s+\S`),
	// Numbered: "1.", "1.2", "1.2.3", followed by a title
	regexp.MustCompile(`^(\d+\.)+(\d+)?\s+\S`),
	// Uppercase line (e.g. "DISPOSITIONS GENERALES")
	regexp.MustCompile(`^[A-ZÀ-Ý][A-ZÀ-Ý\s'-]{4,}$`),
	// "Article 12", "Article premier"
	regexp.MustCompile(`(?i)^article\s+(\d+|premier|[IVXLCDM]+)\b`),
	// "Chapitre III", "Titre II", "Section 4", "Annexe B"
	regexp.MustCompile(`(?i)^(chapitre|titre|section|annexe|partie)\s+[A-Z0-9IVXLCDM]`),
}

// IsHeading reports whether a line looks like a heading.
func IsHeading(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" || len(line) > 120 {
		return false
	}
	for _, re := range headingPatterns {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

// isTableLine reports whether a line looks like part of a pipe or
// tab-delimited table.
func isTableLine(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return false
	}
	if strings.Contains(trimmed, "|") {
		return true
	}
	if strings.Count(trimmed, "\t") >= 2 {
		return true
	}
	return isSeparatorRow(trimmed)
}

// isSeparatorRow detects markdown header separators like "|---|---|".
func isSeparatorRow(line string) bool {
	cleaned := strings.NewReplacer("|", "", " ", "", ":", "").Replace(strings.TrimSpace(line))
	if len(cleaned) < 3 {
		return false
	}
	for _, r := range cleaned {
		if r != '-' {
			return false
		}
	}
	return true
}

var listItemPattern = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)]|[a-z]\))\s+\S`)

func isListLine(line string) bool {
	return listItemPattern.MatchString(line)
}

// segment splits one page of text into blocks, appending each block's
// text to the assembled document builder so offsets line up across
// pages.
func segment(text string, page int, assembled *strings.Builder) []block {
	lines := strings.Split(text, "\n")
	var blocks []block

	add := func(kind blockKind, content []string) {
		joined := strings.TrimSpace(strings.Join(content, "\n"))
		if joined == "" {
			return
		}
		if assembled.Len() > 0 {
			assembled.WriteString("\n\n")
		}
		start := assembled.Len()
		assembled.WriteString(joined)
		blocks = append(blocks, block{
			text:  joined,
			kind:  kind,
			page:  page,
			start: start,
			end:   assembled.Len(),
		})
	}

	i := 0
	for i < len(lines) {
		line := lines[i]
		trimmed := strings.TrimSpace(line)

		switch {
		case trimmed == "":
			i++

		case strings.HasPrefix(trimmed, "```"):
			start := i
			i++
			for i < len(lines) && !strings.HasPrefix(strings.TrimSpace(lines[i]), "```") {
				i++
			}
			if i < len(lines) {
				i++
			}
			add(kindCode, lines[start:i])

		case isTableLine(line):
			start := i
			for i < len(lines) && isTableLine(lines[i]) {
				i++
			}
			if i-start >= 2 {
				add(kindTable, lines[start:i])
			} else {
				add(kindPara, lines[start:i])
			}

		case IsHeading(trimmed):
			add(kindHeading, []string{trimmed})
			i++

		case isListLine(line):
			start := i
			for i < len(lines) {
				t := strings.TrimSpace(lines[i])
				if t == "" {
					break
				}
				// Indented continuations belong to the item above.
				if !isListLine(lines[i]) && !strings.HasPrefix(lines[i], " ") && !strings.HasPrefix(lines[i], "\t") {
					break
				}
				i++
			}
			add(kindList, lines[start:i])

		default:
			start := i
			for i < len(lines) {
				t := strings.TrimSpace(lines[i])
				if t == "" || isTableLine(lines[i]) || IsHeading(t) ||
					strings.HasPrefix(t, "```") || isListLine(lines[i]) {
					break
				}
				i++
			}
			if i == start {
				i++
			}
			add(kindPara, lines[start:i])
		}
	}
	return blocks
}
