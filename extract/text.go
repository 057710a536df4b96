package extract

import (
	"strings"
	"unicode/utf8"
)

// extractPlainText covers txt and md. Bytes are taken as UTF-8; invalid
// sequences are dropped rather than failing the document.
func (e *Extractor) extractPlainText(data []byte) (*Result, error) {
	text := strings.TrimSpace(string(data))
	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, "")
	}
	return &Result{
		Text:   text,
		Method: MethodText,
	}, nil
}

// extractRTF strips RTF control words and destination groups, keeping
// the readable text. Good enough for the memos and letters that arrive
// in this format; anything fancier should be converted before upload.
func (e *Extractor) extractRTF(data []byte) (*Result, error) {
	return &Result{
		Text:   stripRTF(string(data)),
		Method: MethodText,
	}, nil
}

// rtfSkipGroups are destinations whose content is metadata, not text.
var rtfSkipGroups = map[string]bool{
	"fonttbl":    true,
	"colortbl":   true,
	"stylesheet": true,
	"info":       true,
	"pict":       true,
	"object":     true,
	"header":     true,
	"footer":     true,
}

func stripRTF(s string) string {
	var b strings.Builder
	skipDepth := 0 // depth at which a skipped destination group started
	depth := 0

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '{':
			depth++
		case '}':
			if skipDepth > 0 && depth == skipDepth {
				skipDepth = 0
			}
			depth--
		case '\\':
			if i+1 >= len(s) {
				break
			}
			next := s[i+1]
			// Escaped literals.
			if next == '\\' || next == '{' || next == '}' {
				if skipDepth == 0 {
					b.WriteByte(next)
				}
				i++
				continue
			}
			// \* introduces an ignorable destination group.
			if next == '*' {
				if skipDepth == 0 {
					skipDepth = depth
				}
				i++
				continue
			}
			// Hex escape \'hh.
			if next == '\'' && i+3 < len(s) {
				if skipDepth == 0 {
					if r := hexByte(s[i+2], s[i+3]); r != 0 {
						b.WriteRune(rune(r))
					}
				}
				i += 3
				continue
			}
			// Control word: letters then optional numeric argument.
			j := i + 1
			for j < len(s) && isRTFLetter(s[j]) {
				j++
			}
			word := s[i+1 : j]
			for j < len(s) && (s[j] == '-' || (s[j] >= '0' && s[j] <= '9')) {
				j++
			}
			// A single trailing space is part of the control word.
			if j < len(s) && s[j] == ' ' {
				j++
			}
			if skipDepth == 0 {
				switch word {
				case "par", "line", "row":
					b.WriteByte('\n')
				case "tab", "cell":
					b.WriteByte('\t')
				default:
					if rtfSkipGroups[word] {
						skipDepth = depth
					}
				}
			}
			i = j - 1
		default:
			if skipDepth == 0 && c != '\r' && c != '\n' {
				b.WriteByte(c)
			}
		}
	}
	return strings.TrimSpace(b.String())
}

func isRTFLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func hexByte(hi, lo byte) byte {
	h := hexVal(hi)
	l := hexVal(lo)
	if h < 0 || l < 0 {
		return 0
	}
	return byte(h<<4 | l)
}

func hexVal(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10
	}
	return -1
}
