package chat

import (
	"regexp"
	"strconv"
)

var citationPattern = regexp.MustCompile(`\[Document\s+(\d+)\]`)

// citedIndexes extracts the [Document N] references from an answer and
// returns the 1-based indexes that fall within the source list. Out of
// range references are reported separately so callers can log them.
func citedIndexes(answer string, sourceCount int) (valid map[int]bool, invalid int) {
	valid = make(map[int]bool)
	for _, m := range citationPattern.FindAllStringSubmatch(answer, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if n >= 1 && n <= sourceCount {
			valid[n] = true
		} else {
			invalid++
		}
	}
	return valid, invalid
}

// markCitations flags each source actually referenced by the answer.
// The count of dangling references is returned for logging.
func markCitations(sources []Source, answer string) int {
	cited, invalid := citedIndexes(answer, len(sources))
	for i := range sources {
		sources[i].Cited = cited[i+1]
	}
	return invalid
}
