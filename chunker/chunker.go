// Package chunker splits extracted document text into overlapping,
// structure-aware windows ready for embedding and indexing.
package chunker

import (
	"crypto/sha256"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"
)

// Config controls window sizes, in characters.
type Config struct {
	Size       int // target window size
	Overlap    int // trailing text carried into the next window
	MaxSize    int // hard cap; atomic blocks larger than this get split
	MinOverlap int // overlaps shorter than this are dropped
}

// DefaultConfig returns the stock window configuration. Runtime values
// come from system settings.
func DefaultConfig() Config {
	return Config{Size: 1000, Overlap: 200, MaxSize: 2000, MinOverlap: 50}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Size <= 0 {
		c.Size = d.Size
	}
	if c.Overlap <= 0 {
		c.Overlap = d.Overlap
	}
	if c.MaxSize < c.Size {
		c.MaxSize = 2 * c.Size
	}
	if c.MinOverlap <= 0 {
		c.MinOverlap = d.MinOverlap
	}
	if c.Overlap >= c.Size {
		c.Overlap = c.Size / 4
	}
	return c
}

// Page is one page of input text, used for page attribution.
type Page struct {
	Number int
	Text   string
}

// Document is the chunker input.
type Document struct {
	Text    string // used only when Pages is empty
	Pages   []Page
	FromOCR bool
}

// Chunk is one output window. Index is dense and 0-based. VectorID is
// a provisional vector store id; indexing may replace it.
type Chunk struct {
	Index      int
	Text       string
	TokenCount int
	CharStart  int
	CharEnd    int
	Page       int
	Language   string
	HasOCR     bool
	HasTable   bool
	VectorID   string
}

type Chunker struct {
	cfg Config
}

func New(cfg Config) *Chunker {
	return &Chunker{cfg: cfg.withDefaults()}
}

// Chunk splits the document. Identical input yields identical output,
// vector ids included.
func (c *Chunker) Chunk(doc Document) []Chunk {
	pages := doc.Pages
	if len(pages) == 0 {
		pages = []Page{{Number: 1, Text: doc.Text}}
	}

	var blocks []block
	var assembled strings.Builder
	for _, p := range pages {
		text := p.Text
		if doc.FromOCR {
			text = CleanOCRArtifacts(text)
		}
		blocks = append(blocks, segment(text, p.Number, &assembled)...)
	}
	if len(blocks) == 0 {
		return nil
	}

	full := assembled.String()
	lang := DetectLanguage(full)
	docKey := sha256.Sum256([]byte(full))

	chunks := c.window(blocks)
	for i := range chunks {
		chunks[i].Index = i
		chunks[i].Language = lang
		chunks[i].HasOCR = doc.FromOCR
		chunks[i].TokenCount = EstimateTokens(chunks[i].Text)
		chunks[i].VectorID = uuid.NewSHA1(uuid.NameSpaceOID,
			fmt.Appendf(nil, "%x:%d", docKey, i)).String()
	}
	return chunks
}

// window packs blocks into chunks of at most cfg.Size characters, with
// overlap carried between consecutive windows. Table and code blocks
// that fit under MaxSize stay whole.
func (c *Chunker) window(blocks []block) []Chunk {
	var out []Chunk

	var cur []block
	curLen := 0
	overlap := ""
	overlapStart := 0

	flush := func() {
		if len(cur) == 0 {
			return
		}
		blockLen := 0
		for i, blk := range cur {
			if i > 0 {
				blockLen += 2
			}
			blockLen += len(blk.text)
		}
		// The carried overlap must never push the chunk past MaxSize;
		// a near-cap atomic block gets a shrunk or dropped overlap.
		if overlap != "" {
			if budget := c.cfg.MaxSize - blockLen - 2; budget < len(overlap) {
				trimmed := ""
				if budget >= c.cfg.MinOverlap {
					trimmed = overlapTail(overlap, budget, c.cfg.MinOverlap)
				}
				overlapStart += len(overlap) - len(trimmed)
				overlap = trimmed
			}
		}

		var b strings.Builder
		start := cur[0].start
		if overlap != "" {
			b.WriteString(overlap)
			b.WriteString("\n\n")
			start = overlapStart
		}
		hasTable := false
		for i, blk := range cur {
			if i > 0 {
				b.WriteString("\n\n")
			}
			b.WriteString(blk.text)
			if blk.kind == kindTable {
				hasTable = true
			}
		}
		end := cur[len(cur)-1].end
		chunk := Chunk{
			Text:      b.String(),
			CharStart: start,
			CharEnd:   end,
			Page:      cur[0].page,
			HasTable:  hasTable,
		}
		out = append(out, chunk)

		tail := overlapTail(chunk.Text, c.cfg.Overlap, c.cfg.MinOverlap)
		overlap = tail
		overlapStart = end - len(tail)
		if overlapStart < 0 {
			overlapStart = 0
		}
		cur = nil
		curLen = 0
	}

	for _, blk := range blocks {
		pieces := []block{blk}
		if len(blk.text) > c.cfg.MaxSize {
			pieces = splitOversized(blk, c.cfg.Size)
		}

		for _, p := range pieces {
			atomic := p.kind == kindTable || p.kind == kindCode
			if curLen > 0 && curLen+2+len(p.text) > c.cfg.Size {
				flush()
			}
			// A heading opens a fresh context; carrying overlap across
			// it would attach trailing prose to the wrong section.
			if p.kind == kindHeading && curLen == 0 {
				overlap = ""
			}
			if curLen > 0 {
				curLen += 2
			}
			cur = append(cur, p)
			curLen += len(p.text)
			if atomic && curLen >= c.cfg.Size {
				flush()
			}
		}
	}
	flush()
	return out
}

// splitOversized cuts a block bigger than MaxSize into Size-bounded
// pieces. Prose splits at sentence boundaries, tables and code at line
// boundaries.
func splitOversized(blk block, size int) []block {
	var units []string
	sep := " "
	if blk.kind == kindTable || blk.kind == kindCode {
		units = strings.Split(blk.text, "\n")
		sep = "\n"
	} else {
		units = splitSentences(blk.text)
	}

	var out []block
	var b strings.Builder
	offset := blk.start
	emit := func() {
		if b.Len() == 0 {
			return
		}
		text := b.String()
		out = append(out, block{
			text:  text,
			kind:  blk.kind,
			page:  blk.page,
			start: offset,
			end:   offset + len(text),
		})
		offset += len(text) + len(sep)
		b.Reset()
	}
	for _, u := range units {
		if b.Len() > 0 && b.Len()+len(sep)+len(u) > size {
			emit()
		}
		if b.Len() > 0 {
			b.WriteString(sep)
		}
		b.WriteString(u)
	}
	emit()
	return out
}

// overlapTail returns the trailing portion of text, at most max chars,
// cut at a word boundary. Tails shorter than min are dropped.
func overlapTail(text string, max, min int) string {
	if len(text) <= max {
		return ""
	}
	tail := text[len(text)-max:]
	if idx := strings.IndexAny(tail, " \n\t"); idx >= 0 {
		tail = tail[idx+1:]
	}
	tail = strings.TrimSpace(tail)
	if len(tail) < min {
		return ""
	}
	return tail
}

// EstimateTokens approximates the token count of text with a word
// heuristic: tokens ~ words * 1.3.
func EstimateTokens(text string) int {
	words := len(strings.Fields(text))
	return int(math.Ceil(float64(words) * 1.3))
}

// splitSentences splits on ./?/! followed by whitespace or end of
// string.
func splitSentences(text string) []string {
	var sentences []string
	var cur strings.Builder

	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		cur.WriteRune(runes[i])
		if runes[i] == '.' || runes[i] == '?' || runes[i] == '!' {
			if i+1 >= len(runes) || runes[i+1] == ' ' || runes[i+1] == '\n' || runes[i+1] == '\t' {
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
