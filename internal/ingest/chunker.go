// Package ingest turns raw document text into chunks and coordinates the
// chunk store write, lexical rebuild, and corpus version bump so the two
// indexes never disagree at a quiescent point.
package ingest

import (
	"regexp"
	"strconv"
	"strings"
)

// ChunkerConfig selects the splitting strategy. Sizes are in words, which
// track tokens closely enough for window sizing.
type ChunkerConfig struct {
	Method       string // "window", "sentence", or "paragraph"
	TargetWords  int
	MaxWords     int
	OverlapWords int
}

// Piece is one chunk of a document before embedding.
type Piece struct {
	Text    string
	Ordinal int
	Section string
	Extra   map[string]string
}

// Chunker splits document text.
type Chunker struct {
	cfg ChunkerConfig
}

// NewChunker applies defaults and returns a chunker.
func NewChunker(cfg ChunkerConfig) *Chunker {
	if cfg.TargetWords <= 0 {
		cfg.TargetWords = 350
	}
	if cfg.MaxWords <= 0 {
		cfg.MaxWords = 700
	}
	if cfg.OverlapWords < 0 {
		cfg.OverlapWords = 40
	}
	if cfg.Method == "" {
		cfg.Method = "paragraph"
	}
	return &Chunker{cfg: cfg}
}

// Chunk splits content with the configured method. Section titles are
// carried from markdown-style headings so citations can point inside a
// document.
func (c *Chunker) Chunk(content string) []Piece {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	switch c.cfg.Method {
	case "window":
		return c.chunkWindow(content, "")
	case "sentence":
		return c.chunkSentences(content, "")
	default:
		return c.chunkParagraphs(content)
	}
}

var headingRE = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)

// chunkParagraphs groups paragraphs under their nearest heading, flushing
// when the target size is reached. Oversized paragraphs fall through to
// sentence splitting.
func (c *Chunker) chunkParagraphs(content string) []Piece {
	type para struct {
		text    string
		section string
	}

	var paras []para
	section := ""
	for _, block := range strings.Split(content, "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		if m := headingRE.FindStringSubmatch(block); m != nil && strings.HasPrefix(block, "#") {
			section = strings.TrimSpace(m[1])
			rest := strings.TrimSpace(headingRE.ReplaceAllString(block, ""))
			if rest == "" {
				continue
			}
			block = rest
		}
		paras = append(paras, para{text: block, section: section})
	}

	var pieces []Piece
	var buf []string
	bufWords := 0
	bufSection := ""

	flush := func() {
		if len(buf) == 0 {
			return
		}
		pieces = append(pieces, Piece{
			Text:    strings.Join(buf, "\n\n"),
			Ordinal: len(pieces),
			Section: bufSection,
		})
		buf = nil
		bufWords = 0
	}

	for _, p := range paras {
		words := wordCount(p.text)

		if words > c.cfg.MaxWords {
			flush()
			for _, sp := range c.chunkSentences(p.text, p.section) {
				sp.Ordinal = len(pieces)
				pieces = append(pieces, sp)
			}
			continue
		}

		if bufWords > 0 && (bufWords+words > c.cfg.TargetWords || p.section != bufSection) {
			flush()
		}
		if len(buf) == 0 {
			bufSection = p.section
		}
		buf = append(buf, p.text)
		bufWords += words
	}
	flush()

	return pieces
}

// chunkSentences groups sentences up to the target size, keeping a tail of
// sentences as overlap between consecutive pieces.
func (c *Chunker) chunkSentences(content, section string) []Piece {
	sentences := splitSentences(content)
	if len(sentences) == 0 {
		return nil
	}

	var pieces []Piece
	var current []string
	currentWords := 0

	emit := func() {
		if len(current) == 0 {
			return
		}
		text := strings.TrimSpace(strings.Join(current, " "))
		pieces = append(pieces, Piece{
			Text:    text,
			Ordinal: len(pieces),
			Section: section,
			Extra:   map[string]string{"sentences": strconv.Itoa(len(current))},
		})
		current, currentWords = c.overlapTail(current)
	}

	for _, s := range sentences {
		words := wordCount(s)
		if words > c.cfg.MaxWords {
			emit()
			current = nil
			currentWords = 0
			for _, p := range c.chunkWindow(s, section) {
				p.Ordinal = len(pieces)
				pieces = append(pieces, p)
			}
			continue
		}
		if currentWords+words > c.cfg.MaxWords && currentWords > 0 {
			emit()
		}
		current = append(current, s)
		currentWords += words
		if currentWords >= c.cfg.TargetWords {
			emit()
		}
	}
	if currentWords > 0 && len(current) > 0 {
		text := strings.TrimSpace(strings.Join(current, " "))
		if len(pieces) == 0 || !strings.HasSuffix(pieces[len(pieces)-1].Text, text) {
			pieces = append(pieces, Piece{
				Text:    text,
				Ordinal: len(pieces),
				Section: section,
				Extra:   map[string]string{"sentences": strconv.Itoa(len(current))},
			})
		}
	}

	return pieces
}

// overlapTail returns the trailing sentences to seed the next piece with.
func (c *Chunker) overlapTail(sentences []string) ([]string, int) {
	if c.cfg.OverlapWords <= 0 {
		return nil, 0
	}
	var tail []string
	words := 0
	for i := len(sentences) - 1; i >= 0 && words < c.cfg.OverlapWords; i-- {
		tail = append([]string{sentences[i]}, tail...)
		words += wordCount(sentences[i])
	}
	if len(tail) == len(sentences) {
		// Whole piece would repeat; no overlap.
		return nil, 0
	}
	return tail, words
}

// chunkWindow slides a fixed word window with overlap. The last window is
// never empty and never repeats the previous one exactly.
func (c *Chunker) chunkWindow(content, section string) []Piece {
	words := strings.Fields(content)
	if len(words) == 0 {
		return nil
	}

	step := c.cfg.TargetWords - c.cfg.OverlapWords
	if step <= 0 {
		step = c.cfg.TargetWords/2 + 1
	}

	var pieces []Piece
	for i := 0; i < len(words); i += step {
		end := i + c.cfg.TargetWords
		if end > len(words) {
			end = len(words)
		}
		pieces = append(pieces, Piece{
			Text:    strings.Join(words[i:end], " "),
			Ordinal: len(pieces),
			Section: section,
			Extra:   map[string]string{"words": strconv.Itoa(end - i)},
		})
		if end == len(words) {
			break
		}
	}
	return pieces
}

var sentenceEndRE = regexp.MustCompile(`([.!?])\s+`)

// splitSentences splits on terminal punctuation followed by whitespace.
// Abbreviation handling is deliberately minimal; a split mid-abbreviation
// costs one short chunk, not correctness.
func splitSentences(text string) []string {
	marked := sentenceEndRE.ReplaceAllString(text, "$1\x00")
	parts := strings.Split(marked, "\x00")
	out := parts[:0]
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}
