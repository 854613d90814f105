// Package segment splits extracted document text into ordered, token-bounded
// chunks that prefer sentence and paragraph boundaries.
package segment

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/kalambet/docqa/internal/ragerr"
	"github.com/kalambet/docqa/internal/tokenize"
)

// Segment is one chunk of a document. Text is the chunk as embedded: the
// overlap carried from the previous chunk followed by the chunk's own body.
// Start and End locate the body in the source text, so the bodies of all
// segments, in order, reconstruct the source exactly.
type Segment struct {
	Text       string
	Start      int
	End        int
	Overlap    int // byte length of the overlap prefix in Text
	TokenCount int
}

// Body returns the non-overlapping portion of the segment.
func (s Segment) Body() string { return s.Text[s.Overlap:] }

// Segmenter holds chunking parameters. The zero value is not usable; use New.
type Segmenter struct {
	maxTokens int
	overlap   int
	tok       tokenize.Tokenizer
}

// New validates the chunking parameters. A nil tokenizer selects the
// estimator.
func New(maxTokens, overlapTokens int, tok tokenize.Tokenizer) (*Segmenter, error) {
	if maxTokens <= 0 {
		return nil, fmt.Errorf("%w: max tokens must be positive, got %d", ragerr.ErrInvalidInput, maxTokens)
	}
	if overlapTokens < 0 || overlapTokens >= maxTokens {
		return nil, fmt.Errorf("%w: overlap tokens must be in [0, %d), got %d", ragerr.ErrInvalidInput, maxTokens, overlapTokens)
	}
	if tok == nil {
		tok = tokenize.Estimator{}
	}
	return &Segmenter{maxTokens: maxTokens, overlap: overlapTokens, tok: tok}, nil
}

// Split is shorthand for New followed by Segmenter.Split.
func Split(text string, maxTokens, overlapTokens int, tok tokenize.Tokenizer) ([]Segment, error) {
	s, err := New(maxTokens, overlapTokens, tok)
	if err != nil {
		return nil, err
	}
	return s.Split(text)
}

// Split chunks text. Each chunk body costs at most maxTokens-overlapTokens,
// and every chunk after the first is prefixed with up to overlapTokens of
// the previous body's trailing words. Output is deterministic.
func (s *Segmenter) Split(text string) ([]Segment, error) {
	if !utf8.ValidString(text) {
		return nil, fmt.Errorf("%w: text is not valid UTF-8", ragerr.ErrSegmentation)
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: text is empty", ragerr.ErrSegmentation)
	}

	budget := s.maxTokens - s.overlap
	units := s.units(text, budget)

	var (
		bodies []span
		cur    span
		cost   int
		open   bool
	)
	for _, u := range units {
		if open && cost+u.cost > budget {
			bodies = append(bodies, cur)
			open = false
		}
		if !open {
			cur = u.span
			cost = 0
			open = true
		}
		cur.end = u.end
		cost += u.cost
	}
	if open {
		bodies = append(bodies, cur)
	}

	segs := make([]Segment, 0, len(bodies))
	for i, b := range bodies {
		overlapStart := b.start
		if i > 0 && s.overlap > 0 {
			overlapStart = s.overlapStart(text, bodies[i-1])
		}
		chunk := text[overlapStart:b.end]
		segs = append(segs, Segment{
			Text:       chunk,
			Start:      b.start,
			End:        b.end,
			Overlap:    b.start - overlapStart,
			TokenCount: s.tok.Count(chunk),
		})
	}
	return segs, nil
}

type span struct{ start, end int }

type unit struct {
	span
	cost int
}

// units breaks text into packable pieces no larger than budget: sentences
// where they fit, words where a sentence does not, and rune-level cuts for
// words that exceed the budget on their own.
func (s *Segmenter) units(text string, budget int) []unit {
	var out []unit
	for _, sent := range sentences(text) {
		if c := s.tok.Count(text[sent.start:sent.end]); c <= budget {
			out = append(out, unit{sent, c})
			continue
		}
		for _, w := range words(text, sent) {
			if c := s.tok.Count(text[w.start:w.end]); c <= budget {
				out = append(out, unit{w, c})
				continue
			}
			for _, piece := range s.hardCut(text, w, budget) {
				out = append(out, unit{piece, s.tok.Count(text[piece.start:piece.end])})
			}
		}
	}
	return out
}

// overlapStart returns where the overlap for the chunk following prev
// begins: the earliest word of prev such that prev's tail from there costs
// no more than the overlap budget.
func (s *Segmenter) overlapStart(text string, prev span) int {
	ws := words(text, prev)
	start := prev.end
	cost := 0
	for i := len(ws) - 1; i >= 0; i-- {
		cost += s.tok.Count(text[ws[i].start:ws[i].end])
		if cost > s.overlap {
			break
		}
		start = ws[i].start
	}
	return start
}

func (s *Segmenter) hardCut(text string, sp span, budget int) []span {
	var out []span
	start := sp.start
	for start < sp.end {
		end := start
		for end < sp.end {
			_, size := utf8.DecodeRuneInString(text[end:])
			if end > start && s.tok.Count(text[start:end+size]) > budget {
				break
			}
			end += size
		}
		out = append(out, span{start, end})
		start = end
	}
	return out
}

// sentences tiles text with spans ending after sentence terminators or
// paragraph breaks. Trailing whitespace belongs to the span it follows.
func sentences(text string) []span {
	var out []span
	start := 0
	for i := 0; i < len(text); {
		r, size := utf8.DecodeRuneInString(text[i:])
		if !unicode.IsSpace(r) {
			i += size
			continue
		}
		j, newlines := i, 0
		for j < len(text) {
			r2, s2 := utf8.DecodeRuneInString(text[j:])
			if !unicode.IsSpace(r2) {
				break
			}
			if r2 == '\n' {
				newlines++
			}
			j += s2
		}
		if i > start && (newlines >= 2 || endsSentence(text[start:i])) {
			out = append(out, span{start, j})
			start = j
		}
		i = j
	}
	if start < len(text) {
		out = append(out, span{start, len(text)})
	}
	return out
}

func endsSentence(s string) bool {
	s = strings.TrimRight(s, "\"')]”’")
	if s == "" {
		return false
	}
	r, _ := utf8.DecodeLastRuneInString(s)
	switch r {
	case '.', '!', '?', '。', '！', '？':
		return true
	}
	return false
}

// words tiles sp with spans of one word plus its trailing whitespace.
// Leading whitespace joins the first word.
func words(text string, sp span) []span {
	var out []span
	start := sp.start
	seenWord, prevSpace := false, false
	for i := sp.start; i < sp.end; {
		r, size := utf8.DecodeRuneInString(text[i:])
		space := unicode.IsSpace(r)
		if !space && prevSpace && seenWord {
			out = append(out, span{start, i})
			start = i
		}
		if !space {
			seenWord = true
		}
		prevSpace = space
		i += size
	}
	if start < sp.end {
		out = append(out, span{start, sp.end})
	}
	return out
}
