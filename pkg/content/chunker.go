package content

import (
	"strings"
	"unicode"

	"github.com/tik-choco-lab/ragpipe/pkg/ragerr"
)

const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200
)

// Strategy selects how text is segmented.
type Strategy string

const (
	StrategySliding  Strategy = "sliding"
	StrategySentence Strategy = "sentence"
)

// ParseStrategy maps a config value to a Strategy. Empty means sliding.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", StrategySliding:
		return StrategySliding, nil
	case StrategySentence:
		return StrategySentence, nil
	}
	return "", ragerr.Configuration("unknown chunk strategy %q", s)
}

// Span is a half-open rune range [Start, End) of the source text.
type Span struct {
	Start int
	End   int
}

// Chunker splits text into overlapping segments of at most Size runes.
type Chunker struct {
	size    int
	overlap int
}

func NewChunker(size, overlap int) (*Chunker, error) {
	if size <= 0 {
		return nil, ragerr.Configuration("chunk size must be positive, got %d", size)
	}
	if overlap < 0 {
		return nil, ragerr.Configuration("chunk overlap must not be negative, got %d", overlap)
	}
	if overlap >= size {
		return nil, ragerr.Configuration("chunk overlap (%d) must be smaller than chunk size (%d)", overlap, size)
	}
	return &Chunker{size: size, overlap: overlap}, nil
}

func (c *Chunker) Size() int    { return c.size }
func (c *Chunker) Overlap() int { return c.overlap }

// Chunk segments text with the given strategy.
func (c *Chunker) Chunk(text string, strategy Strategy) []string {
	if strategy == StrategySentence {
		return c.SplitSentences(text)
	}
	return c.Split(text)
}

// Split runs the sliding window and returns the trimmed chunks.
func (c *Chunker) Split(text string) []string {
	runes := []rune(text)
	var chunks []string
	for _, sp := range c.spans(runes) {
		if chunk := strings.TrimSpace(string(runes[sp.Start:sp.End])); chunk != "" {
			chunks = append(chunks, chunk)
		}
	}
	return chunks
}

// Spans returns the untrimmed windows Split cuts text into.
func (c *Chunker) Spans(text string) []Span {
	return c.spans([]rune(text))
}

func (c *Chunker) spans(runes []rune) []Span {
	if isBlank(runes) {
		return nil
	}

	n := len(runes)
	var spans []Span
	start := 0
	for start < n {
		end := start + c.size
		if end >= n {
			spans = append(spans, Span{Start: start, End: n})
			break
		}

		cut := findBreakPoint(runes, start, end)
		// A cut inside the previous window would repeat text it already
		// holds, so resume from the cut without emitting.
		if k := len(spans); k > 0 && cut <= spans[k-1].End {
			start = cut
			continue
		}
		spans = append(spans, Span{Start: start, End: cut})

		next := max(cut-c.overlap, 0)
		if next <= start {
			next = cut
		}
		start = next
	}
	return spans
}

// findBreakPoint searches runes[start+1:end] backwards for a sentence end,
// then a newline, then any whitespace, and returns the index after it.
// Without a candidate the window end is returned.
func findBreakPoint(runes []rune, start, end int) int {
	for pos := end - 1; pos > start; pos-- {
		if isSentenceEnd(runes, pos) {
			return pos + 1
		}
	}
	for pos := end - 1; pos > start; pos-- {
		if runes[pos] == '\n' {
			return pos + 1
		}
	}
	for pos := end - 1; pos > start; pos-- {
		if unicode.IsSpace(runes[pos]) {
			return pos + 1
		}
	}
	return end
}

func isSentenceEnd(runes []rune, pos int) bool {
	switch runes[pos] {
	case '\n':
		return pos > 0 && runes[pos-1] == '\n'
	case '.', '!', '?':
		if pos >= len(runes)-1 {
			return true
		}
		if !unicode.IsSpace(runes[pos+1]) {
			return false
		}
		if pos+2 >= len(runes) {
			return true
		}
		return unicode.IsUpper(runes[pos+2])
	}
	return false
}

// SplitSentences groups whole sentences into chunks of at most Size runes.
// Trailing sentences of a closed chunk that fit within Overlap are repeated
// at the head of the next one.
func (c *Chunker) SplitSentences(text string) []string {
	sentences := splitSentences(text)
	var chunks []string
	var current []string
	for _, s := range sentences {
		sLen := len([]rune(s))
		if len(current) > 0 && joinedLen(current)+1+sLen > c.size {
			chunks = append(chunks, strings.Join(current, " "))
			current = c.overlapTail(current)
			for len(current) > 0 && joinedLen(current)+1+sLen > c.size {
				current = current[1:]
			}
		}
		current = append(current, s)
	}
	if len(current) > 0 {
		chunks = append(chunks, strings.Join(current, " "))
	}
	return chunks
}

// overlapTail returns the longest run of trailing sentences whose joined
// length fits in the overlap, never the whole chunk.
func (c *Chunker) overlapTail(sentences []string) []string {
	if c.overlap == 0 {
		return nil
	}
	total := 0
	from := len(sentences)
	for i := len(sentences) - 1; i > 0; i-- {
		l := len([]rune(sentences[i]))
		if from < len(sentences) {
			l++
		}
		if total+l > c.overlap {
			break
		}
		total += l
		from = i
	}
	tail := make([]string, len(sentences)-from)
	copy(tail, sentences[from:])
	return tail
}

func splitSentences(text string) []string {
	runes := []rune(strings.TrimSpace(text))
	var out []string
	begin := 0
	for i := 0; i < len(runes); i++ {
		switch runes[i] {
		case '.', '!', '?':
		default:
			continue
		}
		if i+1 >= len(runes) || !unicode.IsSpace(runes[i+1]) {
			continue
		}
		if s := strings.TrimSpace(string(runes[begin : i+1])); s != "" {
			out = append(out, s)
		}
		j := i + 1
		for j < len(runes) && unicode.IsSpace(runes[j]) {
			j++
		}
		begin = j
		i = j - 1
	}
	if begin < len(runes) {
		if s := strings.TrimSpace(string(runes[begin:])); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func joinedLen(parts []string) int {
	if len(parts) == 0 {
		return 0
	}
	n := len(parts) - 1
	for _, p := range parts {
		n += len([]rune(p))
	}
	return n
}

func isBlank(runes []rune) bool {
	for _, r := range runes {
		if !unicode.IsSpace(r) {
			return false
		}
	}
	return true
}
