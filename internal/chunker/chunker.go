// Package chunker turns an unbounded stream of token deltas into bounded,
// self-contained text segments suitable for push delivery to chat channels.
// Splits happen on natural textual boundaries and never leave a segment
// dangling inside a fenced code block: an emission that lands mid-fence
// closes the fence and re-opens it on the remainder.
package chunker

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Break ranks acceptable split points. Lower preferences fall through to the
// next one: paragraph → newline → sentence → forced at max.
type Break int

const (
	BreakParagraph Break = iota
	BreakNewline
	BreakSentence
)

const (
	defaultMinChars = 200
	defaultMaxChars = 800

	fence = "```"
)

// Config tunes a Chunker instance.
type Config struct {
	MinChars int   // below this, nothing is emitted (default 200)
	MaxChars int   // above this, emit even without a natural boundary (default 800)
	Break    Break // most-preferred split point
}

// Chunker buffers pushed deltas and emits segments. Not safe for concurrent
// use; each run owns its own instance.
type Chunker struct {
	min  int
	max  int
	pref Break

	buf strings.Builder

	// fenceAtStart is the real fence state at the start of the buffer
	// (synthetic re-open markers are not counted).
	fenceAtStart bool
	// reopen means the previous emission closed a fence mid-block and the
	// next segment must re-open it.
	reopen bool
}

func New(cfg Config) *Chunker {
	min := cfg.MinChars
	if min <= 0 {
		min = defaultMinChars
	}
	max := cfg.MaxChars
	if max <= 0 {
		max = defaultMaxChars
	}
	if min > max {
		max = min + 1
	}
	return &Chunker{min: min, max: max, pref: cfg.Break}
}

// Push appends a delta to the buffer and returns zero or more complete
// segments ready for delivery.
func (c *Chunker) Push(text string) []string {
	if text == "" {
		return nil
	}
	c.buf.WriteString(text)

	var out []string
	for {
		seg, ok := c.emitOne()
		if !ok {
			break
		}
		out = append(out, seg)
	}
	return out
}

// Flush emits whatever remains as one final segment, closing any open
// fence. Returns "" when the buffer is empty.
func (c *Chunker) Flush() string {
	rest := c.buf.String()
	c.buf.Reset()
	if rest == "" {
		c.fenceAtStart = false
		c.reopen = false
		return ""
	}

	seg := rest
	if c.reopen {
		seg = fence + "\n" + seg
	}
	if c.fenceAtStart != (countFences(rest)%2 == 1) {
		// odd toggle count relative to start → fence still open at the end
		seg += "\n" + fence
	}
	c.fenceAtStart = false
	c.reopen = false
	return seg
}

// Pending returns the number of buffered, unemitted characters.
func (c *Chunker) Pending() int { return c.buf.Len() }

func (c *Chunker) emitOne() (string, bool) {
	s := c.buf.String()
	if len(s) < c.min {
		return "", false
	}

	limit := c.max
	if len(s) < limit {
		limit = len(s)
	}

	cut := findBreak(s, limit, c.pref)
	if cut <= 0 {
		if len(s) < c.max {
			return "", false
		}
		cut = forceCut(s, c.max)
	}

	seg := s[:cut]
	rest := s[cut:]

	fenceAtCut := c.fenceAtStart != (countFences(seg)%2 == 1)

	out := seg
	if c.reopen {
		out = fence + "\n" + out
	}
	if fenceAtCut {
		out += "\n" + fence
	}

	c.buf.Reset()
	c.buf.WriteString(rest)
	c.fenceAtStart = fenceAtCut
	c.reopen = fenceAtCut
	return out, true
}

// findBreak returns the cut position of the latest acceptable boundary with
// cut <= limit, or 0 when none exists. The preference fall-through order is
// paragraph → newline → sentence.
func findBreak(s string, limit int, pref Break) int {
	window := s[:limit]

	if pref <= BreakParagraph {
		if idx := strings.LastIndex(window, "\n\n"); idx >= 0 {
			return idx + 2
		}
	}
	if pref <= BreakNewline {
		if idx := strings.LastIndexByte(window, '\n'); idx >= 0 {
			return idx + 1
		}
	}
	return lastSentenceEnd(window)
}

// lastSentenceEnd finds the latest sentence boundary: an ASCII terminator
// followed by whitespace, or a CJK full-width terminator.
func lastSentenceEnd(s string) int {
	best := 0
	for i, r := range s {
		switch r {
		case '.', '!', '?':
			next := i + 1
			if next < len(s) {
				nr, _ := utf8.DecodeRuneInString(s[next:])
				if unicode.IsSpace(nr) {
					best = next + 1
				}
			}
		case '。', '！', '？':
			best = i + utf8.RuneLen(r)
		}
	}
	return best
}

// forceCut picks the nearest whitespace at or before max, falling back to a
// hard cut at max (rune-aligned).
func forceCut(s string, max int) int {
	window := s[:max]
	if idx := strings.LastIndexFunc(window, unicode.IsSpace); idx > 0 {
		_, size := utf8.DecodeRuneInString(s[idx:])
		return idx + size
	}
	// Hard cut: back off to a rune boundary.
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	if cut == 0 {
		cut = max
	}
	return cut
}

func countFences(s string) int {
	return strings.Count(s, fence)
}
