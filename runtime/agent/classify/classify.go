// Package classify splits a streamed model output into reasoning and answer
// segments using <thinking> and <answer> markers.
//
// A Classifier is fed raw text fragments as they arrive and returns the
// segments it can already decide on. Markers may be split across fragments:
// the classifier keeps the last TailSize bytes of undecided text buffered so
// a partial marker is recognized once the rest of it arrives. Text outside
// any marker is reasoning: it is emitted as thinking and never as answer.
package classify

import (
	"strings"
	"unicode/utf8"
)

type (
	// Token is a classified content segment.
	Token struct {
		Content string `json:"content"`
		Class   Class  `json:"class"`
	}

	// Class is the category of a Token.
	Class string

	// Classifier is the per-execution classification state machine. It is
	// not safe for concurrent use.
	Classifier struct {
		mode mode
		buf  string
	}

	mode int
)

const (
	ClassThinking Class = "thinking"
	ClassAnswer   Class = "answer"
)

const (
	modeNone mode = iota
	modeThinking
	modeAnswer
)

// Markers recognized by the classifier.
const (
	OpenThinking  = "<thinking>"
	CloseThinking = "</thinking>"
	OpenAnswer    = "<answer>"
	CloseAnswer   = "</answer>"
)

// TailSize is the number of trailing bytes retained between feeds. It must be
// at least the length of the longest marker minus one.
const TailSize = 20

// New returns a Classifier outside any marker.
func New() *Classifier {
	return &Classifier{}
}

// Feed appends fragment to the pending buffer and returns the segments that
// can be decided.
func (c *Classifier) Feed(fragment string) []Token {
	c.buf += fragment
	var out []Token
	for {
		if c.mode == modeNone {
			i, m, n := openMarker(c.buf)
			if i < 0 {
				out = c.emitHead(out, ClassThinking)
				return out
			}
			out = appendToken(out, c.buf[:i], ClassThinking)
			c.buf = c.buf[i+n:]
			c.mode = m
			continue
		}
		closing, class := CloseThinking, ClassThinking
		if c.mode == modeAnswer {
			closing, class = CloseAnswer, ClassAnswer
		}
		i := strings.Index(c.buf, closing)
		if i < 0 {
			out = c.emitHead(out, class)
			return out
		}
		out = appendToken(out, c.buf[:i], class)
		c.buf = c.buf[i+len(closing):]
		c.mode = modeNone
	}
}

// Flush emits whatever is still buffered: under the current class when
// inside a marker, as thinking otherwise. The classifier is reset.
func (c *Classifier) Flush() []Token {
	class := ClassThinking
	if c.mode == modeAnswer {
		class = ClassAnswer
	}
	out := appendToken(nil, c.buf, class)
	c.buf = ""
	c.mode = modeNone
	return out
}

// emitHead emits all but the retained tail of the buffer under class.
func (c *Classifier) emitHead(out []Token, class Class) []Token {
	if len(c.buf) <= TailSize {
		return out
	}
	cut := len(c.buf) - TailSize
	for cut > 0 && !utf8.RuneStart(c.buf[cut]) {
		cut--
	}
	out = appendToken(out, c.buf[:cut], class)
	c.buf = c.buf[cut:]
	return out
}

// openMarker finds the earliest opening marker in s and returns its index,
// the mode it enters and its length. The index is -1 when none is present.
func openMarker(s string) (int, mode, int) {
	ti := strings.Index(s, OpenThinking)
	ai := strings.Index(s, OpenAnswer)
	switch {
	case ti < 0 && ai < 0:
		return -1, modeNone, 0
	case ai < 0 || (ti >= 0 && ti < ai):
		return ti, modeThinking, len(OpenThinking)
	default:
		return ai, modeAnswer, len(OpenAnswer)
	}
}

func appendToken(out []Token, content string, class Class) []Token {
	if content == "" {
		return out
	}
	return append(out, Token{Content: content, Class: class})
}

// Merge coalesces adjacent tokens of the same class.
func Merge(tokens []Token) []Token {
	var out []Token
	for _, t := range tokens {
		if n := len(out); n > 0 && out[n-1].Class == t.Class {
			out[n-1].Content += t.Content
			continue
		}
		if t.Content != "" {
			out = append(out, t)
		}
	}
	return out
}

// Text concatenates the content of tokens with the given class.
func Text(tokens []Token, class Class) string {
	var sb strings.Builder
	for _, t := range tokens {
		if t.Class == class {
			sb.WriteString(t.Content)
		}
	}
	return sb.String()
}
