// Package splitter cuts streamed reply text into sentences for synthesis.
//
// [Split] is a pure function over an accumulating buffer. [Splitter] wraps it
// with the buffer itself so the orchestrator can push model tokens as they
// arrive and receive each sentence the moment its terminal mark shows up.
//
// Splitting never alters text: the concatenation of every sentence plus the
// final remainder is byte-for-byte the input.
package splitter

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// isTerminal reports whether r ends a sentence. Commas, CJK included, never do.
func isTerminal(r rune) bool {
	switch r {
	case '.', '!', '?', ';', '…', '\n',
		'。', '！', '？', '；', '．':
		return true
	}
	return false
}

// isCloser reports whether r closes a quotation or parenthetical and belongs
// to the sentence before it.
func isCloser(r rune) bool {
	switch r {
	case '"', '\'', '”', '’', '」', '』', ')', '）':
		return true
	}
	return false
}

// Split returns every complete sentence at the front of buffer together with
// the unconsumed remainder. A sentence runs up to and including a terminal
// mark, plus any directly following terminal marks and closing quotes or
// brackets.
//
// A full stop between two digits ("3.14") is not a boundary. A full stop that
// ends the buffer right after a digit is held back until more text arrives.
func Split(buffer string) (sentences []string, rest string) {
	start := 0
	i := 0
	for i < len(buffer) {
		r, size := utf8.DecodeRuneInString(buffer[i:])
		if !isTerminal(r) || isDecimalPoint(buffer, i, r) {
			i += size
			continue
		}
		if r == '.' && i+size == len(buffer) && precededByDigit(buffer, i) {
			break
		}

		end := i + size
		for end < len(buffer) {
			next, n := utf8.DecodeRuneInString(buffer[end:])
			if !isTerminal(next) && !isCloser(next) {
				break
			}
			end += n
		}
		sentences = append(sentences, buffer[start:end])
		start = end
		i = end
	}
	return sentences, buffer[start:]
}

func isDecimalPoint(s string, i int, r rune) bool {
	if r != '.' || !precededByDigit(s, i) || i+1 >= len(s) {
		return false
	}
	next, _ := utf8.DecodeRuneInString(s[i+1:])
	return unicode.IsDigit(next)
}

func precededByDigit(s string, i int) bool {
	if i == 0 {
		return false
	}
	prev, _ := utf8.DecodeLastRuneInString(s[:i])
	return unicode.IsDigit(prev)
}

// IsBlank reports whether a sentence has nothing to pronounce.
func IsBlank(sentence string) bool {
	return strings.TrimSpace(sentence) == ""
}

// Splitter accumulates streamed text and releases complete sentences.
// It is not safe for concurrent use.
type Splitter struct {
	buf strings.Builder
}

// Push appends chunk and returns the sentences it completed, in order.
func (s *Splitter) Push(chunk string) []string {
	if chunk == "" {
		return nil
	}
	s.buf.WriteString(chunk)
	sentences, rest := Split(s.buf.String())
	if len(sentences) > 0 {
		s.buf.Reset()
		s.buf.WriteString(rest)
	}
	return sentences
}

// Pending returns the buffered text that has not formed a sentence yet.
func (s *Splitter) Pending() string {
	return s.buf.String()
}

// Flush returns and clears the remainder. Called when the stream ends.
func (s *Splitter) Flush() string {
	rest := s.buf.String()
	s.buf.Reset()
	return rest
}
