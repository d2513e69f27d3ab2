package knowledge

import (
	"strings"
	"unicode/utf8"
)

// DefaultSeparators prefers paragraph breaks, then lines, then CJK and
// ASCII sentence punctuation, then spaces.
var DefaultSeparators = []string{"\n\n", "\n", "。", "！", "？", "；", "，", " "}

// Splitter cuts text into chunks of at most Size runes, carrying up to
// Overlap runes of trailing context into the next chunk.
type Splitter struct {
	Size       int
	Overlap    int
	Separators []string
}

func DefaultSplitter() Splitter {
	return Splitter{Size: 150, Overlap: 20, Separators: DefaultSeparators}
}

func (s Splitter) Split(text string) []string {
	if s.Size <= 0 {
		s.Size = 150
	}
	if s.Overlap < 0 || s.Overlap >= s.Size {
		s.Overlap = 0
	}
	if len(s.Separators) == 0 {
		s.Separators = DefaultSeparators
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	return s.split(text, s.Separators)
}

func (s Splitter) split(text string, seps []string) []string {
	sep, rest := "", []string(nil)
	for i, candidate := range seps {
		if strings.Contains(text, candidate) {
			sep, rest = candidate, seps[i+1:]
			break
		}
	}
	if sep == "" {
		return s.hardSplit(text)
	}

	var (
		out  []string
		good []string
	)
	for _, piece := range splitKeep(text, sep) {
		if utf8.RuneCountInString(piece) <= s.Size {
			good = append(good, piece)
			continue
		}
		if len(good) > 0 {
			out = append(out, s.merge(good)...)
			good = nil
		}
		if len(rest) == 0 {
			out = append(out, s.hardSplit(piece)...)
		} else {
			out = append(out, s.split(piece, rest)...)
		}
	}
	if len(good) > 0 {
		out = append(out, s.merge(good)...)
	}
	return out
}

// merge packs small pieces greedily, keeping a tail of at most Overlap
// runes from the previous chunk.
func (s Splitter) merge(pieces []string) []string {
	var (
		out    []string
		window []string
		total  int
	)
	for _, p := range pieces {
		n := utf8.RuneCountInString(p)
		if total+n > s.Size && len(window) > 0 {
			if chunk := strings.TrimSpace(strings.Join(window, "")); chunk != "" {
				out = append(out, chunk)
			}
			for total > s.Overlap || (total+n > s.Size && total > 0) {
				total -= utf8.RuneCountInString(window[0])
				window = window[1:]
			}
		}
		window = append(window, p)
		total += n
	}
	if chunk := strings.TrimSpace(strings.Join(window, "")); chunk != "" {
		out = append(out, chunk)
	}
	return out
}

func (s Splitter) hardSplit(text string) []string {
	runes := []rune(text)
	step := s.Size - s.Overlap
	var out []string
	for start := 0; start < len(runes); start += step {
		end := start + s.Size
		if end > len(runes) {
			end = len(runes)
		}
		if chunk := strings.TrimSpace(string(runes[start:end])); chunk != "" {
			out = append(out, chunk)
		}
		if end == len(runes) {
			break
		}
	}
	return out
}

// splitKeep splits on sep and leaves the separator attached to the end of
// the piece it terminates.
func splitKeep(text, sep string) []string {
	parts := strings.SplitAfter(text, sep)
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
