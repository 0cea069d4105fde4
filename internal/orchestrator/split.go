package orchestrator

import (
	"strings"
)

var (
	paragraphBreak = []rune("\n\n")
	sentenceBreak  = []rune(". ")
	wordBreak      = []rune(" ")
)

// SplitResponse breaks text into parts of at most maxLength characters.
//
// Each cut is made at the last paragraph break that fits. If that would leave the part
// shorter than half of maxLength, the last sentence end is used instead, then the last
// space. Text without any break is hard-cut at maxLength.
func SplitResponse(text string, maxLength int) []string {
	runes := []rune(text)
	if maxLength <= 0 || len(runes) <= maxLength {
		return []string{text}
	}

	var parts []string
	remaining := runes
	half := maxLength / 2

	for len(remaining) > 0 {
		if len(remaining) <= maxLength {
			parts = append(parts, string(remaining))
			break
		}

		// The part keeps the break's first rune, so search no further than maxLength-1.
		limit := maxLength - 1
		cut := lastIndex(remaining, paragraphBreak, limit)
		if cut < half {
			cut = lastIndex(remaining, sentenceBreak, limit)
		}
		if cut < half {
			cut = lastIndex(remaining, wordBreak, limit)
		}

		var part, rest []rune
		if cut < 0 {
			part, rest = remaining[:maxLength], remaining[maxLength:]
		} else {
			part, rest = remaining[:cut+1], remaining[cut+1:]
		}

		if p := strings.TrimSpace(string(part)); p != "" {
			parts = append(parts, p)
		}
		remaining = []rune(strings.TrimSpace(string(rest)))
	}

	return parts
}

// lastIndex returns the start of the last occurrence of sep beginning at or before from, or -1.
func lastIndex(s, sep []rune, from int) int {
	if from > len(s)-len(sep) {
		from = len(s) - len(sep)
	}
	for i := from; i >= 0; i-- {
		match := true
		for j := range sep {
			if s[i+j] != sep[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}
