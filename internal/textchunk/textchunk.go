// Package textchunk splits long replies into pieces the remote API accepts.
package textchunk

import (
	"strings"
	"unicode/utf8"
)

// Split cuts text into chunks of at most limit bytes, preferring newline
// boundaries in the second half of a chunk and never splitting a UTF-8 rune.
// A limit <= 0 returns the text unchanged.
func Split(text string, limit int) []string {
	if limit <= 0 || len(text) <= limit {
		return []string{text}
	}

	var chunks []string
	for len(text) > 0 {
		if len(text) <= limit {
			chunks = append(chunks, text)
			break
		}

		cut := limit
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		if idx := strings.LastIndex(text[:cut], "\n"); idx > limit/2 {
			cut = idx + 1
		}
		if cut == 0 {
			_, size := utf8.DecodeRuneInString(text)
			cut = size
		}

		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	return chunks
}
