package extract

import (
	"strings"
	"unicode/utf8"
)

const (
	// DefaultChunkSize is the character budget per generative request.
	DefaultChunkSize = 25000
	// MinChunkSize drops fragments too small to hold a question.
	MinChunkSize = 50
)

// SplitChunks splits text into pieces of at most maxSize characters. It breaks
// on line boundaries, falls back to sentence boundaries for oversized lines
// and to a hard split for oversized sentences. Chunks shorter than minSize
// after trimming are discarded.
func SplitChunks(text string, maxSize, minSize int) []string {
	if maxSize <= 0 {
		maxSize = DefaultChunkSize
	}

	var pieces []string
	for _, line := range strings.Split(text, "\n") {
		if utf8.RuneCountInString(line) <= maxSize {
			pieces = append(pieces, line)
			continue
		}
		for _, s := range splitSentences(line) {
			if utf8.RuneCountInString(s) <= maxSize {
				pieces = append(pieces, s)
				continue
			}
			pieces = append(pieces, hardSplit(s, maxSize)...)
		}
	}

	var chunks []string
	var cur strings.Builder
	curLen := 0
	flush := func() {
		if c := cur.String(); utf8.RuneCountInString(strings.TrimSpace(c)) >= minSize {
			chunks = append(chunks, c)
		}
		cur.Reset()
		curLen = 0
	}
	for _, p := range pieces {
		n := utf8.RuneCountInString(p)
		if curLen > 0 && curLen+1+n > maxSize {
			flush()
		}
		if curLen > 0 {
			cur.WriteByte('\n')
			curLen++
		}
		cur.WriteString(p)
		curLen += n
	}
	if curLen > 0 {
		flush()
	}
	return chunks
}

// splitSentences splits after '.', '!' or '?' followed by whitespace.
// The terminator stays with its sentence.
func splitSentences(line string) []string {
	var out []string
	start := 0
	runes := []rune(line)
	for i := 0; i < len(runes)-1; i++ {
		switch runes[i] {
		case '.', '!', '?':
			if runes[i+1] == ' ' || runes[i+1] == '\t' {
				out = append(out, string(runes[start:i+1]))
				start = i + 2
			}
		}
	}
	if start < len(runes) {
		out = append(out, string(runes[start:]))
	}
	return out
}

func hardSplit(s string, size int) []string {
	runes := []rune(s)
	var out []string
	for len(runes) > size {
		out = append(out, string(runes[:size]))
		runes = runes[size:]
	}
	if len(runes) > 0 {
		out = append(out, string(runes))
	}
	return out
}
