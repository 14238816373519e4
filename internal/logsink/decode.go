package logsink

import (
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
)

// Decode converts raw process output to a UTF-8 string, replacing invalid
// byte sequences with U+FFFD instead of failing.
func Decode(b []byte) string {
	s, _, err := transform.String(runes.ReplaceIllFormed(), string(b))
	if err != nil {
		// ReplaceIllFormed never fails on complete input; keep the bytes anyway.
		return string(b)
	}
	return s
}

// TrimChunk prepares a chunk for a cursor reader. When more bytes follow
// it, a trailing partial UTF-8 sequence is held back for the next read,
// unless that leaves nothing, so the cursor always advances. At the end of
// the log the chunk is returned whole.
func TrimChunk(b []byte, more bool) []byte {
	if !more {
		return b
	}
	if t := TrimIncomplete(b); len(t) > 0 {
		return t
	}
	return b
}

// TrimIncomplete drops a trailing partial UTF-8 sequence so that a reader
// polling a growing log does not split a character across two chunks. The
// caller advances its cursor by len of the returned slice.
func TrimIncomplete(b []byte) []byte {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if utf8.FullRune(b[i:]) {
			return b
		}
		return b[:i]
	}
	return b
}
