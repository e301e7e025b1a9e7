// Package sse implements the multi-byte-safe Server-Sent-Events framer and
// decoder shared by the flow resolver (C4) and by any client of the
// inbound streaming API. See spec.md §4.1.
package sse

// Chunk splits s into pieces of at most n UTF-16 code units each, never
// splitting a surrogate pair. A rune outside the Basic Multilingual Plane
// costs two code units; when such a rune starts a fresh chunk and n==1,
// the resulting chunk is n+1 units rather than splitting the pair.
//
// Operating on runes (not raw UTF-16 units) guarantees surrogate pairs are
// never separated: a Go rune is always a whole Unicode code point.
func Chunk(s string, n int) []string {
	if n <= 0 {
		n = 1
	}
	if s == "" {
		return nil
	}

	var chunks []string
	var cur []rune
	curUnits := 0

	flush := func() {
		if len(cur) > 0 {
			chunks = append(chunks, string(cur))
			cur = nil
			curUnits = 0
		}
	}

	for _, r := range s {
		units := 1
		if r > 0xFFFF {
			units = 2
		}
		if curUnits > 0 && curUnits+units > n {
			flush()
		}
		cur = append(cur, r)
		curUnits += units
	}
	flush()

	return chunks
}
