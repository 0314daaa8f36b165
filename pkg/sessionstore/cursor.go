package sessionstore

import (
	"strconv"
	"strings"
)

// CursorAfter reports whether relay entry id sorts strictly after cursor.
// Ids are either zero-padded sequence numbers or Redis stream ids
// ("<ms>-<seq>"); an empty cursor precedes everything.
func CursorAfter(id, cursor string) bool {
	if cursor == "" {
		return id != ""
	}
	a, aok := parseCursor(id)
	b, bok := parseCursor(cursor)
	if !aok || !bok {
		return id > cursor
	}
	if a[0] != b[0] {
		return a[0] > b[0]
	}
	return a[1] > b[1]
}

func parseCursor(s string) ([2]uint64, bool) {
	var out [2]uint64
	head, tail, found := strings.Cut(s, "-")
	ms, err := strconv.ParseUint(head, 10, 64)
	if err != nil {
		return out, false
	}
	out[0] = ms
	if found {
		seq, err := strconv.ParseUint(tail, 10, 64)
		if err != nil {
			return out, false
		}
		out[1] = seq
	}
	return out, true
}
