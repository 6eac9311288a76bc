// Package utils holds small helpers shared across layers, free of any
// domain logic.
package utils

import "strconv"

// AtoiDefault parses s as an int, returning def when s is empty or not a
// number. Query parameters arrive as strings and a bad value should never
// fail a listing request, so callers get the default instead of an error.
func AtoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

// ClampLimit parses s as a page size and clamps it to [1, max]. Used by the
// listing endpoints so a client cannot request an unbounded page of rows.
func ClampLimit(s string, def, max int) int {
	n := AtoiDefault(s, def)
	if n < 1 {
		n = def
	}
	if n > max {
		n = max
	}
	return n
}
