// Package textutil cuts strings on byte budgets without splitting UTF-8
// sequences.
package textutil

import "unicode/utf8"

// Head returns the longest prefix of s that is at most n bytes and ends on
// a rune boundary.
func Head(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// Tail returns the longest suffix of s that is at most n bytes and starts
// on a rune boundary.
func Tail(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	i := len(s) - n
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return s[i:]
}
