package utils

import (
	"strings"
)

// Dedup trims each entry, drops empty ones and keeps the first occurrence
// of the rest, in order.
func Dedup(in []string) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, e := range in {
		e = strings.TrimSpace(e)
		if e == "" || seen[e] {
			continue
		}
		seen[e] = true
		out = append(out, e)
	}
	return out
}
