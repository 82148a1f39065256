package util

import "strings"

// SplitLines splits on '\n' and drops a single trailing terminator, so
// "a\nb\n" and "a\nb" both have two lines.
func SplitLines(s string) []string {
	if s == "" {
		return nil
	}
	s = strings.TrimSuffix(s, "\n")
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines
}

// DiffLines counts line-level edits between two versions of a text. Common
// leading and trailing lines are ignored; within the differing middle,
// paired lines count as changes and the remainder as additions or deletions.
func DiffLines(before, after string) (additions, changes, deletions int) {
	a := SplitLines(before)
	b := SplitLines(after)

	prefix := 0
	for prefix < len(a) && prefix < len(b) && a[prefix] == b[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(a)-prefix && suffix < len(b)-prefix && a[len(a)-1-suffix] == b[len(b)-1-suffix] {
		suffix++
	}

	oldMid := len(a) - prefix - suffix
	newMid := len(b) - prefix - suffix
	changes = min(oldMid, newMid)
	return newMid - changes, changes, oldMid - changes
}
