// Package groupfolder validates group workspace folder identifiers. Folder
// names end up as filesystem path components, so anything that could escape
// the groups directory is rejected.
package groupfolder

import "strings"

// Valid reports whether s is safe to use as a workspace folder name: a single
// path component made of letters, digits, dashes, and underscores, with no
// separators and no ".." segment.
//
// Stored data may predate validation, so callers must re-check folders read
// back from the store, not just at registration time.
func Valid(s string) bool {
	if s == "" {
		return false
	}
	if strings.ContainsAny(s, `/\`) {
		return false
	}
	if strings.Contains(s, "..") {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return false
		}
	}
	return true
}
