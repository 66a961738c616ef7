// ABOUTME: Helpers that turn human-entered numbers and protocol ids into canonical forms
// ABOUTME: Used by recipient checks and default chat display names

package session

import "strings"

// NormalizeNumber strips everything but ASCII digits: "+1 (555) 000-1111" -> "15550001111".
func NormalizeNumber(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
}

// localPart returns the user part of a protocol id, used as a fallback display
// name: "15550001111@net" -> "15550001111", "@alice:example.org" -> "alice".
func localPart(id string) string {
	id = strings.TrimPrefix(id, "@")
	if i := strings.IndexAny(id, "@:"); i > 0 {
		return id[:i]
	}
	return id
}
