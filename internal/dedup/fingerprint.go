// Package dedup maps opportunities onto canonical business concepts by a
// content fingerprint of their normalized description.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// conceptPrefixes are labels upstream sources put in front of a description.
// They carry no meaning for identity.
var conceptPrefixes = []string{
	"mobile app:",
	"web app:",
	"app:",
	"idea:",
}

// Normalize lower-cases the text, collapses whitespace and strips recognized
// prefixes, repeatedly, so "Idea: App: X" and "x" normalize the same.
func Normalize(text string) string {
	s := strings.Join(strings.Fields(strings.ToLower(text)), " ")

	for {
		stripped := false
		for _, prefix := range conceptPrefixes {
			if strings.HasPrefix(s, prefix) {
				s = strings.TrimSpace(s[len(prefix):])
				stripped = true
			}
		}
		if !stripped {
			return s
		}
	}
}

// Fingerprint is the hex SHA-256 of the normalized text.
func Fingerprint(text string) string {
	return hashNormalized(Normalize(text))
}

func hashNormalized(normalized string) string {
	h := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(h[:])
}
