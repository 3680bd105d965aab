package ingest

import (
	"strings"
)

// normalizeSpace collapses multiple spaces into one and trims the string.
func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// cleanText normalizes whitespace (alias for normalizeSpace)
func cleanText(s string) string {
	return normalizeSpace(s)
}

// splitAndCleanList turns a block of bullet or numbered lines into items,
// dropping markers and blank lines.
func splitAndCleanList(block string) []string {
	block = strings.ReplaceAll(block, "\r\n", "\n")
	block = strings.ReplaceAll(block, "\r", "\n")

	var out []string
	for _, raw := range strings.Split(block, "\n") {
		s := stripListMarker(raw)
		if s == "" {
			continue
		}
		out = append(out, s)
	}

	return mergeUniqueFold(nil, out)
}

func stripListMarker(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimLeft(s, " \t-*•–—")
	s = strings.TrimSpace(s)
	s = stripLeadingNumbering(s)
	return cleanText(s)
}

// stripLeadingNumbering removes "1.", "2)", "3 -" style prefixes. Digits not
// followed by a separator are part of the text ("3D printing").
func stripLeadingNumbering(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return s
	}

	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 0 || i >= len(s) {
		return s
	}
	switch s[i] {
	case '.', ')', '-', ':':
	default:
		return s
	}

	for i < len(s) {
		switch s[i] {
		case '.', ')', '-', ':', ' ', '\t':
			i++
		default:
			return strings.TrimSpace(s[i:])
		}
	}

	return ""
}

// mergeUniqueFold appends items not already present, comparing
// case-insensitively and skipping blanks.
func mergeUniqueFold(dst []string, items []string) []string {
	seen := make(map[string]struct{}, len(dst))
	for _, v := range dst {
		k := strings.ToLower(strings.TrimSpace(v))
		if k != "" {
			seen[k] = struct{}{}
		}
	}

	for _, v := range items {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		k := strings.ToLower(v)
		if _, ok := seen[k]; ok {
			continue
		}
		dst = append(dst, v)
		seen[k] = struct{}{}
	}

	return dst
}
