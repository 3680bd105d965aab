package ingest

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// maxFunctionNameLen bounds a single function name.
const maxFunctionNameLen = 80

var stripPolicy = bluemonday.StrictPolicy()

// TruncateText cuts a string to max length, appending ellipsis if truncated.
func TruncateText(text string, maxLen int) string {
	if utf8.RuneCountInString(text) <= maxLen {
		return text
	}
	runes := []rune(text)
	if maxLen > 3 {
		return string(runes[:maxLen-3]) + "..."
	}
	return string(runes[:maxLen])
}

// HTMLToText converts HTML to plain text, collapsing whitespace.
func HTMLToText(s string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return cleanText(s)
	}
	return cleanText(doc.Text())
}

func looksLikeHTML(s string) bool {
	i := strings.IndexByte(s, '<')
	return i >= 0 && strings.IndexByte(s[i:], '>') > 0
}

// sanitizeUTF8 drops invalid byte sequences.
func sanitizeUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	return strings.ToValidUTF8(s, "")
}

// cleanFunctionName strips markup, list markers and trailing punctuation from
// one function name. It returns "" for names with no text left.
func cleanFunctionName(s string) string {
	s = sanitizeUTF8(s)
	if looksLikeHTML(s) {
		s = stripPolicy.Sanitize(s)
	}
	s = html.UnescapeString(s)
	s = stripListMarker(s)
	s = strings.Trim(s, " .,;:!?\"'")
	return TruncateText(cleanText(s), maxFunctionNameLen)
}

// cleanFunctionList cleans every name, dropping blanks and case-insensitive
// repeats. The result is never nil.
func cleanFunctionList(items []string) []string {
	cleaned := make([]string, 0, len(items))
	for _, item := range items {
		if name := cleanFunctionName(item); name != "" {
			cleaned = append(cleaned, name)
		}
	}
	return mergeUniqueFold([]string{}, cleaned)
}

func titleCase(s string) string {
	return cases.Title(language.English).String(s)
}

// NormalizeRaw trims identifiers. The concept description is left exactly as
// delivered since it feeds the fingerprint.
func NormalizeRaw(raw RawOpportunity) RawOpportunity {
	raw.ID = strings.TrimSpace(raw.ID)
	raw.SourceRunID = strings.TrimSpace(raw.SourceRunID)
	return raw
}
