package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/david/opportunity-validator/internal/scoring"
)

const (
	// maxFreeTextFunctions caps what the description heuristics may return.
	maxFreeTextFunctions = 3
	// maxPlaceholderFunctions bounds counts expanded into placeholder names.
	maxPlaceholderFunctions = 1000
)

var (
	listItemLine = regexp.MustCompile(`^\s*(?:[-*•–—]|\d{1,2}[.)])\s+\S`)

	capabilityPhrase = regexp.MustCompile(`(?i)\b(?:allows|enables|provides|lets|helps)\s+(?:(?:users|people|you|teams|customers|them|businesses)\s+)?(?:to\s+)?([^.;:!?\n]+)`)
	phraseSplit      = regexp.MustCompile(`(?i)\s*(?:,|\band\b|\bor\b|\bplus\b)\s*`)

	verbObject = regexp.MustCompile(`(?i)\b(track|log|manage|create|share|schedule|book|find|compare|monitor|analy[sz]e|generate|send|automate|organi[sz]e|sync|export|import|record|plan|search|split|remind|scan|translate|invoice|edit|upload|stream|order|pay|sell|rent|match|rate|review|learn|practice|measure|detect|recommend|summari[sz]e)\s+(?:(?:a|an|the|your|their|my|our|its)\s+)?([a-z][a-z'-]*)`)

	objectStopwords = map[string]bool{
		"to": true, "and": true, "or": true, "with": true, "for": true, "of": true,
		"it": true, "them": true, "in": true, "on": true, "by": true, "from": true,
		"up": true, "out": true, "into": true, "across": true,
	}
)

// ExtractFunctions turns the resolved source into a canonical function list.
// An empty, non-nil list means nothing usable was found; callers decide
// whether that is fatal.
func ExtractFunctions(src FunctionSource) ([]string, error) {
	switch src.Kind {
	case SourceExplicitList:
		return cleanFunctionList(src.List), nil
	case SourceSerialized:
		return decodeSerializedFunctions(src.Payload)
	case SourceLegacyCount:
		n, err := countFromNumber(src.Count)
		if err != nil {
			return nil, fmt.Errorf("legacy function count: %w", err)
		}
		return placeholderFunctions(n), nil
	case SourceFreeText:
		return extractFreeTextFunctions(src.Text), nil
	default:
		return nil, fmt.Errorf("%w: unknown function source %d", ErrMalformedRecord, src.Kind)
	}
}

func countFromNumber(v float64) (int, error) {
	n, err := scoring.FunctionCountFromFloat(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrMalformedRecord, err)
	}
	if n > maxPlaceholderFunctions {
		return 0, fmt.Errorf("%w: function count %d exceeds %d", ErrMalformedRecord, n, maxPlaceholderFunctions)
	}
	return n, nil
}

func placeholderFunctions(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("function_%d", i+1)
	}
	return out
}

type serializedFunctions struct {
	Functions []string `json:"functions"`
	Count     *float64 `json:"count"`
}

// decodeSerializedFunctions accepts a JSON list of names, a bare count, an
// object carrying either, or any of those wrapped once in a JSON string.
func decodeSerializedFunctions(payload json.RawMessage) ([]string, error) {
	p := bytes.TrimSpace(payload)
	if len(p) > 0 && p[0] == '"' {
		var inner string
		if err := json.Unmarshal(p, &inner); err != nil {
			return nil, fmt.Errorf("%w: core_functions_json: %v", ErrMalformedRecord, err)
		}
		p = bytes.TrimSpace([]byte(inner))
		if len(p) > 0 && p[0] == '"' {
			return nil, fmt.Errorf("%w: core_functions_json is doubly encoded", ErrMalformedRecord)
		}
	}
	if len(p) == 0 {
		return nil, fmt.Errorf("%w: core_functions_json is empty", ErrMalformedRecord)
	}

	switch c := p[0]; {
	case c == '[':
		var names []string
		if err := json.Unmarshal(p, &names); err != nil {
			return nil, fmt.Errorf("%w: core_functions_json list: %v", ErrMalformedRecord, err)
		}
		return cleanFunctionList(names), nil
	case c == '{':
		var obj serializedFunctions
		if err := json.Unmarshal(p, &obj); err != nil {
			return nil, fmt.Errorf("%w: core_functions_json object: %v", ErrMalformedRecord, err)
		}
		if obj.Functions != nil {
			return cleanFunctionList(obj.Functions), nil
		}
		if obj.Count != nil {
			n, err := countFromNumber(*obj.Count)
			if err != nil {
				return nil, err
			}
			return placeholderFunctions(n), nil
		}
		return nil, fmt.Errorf("%w: core_functions_json object has neither functions nor count", ErrMalformedRecord)
	case c == '-' || (c >= '0' && c <= '9'):
		var v float64
		if err := json.Unmarshal(p, &v); err != nil {
			return nil, fmt.Errorf("%w: core_functions_json count: %v", ErrMalformedRecord, err)
		}
		n, err := countFromNumber(v)
		if err != nil {
			return nil, err
		}
		return placeholderFunctions(n), nil
	default:
		return nil, fmt.Errorf("%w: core_functions_json must be a list, count or object", ErrMalformedRecord)
	}
}

// extractFreeTextFunctions runs the description heuristics in order and keeps
// the first one that matches: HTML list items, bullet or numbered lines,
// capability phrasing, then verb-object phrases.
func extractFreeTextFunctions(text string) []string {
	text = sanitizeUTF8(text)
	if strings.TrimSpace(text) == "" {
		return []string{}
	}

	plain := text
	var candidates [][]string
	if looksLikeHTML(text) {
		candidates = append(candidates, htmlListItems(text))
		plain = HTMLToText(text)
	} else {
		candidates = append(candidates, bulletItems(text))
	}
	candidates = append(candidates, capabilityPhrases(plain), verbObjectPhrases(plain))

	for _, items := range candidates {
		names := cleanFunctionList(items)
		if len(names) == 0 {
			continue
		}
		for i, n := range names {
			names[i] = titleCase(n)
		}
		names = mergeUniqueFold([]string{}, names)
		if len(names) > maxFreeTextFunctions {
			names = names[:maxFreeTextFunctions]
		}
		return names
	}
	return []string{}
}

func htmlListItems(s string) []string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return nil
	}
	var out []string
	doc.Find("li").Each(func(_ int, sel *goquery.Selection) {
		out = append(out, cleanText(sel.Text()))
	})
	return out
}

func bulletItems(s string) []string {
	var marked []string
	for _, line := range strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n") {
		if listItemLine.MatchString(line) {
			marked = append(marked, line)
		}
	}
	if len(marked) == 0 {
		return nil
	}
	return splitAndCleanList(strings.Join(marked, "\n"))
}

func capabilityPhrases(s string) []string {
	var out []string
	for _, m := range capabilityPhrase.FindAllStringSubmatch(s, -1) {
		for _, part := range phraseSplit.Split(m[1], -1) {
			part = strings.TrimSpace(part)
			part = strings.TrimPrefix(strings.TrimPrefix(part, "to "), "To ")
			if part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func verbObjectPhrases(s string) []string {
	var out []string
	for _, m := range verbObject.FindAllStringSubmatch(s, -1) {
		object := strings.ToLower(m[2])
		if objectStopwords[object] {
			continue
		}
		out = append(out, strings.ToLower(m[1])+" "+object)
	}
	return out
}
