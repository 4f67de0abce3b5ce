// Package extract pulls structured values out of loosely-structured payloads:
// JSON-LD script blocks, window-global assignments, and JSON-like fragments
// embedded in oversized or JS-flavored blobs.
package extract

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/titanous/json5"

	"harvester/internal/domain"
)

// JSONLD scans htmlContent for embedded structured-data script blocks and
// returns the first one whose declared @type matches wantType. If none
// matches, the first parseable block is returned instead.
func JSONLD(htmlContent, wantType string) (json.RawMessage, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlContent))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformed, err)
	}

	var firstParseable json.RawMessage
	var matched json.RawMessage

	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		raw := strings.TrimSpace(s.Text())
		var probe struct {
			Type string `json:"@type"`
		}
		if !json.Valid([]byte(raw)) {
			return true
		}
		if firstParseable == nil {
			firstParseable = json.RawMessage(raw)
		}
		if wantType != "" && json.Unmarshal([]byte(raw), &probe) == nil && probe.Type == wantType {
			matched = json.RawMessage(raw)
			return false
		}
		return true
	})

	if matched != nil {
		return matched, nil
	}
	if firstParseable != nil {
		return firstParseable, nil
	}
	return nil, fmt.Errorf("%w: no parseable ld+json block", domain.ErrNotFound)
}

// WindowVar locates a `window.<name> = {...};` global assignment and returns
// the assigned object literal.
func WindowVar(htmlContent, name string) (json.RawMessage, error) {
	re, err := regexp.Compile(`(?s)window\.` + regexp.QuoteMeta(name) + `\s*=\s*(\{.*?\});`)
	if err != nil {
		return nil, err
	}
	m := re.FindStringSubmatch(htmlContent)
	if m == nil {
		return nil, fmt.Errorf("%w: window.%s assignment", domain.ErrNotFound, name)
	}
	if !json.Valid([]byte(m[1])) {
		return nil, fmt.Errorf("%w: window.%s value is not valid JSON", domain.ErrMalformed, name)
	}
	return json.RawMessage(m[1]), nil
}

// BalancedSlice locates key inside blob, finds the opening bracket of its
// value and scans forward counting nested brackets of the same type until
// the depth returns to zero. The enclosing document does not have to be
// parseable; only the returned fragment does.
func BalancedSlice(blob, key string) (string, error) {
	marker := `"` + key + `":`
	start := strings.Index(blob, marker)
	if start == -1 {
		return "", fmt.Errorf("%w: key %q", domain.ErrNotFound, key)
	}

	rest := blob[start+len(marker):]
	open := strings.IndexAny(rest, "[{")
	if open == -1 {
		return "", fmt.Errorf("%w: no opening bracket after key %q", domain.ErrNotFound, key)
	}

	var opener, closer byte
	if rest[open] == '[' {
		opener, closer = '[', ']'
	} else {
		opener, closer = '{', '}'
	}

	depth := 1
	for i := open + 1; i < len(rest); i++ {
		switch rest[i] {
		case opener:
			depth++
		case closer:
			depth--
		}
		if depth == 0 {
			return rest[open : i+1], nil
		}
	}
	return "", fmt.Errorf("%w: brackets never balance for key %q", domain.ErrMalformed, key)
}

// BalancedValue extracts the bracket-balanced fragment for key and parses it
// with a lenient JSON-superset parser, tolerating JS-flavored object syntax.
func BalancedValue(blob, key string, out any) error {
	fragment, err := BalancedSlice(blob, key)
	if err != nil {
		return err
	}
	if err := json5.Unmarshal([]byte(fragment), out); err != nil {
		return fmt.Errorf("%w: fragment for key %q: %v", domain.ErrMalformed, key, err)
	}
	return nil
}
