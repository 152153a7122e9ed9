// Package tags derives the normalized tag set of a node.
package tags

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"outliner/api/internal/richtext"
)

// A hashtag starts at the beginning of the text or after a character that
// cannot be part of a word, URL path or HTML entity.
var hashtagPattern = regexp.MustCompile(`(?:^|[^\p{L}\p{N}_&/])#([\p{L}\p{N}_][\p{L}\p{N}_\-/]*)`)

// Extract returns the lowercase, deduplicated and sorted hashtags found in
// title and in the plain text of content. Purely numeric tags (#1, #2024)
// are ignored.
func Extract(title string, content json.RawMessage) []string {
	seen := map[string]struct{}{}
	collect(seen, title)
	collect(seen, richtext.PlainText(content))

	out := make([]string, 0, len(seen))
	for tag := range seen {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

func collect(seen map[string]struct{}, text string) {
	if !strings.Contains(text, "#") {
		return
	}
	for _, match := range hashtagPattern.FindAllStringSubmatch(text, -1) {
		tag := strings.ToLower(strings.TrimRight(match[1], "-/"))
		if tag == "" || isNumeric(tag) {
			continue
		}
		seen[tag] = struct{}{}
	}
}

func isNumeric(value string) bool {
	for _, r := range value {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
