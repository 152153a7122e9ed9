// Package richtext walks stored node content. Content is either a structured
// editor document (a JSON node list or a single root node) or an opaque HTML
// string; the engine only reads text and image sources from it.
package richtext

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
)

type Kind int

const (
	KindEmpty Kind = iota
	KindHTML
	KindTree
)

// Classify reports how content is encoded.
func Classify(content json.RawMessage) Kind {
	trimmed := bytes.TrimSpace(content)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return KindEmpty
	}
	switch trimmed[0] {
	case '"':
		return KindHTML
	case '[', '{':
		return KindTree
	default:
		return KindEmpty
	}
}

// Normalize compacts valid JSON content and maps empty or null content to nil.
func Normalize(content json.RawMessage) (json.RawMessage, error) {
	if Classify(content) == KindEmpty {
		trimmed := bytes.TrimSpace(content)
		if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
			return nil, nil
		}
		return nil, fmt.Errorf("content must be a string, array or object")
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, content); err != nil {
		return nil, fmt.Errorf("content is not valid JSON: %w", err)
	}
	return json.RawMessage(buf.Bytes()), nil
}

// PlainText extracts the human-readable text of content.
func PlainText(content json.RawMessage) string {
	switch Classify(content) {
	case KindHTML:
		var markup string
		if err := json.Unmarshal(content, &markup); err != nil {
			return ""
		}
		return htmlText(markup)
	case KindTree:
		var doc any
		if err := json.Unmarshal(content, &doc); err != nil {
			return ""
		}
		return strings.TrimSpace(nodeText(doc))
	default:
		return ""
	}
}

func nodeText(value any) string {
	switch v := value.(type) {
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			if text := strings.TrimSpace(nodeText(item)); text != "" {
				parts = append(parts, text)
			}
		}
		return strings.Join(parts, " ")
	case map[string]any:
		parts := make([]string, 0, 4)
		if text, ok := v["text"].(string); ok && strings.TrimSpace(text) != "" {
			parts = append(parts, strings.TrimSpace(text))
		}
		for _, key := range []string{"content", "children"} {
			switch child := v[key].(type) {
			case string:
				if strings.TrimSpace(child) != "" {
					parts = append(parts, strings.TrimSpace(child))
				}
			case []any:
				if text := nodeText(child); text != "" {
					parts = append(parts, text)
				}
			}
		}
		return strings.Join(parts, " ")
	default:
		return ""
	}
}

// SourceFunc maps an image source to its replacement. Returning src
// unchanged leaves the reference alone.
type SourceFunc func(src string) (string, error)

// RewriteImageSources applies fn to every embedded image source and returns
// the rewritten content and whether anything changed. Unchanged content is
// returned byte-for-byte.
func RewriteImageSources(content json.RawMessage, fn SourceFunc) (json.RawMessage, bool, error) {
	switch Classify(content) {
	case KindHTML:
		var markup string
		if err := json.Unmarshal(content, &markup); err != nil {
			return content, false, fmt.Errorf("decode html content: %w", err)
		}
		rewritten, changed, err := rewriteHTML(markup, fn)
		if err != nil || !changed {
			return content, false, err
		}
		encoded, err := json.Marshal(rewritten)
		if err != nil {
			return content, false, fmt.Errorf("encode html content: %w", err)
		}
		return encoded, true, nil
	case KindTree:
		decoder := json.NewDecoder(bytes.NewReader(content))
		decoder.UseNumber()
		var doc any
		if err := decoder.Decode(&doc); err != nil {
			return content, false, fmt.Errorf("decode content tree: %w", err)
		}
		changed, err := rewriteTree(doc, fn)
		if err != nil || !changed {
			return content, false, err
		}
		encoded, err := json.Marshal(doc)
		if err != nil {
			return content, false, fmt.Errorf("encode content tree: %w", err)
		}
		return encoded, true, nil
	default:
		return content, false, nil
	}
}

// ImageSources lists every embedded image source in document order. Within
// one JSON object, keys are visited in sorted order.
func ImageSources(content json.RawMessage) []string {
	var sources []string
	_, _, _ = RewriteImageSources(content, func(src string) (string, error) {
		sources = append(sources, src)
		return src, nil
	})
	return sources
}

func rewriteTree(value any, fn SourceFunc) (bool, error) {
	changed := false
	switch v := value.(type) {
	case []any:
		for _, item := range v {
			itemChanged, err := rewriteTree(item, fn)
			if err != nil {
				return false, err
			}
			changed = changed || itemChanged
		}
	case map[string]any:
		if nodeType, _ := v["type"].(string); nodeType == "image" {
			imageChanged, err := rewriteImageNode(v, fn)
			if err != nil {
				return false, err
			}
			changed = imageChanged
		}
		for _, key := range slices.Sorted(maps.Keys(v)) {
			if key == "attrs" || key == "props" {
				continue
			}
			childChanged, err := rewriteTree(v[key], fn)
			if err != nil {
				return false, err
			}
			changed = changed || childChanged
		}
	}
	return changed, nil
}

// rewriteImageNode handles both attrs.src (ProseMirror/TipTap) and props.url
// (block editors).
func rewriteImageNode(node map[string]any, fn SourceFunc) (bool, error) {
	changed := false
	for _, loc := range []struct{ container, key string }{{"attrs", "src"}, {"props", "url"}} {
		attrs, ok := node[loc.container].(map[string]any)
		if !ok {
			continue
		}
		src, ok := attrs[loc.key].(string)
		if !ok || src == "" {
			continue
		}
		next, err := fn(src)
		if err != nil {
			return false, err
		}
		if next != src {
			attrs[loc.key] = next
			changed = true
		}
	}
	return changed, nil
}
