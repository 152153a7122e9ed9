package richtext

import (
	"errors"
	"io"
	"strings"

	"golang.org/x/net/html"
)

// rewriteHTML replaces img src attributes. Tokens that are not rewritten are
// copied through verbatim so the rest of the markup keeps its exact bytes.
func rewriteHTML(markup string, fn SourceFunc) (string, bool, error) {
	tokenizer := html.NewTokenizer(strings.NewReader(markup))
	var out strings.Builder
	out.Grow(len(markup))
	changed := false

	for {
		tokenType := tokenizer.Next()
		if tokenType == html.ErrorToken {
			if errors.Is(tokenizer.Err(), io.EOF) {
				break
			}
			return markup, false, tokenizer.Err()
		}
		raw := string(tokenizer.Raw())
		if tokenType != html.StartTagToken && tokenType != html.SelfClosingTagToken {
			out.WriteString(raw)
			continue
		}
		token := tokenizer.Token()
		if token.Data != "img" {
			out.WriteString(raw)
			continue
		}
		tokenChanged := false
		for i, attr := range token.Attr {
			if attr.Namespace != "" || !strings.EqualFold(attr.Key, "src") || attr.Val == "" {
				continue
			}
			next, err := fn(attr.Val)
			if err != nil {
				return markup, false, err
			}
			if next != attr.Val {
				token.Attr[i].Val = next
				tokenChanged = true
			}
		}
		if tokenChanged {
			out.WriteString(token.String())
			changed = true
			continue
		}
		out.WriteString(raw)
	}
	return out.String(), changed, nil
}

func htmlText(markup string) string {
	tokenizer := html.NewTokenizer(strings.NewReader(markup))
	parts := make([]string, 0, 8)
	skip := 0
	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return strings.Join(parts, " ")
		case html.StartTagToken:
			if name, _ := tokenizer.TagName(); isRawTextTag(string(name)) {
				skip++
			}
		case html.EndTagToken:
			if name, _ := tokenizer.TagName(); isRawTextTag(string(name)) && skip > 0 {
				skip--
			}
		case html.TextToken:
			if skip > 0 {
				continue
			}
			if text := strings.TrimSpace(string(tokenizer.Text())); text != "" {
				parts = append(parts, text)
			}
		}
	}
}

func isRawTextTag(name string) bool {
	return name == "script" || name == "style"
}
