package evidence

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Text extraction exists only to stabilize the normalized hash against
// markup churn. It is deliberately a whole-document tag stripper, not a DOM
// parser; when it cannot produce text the caller falls back to the raw hash
// and flags the snapshot.

var (
	scriptRe = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
	tagRe    = regexp.MustCompile(`(?s)<[^>]*>`)
	entityRe = regexp.MustCompile(`&(amp|lt|gt|quot|#39|apos|nbsp);`)
)

var entityMap = map[string]string{
	"&amp;": "&", "&lt;": "<", "&gt;": ">", "&quot;": `"`,
	"&#39;": "'", "&apos;": "'", "&nbsp;": " ",
}

// ExtractText derives plain text from an evidence payload by content type.
func ExtractText(contentType string, body []byte) (string, error) {
	if !utf8.Valid(body) {
		return "", fmt.Errorf("payload is not valid UTF-8")
	}
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "text/html"), strings.Contains(ct, "application/xhtml"):
		return stripMarkup(string(body)), nil
	case strings.Contains(ct, "text/"), strings.Contains(ct, "application/json"),
		strings.Contains(ct, "application/yaml"), strings.Contains(ct, "markdown"):
		return string(body), nil
	default:
		return "", fmt.Errorf("no text extraction for content type %q", contentType)
	}
}

func stripMarkup(s string) string {
	s = scriptRe.ReplaceAllString(s, " ")
	s = tagRe.ReplaceAllString(s, " ")
	s = entityRe.ReplaceAllStringFunc(s, func(e string) string {
		if r, ok := entityMap[e]; ok {
			return r
		}
		return " "
	})
	return s
}

// extFor maps a content type to the canonical evidence file extension.
func extFor(contentType string) string {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "text/html"), strings.Contains(ct, "xhtml"):
		return "html"
	case strings.Contains(ct, "application/pdf"):
		return "pdf"
	case strings.Contains(ct, "application/json"):
		return "json"
	case strings.Contains(ct, "text/"):
		return "txt"
	default:
		return "bin"
	}
}
