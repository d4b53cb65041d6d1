package runtime

import (
	"regexp"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
)

var htmlTag = regexp.MustCompile(`</?[a-zA-Z][a-zA-Z0-9]*(\s[^<>]*)?/?>`)

// Normalize trims text and converts HTML markup to markdown. Text without
// tags, or markup the converter rejects, is returned trimmed.
func Normalize(text string) string {
	text = strings.TrimSpace(text)
	if !htmlTag.MatchString(text) {
		return text
	}
	md, err := htmltomarkdown.ConvertString(text)
	if err != nil {
		return text
	}
	return strings.TrimSpace(md)
}
