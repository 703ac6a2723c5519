package export

import (
	"html"
	"strings"
)

// TextToHTML converts plain policy text to HTML. Blank lines separate
// paragraphs; runs of lines starting with "- ", "* " or "• " become a list.
func TextToHTML(text string) string {
	var b strings.Builder
	var paragraph []string
	var items []string

	flushParagraph := func() {
		if len(paragraph) == 0 {
			return
		}
		b.WriteString("<p>")
		b.WriteString(html.EscapeString(strings.Join(paragraph, " ")))
		b.WriteString("</p>")
		paragraph = nil
	}
	flushList := func() {
		if len(items) == 0 {
			return
		}
		b.WriteString("<ul>")
		for _, item := range items {
			b.WriteString("<li>")
			b.WriteString(html.EscapeString(item))
			b.WriteString("</li>")
		}
		b.WriteString("</ul>")
		items = nil
	}

	for _, line := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			flushParagraph()
			flushList()
			continue
		}
		if item, ok := bulletItem(line); ok {
			flushParagraph()
			items = append(items, item)
			continue
		}
		flushList()
		paragraph = append(paragraph, line)
	}
	flushParagraph()
	flushList()
	return b.String()
}

func bulletItem(line string) (string, bool) {
	for _, marker := range []string{"- ", "* ", "• "} {
		if strings.HasPrefix(line, marker) {
			return strings.TrimSpace(strings.TrimPrefix(line, marker)), true
		}
	}
	return "", false
}
