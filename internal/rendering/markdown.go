package rendering

import (
	"html"
	"regexp"
	"strings"
)

var (
	boldPattern    = regexp.MustCompile(`\*\*(.+?)\*\*`)
	orderedPattern = regexp.MustCompile(`^\d+[.、)]\s*(.*)$`)
)

// MarkdownToHTML converts the markdown subset produced by the content step: ATX
// headings, bullet and numbered lists, bold, horizontal rules and paragraphs.
// Text is HTML-escaped.
func MarkdownToHTML(md string) string {
	var out strings.Builder
	var para []string
	list := ""

	flushPara := func() {
		if len(para) > 0 {
			out.WriteString("<p>" + strings.Join(para, "<br>") + "</p>\n")
			para = nil
		}
	}
	closeList := func() {
		if list != "" {
			out.WriteString("</" + list + ">\n")
			list = ""
		}
	}
	openList := func(tag string) {
		if list != tag {
			closeList()
			out.WriteString("<" + tag + ">\n")
			list = tag
		}
	}

	for _, raw := range strings.Split(strings.ReplaceAll(md, "\r\n", "\n"), "\n") {
		line := strings.TrimSpace(raw)
		switch {
		case line == "":
			flushPara()
			closeList()
		case line == "---" || line == "***":
			flushPara()
			closeList()
			out.WriteString("<hr>\n")
		case strings.HasPrefix(line, "#"):
			flushPara()
			closeList()
			level := len(line) - len(strings.TrimLeft(line, "#"))
			if level > 6 {
				level = 6
			}
			text := strings.TrimSpace(line[level:])
			tag := "h" + string(rune('0'+level))
			out.WriteString("<" + tag + ">" + inline(text) + "</" + tag + ">\n")
		case strings.HasPrefix(line, "- ") || strings.HasPrefix(line, "* ") || strings.HasPrefix(line, "• "):
			flushPara()
			openList("ul")
			item := strings.TrimSpace(strings.TrimLeft(line, "-*• "))
			out.WriteString("<li>" + inline(item) + "</li>\n")
		case orderedPattern.MatchString(line):
			flushPara()
			openList("ol")
			item := orderedPattern.FindStringSubmatch(line)[1]
			out.WriteString("<li>" + inline(item) + "</li>\n")
		default:
			closeList()
			para = append(para, inline(line))
		}
	}
	flushPara()
	closeList()
	return out.String()
}

func inline(text string) string {
	return boldPattern.ReplaceAllString(html.EscapeString(text), "<strong>$1</strong>")
}
