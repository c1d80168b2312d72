package rendering

import (
	"fmt"
	"html/template"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Section is one chapter of the exported document
type Section struct {
	Key      string
	Title    string
	Markdown string
}

// Document is the input to RenderHTML
type Document struct {
	Title       string
	ProjectName string
	Date        string
	Sections    []Section
}

const documentTemplate = `<!DOCTYPE html>
<html lang="zh-CN">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
{{.CSS}}
</style>
</head>
<body>
<header class="cover">
<h1>{{.Title}}</h1>
{{if .ProjectName}}<p class="project">项目名称：{{.ProjectName}}</p>{{end}}
{{if .Date}}<p class="date">{{.Date}}</p>{{end}}
</header>
<nav class="toc"></nav>
<article>
{{range .Sections}}<section class="chapter" data-key="{{.Key}}">
<h2 id="{{.ID}}">{{.Title}}</h2>
{{.Body}}
</section>
{{end}}</article>
</body>
</html>
`

var docTmpl = template.Must(template.New("document").Parse(documentTemplate))

type renderedSection struct {
	Key   string
	ID    string
	Title string
	Body  template.HTML
}

// RenderHTML renders doc with the stylesheet of cfg and inserts a table of contents
func RenderHTML(doc Document, cfg FormatConfig) (string, error) {
	if len(doc.Sections) == 0 {
		return "", &RenderError{Message: "document has no sections"}
	}

	data := struct {
		Title       string
		ProjectName string
		Date        string
		CSS         template.CSS
		Sections    []renderedSection
	}{
		Title:       doc.Title,
		ProjectName: doc.ProjectName,
		Date:        doc.Date,
		CSS:         template.CSS(CSS(cfg)),
	}
	for i, s := range doc.Sections {
		body := stripLeadingHeading(s.Markdown, s.Title)
		data.Sections = append(data.Sections, renderedSection{
			Key:   s.Key,
			ID:    fmt.Sprintf("section-%d", i+1),
			Title: s.Title,
			Body:  template.HTML(MarkdownToHTML(body)),
		})
	}

	var sb strings.Builder
	if err := docTmpl.Execute(&sb, data); err != nil {
		return "", &TemplateError{Message: "failed to execute document template", Cause: err}
	}
	return AddTOC(sb.String())
}

// stripLeadingHeading drops a first heading that repeats the section title
func stripLeadingHeading(md, title string) string {
	trimmed := strings.TrimSpace(md)
	first, rest, _ := strings.Cut(trimmed, "\n")
	if strings.HasPrefix(first, "#") && strings.TrimSpace(strings.TrimLeft(first, "#")) == strings.TrimSpace(title) {
		return rest
	}
	return trimmed
}

// AddTOC fills nav.toc with links to every h2 and h3 inside article. Headings get
// ids when they have none. A missing nav.toc is created at the top of body.
func AddTOC(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", &RenderError{Message: "failed to parse rendered HTML", Cause: err}
	}

	nav := doc.Find("nav.toc").First()
	if nav.Length() == 0 {
		doc.Find("body").PrependHtml(`<nav class="toc"></nav>`)
		nav = doc.Find("nav.toc").First()
	}

	var items strings.Builder
	items.WriteString("<h2 class=\"toc-title\">目录</h2>\n<ol>\n")
	count := 0
	doc.Find("article h2, article h3").Each(func(i int, s *goquery.Selection) {
		id, ok := s.Attr("id")
		if !ok || id == "" {
			id = fmt.Sprintf("heading-%d", i+1)
			s.SetAttr("id", id)
		}
		level := goquery.NodeName(s)[1:]
		items.WriteString(fmt.Sprintf("<li class=\"level-%s\"><a href=\"#%s\">%s</a></li>\n",
			level, id, template.HTMLEscapeString(strings.TrimSpace(s.Text()))))
		count++
	})
	items.WriteString("</ol>\n")
	if count > 0 {
		nav.SetHtml(items.String())
	}

	out, err := goquery.OuterHtml(doc.Selection)
	if err != nil {
		return "", &RenderError{Message: "failed to serialize HTML", Cause: err}
	}
	return out, nil
}

// TOCEntries returns the text of the table of contents links in order
func TOCEntries(html string) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, err
	}
	var entries []string
	doc.Find("nav.toc li a").Each(func(_ int, s *goquery.Selection) {
		entries = append(entries, s.Text())
	})
	return entries, nil
}

// Stats counts the structural elements of an HTML document
type Stats struct {
	Headings   int `json:"headings"`
	Paragraphs int `json:"paragraphs"`
	Lists      int `json:"lists"`
	Tables     int `json:"tables"`
	Chars      int `json:"chars"`
}

// HTMLStats parses html and counts its elements
func HTMLStats(html string) (Stats, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return Stats{}, &RenderError{Message: "failed to parse HTML", Cause: err}
	}
	return Stats{
		Headings:   doc.Find("h1, h2, h3, h4, h5, h6").Length(),
		Paragraphs: doc.Find("p").Length(),
		Lists:      doc.Find("ul, ol").Length(),
		Tables:     doc.Find("table").Length(),
		Chars:      len([]rune(strings.TrimSpace(doc.Find("body").Text()))),
	}, nil
}

// TextToHTML wraps cleaned plain text in a minimal HTML page. Lines that look like
// chapter titles become headings.
func TextToHTML(title, text string, cfg FormatConfig) string {
	var md strings.Builder
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case isChapterTitle(trimmed):
			md.WriteString("\n## " + trimmed + "\n\n")
		default:
			md.WriteString(trimmed + "\n\n")
		}
	}
	return fmt.Sprintf("<!DOCTYPE html>\n<html lang=\"zh-CN\">\n<head>\n<meta charset=\"utf-8\">\n<title>%s</title>\n<style>\n%s</style>\n</head>\n<body>\n<article>\n%s</article>\n</body>\n</html>\n",
		template.HTMLEscapeString(title), CSS(cfg), MarkdownToHTML(md.String()))
}

func isChapterTitle(line string) bool {
	if line == "" || len([]rune(line)) > 40 {
		return false
	}
	if strings.HasPrefix(line, "第") && (strings.Contains(line, "章") || strings.Contains(line, "部分")) {
		return true
	}
	for _, prefix := range []string{"一、", "二、", "三、", "四、", "五、", "六、", "七、", "八、", "九、", "十、"} {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	return false
}
