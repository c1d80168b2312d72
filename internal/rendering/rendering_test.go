package rendering

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildFormat(t *testing.T) {
	cfg, err := BuildFormat("professional", nil)
	require.NoError(t, err)
	assert.Equal(t, "微软雅黑", cfg.FontFamily)
	assert.Equal(t, 11.0, cfg.FontSize)
	assert.Equal(t, 2.5, cfg.MarginLeft)

	cfg, err = BuildFormat("standard", map[string]any{"font_size": 14, "line_height": 2.0})
	require.NoError(t, err)
	assert.Equal(t, "宋体", cfg.FontFamily)
	assert.Equal(t, 14.0, cfg.FontSize)
	assert.Equal(t, 2.0, cfg.LineHeight)
	assert.Equal(t, 3.17, cfg.MarginRight)

	_, err = BuildFormat("standard", map[string]any{"font_size": -1})
	assert.Error(t, err)
	_, err = BuildFormat("standard", map[string]any{"font_size": "big"})
	assert.Error(t, err)
	_, err = BuildFormat("fancy", nil)
	assert.Error(t, err)

	assert.Equal(t, []string{"professional", "standard"}, TemplateKeys())
}

func TestFormatMapRoundTrip(t *testing.T) {
	cfg := DefaultFormat()
	m := cfg.ToMap()
	assert.Equal(t, "宋体", m["font_family"])
	assert.Equal(t, cfg, FormatFromMap(m))
	assert.Equal(t, cfg, FormatFromMap(nil))
	assert.Equal(t, 20.0, FormatFromMap(map[string]any{"font_size": 20}).FontSize)
}

func TestCSS(t *testing.T) {
	css := CSS(DefaultFormat())
	assert.Contains(t, css, `font-family: "宋体", serif;`)
	assert.Contains(t, css, "font-size: 12pt;")
	assert.Contains(t, css, "line-height: 1.5;")
	assert.Contains(t, css, "margin: 2.54cm 3.17cm 2.54cm 3.17cm;")
	assert.Contains(t, css, "size: A4;")
}

func TestMarkdownToHTML(t *testing.T) {
	md := "# 技术方案\n\n本项目**重点**如下：\n- 进度<保障>\n- 质量\n\n1. 第一步\n2. 第二步\n\n---\n结束"
	out := MarkdownToHTML(md)

	assert.Contains(t, out, "<h1>技术方案</h1>")
	assert.Contains(t, out, "<p>本项目<strong>重点</strong>如下：</p>")
	assert.Contains(t, out, "<ul>\n<li>进度&lt;保障&gt;</li>\n<li>质量</li>\n</ul>")
	assert.Contains(t, out, "<ol>\n<li>第一步</li>\n<li>第二步</li>\n</ol>")
	assert.Contains(t, out, "<hr>")
	assert.Contains(t, out, "<p>结束</p>")
}

func TestRenderHTML_WithTOC(t *testing.T) {
	doc := Document{
		Title:       "投标文件",
		ProjectName: "城市照明改造",
		Date:        "2025-03-01",
		Sections: []Section{
			{Key: "overview", Title: "项目概述", Markdown: "## 项目概述\n\n概述内容\n\n### 建设目标\n\n目标"},
			{Key: "technical", Title: "技术方案", Markdown: "技术内容"},
		},
	}

	out, err := RenderHTML(doc, DefaultFormat())
	require.NoError(t, err)
	assert.Contains(t, out, "<title>投标文件</title>")
	assert.Contains(t, out, "项目名称：城市照明改造")
	assert.Contains(t, out, `<h2 id="section-1">项目概述</h2>`)
	assert.Contains(t, out, `data-key="technical"`)
	// The repeated heading inside the section body is dropped
	assert.Equal(t, 1, strings.Count(out, ">项目概述</h2>"))

	entries, err := TOCEntries(out)
	require.NoError(t, err)
	assert.Equal(t, []string{"项目概述", "建设目标", "技术方案"}, entries)
	assert.Contains(t, out, `href="#section-1"`)
}

func TestRenderHTML_NoSections(t *testing.T) {
	_, err := RenderHTML(Document{Title: "x"}, DefaultFormat())
	var re *RenderError
	assert.True(t, errors.As(err, &re))
}

func TestAddTOC_CreatesNav(t *testing.T) {
	out, err := AddTOC("<html><body><article><h2>第一章</h2><p>a</p><h3>1.1</h3></article></body></html>")
	require.NoError(t, err)
	entries, err := TOCEntries(out)
	require.NoError(t, err)
	assert.Equal(t, []string{"第一章", "1.1"}, entries)
	assert.Contains(t, out, `id="heading-1"`)
}

func TestHTMLStatsAndTextToHTML(t *testing.T) {
	page := TextToHTML("招标文件", "第一章 招标公告\n项目名称：道路改造\n一、资格要求\n具备施工资质", DefaultFormat())
	stats, err := HTMLStats(page)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Headings)
	assert.Equal(t, 2, stats.Paragraphs)
	assert.Greater(t, stats.Chars, 0)
	assert.Contains(t, page, "<h2>第一章 招标公告</h2>")
}

func TestPaperSize(t *testing.T) {
	w, h := paperSize("A4")
	assert.Equal(t, 8.27, w)
	assert.Equal(t, 11.69, h)
	w, _ = paperSize("Letter")
	assert.Equal(t, 8.5, w)
}
