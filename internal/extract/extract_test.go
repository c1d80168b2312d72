package extract

import (
	"archive/zip"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func writeDocx(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "招标文件.docx")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)

	w, err := zw.Create("[Content_Types].xml")
	require.NoError(t, err)
	_, err = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types"></Types>`))
	require.NoError(t, err)

	w, err = zw.Create("word/document.xml")
	require.NoError(t, err)
	_, err = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?>` +
		`<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>` +
		body + `</w:body></w:document>`))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return path
}

func TestExtract_Text(t *testing.T) {
	path := writeFile(t, "公告.txt", "项目名称：  道路改造\r\n\r\n\r\n\r\n第 1 页\n预算金额：100万元\n")

	doc, err := NewFileExtractor("").Extract(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, FormatText, doc.Format)
	assert.Equal(t, "项目名称： 道路改造\n\n预算金额：100万元", doc.Text)
	assert.Equal(t, Hash(doc.Text), doc.Hash)
	assert.Equal(t, len([]rune(doc.Text)), doc.Chars)
}

func TestExtract_Markdown(t *testing.T) {
	path := writeFile(t, "bid.md", "# 招标公告\n\n- 资格要求\n")

	doc, err := NewFileExtractor("").Extract(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, FormatMarkdown, doc.Format)
	assert.Equal(t, "# 招标公告\n\n- 资格要求", doc.Text)
}

func TestExtract_HTML(t *testing.T) {
	path := writeFile(t, "notice.html", `<html><head><style>p{}</style><script>var x=1;</script></head>
<body><nav>菜单</nav><h1>采购公告</h1><p>项目编号：ZB-001</p><p>预算：50万元</p></body></html>`)

	doc, err := NewFileExtractor("").Extract(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, FormatHTML, doc.Format)
	assert.Contains(t, doc.Text, "采购公告")
	assert.Contains(t, doc.Text, "项目编号：ZB-001\n")
	assert.NotContains(t, doc.Text, "var x")
	assert.NotContains(t, doc.Text, "菜单")
}

func TestExtract_DOCX(t *testing.T) {
	path := writeDocx(t,
		`<w:p><w:r><w:t>第一章 招标公告</w:t></w:r></w:p>`+
			`<w:p><w:r><w:t xml:space="preserve">项目名称：</w:t></w:r><w:r><w:t>城市照明</w:t></w:r></w:p>`)

	doc, err := NewFileExtractor("").Extract(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, FormatDOCX, doc.Format)
	assert.Equal(t, "第一章 招标公告\n项目名称：城市照明", doc.Text)
}

func TestExtract_PDFCommand(t *testing.T) {
	if _, err := os.Stat("/bin/cat"); err != nil {
		t.Skip("cat not available")
	}
	path := writeFile(t, "tender.pdf", "%PDF-1.4\n招标内容\n")

	x := &FileExtractor{PDFCommand: []string{"/bin/cat"}}
	doc, err := x.Extract(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, FormatPDF, doc.Format)
	assert.Contains(t, doc.Text, "招标内容")

	x = &FileExtractor{}
	_, err = x.Extract(context.Background(), path)
	assert.True(t, errors.Is(err, ErrUnsupported))
}

func TestExtract_Errors(t *testing.T) {
	x := NewFileExtractor("")

	_, err := x.Extract(context.Background(), filepath.Join(t.TempDir(), "missing.txt"))
	var xe *Error
	require.ErrorAs(t, err, &xe)

	empty := writeFile(t, "empty.txt", "   \n\n")
	_, err = x.Extract(context.Background(), empty)
	require.ErrorAs(t, err, &xe)
	assert.Contains(t, err.Error(), "no text")

	png := writeFile(t, "scan.png", "\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	_, err = x.Extract(context.Background(), png)
	assert.True(t, errors.Is(err, ErrUnsupported))
}

func TestNewFileExtractor_Command(t *testing.T) {
	assert.Equal(t, DefaultPDFCommand, NewFileExtractor("  ").PDFCommand)
	assert.Equal(t, []string{"mutool", "draw", "-F", "txt"}, NewFileExtractor("mutool draw -F txt").PDFCommand)
}

func TestCleanTextAndTruncate(t *testing.T) {
	assert.Equal(t, "", CleanText(""))
	assert.Equal(t, "a b\n\nc", CleanText("a　　b\n\n\n\n- 3 -\n\nc"))
	assert.Equal(t, "招标", Truncate("招标文件", 2))
	assert.Equal(t, "招标文件", Truncate("招标文件", 0))
}
