// Package extract turns uploaded bid documents into plain text.
package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gabriel-vasile/mimetype"
)

// Formats recognized by the extractor
const (
	FormatText     = "text"
	FormatMarkdown = "markdown"
	FormatHTML     = "html"
	FormatDOCX     = "docx"
	FormatPDF      = "pdf"
	FormatDOC      = "doc"
)

// ErrUnsupported is returned for files the extractor cannot read
var ErrUnsupported = errors.New("unsupported document format")

// Error wraps a failure to extract a specific file
type Error struct {
	Path   string
	Format string
	Cause  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("failed to extract %s (%s): %v", filepath.Base(e.Path), e.Format, e.Cause)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Document is the text of a source file
type Document struct {
	Path      string    `json:"path"`
	Format    string    `json:"format"`
	MIMEType  string    `json:"mime_type"`
	Text      string    `json:"-"`
	Chars     int       `json:"chars"`
	Hash      string    `json:"hash"`
	Extracted time.Time `json:"extracted_at"`
}

// Extractor reads text out of a file
type Extractor interface {
	Extract(ctx context.Context, path string) (*Document, error)
}

// FileExtractor handles plain text, markdown, HTML, DOCX and, when PDFCommand is set,
// PDF. PDFCommand is run with the file path appended and must print text to stdout.
type FileExtractor struct {
	PDFCommand []string
}

// DefaultPDFCommand uses poppler's pdftotext
var DefaultPDFCommand = []string{"pdftotext", "-layout", "-enc", "UTF-8"}

// NewFileExtractor returns an extractor. An empty pdfCommand selects DefaultPDFCommand.
func NewFileExtractor(pdfCommand string) *FileExtractor {
	cmd := DefaultPDFCommand
	if fields := strings.Fields(pdfCommand); len(fields) > 0 {
		cmd = fields
	}
	return &FileExtractor{PDFCommand: cmd}
}

// Detect returns the document format and MIME type of path. The extension decides
// text-like formats; content sniffing decides binary ones.
func Detect(path string) (format, mimeType string, err error) {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return "", "", fmt.Errorf("failed to detect file type: %w", err)
	}
	mimeType = mt.String()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown":
		return FormatMarkdown, mimeType, nil
	case ".html", ".htm":
		return FormatHTML, mimeType, nil
	case ".txt":
		return FormatText, mimeType, nil
	}

	switch {
	case mt.Is("application/pdf"):
		return FormatPDF, mimeType, nil
	case mt.Is("application/vnd.openxmlformats-officedocument.wordprocessingml.document"):
		return FormatDOCX, mimeType, nil
	case mt.Is("application/msword") || mt.Is("application/x-ole-storage"):
		return FormatDOC, mimeType, nil
	case mt.Is("text/html"):
		return FormatHTML, mimeType, nil
	case strings.HasPrefix(mimeType, "text/"):
		return FormatText, mimeType, nil
	case mt.Is("application/zip") && strings.EqualFold(filepath.Ext(path), ".docx"):
		return FormatDOCX, mimeType, nil
	}
	return "", mimeType, ErrUnsupported
}

// Extract reads path and returns its cleaned text
func (x *FileExtractor) Extract(ctx context.Context, path string) (*Document, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, &Error{Path: path, Format: "unknown", Cause: err}
	}
	format, mimeType, err := Detect(path)
	if err != nil {
		return nil, &Error{Path: path, Format: mimeType, Cause: err}
	}

	var raw string
	switch format {
	case FormatText, FormatMarkdown:
		var data []byte
		data, err = os.ReadFile(path)
		raw = string(data)
	case FormatHTML:
		raw, err = htmlFile(path)
	case FormatDOCX:
		raw, err = docxText(path)
	case FormatPDF:
		raw, err = x.pdfText(ctx, path)
	default:
		err = ErrUnsupported
	}
	if err != nil {
		return nil, &Error{Path: path, Format: format, Cause: err}
	}

	text := CleanText(raw)
	if text == "" {
		return nil, &Error{Path: path, Format: format, Cause: errors.New("document contains no text")}
	}
	return &Document{
		Path:      path,
		Format:    format,
		MIMEType:  mimeType,
		Text:      text,
		Chars:     len([]rune(text)),
		Hash:      Hash(text),
		Extracted: time.Now().UTC(),
	}, nil
}

func htmlFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return HTMLText(string(data))
}

// HTMLText returns the readable text of an HTML document with script and style removed.
// Block elements end a line.
func HTMLText(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("failed to parse HTML: %w", err)
	}
	doc.Find("script, style, noscript, nav, footer").Remove()
	doc.Find("p, div, li, tr, h1, h2, h3, h4, h5, h6, br, section, article").Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml("\n")
	})

	root := doc.Find("main, article").First()
	if root.Length() == 0 {
		root = doc.Find("body")
	}
	if root.Length() == 0 {
		root = doc.Selection
	}
	return root.Text(), nil
}

func (x *FileExtractor) pdfText(ctx context.Context, path string) (string, error) {
	if len(x.PDFCommand) == 0 {
		return "", fmt.Errorf("no PDF text command configured: %w", ErrUnsupported)
	}
	args := append(append([]string{}, x.PDFCommand[1:]...), path)
	if x.PDFCommand[0] == "pdftotext" {
		args = append(args, "-")
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, x.PDFCommand[0], args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s failed: %w: %s", x.PDFCommand[0], err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// docxText reads word/document.xml and joins the w:t runs of each paragraph
func docxText(path string) (string, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return "", fmt.Errorf("failed to open docx: %w", err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		if f.Name != "word/document.xml" {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return "", fmt.Errorf("failed to open document.xml: %w", err)
		}
		defer rc.Close()
		return wordXMLText(rc)
	}
	return "", errors.New("docx has no word/document.xml")
}

func wordXMLText(r io.Reader) (string, error) {
	dec := xml.NewDecoder(r)
	var sb strings.Builder
	inText := false
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("failed to parse document.xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				sb.WriteByte('\t')
			case "br", "cr":
				sb.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				sb.WriteByte('\n')
			}
		case xml.CharData:
			if inText {
				sb.Write(t)
			}
		}
	}
	return sb.String(), nil
}
