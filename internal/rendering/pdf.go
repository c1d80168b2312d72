package rendering

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

// PDFRenderer turns an HTML document into PDF bytes
type PDFRenderer interface {
	RenderPDF(ctx context.Context, html string, cfg FormatConfig) ([]byte, error)
}

// ChromePDF prints HTML to PDF with headless Chrome. Chrome or Chromium must be installed.
type ChromePDF struct {
	ExecPath string
	Timeout  time.Duration
	Verbose  bool
}

// NewChromePDF returns a renderer with a 60s timeout
func NewChromePDF(execPath string) *ChromePDF {
	return &ChromePDF{ExecPath: execPath, Timeout: 60 * time.Second}
}

const cmPerInch = 2.54

// paperSize returns width and height in inches
func paperSize(size string) (float64, float64) {
	switch size {
	case "A3":
		return 11.69, 16.54
	case "Letter":
		return 8.5, 11
	}
	return 8.27, 11.69
}

// RenderPDF loads html from a temporary file and prints it
func (c *ChromePDF) RenderPDF(ctx context.Context, html string, cfg FormatConfig) ([]byte, error) {
	dir, err := os.MkdirTemp("", "bid-export-*")
	if err != nil {
		return nil, &RenderError{Message: "failed to create temp dir", Cause: err}
	}
	defer os.RemoveAll(dir)

	src := filepath.Join(dir, "document.html")
	if err := os.WriteFile(src, []byte(html), 0o644); err != nil {
		return nil, &RenderError{Message: "failed to write temp html", Cause: err}
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if c.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(c.ExecPath))
	}
	allocCtx, cancel := chromedp.NewExecAllocator(ctx, opts...)
	defer cancel()

	browserCtx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	browserCtx, cancel = context.WithTimeout(browserCtx, timeout)
	defer cancel()

	if c.Verbose {
		log.Printf("[render] printing %s to PDF", src)
	}

	width, height := paperSize(cfg.PageSize)
	var pdf []byte
	err = chromedp.Run(browserCtx,
		chromedp.Navigate("file://"+src),
		chromedp.WaitReady("body"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			data, _, err := page.PrintToPDF().
				WithPrintBackground(true).
				WithPaperWidth(width).
				WithPaperHeight(height).
				WithMarginTop(cfg.MarginTop / cmPerInch).
				WithMarginBottom(cfg.MarginBottom / cmPerInch).
				WithMarginLeft(cfg.MarginLeft / cmPerInch).
				WithMarginRight(cfg.MarginRight / cmPerInch).
				WithPreferCSSPageSize(true).
				Do(ctx)
			if err != nil {
				return err
			}
			pdf = data
			return nil
		}),
	)
	if err != nil {
		return nil, &RenderError{Message: "headless chrome failed", Cause: err}
	}
	if len(pdf) == 0 {
		return nil, &RenderError{Message: fmt.Sprintf("empty PDF for %s", src)}
	}
	return pdf, nil
}
