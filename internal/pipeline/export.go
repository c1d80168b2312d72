package pipeline

import (
	"context"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jonathan/bid-assistant/internal/apperr"
	"github.com/jonathan/bid-assistant/internal/executor"
	"github.com/jonathan/bid-assistant/internal/rendering"
	"github.com/jonathan/bid-assistant/internal/steps"
	"github.com/jonathan/bid-assistant/internal/storage"
	"github.com/jonathan/bid-assistant/internal/workspace"
)

// ExportFile describes one exported artifact
type ExportFile struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	Size        int64  `json:"size"`
	Format      string `json:"format"`
	URL         string `json:"url,omitempty"`
	Backend     string `json:"backend,omitempty"`
	UploadError string `json:"upload_error,omitempty"`
}

// ExportResult is the output of the document-export step
type ExportResult struct {
	Files        []ExportFile `json:"files"`
	ExportedAt   string       `json:"exported_at"`
	ExportFormat string       `json:"export_format"`
	TotalFiles   int          `json:"total_files"`
	Title        string       `json:"title"`
	Sections     []string     `json:"sections"`
}

// ExportStep assembles the generated chapters into the final bid document
type ExportStep struct {
	deps *Deps
}

func (s *ExportStep) Key() string { return steps.DocumentExport }

func (s *ExportStep) Validate(params map[string]any) (map[string]any, error) {
	var p exportParams
	normalized, err := bindParams(params, &p)
	if err != nil {
		return nil, err
	}
	if p.ExportFormat == ExportPDF && s.deps.PDF == nil {
		return nil, apperr.Invalid("export_format", "pdf export is not available on this server")
	}
	return normalized, nil
}

func (s *ExportStep) Run(ctx context.Context, run *executor.Run) (map[string]any, error) {
	var p exportParams
	if err := decodeParams(run.Params, &p); err != nil {
		return nil, err
	}
	dir, err := projectDir(s.Key(), run)
	if err != nil {
		return nil, err
	}

	sections, title, err := s.collectSections(ctx, run, dir, p.Sections)
	if err != nil {
		return nil, err
	}
	if len(sections) == 0 {
		return nil, apperr.Domain(s.Key(), "no generated content to export; run content generation first", nil)
	}
	if err := run.Checkpoint(ctx, 20); err != nil {
		return nil, err
	}

	now := s.deps.clock()
	cfg := s.deps.formatFor(dir)
	doc := rendering.Document{
		Title:       title,
		ProjectName: run.Project.Name,
		Date:        now.Format("2006年01月02日"),
		Sections:    sections,
	}
	base := workspace.SanitizeName(title)
	if base == "" {
		base = "bid_document"
	}
	base = fmt.Sprintf("%s_%s", base, now.Format("20060102_150405"))

	var written []ExportFile
	writeOut := func(ext, format string, data []byte) error {
		rel := filepath.Join(workspace.DirExports, base+"."+ext)
		if _, err := s.deps.Workspace.WriteFile(dir, rel, data); err != nil {
			return apperr.Domain(s.Key(), "failed to write export", err)
		}
		written = append(written, ExportFile{
			Name:   base + "." + ext,
			Path:   filepath.ToSlash(rel),
			Size:   int64(len(data)),
			Format: format,
		})
		return nil
	}

	switch p.ExportFormat {
	case ExportMarkdown:
		if err := writeOut("md", ExportMarkdown, []byte(markdownDocument(doc))); err != nil {
			return nil, err
		}
	case ExportHTML, ExportPDF:
		html, err := rendering.RenderHTML(doc, cfg)
		if err != nil {
			return nil, apperr.Domain(s.Key(), "failed to render document", err)
		}
		if err := writeOut("html", ExportHTML, []byte(html)); err != nil {
			return nil, err
		}
		if p.ExportFormat == ExportPDF {
			if err := run.Checkpoint(ctx, 50); err != nil {
				return nil, err
			}
			pdf, err := s.deps.PDF.RenderPDF(ctx, html, cfg)
			if err != nil {
				return nil, apperr.Domain(s.Key(), "failed to print PDF", err)
			}
			if err := writeOut("pdf", ExportPDF, pdf); err != nil {
				return nil, err
			}
		}
	}
	if err := run.Checkpoint(ctx, 75); err != nil {
		return nil, err
	}

	s.publish(ctx, run.ProjectID, dir, written)

	keys := make([]string, len(sections))
	for i, sec := range sections {
		keys[i] = sec.Key
	}
	return toMap(ExportResult{
		Files:        written,
		ExportedAt:   now.UTC().Format(time.RFC3339),
		ExportFormat: p.ExportFormat,
		TotalFiles:   len(written),
		Title:        title,
		Sections:     keys,
	})
}

// publish uploads each file to the blob backend. Upload failures are reported per
// file; the local export stays valid.
func (s *ExportStep) publish(ctx context.Context, projectID, dir string, files []ExportFile) {
	if s.deps.Blob == nil {
		return
	}
	for i := range files {
		f := &files[i]
		key := path.Join(projectID, f.Name)
		obj, err := storage.PutFile(ctx, s.deps.Blob, key, filepath.Join(dir, filepath.FromSlash(f.Path)), storage.ContentType(f.Name))
		if err != nil {
			log.Printf("[storage] failed to upload %s for project %s: %v", f.Name, projectID, err)
			f.UploadError = err.Error()
			continue
		}
		f.URL = obj.URL
		f.Backend = obj.Backend
	}
}

// collectSections reads content/{key}.md in framework order. Explicit keys restrict
// and order the output; files not in the framework are appended by name.
func (s *ExportStep) collectSections(ctx context.Context, run *executor.Run, dir string, only []string) ([]rendering.Section, string, error) {
	framework, title, err := s.deps.frameworkSections(ctx, run.ProjectID)
	if err != nil {
		return nil, "", err
	}
	if title == "" {
		title = documentTitle(run.Project.Name, nil)
	}
	titles := map[string]string{}
	var order []string
	for _, sec := range framework {
		titles[sec.Key] = sec.Title
		order = append(order, sec.Key)
	}

	if len(only) > 0 {
		order = only
	} else {
		files, err := s.deps.Workspace.ListFiles(dir, workspace.DirContent)
		if err != nil {
			return nil, "", apperr.Domain(s.Key(), "failed to list generated content", err)
		}
		known := map[string]bool{}
		for _, k := range order {
			known[k] = true
		}
		var extra []string
		for _, f := range files {
			key := strings.TrimSuffix(f.Name, ".md")
			if strings.HasSuffix(f.Name, ".md") && !known[key] {
				extra = append(extra, key)
			}
		}
		sort.Strings(extra)
		order = append(order, extra...)
	}

	var out []rendering.Section
	for _, key := range order {
		full, err := s.deps.Workspace.Resolve(dir, filepath.Join(workspace.DirContent, key+".md"))
		if err != nil {
			return nil, "", apperr.Invalid("sections", "invalid section key %q", key)
		}
		data, err := os.ReadFile(full)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, "", apperr.Domain(s.Key(), "failed to read section "+key, err)
		}
		t := titles[key]
		if t == "" {
			t = key
		}
		out = append(out, rendering.Section{Key: key, Title: t, Markdown: string(data)})
	}
	return out, title, nil
}

func markdownDocument(doc rendering.Document) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\n", doc.Title)
	if doc.ProjectName != "" {
		fmt.Fprintf(&sb, "项目名称：%s\n\n", doc.ProjectName)
	}
	if doc.Date != "" {
		fmt.Fprintf(&sb, "%s\n\n", doc.Date)
	}
	for _, sec := range doc.Sections {
		body := strings.TrimSpace(sec.Markdown)
		if !strings.HasPrefix(body, "#") {
			fmt.Fprintf(&sb, "## %s\n\n", sec.Title)
		}
		sb.WriteString(body)
		sb.WriteString("\n\n")
	}
	return sb.String()
}
