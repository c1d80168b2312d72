package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/jonathan/bid-assistant/internal/apperr"
	"github.com/jonathan/bid-assistant/internal/executor"
	"github.com/jonathan/bid-assistant/internal/extract"
	"github.com/jonathan/bid-assistant/internal/rendering"
	"github.com/jonathan/bid-assistant/internal/steps"
	"github.com/jonathan/bid-assistant/internal/workspace"
)

// Output files of the file-formatting step
var (
	CleanedTextFile   = filepath.Join(workspace.DirFormatted, "cleaned.txt")
	ExtractedTextFile = filepath.Join(workspace.DirFormatted, "extracted.txt")
	FormattedHTMLFile = filepath.Join(workspace.DirFormatted, "formatted.html")
)

// FileFormattingResult is the output of the file-formatting step. Steps holds one
// entry per executed stage.
type FileFormattingResult struct {
	SourceFile string                    `json:"source_file"`
	Steps      map[string]map[string]any `json:"steps"`
}

// FileFormattingStep normalizes the bid document into clean text and HTML
type FileFormattingStep struct {
	deps *Deps
}

func (s *FileFormattingStep) Key() string { return steps.FileFormatting }

func (s *FileFormattingStep) Validate(params map[string]any) (map[string]any, error) {
	return bindParams(params, &fileFormattingParams{})
}

func (s *FileFormattingStep) Run(ctx context.Context, run *executor.Run) (map[string]any, error) {
	var p fileFormattingParams
	if err := decodeParams(run.Params, &p); err != nil {
		return nil, err
	}
	dir, err := projectDir(s.Key(), run)
	if err != nil {
		return nil, err
	}

	source, err := s.source(dir, p.SourceRelativePath)
	if err != nil {
		return nil, err
	}

	result := FileFormattingResult{
		SourceFile: relativeTo(dir, source),
		Steps:      map[string]map[string]any{},
	}

	// extracted text is shared by the later stages
	var doc *extract.Document
	loadText := func() (*extract.Document, error) {
		if doc != nil {
			return doc, nil
		}
		d, err := s.deps.Extractor.Extract(ctx, source)
		if err != nil {
			return nil, apperr.Domain(s.Key(), "failed to read the source document", err)
		}
		doc = d
		return doc, nil
	}

	stages := orderedStages(p.Sequence)
	for i, stage := range stages {
		switch stage {
		case StageDetect:
			format, mimeType, err := extract.Detect(source)
			info, statErr := os.Stat(source)
			entry := map[string]any{"mime_type": mimeType, "format": format, "supported": err == nil}
			if statErr == nil {
				entry["size"] = info.Size()
			}
			result.Steps[StageDetect] = entry

		case StageClean:
			d, err := loadText()
			if err != nil {
				return nil, err
			}
			if _, err := s.deps.Workspace.WriteFile(dir, CleanedTextFile, []byte(d.Text)); err != nil {
				return nil, apperr.Domain(s.Key(), "failed to write cleaned text", err)
			}
			result.Steps[StageClean] = map[string]any{
				"output_file": filepath.ToSlash(CleanedTextFile),
				"chars":       d.Chars,
				"lines":       strings.Count(d.Text, "\n") + 1,
				"hash":        d.Hash,
			}

		case StageExtract:
			d, err := loadText()
			if err != nil {
				return nil, err
			}
			body := extractedOutline(d.Text)
			if _, err := s.deps.Workspace.WriteFile(dir, ExtractedTextFile, []byte(body)); err != nil {
				return nil, apperr.Domain(s.Key(), "failed to write extracted text", err)
			}
			result.Steps[StageExtract] = map[string]any{
				"output_file": filepath.ToSlash(ExtractedTextFile),
				"format":      d.Format,
				"chapters":    strings.Count(body, "\n"),
			}

		case StageHTML:
			d, err := loadText()
			if err != nil {
				return nil, err
			}
			html := rendering.TextToHTML(run.Project.Name, d.Text, s.deps.formatFor(dir))
			if _, err := s.deps.Workspace.WriteFile(dir, FormattedHTMLFile, []byte(html)); err != nil {
				return nil, apperr.Domain(s.Key(), "failed to write formatted HTML", err)
			}
			stats, err := rendering.HTMLStats(html)
			if err != nil {
				return nil, apperr.Domain(s.Key(), "failed to inspect formatted HTML", err)
			}
			entry, err := toMap(stats)
			if err != nil {
				return nil, err
			}
			entry["output_file"] = filepath.ToSlash(FormattedHTMLFile)
			result.Steps[StageHTML] = entry
		}

		if err := run.Checkpoint(ctx, (i+1)*90/len(stages)); err != nil {
			return nil, err
		}
	}

	if _, err := s.deps.Workspace.UpdateConfig(dir, map[string]any{"formatted_source": result.SourceFile}); err != nil {
		return nil, apperr.Domain(s.Key(), "failed to update project config", err)
	}
	return toMap(result)
}

// source resolves the file to format: the explicit relative path, or the bid file
func (s *FileFormattingStep) source(dir, rel string) (string, error) {
	if rel != "" {
		path, err := s.deps.Workspace.Resolve(dir, rel)
		if err != nil {
			return "", apperr.Domain(s.Key(), "invalid source path", err)
		}
		if _, err := os.Stat(path); err != nil {
			return "", apperr.Domain(s.Key(), "source file does not exist: "+rel, nil)
		}
		return path, nil
	}
	path, err := s.deps.Workspace.FindBidFile(dir)
	if err != nil {
		return "", apperr.Domain(s.Key(), "failed to look for the bid document", err)
	}
	if path == "" {
		return "", apperr.Domain(s.Key(), "no document to format; upload a tender file first", nil)
	}
	return path, nil
}

// orderedStages removes duplicates and runs stages in their natural order
func orderedStages(requested []string) []string {
	want := map[string]bool{}
	for _, s := range requested {
		want[s] = true
	}
	var out []string
	for _, s := range allStages {
		if want[s] {
			out = append(out, s)
		}
	}
	return out
}

// extractedOutline keeps the lines that look like chapter or clause headings
func extractedOutline(text string) string {
	var sb strings.Builder
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if isOutlineLine(line) {
			sb.WriteString(line)
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

func isOutlineLine(line string) bool {
	if len([]rune(line)) > 60 {
		return false
	}
	if strings.HasPrefix(line, "第") && (strings.Contains(line, "章") || strings.Contains(line, "节") || strings.Contains(line, "部分")) {
		return true
	}
	if strings.HasPrefix(line, "#") {
		return true
	}
	for _, marker := range []string{"一、", "二、", "三、", "四、", "五、", "六、", "七、", "八、", "九、", "十、"} {
		if strings.HasPrefix(line, marker) {
			return true
		}
	}
	return false
}
