package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/jonathan/bid-assistant/internal/apperr"
	"github.com/jonathan/bid-assistant/internal/db"
	"github.com/jonathan/bid-assistant/internal/executor"
	"github.com/jonathan/bid-assistant/internal/llm"
	"github.com/jonathan/bid-assistant/internal/prompts"
	"github.com/jonathan/bid-assistant/internal/steps"
	"github.com/jonathan/bid-assistant/internal/workspace"
)

// SectionContent reports the outcome of one generated section
type SectionContent struct {
	Key   string `json:"key"`
	Title string `json:"title"`
	// Status is completed or error
	Status string `json:"status"`
	File   string `json:"file,omitempty"`
	Chars  int    `json:"chars"`
	Error  string `json:"error,omitempty"`
}

// ContentResult is the output of the content-generation step
type ContentResult struct {
	Sections      []SectionContent `json:"sections"`
	Summary       string           `json:"summary"`
	TotalSections int              `json:"total_sections"`
	SuccessCount  int              `json:"success_count"`
	ErrorCount    int              `json:"error_count"`
}

// ContentStep drafts every chapter of the framework
type ContentStep struct {
	deps *Deps
}

func (s *ContentStep) Key() string { return steps.ContentGeneration }

func (s *ContentStep) Validate(params map[string]any) (map[string]any, error) {
	return bindParams(params, &contentParams{})
}

func (s *ContentStep) Run(ctx context.Context, run *executor.Run) (map[string]any, error) {
	var p contentParams
	if err := decodeParams(run.Params, &p); err != nil {
		return nil, err
	}
	dir, err := projectDir(s.Key(), run)
	if err != nil {
		return nil, err
	}

	sections, err := s.selectSections(ctx, run.ProjectID, p)
	if err != nil {
		return nil, err
	}
	requirements, projectName, err := s.requirements(ctx, run)
	if err != nil {
		return nil, err
	}
	if err := run.Checkpoint(ctx, 10); err != nil {
		return nil, err
	}

	limit := s.deps.ContentConcurrency
	if limit <= 0 {
		limit = DefaultContentConcurrency
	}

	out := make([]SectionContent, len(sections))
	var (
		mu   sync.Mutex
		done int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, sec := range sections {
		g.Go(func() error {
			out[i] = s.generateSection(gctx, dir, sec, projectName, requirements)

			mu.Lock()
			defer mu.Unlock()
			done++
			return run.Checkpoint(gctx, 10+done*85/len(sections))
		})
	}
	if err := g.Wait(); err != nil {
		if errors.Is(err, executor.ErrSuperseded) || ctx.Err() != nil {
			return nil, err
		}
		return nil, fmt.Errorf("content generation interrupted: %w", err)
	}

	result := ContentResult{Sections: out, TotalSections: len(out)}
	var firstErr string
	for _, sec := range out {
		if sec.Status == db.StepStatusCompleted {
			result.SuccessCount++
		} else {
			result.ErrorCount++
			if firstErr == "" {
				firstErr = sec.Key + ": " + sec.Error
			}
		}
	}
	if result.SuccessCount == 0 {
		return nil, apperr.Domain(s.Key(), fmt.Sprintf("all %d sections failed (%s)", len(out), firstErr), nil)
	}
	result.Summary = fmt.Sprintf("已生成 %d 个章节内容", result.SuccessCount)
	if result.ErrorCount > 0 {
		result.Summary += fmt.Sprintf("，%d 个章节失败", result.ErrorCount)
	}
	return toMap(result)
}

// selectSections resolves which sections to draft: explicit keys, one chapter, the
// saved framework, or the default outline.
func (s *ContentStep) selectSections(ctx context.Context, projectID string, p contentParams) ([]FrameworkSection, error) {
	framework, _, err := s.deps.frameworkSections(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if len(framework) == 0 {
		framework = DefaultFramework(FrameworkStandard)
	}
	byKey := make(map[string]FrameworkSection, len(framework))
	for _, sec := range framework {
		byKey[sec.Key] = sec
	}

	pick := func(key string) FrameworkSection {
		if sec, ok := byKey[key]; ok {
			return sec
		}
		return FrameworkSection{Key: key, Title: key, Subsections: []string{}}
	}

	switch {
	case len(p.Sections) > 0:
		out := make([]FrameworkSection, 0, len(p.Sections))
		seen := map[string]bool{}
		for _, key := range p.Sections {
			if !seen[key] {
				seen[key] = true
				out = append(out, pick(key))
			}
		}
		return normalizeSections(out), nil
	case p.ChapterKey != "":
		return normalizeSections([]FrameworkSection{pick(p.ChapterKey)}), nil
	}
	return framework, nil
}

// requirements returns the bullet list of analyzed requirements and the project name
func (s *ContentStep) requirements(ctx context.Context, run *executor.Run) (string, string, error) {
	name := run.Project.Name
	prev, err := s.deps.previousResult(ctx, run.ProjectID, steps.BidAnalysis)
	if err != nil {
		return "", "", err
	}
	a, _ := prev["analysis_result"].(map[string]any)
	if n := stringValue(a, "project_name"); n != "" {
		name = n
	}

	var sb strings.Builder
	for _, key := range []string{"technical_requirements", "qualification_requirements", "commercial_requirements", "evaluation_criteria"} {
		for _, item := range stringList(a[key]) {
			sb.WriteString("- " + item + "\n")
		}
	}
	if sb.Len() == 0 {
		return "- 无（未进行招标文件分析）\n", name, nil
	}
	return sb.String(), name, nil
}

func (s *ContentStep) generateSection(ctx context.Context, dir string, sec FrameworkSection, projectName, requirements string) SectionContent {
	res := SectionContent{Key: sec.Key, Title: sec.Title, Status: db.StepStatusError}

	prompt, err := prompts.Render(prompts.KeySectionContent, map[string]string{
		"Title":        sec.Title,
		"ProjectName":  projectName,
		"Subsections":  strings.Join(sec.Subsections, "、"),
		"Requirements": requirements,
	})
	if err != nil {
		res.Error = err.Error()
		return res
	}
	text, err := s.deps.LLM.GenerateContent(ctx, prompt, llm.TierLite)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	text = strings.TrimSpace(text)
	if text == "" {
		res.Error = "model returned no content"
		return res
	}
	if !strings.HasPrefix(text, "#") {
		text = "## " + sec.Title + "\n\n" + text
	}

	rel := filepath.Join(workspace.DirContent, sec.Key+".md")
	if _, err := s.deps.Workspace.WriteFile(dir, rel, []byte(text+"\n")); err != nil {
		res.Error = err.Error()
		return res
	}
	res.Status = db.StepStatusCompleted
	res.File = filepath.ToSlash(rel)
	res.Chars = len([]rune(text))
	return res
}
