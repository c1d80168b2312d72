package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/jonathan/bid-assistant/internal/apperr"
	"github.com/jonathan/bid-assistant/internal/executor"
	"github.com/jonathan/bid-assistant/internal/llm"
	"github.com/jonathan/bid-assistant/internal/prompts"
	"github.com/jonathan/bid-assistant/internal/schemas"
	"github.com/jonathan/bid-assistant/internal/steps"
	"github.com/jonathan/bid-assistant/internal/workspace"
)

// FrameworkFile holds the generated outline
var FrameworkFile = filepath.Join(workspace.DirFramework, "framework.json")

// FrameworkSection is one chapter of the bid document outline
type FrameworkSection struct {
	Key         string   `json:"key"`
	Title       string   `json:"title"`
	Subsections []string `json:"subsections"`
}

// FrameworkResult is the output of the framework-generation step
type FrameworkResult struct {
	FrameworkType string             `json:"framework_type"`
	TemplateID    string             `json:"template_id"`
	Title         string             `json:"title"`
	Sections      []FrameworkSection `json:"sections"`
	Source        string             `json:"source"`
	FrameworkFile string             `json:"framework_file"`
}

// Framework sources reported in the result
const (
	sourceModel   = "model"
	sourceDefault = "default"
)

var defaultSections = []FrameworkSection{
	{Key: "bid_letter", Title: "投标函及附录", Subsections: []string{"投标函", "法定代表人身份证明", "授权委托书"}},
	{Key: "commercial", Title: "商务部分", Subsections: []string{"开标一览表", "商务条款偏离表", "报价说明"}},
	{Key: "technical", Title: "技术方案", Subsections: []string{"项目理解与需求分析", "总体技术方案", "关键技术措施"}},
	{Key: "implementation", Title: "项目实施方案", Subsections: []string{"组织机构与人员配置", "进度计划", "质量保证措施"}},
	{Key: "service", Title: "售后服务方案", Subsections: []string{"服务承诺", "培训方案", "应急响应"}},
	{Key: "qualification", Title: "资格证明文件", Subsections: []string{"企业资质", "类似项目业绩", "财务状况"}},
}

var detailedSections = []FrameworkSection{
	{Key: "quality", Title: "质量保证体系", Subsections: []string{"质量目标", "质量控制流程", "检验与验收"}},
	{Key: "risk", Title: "风险控制措施", Subsections: []string{"风险识别", "应对预案", "安全文明措施"}},
}

// DefaultFramework returns the built-in outline for frameworkType
func DefaultFramework(frameworkType string) []FrameworkSection {
	out := cloneSections(defaultSections)
	if frameworkType == FrameworkDetailed {
		out = append(out, cloneSections(detailedSections)...)
	}
	return out
}

func cloneSections(in []FrameworkSection) []FrameworkSection {
	out := make([]FrameworkSection, len(in))
	for i, s := range in {
		out[i] = FrameworkSection{Key: s.Key, Title: s.Title, Subsections: append([]string{}, s.Subsections...)}
	}
	return out
}

// FrameworkStep generates the chapter outline of the bid document
type FrameworkStep struct {
	deps *Deps
}

func (s *FrameworkStep) Key() string { return steps.FrameworkGeneration }

func (s *FrameworkStep) Validate(params map[string]any) (map[string]any, error) {
	return bindParams(params, &frameworkParams{})
}

func (s *FrameworkStep) Run(ctx context.Context, run *executor.Run) (map[string]any, error) {
	var p frameworkParams
	if err := decodeParams(run.Params, &p); err != nil {
		return nil, err
	}
	dir, err := projectDir(s.Key(), run)
	if err != nil {
		return nil, err
	}

	analysis, err := s.deps.previousResult(ctx, run.ProjectID, steps.BidAnalysis)
	if err != nil {
		return nil, err
	}
	if err := run.Checkpoint(ctx, 20); err != nil {
		return nil, err
	}

	result := FrameworkResult{
		FrameworkType: p.FrameworkType,
		TemplateID:    p.TemplateID,
		Title:         documentTitle(run.Project.Name, analysis),
	}

	generated, err := s.generate(ctx, p.FrameworkType, analysis)
	if err != nil {
		return nil, err
	}
	if generated != nil {
		result.Sections = generated.Sections
		if generated.Title != "" {
			result.Title = generated.Title
		}
		result.Source = sourceModel
	} else {
		result.Sections = DefaultFramework(p.FrameworkType)
		result.Source = sourceDefault
	}
	if err := run.Checkpoint(ctx, 70); err != nil {
		return nil, err
	}

	if _, err := s.deps.Workspace.WriteJSON(dir, FrameworkFile, result); err != nil {
		return nil, apperr.Domain(s.Key(), "failed to save framework", err)
	}
	for _, sec := range result.Sections {
		var sb strings.Builder
		fmt.Fprintf(&sb, "# %s\n\n", sec.Title)
		for _, sub := range sec.Subsections {
			fmt.Fprintf(&sb, "## %s\n\n", sub)
		}
		if _, err := s.deps.Workspace.WriteFile(dir, filepath.Join(workspace.DirFramework, sec.Key+".md"), []byte(sb.String())); err != nil {
			return nil, apperr.Domain(s.Key(), "failed to save chapter outline", err)
		}
	}
	result.FrameworkFile = filepath.ToSlash(FrameworkFile)
	return toMap(result)
}

type generatedFramework struct {
	Title    string             `json:"title"`
	Sections []FrameworkSection `json:"sections"`
}

// generate asks the model for an outline. It returns nil when the output is unusable.
func (s *FrameworkStep) generate(ctx context.Context, frameworkType string, analysis map[string]any) (*generatedFramework, error) {
	analysisJSON := "{}"
	if a, ok := analysis["analysis_result"]; ok {
		if data, err := json.MarshalIndent(a, "", "  "); err == nil {
			analysisJSON = string(data)
		}
	}
	prompt, err := prompts.Render(prompts.KeyFramework, map[string]string{
		"FrameworkType": frameworkType,
		"Analysis":      analysisJSON,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build framework prompt: %w", err)
	}
	raw, err := s.deps.LLM.GenerateJSON(ctx, prompt, llm.TierAdvanced)
	if err != nil {
		return nil, apperr.Domain(s.Key(), "model call failed", err)
	}

	var out generatedFramework
	if err := llm.DecodeJSON(raw, &out); err != nil {
		log.Printf("[pipeline] framework output was not JSON, using the default outline: %v", err)
		return nil, nil
	}
	out.Sections = normalizeSections(out.Sections)
	if len(out.Sections) == 0 {
		return nil, nil
	}

	check := map[string]any{"framework_type": frameworkType, "title": "outline", "sections": out.Sections}
	if err := schemas.ValidateValue(s.Key(), check); err != nil {
		log.Printf("[pipeline] framework output rejected, using the default outline: %v", err)
		return nil, nil
	}
	return &out, nil
}

var keyChars = regexp.MustCompile(`[^a-z0-9_\-]+`)

// normalizeSections drops untitled sections and makes keys unique file-safe slugs
func normalizeSections(in []FrameworkSection) []FrameworkSection {
	out := make([]FrameworkSection, 0, len(in))
	seen := map[string]bool{}
	for i, sec := range in {
		sec.Title = strings.TrimSpace(sec.Title)
		if sec.Title == "" {
			continue
		}
		key := strings.Trim(keyChars.ReplaceAllString(strings.ToLower(sec.Key), "_"), "_")
		if key == "" {
			key = fmt.Sprintf("section_%d", i+1)
		}
		base := key
		for n := 2; seen[key]; n++ {
			key = fmt.Sprintf("%s_%d", base, n)
		}
		seen[key] = true
		sec.Key = key
		if sec.Subsections == nil {
			sec.Subsections = []string{}
		}
		out = append(out, sec)
	}
	return out
}

// documentTitle names the bid document after the analyzed project
func documentTitle(projectName string, analysis map[string]any) string {
	if a, ok := analysis["analysis_result"].(map[string]any); ok {
		if name := stringValue(a, "project_name"); name != "" {
			projectName = name
		}
	}
	if projectName == "" {
		return "投标文件"
	}
	return projectName + "投标文件"
}

// frameworkSections returns the sections of the newest framework result
func (d *Deps) frameworkSections(ctx context.Context, projectID string) ([]FrameworkSection, string, error) {
	prev, err := d.previousResult(ctx, projectID, steps.FrameworkGeneration)
	if err != nil || prev == nil {
		return nil, "", err
	}
	var fw FrameworkResult
	if err := fromMap(prev, &fw); err != nil {
		return nil, "", fmt.Errorf("failed to decode framework result: %w", err)
	}
	return fw.Sections, fw.Title, nil
}
