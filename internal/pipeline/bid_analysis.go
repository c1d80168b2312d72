package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jonathan/bid-assistant/internal/apperr"
	"github.com/jonathan/bid-assistant/internal/executor"
	"github.com/jonathan/bid-assistant/internal/extract"
	"github.com/jonathan/bid-assistant/internal/llm"
	"github.com/jonathan/bid-assistant/internal/prompts"
	"github.com/jonathan/bid-assistant/internal/steps"
)

// Output files of the bid-analysis step, relative to the project directory
const (
	AnalysisReportFile = "analysis_report.md"
	StrategyReportFile = "bid_strategy.md"
)

const (
	maxPromptRunes    = 30000
	maxRequirementLen = 120
	maxRequirements   = 10
)

// BidAnalysis is the structured summary of a tender document
type BidAnalysis struct {
	ProjectName               string   `json:"project_name"`
	TenderUnit                string   `json:"tender_unit"`
	Budget                    string   `json:"budget"`
	Deadline                  string   `json:"deadline"`
	QualificationRequirements []string `json:"qualification_requirements"`
	TechnicalRequirements     []string `json:"technical_requirements"`
	CommercialRequirements    []string `json:"commercial_requirements"`
	EvaluationCriteria        []string `json:"evaluation_criteria"`
	Risks                     []string `json:"risks"`
	DocumentChars             int      `json:"document_chars"`
	DocumentHash              string   `json:"document_hash"`
}

// BidAnalysisResult is the output of the bid-analysis step
type BidAnalysisResult struct {
	AnalysisType   string         `json:"analysis_type"`
	SourceFile     string         `json:"source_file"`
	AnalysisResult BidAnalysis    `json:"analysis_result"`
	StrategyResult map[string]any `json:"strategy_result"`
	ReportPath     string         `json:"report_path"`
	StrategyPath   string         `json:"strategy_path"`
}

// keyword groups used when the model leaves a requirement list empty
var requirementKeywords = map[string][]string{
	"qualification": {"资格", "资质", "营业执照", "业绩要求"},
	"technical":     {"技术", "参数", "性能", "规格"},
	"commercial":    {"商务", "付款", "报价", "交货", "工期", "质保"},
	"evaluation":    {"评分", "评标", "分值", "得分"},
	"risks":         {"废标", "无效投标", "否决", "不予受理"},
}

// BidAnalysisStep extracts the tender document and summarizes its requirements
type BidAnalysisStep struct {
	deps *Deps
}

func (s *BidAnalysisStep) Key() string { return steps.BidAnalysis }

func (s *BidAnalysisStep) Validate(params map[string]any) (map[string]any, error) {
	return bindParams(params, &bidAnalysisParams{})
}

func (s *BidAnalysisStep) Run(ctx context.Context, run *executor.Run) (map[string]any, error) {
	var p bidAnalysisParams
	if err := decodeParams(run.Params, &p); err != nil {
		return nil, err
	}
	dir, err := projectDir(s.Key(), run)
	if err != nil {
		return nil, err
	}

	source, err := s.deps.Workspace.FindBidFile(dir)
	if err != nil {
		return nil, apperr.Domain(s.Key(), "failed to look for the bid document", err)
	}
	if source == "" {
		return nil, apperr.Domain(s.Key(), "no bid document found in the project; upload a tender file first", nil)
	}
	if err := run.Checkpoint(ctx, 10); err != nil {
		return nil, err
	}

	doc, err := s.deps.Extractor.Extract(ctx, source)
	if err != nil {
		return nil, apperr.Domain(s.Key(), "failed to read the bid document", err)
	}
	if err := run.Checkpoint(ctx, 30); err != nil {
		return nil, err
	}

	analysis, err := s.analyze(ctx, p.AnalysisType, doc)
	if err != nil {
		return nil, err
	}
	if analysis.ProjectName == "" {
		analysis.ProjectName = run.Project.Name
	}
	if err := run.Checkpoint(ctx, 60); err != nil {
		return nil, err
	}

	result := BidAnalysisResult{
		AnalysisType:   p.AnalysisType,
		SourceFile:     relativeTo(dir, source),
		AnalysisResult: *analysis,
		StrategyResult: map[string]any{},
	}

	if p.AnalysisType == AnalysisComprehensive {
		mode := s.deps.serviceMode(dir)
		strategy, err := s.strategy(ctx, mode, analysis)
		if err != nil {
			return nil, err
		}
		if _, err := s.deps.Workspace.WriteFile(dir, StrategyReportFile, []byte(strategy)); err != nil {
			return nil, apperr.Domain(s.Key(), "failed to write strategy report", err)
		}
		result.StrategyPath = StrategyReportFile
		result.StrategyResult = map[string]any{
			"service_mode": mode,
			"content":      strategy,
			"generated_at": s.deps.clock().UTC().Format(time.RFC3339),
		}
	}
	if err := run.Checkpoint(ctx, 85); err != nil {
		return nil, err
	}

	if _, err := s.deps.Workspace.WriteFile(dir, AnalysisReportFile, []byte(analysisReport(analysis, result.SourceFile))); err != nil {
		return nil, apperr.Domain(s.Key(), "failed to write analysis report", err)
	}
	result.ReportPath = AnalysisReportFile
	return toMap(result)
}

func (s *BidAnalysisStep) analyze(ctx context.Context, analysisType string, doc *extract.Document) (*BidAnalysis, error) {
	prompt, err := prompts.Render(prompts.KeyAnalysis, map[string]string{
		"AnalysisType": analysisType,
		"Document":     extract.Truncate(doc.Text, maxPromptRunes),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build analysis prompt: %w", err)
	}

	tier := llm.TierStandard
	if analysisType == AnalysisQuick {
		tier = llm.TierLite
	}
	raw, err := s.deps.LLM.GenerateJSON(ctx, prompt, tier)
	if err != nil {
		return nil, apperr.Domain(s.Key(), "model call failed", err)
	}

	fields := map[string]any{}
	if err := llm.DecodeJSON(raw, &fields); err != nil {
		log.Printf("[pipeline] analysis output was not JSON, using document heuristics: %v", err)
	}

	analysis := &BidAnalysis{
		ProjectName:               anyString(fields["project_name"]),
		TenderUnit:                anyString(fields["tender_unit"]),
		Budget:                    anyString(fields["budget"]),
		Deadline:                  anyString(fields["deadline"]),
		QualificationRequirements: stringList(fields["qualification_requirements"]),
		TechnicalRequirements:     stringList(fields["technical_requirements"]),
		CommercialRequirements:    stringList(fields["commercial_requirements"]),
		EvaluationCriteria:        stringList(fields["evaluation_criteria"]),
		Risks:                     stringList(fields["risks"]),
		DocumentChars:             doc.Chars,
		DocumentHash:              doc.Hash,
	}
	fillFromDocument(analysis, doc.Text)
	return analysis, nil
}

func (s *BidAnalysisStep) strategy(ctx context.Context, mode string, analysis *BidAnalysis) (string, error) {
	data, err := json.MarshalIndent(analysis, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal analysis: %w", err)
	}
	prompt, err := prompts.Render(prompts.KeyStrategy, map[string]string{
		"ServiceMode": mode,
		"Analysis":    string(data),
	})
	if err != nil {
		return "", fmt.Errorf("failed to build strategy prompt: %w", err)
	}
	text, err := s.deps.LLM.GenerateContent(ctx, "标题：投标策略\n"+prompt, llm.TierAdvanced)
	if err != nil {
		return "", apperr.Domain(s.Key(), "model call failed", err)
	}
	return strings.TrimSpace(text) + "\n", nil
}

// fillFromDocument fills empty fields from keyword matches in the document text
func fillFromDocument(a *BidAnalysis, text string) {
	if a.ProjectName == "" {
		a.ProjectName = labelledValue(text, "项目名称")
	}
	if a.TenderUnit == "" {
		a.TenderUnit = labelledValue(text, "招标人", "采购人", "招标单位")
	}
	if a.Budget == "" {
		a.Budget = labelledValue(text, "预算金额", "项目预算", "最高限价")
	}
	if a.Deadline == "" {
		a.Deadline = labelledValue(text, "投标截止时间", "截止时间", "开标时间")
	}

	lists := []struct {
		target *[]string
		group  string
	}{
		{&a.QualificationRequirements, "qualification"},
		{&a.TechnicalRequirements, "technical"},
		{&a.CommercialRequirements, "commercial"},
		{&a.EvaluationCriteria, "evaluation"},
		{&a.Risks, "risks"},
	}
	for _, l := range lists {
		if len(*l.target) == 0 {
			*l.target = matchingLines(text, requirementKeywords[l.group])
		}
	}
}

// labelledValue finds "label：value" or "label:value" and returns value
func labelledValue(text string, labels ...string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		for _, label := range labels {
			idx := strings.Index(line, label)
			if idx < 0 {
				continue
			}
			rest := strings.TrimSpace(line[idx+len(label):])
			for _, sep := range []string{"：", ":"} {
				if strings.HasPrefix(rest, sep) {
					if v := strings.TrimSpace(strings.TrimPrefix(rest, sep)); v != "" {
						return extract.Truncate(v, maxRequirementLen)
					}
				}
			}
		}
	}
	return ""
}

func matchingLines(text string, keywords []string) []string {
	out := []string{}
	seen := map[string]bool{}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || seen[line] {
			continue
		}
		for _, kw := range keywords {
			if strings.Contains(line, kw) {
				seen[line] = true
				out = append(out, extract.Truncate(line, maxRequirementLen))
				break
			}
		}
		if len(out) >= maxRequirements {
			break
		}
	}
	return out
}

func analysisReport(a *BidAnalysis, source string) string {
	var sb strings.Builder
	sb.WriteString("# 招标文件分析报告\n\n")
	fmt.Fprintf(&sb, "- 来源文件：%s\n", source)
	fmt.Fprintf(&sb, "- 项目名称：%s\n", orDash(a.ProjectName))
	fmt.Fprintf(&sb, "- 招标人：%s\n", orDash(a.TenderUnit))
	fmt.Fprintf(&sb, "- 预算金额：%s\n", orDash(a.Budget))
	fmt.Fprintf(&sb, "- 投标截止时间：%s\n\n", orDash(a.Deadline))

	sections := []struct {
		title string
		items []string
	}{
		{"资格要求", a.QualificationRequirements},
		{"技术要求", a.TechnicalRequirements},
		{"商务要求", a.CommercialRequirements},
		{"评分办法", a.EvaluationCriteria},
		{"风险提示", a.Risks},
	}
	for _, sec := range sections {
		fmt.Fprintf(&sb, "## %s\n\n", sec.title)
		if len(sec.items) == 0 {
			sb.WriteString("未识别到相关内容。\n\n")
			continue
		}
		for _, item := range sec.items {
			fmt.Fprintf(&sb, "- %s\n", item)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func anyString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

func relativeTo(base, path string) string {
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return filepath.Base(path)
	}
	return filepath.ToSlash(rel)
}
