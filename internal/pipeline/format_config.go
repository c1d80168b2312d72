package pipeline

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/jonathan/bid-assistant/internal/apperr"
	"github.com/jonathan/bid-assistant/internal/executor"
	"github.com/jonathan/bid-assistant/internal/rendering"
	"github.com/jonathan/bid-assistant/internal/steps"
	"github.com/jonathan/bid-assistant/internal/workspace"
)

// Output files of the format-config step
var (
	FormatConfigFile = filepath.Join(workspace.DirFormatConfig, "document_format.json")
	FormatCSSFile    = filepath.Join(workspace.DirFormatConfig, "document_style.css")
)

// FormatConfigResult is the output of the format-config step
type FormatConfigResult struct {
	TemplateKey string                 `json:"template_key"`
	ConfigFile  string                 `json:"config_file"`
	CSSFile     string                 `json:"css_file"`
	Config      rendering.FormatConfig `json:"config"`
	AppliedAt   string                 `json:"applied_at"`
}

// FormatConfigStep builds the page and typography setup used by the export
type FormatConfigStep struct {
	deps *Deps
}

func (s *FormatConfigStep) Key() string { return steps.FormatConfig }

func (s *FormatConfigStep) Validate(params map[string]any) (map[string]any, error) {
	var p formatConfigParams
	normalized, err := bindParams(params, &p)
	if err != nil {
		return nil, err
	}
	if _, err := rendering.BuildFormat(p.TemplateKey, p.CustomConfig); err != nil {
		return nil, apperr.Invalid("custom_config", "%v", err)
	}
	return normalized, nil
}

func (s *FormatConfigStep) Run(ctx context.Context, run *executor.Run) (map[string]any, error) {
	var p formatConfigParams
	if err := decodeParams(run.Params, &p); err != nil {
		return nil, err
	}
	dir, err := projectDir(s.Key(), run)
	if err != nil {
		return nil, err
	}

	cfg, err := rendering.BuildFormat(p.TemplateKey, p.CustomConfig)
	if err != nil {
		return nil, apperr.Domain(s.Key(), "invalid format config", err)
	}
	if err := run.Checkpoint(ctx, 40); err != nil {
		return nil, err
	}

	if _, err := s.deps.Workspace.WriteJSON(dir, FormatConfigFile, cfg); err != nil {
		return nil, apperr.Domain(s.Key(), "failed to save format config", err)
	}
	if _, err := s.deps.Workspace.WriteFile(dir, FormatCSSFile, []byte(rendering.CSS(cfg))); err != nil {
		return nil, apperr.Domain(s.Key(), "failed to save stylesheet", err)
	}
	if err := run.Checkpoint(ctx, 80); err != nil {
		return nil, err
	}

	return toMap(FormatConfigResult{
		TemplateKey: p.TemplateKey,
		ConfigFile:  filepath.ToSlash(FormatConfigFile),
		CSSFile:     filepath.ToSlash(FormatCSSFile),
		Config:      cfg,
		AppliedAt:   s.deps.clock().UTC().Format(time.RFC3339),
	})
}

// formatFor returns the saved format config of a project, or the standard template
func (d *Deps) formatFor(projectPath string) rendering.FormatConfig {
	data, err := os.ReadFile(filepath.Join(projectPath, FormatConfigFile))
	if err != nil {
		return rendering.DefaultFormat()
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return rendering.DefaultFormat()
	}
	return rendering.FormatFromMap(m)
}
