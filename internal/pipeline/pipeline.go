// Package pipeline implements the domain work behind each bid step. Every step is an
// executor.Step: it validates its own params, reads the project workspace and the
// results of earlier steps, and returns a JSON-shaped result.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jonathan/bid-assistant/internal/apperr"
	"github.com/jonathan/bid-assistant/internal/db"
	"github.com/jonathan/bid-assistant/internal/executor"
	"github.com/jonathan/bid-assistant/internal/extract"
	"github.com/jonathan/bid-assistant/internal/llm"
	"github.com/jonathan/bid-assistant/internal/rendering"
	"github.com/jonathan/bid-assistant/internal/storage"
	"github.com/jonathan/bid-assistant/internal/workspace"
)

// DefaultContentConcurrency bounds parallel section generation
const DefaultContentConcurrency = 4

// Deps holds the collaborators shared by every step
type Deps struct {
	Store     db.Store
	Workspace *workspace.Manager
	Extractor extract.Extractor
	LLM       llm.Client
	PDF       rendering.PDFRenderer
	Blob      storage.Blob

	ContentConcurrency int

	now func() time.Time
}

func (d *Deps) clock() time.Time {
	if d.now != nil {
		return d.now()
	}
	return time.Now()
}

// Steps returns the domain work for every registry step in pipeline order
func Steps(deps *Deps) []executor.Step {
	return []executor.Step{
		&ServiceModeStep{deps: deps},
		&BidAnalysisStep{deps: deps},
		&FileFormattingStep{deps: deps},
		&MaterialStep{deps: deps},
		&FrameworkStep{deps: deps},
		&ContentStep{deps: deps},
		&FormatConfigStep{deps: deps},
		&ExportStep{deps: deps},
	}
}

// Register adds every step to r
func Register(r *executor.Runner, deps *Deps) {
	for _, s := range Steps(deps) {
		r.Register(s)
	}
}

// projectDir returns the workspace directory of the run's project
func projectDir(stepKey string, run *executor.Run) (string, error) {
	if run.Project == nil || run.Project.ProjectPath == "" {
		return "", apperr.Domain(stepKey, "project has no workspace directory", nil)
	}
	return run.Project.ProjectPath, nil
}

// previousResult returns the newest stored result of stepKey, or nil when the
// step has never completed.
func (d *Deps) previousResult(ctx context.Context, projectID, stepKey string) (map[string]any, error) {
	res, err := d.Store.LatestStepResult(ctx, projectID, stepKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s result: %w", stepKey, err)
	}
	if res == nil {
		return nil, nil
	}
	return res.Result, nil
}

// toMap converts v to its JSON object form
func toMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	out := map[string]any{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to convert result: %w", err)
	}
	return out, nil
}

// fromMap decodes a JSON-shaped map into v
func fromMap(m map[string]any, v any) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func stringValue(m map[string]any, key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

func stringList(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if t != "" {
			return []string{t}
		}
	}
	return nil
}
