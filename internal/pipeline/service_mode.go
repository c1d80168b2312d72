package pipeline

import (
	"context"
	"log"
	"time"

	"github.com/jonathan/bid-assistant/internal/executor"
	"github.com/jonathan/bid-assistant/internal/steps"
)

// ServiceModeStep records how the user wants the assistant to work on the project
type ServiceModeStep struct {
	deps *Deps
}

func (s *ServiceModeStep) Key() string { return steps.ServiceMode }

func (s *ServiceModeStep) Validate(params map[string]any) (map[string]any, error) {
	return bindParams(params, &serviceModeParams{})
}

// ServiceModeResult is the output of the service-mode step
type ServiceModeResult struct {
	Mode          string `json:"mode"`
	AppliedAt     string `json:"applied_at"`
	SavedToConfig bool   `json:"saved_to_config"`
}

func (s *ServiceModeStep) Run(ctx context.Context, run *executor.Run) (map[string]any, error) {
	var p serviceModeParams
	if err := decodeParams(run.Params, &p); err != nil {
		return nil, err
	}
	dir, err := projectDir(s.Key(), run)
	if err != nil {
		return nil, err
	}
	if err := run.Checkpoint(ctx, 30); err != nil {
		return nil, err
	}

	appliedAt := s.deps.clock().UTC().Format(time.RFC3339)
	saved := true
	if _, err := s.deps.Workspace.UpdateConfig(dir, map[string]any{
		"service_mode":            p.Mode,
		"service_mode_updated_at": appliedAt,
	}); err != nil {
		// The mode is still recorded in the step result
		log.Printf("[pipeline] failed to save service mode for %s: %v", run.ProjectID, err)
		saved = false
	}

	return toMap(ServiceModeResult{Mode: p.Mode, AppliedAt: appliedAt, SavedToConfig: saved})
}

// serviceMode returns the mode saved in the project config, or ModeAI
func (d *Deps) serviceMode(projectPath string) string {
	cfg, err := d.Workspace.ReadConfig(projectPath)
	if err != nil {
		return ModeAI
	}
	if mode := stringValue(cfg, "service_mode"); mode != "" {
		return mode
	}
	return ModeAI
}
