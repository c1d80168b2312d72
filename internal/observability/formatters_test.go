package observability

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jonathan/bid-assistant/internal/db"
	"github.com/jonathan/bid-assistant/internal/executor"
	"github.com/jonathan/bid-assistant/internal/progress"
	"github.com/jonathan/bid-assistant/internal/steps"
)

func TestPrintSnapshot(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)

	next := steps.FileFormatting
	msg := "bid-analysis: no bid document found"
	snap := &progress.Snapshot{
		ProjectID:     "0b6c3f5e-2f4c-4a8e-9f0e-4b8e2a9c1d7f",
		CurrentStep:   steps.BidAnalysis,
		NextStep:      &next,
		TotalProgress: 12.5,
		ProjectStatus: db.ProjectStatusActive,
		Steps: []db.StepProgress{
			{StepKey: steps.ServiceMode, Status: db.StepStatusCompleted, Progress: 100},
			{StepKey: steps.BidAnalysis, Status: db.StepStatusError, Progress: 10, ErrorMessage: &msg},
			{StepKey: steps.FileFormatting, Status: db.StepStatusPending},
		},
	}

	p.PrintSnapshot(snap)
	output := buf.String()

	assert.Contains(t, output, "PROJECT PROGRESS")
	assert.Contains(t, output, "12.5%")
	assert.Contains(t, output, "✓ service-mode")
	assert.Contains(t, output, "✗ bid-analysis")
	assert.Contains(t, output, "no bid document")
	assert.Contains(t, output, "Next:     file-formatting")
	assert.Contains(t, output, "██████████ 100%")
}

func TestPrintSnapshot_Nil(t *testing.T) {
	var buf bytes.Buffer
	NewPrinter(&buf).PrintSnapshot(nil)
	assert.Empty(t, buf.String())
}

func TestPrintProjects(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)

	p.PrintProjects(nil)
	assert.Contains(t, buf.String(), "No projects yet")

	buf.Reset()
	projects := make([]db.Project, maxItemsToShow+2)
	for i := range projects {
		projects[i] = db.Project{ID: "p", Name: "市政道路改造", Status: db.ProjectStatusActive, CurrentStep: steps.ServiceMode}
	}
	p.PrintProjects(projects)
	assert.Contains(t, buf.String(), "市政道路改造")
	assert.Contains(t, buf.String(), "... and 2 more projects")
}

func TestPrintSteps(t *testing.T) {
	var buf bytes.Buffer
	NewPrinter(&buf).PrintSteps(steps.List())

	output := buf.String()
	assert.Contains(t, output, "1. service-mode")
	assert.Contains(t, output, "8. document-export")
}

func TestPrintBox_TruncatesByRune(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)

	p.printBox("TITLE", strings.Repeat("标", 100))
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		assert.True(t, strings.HasSuffix(line, "┐") || strings.HasSuffix(line, "│") || strings.HasSuffix(line, "┤") || strings.HasSuffix(line, "┘"), line)
	}
	assert.Contains(t, buf.String(), "...")
}

func TestPrintExecuteResult(t *testing.T) {
	var buf bytes.Buffer
	NewPrinter(&buf).PrintExecuteResult(steps.ServiceMode, &executor.ExecuteResult{TaskID: "t1", Status: executor.StatusRunning, Reused: true, TraceID: "trace-1"})

	assert.Contains(t, buf.String(), "service-mode: task t1 running (reused) trace=trace-1")
}
