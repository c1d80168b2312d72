// Package observability provides formatted output utilities for the CLI.
package observability

import (
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/jonathan/bid-assistant/internal/db"
	"github.com/jonathan/bid-assistant/internal/executor"
	"github.com/jonathan/bid-assistant/internal/progress"
	"github.com/jonathan/bid-assistant/internal/steps"
)

const (
	// boxWidth is the default width for formatted output boxes
	boxWidth = 60
	// maxItemsToShow is the default number of items to display in lists
	maxItemsToShow = 20
	// barWidth is the width of a step progress bar
	barWidth = 10
)

// Printer handles formatted output for the CLI
type Printer struct {
	out io.Writer
}

// NewPrinter creates a new Printer that writes to the given writer
func NewPrinter(out io.Writer) *Printer {
	return &Printer{out: out}
}

// truncate shortens s to max runes
func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max-3]) + "..."
}

// printBox prints a formatted box with a title and content
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) printBox(title string, content string) {
	border := strings.Repeat("─", boxWidth-2)
	fmt.Fprintf(p.out, "┌%s┐\n", border)
	fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, title)
	fmt.Fprintf(p.out, "├%s┤\n", border)

	for _, line := range strings.Split(content, "\n") {
		fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, truncate(line, boxWidth-4))
	}

	fmt.Fprintf(p.out, "└%s┘\n", border)
}

// statusIcon maps a step status to a one-character marker
func statusIcon(status string) string {
	switch status {
	case db.StepStatusCompleted:
		return "✓"
	case db.StepStatusInProgress:
		return "▶"
	case db.StepStatusError:
		return "✗"
	case db.StepStatusCancelled:
		return "⊘"
	}
	return "·"
}

func bar(pct int) string {
	filled := pct * barWidth / 100
	return strings.Repeat("█", filled) + strings.Repeat("░", barWidth-filled)
}

// PrintSnapshot outputs the progress of every step of a project.
func (p *Printer) PrintSnapshot(snap *progress.Snapshot) {
	if snap == nil {
		return
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Project:  %s\n", snap.ProjectID))
	sb.WriteString(fmt.Sprintf("Status:   %s\n", snap.ProjectStatus))
	sb.WriteString(fmt.Sprintf("Current:  %s\n", snap.CurrentStep))
	if snap.NextStep != nil {
		sb.WriteString(fmt.Sprintf("Next:     %s\n", *snap.NextStep))
	}
	sb.WriteString(fmt.Sprintf("Total:    %.1f%%\n\n", snap.TotalProgress))

	for _, row := range snap.Steps {
		sb.WriteString(fmt.Sprintf("%s %-22s %s %3d%%\n", statusIcon(row.Status), row.StepKey, bar(row.Progress), row.Progress))
		if row.ErrorMessage != nil && *row.ErrorMessage != "" {
			sb.WriteString(fmt.Sprintf("    %s\n", *row.ErrorMessage))
		}
	}

	p.printBox("PROJECT PROGRESS", strings.TrimSuffix(sb.String(), "\n"))
}

// PrintProjects outputs a project listing.
func (p *Printer) PrintProjects(projects []db.Project) {
	if len(projects) == 0 {
		p.printBox("PROJECTS", "No projects yet")
		return
	}

	var sb strings.Builder
	count := min(len(projects), maxItemsToShow)
	for i := 0; i < count; i++ {
		project := projects[i]
		sb.WriteString(fmt.Sprintf("%s\n", project.ID))
		sb.WriteString(fmt.Sprintf("    %s [%s] at %s\n", project.Name, project.Status, project.CurrentStep))
	}
	if len(projects) > maxItemsToShow {
		sb.WriteString(fmt.Sprintf("... and %d more projects\n", len(projects)-maxItemsToShow))
	}

	p.printBox("PROJECTS", strings.TrimSuffix(sb.String(), "\n"))
}

// PrintSteps outputs the step registry.
func (p *Printer) PrintSteps(list []steps.Step) {
	var sb strings.Builder
	for _, st := range list {
		sb.WriteString(fmt.Sprintf("%d. %-22s %s\n", st.Ordinal, st.Key, st.Name))
	}
	p.printBox("STEPS", strings.TrimSuffix(sb.String(), "\n"))
}

// PrintExecuteResult outputs the answer to an execute request.
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) PrintExecuteResult(stepKey string, res *executor.ExecuteResult) {
	if res == nil {
		return
	}
	reused := ""
	if res.Reused {
		reused = " (reused)"
	}
	fmt.Fprintf(p.out, "%s %s: task %s %s%s trace=%s\n", statusIcon(res.Status), stepKey, res.TaskID, res.Status, reused, res.TraceID)
}
