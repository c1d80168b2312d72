package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jonathan/bid-assistant/internal/apperr"
	"github.com/jonathan/bid-assistant/internal/observability"
)

var progressCmd = &cobra.Command{
	Use:   "progress",
	Short: "Inspect or reset the step progress of a project",
}

var progressShowCmd = &cobra.Command{
	Use:   "show <project_id>",
	Short: "Show the progress of every step",
	Args:  cobra.ExactArgs(1),
	RunE:  runProgressShow,
}

var progressResetCmd = &cobra.Command{
	Use:   "reset <project_id>",
	Short: "Return every step to pending (task history is kept)",
	Args:  cobra.ExactArgs(1),
	RunE:  runProgressReset,
}

func init() {
	progressCmd.AddCommand(progressShowCmd, progressResetCmd)
	rootCmd.AddCommand(progressCmd)
}

func projectIDArg(raw string) (string, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return "", apperr.Invalid("project_id", "must be a UUID, got %q", raw)
	}
	return id.String(), nil
}

func runProgressShow(cmd *cobra.Command, args []string) error {
	projectID, err := projectIDArg(args[0])
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	a, err := newLedgerApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	snap, err := a.progress.GetProgress(cmd.Context(), projectID)
	if err != nil {
		return err
	}
	observability.NewPrinter(cmd.OutOrStdout()).PrintSnapshot(snap)
	return nil
}

func runProgressReset(cmd *cobra.Command, args []string) error {
	projectID, err := projectIDArg(args[0])
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	a, err := newLedgerApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	snap, err := a.progress.ResetProject(cmd.Context(), projectID)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Reset project %s\n", projectID)
	observability.NewPrinter(cmd.OutOrStdout()).PrintSnapshot(snap)
	return nil
}
