package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jonathan/bid-assistant/internal/db"
	"github.com/jonathan/bid-assistant/internal/observability"
	"github.com/jonathan/bid-assistant/internal/steps"
	"github.com/jonathan/bid-assistant/internal/workspace"
)

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Create and list bid projects",
}

var (
	projectFile        string
	projectName        string
	projectDescription string
	projectLimit       int
	projectJSON        bool
)

var projectCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a project from a tender document",
	Args:  cobra.NoArgs,
	RunE:  runProjectCreate,
}

var projectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the most recent projects",
	Args:  cobra.NoArgs,
	RunE:  runProjectList,
}

func init() {
	projectCreateCmd.Flags().StringVarP(&projectFile, "file", "f", "", "Path to the tender document (required)")
	projectCreateCmd.Flags().StringVarP(&projectName, "name", "n", "", "Project name (defaults to the file name)")
	projectCreateCmd.Flags().StringVar(&projectDescription, "description", "", "Project description")
	_ = projectCreateCmd.MarkFlagRequired("file")

	projectListCmd.Flags().IntVar(&projectLimit, "limit", 50, "Maximum number of projects to list")
	projectListCmd.Flags().BoolVar(&projectJSON, "json", false, "Print JSON instead of a table")

	projectCmd.AddCommand(projectCreateCmd, projectListCmd)
	rootCmd.AddCommand(projectCmd)
}

func runProjectCreate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	ctx := cmd.Context()
	a, err := newLedgerApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	project, err := createProject(ctx, a, projectFile, projectName, projectDescription)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created project %s\n", project.ID)
	fmt.Fprintf(cmd.OutOrStdout(), "  Name:      %s\n", project.Name)
	fmt.Fprintf(cmd.OutOrStdout(), "  Directory: %s\n", project.ProjectPath)
	fmt.Fprintf(cmd.OutOrStdout(), "  Source:    %s\n", project.SourceFile)
	return nil
}

// createProject copies the tender file into a fresh workspace and registers the project
func createProject(ctx context.Context, a *app, file, name, description string) (*db.Project, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, fmt.Errorf("failed to open tender file: %w", err)
	}
	defer f.Close()

	if name = strings.TrimSpace(name); name == "" {
		base := filepath.Base(file)
		name = strings.TrimSuffix(base, filepath.Ext(base))
	}

	projectPath, err := a.workspace.Create(name)
	if err != nil {
		return nil, err
	}
	source, err := a.workspace.SaveUpload(projectPath, workspace.DirUploads, filepath.Base(file), f)
	if err != nil {
		return nil, err
	}

	project, err := a.store.CreateProject(ctx, &db.ProjectInput{
		ID:          uuid.New().String(),
		Name:        name,
		Description: description,
		SourceFile:  filepath.ToSlash(source),
		ProjectPath: projectPath,
		CurrentStep: steps.First().Key,
	})
	if err != nil {
		return nil, err
	}
	if err := a.progress.EnsureDefaults(ctx, project.ID); err != nil {
		return nil, err
	}
	return project, nil
}

func runProjectList(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	a, err := newLedgerApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	projects, err := a.store.ListProjects(cmd.Context(), projectLimit)
	if err != nil {
		return err
	}
	if projectJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(projects)
	}
	observability.NewPrinter(cmd.OutOrStdout()).PrintProjects(projects)
	return nil
}
