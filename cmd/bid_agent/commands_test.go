package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

var createdRe = regexp.MustCompile(`Created project ([0-9a-f-]{36})`)

// writeConfig points the database, workspace and exports at a temp directory
func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for _, key := range []string{"DATABASE_DRIVER", "DATABASE_URL", "WORKSPACE_ROOT", "STORAGE_ROOT", "JWT_SECRET", "BCRYPT_COST", "PASSWORD_PEPPER"} {
		t.Setenv(key, "")
	}

	cfg := fmt.Sprintf(`database:
  driver: sqlite
  url: %s
workspace:
  root: %s
storage:
  root: %s
auth:
  bcrypt_cost: 10
`, filepath.Join(dir, "data", "bid.db"), filepath.Join(dir, "projects"), filepath.Join(dir, "exports"))

	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return path
}

// runCLI executes the root command in-process and returns its stdout
func runCLI(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	configPath = ""
	projectFile, projectName, projectDescription = "", "", ""
	projectLimit, projectJSON = 50, false

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func writeTender(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "招标文件.txt")
	require.NoError(t, os.WriteFile(path, []byte("第一章 招标公告\n项目名称：市政道路改造工程\n"), 0o644))
	return path
}

func TestStepsCommand(t *testing.T) {
	out, err := runCLI(t, "", "steps")
	require.NoError(t, err)
	assert.Contains(t, out, "1. service-mode")
	assert.Contains(t, out, "8. document-export")
}

func TestMigrateCommand(t *testing.T) {
	cfg := writeConfig(t)

	out, err := runCLI(t, "", "--config", cfg, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "Schema is up to date (sqlite)")

	// Applying the schema twice is a no-op
	_, err = runCLI(t, "", "--config", cfg, "migrate")
	require.NoError(t, err)
}

func TestProjectCreateAndList(t *testing.T) {
	cfg := writeConfig(t)
	tender := writeTender(t)

	out, err := runCLI(t, "", "--config", cfg, "project", "create", "--file", tender, "--description", "二标段")
	require.NoError(t, err)
	match := createdRe.FindStringSubmatch(out)
	require.Len(t, match, 2, out)
	assert.Contains(t, out, "Name:      招标文件")
	assert.Contains(t, out, "uploads/招标文件.txt")

	out, err = runCLI(t, "", "--config", cfg, "project", "list")
	require.NoError(t, err)
	assert.Contains(t, out, match[1])
	assert.Contains(t, out, "[active] at service-mode")

	out, err = runCLI(t, "", "--config", cfg, "project", "list", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"current_step": "service-mode"`)
}

func TestProjectCreate_RequiresFile(t *testing.T) {
	cfg := writeConfig(t)

	_, err := runCLI(t, "", "--config", cfg, "project", "create")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "file")

	_, err = runCLI(t, "", "--config", cfg, "project", "create", "--file", filepath.Join(t.TempDir(), "missing.pdf"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open tender file")
}

func TestProgressShowAndReset(t *testing.T) {
	cfg := writeConfig(t)
	tender := writeTender(t)

	out, err := runCLI(t, "", "--config", cfg, "project", "create", "--file", tender, "--name", "道路工程")
	require.NoError(t, err)
	match := createdRe.FindStringSubmatch(out)
	require.Len(t, match, 2, out)
	id := match[1]

	out, err = runCLI(t, "", "--config", cfg, "progress", "show", id)
	require.NoError(t, err)
	assert.Contains(t, out, "PROJECT PROGRESS")
	assert.Contains(t, out, "Current:  service-mode")
	assert.Contains(t, out, "Total:    0.0%")
	assert.Contains(t, out, "· document-export")

	out, err = runCLI(t, "", "--config", cfg, "progress", "reset", id)
	require.NoError(t, err)
	assert.Contains(t, out, "Reset project "+id)
	assert.Contains(t, out, "Current:  service-mode")
}

func TestProgressShow_BadProjectID(t *testing.T) {
	cfg := writeConfig(t)

	_, err := runCLI(t, "", "--config", cfg, "progress", "show", "not-a-uuid")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "project_id")

	_, err = runCLI(t, "", "--config", cfg, "progress", "show", "0b6c3f5e-2f4c-4a8e-9f0e-4b8e2a9c1d7f")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestHashPasswordCommand(t *testing.T) {
	cfg := writeConfig(t)

	out, err := runCLI(t, "", "--config", cfg, "hash-password", "s3cret")
	require.NoError(t, err)
	hash := strings.TrimSpace(out)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("s3cret")))

	out, err = runCLI(t, "from-stdin\n", "--config", cfg, "hash-password")
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(strings.TrimSpace(out)), []byte("from-stdin")))

	_, err = runCLI(t, "", "--config", cfg, "hash-password")
	require.Error(t, err)
}
