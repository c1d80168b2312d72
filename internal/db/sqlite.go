package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite is the embedded Store backend
type SQLite struct {
	db *sql.DB
}

const sqlitePragmas = "_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)"

// OpenSQLite opens (creating if needed) a SQLite database file
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("failed to open sqlite: empty path")
	}

	dsn := path
	if !strings.HasPrefix(path, "file:") && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	if !strings.Contains(dsn, "?") {
		dsn += "?" + sqlitePragmas
	}

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// One writer at a time; this also keeps :memory: databases on a single connection.
	conn.SetMaxOpenConns(1)

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping sqlite: %w", err)
	}
	return &SQLite{db: conn}, nil
}

// Close closes the database
func (s *SQLite) Close() {
	_ = s.db.Close()
}

// Ping verifies the database is reachable
func (s *SQLite) Ping(ctx context.Context) error {
	return storageErr("ping database", s.db.PingContext(ctx))
}

// Migrate creates the schema if it does not exist
func (s *SQLite) Migrate(ctx context.Context) error {
	return withRetry(ctx, "migrate schema", func() error {
		_, err := s.db.ExecContext(ctx, sqliteSchema)
		return err
	})
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}

func msOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func timeFromNull(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.UnixMilli(n.Int64)
	return &t
}

func strOrNil(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func strFromNull(n sql.NullString) *string {
	if !n.Valid {
		return nil
	}
	v := n.String
	return &v
}

func jsonOrNil(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

// -----------------------------------------------------------------------------
// Project Methods
// -----------------------------------------------------------------------------

func scanSQLiteProject(scan func(dest ...any) error) (*Project, error) {
	var (
		p                    Project
		createdMs, updatedMs int64
	)
	if err := scan(&p.ID, &p.Name, &p.Description, &p.SourceFile, &p.ProjectPath,
		&p.CurrentStep, &p.Status, &createdMs, &updatedMs); err != nil {
		return nil, err
	}
	p.CreatedAt = time.UnixMilli(createdMs)
	p.UpdatedAt = time.UnixMilli(updatedMs)
	return &p, nil
}

// CreateProject inserts a new project in the active state
func (s *SQLite) CreateProject(ctx context.Context, input *ProjectInput) (*Project, error) {
	now := nowMs()
	err := withRetry(ctx, "create project", func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO projects (id, name, description, source_file, project_path, current_step, status, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, 'active', ?, ?)`,
			input.ID, input.Name, input.Description, input.SourceFile, input.ProjectPath, input.CurrentStep, now, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &Project{
		ID:          input.ID,
		Name:        input.Name,
		Description: input.Description,
		SourceFile:  input.SourceFile,
		ProjectPath: input.ProjectPath,
		CurrentStep: input.CurrentStep,
		Status:      ProjectStatusActive,
		CreatedAt:   time.UnixMilli(now),
		UpdatedAt:   time.UnixMilli(now),
	}, nil
}

// GetProject retrieves a project by ID
func (s *SQLite) GetProject(ctx context.Context, id string) (*Project, error) {
	var project *Project
	err := withRetry(ctx, "get project", func() error {
		row := s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
		var err error
		project, err = scanSQLiteProject(row.Scan)
		if errors.Is(err, sql.ErrNoRows) {
			project = nil
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return project, nil
}

// ListProjects returns the most recently updated projects
func (s *SQLite) ListProjects(ctx context.Context, limit int) ([]Project, error) {
	if limit <= 0 {
		limit = 50
	}

	var out []Project
	err := withRetry(ctx, "list projects", func() error {
		out = nil
		rows, err := s.db.QueryContext(ctx,
			`SELECT `+projectColumns+` FROM projects ORDER BY updated_at DESC LIMIT ?`, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			p, err := scanSQLiteProject(rows.Scan)
			if err != nil {
				return err
			}
			out = append(out, *p)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SetCurrentStep unconditionally sets the project's current step
func (s *SQLite) SetCurrentStep(ctx context.Context, projectID, stepKey string) error {
	return withRetry(ctx, "set current step", func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE projects SET current_step = ?, updated_at = ? WHERE id = ?`,
			stepKey, nowMs(), projectID)
		return err
	})
}

// CompareAndSetCurrentStep moves current_step from `from` to `to` only if it still equals `from`
func (s *SQLite) CompareAndSetCurrentStep(ctx context.Context, projectID, from, to string) (bool, error) {
	var swapped bool
	err := withRetry(ctx, "advance current step", func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE projects SET current_step = ?, updated_at = ? WHERE id = ? AND current_step = ?`,
			to, nowMs(), projectID, from)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		swapped = n > 0
		return err
	})
	return swapped, err
}

// UpdateProjectStatus sets the lifecycle status of a project
func (s *SQLite) UpdateProjectStatus(ctx context.Context, projectID, status string) error {
	return withRetry(ctx, "update project status", func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE projects SET status = ?, updated_at = ? WHERE id = ?`,
			status, nowMs(), projectID)
		return err
	})
}
