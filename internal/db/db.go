// Package db provides persistence for bid projects, step progress, task history and step results.
// Two backends implement Store: PostgreSQL (DB) and embedded SQLite (SQLite).
package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps a PostgreSQL connection pool
type DB struct {
	pool *pgxpool.Pool
}

// Connect establishes a connection pool to the database
func Connect(ctx context.Context, databaseURL string) (*DB, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{pool: pool}, nil
}

// Close closes the connection pool
func (db *DB) Close() {
	if db.pool != nil {
		db.pool.Close()
	}
}

// Ping verifies the database is reachable
func (db *DB) Ping(ctx context.Context) error {
	return withRetry(ctx, "ping database", func() error {
		return db.pool.Ping(ctx)
	})
}

// Migrate creates the schema if it does not exist
func (db *DB) Migrate(ctx context.Context) error {
	return withRetry(ctx, "migrate schema", func() error {
		_, err := db.pool.Exec(ctx, postgresSchema)
		return err
	})
}

// -----------------------------------------------------------------------------
// Project Methods
// -----------------------------------------------------------------------------

const projectColumns = `id, name, description, source_file, project_path, current_step, status, created_at, updated_at`

func scanProject(row pgx.Row) (*Project, error) {
	var p Project
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.SourceFile, &p.ProjectPath,
		&p.CurrentStep, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// CreateProject inserts a new project in the active state
func (db *DB) CreateProject(ctx context.Context, input *ProjectInput) (*Project, error) {
	var project *Project
	err := withRetry(ctx, "create project", func() error {
		var err error
		project, err = scanProject(db.pool.QueryRow(ctx,
			`INSERT INTO projects (id, name, description, source_file, project_path, current_step, status)
			 VALUES ($1, $2, $3, $4, $5, $6, 'active')
			 RETURNING `+projectColumns,
			input.ID, input.Name, input.Description, input.SourceFile, input.ProjectPath, input.CurrentStep,
		))
		return err
	})
	if err != nil {
		return nil, err
	}
	return project, nil
}

// GetProject retrieves a project by ID
func (db *DB) GetProject(ctx context.Context, id string) (*Project, error) {
	var project *Project
	err := withRetry(ctx, "get project", func() error {
		var err error
		project, err = scanProject(db.pool.QueryRow(ctx,
			`SELECT `+projectColumns+` FROM projects WHERE id = $1`, id))
		if errors.Is(err, pgx.ErrNoRows) {
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
func (db *DB) ListProjects(ctx context.Context, limit int) ([]Project, error) {
	if limit <= 0 {
		limit = 50
	}

	var projects []Project
	err := withRetry(ctx, "list projects", func() error {
		projects = nil
		rows, err := db.pool.Query(ctx,
			`SELECT `+projectColumns+` FROM projects ORDER BY updated_at DESC LIMIT $1`, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			p, err := scanProject(rows)
			if err != nil {
				return err
			}
			projects = append(projects, *p)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return projects, nil
}

// SetCurrentStep unconditionally sets the project's current step
func (db *DB) SetCurrentStep(ctx context.Context, projectID, stepKey string) error {
	return withRetry(ctx, "set current step", func() error {
		_, err := db.pool.Exec(ctx,
			`UPDATE projects SET current_step = $2, updated_at = NOW() WHERE id = $1`,
			projectID, stepKey)
		return err
	})
}

// CompareAndSetCurrentStep moves current_step from `from` to `to` only if it still equals `from`
func (db *DB) CompareAndSetCurrentStep(ctx context.Context, projectID, from, to string) (bool, error) {
	var swapped bool
	err := withRetry(ctx, "advance current step", func() error {
		tag, err := db.pool.Exec(ctx,
			`UPDATE projects SET current_step = $3, updated_at = NOW() WHERE id = $1 AND current_step = $2`,
			projectID, from, to)
		if err != nil {
			return err
		}
		swapped = tag.RowsAffected() > 0
		return nil
	})
	return swapped, err
}

// UpdateProjectStatus sets the lifecycle status of a project
func (db *DB) UpdateProjectStatus(ctx context.Context, projectID, status string) error {
	return withRetry(ctx, "update project status", func() error {
		_, err := db.pool.Exec(ctx,
			`UPDATE projects SET status = $2, updated_at = NOW() WHERE id = $1`,
			projectID, status)
		return err
	})
}
