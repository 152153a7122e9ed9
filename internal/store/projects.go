package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"outliner/api/internal/util"
)

// EnsureProject looks a project up by name, creating it on first use.
func (c conn) EnsureProject(ctx context.Context, name string) (Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Project{}, fmt.Errorf("ensure project: name is required")
	}
	project, err := c.ProjectByName(ctx, name)
	if err == nil {
		return project, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Project{}, err
	}

	now := time.Now().UTC()
	project = Project{ID: util.NewID("prj"), Name: name, CreatedAt: now, UpdatedAt: now}
	_, err = c.exec(ctx, `
		INSERT INTO projects (id, name, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (name) DO NOTHING
	`, project.ID, project.Name, project.CreatedAt, project.UpdatedAt)
	if err != nil {
		return Project{}, fmt.Errorf("insert project: %w", err)
	}
	// A concurrent creator may have won the name; read back whichever row exists.
	return c.ProjectByName(ctx, name)
}

func (c conn) ProjectByName(ctx context.Context, name string) (Project, error) {
	var project Project
	err := c.queryRow(ctx, `SELECT id, name, created_at, updated_at FROM projects WHERE name=?`, name).
		Scan(&project.ID, &project.Name, timestamp{&project.CreatedAt}, timestamp{&project.UpdatedAt})
	if errors.Is(err, sql.ErrNoRows) {
		return Project{}, ErrNotFound
	}
	if err != nil {
		return Project{}, fmt.Errorf("lookup project: %w", err)
	}
	return project, nil
}

func (c conn) GetProject(ctx context.Context, projectID string) (Project, error) {
	var project Project
	err := c.queryRow(ctx, `SELECT id, name, created_at, updated_at FROM projects WHERE id=?`, projectID).
		Scan(&project.ID, &project.Name, timestamp{&project.CreatedAt}, timestamp{&project.UpdatedAt})
	if errors.Is(err, sql.ErrNoRows) {
		return Project{}, ErrNotFound
	}
	if err != nil {
		return Project{}, fmt.Errorf("get project: %w", err)
	}
	return project, nil
}

// LockProject takes the project's row lock for the rest of the transaction so
// that writers of the same project serialize. Writers of other projects are
// unaffected.
func (c conn) LockProject(ctx context.Context, projectID string) error {
	result, err := c.exec(ctx, `UPDATE projects SET updated_at=? WHERE id=?`, time.Now().UTC(), projectID)
	if err != nil {
		return fmt.Errorf("lock project: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("lock project: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
