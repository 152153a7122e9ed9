package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const versionSummaryColumns = `id, project_id, created_at, cause, parent_id, hash, size_bytes, meta`

func scanVersion(scanner interface{ Scan(...any) error }, withDoc bool) (Version, error) {
	var (
		version  Version
		parentID sql.NullInt64
		meta     string
		doc      string
	)
	dest := []any{
		&version.ID,
		&version.ProjectID,
		timestamp{&version.CreatedAt},
		&version.Cause,
		&parentID,
		&version.Hash,
		&version.SizeBytes,
		&meta,
	}
	if withDoc {
		dest = append(dest, &doc)
	}
	if err := scanner.Scan(dest...); err != nil {
		return Version{}, err
	}
	if parentID.Valid {
		value := parentID.Int64
		version.ParentID = &value
	}
	if meta != "" {
		version.Meta = []byte(meta)
	}
	if withDoc {
		version.Doc = []byte(doc)
	}
	return version, nil
}

// LatestVersion returns the head of the project's version chain, or
// ErrNotFound when the project has no history yet.
func (c conn) LatestVersion(ctx context.Context, projectID string) (Version, error) {
	row := c.queryRow(ctx, `
		SELECT `+versionSummaryColumns+`, doc
		FROM versions
		WHERE project_id=?
		ORDER BY id DESC
		LIMIT 1
	`, projectID)
	version, err := scanVersion(row, true)
	if errors.Is(err, sql.ErrNoRows) {
		return Version{}, ErrNotFound
	}
	if err != nil {
		return Version{}, fmt.Errorf("latest version: %w", err)
	}
	return version, nil
}

func (c conn) InsertVersion(ctx context.Context, version Version) (int64, error) {
	var parentID any
	if version.ParentID != nil {
		parentID = *version.ParentID
	}
	meta := string(version.Meta)
	if meta == "" {
		meta = "{}"
	}
	var id int64
	err := c.queryRow(ctx, `
		INSERT INTO versions (project_id, created_at, cause, parent_id, hash, size_bytes, meta, doc)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`, version.ProjectID, version.CreatedAt, version.Cause, parentID, version.Hash, version.SizeBytes, meta, string(version.Doc)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert version: %w", err)
	}
	return id, nil
}

// ListVersions returns version summaries (without doc), newest first.
func (c conn) ListVersions(ctx context.Context, projectID string, limit, offset int) ([]Version, error) {
	rows, err := c.query(ctx, `
		SELECT `+versionSummaryColumns+`
		FROM versions
		WHERE project_id=?
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`, projectID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	items := make([]Version, 0)
	for rows.Next() {
		version, err := scanVersion(rows, false)
		if err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		items = append(items, version)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	return items, nil
}

func (c conn) CountVersions(ctx context.Context, projectID string) (int, error) {
	var count int
	if err := c.queryRow(ctx, `SELECT COUNT(*) FROM versions WHERE project_id=?`, projectID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count versions: %w", err)
	}
	return count, nil
}

func (c conn) GetVersion(ctx context.Context, projectID string, id int64) (Version, error) {
	row := c.queryRow(ctx, `
		SELECT `+versionSummaryColumns+`, doc
		FROM versions
		WHERE project_id=? AND id=?
	`, projectID, id)
	version, err := scanVersion(row, true)
	if errors.Is(err, sql.ErrNoRows) {
		return Version{}, ErrNotFound
	}
	if err != nil {
		return Version{}, fmt.Errorf("get version: %w", err)
	}
	return version, nil
}
