package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const fileColumns = `id, stored_name, original_name, mime_type, size_bytes, digest, created_at`

func scanFile(row *sql.Row) (File, error) {
	var file File
	err := row.Scan(&file.ID, &file.StoredName, &file.OriginalName, &file.MimeType, &file.SizeBytes, &file.Digest, timestamp{&file.CreatedAt})
	if errors.Is(err, sql.ErrNoRows) {
		return File{}, ErrNotFound
	}
	if err != nil {
		return File{}, err
	}
	return file, nil
}

func (c conn) FileByDigest(ctx context.Context, digest string) (File, error) {
	file, err := scanFile(c.queryRow(ctx, `SELECT `+fileColumns+` FROM files WHERE digest=?`, digest))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return File{}, fmt.Errorf("lookup file by digest: %w", err)
	}
	return file, err
}

func (c conn) FileByID(ctx context.Context, id string) (File, error) {
	file, err := scanFile(c.queryRow(ctx, `SELECT `+fileColumns+` FROM files WHERE id=?`, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return File{}, fmt.Errorf("get file: %w", err)
	}
	return file, err
}

// InsertFile adds a file row. A digest (or stored name) that already exists
// yields ErrConflict so the caller can resolve to the winning row.
func (c conn) InsertFile(ctx context.Context, file File) error {
	_, err := c.exec(ctx, `
		INSERT INTO files (`+fileColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, file.ID, file.StoredName, file.OriginalName, file.MimeType, file.SizeBytes, file.Digest, file.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert file %s: %w", file.Digest, ErrConflict)
		}
		return fmt.Errorf("insert file %s: %w", file.Digest, err)
	}
	return nil
}
