package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
)

const nodeColumns = `id, project_id, parent_id, title, status, content, tags, position, created_at, updated_at`

func scanNode(scanner interface{ Scan(...any) error }) (Node, error) {
	var (
		node     Node
		parentID sql.NullString
		content  string
		tags     string
	)
	if err := scanner.Scan(
		&node.ID,
		&node.ProjectID,
		&parentID,
		&node.Title,
		&node.Status,
		&content,
		&tags,
		&node.Position,
		timestamp{&node.CreatedAt},
		timestamp{&node.UpdatedAt},
	); err != nil {
		return Node{}, err
	}
	if parentID.Valid {
		value := parentID.String
		node.ParentID = &value
	}
	if content != "" {
		node.Content = json.RawMessage(content)
	}
	if tags != "" {
		if err := json.Unmarshal([]byte(tags), &node.Tags); err != nil {
			return Node{}, fmt.Errorf("decode tags for %s: %w", node.ID, err)
		}
	}
	return node, nil
}

func encodeTags(tags []string) (string, error) {
	if tags == nil {
		tags = []string{}
	}
	encoded, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("encode tags: %w", err)
	}
	return string(encoded), nil
}

func nullableString(value *string) any {
	if value == nil {
		return nil
	}
	return *value
}

// ListNodes returns every node of a project in sibling order.
func (c conn) ListNodes(ctx context.Context, projectID string) ([]Node, error) {
	rows, err := c.query(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE project_id=? ORDER BY position, id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	items := make([]Node, 0)
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		items = append(items, node)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate nodes: %w", err)
	}
	return items, nil
}

func (c conn) InsertNode(ctx context.Context, node Node) error {
	tags, err := encodeTags(node.Tags)
	if err != nil {
		return err
	}
	_, err = c.exec(ctx, `
		INSERT INTO nodes (`+nodeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, node.ID, node.ProjectID, nullableString(node.ParentID), node.Title, node.Status, string(node.Content), tags, node.Position, node.CreatedAt, node.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert node %s: %w", node.ID, ErrConflict)
		}
		return fmt.Errorf("insert node %s: %w", node.ID, err)
	}
	return nil
}

// UpsertNode inserts node or overwrites the row that already carries its id.
func (c conn) UpsertNode(ctx context.Context, node Node) error {
	tags, err := encodeTags(node.Tags)
	if err != nil {
		return err
	}
	_, err = c.exec(ctx, `
		INSERT INTO nodes (`+nodeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			project_id=excluded.project_id,
			parent_id=excluded.parent_id,
			title=excluded.title,
			status=excluded.status,
			content=excluded.content,
			tags=excluded.tags,
			position=excluded.position,
			updated_at=excluded.updated_at
	`, node.ID, node.ProjectID, nullableString(node.ParentID), node.Title, node.Status, string(node.Content), tags, node.Position, node.CreatedAt, node.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert node %s: %w", node.ID, err)
	}
	return nil
}

func (c conn) UpdateNode(ctx context.Context, node Node) error {
	tags, err := encodeTags(node.Tags)
	if err != nil {
		return err
	}
	_, err = c.exec(ctx, `
		UPDATE nodes
		SET parent_id=?, title=?, status=?, content=?, tags=?, position=?, updated_at=?
		WHERE id=? AND project_id=?
	`, nullableString(node.ParentID), node.Title, node.Status, string(node.Content), tags, node.Position, node.UpdatedAt, node.ID, node.ProjectID)
	if err != nil {
		return fmt.Errorf("update node %s: %w", node.ID, err)
	}
	return nil
}

// UpdateNodeContent replaces a node's content only while it still equals
// previous, and reports whether the row was written. Tags are untouched
// because callers only use it for reference rewriting, which does not change
// the plain text.
func (c conn) UpdateNodeContent(ctx context.Context, projectID, nodeID string, previous, content json.RawMessage) (bool, error) {
	result, err := c.exec(ctx, `UPDATE nodes SET content=? WHERE id=? AND project_id=? AND content=?`,
		string(content), nodeID, projectID, string(previous))
	if err != nil {
		return false, fmt.Errorf("update node content %s: %w", nodeID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update node content %s: %w", nodeID, err)
	}
	return affected > 0, nil
}

// DeleteNode removes one node. Descendants still attached to it are removed
// by the parent_id cascade.
func (c conn) DeleteNode(ctx context.Context, projectID, nodeID string) error {
	_, err := c.exec(ctx, `DELETE FROM nodes WHERE id=? AND project_id=?`, nodeID, projectID)
	if err != nil {
		return fmt.Errorf("delete node %s: %w", nodeID, err)
	}
	return nil
}

func (c conn) DeleteProjectNodes(ctx context.Context, projectID string) error {
	if _, err := c.exec(ctx, `DELETE FROM nodes WHERE project_id=?`, projectID); err != nil {
		return fmt.Errorf("delete project nodes: %w", err)
	}
	return nil
}

// MaxRootPosition returns the largest root position, or -1 when the project
// has no roots.
func (c conn) MaxRootPosition(ctx context.Context, projectID string) (int, error) {
	var position sql.NullInt64
	err := c.queryRow(ctx, `SELECT MAX(position) FROM nodes WHERE project_id=? AND parent_id IS NULL`, projectID).Scan(&position)
	if err != nil {
		return 0, fmt.Errorf("max root position: %w", err)
	}
	if !position.Valid {
		return -1, nil
	}
	return int(position.Int64), nil
}

// WorkedDates returns every node's own worked dates keyed by node id, each
// list sorted ascending.
func (c conn) WorkedDates(ctx context.Context, projectID string) (map[string][]string, error) {
	rows, err := c.query(ctx, `
		SELECT wd.node_id, wd.worked_on
		FROM node_worked_dates wd
		JOIN nodes n ON n.id = wd.node_id
		WHERE n.project_id=?
		ORDER BY wd.node_id, wd.worked_on
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list worked dates: %w", err)
	}
	defer rows.Close()

	dates := make(map[string][]string)
	for rows.Next() {
		var nodeID, day string
		if err := rows.Scan(&nodeID, &day); err != nil {
			return nil, fmt.Errorf("scan worked date: %w", err)
		}
		dates[nodeID] = append(dates[nodeID], day)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate worked dates: %w", err)
	}
	for _, days := range dates {
		sort.Strings(days)
	}
	return dates, nil
}

func (c conn) AddWorkedDate(ctx context.Context, nodeID, day string) error {
	_, err := c.exec(ctx, `
		INSERT INTO node_worked_dates (node_id, worked_on)
		VALUES (?, ?)
		ON CONFLICT (node_id, worked_on) DO NOTHING
	`, nodeID, day)
	if err != nil {
		return fmt.Errorf("add worked date %s/%s: %w", nodeID, day, err)
	}
	return nil
}

func (c conn) RemoveWorkedDate(ctx context.Context, nodeID, day string) error {
	_, err := c.exec(ctx, `DELETE FROM node_worked_dates WHERE node_id=? AND worked_on=?`, nodeID, day)
	if err != nil {
		return fmt.Errorf("remove worked date %s/%s: %w", nodeID, day, err)
	}
	return nil
}

func (c conn) DeleteWorkedDates(ctx context.Context, nodeID string) error {
	if _, err := c.exec(ctx, `DELETE FROM node_worked_dates WHERE node_id=?`, nodeID); err != nil {
		return fmt.Errorf("delete worked dates %s: %w", nodeID, err)
	}
	return nil
}

func (c conn) DeleteProjectWorkedDates(ctx context.Context, projectID string) error {
	_, err := c.exec(ctx, `
		DELETE FROM node_worked_dates
		WHERE node_id IN (SELECT id FROM nodes WHERE project_id=?)
	`, projectID)
	if err != nil {
		return fmt.Errorf("delete project worked dates: %w", err)
	}
	return nil
}
