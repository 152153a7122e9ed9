// Package restore replays a stored version back into the live outline.
package restore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"outliner/api/internal/apperr"
	"outliner/api/internal/history"
	"outliner/api/internal/outline"
	"outliner/api/internal/richtext"
	"outliner/api/internal/store"
	"outliner/api/internal/util"
)

type Result struct {
	OK           bool  `json:"ok"`
	NewVersionID int64 `json:"newVersionId"`
	Restored     int   `json:"restored"`
}

type Engine struct {
	store    *store.Store
	recorder *history.Recorder
	logger   *zap.Logger
	now      func() time.Time
}

func NewEngine(s *store.Store, recorder *history.Recorder, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{store: s, recorder: recorder, logger: logger, now: time.Now}
}

// snapshotNode mirrors the stored snapshot shape loosely: older snapshots may
// lack ids, positions or tags.
type snapshotNode struct {
	ID               string          `json:"id"`
	Title            string          `json:"title"`
	Status           string          `json:"status"`
	Content          json.RawMessage `json:"content"`
	Position         *int            `json:"position"`
	OwnWorkedOnDates []string        `json:"ownWorkedOnDates"`
	WorkedDates      []string        `json:"workedDates"`
	Children         []*snapshotNode `json:"children"`
}

// Restore replaces the project's live nodes with the forest frozen in
// version versionID, then records a restore version. The replacement is
// all-or-nothing.
func (e *Engine) Restore(ctx context.Context, projectID string, versionID int64) (Result, error) {
	version, err := e.store.GetVersion(ctx, projectID, versionID)
	if errors.Is(err, store.ErrNotFound) {
		return Result{}, apperr.NotFound("VERSION_NOT_FOUND", "version not found").WithDetails(map[string]any{"versionId": versionID})
	}
	if err != nil {
		return Result{}, apperr.Unavailable("STORAGE_UNAVAILABLE", "load version failed", err)
	}

	var forest []*snapshotNode
	if len(version.Doc) > 0 {
		if err := json.Unmarshal(version.Doc, &forest); err != nil {
			return Result{}, apperr.Unavailable("CORRUPT_SNAPSHOT", "version snapshot is unreadable", err)
		}
	}

	restored := 0
	err = e.store.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.LockProject(ctx, projectID); err != nil {
			return err
		}
		if err := tx.DeleteProjectWorkedDates(ctx, projectID); err != nil {
			return err
		}
		if err := tx.DeleteProjectNodes(ctx, projectID); err != nil {
			return err
		}
		n, err := e.replay(ctx, tx, projectID, forest)
		restored = n
		return err
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Result{}, apperr.NotFound("PROJECT_NOT_FOUND", "project not found")
		}
		return Result{}, apperr.Unavailable("STORAGE_UNAVAILABLE", "restore failed", err)
	}

	recorded, err := e.recorder.Record(ctx, projectID, history.CauseRestore, map[string]any{"fromVersionId": versionID})
	if err != nil {
		return Result{}, err
	}
	e.logger.Info("version restored",
		zap.String("project_id", projectID),
		zap.Int64("from_version_id", versionID),
		zap.Int64("new_version_id", recorded.ID),
		zap.Int("nodes", restored),
	)
	return Result{OK: true, NewVersionID: recorded.ID, Restored: restored}, nil
}

// replay writes the snapshot parents-first. Ids are kept so descendants'
// parent references stay valid; a missing or repeated id gets a fresh one.
func (e *Engine) replay(ctx context.Context, tx *store.Tx, projectID string, forest []*snapshotNode) (int, error) {
	type item struct {
		node     *snapshotNode
		parentID *string
		index    int
	}
	stack := make([]item, 0, len(forest))
	for i := len(forest) - 1; i >= 0; i-- {
		stack = append(stack, item{node: forest[i], index: i})
	}

	now := e.now().UTC()
	used := map[string]struct{}{}
	count := 0
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if top.node == nil {
			continue
		}

		id := top.node.ID
		if _, dup := used[id]; id == "" || dup {
			id = util.NewNodeID()
		}
		used[id] = struct{}{}

		// Unreadable content is dropped.
		content, err := richtext.Normalize(top.node.Content)
		if err != nil {
			content = nil
		}
		position := top.index
		if top.node.Position != nil {
			position = *top.node.Position
		}
		err = outline.UpsertNode(ctx, tx, store.Node{
			ID:        id,
			ProjectID: projectID,
			ParentID:  top.parentID,
			Title:     top.node.Title,
			Status:    top.node.Status,
			Content:   content,
			Position:  position,
			CreatedAt: now,
			UpdatedAt: now,
		})
		if err != nil {
			return count, fmt.Errorf("restore node %s: %w", id, err)
		}

		dates := top.node.OwnWorkedOnDates
		if dates == nil {
			dates = top.node.WorkedDates
		}
		if err := outline.ApplyWorkedDates(ctx, tx, id, nil, dates); err != nil {
			return count, err
		}
		count++

		parentID := id
		for i := len(top.node.Children) - 1; i >= 0; i-- {
			stack = append(stack, item{node: top.node.Children[i], parentID: &parentID, index: i})
		}
	}
	return count, nil
}
