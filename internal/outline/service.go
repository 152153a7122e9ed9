// Package outline reconciles client-submitted forests against the node table
// and serves the read-side projection.
package outline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"outliner/api/internal/apperr"
	"outliner/api/internal/history"
	"outliner/api/internal/metrics"
	"outliner/api/internal/richtext"
	"outliner/api/internal/store"
	"outliner/api/internal/tags"
	"outliner/api/internal/tree"
	"outliner/api/internal/util"
)

// VersionRecorder snapshots a project after a committed change.
type VersionRecorder interface {
	Record(ctx context.Context, projectID string, cause history.Cause, meta map[string]any) (history.RecordResult, error)
}

// ContentSanitizer rewrites node content outside the save transaction, for
// example to turn pasted inline images into stored assets.
type ContentSanitizer interface {
	Sanitize(ctx context.Context, content json.RawMessage) (json.RawMessage, bool, error)
}

type SaveResult struct {
	OK             bool              `json:"ok"`
	NewIDMap       map[string]string `json:"newIdMap"`
	Deleted        []string          `json:"deleted"`
	VersionID      int64             `json:"versionId,omitempty"`
	VersionSkipped bool              `json:"versionSkipped"`
}

type Service struct {
	store     *store.Store
	recorder  VersionRecorder
	sanitizer ContentSanitizer
	logger    *zap.Logger
	metrics   *metrics.Collector
	now       func() time.Time
}

type Option func(*Service)

func WithSanitizer(sanitizer ContentSanitizer) Option {
	return func(s *Service) { s.sanitizer = sanitizer }
}

func WithMetrics(collector *metrics.Collector) Option {
	return func(s *Service) { s.metrics = collector }
}

func NewService(s *store.Store, recorder VersionRecorder, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	svc := &Service{store: s, recorder: recorder, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// plannedNode is one entry of the flattened, validated forest. parent indexes
// an earlier entry, or is -1 for roots.
type plannedNode struct {
	in       *IncomingNode
	path     string
	parent   int
	position int
	status   string
	content  json.RawMessage
	dates    []string
	serverID string
}

// plan flattens the forest parents-first with an explicit worklist and
// validates every node before anything is written.
func plan(forest []*IncomingNode) ([]plannedNode, error) {
	type item struct {
		node     *IncomingNode
		path     string
		parent   int
		position int
		depth    int
	}
	stack := make([]item, 0, len(forest))
	for i := len(forest) - 1; i >= 0; i-- {
		stack = append(stack, item{node: forest[i], path: strconv.Itoa(i), parent: -1, position: i, depth: 1})
	}

	var planned []plannedNode
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if top.node == nil {
			return nil, apperr.Validation("INVALID_OUTLINE", "node must be an object", map[string]any{"path": top.path})
		}
		if top.depth > MaxDepth {
			return nil, apperr.Validation("OUTLINE_TOO_DEEP", "outline nests too deeply", map[string]any{"path": top.path, "maxDepth": MaxDepth})
		}

		content, err := richtext.Normalize(top.node.Content)
		if err != nil {
			return nil, apperr.Validation("INVALID_CONTENT", err.Error(), map[string]any{"path": top.path, "id": top.node.ID})
		}
		var dates []string
		if top.node.HasWorkedDates {
			dates = make([]string, 0, len(top.node.WorkedDates))
			for _, value := range top.node.WorkedDates {
				day, ok := NormalizeDate(value)
				if !ok {
					return nil, apperr.Validation("INVALID_WORKED_DATE", "worked date must be YYYY-MM-DD", map[string]any{"path": top.path, "id": top.node.ID, "value": value})
				}
				dates = append(dates, day)
			}
			sort.Strings(dates)
			dates = slices.Compact(dates)
		}

		index := len(planned)
		planned = append(planned, plannedNode{
			in:       top.node,
			path:     top.path,
			parent:   top.parent,
			position: top.position,
			status:   NormalizeStatus(top.node.Status),
			content:  content,
			dates:    dates,
		})
		for i := len(top.node.Children) - 1; i >= 0; i-- {
			stack = append(stack, item{
				node:     top.node.Children[i],
				path:     top.path + "." + strconv.Itoa(i),
				parent:   index,
				position: i,
				depth:    top.depth + 1,
			})
		}
	}
	return planned, nil
}

type saveCounts struct {
	inserted, updated, deleted int
}

// Save reconciles forest against the project's nodes in one transaction and
// then records an autosave version. A failed version record is logged and
// does not fail the save.
func (s *Service) Save(ctx context.Context, projectID string, forest []*IncomingNode) (SaveResult, error) {
	planned, err := plan(forest)
	if err != nil {
		return SaveResult{}, err
	}

	result := SaveResult{NewIDMap: map[string]string{}, Deleted: []string{}}
	var counts saveCounts
	err = s.store.WithTx(ctx, func(tx *store.Tx) error {
		counts, err = s.reconcile(ctx, tx, projectID, planned, &result)
		return err
	})
	if err != nil {
		return SaveResult{}, storageError(err, "save outline failed")
	}
	result.OK = true
	s.metrics.OutlineSaved(counts.inserted, counts.updated, counts.deleted)
	s.logger.Info("outline saved",
		zap.String("project_id", projectID),
		zap.Int("inserted", counts.inserted),
		zap.Int("updated", counts.updated),
		zap.Int("deleted", counts.deleted),
	)

	if s.recorder != nil {
		recorded, err := s.recorder.Record(ctx, projectID, history.CauseAutosave, nil)
		if err != nil {
			s.logger.Error("record autosave version", zap.String("project_id", projectID), zap.Error(err))
		} else {
			result.VersionID = recorded.ID
			result.VersionSkipped = recorded.Skipped
		}
	}
	return result, nil
}

func (s *Service) reconcile(ctx context.Context, tx *store.Tx, projectID string, planned []plannedNode, result *SaveResult) (saveCounts, error) {
	var counts saveCounts
	if err := tx.LockProject(ctx, projectID); err != nil {
		return counts, err
	}
	rows, err := tx.ListNodes(ctx, projectID)
	if err != nil {
		return counts, err
	}
	existing := make(map[string]store.Node, len(rows))
	for _, row := range rows {
		existing[row.ID] = row
	}
	persistedDates, err := tx.WorkedDates(ctx, projectID)
	if err != nil {
		return counts, err
	}

	claimed := map[string]string{}
	for i := range planned {
		id := planned[i].in.ID
		if _, live := existing[id]; !live {
			continue
		}
		if first, dup := claimed[id]; dup {
			return counts, apperr.Validation("DUPLICATE_NODE_ID", "node id appears more than once", map[string]any{
				"id": id, "path": planned[i].path, "firstPath": first,
			})
		}
		claimed[id] = planned[i].path
	}

	now := s.now().UTC()
	seen := make(map[string]struct{}, len(planned))
	for i := range planned {
		p := &planned[i]
		var parentID *string
		if p.parent >= 0 {
			id := planned[p.parent].serverID
			parentID = &id
		}

		current, live := existing[p.in.ID]
		if live {
			p.serverID = p.in.ID
		} else {
			p.serverID = util.NewNodeID()
			result.NewIDMap[placeholderKey(result.NewIDMap, p.in.ID, p.path)] = p.serverID
		}
		seen[p.serverID] = struct{}{}

		next := store.Node{
			ID:        p.serverID,
			ProjectID: projectID,
			ParentID:  parentID,
			Title:     p.in.Title,
			Status:    p.status,
			Content:   p.content,
			Position:  p.position,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if live {
			if !p.in.HasStatus {
				next.Status = current.Status
			}
			if !p.in.HasContent {
				next.Content = current.Content
			}
		}
		next.Tags = tags.Extract(next.Title, next.Content)

		if !live {
			if err := tx.InsertNode(ctx, next); err != nil {
				return counts, nodeError(err, p)
			}
			counts.inserted++
		} else if nodeChanged(current, next) {
			next.CreatedAt = current.CreatedAt
			if err := tx.UpdateNode(ctx, next); err != nil {
				return counts, nodeError(err, p)
			}
			counts.updated++
		}

		if p.in.HasWorkedDates {
			if err := ApplyWorkedDates(ctx, tx, p.serverID, persistedDates[p.serverID], p.dates); err != nil {
				return counts, nodeError(err, p)
			}
		}
	}

	for _, row := range rows {
		if _, ok := seen[row.ID]; ok {
			continue
		}
		result.Deleted = append(result.Deleted, row.ID)
	}
	sort.Strings(result.Deleted)
	for _, id := range result.Deleted {
		if err := tx.DeleteWorkedDates(ctx, id); err != nil {
			return counts, err
		}
		if err := tx.DeleteNode(ctx, projectID, id); err != nil {
			return counts, err
		}
	}
	counts.deleted = len(result.Deleted)
	return counts, nil
}

func nodeChanged(current, next store.Node) bool {
	if current.Title != next.Title || current.Status != next.Status || current.Position != next.Position {
		return true
	}
	if (current.ParentID == nil) != (next.ParentID == nil) {
		return true
	}
	if current.ParentID != nil && *current.ParentID != *next.ParentID {
		return true
	}
	if !bytes.Equal(current.Content, next.Content) {
		return true
	}
	return !slices.Equal(current.Tags, next.Tags)
}

// ApplyWorkedDates moves a node's persisted dates from current to desired by
// adding and removing only the difference.
func ApplyWorkedDates(ctx context.Context, tx *store.Tx, nodeID string, current, desired []string) error {
	have := make(map[string]struct{}, len(current))
	for _, day := range current {
		have[day] = struct{}{}
	}
	want := make(map[string]struct{}, len(desired))
	for _, day := range desired {
		want[day] = struct{}{}
		if _, ok := have[day]; !ok {
			if err := tx.AddWorkedDate(ctx, nodeID, day); err != nil {
				return err
			}
		}
	}
	for _, day := range current {
		if _, ok := want[day]; !ok {
			if err := tx.RemoveWorkedDate(ctx, nodeID, day); err != nil {
				return err
			}
		}
	}
	return nil
}

// InsertNode writes a new node row. Tags are always derived from the title
// and content; zero timestamps are filled in.
func InsertNode(ctx context.Context, tx *store.Tx, node store.Node) error {
	prepare(&node)
	return tx.InsertNode(ctx, node)
}

// UpsertNode writes node under its id, replacing any existing row.
func UpsertNode(ctx context.Context, tx *store.Tx, node store.Node) error {
	prepare(&node)
	return tx.UpsertNode(ctx, node)
}

func prepare(node *store.Node) {
	node.Status = NormalizeStatus(node.Status)
	node.Tags = tags.Extract(node.Title, node.Content)
	if node.CreatedAt.IsZero() {
		node.CreatedAt = time.Now().UTC()
	}
	if node.UpdatedAt.IsZero() {
		node.UpdatedAt = node.CreatedAt
	}
}

// Read returns the project's forest. When a sanitizer is configured, content
// it rewrites is persisted opportunistically and only over the exact content
// it was derived from; failures there are logged and the rewritten content is
// still returned.
func (s *Service) Read(ctx context.Context, projectID string) ([]*tree.Node, error) {
	forest, err := tree.Load(ctx, s.store, projectID)
	if err != nil {
		return nil, apperr.Unavailable("STORAGE_UNAVAILABLE", "load outline failed", err)
	}
	if s.sanitizer == nil {
		return forest, nil
	}

	tree.Walk(forest, func(n *tree.Node, _ int) {
		if richtext.Classify(n.Content) == richtext.KindEmpty {
			return
		}
		loaded := n.Content
		sanitized, changed, err := s.sanitizer.Sanitize(ctx, loaded)
		if err != nil {
			s.logger.Warn("sanitize node content", zap.String("node_id", n.ID), zap.Error(err))
			return
		}
		if !changed {
			return
		}
		written, err := s.store.UpdateNodeContent(ctx, projectID, n.ID, loaded, sanitized)
		if err != nil {
			s.logger.Warn("persist sanitized content", zap.String("node_id", n.ID), zap.Error(err))
			n.Content = sanitized
			return
		}
		if !written {
			// A save replaced the content after it was loaded; that save wins.
			s.logger.Debug("sanitized content superseded", zap.String("node_id", n.ID))
			return
		}
		n.Content = sanitized
	})
	return forest, nil
}

// placeholderKey picks the newIdMap key for a newly inserted node: the client
// id when it is free, else "#<path>", suffixed "~n" until unused.
func placeholderKey(taken map[string]string, clientID, path string) string {
	if clientID != "" {
		if _, used := taken[clientID]; !used {
			return clientID
		}
	}
	key := "#" + path
	for n := 1; ; n++ {
		if _, used := taken[key]; !used {
			return key
		}
		key = "#" + path + "~" + strconv.Itoa(n)
	}
}

func nodeError(err error, p *plannedNode) error {
	var domainErr *apperr.DomainError
	if errors.As(err, &domainErr) {
		return err
	}
	details := map[string]any{"path": p.path, "id": p.in.ID}
	if errors.Is(err, store.ErrConflict) {
		return apperr.Conflict("NODE_ID_CONFLICT", "node id is already taken", err).WithDetails(details)
	}
	return apperr.Unavailable("STORAGE_UNAVAILABLE", "write node failed", err).WithDetails(details)
}

// storageError passes domain errors through and classifies the rest.
func storageError(err error, message string) error {
	var domainErr *apperr.DomainError
	if errors.As(err, &domainErr) {
		return err
	}
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFound("PROJECT_NOT_FOUND", "project not found")
	}
	if errors.Is(err, store.ErrConflict) {
		return apperr.Conflict("WRITE_CONFLICT", message, err)
	}
	return apperr.Unavailable("STORAGE_UNAVAILABLE", message, err)
}
