// Package history keeps the append-only, hash-deduplicated snapshot chain of
// each project's outline.
package history

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"outliner/api/internal/apperr"
	"outliner/api/internal/metrics"
	"outliner/api/internal/store"
	"outliner/api/internal/tree"
)

type Cause string

const (
	CauseAutosave Cause = "autosave"
	CauseManual   Cause = "manual"
	CauseRestore  Cause = "restore"
)

func (c Cause) Valid() bool {
	switch c {
	case CauseAutosave, CauseManual, CauseRestore:
		return true
	}
	return false
}

// CurrentRef names the live outline in Diff.
const CurrentRef = "current"

const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

type RecordResult struct {
	ID      int64 `json:"id"`
	Skipped bool  `json:"skipped"`
}

type VersionSummary struct {
	ID        int64           `json:"id"`
	ProjectID string          `json:"projectId"`
	CreatedAt time.Time       `json:"createdAt"`
	Cause     Cause           `json:"cause"`
	ParentID  *int64          `json:"parentId"`
	Hash      string          `json:"hash"`
	SizeBytes int64           `json:"sizeBytes"`
	Meta      json.RawMessage `json:"meta"`
}

type Version struct {
	VersionSummary
	Doc []*tree.Node `json:"doc"`
}

type Page struct {
	Versions []VersionSummary `json:"versions"`
	Total    int              `json:"total"`
	Limit    int              `json:"limit"`
	Offset   int              `json:"offset"`
}

// DiffCache stores diffs between two immutable versions.
type DiffCache interface {
	Get(ctx context.Context, key string) (DiffResult, bool, error)
	Set(ctx context.Context, key string, result DiffResult) error
}

type Recorder struct {
	store   *store.Store
	cache   DiffCache
	logger  *zap.Logger
	metrics *metrics.Collector
	now     func() time.Time
}

type Option func(*Recorder)

func WithDiffCache(cache DiffCache) Option {
	return func(r *Recorder) { r.cache = cache }
}

func WithMetrics(collector *metrics.Collector) Option {
	return func(r *Recorder) { r.metrics = collector }
}

func NewRecorder(s *store.Store, logger *zap.Logger, opts ...Option) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Recorder{store: s, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Snapshot is the canonical serialized form of a forest and its digest.
type Snapshot struct {
	Forest []*tree.Node
	Doc    []byte
	Hash   string
}

// TakeSnapshot builds the live forest of a project and serializes it without
// timestamps, so the hash only changes when content does.
func TakeSnapshot(ctx context.Context, src tree.Source, projectID string) (Snapshot, error) {
	forest, err := tree.Load(ctx, src, projectID)
	if err != nil {
		return Snapshot{}, err
	}
	tree.StripTimestamps(forest)
	doc, err := json.Marshal(forest)
	if err != nil {
		return Snapshot{}, fmt.Errorf("marshal snapshot: %w", err)
	}
	sum := sha256.Sum256(doc)
	return Snapshot{Forest: forest, Doc: doc, Hash: hex.EncodeToString(sum[:])}, nil
}

// Record snapshots the project's live outline. An autosave whose hash equals
// the head of the chain is skipped and reports the head's id; manual and
// restore versions are always written.
func (r *Recorder) Record(ctx context.Context, projectID string, cause Cause, meta map[string]any) (RecordResult, error) {
	if !cause.Valid() {
		return RecordResult{}, apperr.Validation("INVALID_CAUSE", "unknown version cause", map[string]any{"cause": cause})
	}

	var result RecordResult
	err := r.store.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.LockProject(ctx, projectID); err != nil {
			return err
		}
		snapshot, err := TakeSnapshot(ctx, tx, projectID)
		if err != nil {
			return err
		}

		latest, err := tx.LatestVersion(ctx, projectID)
		hasLatest := true
		if errors.Is(err, store.ErrNotFound) {
			hasLatest = false
		} else if err != nil {
			return err
		}

		if hasLatest && cause == CauseAutosave && latest.Hash == snapshot.Hash {
			result = RecordResult{ID: latest.ID, Skipped: true}
			return nil
		}

		merged := make(map[string]any, len(meta)+1)
		for k, v := range meta {
			merged[k] = v
		}
		var parentID *int64
		if hasLatest {
			id := latest.ID
			parentID = &id
			previous, err := decodeDoc(latest.Doc)
			if err != nil {
				r.logger.Warn("previous snapshot unreadable, omitting diff summary",
					zap.String("project_id", projectID), zap.Int64("version_id", latest.ID), zap.Error(err))
			} else {
				merged["diffSummary"] = Compare(previous, snapshot.Forest).Summary
			}
		}
		metaJSON, err := json.Marshal(merged)
		if err != nil {
			return fmt.Errorf("marshal version meta: %w", err)
		}

		id, err := tx.InsertVersion(ctx, store.Version{
			ProjectID: projectID,
			CreatedAt: r.now().UTC(),
			Cause:     string(cause),
			ParentID:  parentID,
			Hash:      snapshot.Hash,
			SizeBytes: int64(len(snapshot.Doc)),
			Meta:      metaJSON,
			Doc:       snapshot.Doc,
		})
		if err != nil {
			return err
		}
		result = RecordResult{ID: id}
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return RecordResult{}, apperr.NotFound("PROJECT_NOT_FOUND", "project not found")
		}
		return RecordResult{}, apperr.Unavailable("STORAGE_UNAVAILABLE", "record version failed", err)
	}

	r.metrics.VersionRecorded(string(cause), result.Skipped)
	r.logger.Debug("version recorded",
		zap.String("project_id", projectID),
		zap.String("cause", string(cause)),
		zap.Int64("version_id", result.ID),
		zap.Bool("skipped", result.Skipped),
	)
	return result, nil
}

func (r *Recorder) List(ctx context.Context, projectID string, limit, offset int) (Page, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := r.store.ListVersions(ctx, projectID, limit, offset)
	if err != nil {
		return Page{}, apperr.Unavailable("STORAGE_UNAVAILABLE", "list versions failed", err)
	}
	total, err := r.store.CountVersions(ctx, projectID)
	if err != nil {
		return Page{}, apperr.Unavailable("STORAGE_UNAVAILABLE", "count versions failed", err)
	}
	page := Page{Versions: make([]VersionSummary, 0, len(rows)), Total: total, Limit: limit, Offset: offset}
	for _, row := range rows {
		page.Versions = append(page.Versions, summaryFromRow(row))
	}
	return page, nil
}

func (r *Recorder) Get(ctx context.Context, projectID string, id int64) (Version, error) {
	row, err := r.store.GetVersion(ctx, projectID, id)
	if errors.Is(err, store.ErrNotFound) {
		return Version{}, apperr.NotFound("VERSION_NOT_FOUND", "version not found").WithDetails(map[string]any{"versionId": id})
	}
	if err != nil {
		return Version{}, apperr.Unavailable("STORAGE_UNAVAILABLE", "get version failed", err)
	}
	doc, err := decodeDoc(row.Doc)
	if err != nil {
		return Version{}, apperr.Unavailable("CORRUPT_SNAPSHOT", "version snapshot is unreadable", err)
	}
	return Version{VersionSummary: summaryFromRow(row), Doc: doc}, nil
}

// Diff compares two refs, each a version id or CurrentRef. Diffs between two
// stored versions are immutable and cached when a cache is configured.
func (r *Recorder) Diff(ctx context.Context, projectID, fromRef, toRef string) (DiffResult, error) {
	fromRef, toRef = normalizeRef(fromRef), normalizeRef(toRef)
	cacheable := r.cache != nil && fromRef != CurrentRef && toRef != CurrentRef
	key := projectID + ":" + fromRef + ":" + toRef

	if cacheable {
		cached, ok, err := r.cache.Get(ctx, key)
		if err != nil {
			r.logger.Warn("diff cache read failed", zap.String("key", key), zap.Error(err))
		}
		r.metrics.DiffCacheLookup(ok)
		if ok {
			return cached, nil
		}
	}

	from, err := r.resolve(ctx, projectID, fromRef)
	if err != nil {
		return DiffResult{}, err
	}
	to, err := r.resolve(ctx, projectID, toRef)
	if err != nil {
		return DiffResult{}, err
	}
	result := Compare(from, to)
	result.From, result.To = fromRef, toRef

	if cacheable {
		if err := r.cache.Set(ctx, key, result); err != nil {
			r.logger.Warn("diff cache write failed", zap.String("key", key), zap.Error(err))
		}
	}
	return result, nil
}

func (r *Recorder) resolve(ctx context.Context, projectID, ref string) ([]*tree.Node, error) {
	if ref == CurrentRef {
		forest, err := tree.Load(ctx, r.store, projectID)
		if err != nil {
			return nil, apperr.Unavailable("STORAGE_UNAVAILABLE", "load outline failed", err)
		}
		return forest, nil
	}
	id, err := ParseRef(ref)
	if err != nil {
		return nil, err
	}
	version, err := r.Get(ctx, projectID, id)
	if err != nil {
		return nil, err
	}
	return version.Doc, nil
}

// ParseRef parses a numeric version id.
func ParseRef(ref string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(ref), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Validation("INVALID_VERSION_REF", "version ref must be a positive id or \"current\"", map[string]any{"ref": ref})
	}
	return id, nil
}

func normalizeRef(ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.EqualFold(ref, CurrentRef) {
		return CurrentRef
	}
	return ref
}

func decodeDoc(doc []byte) ([]*tree.Node, error) {
	forest := []*tree.Node{}
	if len(doc) == 0 {
		return forest, nil
	}
	if err := json.Unmarshal(doc, &forest); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return forest, nil
}

func summaryFromRow(row store.Version) VersionSummary {
	meta := row.Meta
	if len(meta) == 0 {
		meta = json.RawMessage(`{}`)
	}
	return VersionSummary{
		ID:        row.ID,
		ProjectID: row.ProjectID,
		CreatedAt: row.CreatedAt,
		Cause:     Cause(row.Cause),
		ParentID:  row.ParentID,
		Hash:      row.Hash,
		SizeBytes: row.SizeBytes,
		Meta:      meta,
	}
}
