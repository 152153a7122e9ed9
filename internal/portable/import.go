package portable

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"

	"outliner/api/internal/apperr"
	"outliner/api/internal/content"
	"outliner/api/internal/history"
	"outliner/api/internal/outline"
	"outliner/api/internal/richtext"
	"outliner/api/internal/store"
	"outliner/api/internal/util"
)

type ImportResult struct {
	OK              bool  `json:"ok"`
	NotesImported   int   `json:"notesImported"`
	AssetsProcessed int   `json:"assetsProcessed"`
	VersionID       int64 `json:"versionId,omitempty"`
}

type Importer struct {
	store    *store.Store
	assets   *content.Store
	recorder outline.VersionRecorder
	logger   *zap.Logger
	now      func() time.Time
}

func NewImporter(s *store.Store, assets *content.Store, recorder outline.VersionRecorder, logger *zap.Logger) *Importer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Importer{store: s, assets: assets, recorder: recorder, logger: logger, now: time.Now}
}

// Import validates the whole manifest, stores its assets and appends its
// notes after the project's existing roots in one transaction. Nothing is
// inserted when validation fails.
func (i *Importer) Import(ctx context.Context, projectID string, manifest Manifest) (ImportResult, error) {
	payloads, err := Validate(manifest)
	if err != nil {
		return ImportResult{}, err
	}

	liveURLs := make(map[string]string, len(manifest.Assets))
	for _, asset := range manifest.Assets {
		stored, err := i.assets.Put(ctx, payloads[asset.ID], asset.MimeType, asset.Filename)
		if err != nil {
			return ImportResult{}, err
		}
		liveURLs[asset.ID] = stored.URL()
	}

	order := importOrder(manifest.Notes)
	err = i.store.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.LockProject(ctx, projectID); err != nil {
			return err
		}
		maxRoot, err := tx.MaxRootPosition(ctx, projectID)
		if err != nil {
			return err
		}

		ids := make(map[string]string, len(order))
		now := i.now().UTC()
		roots := 0
		for _, note := range order {
			id := util.NewNodeID()
			ids[note.ID] = id

			var parentID *string
			position := note.Position
			if note.ParentID == nil {
				position = maxRoot + 1 + roots
				roots++
			} else {
				parent := ids[*note.ParentID]
				parentID = &parent
			}

			noteContent, err := richtext.Normalize(note.Content)
			if err != nil {
				return err
			}
			noteContent, _, err = richtext.RewriteImageSources(noteContent, func(src string) (string, error) {
				if ref, ok := AssetRef(src); ok {
					if live, found := liveURLs[ref]; found {
						return live, nil
					}
				}
				return src, nil
			})
			if err != nil {
				return err
			}

			if err := outline.InsertNode(ctx, tx, store.Node{
				ID:        id,
				ProjectID: projectID,
				ParentID:  parentID,
				Title:     note.Title,
				Status:    note.Status,
				Content:   noteContent,
				Position:  position,
				CreatedAt: now,
				UpdatedAt: now,
			}); err != nil {
				return err
			}

			dates := make([]string, 0, len(note.WorkedDates))
			for _, value := range note.WorkedDates {
				if day, ok := outline.NormalizeDate(value); ok {
					dates = append(dates, day)
				}
			}
			if err := outline.ApplyWorkedDates(ctx, tx, id, nil, dates); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		var domainErr *apperr.DomainError
		if errors.As(err, &domainErr) {
			return ImportResult{}, err
		}
		if errors.Is(err, store.ErrNotFound) {
			return ImportResult{}, apperr.NotFound("PROJECT_NOT_FOUND", "project not found")
		}
		return ImportResult{}, apperr.Unavailable("STORAGE_UNAVAILABLE", "import failed", err)
	}

	result := ImportResult{OK: true, NotesImported: len(order), AssetsProcessed: len(manifest.Assets)}
	if i.recorder != nil {
		recorded, err := i.recorder.Record(ctx, projectID, history.CauseAutosave, map[string]any{"source": "import"})
		if err != nil {
			i.logger.Error("record import version", zap.String("project_id", projectID), zap.Error(err))
		} else {
			result.VersionID = recorded.ID
		}
	}
	i.logger.Info("manifest imported",
		zap.String("project_id", projectID),
		zap.Int("notes", result.NotesImported),
		zap.Int("assets", result.AssetsProcessed),
	)
	return result, nil
}

// importOrder lists notes parents-first, siblings by (position, manifest
// order). The manifest must already be validated as acyclic.
func importOrder(notes []Note) []Note {
	children := map[string][]int{}
	var roots []int
	for idx, note := range notes {
		if note.ParentID == nil {
			roots = append(roots, idx)
			continue
		}
		children[*note.ParentID] = append(children[*note.ParentID], idx)
	}
	byPosition := func(list []int) {
		sort.SliceStable(list, func(a, b int) bool { return notes[list[a]].Position < notes[list[b]].Position })
	}
	byPosition(roots)

	order := make([]Note, 0, len(notes))
	queue := append([]int(nil), roots...)
	for len(queue) > 0 {
		idx := queue[0]
		queue = queue[1:]
		order = append(order, notes[idx])
		kids := children[notes[idx].ID]
		byPosition(kids)
		queue = append(queue, kids...)
	}
	return order
}
