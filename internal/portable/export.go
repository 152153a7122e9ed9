package portable

import (
	"context"
	"encoding/base64"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"outliner/api/internal/apperr"
	"outliner/api/internal/content"
	"outliner/api/internal/richtext"
	"outliner/api/internal/store"
	"outliner/api/internal/tree"
)

type Exporter struct {
	store  *store.Store
	assets *content.Store
	logger *zap.Logger
	now    func() time.Time
}

func NewExporter(s *store.Store, assets *content.Store, logger *zap.Logger) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{store: s, assets: assets, logger: logger, now: time.Now}
}

// manifestBuild tracks the assets already inlined into one manifest.
type manifestBuild struct {
	manifest *Manifest
	byFileID map[string]string
	byDigest map[string]string
}

// Export builds a manifest of the project's outline. Live asset references
// become asset:// references backed by inlined bytes; an asset that cannot
// be read is logged and its reference left as is.
func (e *Exporter) Export(ctx context.Context, projectID, projectName string) (Manifest, error) {
	forest, err := tree.Load(ctx, e.store, projectID)
	if err != nil {
		return Manifest{}, apperr.Unavailable("STORAGE_UNAVAILABLE", "load outline failed", err)
	}

	manifest := Manifest{
		Schema:     Schema,
		ExportedAt: e.now().UTC(),
		Project:    projectName,
		Notes:      []Note{},
		Assets:     []ManifestAsset{},
		Tags:       []string{},
	}
	build := &manifestBuild{manifest: &manifest, byFileID: map[string]string{}, byDigest: map[string]string{}}

	refs := map[string]string{}
	var parents []string
	allTags := map[string]struct{}{}
	tree.Walk(forest, func(n *tree.Node, depth int) {
		ref := "n" + strconv.Itoa(len(refs)+1)
		refs[n.ID] = ref
		parents = parents[:depth]
		var parentRef *string
		if depth > 0 {
			p := parents[depth-1]
			parentRef = &p
		}
		parents = append(parents, ref)

		noteContent, _, err := richtext.RewriteImageSources(n.Content, func(src string) (string, error) {
			return e.portableRef(ctx, build, src), nil
		})
		if err != nil {
			e.logger.Warn("export content left unrewritten", zap.String("node_id", n.ID), zap.Error(err))
			noteContent = n.Content
		}

		for _, tag := range n.Tags {
			allTags[tag] = struct{}{}
		}
		manifest.Notes = append(manifest.Notes, Note{
			ID:          ref,
			ParentID:    parentRef,
			Position:    n.Position,
			Title:       n.Title,
			Status:      n.Status,
			Content:     noteContent,
			Tags:        append([]string{}, n.Tags...),
			WorkedDates: append([]string{}, n.OwnWorkedOnDates...),
		})
	})
	for tag := range allTags {
		manifest.Tags = append(manifest.Tags, tag)
	}
	sort.Strings(manifest.Tags)

	e.logger.Info("outline exported",
		zap.String("project_id", projectID),
		zap.Int("notes", len(manifest.Notes)),
		zap.Int("assets", len(manifest.Assets)),
	)
	return manifest, nil
}

func (e *Exporter) portableRef(ctx context.Context, build *manifestBuild, src string) string {
	fileID, ok := LiveAssetID(src)
	if !ok {
		return src
	}
	if ref, seen := build.byFileID[fileID]; seen {
		return AssetScheme + ref
	}

	asset, data, err := e.assets.Read(ctx, fileID)
	if err != nil {
		e.logger.Warn("export skipped unreadable asset", zap.String("file_id", fileID), zap.Error(err))
		return src
	}
	ref, seen := build.byDigest[asset.Digest]
	if !seen {
		ref = "a" + strconv.Itoa(len(build.manifest.Assets)+1)
		build.byDigest[asset.Digest] = ref
		build.manifest.Assets = append(build.manifest.Assets, ManifestAsset{
			ID:        ref,
			Filename:  exportFilename(asset),
			MimeType:  asset.MimeType,
			SizeBytes: int64(len(data)),
			Digest:    content.Digest(data),
			Data:      base64.StdEncoding.EncodeToString(data),
		})
	}
	build.byFileID[fileID] = ref
	return AssetScheme + ref
}

func exportFilename(asset content.Asset) string {
	if asset.OriginalName != "" {
		return asset.OriginalName
	}
	return asset.StoredName
}
