package app

import (
	"context"
	"io"
	"strings"

	"go.uber.org/zap"

	"outliner/api/internal/apperr"
	"outliner/api/internal/content"
	"outliner/api/internal/history"
	"outliner/api/internal/metrics"
	"outliner/api/internal/outline"
	"outliner/api/internal/portable"
	"outliner/api/internal/restore"
	"outliner/api/internal/store"
	"outliner/api/internal/tree"
)

// Service is the facade the HTTP server and the CLI drive. Every call names
// its project explicitly.
type Service struct {
	store    *store.Store
	assets   *content.Store
	outline  *outline.Service
	history  *history.Recorder
	restore  *restore.Engine
	exporter *portable.Exporter
	importer *portable.Importer
	metrics  *metrics.Collector
	logger   *zap.Logger

	defaultProject string
}

type Option func(*options)

type options struct {
	diffCache      history.DiffCache
	metrics        *metrics.Collector
	defaultProject string
	assetCacheSize int
}

// WithDiffCache caches id-to-id version diffs.
func WithDiffCache(cache history.DiffCache) Option {
	return func(o *options) { o.diffCache = cache }
}

func WithMetrics(collector *metrics.Collector) Option {
	return func(o *options) { o.metrics = collector }
}

func WithDefaultProject(name string) Option {
	return func(o *options) { o.defaultProject = name }
}

// WithAssetCacheSize bounds the in-memory asset record cache.
func WithAssetCacheSize(size int) Option {
	return func(o *options) { o.assetCacheSize = size }
}

func New(s *store.Store, blobs content.BlobStore, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{defaultProject: "default"}
	for _, opt := range opts {
		opt(&o)
	}

	recorderOpts := []history.Option{history.WithMetrics(o.metrics)}
	if o.diffCache != nil {
		recorderOpts = append(recorderOpts, history.WithDiffCache(o.diffCache))
	}
	assets := content.New(s, blobs, logger.Named("content"),
		content.WithMetrics(o.metrics),
		content.WithCacheSize(o.assetCacheSize),
	)
	recorder := history.NewRecorder(s, logger.Named("history"), recorderOpts...)
	sanitizer := portable.NewSanitizer(assets, logger.Named("sanitize"))

	return &Service{
		store:  s,
		assets: assets,
		outline: outline.NewService(s, recorder, logger.Named("outline"),
			outline.WithSanitizer(sanitizer),
			outline.WithMetrics(o.metrics),
		),
		history:        recorder,
		restore:        restore.NewEngine(s, recorder, logger.Named("restore")),
		exporter:       portable.NewExporter(s, assets, logger.Named("export")),
		importer:       portable.NewImporter(s, assets, recorder, logger.Named("import")),
		metrics:        o.metrics,
		logger:         logger,
		defaultProject: o.defaultProject,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// ResolveProject returns the named project, creating it on first use. An
// empty name selects the configured default project.
func (s *Service) ResolveProject(ctx context.Context, name string) (store.Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = s.defaultProject
	}
	if len(name) > 200 {
		return store.Project{}, apperr.Validation("INVALID_PROJECT", "project name is too long", map[string]any{"max": 200})
	}
	project, err := s.store.EnsureProject(ctx, name)
	if err != nil {
		return store.Project{}, apperr.Unavailable("STORAGE_UNAVAILABLE", "resolve project failed", err)
	}
	return project, nil
}

func (s *Service) Outline(ctx context.Context, projectID string) ([]*tree.Node, error) {
	return s.outline.Read(ctx, projectID)
}

func (s *Service) SaveOutline(ctx context.Context, projectID string, payload []byte) (outline.SaveResult, error) {
	forest, err := outline.DecodeForest(payload)
	if err != nil {
		return outline.SaveResult{}, err
	}
	return s.outline.Save(ctx, projectID, forest)
}

func (s *Service) History(ctx context.Context, projectID string, limit, offset int) (history.Page, error) {
	return s.history.List(ctx, projectID, limit, offset)
}

// Checkpoint records a manual version, optionally annotated with a note.
func (s *Service) Checkpoint(ctx context.Context, projectID, note string) (history.RecordResult, error) {
	var meta map[string]any
	if note = strings.TrimSpace(note); note != "" {
		meta = map[string]any{"note": note}
	}
	return s.history.Record(ctx, projectID, history.CauseManual, meta)
}

func (s *Service) Version(ctx context.Context, projectID, ref string) (history.Version, error) {
	id, err := history.ParseRef(ref)
	if err != nil {
		return history.Version{}, err
	}
	return s.history.Get(ctx, projectID, id)
}

func (s *Service) Diff(ctx context.Context, projectID, fromRef, toRef string) (history.DiffResult, error) {
	return s.history.Diff(ctx, projectID, fromRef, toRef)
}

func (s *Service) Restore(ctx context.Context, projectID, ref string) (restore.Result, error) {
	id, err := history.ParseRef(ref)
	if err != nil {
		return restore.Result{}, err
	}
	return s.restore.Restore(ctx, projectID, id)
}

func (s *Service) Export(ctx context.Context, project store.Project) (portable.Manifest, error) {
	return s.exporter.Export(ctx, project.ID, project.Name)
}

func (s *Service) Import(ctx context.Context, projectID string, payload []byte) (portable.ImportResult, error) {
	manifest, err := portable.DecodeManifest(payload)
	if err != nil {
		return portable.ImportResult{}, err
	}
	return s.importer.Import(ctx, projectID, manifest)
}

func (s *Service) Upload(ctx context.Context, data []byte, mimeType, originalName string) (content.Asset, error) {
	return s.assets.Put(ctx, data, mimeType, originalName)
}

func (s *Service) OpenFile(ctx context.Context, id string) (content.Asset, io.ReadCloser, error) {
	return s.assets.Open(ctx, id)
}
