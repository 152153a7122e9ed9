package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"outliner/api/internal/config"
	"outliner/api/internal/content"
	"outliner/api/internal/history"
	"outliner/api/internal/metrics"
	"outliner/api/internal/store"
)

// Runtime owns the process-wide resources behind a Service.
type Runtime struct {
	Config  config.Config
	Store   *store.Store
	Service *Service
	Metrics *metrics.Collector

	closers []func() error
}

// Open connects the database, migrates it, selects the blob backend and,
// when configured, the Redis diff cache.
func Open(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Runtime, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	rt := &Runtime{Config: cfg, Metrics: metrics.NewCollector("outline")}

	s, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	rt.Store = s
	rt.closers = append(rt.closers, s.DB().Close)

	if err := Migrate(ctx, cfg, s); err != nil {
		_ = rt.Close()
		return nil, err
	}

	var blobs content.BlobStore
	switch cfg.BlobBackend {
	case "s3":
		blobs, err = content.NewS3Blobs(ctx, content.S3Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			UseSSL:    cfg.S3UseSSL,
		})
		logger.Info("using s3 blob storage", zap.String("endpoint", cfg.S3Endpoint), zap.String("bucket", cfg.S3Bucket))
	default:
		blobs, err = content.NewDiskBlobs(cfg.BlobDir)
		logger.Info("using disk blob storage", zap.String("dir", cfg.BlobDir))
	}
	if err != nil {
		_ = rt.Close()
		return nil, err
	}

	opts := []Option{
		WithMetrics(rt.Metrics),
		WithDefaultProject(cfg.DefaultProject),
		WithAssetCacheSize(cfg.AssetCacheSize),
	}
	if strings.TrimSpace(cfg.RedisURL) != "" {
		cache, err := history.NewRedisDiffCache(cfg.RedisURL, cfg.DiffCacheTTL())
		if err != nil {
			_ = rt.Close()
			return nil, err
		}
		rt.closers = append(rt.closers, cache.Close)
		if err := cache.Ping(ctx); err != nil {
			_ = rt.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		opts = append(opts, WithDiffCache(cache))
		logger.Info("caching version diffs in redis")
	}

	rt.Service = New(s, blobs, logger, opts...)
	return rt, nil
}

// OpenStore connects to the configured database without migrating it.
func OpenStore(ctx context.Context, cfg config.Config) (*store.Store, error) {
	dialect, err := store.ParseDialect(cfg.DatabaseDriver)
	if err != nil {
		return nil, err
	}
	if dialect == store.SQLite && !strings.HasPrefix(cfg.DatabaseURL, "file:") && cfg.DatabaseURL != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.DatabaseURL), 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}
	db, err := store.Open(ctx, dialect, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	return store.New(db, dialect), nil
}

func Migrate(ctx context.Context, cfg config.Config, s *store.Store) error {
	migrations, err := store.Migrations(s.Dialect(), cfg.MigrationsDir)
	if err != nil {
		return err
	}
	if err := store.ApplyMigrations(ctx, s.DB(), s.Dialect(), migrations); err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}
	return nil
}

// Close releases resources in reverse order of acquisition.
func (rt *Runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
