// Package content is the content-addressed asset store: bytes are keyed by
// their SHA-256 digest, so identical uploads share one record and one blob.
package content

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"outliner/api/internal/apperr"
	"outliner/api/internal/metrics"
	"outliner/api/internal/store"
	"outliner/api/internal/util"
)

const defaultCacheSize = 512

// URLPrefix is the live URL path under which assets are served.
const URLPrefix = "/api/files/"

type Asset struct {
	ID           string    `json:"id"`
	StoredName   string    `json:"storedName"`
	OriginalName string    `json:"originalName"`
	MimeType     string    `json:"mimeType"`
	SizeBytes    int64     `json:"sizeBytes"`
	Digest       string    `json:"digest"`
	CreatedAt    time.Time `json:"createdAt"`
}

// URL is the live reference to the asset embedded in node content.
func (a Asset) URL() string {
	return URLPrefix + a.ID
}

// Repository is the asset row surface of the relational store.
type Repository interface {
	FileByDigest(ctx context.Context, digest string) (store.File, error)
	FileByID(ctx context.Context, id string) (store.File, error)
	InsertFile(ctx context.Context, file store.File) error
}

type Store struct {
	repo    Repository
	blobs   BlobStore
	logger  *zap.Logger
	metrics *metrics.Collector
	cache   *lru.Cache[string, Asset]
	flights singleflight.Group
	now     func() time.Time
}

type Option func(*Store)

func WithMetrics(collector *metrics.Collector) Option {
	return func(s *Store) { s.metrics = collector }
}

func WithCacheSize(size int) Option {
	return func(s *Store) {
		if size > 0 {
			cache, err := lru.New[string, Asset](size)
			if err == nil {
				s.cache = cache
			}
		}
	}
}

func New(repo Repository, blobs BlobStore, logger *zap.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	cache, _ := lru.New[string, Asset](defaultCacheSize)
	s := &Store{repo: repo, blobs: blobs, logger: logger, cache: cache, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Digest returns the hex SHA-256 of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Put stores data and returns its asset. Identical bytes always resolve to
// the same asset; an existing asset whose blob is missing or has the wrong
// size is repaired from data.
func (s *Store) Put(ctx context.Context, data []byte, mimeType, originalName string) (Asset, error) {
	if len(data) == 0 {
		return Asset{}, apperr.Validation("EMPTY_ASSET", "asset content is empty", nil)
	}
	digest := Digest(data)

	// The shared flight outlives any one caller; each caller still gives up
	// on its own context.
	flightCtx := context.WithoutCancel(ctx)
	results := s.flights.DoChan(digest, func() (any, error) {
		return s.put(flightCtx, data, digest, mimeType, originalName)
	})
	var result singleflight.Result
	select {
	case result = <-results:
	case <-ctx.Done():
		return Asset{}, ctx.Err()
	}
	if result.Err != nil {
		return Asset{}, result.Err
	}
	asset := result.Val.(Asset)
	s.cache.Add(asset.ID, asset)
	return asset, nil
}

func (s *Store) put(ctx context.Context, data []byte, digest, mimeType, originalName string) (Asset, error) {
	existing, err := s.repo.FileByDigest(ctx, digest)
	if err == nil {
		asset := fromFile(existing)
		if err := s.heal(ctx, asset, data); err != nil {
			return Asset{}, err
		}
		s.metrics.AssetPut(metrics.AssetDeduped)
		return asset, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return Asset{}, apperr.Unavailable("STORAGE_UNAVAILABLE", "lookup asset failed", err)
	}

	mimeType = resolveMIME(mimeType, data)
	asset := Asset{
		ID:           util.NewID("file"),
		StoredName:   s.storedName(mimeType, originalName),
		OriginalName: cleanOriginalName(originalName),
		MimeType:     mimeType,
		SizeBytes:    int64(len(data)),
		Digest:       digest,
		CreatedAt:    s.now().UTC(),
	}

	// The blob goes first so a failed write never leaves a row behind.
	if err := s.blobs.Write(ctx, asset.StoredName, data, asset.MimeType); err != nil {
		return Asset{}, apperr.Unavailable("BLOB_WRITE_FAILED", "write asset failed", err)
	}

	err = s.repo.InsertFile(ctx, toFile(asset))
	if errors.Is(err, store.ErrConflict) {
		winner, lookupErr := s.repo.FileByDigest(ctx, digest)
		if lookupErr != nil {
			return Asset{}, apperr.Unavailable("STORAGE_UNAVAILABLE", "resolve asset conflict failed", lookupErr)
		}
		if removeErr := s.blobs.Remove(ctx, asset.StoredName); removeErr != nil {
			s.logger.Warn("remove losing blob", zap.String("stored_name", asset.StoredName), zap.Error(removeErr))
		}
		resolved := fromFile(winner)
		if err := s.heal(ctx, resolved, data); err != nil {
			return Asset{}, err
		}
		s.metrics.AssetPut(metrics.AssetConflict)
		return resolved, nil
	}
	if err != nil {
		if removeErr := s.blobs.Remove(ctx, asset.StoredName); removeErr != nil {
			s.logger.Warn("remove orphan blob", zap.String("stored_name", asset.StoredName), zap.Error(removeErr))
		}
		return Asset{}, apperr.Unavailable("STORAGE_UNAVAILABLE", "insert asset failed", err)
	}

	s.metrics.AssetPut(metrics.AssetCreated)
	s.logger.Info("asset stored",
		zap.String("file_id", asset.ID),
		zap.String("stored_name", asset.StoredName),
		zap.Int64("size_bytes", asset.SizeBytes),
	)
	return asset, nil
}

// heal rewrites the blob of asset from data when it is missing or its size
// disagrees with the record.
func (s *Store) heal(ctx context.Context, asset Asset, data []byte) error {
	size, err := s.blobs.Size(ctx, asset.StoredName)
	if err == nil && size == asset.SizeBytes {
		return nil
	}
	if err != nil && !errors.Is(err, ErrBlobMissing) {
		return apperr.Unavailable("STORAGE_UNAVAILABLE", "inspect asset blob failed", err)
	}
	if err := s.blobs.Write(ctx, asset.StoredName, data, asset.MimeType); err != nil {
		return apperr.Unavailable("BLOB_WRITE_FAILED", "repair asset failed", err)
	}
	s.metrics.AssetPut(metrics.AssetHealed)
	s.logger.Warn("asset blob repaired",
		zap.String("file_id", asset.ID),
		zap.String("stored_name", asset.StoredName),
		zap.Int64("found_size", size),
		zap.Int64("want_size", asset.SizeBytes),
	)
	return nil
}

// Get returns the asset record with the given id.
func (s *Store) Get(ctx context.Context, id string) (Asset, error) {
	if asset, ok := s.cache.Get(id); ok {
		return asset, nil
	}
	file, err := s.repo.FileByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return Asset{}, apperr.NotFound("FILE_NOT_FOUND", "file not found").WithDetails(map[string]any{"fileId": id})
	}
	if err != nil {
		return Asset{}, apperr.Unavailable("STORAGE_UNAVAILABLE", "get asset failed", err)
	}
	asset := fromFile(file)
	s.cache.Add(id, asset)
	return asset, nil
}

// Open returns the asset and a reader over its bytes. A missing record is
// NotFound; a record whose blob is gone wraps ErrBlobMissing instead, and one
// whose blob has the wrong size wraps ErrBlobSizeMismatch.
func (s *Store) Open(ctx context.Context, id string) (Asset, io.ReadCloser, error) {
	asset, err := s.Get(ctx, id)
	if err != nil {
		return Asset{}, nil, err
	}
	size, err := s.blobs.Size(ctx, asset.StoredName)
	if errors.Is(err, ErrBlobMissing) {
		return asset, nil, blobMissing(asset, err)
	}
	if err != nil {
		return asset, nil, apperr.Unavailable("STORAGE_UNAVAILABLE", "inspect asset blob failed", err)
	}
	if size != asset.SizeBytes {
		return asset, nil, &apperr.DomainError{
			Kind:    apperr.KindUnavailable,
			Code:    "BLOB_SIZE_MISMATCH",
			Message: "file content does not match its record",
			Details: map[string]any{"fileId": id, "storedName": asset.StoredName, "sizeBytes": asset.SizeBytes, "foundBytes": size},
			Err:     ErrBlobSizeMismatch,
		}
	}
	reader, err := s.blobs.Open(ctx, asset.StoredName)
	if errors.Is(err, ErrBlobMissing) {
		return asset, nil, blobMissing(asset, err)
	}
	if err != nil {
		return asset, nil, apperr.Unavailable("STORAGE_UNAVAILABLE", "open asset failed", err)
	}
	return asset, reader, nil
}

func blobMissing(asset Asset, err error) error {
	return &apperr.DomainError{
		Kind:    apperr.KindUnavailable,
		Code:    "BLOB_MISSING",
		Message: "file record exists but its content is missing",
		Details: map[string]any{"fileId": asset.ID, "storedName": asset.StoredName},
		Err:     err,
	}
}

// Read returns the asset and all of its bytes.
func (s *Store) Read(ctx context.Context, id string) (Asset, []byte, error) {
	asset, reader, err := s.Open(ctx, id)
	if err != nil {
		return asset, nil, err
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		return asset, nil, apperr.Unavailable("STORAGE_UNAVAILABLE", "read asset failed", err)
	}
	return asset, data, nil
}

// DiskPath reports where the asset's bytes live in the blob backend.
func (s *Store) DiskPath(asset Asset) string {
	return s.blobs.Locate(asset.StoredName)
}

func (s *Store) storedName(mimeType, originalName string) string {
	return fmt.Sprintf("%d-%s%s", s.now().UnixMilli(), util.RandomSuffix(6), Extension(mimeType, originalName))
}

var knownExtensions = map[string]string{
	"image/png":       ".png",
	"image/jpeg":      ".jpg",
	"image/gif":       ".gif",
	"image/webp":      ".webp",
	"image/svg+xml":   ".svg",
	"image/avif":      ".avif",
	"image/bmp":       ".bmp",
	"application/pdf": ".pdf",
	"text/plain":      ".txt",
	"text/markdown":   ".md",
	"application/zip": ".zip",
}

// Extension infers a stored-name extension from the MIME type, then from the
// original file name, defaulting to .bin.
func Extension(mimeType, originalName string) string {
	mediaType := mediaTypeOf(mimeType)
	if ext, ok := knownExtensions[mediaType]; ok {
		return ext
	}
	if mediaType != "" && mediaType != "application/octet-stream" {
		if exts, err := mime.ExtensionsByType(mediaType); err == nil && len(exts) > 0 {
			return exts[0]
		}
	}
	ext := strings.ToLower(filepath.Ext(originalName))
	if len(ext) > 1 && len(ext) <= 10 && isAlnum(ext[1:]) {
		return ext
	}
	return ".bin"
}

func resolveMIME(hint string, data []byte) string {
	if mediaType := mediaTypeOf(hint); mediaType != "" && mediaType != "application/octet-stream" {
		return mediaType
	}
	return mediaTypeOf(http.DetectContentType(data))
}

func mediaTypeOf(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(value)
	if err != nil {
		return ""
	}
	return strings.ToLower(mediaType)
}

func cleanOriginalName(name string) string {
	name = strings.TrimSpace(strings.ReplaceAll(name, "\\", "/"))
	if name == "" {
		return ""
	}
	base := filepath.Base(name)
	if base == "." || base == "/" {
		return ""
	}
	return base
}

func isAlnum(value string) bool {
	for _, r := range value {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

func fromFile(file store.File) Asset {
	return Asset{
		ID:           file.ID,
		StoredName:   file.StoredName,
		OriginalName: file.OriginalName,
		MimeType:     file.MimeType,
		SizeBytes:    file.SizeBytes,
		Digest:       file.Digest,
		CreatedAt:    file.CreatedAt,
	}
}

func toFile(asset Asset) store.File {
	return store.File{
		ID:           asset.ID,
		StoredName:   asset.StoredName,
		OriginalName: asset.OriginalName,
		MimeType:     asset.MimeType,
		SizeBytes:    asset.SizeBytes,
		Digest:       asset.Digest,
		CreatedAt:    asset.CreatedAt,
	}
}
