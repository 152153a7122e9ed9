package content

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrBlobMissing reports that an asset row exists but its bytes do not.
var ErrBlobMissing = errors.New("content: blob missing")

// ErrBlobSizeMismatch reports a blob whose size disagrees with its record.
var ErrBlobSizeMismatch = errors.New("content: blob size mismatch")

// BlobStore persists asset bytes under their stored name.
type BlobStore interface {
	Write(ctx context.Context, name string, data []byte, mimeType string) error
	Open(ctx context.Context, name string) (io.ReadCloser, error)
	Size(ctx context.Context, name string) (int64, error)
	Remove(ctx context.Context, name string) error
	// Locate returns where name lives in the backend, e.g. a file path.
	Locate(name string) string
}

func checkName(name string) error {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("invalid blob name %q", name)
	}
	return nil
}

// DiskBlobs stores blobs as files in one directory.
type DiskBlobs struct {
	root string
}

func NewDiskBlobs(root string) (*DiskBlobs, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return &DiskBlobs{root: root}, nil
}

// Write replaces the blob atomically through a temp file and rename.
func (d *DiskBlobs) Write(_ context.Context, name string, data []byte, _ string) error {
	if err := checkName(name); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(d.root, ".upload-*")
	if err != nil {
		return fmt.Errorf("create temp blob: %w", err)
	}
	cleanup := func() { _ = os.Remove(tmp.Name()) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write blob %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync blob %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close blob %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), d.Locate(name)); err != nil {
		cleanup()
		return fmt.Errorf("commit blob %s: %w", name, err)
	}
	return nil
}

func (d *DiskBlobs) Open(_ context.Context, name string) (io.ReadCloser, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	file, err := os.Open(d.Locate(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("open blob %s: %w", name, ErrBlobMissing)
	}
	if err != nil {
		return nil, fmt.Errorf("open blob %s: %w", name, err)
	}
	return file, nil
}

func (d *DiskBlobs) Size(_ context.Context, name string) (int64, error) {
	if err := checkName(name); err != nil {
		return 0, err
	}
	info, err := os.Stat(d.Locate(name))
	if errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("stat blob %s: %w", name, ErrBlobMissing)
	}
	if err != nil {
		return 0, fmt.Errorf("stat blob %s: %w", name, err)
	}
	return info.Size(), nil
}

func (d *DiskBlobs) Remove(_ context.Context, name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	if err := os.Remove(d.Locate(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove blob %s: %w", name, err)
	}
	return nil
}

func (d *DiskBlobs) Locate(name string) string {
	return filepath.Join(d.root, name)
}

type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// S3Blobs stores blobs as objects in one bucket of an S3-compatible service.
type S3Blobs struct {
	client *minio.Client
	bucket string
}

// NewS3Blobs connects and creates the bucket when it does not exist yet.
func NewS3Blobs(ctx context.Context, cfg S3Config) (*S3Blobs, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}
	return &S3Blobs{client: client, bucket: cfg.Bucket}, nil
}

func (s *S3Blobs) Write(ctx context.Context, name string, data []byte, mimeType string) error {
	if err := checkName(name); err != nil {
		return err
	}
	_, err := s.client.PutObject(ctx, s.bucket, name, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: mimeType,
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", name, err)
	}
	return nil
}

func (s *S3Blobs) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	// GetObject is lazy; stat first so a missing key surfaces here.
	if _, err := s.Size(ctx, name); err != nil {
		return nil, err
	}
	object, err := s.client.GetObject(ctx, s.bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", name, err)
	}
	return object, nil
}

func (s *S3Blobs) Size(ctx context.Context, name string) (int64, error) {
	if err := checkName(name); err != nil {
		return 0, err
	}
	info, err := s.client.StatObject(ctx, s.bucket, name, minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return 0, fmt.Errorf("stat object %s: %w", name, ErrBlobMissing)
		}
		return 0, fmt.Errorf("stat object %s: %w", name, err)
	}
	return info.Size, nil
}

func (s *S3Blobs) Remove(ctx context.Context, name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	if err := s.client.RemoveObject(ctx, s.bucket, name, minio.RemoveObjectOptions{}); err != nil && !isNoSuchKey(err) {
		return fmt.Errorf("remove object %s: %w", name, err)
	}
	return nil
}

func (s *S3Blobs) Locate(name string) string {
	return "s3://" + s.bucket + "/" + name
}

func isNoSuchKey(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound"
}
